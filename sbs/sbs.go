// Package sbs parses the SBS-1 (BaseStation) line protocol: one CSV
// record per line, field set depending on the transmission type.
package sbs

import (
	"strconv"
	"strings"
)

// Transmission types carried by MSG records.
const (
	ESIdentAndCategory = 1
	ESSurfacePos       = 2
	ESAirbornePos      = 3
	ESAirborneVel      = 4
	SurveillanceAlt    = 5
	SurveillanceID     = 6
	AirToAir           = 7
	AllCallReply       = 8
)

var typeNames = map[int]string{
	ESIdentAndCategory: "ES_IDENT_AND_CATEGORY",
	ESSurfacePos:       "ES_SURFACE_POS",
	ESAirbornePos:      "ES_AIRBORNE_POS",
	ESAirborneVel:      "ES_AIRBORNE_VEL",
	SurveillanceAlt:    "SURVEILLANCE_ALT",
	SurveillanceID:     "SURVEILLANCE_ID",
	AirToAir:           "AIR_TO_AIR",
	AllCallReply:       "ALL_CALL_REPLY",
}

// TypeName returns the symbolic name of a transmission type.
func TypeName(t int) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Message is a partial per-aircraft update decoded from one SBS-1 line.
// Fields absent from the line are nil.
type Message struct {
	TransmissionType int
	Icao24           string
	FlightID         *string
	Callsign         *string
	Altitude         *int
	GroundSpeed      *float64
	Track            *float64
	Lat              *float64
	Lon              *float64
	VerticalRate     *int
	Squawk           *string
}

// Column indexes per the BaseStation format.
const (
	colMsgType      = 0
	colTransmission = 1
	colFlightID     = 5
	colIcao24       = 4
	colCallsign     = 10
	colAltitude     = 11
	colGroundSpeed  = 12
	colTrack        = 13
	colLat          = 14
	colLon          = 15
	colVerticalRate = 16
	colSquawk       = 17
)

// Parse decodes a single SBS-1 line. It reports false for anything that
// does not carry a MSG record with a transmission type in 1..8 and a
// non-empty ICAO24; such lines are dropped by the caller with no further
// bookkeeping. Trailing CR/LF is tolerated.
func Parse(line string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ",")

	if field(fields, colMsgType) != "MSG" {
		return Message{}, false
	}
	tt, err := strconv.Atoi(field(fields, colTransmission))
	if err != nil || tt < ESIdentAndCategory || tt > AllCallReply {
		return Message{}, false
	}
	icao := field(fields, colIcao24)
	if icao == "" {
		return Message{}, false
	}

	m := Message{
		TransmissionType: tt,
		Icao24:           icao,
		FlightID:         stringField(fields, colFlightID),
		Callsign:         stringField(fields, colCallsign),
		Altitude:         intField(fields, colAltitude),
		GroundSpeed:      floatField(fields, colGroundSpeed),
		Track:            floatField(fields, colTrack),
		Lat:              floatField(fields, colLat),
		Lon:              floatField(fields, colLon),
		VerticalRate:     intField(fields, colVerticalRate),
		Squawk:           stringField(fields, colSquawk),
	}
	return m, true
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func stringField(fields []string, i int) *string {
	s := field(fields, i)
	if s == "" {
		return nil
	}
	return &s
}

func floatField(fields []string, i int) *float64 {
	s := field(fields, i)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Some feeds emit integer columns with a decimal part; accept both.
func intField(fields []string, i int) *int {
	s := field(fields, i)
	if s == "" {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return &v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	v := int(f)
	return &v
}
