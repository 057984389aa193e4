package observer

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// View is a value copy of a presentable observation, safe to hand to
// other goroutines. Speed and heading are rounded to one decimal; Squawk
// is empty when the aircraft never reported one.
type View struct {
	Icao24   string
	Callsign string
	Squawk   string
	Time     float64
	Lat      float64
	Lon      float64
	Altitude int
	Speed    float64
	VSpeed   int
	Heading  float64

	// Status page extras, never on the wire.
	LastSeen     time.Time
	Registration string
	Operator     string
	AircraftType string
}

// view snapshots a presentable observation. Caller holds at least the
// read lock.
func (o *Observation) view(now time.Time) View {
	v := View{
		Icao24:       o.icao24,
		Callsign:     *o.callsign,
		Time:         float64(now.UnixNano()) / 1e9,
		Lat:          *o.lat,
		Lon:          *o.lon,
		Altitude:     *o.altitude,
		Speed:        round1(*o.groundSpeed),
		VSpeed:       o.verticalRate,
		Heading:      round1(*o.track),
		LastSeen:     o.loggedDate,
		Registration: o.registration,
		Operator:     o.operator,
		AircraftType: o.aircraftType,
	}
	if o.squawk != nil {
		v.Squawk = *o.squawk
	}
	return v
}

// Feature builds the GeoJSON representation published to subscribers:
// a Point in lon/lat order with the flat property set every downstream
// client expects.
func (v View) Feature() *geojson.Feature {
	f := geojson.NewFeature(orb.Point{v.Lon, v.Lat})
	f.Properties["icao24"] = v.Icao24
	f.Properties["callsign"] = v.Callsign
	if v.Squawk != "" {
		f.Properties["squawk"] = v.Squawk
	} else {
		f.Properties["squawk"] = nil
	}
	f.Properties["time"] = v.Time
	f.Properties["lat"] = v.Lat
	f.Properties["lon"] = v.Lon
	f.Properties["altitude"] = v.Altitude
	f.Properties["speed"] = v.Speed
	f.Properties["vspeed"] = v.VSpeed
	f.Properties["heading"] = v.Heading
	return f
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
