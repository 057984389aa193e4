// Package observer fuses partial SBS-1 messages into per-aircraft state.
// Aircraft are keyed by ICAO24; each carries a dirty bit the fan-out
// scheduler claims, and state not refreshed within the clean interval is
// evicted.
package observer

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/registry"
	"github.com/maniack/adsbfeeder/sbs"
)

// CleanInterval is both the eviction horizon and the rate window.
const CleanInterval = 30 * time.Second

// Observation is the fused state of one aircraft. All mutation happens
// under the owning Observer's write lock; the dirty bit is atomic so the
// scheduler can claim it from the read side.
type Observation struct {
	icao24       string
	callsign     *string
	squawk       *string
	flightID     *string
	altitude     *int
	lat          *float64
	lon          *float64
	latLonTime   time.Time
	altitudeTime time.Time
	groundSpeed  *float64
	track        *float64
	verticalRate int
	loggedDate   time.Time

	updated atomic.Bool

	// Reference data, filled once from the registry when the aircraft
	// first appears. Never part of the wire view.
	registration string
	operator     string
	aircraftType string
}

func newObservation(m sbs.Message, now time.Time) *Observation {
	o := &Observation{icao24: m.Icao24, loggedDate: now}
	o.merge(m, now)
	// The first message always counts as an update, even when it
	// carries nothing beyond the ICAO24.
	o.updated.Store(true)
	return o
}

// merge folds a partial message into the observation. Nil message fields
// never clear state; the dirty bit is raised only when a value actually
// changed, so repeats of known state produce no downstream traffic.
func (o *Observation) merge(m sbs.Message, now time.Time) {
	changed := false
	o.loggedDate = now

	if m.Callsign != nil {
		cs := strings.TrimRight(*m.Callsign, " ")
		if o.callsign == nil || *o.callsign != cs {
			o.callsign = &cs
			changed = true
		}
	}
	if m.Squawk != nil && (o.squawk == nil || *o.squawk != *m.Squawk) {
		v := *m.Squawk
		o.squawk = &v
		changed = true
	}
	if m.FlightID != nil && (o.flightID == nil || *o.flightID != *m.FlightID) {
		v := *m.FlightID
		o.flightID = &v
		changed = true
	}
	if m.Altitude != nil {
		if o.altitude == nil || *o.altitude != *m.Altitude {
			v := *m.Altitude
			o.altitude = &v
			changed = true
		}
		o.altitudeTime = now
	}
	if m.GroundSpeed != nil && (o.groundSpeed == nil || *o.groundSpeed != *m.GroundSpeed) {
		v := *m.GroundSpeed
		o.groundSpeed = &v
		changed = true
	}
	if m.Track != nil && (o.track == nil || *o.track != *m.Track) {
		v := *m.Track
		o.track = &v
		changed = true
	}
	if m.Lat != nil {
		if o.lat == nil || *o.lat != *m.Lat {
			v := *m.Lat
			o.lat = &v
			changed = true
		}
		o.latLonTime = now
	}
	if m.Lon != nil {
		if o.lon == nil || *o.lon != *m.Lon {
			v := *m.Lon
			o.lon = &v
			changed = true
		}
		o.latLonTime = now
	}
	if m.VerticalRate != nil && o.verticalRate != *m.VerticalRate {
		o.verticalRate = *m.VerticalRate
		changed = true
	}

	if changed {
		o.updated.Store(true)
	}
}

// presentable reports whether the observation carries enough state to be
// worth publishing: position, altitude, callsign, speed and track.
func (o *Observation) presentable() bool {
	return o.altitude != nil && o.lat != nil && o.lon != nil &&
		o.callsign != nil && o.groundSpeed != nil && o.track != nil
}

// Observer is the table of live observations plus the message counters
// driving the 30 s rate window. Feed goroutines write under the lock;
// the scheduler and status page read under the read lock.
type Observer struct {
	log monitoring.Logger
	reg *registry.Store

	mu           sync.RWMutex
	observations map[string]*Observation
	nextSweep    time.Time

	typeCounts  map[int]uint64
	messages    uint64
	presentable uint64

	messageRate     float64
	observationRate float64
}

// New returns an empty observer. The registry store is optional; pass
// nil to skip reference-data enrichment.
func New(log monitoring.Logger, reg *registry.Store) *Observer {
	return &Observer{
		log:          log,
		reg:          reg,
		observations: make(map[string]*Observation),
		typeCounts:   make(map[int]uint64),
	}
}

// Ingest consumes one raw line from an upstream feed. Malformed lines
// only bump the raw message counter.
func (t *Observer) Ingest(line string) {
	t.ingest(line, time.Now())
}

func (t *Observer) ingest(line string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages++
	t.sweep(now)

	m, ok := sbs.Parse(line)
	if !ok {
		return
	}
	t.typeCounts[m.TransmissionType]++
	monitoring.MessagesParsed.WithLabelValues(sbs.TypeName(m.TransmissionType)).Inc()

	o, ok := t.observations[m.Icao24]
	if !ok {
		o = newObservation(m, now)
		t.enrich(o)
		t.observations[m.Icao24] = o
		monitoring.ObservationCount.Set(float64(len(t.observations)))
		t.log.Debugf("observer: new aircraft %s", m.Icao24)
	} else {
		o.merge(m, now)
	}
	if o.presentable() {
		t.presentable++
	}
}

func (t *Observer) enrich(o *Observation) {
	if t.reg == nil {
		return
	}
	if a, ok := t.reg.Lookup(o.icao24); ok {
		o.registration = a.Registration
		o.operator = a.Operator
		o.aircraftType = a.Type
	}
}

// sweep evicts observations whose last message is older than the clean
// interval and converts the window counters into rates. Called with the
// write lock held; a no-op until the window elapses.
func (t *Observer) sweep(now time.Time) {
	if t.nextSweep.IsZero() {
		t.nextSweep = now.Add(CleanInterval)
		return
	}
	if now.Before(t.nextSweep) {
		return
	}

	for icao, o := range t.observations {
		if o.loggedDate.Add(CleanInterval).Before(now) {
			delete(t.observations, icao)
			t.log.Debugf("observer: expired %s", icao)
		}
	}

	span := CleanInterval.Seconds()
	t.messageRate = float64(t.messages) / span
	t.observationRate = float64(t.presentable) / span
	t.messages = 0
	t.presentable = 0
	t.nextSweep = now.Add(CleanInterval)

	monitoring.ObservationCount.Set(float64(len(t.observations)))
	t.log.Debugf("observer: sweep done, %d aircraft, %.1f msg/s, %.1f obs/s",
		len(t.observations), t.messageRate, t.observationRate)
}

// TakeUpdates claims every presentable observation whose dirty bit is
// set and returns value-copy views in ICAO24 order. An observation whose
// bit was claimed stays silent until new state arrives.
func (t *Observer) TakeUpdates() []View {
	return t.takeUpdates(time.Now())
}

func (t *Observer) takeUpdates(now time.Time) []View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.observations) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.observations))
	for k := range t.observations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var views []View
	for _, k := range keys {
		o := t.observations[k]
		if !o.presentable() {
			continue
		}
		if !o.updated.CompareAndSwap(true, false) {
			continue
		}
		views = append(views, o.view(now))
	}
	return views
}

// Snapshot returns views of all presentable aircraft in ICAO24 order
// without touching dirty bits.
func (t *Observer) Snapshot() []View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.observations))
	for k := range t.observations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	var views []View
	for _, k := range keys {
		o := t.observations[k]
		if !o.presentable() {
			continue
		}
		views = append(views, o.view(now))
	}
	return views
}

// Stats summarizes the table for the status page. Rates cover the last
// completed 30 s window, rounded to one decimal.
type Stats struct {
	Observations    int
	ObservationRate float64
	MessageRate     float64
}

func (t *Observer) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Observations:    len(t.observations),
		ObservationRate: round1(t.observationRate),
		MessageRate:     round1(t.messageRate),
	}
}

// TypeShare is one transmission type's share of all parsed messages.
type TypeShare struct {
	Name    string
	Percent float64
}

// Distribution returns the per-type message shares, largest first.
// Counts accumulate over the process lifetime.
func (t *Observer) Distribution() []TypeShare {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total uint64
	for _, c := range t.typeCounts {
		total += c
	}
	if total == 0 {
		return nil
	}

	types := make([]int, 0, len(t.typeCounts))
	for tt := range t.typeCounts {
		types = append(types, tt)
	}
	sort.Slice(types, func(i, j int) bool {
		ci, cj := t.typeCounts[types[i]], t.typeCounts[types[j]]
		if ci != cj {
			return ci > cj
		}
		return types[i] < types[j]
	})

	shares := make([]TypeShare, 0, len(types))
	for _, tt := range types {
		shares = append(shares, TypeShare{
			Name:    sbs.TypeName(tt),
			Percent: float64(t.typeCounts[tt]) * 100 / float64(total),
		})
	}
	return shares
}
