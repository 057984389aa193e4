package hub

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/geobuf"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/observer"
)

func testLogger() monitoring.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// One record with full state: ABC123 at (46.5, 15.25), 10000 ft.
const lineFull = "MSG,3,145,256,ABC123,11268,2016/02/22,19:11:00.000,2016/02/22,19:11:00.000,SWR92T,10000,210.4,88.25,46.5,15.25,-64,4321,0,0,0,0"

// Same aircraft, new altitude.
const lineClimb = "MSG,5,145,256,ABC123,11268,2016/02/22,19:11:05.000,2016/02/22,19:11:05.000,,11000,,,,,,,0,,,"

type fakeService struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeService) Start() {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeService) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeService) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeSubscriber struct {
	box bbox.BoundingBox

	mu      sync.Mutex
	updates []*Update
}

func newFakeSubscriber(box bbox.BoundingBox) *fakeSubscriber {
	return &fakeSubscriber{box: box}
}

func (f *fakeSubscriber) Info() ClientInfo {
	return ClientInfo{Transport: "tcp", Peer: "fake", BBox: f.box}
}

func (f *fakeSubscriber) BBox() bbox.BoundingBox { return f.box }

func (f *fakeSubscriber) Dispatch(u *Update) {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	f.mu.Unlock()
}

func (f *fakeSubscriber) got() []*Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Update(nil), f.updates...)
}

func TestLifecycleGating(t *testing.T) {
	svc := &fakeService{}
	h := New(testLogger(), observer.New(testLogger(), nil), svc, false)

	s1 := newFakeSubscriber(bbox.Default())
	s2 := newFakeSubscriber(bbox.Default())

	h.Register(s1)
	if starts, _ := svc.counts(); starts != 1 {
		t.Fatalf("starts after first register = %d, want 1", starts)
	}
	h.Register(s2)
	if starts, _ := svc.counts(); starts != 1 {
		t.Fatalf("starts after second register = %d, want 1", starts)
	}

	h.Unregister(s2)
	if _, stops := svc.counts(); stops != 0 {
		t.Fatalf("stops with one subscriber left = %d, want 0", stops)
	}
	h.Unregister(s1)
	if _, stops := svc.counts(); stops != 1 {
		t.Fatalf("stops after last unregister = %d, want 1", stops)
	}

	// Duplicate unregister must not stop again.
	h.Unregister(s1)
	if _, stops := svc.counts(); stops != 1 {
		t.Fatalf("stops after duplicate unregister = %d, want 1", stops)
	}
}

func TestPermanentServiceNeverGated(t *testing.T) {
	svc := &fakeService{}
	h := New(testLogger(), observer.New(testLogger(), nil), svc, true)

	s1 := newFakeSubscriber(bbox.Default())
	h.Register(s1)
	h.Unregister(s1)

	starts, stops := svc.counts()
	if starts != 0 || stops != 0 {
		t.Fatalf("permanent service gated: starts=%d stops=%d, want 0/0", starts, stops)
	}
}

func TestTickSkipsWithoutSubscribers(t *testing.T) {
	obs := observer.New(testLogger(), nil)
	h := New(testLogger(), obs, nil, false)

	obs.Ingest(lineFull)
	h.tick() // nobody listening; the dirty bit must survive

	sub := newFakeSubscriber(bbox.Default())
	h.Register(sub)
	h.tick()

	if got := len(sub.got()); got != 1 {
		t.Fatalf("updates after late subscribe = %d, want 1", got)
	}
}

func TestTickFiltersByBoundingBox(t *testing.T) {
	obs := observer.New(testLogger(), nil)
	h := New(testLogger(), obs, nil, false)

	hit := newFakeSubscriber(bbox.Default())
	miss := newFakeSubscriber(bbox.BoundingBox{
		MinLatitude: 10, MaxLatitude: 20,
		MinLongitude: 10, MaxLongitude: 20,
		MinAltitude: -100, MaxAltitude: 1e7,
	})
	h.Register(hit)
	h.Register(miss)

	obs.Ingest(lineFull)
	h.tick()

	if got := len(hit.got()); got != 1 {
		t.Errorf("matching subscriber got %d updates, want 1", got)
	}
	if got := len(miss.got()); got != 0 {
		t.Errorf("filtered subscriber got %d updates, want 0", got)
	}
}

func TestTickAtMostOneFramePerAircraft(t *testing.T) {
	obs := observer.New(testLogger(), nil)
	h := New(testLogger(), obs, nil, false)

	sub := newFakeSubscriber(bbox.Default())
	h.Register(sub)

	obs.Ingest(lineFull)
	h.tick()
	h.tick() // nothing new arrived

	if got := len(sub.got()); got != 1 {
		t.Fatalf("updates after two ticks = %d, want 1", got)
	}

	obs.Ingest(lineClimb)
	h.tick()
	if got := len(sub.got()); got != 2 {
		t.Fatalf("updates after altitude change = %d, want 2", got)
	}
}

func TestEncodeProducesBothWireForms(t *testing.T) {
	obs := observer.New(testLogger(), nil)
	h := New(testLogger(), obs, nil, false)

	sub := newFakeSubscriber(bbox.Default())
	h.Register(sub)
	obs.Ingest(lineFull)
	h.tick()

	updates := sub.got()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]

	if u.Icao24 != "ABC123" {
		t.Errorf("Icao24 = %q, want ABC123", u.Icao24)
	}
	if u.Lat != 46.5 || u.Lon != 15.25 || u.Altitude != 10000 {
		t.Errorf("position = (%v, %v, %v), want (46.5, 15.25, 10000)", u.Lat, u.Lon, u.Altitude)
	}

	if !bytes.HasSuffix(u.JSON, []byte("\n")) {
		t.Errorf("JSON record not newline-terminated: %q", u.JSON)
	}
	f, err := geojson.UnmarshalFeature(bytes.TrimSuffix(u.JSON, []byte("\n")))
	if err != nil {
		t.Fatalf("UnmarshalFeature: %v", err)
	}
	p, ok := f.Geometry.(orb.Point)
	if !ok {
		t.Fatalf("JSON geometry is %T, want orb.Point", f.Geometry)
	}
	if p[0] != 15.25 || p[1] != 46.5 {
		t.Errorf("JSON point = (%v, %v), want (15.25, 46.5)", p[0], p[1])
	}
	if f.Properties["icao24"] != "ABC123" || f.Properties["callsign"] != "SWR92T" {
		t.Errorf("JSON properties = %v", f.Properties)
	}
	if f.Properties["squawk"] != "4321" {
		t.Errorf("squawk = %v, want 4321", f.Properties["squawk"])
	}

	g, err := geobuf.Decode(u.Geobuf)
	if err != nil {
		t.Fatalf("geobuf.Decode: %v", err)
	}
	gp := g.Geometry.(orb.Point)
	if gp[0] != 15.25 || gp[1] != 46.5 {
		t.Errorf("geobuf point = (%v, %v), want (15.25, 46.5)", gp[0], gp[1])
	}
	if g.Properties["icao24"] != "ABC123" {
		t.Errorf("geobuf icao24 = %v, want ABC123", g.Properties["icao24"])
	}
}

func TestClientsOrdered(t *testing.T) {
	h := New(testLogger(), observer.New(testLogger(), nil), nil, false)

	h.Register(newFakeSubscriber(bbox.Default()))
	h.Register(newFakeSubscriber(bbox.Default()))

	infos := h.Clients()
	if len(infos) != 2 {
		t.Fatalf("Clients returned %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Transport != "tcp" {
			t.Errorf("Transport = %q, want tcp", info.Transport)
		}
	}

	if got := len(h.Clients()); got != 2 {
		t.Errorf("second Clients call returned %d entries, want 2", got)
	}
}

func TestTickDispatchOrder(t *testing.T) {
	obs := observer.New(testLogger(), nil)
	h := New(testLogger(), obs, nil, false)
	sub := newFakeSubscriber(bbox.Default())
	h.Register(sub)

	obs.Ingest("MSG,3,1,1,CCC333,1,2016/02/22,19:11:00.000,2016/02/22,19:11:00.000,CS3,1000,100,10,1,1,0,,0,0,0,0")
	obs.Ingest("MSG,3,1,1,AAA111,1,2016/02/22,19:11:00.000,2016/02/22,19:11:00.000,CS1,1000,100,10,1,1,0,,0,0,0,0")
	h.tick()

	updates := sub.got()
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Icao24 != "AAA111" || updates[1].Icao24 != "CCC333" {
		t.Errorf("dispatch order = [%s, %s], want [AAA111, CCC333]", updates[0].Icao24, updates[1].Icao24)
	}
}
