package status

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/hub"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/observer"
	"github.com/maniack/adsbfeeder/upstream"
)

func testLogger() monitoring.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeState struct{}

func (fakeState) Stats() observer.Stats {
	return observer.Stats{Observations: 3, ObservationRate: 2.5, MessageRate: 101.4}
}

func (fakeState) Distribution() []observer.TypeShare {
	return []observer.TypeShare{
		{Name: "ES_AIRBORNE_POS", Percent: 75},
		{Name: "ES_AIRBORNE_VEL", Percent: 25},
	}
}

func (fakeState) Snapshot() []observer.View {
	return []observer.View{{
		Icao24:       "4CA2D6",
		Callsign:     "BAW256",
		Squawk:       "4321",
		Lat:          51.45735,
		Lon:          -1.02826,
		Altitude:     37000,
		Speed:        454.5,
		VSpeed:       2112,
		Heading:      57.1,
		LastSeen:     time.Date(2026, 2, 22, 19, 11, 0, 0, time.UTC),
		Registration: "G-EUYL",
		Operator:     "British Airways",
		AircraftType: "A320",
	}}
}

type fakeFeeds struct{ stats []upstream.FeedStats }

func (f fakeFeeds) Feeds() []upstream.FeedStats { return f.stats }

type fakeClients struct{ infos []hub.ClientInfo }

func (f fakeClients) Clients() []hub.ClientInfo { return f.infos }

func TestPageRenders(t *testing.T) {
	connectors := fakeFeeds{stats: []upstream.FeedStats{
		{Label: "connector", Peer: "10.0.0.1:30003", Connects: 3, Lines: 1200, Bytes: 64000},
	}}
	listeners := fakeFeeds{stats: []upstream.FeedStats{
		{Label: "listener", Peer: "10.0.0.9:51832", Connects: 1, Lines: 88, Bytes: 4100},
	}}
	clients := fakeClients{infos: []hub.ClientInfo{
		{Transport: "tcp", Peer: "192.0.2.1:4711", BBox: bbox.Default()},
		{Transport: "websocket", Peer: "192.0.2.2:51000", User: "alice", BBox: bbox.Default()},
	}}

	p := NewPage(testLogger(), fakeState{}, clients, connectors, listeners)

	rec := httptest.NewRecorder()
	p.Handler()(rec, httptest.NewRequest("GET", "/", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"ADS-B feed statistics",
		"last 30 seconds",
		"<td>3</td>",
		"2.5", "101.4",
		"ES_AIRBORNE_POS", "75.0", "ES_AIRBORNE_VEL", "25.0",
		"connector", "10.0.0.1:30003", "1200", "64000",
		"listener", "10.0.0.9:51832",
		"alice", "192.0.2.2:51000",
		"192.0.2.1:4711",
		"4CA2D6", "BAW256", "4321",
		"G-EUYL", "British Airways", "A320",
		"37000", "454.5", "2112", "57.1",
		"19:11:00",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("rendered page missing %q", want)
		}
	}
}

func TestPageSplitsClientsByTransport(t *testing.T) {
	clients := fakeClients{infos: []hub.ClientInfo{
		{Transport: "websocket", Peer: "ws-peer", User: "alice", BBox: bbox.Default()},
		{Transport: "tcp", Peer: "tcp-peer", BBox: bbox.Default()},
	}}
	p := NewPage(testLogger(), fakeState{}, clients)

	rec := httptest.NewRecorder()
	p.Handler()(rec, httptest.NewRequest("GET", "/", nil))
	body := rec.Body.String()

	wsIdx := strings.Index(body, "WebSocket clients")
	tcpIdx := strings.Index(body, "TCP clients")
	wsPeer := strings.Index(body, "ws-peer")
	tcpPeer := strings.Index(body, "tcp-peer")
	if wsIdx < 0 || tcpIdx < 0 || wsPeer < 0 || tcpPeer < 0 {
		t.Fatalf("missing sections: ws=%d tcp=%d wsPeer=%d tcpPeer=%d", wsIdx, tcpIdx, wsPeer, tcpPeer)
	}
	if !(wsIdx < wsPeer && wsPeer < tcpIdx) {
		t.Errorf("websocket peer rendered outside its section")
	}
	if tcpPeer < tcpIdx {
		t.Errorf("tcp peer rendered before its section")
	}
}

func TestPageRendersWithoutSources(t *testing.T) {
	p := NewPage(testLogger(), nil, nil)

	rec := httptest.NewRecorder()
	p.Handler()(rec, httptest.NewRequest("GET", "/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "ADS-B feed statistics") {
		t.Error("empty page missing title")
	}
	if !strings.Contains(body, "last 30 seconds") {
		t.Error("empty page missing rate window")
	}
}
