// Package hub fans per-aircraft updates out to downstream subscribers
// over TCP and WebSocket sessions, and gates the upstream feed service
// on subscriber demand.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb/geojson"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/geobuf"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/observer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	geojson.CustomJSONMarshaler = json
	geojson.CustomJSONUnmarshaler = json
}

// WebSocket subprotocols, most preferred first. The server picks the
// first one the client offers.
const (
	ProtoGeobuf = "adsb-geobuf"
	ProtoJSON   = "adsb-json"
)

// Subprotocols doubles as the accepted JWT audience set.
var Subprotocols = []string{ProtoGeobuf, ProtoJSON}

// fanoutInterval is the scheduler tick.
const fanoutInterval = 300 * time.Millisecond

// Update is one aircraft state change, encoded once per tick and shared
// by every subscriber it reaches.
type Update struct {
	Icao24   string
	Lat      float64
	Lon      float64
	Altitude float64
	JSON     []byte // newline-terminated GeoJSON Feature
	Geobuf   []byte
}

// ClientInfo describes a subscriber for the status page.
type ClientInfo struct {
	Transport string
	Peer      string
	User      string
	BBox      bbox.BoundingBox
	LastHeard time.Time
}

// Subscriber is one downstream session. Dispatch must never block the
// scheduler; slow sessions drop frames instead.
type Subscriber interface {
	Info() ClientInfo
	BBox() bbox.BoundingBox
	Dispatch(u *Update)
}

// Service is started on the first subscriber and stopped after the
// last one leaves; the upstream client group in practice.
type Service interface {
	Start()
	Stop()
}

// Hub owns the subscriber set, the demand gating of the feed service
// and the fan-out scheduler.
type Hub struct {
	log       monitoring.Logger
	obs       *observer.Observer
	feeds     Service
	permanent bool

	interval time.Duration

	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
}

// New builds the hub. The feed service may be nil when no outbound
// upstreams are configured; with permanent set the service is left to
// the caller and never gated on demand.
func New(log monitoring.Logger, obs *observer.Observer, feeds Service, permanent bool) *Hub {
	return &Hub{
		log:         log,
		obs:         obs,
		feeds:       feeds,
		permanent:   permanent,
		interval:    fanoutInterval,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Register adds a session. The 0→1 transition starts the feed service
// unless it is permanent.
func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[s] = struct{}{}
	info := s.Info()
	monitoring.Subscribers.WithLabelValues(info.Transport).Inc()
	h.log.Infof("hub: %s subscriber %s registered (%d active)", info.Transport, info.Peer, len(h.subscribers))

	if h.permanent || h.feeds == nil {
		return
	}
	if len(h.subscribers) == 1 {
		h.feeds.Start()
	}
}

// Unregister removes a session. Safe to call more than once; the 1→0
// transition stops the feed service unless it is permanent.
func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	info := s.Info()
	monitoring.Subscribers.WithLabelValues(info.Transport).Dec()
	h.log.Infof("hub: %s subscriber %s unregistered (%d active)", info.Transport, info.Peer, len(h.subscribers))

	if h.permanent || h.feeds == nil {
		return
	}
	if len(h.subscribers) == 0 {
		h.feeds.Stop()
	}
}

// Clients lists subscribers for the status page, ordered by transport
// then peer.
func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]ClientInfo, 0, len(h.subscribers))
	for s := range h.subscribers {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Transport != infos[j].Transport {
			return infos[i].Transport < infos[j].Transport
		}
		return infos[i].Peer < infos[j].Peer
	})
	return infos
}

// Run drives the fan-out scheduler until the context ends. Ticks are
// strictly sequential; a slow tick delays the next instead of stacking.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) snapshot() []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// tick claims dirty aircraft and dispatches each to the subscribers
// whose box admits its position. Without subscribers it returns at
// once, leaving the dirty bits in place for the next audience.
func (h *Hub) tick() {
	subs := h.snapshot()
	if len(subs) == 0 {
		return
	}

	start := time.Now()
	views := h.obs.TakeUpdates()
	for i := range views {
		u, err := encode(&views[i])
		if err != nil {
			h.log.Errorf("hub: encode %s: %v", views[i].Icao24, err)
			continue
		}
		for _, s := range subs {
			if !s.BBox().Within(u.Lat, u.Lon, u.Altitude) {
				continue
			}
			s.Dispatch(u)
		}
	}
	monitoring.FanoutTickDuration.Observe(time.Since(start).Seconds())
}

// encode renders both wire encodings of a view exactly once.
func encode(v *observer.View) (*Update, error) {
	f := v.Feature()
	j, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	j = append(j, '\n')
	g, err := geobuf.Encode(f, geobuf.DefaultPrecision)
	if err != nil {
		return nil, err
	}
	return &Update{
		Icao24:   v.Icao24,
		Lat:      v.Lat,
		Lon:      v.Lon,
		Altitude: float64(v.Altitude),
		JSON:     j,
		Geobuf:   g,
	}, nil
}
