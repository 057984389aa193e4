package upstream

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/maniack/adsbfeeder/monitoring"
)

// Client holds one persistent connection to an upstream feeder and
// redials on failure. Counters survive reconnects.
type Client struct {
	log   monitoring.Logger
	sink  Sink
	addr  string
	delim Delimiter
	feed  *Feed
}

// NewClient prepares a client for one endpoint. Nothing is dialed until
// Run.
func NewClient(log monitoring.Logger, sink Sink, addr string, delim Delimiter) *Client {
	return &Client{
		log:   log,
		sink:  sink,
		addr:  addr,
		delim: delim,
		feed:  newFeed(LabelConnector, addr),
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = math.E
	bo.MaxInterval = 20 * time.Second
	return bo
}

// Run dials and reads until the context ends. Retry delays grow from
// 500 ms by a factor of e up to 20 s, without jitter, and reset on
// every successful connect.
func (c *Client) Run(ctx context.Context) {
	bo := c.newBackOff()
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.log.Warnf("upstream %s: dial: %v, retrying in %s", c.addr, err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.feed.connected()
		c.log.Infof("upstream %s: connected", c.addr)

		err = readFeed(ctx, conn, c.delim, c.feed, c.sink)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		if err != nil {
			c.log.Warnf("upstream %s: read: %v, reconnecting in %s", c.addr, err, wait)
		} else {
			c.log.Infof("upstream %s: connection closed, reconnecting in %s", c.addr, wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Group runs the configured outbound clients as one unit so the hub can
// start and stop them with subscriber demand. Start and Stop are
// idempotent.
type Group struct {
	log     monitoring.Logger
	clients []*Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup builds one client per endpoint.
func NewGroup(log monitoring.Logger, sink Sink, endpoints []string, delim Delimiter) *Group {
	g := &Group{log: log}
	for _, ep := range endpoints {
		g.clients = append(g.clients, NewClient(log, sink, ep, delim))
	}
	return g
}

// Start launches all clients. A started group stays started until Stop.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.log.Infof("upstream: starting %d feed client(s)", len(g.clients))
	for _, c := range g.clients {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			c.Run(ctx)
		}()
	}
}

// Stop tears the clients down and waits for them to exit.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return
	}
	g.log.Infof("upstream: stopping feed clients")
	g.cancel()
	g.cancel = nil
	g.wg.Wait()
}

// Feeds samples the per-endpoint counters for the status page.
func (g *Group) Feeds() []FeedStats {
	stats := make([]FeedStats, 0, len(g.clients))
	for _, c := range g.clients {
		stats = append(stats, c.feed.Stats())
	}
	return stats
}
