package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/maniack/adsbfeeder/monitoring"
)

// Server accepts inbound feeder connections. It is always active when
// configured, independent of downstream subscriber demand, and keeps no
// reconnect state: feeders that drop simply dial again.
type Server struct {
	log   monitoring.Logger
	sink  Sink
	addr  string
	delim Delimiter

	mu    sync.Mutex
	feeds map[*Feed]struct{}
}

func NewServer(log monitoring.Logger, sink Sink, addr string, delim Delimiter) *Server {
	return &Server{
		log:   log,
		sink:  sink,
		addr:  addr,
		delim: delim,
		feeds: make(map[*Feed]struct{}),
	}
}

// Run listens and serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("upstream listener %s: %w", s.addr, err)
	}
	s.log.Infof("upstream: listening for feeders on %s", ln.Addr())
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnf("upstream: accept: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	feed := newFeed(LabelListener, conn.RemoteAddr().String())
	feed.connected()
	s.track(feed)
	defer s.untrack(feed)

	s.log.Infof("upstream: feeder connected from %s", feed.peer)
	if err := readFeed(ctx, conn, s.delim, feed, s.sink); err != nil && ctx.Err() == nil {
		s.log.Warnf("upstream: feeder %s: %v", feed.peer, err)
	}
	s.log.Infof("upstream: feeder %s disconnected", feed.peer)
}

func (s *Server) track(f *Feed) {
	s.mu.Lock()
	s.feeds[f] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(f *Feed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

// Feeds samples the live inbound connections, ordered by peer.
func (s *Server) Feeds() []FeedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make([]FeedStats, 0, len(s.feeds))
	for f := range s.feeds {
		stats = append(stats, f.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Peer < stats[j].Peer })
	return stats
}
