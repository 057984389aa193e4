package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/monitoring"
)

// sendQueueSize bounds each subscriber's outbound queue. A session that
// cannot drain this many frames is dropping anyway.
const sendQueueSize = 64

// TCPServer accepts unauthenticated TCP subscribers. They receive
// newline-terminated JSON records and may send JSON bbox updates at any
// time.
type TCPServer struct {
	log       monitoring.Logger
	hub       *Hub
	validator *bbox.Validator
	addr      string
}

func NewTCPServer(log monitoring.Logger, h *Hub, v *bbox.Validator, addr string) *TCPServer {
	return &TCPServer{log: log, hub: h, validator: v, addr: addr}
}

// Run listens and serves until the context ends.
func (s *TCPServer) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("downstream listener %s: %w", s.addr, err)
	}
	s.log.Infof("hub: TCP subscriber listener on %s", ln.Addr())
	return s.serve(ctx, ln)
}

func (s *TCPServer) serve(ctx context.Context, ln net.Listener) error {
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
			s.log.Warnf("hub: TCP accept: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := newTCPSession(conn)
	s.hub.Register(sess)
	defer s.hub.Unregister(sess)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go sess.writePump(done)

	// Each read chunk is one bbox update. Validation failures are
	// echoed back; the connection stays open either way.
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.applyBBox(sess, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *TCPServer) applyBBox(sess *tcpSession, data []byte) {
	box, reply := s.validator.Validate(data)
	if reply != nil {
		s.log.Infof("hub: %s bbox update rejected: %v", sess.peer, reply.Errors)
		sess.send(reply.Encode())
		return
	}
	s.log.Debugf("hub: %s updated bbox: %s", sess.peer, box)
	sess.setBBox(box)
}

type tcpSession struct {
	conn net.Conn
	peer string

	mu  sync.Mutex
	box bbox.BoundingBox

	out chan []byte
}

func newTCPSession(conn net.Conn) *tcpSession {
	return &tcpSession{
		conn: conn,
		peer: conn.RemoteAddr().String(),
		box:  bbox.Default(),
		out:  make(chan []byte, sendQueueSize),
	}
}

func (s *tcpSession) Info() ClientInfo {
	return ClientInfo{Transport: "tcp", Peer: s.peer, BBox: s.BBox()}
}

func (s *tcpSession) BBox() bbox.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box
}

func (s *tcpSession) setBBox(b bbox.BoundingBox) {
	s.mu.Lock()
	s.box = b
	s.mu.Unlock()
}

// Dispatch enqueues the JSON encoding; a full queue drops the frame.
func (s *tcpSession) Dispatch(u *Update) {
	select {
	case s.out <- u.JSON:
		monitoring.FanoutFrames.WithLabelValues("tcp", "json").Inc()
	default:
		monitoring.FanoutDropped.WithLabelValues("tcp").Inc()
	}
}

func (s *tcpSession) send(b []byte) {
	select {
	case s.out <- b:
	default:
		monitoring.FanoutDropped.WithLabelValues("tcp").Inc()
	}
}

// writePump owns the socket's write side.
func (s *tcpSession) writePump(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case b := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := s.conn.Write(b); err != nil {
				return
			}
		}
	}
}
