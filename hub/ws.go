package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/security"
)

const (
	// writeWait bounds a single transport write.
	writeWait = 10 * time.Second

	// pongWait is the read deadline; any traffic from the peer,
	// including pong control frames, extends it.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval.
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound frames; bbox updates are tiny.
	maxMessageSize = 4096
)

// closeInvalidToken is the close code sent when the token query
// parameter is missing or fails verification.
const closeInvalidToken = 1066

// WSServer upgrades HTTP requests into WebSocket subscriber sessions.
type WSServer struct {
	log       monitoring.Logger
	hub       *Hub
	validator *bbox.Validator
	auth      *security.Authenticator
	upgrader  websocket.Upgrader
}

func NewWSServer(log monitoring.Logger, h *Hub, v *bbox.Validator, auth *security.Authenticator) *WSServer {
	return &WSServer{
		log:       log,
		hub:       h,
		validator: v,
		auth:      auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    Subprotocols,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// selectSubprotocol picks the first server-preferred subprotocol the
// client offered.
func selectSubprotocol(r *http.Request) string {
	offered := websocket.Subprotocols(r)
	for _, p := range Subprotocols {
		for _, o := range offered {
			if p == o {
				return p
			}
		}
	}
	return ""
}

// Handler runs the full handshake: subprotocol negotiation, upgrade,
// token verification, initial bbox from the query, then the session
// pumps.
func (s *WSServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proto := selectSubprotocol(r)
		if proto == "" {
			s.log.Infof("hub: websocket %s offered no acceptable subprotocol", r.RemoteAddr)
			http.Error(w, "no acceptable subprotocol", http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warnf("hub: websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}

		claims, err := s.auth.Verify(r.URL.Query().Get("token"), proto)
		if err != nil {
			s.log.Infof("hub: websocket %s rejected: %v", r.RemoteAddr, err)
			msg := websocket.FormatCloseMessage(closeInvalidToken, "no or invalid token")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
			return
		}

		box := bbox.Default()
		box.ApplyQuery(r.URL.Query())

		sess := newWSSession(conn, proto, claims.User, box)
		s.log.Infof("hub: websocket %s authenticated as %s (%s)", sess.peer, sess.user, proto)

		s.hub.Register(sess)
		deadline := claims.Deadline(time.Now())
		sess.expiry = time.AfterFunc(time.Until(deadline), func() { s.sessionExpired(sess) })

		go sess.writePump()
		go s.readPump(sess)
	}
}

// sessionExpired fires once the JWT session deadline passes: unregister
// and close cleanly.
func (s *WSServer) sessionExpired(sess *wsSession) {
	s.log.Infof("hub: websocket %s session expired for %s", sess.peer, sess.user)
	s.hub.Unregister(sess)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired")
	_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	sess.conn.Close()
}

// readPump owns the read side: liveness bookkeeping and inbound bbox
// updates. Exit tears the whole session down.
func (s *WSServer) readPump(sess *wsSession) {
	defer func() {
		s.hub.Unregister(sess)
		sess.expiry.Stop()
		close(sess.done)
		sess.conn.Close()
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.touch()
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frameType, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("hub: websocket %s: %v", sess.peer, err)
			}
			return
		}
		sess.touch()
		s.applyBBox(sess, frameType, payload)
	}
}

// applyBBox validates one inbound frame as a bbox update. Failures are
// echoed back in the frame type they arrived in.
func (s *WSServer) applyBBox(sess *wsSession, frameType int, data []byte) {
	box, reply := s.validator.Validate(data)
	if reply != nil {
		s.log.Infof("hub: %s bbox update rejected: %v", sess.peer, reply.Errors)
		sess.reply(frameType, reply.Encode())
		return
	}
	s.log.Debugf("hub: %s updated bbox: %s", sess.peer, box)
	sess.setBBox(box)
}

// wsFrame pairs a payload with its WebSocket frame type.
type wsFrame struct {
	frameType int
	data      []byte
}

type wsSession struct {
	conn  *websocket.Conn
	peer  string
	user  string
	proto string

	mu  sync.Mutex
	box bbox.BoundingBox

	lastHeard atomic.Int64

	out    chan wsFrame
	done   chan struct{}
	expiry *time.Timer
}

func newWSSession(conn *websocket.Conn, proto, user string, box bbox.BoundingBox) *wsSession {
	sess := &wsSession{
		conn:  conn,
		peer:  conn.RemoteAddr().String(),
		user:  user,
		proto: proto,
		box:   box,
		out:   make(chan wsFrame, sendQueueSize),
		done:  make(chan struct{}),
	}
	sess.touch()
	return sess
}

func (s *wsSession) touch() { s.lastHeard.Store(time.Now().UnixNano()) }

func (s *wsSession) Info() ClientInfo {
	return ClientInfo{
		Transport: "websocket",
		Peer:      s.peer,
		User:      s.user,
		BBox:      s.BBox(),
		LastHeard: time.Unix(0, s.lastHeard.Load()),
	}
}

func (s *wsSession) BBox() bbox.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box
}

func (s *wsSession) setBBox(b bbox.BoundingBox) {
	s.mu.Lock()
	s.box = b
	s.mu.Unlock()
}

// Dispatch enqueues the frame matching the negotiated subprotocol.
// Sessions without an authenticated user receive nothing.
func (s *wsSession) Dispatch(u *Update) {
	if s.user == "" {
		return
	}
	frame := wsFrame{frameType: websocket.TextMessage, data: u.JSON}
	encoding := "json"
	if s.proto == ProtoGeobuf {
		frame = wsFrame{frameType: websocket.BinaryMessage, data: u.Geobuf}
		encoding = "geobuf"
	}
	select {
	case s.out <- frame:
		monitoring.FanoutFrames.WithLabelValues("websocket", encoding).Inc()
	default:
		monitoring.FanoutDropped.WithLabelValues("websocket").Inc()
	}
}

func (s *wsSession) reply(frameType int, data []byte) {
	select {
	case s.out <- wsFrame{frameType: frameType, data: data}:
	default:
		monitoring.FanoutDropped.WithLabelValues("websocket").Inc()
	}
}

// writePump owns the write side: queued frames plus the keepalive ping.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(frame.frameType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
