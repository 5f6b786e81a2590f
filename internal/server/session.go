package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beeline-chat/beeline/internal/auth"
	"github.com/beeline-chat/beeline/internal/config"
	"github.com/beeline-chat/beeline/internal/router"
	"github.com/beeline-chat/beeline/pkg/wire"
)

// session is one live client connection. The identity stays empty until a
// successful authenticate event; the transition is one-way and only a full
// disconnect resets it.
type session struct {
	id     string
	conn   *websocket.Conn
	sendCh chan wire.Event
	ctx    context.Context
	cancel context.CancelFunc

	writeTimeout time.Duration

	mu       sync.Mutex
	identity string
	active   string
}

func newSession(conn *websocket.Conn, cfg config.SessionConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:           uuid.NewString(),
		conn:         conn,
		sendCh:       make(chan wire.Event, cfg.SendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Push implements presence.Link. It never blocks: a client that cannot drain
// its send buffer is dropped rather than allowed to stall the shared core.
func (s *session) Push(ev wire.Event) {
	select {
	case <-s.ctx.Done():
	case s.sendCh <- ev:
	default:
		s.cancel()
	}
}

// Active implements presence.Link.
func (s *session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *session) setActive(peer string) {
	s.mu.Lock()
	s.active = peer
	s.mu.Unlock()
}

func (s *session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *session) bindIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// writeLoop owns all writes to the websocket, including keepalive pings.
func (s *session) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.ctx.Done():
			deadline := time.Now().Add(s.writeTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.cancel()
				return
			}
		case ev := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// readLoop decodes client events and dispatches them. A malformed payload is
// rejected per event; only transport errors end the loop.
func (s *Server) readLoop(sess *session) {
	sess.conn.SetReadLimit(s.cfg.Session.ReadLimit)
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.PongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.PongTimeout))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.PongTimeout))

		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			sess.Push(wire.Event{Type: wire.EventError, Code: router.CodeUnknownEvent, Error: "malformed event"})
			continue
		}
		s.dispatch(sess, ev)
	}
}

func (s *Server) dispatch(sess *session, ev wire.Event) {
	start := time.Now()
	err := s.handleEvent(sess, ev)
	s.observe(ev.Type, start, err)

	if err == nil {
		return
	}

	var rerr *router.RouteError
	if errors.As(err, &rerr) {
		sess.Push(wire.Event{Type: wire.EventError, Code: rerr.Code, Error: rerr.Msg})
		if rerr.Fatal {
			sess.cancel()
		}
		return
	}

	s.log.Warn("event failed",
		zap.String("session_id", sess.id),
		zap.String("event", ev.Type),
		zap.Error(err))
	sess.Push(wire.Event{Type: wire.EventError, Code: "INTERNAL", Error: "internal error"})
}

func (s *Server) handleEvent(sess *session, ev wire.Event) error {
	switch ev.Type {
	case wire.EventAuth:
		return s.handleAuth(sess, ev)
	case wire.EventSend:
		return s.handleSend(sess, ev)
	case wire.EventHistory:
		return s.handleHistory(sess, ev)
	case wire.EventRead:
		count, err := s.router.MarkRead(sess.ctx, sess.Identity(), ev.Peer)
		if count > 0 {
			s.metrics.recordReceipt()
		}
		return err
	case wire.EventTyping:
		s.router.Typing(sess.Identity(), ev.Peer, false)
		return nil
	case wire.EventStopTyping:
		s.router.Typing(sess.Identity(), ev.Peer, true)
		return nil
	case wire.EventFocus:
		return s.handleFocus(sess, ev)
	default:
		return &router.RouteError{Code: router.CodeUnknownEvent, Msg: "unsupported event type"}
	}
}

func (s *Server) handleAuth(sess *session, ev wire.Event) error {
	// Identity binding is one-way for the life of the connection. Accepting a
	// second auth would leave the first identity bound in the registry with no
	// disconnect path to ever mark it offline.
	if sess.Identity() != "" {
		return &router.RouteError{Code: router.CodeAuthFailed, Msg: "connection already authenticated"}
	}
	if err := s.authn.Verify(sess.ctx, ev.Username, ev.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrUnidentified):
			return &router.RouteError{Code: router.CodeUnidentified, Msg: "identity required"}
		case errors.Is(err, auth.ErrInvalidCredentials):
			return &router.RouteError{Code: router.CodeAuthFailed, Msg: "invalid credentials"}
		default:
			s.log.Error("verify credentials", zap.Error(err), zap.String("session_id", sess.id))
			return &router.RouteError{Code: router.CodeAuthFailed, Msg: "authentication unavailable"}
		}
	}

	sess.bindIdentity(ev.Username)
	s.reg.Bind(ev.Username, sess)
	s.metrics.setOnline(s.reg.Online())
	s.log.Info("identity bound",
		zap.String("session_id", sess.id),
		zap.String("identity", ev.Username))

	sess.Push(wire.Event{Type: wire.EventOK, Op: wire.EventAuth})
	return nil
}

func (s *Server) handleSend(sess *session, ev wire.Event) error {
	from := sess.Identity()
	msg, err := s.router.Send(sess.ctx, sess, from, ev.To, ev.Text)
	if err != nil {
		return err
	}

	outcome := "queued"
	if _, online := s.reg.Resolve(msg.Recipient); online {
		outcome = "live"
	}
	s.metrics.recordRouted(outcome)
	return nil
}

func (s *Server) handleHistory(sess *session, ev wire.Event) error {
	msgs, err := s.router.History(sess.ctx, sess.Identity(), ev.Peer)
	if err != nil {
		return err
	}
	sess.Push(wire.Event{Type: wire.EventHistory, Peer: ev.Peer, Messages: msgs})
	return nil
}

// handleFocus records which conversation is open in the client UI and settles
// its unread tail, the same as an explicit read event.
func (s *Server) handleFocus(sess *session, ev wire.Event) error {
	sess.setActive(ev.Peer)
	if sess.Identity() == "" || ev.Peer == "" {
		return nil
	}
	_, err := s.router.MarkRead(sess.ctx, sess.Identity(), ev.Peer)
	return err
}

func (s *Server) observe(op string, start time.Time, err error) {
	s.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *router.RouteError
		if errors.As(err, &rerr) && rerr.Code != "" {
			code = rerr.Code
		}
		s.metrics.recordError(code)
	}
}
