// Package server hosts the websocket endpoint and wires the delivery core to
// live client connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beeline-chat/beeline/internal/auth"
	"github.com/beeline-chat/beeline/internal/config"
	"github.com/beeline-chat/beeline/internal/presence"
	"github.com/beeline-chat/beeline/internal/router"
	"github.com/beeline-chat/beeline/internal/store"
)

// Server owns the HTTP listener, the presence registry, and the delivery
// router. One process owns all live connections.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	reg     *presence.Registry
	router  *router.Router
	authn   auth.Authenticator
	metrics *coreMetrics

	httpServer *http.Server
	adminHTTP  *http.Server
	upgrader   websocket.Upgrader
	ready      atomic.Bool
}

// New constructs a server and seeds the presence registry from the store so
// last-seen state survives restarts.
func New(cfg config.Config, logger *zap.Logger, st store.Store) (*Server, error) {
	reg := presence.NewRegistry()
	users, err := st.Users(context.Background())
	if err != nil {
		return nil, fmt.Errorf("seed presence registry: %w", err)
	}
	seed := make([]presence.Entry, 0, len(users))
	for _, u := range users {
		seed = append(seed, presence.Entry{Identity: u.Username, LastSeen: u.LastSeen})
	}
	reg.Seed(seed)

	s := &Server{
		cfg:    cfg,
		log:    logger,
		store:  st,
		reg:    reg,
		router: router.New(logger, st, reg),
		authn: auth.New(st, auth.Options{
			OpenRegistration: cfg.Auth.OpenRegistration,
			BcryptCost:       cfg.Auth.BcryptCost,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s, nil
}

// Start boots the websocket server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newCoreMetrics(promReg)
	s.reg.SetAnnounceHook(func(int) { s.metrics.recordBroadcast() })
	s.startAdminServer(promReg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("server listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Handler exposes the websocket mux for tests.
func (s *Server) Handler() http.Handler {
	if s.metrics == nil {
		promReg := prometheus.NewRegistry()
		s.metrics = newCoreMetrics(promReg)
		s.reg.SetAnnounceHook(func(int) { s.metrics.recordBroadcast() })
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(conn, s.cfg.Session)
	s.metrics.incSession()
	s.log.Info("client connected",
		zap.String("session_id", sess.id),
		zap.String("remote", conn.RemoteAddr().String()))

	s.reg.Attach(sess)
	if s.cfg.Session.PresenceBeforeAuth {
		// The original client renders the inbox before login completes, so
		// new connections are primed with a snapshot pre-auth.
		sess.Push(presence.SnapshotEvent(s.reg.Snapshot()))
	}

	go sess.writeLoop(s.cfg.Session.PingInterval)
	s.readLoop(sess)
	s.teardown(sess)
}

// teardown runs synchronously with the connection's read loop exit so
// presence never shows a phantom online user.
func (s *Server) teardown(sess *session) {
	sess.cancel()
	s.reg.Detach(sess)

	identity := sess.Identity()
	if identity != "" {
		now := time.Now().UTC()
		if s.reg.Unbind(identity, sess, now) {
			if err := s.store.SetLastSeen(context.Background(), identity, now); err != nil {
				s.log.Warn("persist last seen", zap.Error(err), zap.String("identity", identity))
			}
		}
		s.metrics.setOnline(s.reg.Online())
	}

	s.metrics.decSession()
	s.log.Info("client disconnected",
		zap.String("session_id", sess.id),
		zap.String("identity", identity))
}

func (s *Server) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("server stopped")
}
