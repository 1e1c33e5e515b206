// Package gateway exposes the interruption decision pipeline over a
// websocket transport plus the usual operational HTTP surface (/healthz,
// /readyz, /metrics).
//
// Each websocket connection at /v1/session is one independent voice
// session: the peer streams vad_start, agent_state, and transcript signal
// frames in, and receives exactly one decision frame per opened
// interruption event. The gateway is the reference session adapter — the
// decision core in internal/interrupt never imports it and can be embedded
// directly by callers that live in the same process as the audio pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sonavox/turnguard/internal/classify"
	"github.com/sonavox/turnguard/internal/config"
	"github.com/sonavox/turnguard/internal/health"
	"github.com/sonavox/turnguard/internal/observe"
)

const (
	// shutdownTimeout bounds graceful HTTP shutdown after the run context
	// is cancelled.
	shutdownTimeout = 10 * time.Second

	// readHeaderTimeout guards against slow-header clients on the listener.
	readHeaderTimeout = 10 * time.Second
)

// Server hosts turnguard sessions and the operational HTTP endpoints.
// All exported methods are safe for concurrent use.
type Server struct {
	cfg        *config.Config
	classifier *classify.Classifier
	metrics    *observe.Metrics
	handler    http.Handler

	// Websocket connections are hijacked, so http.Server.Shutdown does not
	// touch them; live sessions register a stop func here and Run tears
	// them down after the listener drains.
	mu       sync.Mutex
	sessions map[string]func()
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithMetrics overrides the metrics instance. Tests use this with a
// [observe.NewMetrics] backed by a manual reader; the default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server from cfg. The classifier is built once here from the
// decision config and shared read-only across all sessions.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config must not be nil")
	}

	s := &Server{cfg: cfg, sessions: make(map[string]func())}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	var clsOpts []classify.Option
	if fz := cfg.Decision.FuzzyMatching; fz.Enabled {
		var fzOpts []classify.FuzzyOption
		if fz.SimilarityThreshold > 0 {
			fzOpts = append(fzOpts, classify.WithSimilarityThreshold(fz.SimilarityThreshold))
		}
		clsOpts = append(clsOpts, classify.WithFuzzyMatcher(classify.NewFuzzyMatcher(fzOpts...)))
	}
	s.classifier = classify.New(classify.Config{
		BackchannelWords:     cfg.Decision.BackchannelWords,
		InterruptWords:       cfg.Decision.InterruptWords,
		MaxBackchannelTokens: cfg.Decision.MaxBackchannelTokens,
	}, clsOpts...)

	// Operational routes go through the observability middleware; the
	// long-lived session endpoint is mounted outside it so connection
	// lifetimes don't pollute the request-latency histogram.
	ops := http.NewServeMux()
	health.New().Register(ops)
	ops.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("GET /v1/session", s.handleSession)
	root.Handle("/", observe.Middleware(s.metrics)(ops))
	s.handler = root

	return s, nil
}

// Handler returns the Server's HTTP handler. Exposed for tests using
// [net/http/httptest].
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves HTTP on the configured listen address until ctx is cancelled,
// then shuts down gracefully. It returns ctx's error after a clean
// shutdown, matching the caller's cancellation-is-not-failure handling.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown error", "err", err)
		}
		s.stopSessions()
		return ctx.Err()
	})

	return g.Wait()
}

// registerSession records a live session's stop func for shutdown teardown.
func (s *Server) registerSession(id string, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = stop
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// stopSessions closes every live websocket session. Each session's buffer
// resolves its open event on the way down, so shutdown never strands a
// pending decision.
func (s *Server) stopSessions() {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.sessions))
	for _, stop := range s.sessions {
		stops = append(stops, stop)
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// handleSession upgrades the connection and runs the signal read loop until
// the peer disconnects or the server shuts down.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session terminated")

	ctx := r.Context()
	id := uuid.NewString()

	// Decisions can be emitted from the buffer's timeout goroutine while
	// the read loop is idle; serialize writes to the connection.
	var writeMu sync.Mutex
	send := func(frame decisionFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, data)
	}

	sess, err := newSession(id, s.cfg.Decision, s.classifier, s.metrics, send)
	if err != nil {
		slog.Error("gateway: session setup failed", "session_id", id, "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	defer sess.close()

	s.registerSession(id, func() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer s.unregisterSession(id)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session connected", "session_id", id, "remote", r.RemoteAddr)
	defer slog.Info("session disconnected", "session_id", id)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			slog.Warn("gateway: read error", "session_id", id, "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := sess.handleFrame(data); err != nil {
			// Protocol errors from the peer are logged but never fatal:
			// the session's pending decision must still resolve.
			slog.Warn("gateway: bad signal frame", "session_id", id, "err", err)
		}
	}
}
