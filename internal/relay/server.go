// Package relay is a reference backend: the message REST API plus a
// websocket hub carrying inserts and presence.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/rest"
	"github.com/user/chatsync/internal/scheduler"
	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

const (
	defaultBackfill = 100
	maxBackfill     = 1000
	maxBodyBytes    = 64 << 10

	statsJob = "relay-stats"

	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeInternal     = "internal"
)

type Config struct {
	// APIKey, when set, is required as a bearer token on every /v1 route.
	APIKey    string
	RateLimit float64
	RateBurst int
	// StatsSchedule is a cron spec for the stats job. Empty disables it.
	StatsSchedule string
}

// Server serves the backend contract over HTTP.
type Server struct {
	cfg      Config
	store    types.MessageStore
	bus      Bus
	hub      *Hub
	metrics  *metrics.Metrics
	limiter  *limiterPool
	sched    *scheduler.Scheduler
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds a server over store. A nil bus delivers in process.
func New(cfg Config, store types.MessageStore, bus Bus, m *metrics.Metrics) *Server {
	if bus == nil {
		bus = NewLocalBus()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		hub:     NewHub(m),
		metrics: m,
		limiter: newLimiterPool(cfg.RateLimit, cfg.RateBurst),
		sched:   scheduler.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()
	r.Use(accessLog)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.Methods(http.MethodGet).Path("/channels/{channel}/messages").HandlerFunc(s.listMessages)
	v1.Methods(http.MethodPost).Path("/channels/{channel}/messages").Handler(s.limit(http.HandlerFunc(s.insertMessage)))
	v1.Methods(http.MethodPost).Path(strings.TrimPrefix(rest.InitializePath, "/v1")).Handler(s.limit(http.HandlerFunc(s.initialize)))
	v1.Methods(http.MethodGet).Path("/realtime").HandlerFunc(s.realtime)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

// Start subscribes to the bus and schedules the stats job.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.fanOut); err != nil {
		return err
	}
	if s.cfg.StatsSchedule != "" {
		if err := s.sched.Add(statsJob, s.cfg.StatsSchedule, s.logStats); err != nil {
			return fmt.Errorf("stats schedule: %w", err)
		}
	}
	s.sched.Start()
	return nil
}

// Close disconnects all sockets and stops background work.
func (s *Server) Close() error {
	s.sched.Stop()
	s.hub.Close()
	return s.bus.Close()
}

// ListenAndServe runs an HTTP server on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("relay started", "listen", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) fanOut(channel string, msg types.Message) {
	n := s.hub.Broadcast(types.MessagesTopic(channel), wire.EventInsert, msg)
	slog.Debug("insert broadcast", "channel", channel, "id", string(msg.ID), "delivered", n)
}

func (s *Server) logStats() {
	st := s.hub.Stats()
	s.metrics.RelayConnections(st.Connections)
	slog.Info("relay stats", "connections", st.Connections, "topics", st.Topics, "tracked", st.Tracked)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			s.metrics.RelayRejected(codeUnauthorized)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			s.metrics.RelayRejected(codeRateLimited)
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func channelVar(r *http.Request) (string, error) {
	raw := mux.Vars(r)["channel"]
	channel, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("bad channel %q: %w", raw, err)
	}
	if err := types.ValidateChannel(channel); err != nil {
		return "", err
	}
	return channel, nil
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	channel, err := channelVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	limit := defaultBackfill
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxBackfill)
	}

	msgs, err := s.store.Backfill(r.Context(), channel, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, rest.MessagesResponse{Messages: msgs})
}

func (s *Server) insertMessage(w http.ResponseWriter, r *http.Request) {
	channel, err := channelVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	var msg types.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid message body")
		return
	}
	if msg.ID == "" || msg.Author == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "message id and author are required")
		return
	}

	if err := s.store.Insert(r.Context(), channel, msg); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.bus.Publish(r.Context(), channel, msg); err != nil {
		// The insert is stored; live subscribers miss it until they backfill.
		slog.Error("insert publish failed", "channel", channel, "id", string(msg.ID), "error", err)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Initialize(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("message storage initialized")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(ws)
	s.hub.Attach(conn)
	defer func() {
		s.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()
	slog.Debug("realtime attached", "conn_id", string(conn.ID), "remote", clientKey(r))

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("realtime read ended", "conn_id", string(conn.ID), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		s.hub.Handle(conn, f)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotProvisioned):
		writeError(w, http.StatusNotFound, rest.CodeNotProvisioned, err.Error())
	case errors.Is(err, types.ErrDuplicate):
		writeError(w, http.StatusConflict, rest.CodeDuplicate, err.Error())
	case errors.Is(err, types.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		slog.Error("store request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, rest.ErrorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
