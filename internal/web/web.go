package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"mediadigest/internal/config"
	"mediadigest/internal/engine"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/scheduler"
)

// Scheduler is the part of scheduler.Scheduler the HTTP surface drives.
type Scheduler interface {
	ManualTrigger(ctx context.Context) model.SyncResult
	Status() scheduler.Status
	Config() config.ScheduleConfig
	Reconfigure(cfg config.ScheduleConfig) error
}

// ConnectionTester probes the configured services.
type ConnectionTester interface {
	TestConnections(ctx context.Context) []engine.ConnectionStatus
}

// Manual syncs hit every upstream; keep them to about one a second.
const (
	syncRate  = rate.Limit(1)
	syncBurst = 2
)

// Server is the thin trigger surface: manual sync, schedule status and
// reconfiguration, connection tests and a health probe.
type Server struct {
	cfg     *config.Config
	cfgPath string
	sched   Scheduler
	conns   ConnectionTester
	router  *mux.Router

	syncLimiter *rate.Limiter

	// cfgMu serializes schedule updates so the persisted file matches the
	// last reconfiguration.
	cfgMu sync.Mutex
}

// NewServer constructs a Server. cfgPath may be empty, in which case
// schedule changes are applied but not persisted.
func NewServer(cfg *config.Config, cfgPath string, sched Scheduler, conns ConnectionTester) *Server {
	s := &Server{
		cfg:         cfg,
		cfgPath:     cfgPath,
		sched:       sched,
		conns:       conns,
		router:      mux.NewRouter(),
		syncLimiter: rate.NewLimiter(syncRate, syncBurst),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler, wrapped in basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mediadigest", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/schedule", s.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedule", s.handlePutSchedule).Methods(http.MethodPut)
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSync runs one cycle synchronously and returns its SyncResult.
// A failed cycle is reported with status 500 and the same body.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.syncLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	appLog.Info("api manual sync requested", "remote", r.RemoteAddr)
	res := s.sched.ManualTrigger(r.Context())

	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// scheduleResponse is the JSON shape for /api/schedule.
type scheduleResponse struct {
	scheduler.Status
	Config config.ScheduleConfig `json:"config"`
}

func (s *Server) currentSchedule() scheduleResponse {
	return scheduleResponse{Status: s.sched.Status(), Config: s.sched.Config()}
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSchedule())
}

// handlePutSchedule reconfigures the recurring job and, when the server
// knows its config path, persists the new schedule.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var next config.ScheduleConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule: "+err.Error())
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if err := s.sched.Reconfigure(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.cfg.Schedule = next
	if s.cfgPath != "" {
		if err := s.persistSchedule(next); err != nil {
			appLog.Error("failed to persist schedule", err, "path", s.cfgPath)
			writeError(w, http.StatusInternalServerError, "schedule applied but not saved")
			return
		}
	}

	appLog.Info("api schedule updated", "enabled", next.Enabled, "kind", next.Kind)
	writeJSON(w, http.StatusOK, s.currentSchedule())
}

// persistSchedule rewrites only the schedule in the file on disk; the
// in-memory config may hold credentials taken from the environment.
func (s *Server) persistSchedule(next config.ScheduleConfig) error {
	onDisk, err := config.Load(s.cfgPath)
	if err != nil {
		return err
	}
	onDisk.Schedule = next
	return onDisk.Save(s.cfgPath)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	results := s.conns.TestConnections(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"connections": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
