package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"CrashRace/internal/ingestion"
	"CrashRace/internal/observability"
	"CrashRace/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	defaultLeaderboardLimit = 10
	defaultHistoryLimit     = 20
	maxLimit                = 1000
	maxSinceMinutes         = 7 * 24 * 60
	maxSessionBody          = 64 << 10
)

// HTTPDeps holds what the HTTP surface needs.
type HTTPDeps struct {
	Query    *query.Service
	Ingester ingestion.Ingester
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// HTTPServer serves the JSON API and health endpoints.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
	logger     zerolog.Logger
}

// NewHTTPServer builds the server; nothing listens until Start.
func NewHTTPServer(addr string, deps HTTPDeps) (*HTTPServer, error) {
	handler, err := NewHandler(deps)
	if err != nil {
		return nil, err
	}
	return &HTTPServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:   addr,
		logger: deps.Logger,
	}, nil
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewHandler routes the API through a gateway ServeMux, with health checks
// on a plain mux in front of it.
func NewHandler(deps HTTPDeps) (http.Handler, error) {
	a := &api{deps: deps}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		h                         runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/races/current", "current_race", a.currentRace},
		{http.MethodGet, "/v1/races/history", "race_history", a.raceHistory},
		{http.MethodGet, "/v1/races/{race_id}/leaderboard", "leaderboard", a.leaderboard},
		{http.MethodGet, "/v1/races/{race_id}/users/{user_id}", "user_race_stats", a.userRaceStats},
		{http.MethodGet, "/v1/users/{user_id}/sessions", "user_sessions", a.userSessions},
		{http.MethodGet, "/v1/stats", "stats", a.stats},
		{http.MethodGet, "/v1/stats/global", "global_stats", a.globalStats},
		{http.MethodPost, "/v1/sessions", "ingest_session", a.ingestSession},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.endpoint, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	root.Handle("/", mux)
	return root, nil
}

type api struct {
	deps HTTPDeps
}

// --- Handlers ---

func (a *api) currentRace(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	cur, err := a.deps.Query.GetCurrentRace()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, err := intParam(r, "limit", defaultLeaderboardLimit, maxLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	lb, err := a.deps.Query.GetLeaderboard(r.Context(), raceParam(params), limit, r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (a *api) userRaceStats(w http.ResponseWriter, r *http.Request, params map[string]string) {
	stats, err := a.deps.Query.GetUserRaceStats(r.Context(), raceParam(params), params["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) raceHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r, "limit", defaultHistoryLimit, maxLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	races, err := a.deps.Query.GetRaceHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"races": races})
}

func (a *api) userSessions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, err := intParam(r, "limit", 50, maxLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  params["user_id"],
		"sessions": a.deps.Query.GetUserSessions(params["user_id"], limit),
	})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, a.deps.Query.GetStats())
}

func (a *api) globalStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	minutes, err := intParam(r, "since_minutes", 60, maxSinceMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	writeJSON(w, http.StatusOK, a.deps.Query.GetGlobalStats(since))
}

func (a *api) ingestSession(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Ingester == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "ingest disabled"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSessionBody))
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	rec, err := ingestion.ParseSessionEvent(body)
	if err != nil {
		if a.deps.Metrics != nil {
			a.deps.Metrics.IngestParseErrors.WithLabelValues("http").Inc()
		}
		writeError(w, badRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, a.deps.Ingester.Ingest(rec))
}

// --- Plumbing ---

// instrument records request count and latency per endpoint.
func (a *api) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		if rec.status >= http.StatusInternalServerError {
			a.deps.Logger.Error().Str("endpoint", endpoint).Int("status", rec.status).Msg("request failed")
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error string `json:"error"`
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func badRequest(msg string) error { return badRequestError(msg) }

func writeError(w http.ResponseWriter, err error) {
	var br badRequestError
	switch {
	case errors.As(err, &br):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, query.ErrNoActiveRace), errors.Is(err, query.ErrUserNotInRace):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// raceParam maps the "current" alias to the empty race id.
func raceParam(params map[string]string) string {
	id := params["race_id"]
	if id == "current" {
		return ""
	}
	return id
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return min(n, max), nil
}
