package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/observability"
	"CrashRace/internal/query"
	"CrashRace/internal/race"
	"CrashRace/internal/server"
	"CrashRace/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type staticRaces struct {
	current *race.Record
}

func (s staticRaces) CurrentRace() (race.Record, bool) {
	if s.current == nil {
		return race.Record{}, false
	}
	return *s.current, true
}

func (s staticRaces) NextRaceAt() time.Time { return time.Now().Add(time.Hour) }

type fixture struct {
	handler http.Handler
	cache   *session.Cache
	metrics *observability.Metrics
	health  *observability.HealthChecker
}

func newFixture(t *testing.T, current *race.Record) fixture {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	cache := session.NewCache(session.DefaultConfig(), nil, metrics, zerolog.Nop())
	if current != nil {
		cache.SetCurrentRace(current.RaceID)
	}
	engine := leaderboard.NewEngine(cache, leaderboard.DefaultContributionRate)
	health := observability.NewHealthChecker()

	h, err := server.NewHandler(server.HTTPDeps{
		Query:    query.NewService(staticRaces{current: current}, nil, cache, engine),
		Ingester: cache,
		Health:   health,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return fixture{handler: h, cache: cache, metrics: metrics, health: health}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func liveRace() *race.Record {
	now := time.Now()
	return &race.Record{RaceID: "race_live", StartTime: now, EndTime: now.Add(time.Hour), Status: race.StatusActive}
}

// --- Tests ---

func TestIngestThenLeaderboard(t *testing.T) {
	f := newFixture(t, liveRace())
	end := time.Now().UnixMilli()

	for _, body := range []string{
		`{"user_id":"alice","bet_amount":300,"profit":50,"is_win":true,"end_time_ms":` + itoa(end) + `}`,
		`{"user_id":"bob","bet_amount":200,"profit":-50,"end_time_ms":` + itoa(end) + `}`,
	} {
		if rec := f.do(t, http.MethodPost, "/v1/sessions", body); rec.Code != http.StatusAccepted {
			t.Fatalf("ingest: status %d body %s", rec.Code, rec.Body.String())
		}
	}

	rec := f.do(t, http.MethodGet, "/v1/races/race_live/leaderboard?limit=1&user_id=bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard: status %d body %s", rec.Code, rec.Body.String())
	}
	var lb query.LeaderboardResponse
	decode(t, rec, &lb)
	if len(lb.TopEntries) != 1 || lb.TopEntries[0].UserID != "alice" {
		t.Errorf("top entries: %+v", lb.TopEntries)
	}
	if lb.UserEntry == nil || lb.UserEntry.Rank != 2 {
		t.Errorf("user entry: %+v", lb.UserEntry)
	}
	if lb.PrizePool.TotalPool != 5 {
		t.Errorf("pool: got %d, want 5", lb.PrizePool.TotalPool)
	}

	if got := testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("leaderboard", "200")); got != 1 {
		t.Errorf("expected 1 counted leaderboard request, got %v", got)
	}
}

func TestIngestRejectsInvalid(t *testing.T) {
	f := newFixture(t, liveRace())

	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"bet_amount":10,"end_time_ms":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(f.metrics.IngestParseErrors.WithLabelValues("http")); got != 1 {
		t.Errorf("expected parse error metric 1, got %v", got)
	}
	if f.cache.Stats().CacheSize != 0 {
		t.Error("invalid session reached the cache")
	}
}

func TestCurrentRace_NotFoundWithoutRace(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/v1/races/current", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCurrentAliasAndUserStats(t *testing.T) {
	f := newFixture(t, liveRace())
	f.cache.Ingest(session.Record{UserID: "alice", BetAmount: 100, Profit: 20, EndTime: time.Now()})

	rec := f.do(t, http.MethodGet, "/v1/races/current/users/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("user stats: status %d body %s", rec.Code, rec.Body.String())
	}
	var stats query.UserRaceStats
	decode(t, rec, &stats)
	if stats.RaceID != "race_live" || stats.Entry.NetProfit != 20 {
		t.Errorf("stats: %+v", stats)
	}

	if rec := f.do(t, http.MethodGet, "/v1/races/current/users/nobody", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for user without sessions, got %d", rec.Code)
	}
}

func TestUserSessions(t *testing.T) {
	f := newFixture(t, liveRace())
	now := time.Now()
	f.cache.Ingest(session.Record{SessionID: "s1", UserID: "alice", BetAmount: 10, EndTime: now.Add(-time.Minute)})
	f.cache.Ingest(session.Record{SessionID: "s2", UserID: "alice", BetAmount: 20, EndTime: now})

	rec := f.do(t, http.MethodGet, "/v1/users/alice/sessions?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		UserID   string           `json:"user_id"`
		Sessions []session.Record `json:"sessions"`
	}
	decode(t, rec, &body)
	if body.UserID != "alice" || len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s2" {
		t.Errorf("sessions: %+v", body)
	}
}

func TestBadLimit(t *testing.T) {
	f := newFixture(t, liveRace())
	if rec := f.do(t, http.MethodGet, "/v1/races/current/leaderboard?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
	f.health.SetReady(true)
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("liveness: got %d", rec.Code)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
