package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"statguard/internal/core"
	"statguard/internal/derive"
	"statguard/internal/eventbus"
	"statguard/internal/services"
	"statguard/internal/snapshots"
	"statguard/internal/snapshots/memory"
	"statguard/internal/worker"
)

const seed = `{
	"世界": {"当前日期": "2002-07-15"},
	"主角": {"生日": "1980-08-01"},
	"公司账户": {
		"运行项目": {"唱片": {"月销量": 100, "单价": 10, "边际成本率": 0.3, "_月毛利": 700}},
		"固定成本": {"人力成本": 300, "房租": 100},
		"公账一次性变动": 0,
		"_现金": 1000
	}
}`

type testEnv struct {
	srv   *Server
	store *memory.Store
}

func newTestEnv(t *testing.T, checks map[string]ReadyCheck) *testEnv {
	t.Helper()
	store := memory.New(core.MustSnapshot(seed))
	svc := services.NewDerivationService(store)
	bus := eventbus.NewBus()
	w := worker.NewTransitionWorker(bus, svc.OnTransition)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	srv := NewServer(Config{
		Addr:               ":0",
		Deriver:            svc,
		Snapshots:          store,
		Publisher:          bus,
		RateLimitPerMinute: 100,
		ReadyChecks:        checks,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, map[string]ReadyCheck{
		"store": func(context.Context) error { return nil },
	})
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}

	down := newTestEnv(t, map[string]ReadyCheck{
		"amqp": func(context.Context) error { return errors.New("connection closed") },
	})
	rec := down.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection closed") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTransitionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	next := strings.Replace(seed, "2002-07-15", "2002-09-03", 1)
	rec := env.do(t, http.MethodPost, "/api/transitions", `{"old":`+seed+`,"new":`+next+`}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["id"] == "" {
		t.Error("missing transition id")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	rec = env.do(t, http.MethodGet, "/api/snapshots/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d", rec.Code)
	}
	latest := core.MustSnapshot(rec.Body.String())
	// 1000 + 2*(700 - 400)
	if got := core.NumberAt(latest, core.PathCompanyCash).String(); got != "1600" {
		t.Errorf("cash = %s, want 1600", got)
	}
	if got := latest.Get(core.PathAge).Int(); got != 22 {
		t.Errorf("age = %d, want 22", got)
	}

	for _, body := range []string{`{"old":{}}`, `{"new":[1]}`, `not json`} {
		if rec := env.do(t, http.MethodPost, "/api/transitions", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
	}
}

func TestRecomputeAndCompanyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/recompute", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("recompute = %d %s", rec.Code, rec.Body.String())
	}
	report := decode(t, rec)["report"].(map[string]any)
	if report["kind"] != string(core.KindManual) {
		t.Errorf("report = %v", report)
	}

	rec = env.do(t, http.MethodGet, "/api/company", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("company = %d", rec.Code)
	}
	var sum services.CompanySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Cash.String() != "1000" || sum.Age == nil || *sum.Age != 21 || len(sum.Entries) != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestEntryEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/entries/" + url.PathEscape("电影")

	rec := env.do(t, http.MethodPut, path, `{"monthly_sales":10,"unit_price":"100"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rec.Code, rec.Body.String())
	}
	var entry services.EntrySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Name != "电影" || entry.MonthlyMargin.String() != "500" || entry.CostRatio.String() != "0.5" {
		t.Errorf("entry = %+v", entry)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ratio out of range", `{"cost_ratio":1.5}`, http.StatusBadRequest},
		{"unknown field", `{"price":1}`, http.StatusBadRequest},
		{"not a number", `{"monthly_sales":"lots"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPut, path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec := env.do(t, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, path, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
	if decode(t, rec)["error"] == "" {
		t.Error("missing error message")
	}
}

func TestEmptyStoreReturnsNotFound(t *testing.T) {
	store := memory.New()
	svc := services.NewDerivationService(store)
	srv := NewServer(Config{Deriver: svc, Snapshots: store, Publisher: eventbus.NewBus()})
	defer srv.Shutdown(context.Background())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/snapshots/latest"},
		{http.MethodGet, "/api/company"},
		{http.MethodPost, "/api/recompute"},
	} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d", tc.method, tc.path, rec.Code)
		}
	}
}

// staleDeriver fails every write as if the latest snapshot moved underneath.
type staleDeriver struct {
	*services.DerivationService
}

func (staleDeriver) Recompute(context.Context) (derive.Result, error) {
	return derive.Result{}, fmt.Errorf("replace latest snapshot: %w", snapshots.ErrConflict)
}

func (staleDeriver) UpsertEntry(context.Context, string, services.EntryInput) (services.EntrySummary, error) {
	return services.EntrySummary{}, fmt.Errorf("replace latest snapshot: %w", snapshots.ErrConflict)
}

func (staleDeriver) DeleteEntry(context.Context, string) error {
	return fmt.Errorf("replace latest snapshot: %w", snapshots.ErrConflict)
}

func TestStaleWritesReturnConflict(t *testing.T) {
	store := memory.New(core.MustSnapshot(seed))
	deriver := staleDeriver{services.NewDerivationService(store)}
	srv := NewServer(Config{Deriver: deriver, Snapshots: store, Publisher: eventbus.NewBus(), RateLimitPerMinute: 100})
	defer srv.Shutdown(context.Background())

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/recompute", ""},
		{http.MethodPut, "/api/entries/" + url.PathEscape("唱片"), `{"monthly_sales":1,"unit_price":1,"cost_ratio":0}`},
		{http.MethodDelete, "/api/entries/" + url.PathEscape("唱片"), ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s %s = %d, want 409: %s", tt.method, tt.path, rec.Code, rec.Body.String())
		}
	}
}

func TestWritesAreRateLimited(t *testing.T) {
	store := memory.New(core.MustSnapshot(seed))
	svc := services.NewDerivationService(store)
	srv := NewServer(Config{Deriver: svc, Snapshots: store, Publisher: eventbus.NewBus(), RateLimitPerMinute: 1})
	defer srv.Shutdown(context.Background())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/recompute", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}
