package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/contratapro-lifecycle/api/responses"
	"github.com/angelmondragon/contratapro-lifecycle/internal/cron"
	"github.com/angelmondragon/contratapro-lifecycle/internal/resolver"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
	pkgredis "github.com/angelmondragon/contratapro-lifecycle/pkg/redis"
)

const triggerToken = "s3cret"

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubResolver struct {
	report resolver.Report
	err    error
	runs   int
	hook   func()

	ctxErr      error
	hasDeadline bool
}

func (s *stubResolver) Run(ctx context.Context) (resolver.Report, error) {
	s.runs++
	if s.hook != nil {
		s.hook()
	}
	s.ctxErr = ctx.Err()
	_, s.hasDeadline = ctx.Deadline()
	return s.report, s.err
}

type routerFixture struct {
	handler  http.Handler
	resolver *stubResolver
	lock     *cron.RedisLock
}

func newRouterFixture(t *testing.T, dbErr error) routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := pkgredis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	lock, err := cron.NewRedisLock(client, client.LeaseKey("resolver", "test"), time.Hour)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	reg := prometheus.NewRegistry()
	runner, err := cron.NewRunner(cron.RunnerParams{
		Logger:  logg,
		Lock:    lock,
		Metrics: metrics.NewCronJobMetrics(reg),
		Clock:   clock.Fixed(time.Date(2026, time.June, 1, 3, 0, 0, 0, time.UTC), time.UTC),
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	res := &stubResolver{report: resolver.Report{
		Date:   clock.Date(2026, time.June, 1),
		Passes: []resolver.PassResult{{Pass: resolver.PassRenewalReminders, Candidates: 2, Processed: 2}},
	}}
	cfg := &config.Config{
		App:      config.AppConfig{Env: "test"},
		Resolver: config.ResolverConfig{TriggerToken: triggerToken, LeaseTTL: time.Hour},
	}
	handler := NewRouter(cfg, logg, Deps{
		DB:       stubPinger{err: dbErr},
		Redis:    client,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Runner:   runner,
		Resolver: res,
	})
	return routerFixture{handler: handler, resolver: res, lock: lock}
}

func (f routerFixture) do(t *testing.T, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) responses.APIError {
	t.Helper()
	var body responses.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return body.Error
}

func TestHealthRoutes(t *testing.T) {
	f := newRouterFixture(t, nil)

	live := f.do(t, http.MethodGet, "/health/live", "")
	if live.Code != http.StatusOK || live.Header().Get("X-ContrataPro-Env") != "test" {
		t.Fatalf("unexpected live response %d %v", live.Code, live.Header())
	}
	if rec := f.do(t, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rec.Code)
	}
}

func TestHealthReadyReportsDependencyDown(t *testing.T) {
	f := newRouterFixture(t, errors.New("connection refused"))

	rec := f.do(t, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != string(pkgerrors.CodeDependency) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestResolverTriggerRequiresToken(t *testing.T) {
	f := newRouterFixture(t, nil)

	for _, auth := range []string{"", "Bearer wrong", triggerToken} {
		rec := f.do(t, http.MethodPost, "/internal/resolver/run", auth)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("auth %q: expected 401, got %d", auth, rec.Code)
		}
	}
	if f.resolver.runs != 0 {
		t.Fatalf("resolver must not run without a valid token")
	}
}

func TestResolverTriggerReturnsReport(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/internal/resolver/run", "Bearer "+triggerToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data resolver.Report `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Passes) != 1 || body.Data.Passes[0].Processed != 2 {
		t.Fatalf("unexpected report %+v", body.Data)
	}

	// the lease is released after the run
	if rec := f.do(t, http.MethodPost, "/internal/resolver/run", "bearer "+triggerToken); rec.Code != http.StatusOK {
		t.Fatalf("second run expected 200, got %d", rec.Code)
	}
	if f.resolver.runs != 2 {
		t.Fatalf("expected two runs, got %d", f.resolver.runs)
	}
}

func TestResolverTriggerConflictsWhileLeaseHeld(t *testing.T) {
	f := newRouterFixture(t, nil)
	owner, ok, err := f.lock.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	defer func() { _ = f.lock.Release(context.Background(), owner) }()

	rec := f.do(t, http.MethodPost, "/internal/resolver/run", "Bearer "+triggerToken)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != string(pkgerrors.CodeLeaseHeld) || !apiErr.Retryable {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if f.resolver.runs != 0 {
		t.Fatalf("resolver must not run while the lease is held")
	}
}

func TestResolverTriggerStoreUnreachable(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.resolver.err = pkgerrors.Wrap(pkgerrors.CodePersistence, errors.New("dial tcp"), "subscription store unreachable")

	rec := f.do(t, http.MethodPost, "/internal/resolver/run", "Bearer "+triggerToken)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != string(pkgerrors.CodePersistence) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestResolverTriggerRecoversFromPanic(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.resolver.hook = func() { panic("boom") }

	rec := f.do(t, http.MethodPost, "/internal/resolver/run", "Bearer "+triggerToken)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestResolverTriggerSurvivesCallerDisconnect(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.resolver.hook = cancel

	req := httptest.NewRequest(http.MethodPost, "/internal/resolver/run", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+triggerToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if f.resolver.runs != 1 {
		t.Fatalf("expected one run, got %d", f.resolver.runs)
	}
	if f.resolver.ctxErr != nil {
		t.Fatalf("run context must outlive the request, got %v", f.resolver.ctxErr)
	}
	if !f.resolver.hasDeadline {
		t.Fatalf("detached run must still be bounded")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
