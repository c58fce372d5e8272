package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"repricer/internal/auth"
	"repricer/internal/core"
	"repricer/internal/feed"
	"repricer/internal/infrastructure/health"
	"repricer/internal/pricing"
	"repricer/internal/repricing"
	"repricer/internal/scheduler"
	"repricer/internal/store"
	apperrors "repricer/pkg/errors"
	"repricer/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarketplace = "ATVPDKIKX0DER"

const notification = `{
  "id": "evt-1",
  "detail-type": "ANY_OFFER_CHANGED",
  "time": "2026-03-01T10:00:00Z",
  "detail": {
    "asin": "B00API0001",
    "marketplaceId": "ATVPDKIKX0DER",
    "offers": [
      {"sellerId": "A1", "condition": "new", "listingPrice": {"amount": 20.00, "currencyCode": "USD"}}
    ]
  }
}`

type fakeReconciler struct {
	busy   bool
	report *core.ReconcileReport
}

func (f *fakeReconciler) Start(ctx context.Context) error { return nil }
func (f *fakeReconciler) Stop() error                     { return nil }
func (f *fakeReconciler) RunOnce(ctx context.Context) (*core.ReconcileReport, error) {
	return f.TriggerManual(ctx)
}
func (f *fakeReconciler) GetStatus() core.ReconcileStatus {
	return core.ReconcileStatus{Status: "idle", LastReport: f.report}
}
func (f *fakeReconciler) TriggerManual(ctx context.Context) (*core.ReconcileReport, error) {
	if f.busy {
		return nil, apperrors.ErrReconcileInFlight
	}
	return f.report, nil
}

type fakeJobs struct {
	ran []string
}

func (f *fakeJobs) Status() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: "poll", Schedule: "@hourly"}}
}

func (f *fakeJobs) RunNow(ctx context.Context, name string) error {
	f.ran = append(f.ran, name)
	return nil
}

type fixture struct {
	store      *store.MemoryStore
	reconciler *fakeReconciler
	health     *health.HealthManager
	jobs       *fakeJobs
	server     *Server
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	require.NoError(t, s.Put(context.Background(), &core.PriceRecord{
		ASIN:          "B00API0001",
		MarketplaceID: testMarketplace,
		FloorPrice:    decimal.NewNullDecimal(decimal.RequireFromString("10")),
	}, 0))

	policy := pricing.DefaultPolicy()
	policy.MarkupPercent = decimal.RequireFromString("10")
	svc, err := repricing.NewService(s, policy, 3, logging.NewNopLogger())
	require.NoError(t, err)

	f := &fixture{
		store:      s,
		reconciler: &fakeReconciler{report: &core.ReconcileReport{RunID: "run-1", Attempted: 2, Succeeded: 2}},
		health:     health.NewHealthManager(nil),
		jobs:       &fakeJobs{},
	}
	f.server = NewServer(Dependencies{
		Store:      s,
		Handler:    feed.NewHandler(svc, logging.NewNopLogger()),
		Previewer:  svc,
		Reconciler: f.reconciler,
		Health:     f.health,
		Jobs:       f.jobs,
		Validator:  auth.NewAPIKeyValidator(keys, 100, logging.NewNopLogger()),
		Logger:     logging.NewNopLogger(),
	})
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestNotification_Accepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/notifications", notification, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result core.RepriceResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, core.ReasonApplied, result.Decision.Reason)

	rec, err := f.store.Get(context.Background(), core.RecordKey{ASIN: "B00API0001", MarketplaceID: testMarketplace})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("22").Equal(rec.PendingPrice.Decimal), rec.PendingPrice.Decimal.String())
}

func TestNotification_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/notifications", `{"detail-type":"ANY_OFFER_CHANGED"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	untracked := strings.Replace(notification, "B00API0001", "B00UNKNOWN", 1)
	w = f.do(http.MethodPost, "/api/v1/notifications", untracked, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/records/B00API0001/"+testMarketplace, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec core.PriceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "B00API0001", rec.ASIN)
	assert.Equal(t, int64(1), rec.Version)

	w = f.do(http.MethodGet, "/api/v1/records/B00MISSING/"+testMarketplace, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	f := newFixture(t)

	body := `{"offers":[{"seller_id":"A1","price":"30.00","condition":"new"}]}`
	w := f.do(http.MethodPost, "/api/v1/records/B00API0001/"+testMarketplace+"/preview", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var dec core.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dec))
	assert.True(t, decimal.RequireFromString("33").Equal(dec.MainPrice.Decimal), dec.MainPrice.Decimal.String())

	rec, err := f.store.Get(context.Background(), core.RecordKey{ASIN: "B00API0001", MarketplaceID: testMarketplace})
	require.NoError(t, err)
	assert.False(t, rec.PendingPrice.Valid)

	w = f.do(http.MethodPost, "/api/v1/records/B00API0001/"+testMarketplace+"/preview", "{", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/reconcile", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report core.ReconcileReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 2, report.Succeeded)

	f.reconciler.busy = true
	w = f.do(http.MethodPost, "/api/v1/reconcile", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/api/v1/reconcile/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"run-1"`)
}

func TestJobs(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "@hourly")

	w = f.do(http.MethodPost, "/api/v1/jobs/poll/run", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"poll"}, f.jobs.ran)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.health.Register("store", func() error { return nil })

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.health.Register("publisher", func() error { return apperrors.ErrNetwork })
	w = f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	f := newFixture(t, "secret-key")

	w := f.do(http.MethodGet, "/api/v1/reconcile/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/v1/reconcile/status", "", map[string]string{auth.HeaderAPIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/v1/reconcile/status", "", map[string]string{auth.HeaderAPIKey: "secret-key"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	// health and metrics stay open
	w = f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyMiddleware_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Dependencies{
		Store:     store.NewMemoryStore(),
		Validator: auth.NewAPIKeyValidator([]string{"k"}, 1, logging.NewNopLogger()),
		Logger:    logging.NewNopLogger(),
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/records/B00X/"+testMarketplace, nil)
		req.Header.Set(auth.HeaderAPIKey, "k")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Dependencies{Store: store.NewMemoryStore(), Logger: logging.NewNopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
