package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync/internal/domain"
)

type stubService struct {
	status      domain.CycleStatus
	history     []domain.UpdateCycle
	result      domain.RunResult
	err         error
	samples     []domain.FreshnessSample
	usage       domain.QuotaUsage
	gotForce    bool
	gotDatasets []string
	gotScope    string
}

func (s *stubService) Status(_ context.Context, id string) (domain.CycleStatus, error) {
	s.status.DatasetID = id
	return s.status, s.err
}

func (s *stubService) History(context.Context, string) ([]domain.UpdateCycle, error) {
	return s.history, s.err
}

func (s *stubService) TriggerUpdate(_ context.Context, id string, force bool) (domain.RunResult, error) {
	s.gotForce = force
	s.result.DatasetID = id
	return s.result, s.err
}

func (s *stubService) CheckFreshness(_ context.Context, ids []string) []domain.FreshnessSample {
	s.gotDatasets = ids
	return s.samples
}

func (s *stubService) QuotaToday(_ context.Context, scope string) (domain.QuotaUsage, error) {
	s.gotScope = scope
	return s.usage, s.err
}

func serve(t *testing.T, svc catalogService, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("catalog_sync_up 1\n"))
	})
	rec := httptest.NewRecorder()
	NewRouter(svc, metrics, nil).ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestGetStatus(t *testing.T) {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := &stubService{status: domain.CycleStatus{
		State: domain.CycleActiveIncomplete,
		Cycle: &domain.UpdateCycle{ID: "c1", DatasetID: "cpi", IsCurrent: true, StartedAt: started, TotalItems: 10, ItemsUpdated: 4, RequestsUsed: 1},
	}}

	rec := serve(t, svc, http.MethodGet, "/datasets/cpi/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := decode[domain.CycleStatus](t, rec)
	assert.Equal(t, "cpi", got.DatasetID)
	assert.Equal(t, domain.CycleActiveIncomplete, got.State)
	require.NotNil(t, got.Cycle)
	assert.Equal(t, 4, got.Cycle.ItemsUpdated)
	assert.Nil(t, got.Cycle.CompletedAt)
}

func TestGetHistoryIsNeverNull(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodGet, "/datasets/cpi/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTriggerUpdate(t *testing.T) {
	svc := &stubService{result: domain.RunResult{CycleID: "c1", ItemsUpdatedThisRun: 50, RequestsUsedThisRun: 1, StoppedReason: domain.StopQuota}}

	rec := serve(t, svc, http.MethodPost, "/datasets/cpi/update?force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.gotForce)
	got := decode[domain.RunResult](t, rec)
	assert.Equal(t, domain.StopQuota, got.StoppedReason)
	assert.Equal(t, "cpi", got.DatasetID)

	rec = serve(t, svc, http.MethodPost, "/datasets/cpi/update")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.gotForce)

	rec = serve(t, svc, http.MethodPost, "/datasets/cpi/update?force=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/datasets/cpi/update")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"concurrent run", domain.ErrConcurrentRun, http.StatusConflict},
		{"cycle changed", &domain.PersistenceError{Op: "create cycle", Err: domain.ErrCurrentCycleChanged}, http.StatusConflict},
		{"persistence", &domain.PersistenceError{Op: "commit batch", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &stubService{err: tt.err}, http.MethodPost, "/datasets/cpi/update")
			assert.Equal(t, tt.code, rec.Code)
			body := decode[errorBody](t, rec)
			assert.NotEmpty(t, body.Error)
			assert.NotContains(t, body.Error, "disk full")
		})
	}
}

func TestTriggerUpdateReportsProgressOnFailure(t *testing.T) {
	svc := &stubService{
		result: domain.RunResult{
			CycleID:             "c1",
			ItemsUpdatedThisRun: 450,
			RequestsUsedThisRun: 9,
			StoppedReason:       domain.StopError,
			Error:               "persistence failure during commit batch: disk full",
		},
		err: &domain.PersistenceError{Op: "commit batch", Err: errors.New("disk full")},
	}

	rec := serve(t, svc, http.MethodPost, "/datasets/cpi/update")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	got := decode[domain.RunResult](t, rec)
	assert.Equal(t, "cpi", got.DatasetID)
	assert.Equal(t, "c1", got.CycleID)
	assert.Equal(t, 450, got.ItemsUpdatedThisRun)
	assert.Equal(t, 9, got.RequestsUsedThisRun)
	assert.Equal(t, domain.StopError, got.StoppedReason)
	assert.Equal(t, "internal server error", got.Error)
}

func TestTriggerUpdateLostLeaseIsConflict(t *testing.T) {
	svc := &stubService{
		result: domain.RunResult{ItemsUpdatedThisRun: 50, StoppedReason: domain.StopError},
		err:    fmt.Errorf("commit batch: lease lost: %w", domain.ErrConcurrentRun),
	}

	rec := serve(t, svc, http.MethodPost, "/datasets/cpi/update")
	require.Equal(t, http.StatusConflict, rec.Code)
	got := decode[domain.RunResult](t, rec)
	assert.Equal(t, 50, got.ItemsUpdatedThisRun)
	assert.Contains(t, got.Error, "lease lost")
}

func TestGetFreshnessPassesDatasets(t *testing.T) {
	yes := true
	svc := &stubService{samples: []domain.FreshnessSample{{DatasetID: "a", HasNewData: &yes}, {DatasetID: "b"}}}

	rec := serve(t, svc, http.MethodGet, "/freshness?dataset=a&dataset=b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a", "b"}, svc.gotDatasets)

	got := decode[[]domain.FreshnessSample](t, rec)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsStale())
	assert.Nil(t, got[1].HasNewData)
	assert.Contains(t, rec.Body.String(), `"hasNewData":null`)
}

func TestGetQuota(t *testing.T) {
	svc := &stubService{usage: domain.QuotaUsage{Date: "2026-03-02", Scope: "cpi", Limit: 500, RequestsUsed: 120, Remaining: 380}}

	rec := serve(t, svc, http.MethodGet, "/quota?scope=cpi")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cpi", svc.gotScope)
	assert.Equal(t, svc.usage, decode[domain.QuotaUsage](t, rec))
}

func TestMetricsRoute(t *testing.T) {
	rec := serve(t, &stubService{}, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catalog_sync_up 1")
}
