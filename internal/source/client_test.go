package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.SourceConfig{BaseURL: srv.URL + "/", TimeoutSeconds: 5})
}

func TestListActiveItemsSortsIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/cpi/items", r.URL.Path)
		w.Write([]byte(`{"items":["c","a","b"]}`))
	})

	items, err := c.ListActiveItems(context.Background(), "cpi")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestFetchBatchSendsIDsAndDecodesResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/cpi/values", r.URL.Path)
		assert.Equal(t, "a,b", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"results":[{"id":"a","period":"2024-05","value":"1.5"},{"id":"b","period":"2024-06","value":"2"}]}`))
	})

	results, err := c.FetchBatch(context.Background(), "cpi", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []domain.FetchResult{
		{ItemID: "a", Period: "2024-05", Value: "1.5"},
		{ItemID: "b", Period: "2024-06", Value: "2"},
	}, results)
}

func TestStatusCodesClassifyTransience(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.FetchBatch(context.Background(), "cpi", []string{"a"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestMalformedBodyIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":`))
	})
	_, err := c.FetchBatch(context.Background(), "cpi", []string{"a"})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClientWithHTTP(config.SourceConfig{BaseURL: srv.URL}, &http.Client{Timeout: 50 * time.Millisecond})
	_, err := c.FetchBatch(context.Background(), "cpi", []string{"a"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.True(t, strings.Contains(err.Error(), "transient"))
	assert.EqualValues(t, 1, calls.Load())
}
