// Path: internal/source/client.go
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

type itemsResponse struct {
	Items []string `json:"items"`
}

type valuesResponse struct {
	Results []domain.FetchResult `json:"results"`
}

// Client is a client for the external catalog API.
// It satisfies both the pipeline's fetcher and the item registry.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates and configures a new Client.
func NewClient(cfg config.SourceConfig) *Client {
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout()})
}

// NewClientWithHTTP creates a Client around an existing http.Client.
func NewClientWithHTTP(cfg config.SourceConfig, httpClient *http.Client) *Client {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstLimit
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ListActiveItems returns the dataset's current item universe in ascending order.
func (c *Client) ListActiveItems(ctx context.Context, datasetID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/datasets/%s/items", c.baseURL, url.PathEscape(datasetID))

	var resp itemsResponse
	if err := c.getJSON(ctx, datasetID, endpoint, &resp); err != nil {
		return nil, err
	}
	sort.Strings(resp.Items)
	return resp.Items, nil
}

// FetchBatch fetches the latest value and period for each of the given items
// in a single request. It respects the rate limit.
func (c *Client) FetchBatch(ctx context.Context, datasetID string, itemIDs []string) ([]domain.FetchResult, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(itemIDs, ","))
	endpoint := fmt.Sprintf("%s/api/datasets/%s/values?%s", c.baseURL, url.PathEscape(datasetID), q.Encode())

	var resp valuesResponse
	if err := c.getJSON(ctx, datasetID, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) getJSON(ctx context.Context, datasetID, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.FetchError{DatasetID: datasetID, Transient: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &domain.FetchError{DatasetID: datasetID, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors and timeouts are worth another attempt.
		return &domain.FetchError{DatasetID: datasetID, Transient: true, Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.FetchError{
			DatasetID: datasetID,
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.FetchError{DatasetID: datasetID, Transient: true, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &domain.FetchError{DatasetID: datasetID, Err: fmt.Errorf("failed to unmarshal json response: %w", err)}
	}
	return nil
}
