// Package index provides a retrying client for the external vector
// search service (Qdrant REST API). The index is a derived, rebuildable
// projection of the durable store: it may lag or fail independently,
// and every pipeline treats it as best-effort.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy controls the retry budget and backoff for index calls.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the first backoff ceiling; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff ceiling.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times with full-jitter backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// NoRetry performs a single attempt. It expresses "no retry" through
// the same call primitive instead of a separate code path.
var NoRetry = RetryPolicy{MaxRetries: 0}

// Config holds index client configuration.
type Config struct {
	URL        string        // base URL; empty means not configured
	APIKey     string        // optional api-key header
	Collection string        // collection name (default: memories)
	Timeout    time.Duration // per-call timeout (default: 5s)
	Retry      RetryPolicy   // zero value falls back to DefaultRetryPolicy
}

// Point is one indexed memory: id, vector and a filterable payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a search hit with its similarity score.
type ScoredPoint struct {
	Point
	Score float64 `json:"score"`
}

// OrderBy requests payload-ordered scrolling.
type OrderBy struct {
	Key       string
	Direction string // "asc" or "desc"
}

// Client talks to the vector index over HTTP with per-call timeouts and
// full-jitter retry. Each call gets an independent retry budget; no
// state is shared across concurrent calls.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an index client. A client with an empty URL is
// valid: every operation returns ErrNotConfigured, which callers treat
// as "degrade" rather than "fail".
func NewClient(cfg Config) *Client {
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.BaseDelay == 0 && cfg.Retry.MaxRetries == 0 && cfg.Retry.MaxDelay == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	return &Client{
		cfg: cfg,
		// No overall client timeout: per-attempt timeouts come from the
		// request context so retries each get a fresh budget.
		client: &http.Client{},
	}
}

// Configured reports whether an index URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.URL != ""
}

// Collection returns the configured collection name.
func (c *Client) Collection() string {
	return c.cfg.Collection
}

// httpError carries a response status through the retry loop.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// retryable reports whether an attempt error is worth retrying:
// transport errors, timeouts, and HTTP 408/429/5xx.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusRequestTimeout ||
			he.status == http.StatusTooManyRequests ||
			he.status >= 500
	}
	// Anything else (network error, per-attempt deadline) is transient.
	return !errors.Is(err, context.Canceled)
}

// backoffDelay computes a full-jitter delay: random in
// [0, min(base*2^attempt, cap)).
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	ceiling := p.BaseDelay
	for i := 0; i < attempt && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if p.MaxDelay > 0 && ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// call is the single request primitive all operations go through. It
// issues the request with a per-attempt timeout and retries per the
// configured policy; backoff sleeps block only this call path.
func (c *Client) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.attempt(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt >= c.cfg.Retry.MaxRetries {
			break
		}

		delay := backoffDelay(c.cfg.Retry, attempt)
		select {
		case <-ctx.Done():
			return &ServiceError{Op: op, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	status := 0
	var he *httpError
	if errors.As(lastErr, &he) {
		status = he.status
	}
	return &ServiceError{Op: op, Status: status, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &httpError{status: resp.StatusCode, body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if it does not exist, with
// cosine distance vectors of the given dimensionality.
func (c *Client) EnsureCollection(ctx context.Context, dimensions int) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	err := c.call(ctx, "get collection", "GET", "/collections/"+c.cfg.Collection, nil, nil)
	if err == nil {
		return nil
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return err
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimensions,
			"distance": "Cosine",
		},
	}
	return c.call(ctx, "create collection", "PUT", "/collections/"+c.cfg.Collection, body, nil)
}

// Upsert writes points into the collection, waiting for the write to
// be applied so a subsequent search can see it.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	return c.call(ctx, "upsert", "PUT", c.pointsPath("?wait=true"), body, nil)
}

type searchResponse struct {
	Result []struct {
		ID      interface{}            `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
}

// Search returns the limit nearest points to vector, restricted by
// filter, with payloads.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error) {
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if qf := filter.qdrant(); qf != nil {
		body["filter"] = qf
	}

	var resp searchResponse
	if err := c.call(ctx, "search", "POST", c.pointsPath("/search"), body, &resp); err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, ScoredPoint{
			Point: Point{ID: fmt.Sprint(r.ID), Payload: r.Payload},
			Score: r.Score,
		})
	}
	return hits, nil
}

type scrollResponse struct {
	Result struct {
		Points []struct {
			ID      interface{}            `json:"id"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

// Scroll lists points matching filter without a query vector, for
// recency-style listing. orderBy is optional.
func (c *Client) Scroll(ctx context.Context, filter *Filter, limit int, orderBy *OrderBy) ([]Point, error) {
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
	}
	if qf := filter.qdrant(); qf != nil {
		body["filter"] = qf
	}
	if orderBy != nil {
		body["order_by"] = map[string]interface{}{
			"key":       orderBy.Key,
			"direction": orderBy.Direction,
		}
	}

	var resp scrollResponse
	if err := c.call(ctx, "scroll", "POST", c.pointsPath("/scroll"), body, &resp); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		points = append(points, Point{ID: fmt.Sprint(p.ID), Payload: p.Payload})
	}
	return points, nil
}

// DeleteByIDs removes the given points. Unknown ids are ignored by the
// service, keeping deletion idempotent.
func (c *Client) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": ids}
	return c.call(ctx, "delete", "POST", c.pointsPath("/delete?wait=true"), body, nil)
}

// DeleteByFilter removes all points matching filter. The service
// returns no affected count; callers needing one must Count first.
func (c *Client) DeleteByFilter(ctx context.Context, filter *Filter) error {
	body := map[string]interface{}{}
	if qf := filter.qdrant(); qf != nil {
		body["filter"] = qf
	}
	return c.call(ctx, "delete", "POST", c.pointsPath("/delete?wait=true"), body, nil)
}

type countResponse struct {
	Result struct {
		Count int `json:"count"`
	} `json:"result"`
}

// Count returns the exact number of points matching filter.
func (c *Client) Count(ctx context.Context, filter *Filter) (int, error) {
	body := map[string]interface{}{"exact": true}
	if qf := filter.qdrant(); qf != nil {
		body["filter"] = qf
	}

	var resp countResponse
	if err := c.call(ctx, "count", "POST", c.pointsPath("/count"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// HealthCheck verifies the service is reachable. It uses a zero-retry
// policy: a health probe should report current state, not mask it.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	probe := *c
	probe.cfg.Retry = NoRetry
	return probe.call(ctx, "health check", "GET", "/healthz", nil, nil)
}

func (c *Client) pointsPath(suffix string) string {
	return "/collections/" + c.cfg.Collection + "/points" + suffix
}
