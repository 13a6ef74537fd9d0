package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestIndex(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		URL:   srv.URL,
		Retry: RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient(Config{})

	if c.Configured() {
		t.Error("client without URL should report unconfigured")
	}
	if _, err := c.Search(context.Background(), []float32{0.1}, 5, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := c.Upsert(context.Background(), []Point{{ID: "a"}}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRetryableStatusPredicate(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
	}

	for _, tc := range cases {
		got := retryable(&httpError{status: tc.status})
		if got != tc.want {
			t.Errorf("retryable(status %d) = %v, want %v", tc.status, got, tc.want)
		}
	}

	if !retryable(errors.New("connection refused")) {
		t.Error("transport errors should be retryable")
	}
	if retryable(context.Canceled) {
		t.Error("caller cancellation should not be retried")
	}
}

func TestBackoffDelayStaysUnderCap(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(p, attempt)
			if d < 0 || d >= time.Second {
				t.Fatalf("attempt %d: delay %v outside [0, cap)", attempt, d)
			}
		}
	}
}

func TestCallRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"result":{"count":7}}`)
	}))

	count, err := c.Count(context.Background(), nil)
	if err != nil {
		t.Fatalf("Count after retries: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))

	_, err := c.Count(context.Background(), nil)

	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if se.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", se.Status)
	}
	if calls != 1 {
		t.Errorf("400 should not be retried, got %d attempts", calls)
	}
}

func TestCallExhaustsRetryBudget(t *testing.T) {
	var calls int
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "still down", http.StatusInternalServerError)
	}))

	_, err := c.Count(context.Background(), nil)

	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestSearchSendsFilterAndParsesHits(t *testing.T) {
	var captured map[string]interface{}
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/memories/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"result":[
			{"id":"mem-1","score":0.91,"payload":{"content":"first"}},
			{"id":"mem-2","score":0.55,"payload":{"content":"second"}}
		]}`)
	}))

	filter := NewFilter().
		Match("project_id", "proj-1").
		MatchAny("category", "decision", "style").
		InRange("created_at_ts", Range{GTE: Float64Ptr(1000)})

	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, 10, filter)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "mem-1" || hits[0].Score != 0.91 {
		t.Errorf("first hit = %+v", hits[0])
	}

	qf, ok := captured["filter"].(map[string]interface{})
	if !ok {
		t.Fatal("filter missing from request body")
	}
	must, ok := qf["must"].([]interface{})
	if !ok || len(must) != 3 {
		t.Fatalf("expected 3 must clauses, got %v", qf["must"])
	}

	first := must[0].(map[string]interface{})
	if first["key"] != "project_id" {
		t.Errorf("first clause key = %v", first["key"])
	}
	match := first["match"].(map[string]interface{})
	if match["value"] != "proj-1" {
		t.Errorf("project match = %v", match)
	}

	second := must[1].(map[string]interface{})
	anyClause := second["match"].(map[string]interface{})["any"].([]interface{})
	if len(anyClause) != 2 {
		t.Errorf("match any = %v", anyClause)
	}

	third := must[2].(map[string]interface{})
	rng := third["range"].(map[string]interface{})
	if rng["gte"] != float64(1000) {
		t.Errorf("range gte = %v", rng["gte"])
	}
}

func TestFilterIDsAndExclusions(t *testing.T) {
	qf := NewFilter().
		Match("project_id", "p").
		WithIDs("a", "b").
		ExcludeIDs("c").
		qdrant()

	must := qf["must"].([]interface{})
	hasID := must[len(must)-1].(map[string]interface{})["has_id"].([]string)
	if len(hasID) != 2 || hasID[0] != "a" {
		t.Errorf("has_id clause = %v", hasID)
	}

	mustNot := qf["must_not"].([]interface{})
	excluded := mustNot[0].(map[string]interface{})["has_id"].([]string)
	if len(excluded) != 1 || excluded[0] != "c" {
		t.Errorf("must_not has_id = %v", excluded)
	}
}

func TestEmptyFilterOmitted(t *testing.T) {
	if qf := NewFilter().qdrant(); qf != nil {
		t.Errorf("empty filter should render nil, got %v", qf)
	}
	var nilFilter *Filter
	if !nilFilter.Empty() {
		t.Error("nil filter should be empty")
	}
}

func TestScrollWithOrderBy(t *testing.T) {
	var captured map[string]interface{}
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"result":{"points":[{"id":"mem-3","payload":{"content":"note"}}]}}`)
	}))

	points, err := c.Scroll(context.Background(), NewFilter().Match("project_id", "p"), 20,
		&OrderBy{Key: "created_at_ts", Direction: "desc"})
	if err != nil {
		t.Fatalf("Scroll: %v", err)
	}

	if len(points) != 1 || points[0].ID != "mem-3" {
		t.Errorf("points = %+v", points)
	}
	ob := captured["order_by"].(map[string]interface{})
	if ob["key"] != "created_at_ts" || ob["direction"] != "desc" {
		t.Errorf("order_by = %v", ob)
	}
}

func TestDeleteByIDsEmptyIsNoop(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1"})
	if err := c.DeleteByIDs(context.Background(), nil); err != nil {
		t.Errorf("empty delete should be a no-op, got %v", err)
	}
}

func TestHealthCheckDoesNotRetry(t *testing.T) {
	var calls int
	c := newTestIndex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))

	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check failure")
	}
	if calls != 1 {
		t.Errorf("health check should probe once, got %d attempts", calls)
	}
}
