package notify

import (
	"ades/internal/job"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	header http.Header
	body   []byte
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) add(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{header: req.Header.Clone(), body: body})
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

type countingMetrics struct {
	delivered, failed, dropped atomic.Int64
}

func (m *countingMetrics) RecordNotifyDelivered(context.Context, float64) { m.delivered.Add(1) }
func (m *countingMetrics) RecordNotifyFailed(context.Context)             { m.failed.Add(1) }
func (m *countingMetrics) RecordNotifyDropped(context.Context)            { m.dropped.Add(1) }
func (m *countingMetrics) RecordNotifyQueueSize(context.Context, int64)   {}

func testJob() *job.Job {
	return &job.Job{
		ID:        "echo-1.0-abc",
		ProcessID: "echo-1.0",
		Owner:     "alice",
		Status:    job.StatusSuccessful,
		Updated:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func closeWebhook(t *testing.T, w *Webhook) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func TestWebhook_DeliversSignedCloudEvent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	metrics := &countingMetrics{}
	w := NewWebhook(Config{URL: server.URL, SigningKey: "s3cret", Source: "/ades/ades-test"}, metrics)
	w.Notify(context.Background(), testJob(), job.StatusRunning)

	require.Eventually(t, func() bool { return w.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeWebhook(t, w)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "application/cloudevents+json", req.header.Get("Content-Type"))
	assert.Equal(t, EventType, req.header.Get("Ce-Type"))
	assert.Equal(t, "/ades/ades-test", req.header.Get("Ce-Source"))
	assert.Equal(t, Sign(req.body, "s3cret"), req.header.Get(SignatureHeader))

	var event CloudEvent
	require.NoError(t, json.Unmarshal(req.body, &event))
	assert.Equal(t, "1.0", event.SpecVersion)
	assert.Equal(t, "processes/echo-1.0/jobs/echo-1.0-abc", event.Subject)
	_, err := uuid.Parse(event.ID)
	assert.NoError(t, err)
	assert.Equal(t, "successful", event.Data["status"])
	assert.Equal(t, "running", event.Data["previousStatus"])
	assert.Equal(t, true, event.Data["terminal"])
	assert.Equal(t, int64(1), metrics.delivered.Load())
}

func TestWebhook_NoSignatureWithoutKey(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
	}))
	defer server.Close()

	w := NewWebhook(Config{URL: server.URL}, nil)
	w.Notify(context.Background(), testJob(), job.StatusRunning)
	require.Eventually(t, func() bool { return w.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeWebhook(t, w)

	assert.Empty(t, rec.all()[0].header.Get(SignatureHeader))
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhook(Config{URL: server.URL, Workers: 1, MaxRetries: 3, InitialBackoff: time.Millisecond}, nil)
	w.Notify(context.Background(), testJob(), job.StatusRunning)

	require.Eventually(t, func() bool { return w.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeWebhook(t, w)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), w.Stats().RetriesTotal)
}

func TestWebhook_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	metrics := &countingMetrics{}
	w := NewWebhook(Config{URL: server.URL, Workers: 1, MaxRetries: 3, InitialBackoff: time.Millisecond}, metrics)
	w.Notify(context.Background(), testJob(), job.StatusRunning)

	require.Eventually(t, func() bool { return w.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	closeWebhook(t, w)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, int64(1), metrics.failed.Load())
}

func TestWebhook_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()

	metrics := &countingMetrics{}
	w := NewWebhook(Config{URL: server.URL, Workers: 1, QueueSize: 1}, metrics)
	for range 5 {
		w.Notify(context.Background(), testJob(), job.StatusRunning)
	}

	assert.Positive(t, w.Stats().Dropped)
	assert.Equal(t, w.Stats().Dropped, metrics.dropped.Load())
	close(release)
	closeWebhook(t, w)
}

func TestWebhook_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	w := NewWebhook(Config{URL: server.URL, Workers: 1, QueueSize: 10}, nil)
	for range 3 {
		w.Notify(context.Background(), testJob(), job.StatusRunning)
	}
	closeWebhook(t, w)

	assert.Equal(t, int32(3), received.Load())
	assert.ErrorIs(t, w.enqueue(&CloudEvent{}), ErrClosed)
	assert.NoError(t, w.Close(context.Background()))
}

func TestWebhook_RateLimited(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	w := NewWebhook(Config{URL: server.URL, Workers: 2, RatePerSecond: 20, Burst: 1}, nil)
	start := time.Now()
	for range 3 {
		w.Notify(context.Background(), testJob(), job.StatusRunning)
	}
	require.Eventually(t, func() bool { return received.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	closeWebhook(t, w)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "400", err: &HTTPError{StatusCode: 400}, want: true},
		{name: "499", err: &HTTPError{StatusCode: 499}, want: true},
		{name: "500", err: &HTTPError{StatusCode: 500}, want: false},
		{name: "399", err: &HTTPError{StatusCode: 399}, want: false},
		{name: "non-HTTP", err: context.DeadlineExceeded, want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsClientError(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	initial, maxDelay := 100*time.Millisecond, time.Second

	assert.Equal(t, initial, backoff(0, initial, maxDelay))
	assert.Equal(t, initial, backoff(1, initial, maxDelay))
	assert.Equal(t, 400*time.Millisecond, backoff(3, initial, maxDelay))
	assert.Equal(t, maxDelay, backoff(10, initial, maxDelay))
}

func TestSign(t *testing.T) {
	t.Parallel()
	sig := Sign([]byte(`{"test":"data"}`), "secret-key")
	assert.Len(t, sig, len("sha256=")+64)
	assert.Equal(t, sig, Sign([]byte(`{"test":"data"}`), "secret-key"))
	assert.NotEqual(t, sig, Sign([]byte(`{"test":"data"}`), "other-key"))
}
