package notify

import (
	"ades/internal/job"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrQueueFull is returned when an event is dropped because the queue is full.
var ErrQueueFull = errors.New("notification queue full, event dropped")

// ErrClosed is returned for events offered after Close.
var ErrClosed = errors.New("notifier is closed")

// Config configures webhook delivery.
type Config struct {
	URL        string
	SigningKey string
	// Source is the CloudEvents source, normally /ades/{id}.
	Source     string
	Workers    int
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
	// RatePerSecond bounds outgoing requests. Zero disables the limit.
	RatePerSecond  float64
	Burst          int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BreakerThreshold consecutive failed deliveries suspend delivery for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Source == "" {
		c.Source = "/ades"
	}
	return c
}

// MetricsRecorder records delivery outcomes.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	RetriesTotal int64
}

// Webhook implements job.Notifier. Events are queued in a bounded channel
// and delivered by a worker pool; a full queue drops the event.
type Webhook struct {
	cfg     Config
	queue   chan *CloudEvent
	sender  *sender
	limiter *rate.Limiter
	breaker *breaker
	metrics MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewWebhook starts the delivery workers. metrics may be nil.
func NewWebhook(cfg Config, metrics MetricsRecorder) *Webhook {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	w := &Webhook{
		cfg:      cfg,
		queue:    make(chan *CloudEvent, cfg.QueueSize),
		sender:   newSender(cfg.Timeout),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, time.Now),
		metrics:  metrics,
		logger:   slog.With("component", "notify", "destination", host(cfg.URL)),
		now:      time.Now,
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.worker()
	}
	w.logger.Info("Notifier started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return w
}

// Notify queues a status change event. It never blocks the caller.
func (w *Webhook) Notify(ctx context.Context, j *job.Job, previous job.Status) {
	if err := w.enqueue(newStatusEvent(w.cfg.Source, j, previous, w.now())); err != nil {
		w.logger.Warn("Notification not queued", "jobId", j.ID, "status", j.Status, "error", err)
	}
}

func (w *Webhook) enqueue(event *CloudEvent) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.queue <- event:
		w.queued.Add(1)
		w.recordQueueSize()
		return nil
	default:
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyDropped(context.Background())
		}
		return ErrQueueFull
	}
}

// Stats returns current delivery counters.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth:   len(w.queue),
		Queued:       w.queued.Load(),
		Delivered:    w.delivered.Load(),
		Failed:       w.failed.Load(),
		Dropped:      w.dropped.Load(),
		RetriesTotal: w.retriesTotal.Load(),
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline bounds the drain.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}
	w.logger.Info("Notifier shutting down", "queued", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Notifier shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Notifier shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			w.drain()
			return
		case event := <-w.queue:
			w.deliver(event)
		}
	}
}

func (w *Webhook) drain() {
	for {
		select {
		case event := <-w.queue:
			w.deliver(event)
		default:
			return
		}
	}
}

func (w *Webhook) deliver(event *CloudEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.recordQueueSize()

	start := time.Now()
	if !w.breaker.allow() {
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyFailed(ctx)
		}
		w.logger.Debug("Delivery skipped", "subject", event.Subject, "id", event.ID, "error", ErrCircuitOpen)
		return
	}
	err := w.sendWithRetry(ctx, event)
	switch {
	case err == nil:
		w.breaker.success()
	case IsClientError(err):
		// The destination answered; the event itself was refused.
		w.breaker.success()
	default:
		w.breaker.failure()
		if w.breaker.current() == stateOpen {
			w.logger.Warn("Delivery suspended", "cooldown", w.cfg.BreakerCooldown)
		}
	}
	if err != nil {
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyFailed(ctx)
		}
		w.logger.Warn("Delivery failed", "subject", event.Subject, "id", event.ID, "error", err)
		return
	}
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (w *Webhook) sendWithRetry(ctx context.Context, event *CloudEvent) error {
	var lastErr error
	for attempt := range w.cfg.MaxRetries + 1 {
		if attempt > 0 {
			w.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt, w.cfg.InitialBackoff, w.cfg.MaxBackoff)):
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = w.sender.send(ctx, w.cfg.URL, event, w.cfg.SigningKey)
		if lastErr == nil {
			return nil
		}
		if IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (w *Webhook) recordQueueSize() {
	if w.metrics != nil {
		w.metrics.RecordNotifyQueueSize(context.Background(), int64(len(w.queue)))
	}
}

func host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ job.Notifier = (*Webhook)(nil)
