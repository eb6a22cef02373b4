package events

import (
	"context"
	"fmt"
	"log/slog"
	"pyris/internal/apperrors"
	"sync"
	"sync/atomic"
	"time"
)

// Outcomes reported to MetricsRecorder.
const (
	OutcomeQueued      = "queued"
	OutcomeUnsupported = "unsupported"
	OutcomeRejected    = "rejected"
	OutcomeDisabled    = "disabled"
	OutcomeHandled     = "handled"
	OutcomeFailed      = "failed"
)

// MetricsRecorder is an optional interface for recording router metrics.
type MetricsRecorder interface {
	RecordEvent(ctx context.Context, kind string, outcome string)
	RecordEventQueueSize(ctx context.Context, size int64)
}

// RouterConfig holds configuration for the event router.
type RouterConfig struct {
	QueueSize      int           // pending events (default: 1000)
	Workers        int           // concurrent handlers (default: 8)
	HandlerTimeout time.Duration // per-event deadline (default: 30s)
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Stats holds router statistics.
type Stats struct {
	QueueDepth  int   // current queue size
	Queued      int64 // accepted by Publish
	Unsupported int64 // dropped for an unknown kind
	Rejected    int64 // dropped because the queue was full
	Disabled    int64 // gated off by feature flags
	Handled     int64 // handler returned nil
	Failed      int64 // handler returned an error or panicked
}

// Router gates events and hands them to per-kind handlers on a bounded
// worker pool. Events of different kinds, or of the same entity, run
// concurrently without ordering.
type Router struct {
	queue    chan Event
	handlers map[Kind]Handler
	flags    FlagProvider
	config   RouterConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued      atomic.Int64
	unsupported atomic.Int64
	rejected    atomic.Int64
	disabled    atomic.Int64
	handled     atomic.Int64
	failed      atomic.Int64

	// mu orders Publish against Close so nothing is sent on a closed queue.
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewRouter creates a router and starts its workers. metrics may be nil.
func NewRouter(cfg RouterConfig, flags FlagProvider, handlers map[Kind]Handler, metrics MetricsRecorder) *Router {
	cfg = cfg.withDefaults()

	r := &Router{
		queue:    make(chan Event, cfg.QueueSize),
		handlers: make(map[Kind]Handler, len(handlers)),
		flags:    flags,
		config:   cfg,
		logger:   slog.With("component", "event-router"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	for k, h := range handlers {
		r.handlers[k] = h
	}

	r.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go r.worker()
	}
	if metrics != nil {
		go r.reportQueueSize()
	}

	r.logger.Info("Event router started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return r
}

// Publish enqueues an event without blocking. Unknown kinds are logged and
// dropped with a nil result so that publishing never fails the caller's
// transaction; a full queue returns ErrQueueFull.
func (r *Router) Publish(e Event) error {
	if !r.supported(e.Kind) {
		r.unsupported.Add(1)
		r.record(e.Kind, OutcomeUnsupported)
		r.logger.Warn("Dropping event", "error", apperrors.UnsupportedEventKind(string(e.Kind)), "id", e.ID)
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	select {
	case r.queue <- e:
		r.queued.Add(1)
		r.record(e.Kind, OutcomeQueued)
		return nil
	default:
		r.rejected.Add(1)
		r.record(e.Kind, OutcomeRejected)
		r.logger.Warn("Event rejected, queue full", "kind", e.Kind, "id", e.ID, "courseId", e.CourseID)
		return ErrQueueFull
	}
}

// IsEnabled reports whether an event would be handled: its kind is known,
// has a handler and the feature flag allows it.
func (r *Router) IsEnabled(ctx context.Context, e Event) bool {
	return r.supported(e.Kind) && r.flags != nil && r.flags.IsEnabledFor(ctx, e.Kind, e)
}

func (r *Router) supported(kind Kind) bool {
	_, ok := r.handlers[kind]
	return kind.Known() && ok
}

// Stats returns current router statistics.
func (r *Router) Stats() Stats {
	return Stats{
		QueueDepth:  len(r.queue),
		Queued:      r.queued.Load(),
		Unsupported: r.unsupported.Load(),
		Rejected:    r.rejected.Load(),
		Disabled:    r.disabled.Load(),
		Handled:     r.handled.Load(),
		Failed:      r.failed.Load(),
	}
}

// Close stops accepting events and waits for queued ones to be handled.
// The context deadline controls how long to wait for the drain.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.shutdown)
	r.mu.Unlock()

	r.logger.Info("Event router shutting down", "queued", len(r.queue))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Event router shutdown complete",
			"handled", r.handled.Load(),
			"failed", r.failed.Load(),
			"rejected", r.rejected.Load(),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Event router shutdown timed out", "remaining", len(r.queue))
		return ctx.Err()
	}
}

func (r *Router) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			r.drain()
			return
		case e := <-r.queue:
			r.process(e)
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case e := <-r.queue:
			r.process(e)
		default:
			return
		}
	}
}

func (r *Router) process(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.HandlerTimeout)
	defer cancel()

	if !r.IsEnabled(ctx, e) {
		r.disabled.Add(1)
		r.record(e.Kind, OutcomeDisabled)
		r.logger.Debug("Event disabled by feature flag", "kind", e.Kind, "courseId", e.CourseID)
		return
	}

	if err := r.invoke(ctx, e); err != nil {
		r.failed.Add(1)
		r.record(e.Kind, OutcomeFailed)
		r.logger.Error("Event handler failed", "kind", e.Kind, "id", e.ID, "courseId", e.CourseID, "error", err)
		return
	}
	r.handled.Add(1)
	r.record(e.Kind, OutcomeHandled)
}

func (r *Router) invoke(ctx context.Context, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handlers[e.Kind].Handle(ctx, e)
}

func (r *Router) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.metrics.RecordEventQueueSize(context.Background(), int64(len(r.queue)))
		}
	}
}

func (r *Router) record(kind Kind, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordEvent(context.Background(), string(kind), outcome)
	}
}
