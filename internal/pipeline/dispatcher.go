package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"pyris/internal/apperrors"
	"pyris/internal/job"
	"pyris/internal/registry"
	"strconv"
	"strings"
)

// Handler applies the domain effects of a status update to a job and
// returns the job to keep in the registry.
type Handler interface {
	Apply(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error)

// Apply implements Handler.
func (f HandlerFunc) Apply(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error) {
	return f(ctx, j, update)
}

// Handlers maps each job kind to its handler.
type Handlers map[job.Kind]Handler

// DispatcherMetrics is an optional interface for recording status updates.
type DispatcherMetrics interface {
	RecordStatusUpdate(ctx context.Context, kind string, terminated bool, success bool)
}

// StatusDispatcher applies inbound status updates and keeps the registry in
// step: a terminated job is removed, any other job is updated.
//
// Duplicate terminal callbacks are not detected here. After the first one
// removes the job, the next fails authentication before reaching Handle.
type StatusDispatcher struct {
	registry registry.Registry
	handlers Handlers
	metrics  DispatcherMetrics
	logger   *slog.Logger
}

// NewStatusDispatcher creates a dispatcher. metrics may be nil.
func NewStatusDispatcher(reg registry.Registry, handlers Handlers, metrics DispatcherMetrics) *StatusDispatcher {
	if handlers == nil {
		handlers = Handlers{}
	}
	return &StatusDispatcher{
		registry: reg,
		handlers: handlers,
		metrics:  metrics,
		logger:   slog.With("component", "status-dispatcher"),
	}
}

// Dispatch handles update with the handler registered for the job's kind.
func (d *StatusDispatcher) Dispatch(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error) {
	h, ok := d.handlers[j.Kind]
	if !ok {
		return job.Job{}, apperrors.Internal("pipeline.dispatch", fmt.Errorf("no status handler for job kind %q", j.Kind))
	}
	return d.Handle(ctx, j, update, h)
}

// Handle runs h and then removes or updates the job. If h fails the
// registry is left untouched.
func (d *StatusDispatcher) Handle(ctx context.Context, j job.Job, update job.StatusUpdate, h Handler) (job.Job, error) {
	terminated := update.Terminated()
	logger := d.logger.With("token", job.RedactToken(j.Token), "kind", j.Kind)

	mutated, err := h.Apply(ctx, j, update)
	if err != nil {
		logger.Error("Status handler failed", "terminated", terminated, "error", err)
		d.record(ctx, j.Kind, terminated, false)
		return job.Job{}, fmt.Errorf("apply status update for %s job: %w", j.Kind, err)
	}
	// The token is the registry key; a handler cannot move the job.
	mutated.Token = j.Token
	mutated.Kind = j.Kind

	if terminated {
		err = d.registry.Remove(ctx, j.Token)
	} else {
		err = d.registry.Update(ctx, mutated)
	}
	if err != nil {
		logger.Error("Failed to store job after status update", "terminated", terminated, "error", err)
		d.record(ctx, j.Kind, terminated, false)
		return job.Job{}, err
	}

	if terminated {
		logger.Info("Job finished", "failed", update.Failed())
	}
	d.record(ctx, j.Kind, terminated, true)
	return mutated, nil
}

func (d *StatusDispatcher) record(ctx context.Context, kind job.Kind, terminated, success bool) {
	if d.metrics != nil {
		d.metrics.RecordStatusUpdate(ctx, string(kind), terminated, success)
	}
}

// Keys written by ProgressRecorder into job.Data.
const (
	DataProgress = "progress"
	DataStages   = "stages"
	DataUpdates  = "updates"
)

// ProgressRecorder is the handler used for kinds without a domain handler.
// It keeps a summary of the latest stages in the job's data and logs it.
type ProgressRecorder struct {
	logger *slog.Logger
}

// NewProgressRecorder creates a ProgressRecorder.
func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{logger: slog.With("component", "progress-recorder")}
}

// Apply implements Handler.
func (p *ProgressRecorder) Apply(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error) {
	summary := make([]string, 0, len(update.Stages))
	for _, s := range update.Stages {
		summary = append(summary, s.Name+"="+string(s.State))
	}
	progress := job.Progress(update.Stages)

	updates, _ := strconv.Atoi(j.Data[DataUpdates])
	j = j.WithData(DataProgress, strconv.Itoa(progress)).
		WithData(DataStages, strings.Join(summary, ",")).
		WithData(DataUpdates, strconv.Itoa(updates+1))

	p.logger.InfoContext(ctx, "Pipeline progress",
		"token", job.RedactToken(j.Token),
		"kind", j.Kind,
		"progress", progress,
		"stages", summary,
		"hasResult", len(update.Result) > 0,
	)
	for _, t := range update.Tokens {
		p.logger.DebugContext(ctx, "Token usage", "kind", j.Kind, "model", t.Model, "input", t.InputTokens, "output", t.OutputTokens)
	}
	return j, nil
}

// DefaultHandlers registers h for every known kind.
func DefaultHandlers(h Handler) Handlers {
	handlers := make(Handlers, len(job.Kinds()))
	for _, k := range job.Kinds() {
		handlers[k] = h
	}
	return handlers
}
