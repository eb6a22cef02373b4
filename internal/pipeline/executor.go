// Package pipeline runs the two halves of a pipeline job: dispatching the
// run (Executor) and applying the callbacks that report its progress
// (StatusDispatcher).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"pyris/internal/apperrors"
	"pyris/internal/job"
	"pyris/internal/registry"
	"time"
)

// Stage plan reported while a run is dispatched.
const (
	StagePreparing = "Preparing"
	StageExecuting = "Executing"

	preparingWeight = 10
	executingWeight = 30

	// dispatchFailedMessage is all the end user sees of a failed dispatch.
	dispatchFailedMessage = "An internal error occurred"
)

// Runner is the part of the connector the executor needs.
type Runner interface {
	Run(ctx context.Context, feature, variant, event string, payload any) error
	RunWebhook(ctx context.Context, path string, payload any) error
}

// PayloadMapper builds the pipeline-specific part of a run request. It is
// given the job token and the stages already completed on this side.
type PayloadMapper func(exec job.ExecutionContext) (any, error)

// StatusCallback receives the locally produced stage list.
type StatusCallback func(stages []job.Stage)

// ExecuteOptions tune a single Execute call.
type ExecuteOptions struct {
	Event string        // forwarded as ?event=, empty for none
	TTL   time.Duration // registry TTL, zero for the registry default
}

// ExecutorMetrics is an optional interface for recording dispatches.
type ExecutorMetrics interface {
	RecordPipelineTriggered(ctx context.Context, pipeline, variant string, success bool)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	CallbackBaseURL string // handed to the pipeline for its status callbacks
}

// Executor registers jobs and dispatches them to the pipeline service.
type Executor struct {
	registry registry.Registry
	runner   Runner
	cfg      ExecutorConfig
	metrics  ExecutorMetrics
	logger   *slog.Logger
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(reg registry.Registry, runner Runner, cfg ExecutorConfig, metrics ExecutorMetrics) *Executor {
	return &Executor{
		registry: reg,
		runner:   runner,
		cfg:      cfg,
		metrics:  metrics,
		logger:   slog.With("component", "executor"),
	}
}

// Execute registers a job and starts the pipeline for it, returning the
// job token as soon as the run request has been answered.
//
// The callback sees {Preparing=in_progress, Executing=not_started} before
// any I/O and {Preparing=done, Executing=in_progress} before the dispatch.
// A failed dispatch is reported as Executing=error and is not returned: the
// job stays registered and expires by TTL. Only a registry failure, after
// which nothing was scheduled, is returned as an error.
func (e *Executor) Execute(ctx context.Context, pipelineName, variant string, factory job.Factory, mapper PayloadMapper, callback StatusCallback, opts ExecuteOptions) (string, error) {
	preparing := job.NewStage(StagePreparing, preparingWeight)
	executing := job.NewStage(StageExecuting, executingWeight)
	report := func(stages ...job.Stage) {
		if callback != nil {
			callback(stages)
		}
	}

	report(preparing.With(job.StateInProgress), executing)

	token, err := e.register(ctx, factory, opts.TTL)
	if err != nil {
		e.logger.Error("Failed to register job", "pipeline", pipelineName, "variant", variant, "error", err)
		report(preparing.WithError(dispatchFailedMessage), executing)
		return "", err
	}

	preparingDone := preparing.With(job.StateDone)
	exec := job.ExecutionContext{
		JobToken:        token,
		InitialStages:   []job.Stage{preparingDone},
		CallbackBaseURL: e.cfg.CallbackBaseURL,
		Variant:         variant,
	}

	report(preparingDone, executing.With(job.StateInProgress))

	request, err := buildRunRequest(exec, mapper)
	if err == nil {
		err = e.runner.Run(ctx, pipelineName, variant, opts.Event, request)
	}
	e.record(ctx, pipelineName, variant, err == nil)
	if err != nil {
		e.logger.Warn("Pipeline dispatch failed", "pipeline", pipelineName, "variant", variant, "token", job.RedactToken(token), "error", err)
		report(preparingDone, executing.WithError(dispatchFailedMessage))
		return token, nil
	}

	e.logger.Debug("Pipeline dispatched", "pipeline", pipelineName, "variant", variant, "event", opts.Event, "token", job.RedactToken(token))
	return token, nil
}

// ExecuteWebhook registers a job and posts a one-shot ingestion or deletion
// request for it. Unlike Execute it has no caller-visible stages, so a
// dispatch failure is returned.
func (e *Executor) ExecuteWebhook(ctx context.Context, path string, factory job.Factory, mapper PayloadMapper, ttl time.Duration) (string, error) {
	token, err := e.register(ctx, factory, ttl)
	if err != nil {
		return "", err
	}

	exec := job.ExecutionContext{
		JobToken:        token,
		InitialStages:   []job.Stage{},
		CallbackBaseURL: e.cfg.CallbackBaseURL,
	}
	request, err := buildRunRequest(exec, mapper)
	if err == nil {
		err = e.runner.RunWebhook(ctx, path, request)
	}
	e.record(ctx, path, "webhook", err == nil)
	if err != nil {
		e.logger.Warn("Webhook dispatch failed", "path", path, "token", job.RedactToken(token), "error", err)
		return "", err
	}
	return token, nil
}

func (e *Executor) register(ctx context.Context, factory job.Factory, ttl time.Duration) (string, error) {
	if ttl > 0 {
		return e.registry.RegisterWithTTL(ctx, factory, ttl)
	}
	return e.registry.Register(ctx, factory)
}

func (e *Executor) record(ctx context.Context, pipelineName, variant string, success bool) {
	if e.metrics != nil {
		e.metrics.RecordPipelineTriggered(ctx, pipelineName, variant, success)
	}
}

// buildRunRequest merges executionSettings into the mapped payload, which
// must encode as a JSON object (or null).
func buildRunRequest(exec job.ExecutionContext, mapper PayloadMapper) (map[string]json.RawMessage, error) {
	request := make(map[string]json.RawMessage)

	if mapper != nil {
		payload, err := mapper(exec)
		if err != nil {
			return nil, fmt.Errorf("map payload: %w", err)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Internal("pipeline.payload", err)
		}
		if err := json.Unmarshal(raw, &request); err != nil {
			return nil, apperrors.Validation("payload", "must encode as a JSON object")
		}
		if request == nil {
			request = make(map[string]json.RawMessage)
		}
	}

	settings, err := json.Marshal(exec.Settings())
	if err != nil {
		return nil, apperrors.Internal("pipeline.settings", err)
	}
	request["executionSettings"] = settings
	return request, nil
}
