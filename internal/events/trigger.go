package events

import (
	"context"
	"fmt"
	"log/slog"
	"pyris/internal/job"
	"pyris/internal/pipeline"
	"time"
)

// Executor is the part of pipeline.Executor a trigger needs.
type Executor interface {
	Execute(ctx context.Context, pipelineName, variant string, factory job.Factory, mapper pipeline.PayloadMapper, callback pipeline.StatusCallback, opts pipeline.ExecuteOptions) (string, error)
	ExecuteWebhook(ctx context.Context, path string, factory job.Factory, mapper pipeline.PayloadMapper, ttl time.Duration) (string, error)
}

// Route says which pipeline an event kind starts.
type Route struct {
	Pipeline    string // pipeline feature, for pipeline runs
	WebhookPath string // webhook path, for ingestion runs; takes precedence
	Event       string // forwarded as ?event=
	Job         func(e Event) job.Factory
}

// DefaultRoutes returns the routing table used by the service binary.
func DefaultRoutes() map[Kind]Route {
	exerciseChat := func(e Event) job.Factory {
		return job.ExerciseChat(e.CourseID, e.ExerciseID, e.SessionID, e.UserID)
	}
	return map[Kind]Route{
		KindNewResult:       {Pipeline: job.KindExerciseChat.Slug(), Event: "submission_successful", Job: exerciseChat},
		KindBuildFailed:     {Pipeline: job.KindExerciseChat.Slug(), Event: "build_failed", Job: exerciseChat},
		KindProgressStalled: {Pipeline: job.KindExerciseChat.Slug(), Event: "progress_stalled", Job: exerciseChat},
		KindCompetencyJOLSet: {Pipeline: job.KindCourseChat.Slug(), Event: "jol", Job: func(e Event) job.Factory {
			return job.CourseChat(e.CourseID, e.SessionID, e.UserID)
		}},
		KindLectureUnitPublished: {WebhookPath: "lectures/ingest", Job: func(e Event) job.Factory {
			return job.LectureIngestion(e.CourseID, e.LectureID, e.LectureUnitID)
		}},
		KindFaqUpdated: {WebhookPath: "faqs/ingest", Job: func(e Event) job.Factory {
			return job.FaqIngestion(e.CourseID, e.FaqID)
		}},
	}
}

// TriggerConfig configures a PipelineTrigger.
type TriggerConfig struct {
	Variant      string        // variant for pipeline runs (default: "default")
	JobTTL       time.Duration // zero uses the registry default
	IngestionTTL time.Duration // TTL for webhook jobs (default: 1h)
}

// PipelineTrigger is the handler that starts the pipeline routed for an
// event's kind.
type PipelineTrigger struct {
	executor Executor
	routes   map[Kind]Route
	cfg      TriggerConfig
	logger   *slog.Logger
}

// NewPipelineTrigger creates a trigger over routes.
func NewPipelineTrigger(executor Executor, routes map[Kind]Route, cfg TriggerConfig) *PipelineTrigger {
	if cfg.Variant == "" {
		cfg.Variant = "default"
	}
	if cfg.IngestionTTL <= 0 {
		cfg.IngestionTTL = time.Hour
	}
	return &PipelineTrigger{
		executor: executor,
		routes:   routes,
		cfg:      cfg,
		logger:   slog.With("component", "pipeline-trigger"),
	}
}

// Handlers returns this trigger as the handler of every routed kind.
func (t *PipelineTrigger) Handlers() map[Kind]Handler {
	handlers := make(map[Kind]Handler, len(t.routes))
	for k := range t.routes {
		handlers[k] = t
	}
	return handlers
}

// Handle implements Handler.
func (t *PipelineTrigger) Handle(ctx context.Context, e Event) error {
	route, ok := t.routes[e.Kind]
	if !ok || route.Job == nil {
		return fmt.Errorf("no pipeline route for event kind %q", e.Kind)
	}
	factory := route.Job(e)
	mapper := eventPayload(e)

	if route.WebhookPath != "" {
		token, err := t.executor.ExecuteWebhook(ctx, route.WebhookPath, factory, mapper, t.cfg.IngestionTTL)
		if err != nil {
			return err
		}
		t.logger.Info("Ingestion triggered", "kind", e.Kind, "path", route.WebhookPath, "token", job.RedactToken(token))
		return nil
	}

	logger := t.logger.With("kind", e.Kind, "pipeline", route.Pipeline)
	token, err := t.executor.Execute(ctx, route.Pipeline, t.cfg.Variant, factory, mapper,
		func(stages []job.Stage) {
			logger.Debug("Trigger stages", "progress", job.Progress(stages), "failed", job.StatusUpdate{Stages: stages}.Failed())
		},
		pipeline.ExecuteOptions{Event: route.Event, TTL: t.cfg.JobTTL})
	if err != nil {
		return err
	}
	logger.Info("Pipeline triggered", "event", route.Event, "token", job.RedactToken(token))
	return nil
}

// eventPayload forwards the event's ids and attributes as the pipeline
// payload.
func eventPayload(e Event) pipeline.PayloadMapper {
	return func(job.ExecutionContext) (any, error) {
		payload := map[string]any{"courseId": e.CourseID}
		add := func(key string, v int64) {
			if v != 0 {
				payload[key] = v
			}
		}
		add("exerciseId", e.ExerciseID)
		add("lectureId", e.LectureID)
		add("lectureUnitId", e.LectureUnitID)
		add("faqId", e.FaqID)
		add("sessionId", e.SessionID)
		add("userId", e.UserID)
		add("submissionId", e.SubmissionID)
		if len(e.Attributes) > 0 {
			payload["attributes"] = e.Attributes
		}
		return payload, nil
	}
}
