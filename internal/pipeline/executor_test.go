package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pyris/internal/apperrors"
	"pyris/internal/job"
	"pyris/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runCall struct {
	feature, variant, event string
	path                    string
	payload                 map[string]json.RawMessage
	recordedBefore          int
}

// fakeRunner records dispatches and fails with err when set.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []runCall
	err      error
	recorder *stageRecorder
}

func (f *fakeRunner) Run(_ context.Context, feature, variant, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := runCall{feature: feature, variant: variant, event: event, payload: payload.(map[string]json.RawMessage)}
	if f.recorder != nil {
		call.recordedBefore = len(f.recorder.all())
	}
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeRunner) RunWebhook(_ context.Context, path string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{path: path, payload: payload.(map[string]json.RawMessage)})
	return f.err
}

type stageRecorder struct {
	mu      sync.Mutex
	reports [][]job.Stage
}

func (r *stageRecorder) record(stages []job.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, stages)
}

func (r *stageRecorder) all() [][]job.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]job.Stage(nil), r.reports...)
}

func states(stages []job.Stage) []job.StageState {
	out := make([]job.StageState, len(stages))
	for i, s := range stages {
		out[i] = s.State
	}
	return out
}

type recordedTrigger struct {
	pipeline, variant string
	success           bool
}

type fakeExecutorMetrics struct {
	mu       sync.Mutex
	triggers []recordedTrigger
}

func (m *fakeExecutorMetrics) RecordPipelineTriggered(_ context.Context, pipeline, variant string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, recordedTrigger{pipeline, variant, success})
}

func newMemory(t *testing.T) *registry.Memory {
	t.Helper()
	reg := registry.NewMemory(registry.MemoryConfig{InstanceID: "test", DisableReaper: true})
	t.Cleanup(func() { reg.Close() })
	return reg
}

type lecturePayload struct {
	LectureID int64  `json:"lectureId"`
	Message   string `json:"message"`
}

func TestExecute_HappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newMemory(t)
	recorder := &stageRecorder{}
	runner := &fakeRunner{recorder: recorder}
	metrics := &fakeExecutorMetrics{}
	e := NewExecutor(reg, runner, ExecutorConfig{CallbackBaseURL: "https://artemis.example/api/pyris"}, metrics)

	var mapped job.ExecutionContext
	token, err := e.Execute(ctx, "lecture-chat", "default", job.LectureChat(1, 2, 3, 4),
		func(exec job.ExecutionContext) (any, error) {
			mapped = exec
			return lecturePayload{LectureID: 2, Message: "hi"}, nil
		},
		recorder.record, ExecuteOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	reports := recorder.all()
	require.Len(t, reports, 2)
	assert.Equal(t, []job.StageState{job.StateInProgress, job.StateNotStarted}, states(reports[0]))
	assert.Equal(t, []job.StageState{job.StateDone, job.StateInProgress}, states(reports[1]))
	assert.Equal(t, StagePreparing, reports[0][0].Name)
	assert.Equal(t, StageExecuting, reports[0][1].Name)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, 2, call.recordedBefore, "both reports precede the dispatch")
	assert.Equal(t, "lecture-chat", call.feature)
	assert.Equal(t, "default", call.variant)

	var settings job.ExecutionSettings
	require.NoError(t, json.Unmarshal(call.payload["executionSettings"], &settings))
	assert.Equal(t, token, settings.JobToken)
	assert.Equal(t, "https://artemis.example/api/pyris", settings.CallbackBaseURL)
	require.Len(t, settings.CompletedStages, 1)
	assert.Equal(t, job.StateDone, settings.CompletedStages[0].State)
	assert.JSONEq(t, `2`, string(call.payload["lectureId"]))
	assert.JSONEq(t, `"hi"`, string(call.payload["message"]))

	assert.Equal(t, token, mapped.JobToken)
	assert.Equal(t, "default", mapped.Variant)

	stored, err := reg.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, job.KindLectureChat, stored.Kind)
	assert.Equal(t, []recordedTrigger{{"lecture-chat", "default", true}}, metrics.triggers)
}

func TestExecute_ForwardsEventAndTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newMemory(t)
	runner := &fakeRunner{}
	e := NewExecutor(reg, runner, ExecutorConfig{}, nil)

	token, err := e.Execute(ctx, "programming-exercise-chat", "default", job.ExerciseChat(1, 2, 3, 4), nil, nil,
		ExecuteOptions{Event: "build_failed", TTL: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "build_failed", runner.calls[0].event)

	require.Eventually(t, func() bool {
		_, err := reg.Get(ctx, token)
		return errors.Is(err, apperrors.ErrNotFound)
	}, time.Second, 5*time.Millisecond, "per-call TTL applies")
}

func TestExecute_DispatchFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newMemory(t)
	recorder := &stageRecorder{}
	runner := &fakeRunner{err: apperrors.PipelineDispatch("lecture-chat",
		apperrors.ConnectorUnavailable("connector.run", errors.New("connection refused")))}
	metrics := &fakeExecutorMetrics{}
	e := NewExecutor(reg, runner, ExecutorConfig{}, metrics)

	token, err := e.Execute(ctx, "lecture-chat", "default", job.LectureChat(1, 2, 3, 4),
		func(job.ExecutionContext) (any, error) { return map[string]any{}, nil },
		recorder.record, ExecuteOptions{})
	require.NoError(t, err)

	reports := recorder.all()
	require.Len(t, reports, 3)
	last := reports[2]
	assert.Equal(t, []job.StageState{job.StateDone, job.StateError}, states(last))
	assert.Equal(t, dispatchFailedMessage, last[1].Message)

	_, err = reg.Get(ctx, token)
	assert.NoError(t, err, "job is left to expire")
	assert.Equal(t, []recordedTrigger{{"lecture-chat", "default", false}}, metrics.triggers)
}

func TestExecute_MapperFailureIsReportedLikeDispatchFailure(t *testing.T) {
	t.Parallel()
	recorder := &stageRecorder{}
	runner := &fakeRunner{}
	e := NewExecutor(newMemory(t), runner, ExecutorConfig{}, nil)

	_, err := e.Execute(context.Background(), "rewriting", "default", job.Rewriting(1, 2),
		func(job.ExecutionContext) (any, error) { return nil, errors.New("course not found") },
		recorder.record, ExecuteOptions{})
	require.NoError(t, err)

	assert.Empty(t, runner.calls)
	reports := recorder.all()
	assert.Equal(t, []job.StageState{job.StateDone, job.StateError}, states(reports[len(reports)-1]))
}

func TestExecute_NonObjectPayloadIsRejected(t *testing.T) {
	t.Parallel()
	recorder := &stageRecorder{}
	runner := &fakeRunner{}
	e := NewExecutor(newMemory(t), runner, ExecutorConfig{}, nil)

	_, err := e.Execute(context.Background(), "rewriting", "default", job.Rewriting(1, 2),
		func(job.ExecutionContext) (any, error) { return []int{1, 2}, nil },
		recorder.record, ExecuteOptions{})
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

// brokenRegistry refuses every registration.
type brokenRegistry struct {
	registry.Registry
}

func (brokenRegistry) Register(context.Context, job.Factory) (string, error) {
	return "", apperrors.Internal("registry.register", errors.New("connection refused"))
}

func TestExecute_RegistryFailureReturnsError(t *testing.T) {
	t.Parallel()
	recorder := &stageRecorder{}
	runner := &fakeRunner{}
	e := NewExecutor(brokenRegistry{}, runner, ExecutorConfig{}, nil)

	token, err := e.Execute(context.Background(), "course-chat", "default", job.CourseChat(1, 2, 3), nil, recorder.record, ExecuteOptions{})
	require.ErrorIs(t, err, apperrors.ErrInternal)
	assert.Empty(t, token)
	assert.Empty(t, runner.calls)

	reports := recorder.all()
	require.Len(t, reports, 2)
	assert.Equal(t, []job.StageState{job.StateError, job.StateNotStarted}, states(reports[1]))
}

func TestExecute_TokensAreIndependentPerCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newMemory(t)
	e := NewExecutor(reg, &fakeRunner{}, ExecutorConfig{}, nil)

	const n = 20
	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := e.Execute(ctx, "course-chat", "default", job.CourseChat(1, 2, 3), nil, nil, ExecuteOptions{})
			assert.NoError(t, err)
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]bool)
	for token := range tokens {
		seen[token] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, reg.Len())
}

func TestExecuteWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := newMemory(t)
	runner := &fakeRunner{}
	e := NewExecutor(reg, runner, ExecutorConfig{CallbackBaseURL: "https://artemis.example"}, nil)

	token, err := e.ExecuteWebhook(ctx, "lectures/ingest", job.LectureIngestion(1, 2, 3),
		func(exec job.ExecutionContext) (any, error) {
			return map[string]any{"lectureUnitId": 3}, nil
		}, time.Hour)
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "lectures/ingest", runner.calls[0].path)
	var settings job.ExecutionSettings
	require.NoError(t, json.Unmarshal(runner.calls[0].payload["executionSettings"], &settings))
	assert.Equal(t, token, settings.JobToken)

	stored, err := reg.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, job.KindLectureIngestion, stored.Kind)
}

func TestExecuteWebhook_DispatchFailureIsReturned(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{err: apperrors.PipelineDispatch("faqs/ingest", apperrors.InternalPipeline(400, "bad faq"))}
	e := NewExecutor(newMemory(t), runner, ExecutorConfig{}, nil)

	token, err := e.ExecuteWebhook(context.Background(), "faqs/ingest", job.FaqIngestion(1, 2), nil, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrPipelineDispatch)
	assert.Empty(t, token)
}

func TestBuildRunRequest_NilPayload(t *testing.T) {
	t.Parallel()
	req, err := buildRunRequest(job.ExecutionContext{JobToken: "t"}, func(job.ExecutionContext) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Len(t, req, 1)
	assert.Contains(t, string(req["executionSettings"]), `"jobToken":"t"`)
}
