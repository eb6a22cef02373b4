package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pyris/internal/apperrors"
	"pyris/internal/auth"
	"pyris/internal/connector"
	"pyris/internal/events"
	"pyris/internal/health"
	"pyris/internal/job"
	"pyris/internal/pipeline"
	"pyris/internal/registry"
	"pyris/pkg/cloudevent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	progressBody = `{"stages":[{"name":"Preparing","weight":10,"state":"DONE"},{"name":"Executing","weight":30,"state":"IN_PROGRESS"}]}`
	finishedBody = `{"stages":[{"name":"Preparing","weight":10,"state":"DONE"},{"name":"Executing","weight":30,"state":"DONE"}],"result":"Hello"}`
)

type fakeVariants struct {
	variants []connector.Variant
	err      error
	feature  string
}

func (f *fakeVariants) ListVariants(_ context.Context, feature string) ([]connector.Variant, error) {
	f.feature = feature
	return f.variants, f.err
}

type fakePublisher struct {
	mu        sync.Mutex
	published []events.Event
	err       error
}

func (p *fakePublisher) Publish(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
	return p.err
}

func (p *fakePublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.published...)
}

type fakeHTTPMetrics struct {
	mu     sync.Mutex
	routes []string
}

func (m *fakeHTTPMetrics) RecordHTTPRequest(_ context.Context, method, route string, _ int, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, method+" "+route)
}

type testServer struct {
	router    http.Handler
	registry  *registry.Memory
	variants  *fakeVariants
	publisher *fakePublisher
	metrics   *fakeHTTPMetrics
}

func newTestServer(t *testing.T, mutate func(*RouterConfig)) *testServer {
	t.Helper()
	reg := registry.NewMemory(registry.MemoryConfig{InstanceID: "test", DisableReaper: true})
	t.Cleanup(func() { _ = reg.Close() })

	s := &testServer{
		registry:  reg,
		variants:  &fakeVariants{},
		publisher: &fakePublisher{},
		metrics:   &fakeHTTPMetrics{},
	}
	cfg := RouterConfig{
		Authenticator: auth.New(reg),
		Dispatcher:    pipeline.NewStatusDispatcher(reg, pipeline.DefaultHandlers(pipeline.NewProgressRecorder()), nil),
		Variants:      s.variants,
		Events:        s.publisher,
		HealthChecker: health.NewChecker(health.Check{Name: "registry", Probe: reg, Critical: true}),
		Metrics:       s.metrics,
		APIKey:        "lms-key",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s.router = NewRouter(cfg)
	return s
}

func (s *testServer) register(t *testing.T, factory job.Factory) string {
	t.Helper()
	token, err := s.registry.Register(context.Background(), factory)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func callback(route, slug, runID, token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/pyris/internal/"+route+"/"+slug+"/runs/"+runID+"/status", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["error"]
}

func TestPipelineStatus_ProgressKeepsJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	token := s.register(t, job.ExerciseChat(1, 2, 3, 4))

	w := s.do(callback("pipelines", "programming-exercise-chat", token, token, progressBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	j, err := s.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "25", j.Data[pipeline.DataProgress])
	assert.Equal(t, "1", j.Data[pipeline.DataUpdates])
}

func TestPipelineStatus_TerminalRemovesJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	token := s.register(t, job.CourseChat(1, 2, 3))

	w := s.do(callback("pipelines", "course-chat", token, token, finishedBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := s.registry.Get(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// A duplicate terminal callback no longer authenticates.
	w = s.do(callback("pipelines", "course-chat", token, token, finishedBody))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPipelineStatus_Rejections(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	token := s.register(t, job.ExerciseChat(1, 2, 3, 4))

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing token", callback("pipelines", "programming-exercise-chat", token, "", progressBody), http.StatusForbidden},
		{"unknown token", callback("pipelines", "programming-exercise-chat", token, "test-1-unknown", progressBody), http.StatusForbidden},
		{"wrong kind", callback("pipelines", "course-chat", token, token, progressBody), http.StatusConflict},
		{"run id mismatch", callback("pipelines", "programming-exercise-chat", "other-run", token, progressBody), http.StatusConflict},
		{"unknown pipeline", callback("pipelines", "exam-chat", token, token, progressBody), http.StatusNotFound},
		{"ingestion slug on pipeline route", callback("pipelines", "lectures", token, token, progressBody), http.StatusNotFound},
		{"malformed body", callback("pipelines", "programming-exercise-chat", token, token, `{"stages":`), http.StatusBadRequest},
		{"unknown stage state", callback("pipelines", "programming-exercise-chat", token, token, `{"stages":[{"name":"A","weight":1,"state":"SKIPPED"}]}`), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, errorMessage(t, w))
		})
	}

	// None of the rejected callbacks touched the job.
	j, err := s.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Empty(t, j.Data)
}

func TestPipelineStatus_HandlerFailure(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(cfg *RouterConfig) {
		failing := pipeline.HandlerFunc(func(context.Context, job.Job, job.StatusUpdate) (job.Job, error) {
			return job.Job{}, errors.New("chat message store unavailable")
		})
		// The registry is never reached when the handler fails.
		cfg.Dispatcher = pipeline.NewStatusDispatcher(nil, pipeline.Handlers{job.KindCourseChat: failing}, nil)
	})
	token := s.register(t, job.CourseChat(1, 2, 3))

	w := s.do(callback("pipelines", "course-chat", token, token, finishedBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	_, err := s.registry.Get(context.Background(), token)
	assert.NoError(t, err, "a failed handler leaves the job registered")
}

func TestWebhookStatus(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	token := s.register(t, job.LectureIngestion(1, 2, 3))

	w := s.do(callback("pipelines", "lectures", token, token, finishedBody))
	assert.Equal(t, http.StatusNotFound, w.Code, "ingestion kinds only use the webhook route")

	w = s.do(callback("webhooks", "lectures", token, token, finishedBody))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := s.registry.Get(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListVariants(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.variants.variants = []connector.Variant{{ID: "default", Name: "Default", Description: "Default variant"}}

	req := httptest.NewRequest(http.MethodGet, "/api/pyris/variants/course-chat", nil)
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	req.Header.Set("Authorization", "Bearer lms-key")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "course-chat", s.variants.feature)

	var got []connector.Variant
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, s.variants.variants, got)
}

func TestListVariants_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"connector unavailable", apperrors.ConnectorUnavailable("variants", errors.New("connection refused")), http.StatusServiceUnavailable},
		{"forbidden", apperrors.Forbidden("variants", http.StatusUnauthorized), http.StatusBadGateway},
		{"pipeline error", apperrors.InternalPipeline(http.StatusInternalServerError, "model overloaded"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, func(cfg *RouterConfig) { cfg.APIKey = "" })
			s.variants.err = tt.err

			w := s.do(httptest.NewRequest(http.MethodGet, "/api/pyris/variants/course-chat", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	s := newTestServer(t, func(cfg *RouterConfig) { cfg.APIKey = "" })
	s.variants.err = apperrors.InternalPipeline(http.StatusInternalServerError, "model overloaded")
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/pyris/variants/course-chat", nil))
	assert.Equal(t, "model overloaded", errorMessage(t, w))
}

func structuredEvent(t *testing.T, kind string, data any) []byte {
	t.Helper()
	ce, err := cloudevent.New(kind, "lms", "course/7", "evt-1", data)
	require.NoError(t, err)
	body, err := json.Marshal(ce)
	require.NoError(t, err)
	return body
}

func eventRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/cloudevents+json")
	if signature != "" {
		req.Header.Set(cloudevent.SignatureHeader, signature)
	}
	return req
}

func TestIngestEvent(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	body := structuredEvent(t, "build_failed", map[string]any{"courseId": 7, "exerciseId": 8, "submissionId": 9})

	w := s.do(eventRequest(body, ""))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	published := s.publisher.events()
	require.Len(t, published, 1)
	assert.Equal(t, events.KindBuildFailed, published[0].Kind)
	assert.Equal(t, "evt-1", published[0].ID)
	assert.Equal(t, int64(7), published[0].CourseID)
	assert.Equal(t, int64(9), published[0].SubmissionID)
	assert.False(t, published[0].OccurredAt.IsZero())
}

func TestIngestEvent_BinaryMode(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/events", bytes.NewBufferString(`{"courseId":3,"faqId":4}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ce-Specversion", "1.0")
	req.Header.Set("Ce-Type", "faq_updated")
	req.Header.Set("Ce-Source", "lms")
	req.Header.Set("Ce-Id", "evt-2")

	require.Equal(t, http.StatusAccepted, s.do(req).Code)
	published := s.publisher.events()
	require.Len(t, published, 1)
	assert.Equal(t, events.KindFaqUpdated, published[0].Kind)
	assert.Equal(t, int64(4), published[0].FaqID)
}

func TestIngestEvent_Signature(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(cfg *RouterConfig) { cfg.EventSigningKey = "event-key" })
	body := structuredEvent(t, "new_result", map[string]any{"courseId": 1})

	assert.Equal(t, http.StatusUnauthorized, s.do(eventRequest(body, "")).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(eventRequest(body, cloudevent.Sign(body, "wrong-key"))).Code)
	assert.Empty(t, s.publisher.events())

	assert.Equal(t, http.StatusAccepted, s.do(eventRequest(body, cloudevent.Sign(body, "event-key"))).Code)
	assert.Len(t, s.publisher.events(), 1)
}

func TestIngestEvent_Invalid(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, s.do(eventRequest([]byte("not json"), "")).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(eventRequest([]byte(`{"specversion":"1.0","id":"x","source":"lms"}`), "")).Code, "type is required")
	assert.Equal(t, http.StatusBadRequest, s.do(eventRequest([]byte(`{"specversion":"1.0","id":"x","source":"lms","type":"new_result","data":[1]}`), "")).Code)
	assert.Empty(t, s.publisher.events())
}

func TestIngestEvent_AcceptedWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.publisher.err = events.ErrQueueFull

	w := s.do(eventRequest(structuredEvent(t, "new_result", map[string]any{"courseId": 1}), ""))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestProbes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var response health.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, health.StatusHealthy, response.Status)
}

func TestReadyz_Statuses(t *testing.T) {
	t.Parallel()
	down := health.CheckFunc(func(context.Context) error { return errors.New("down") })
	ok := health.CheckFunc(func(context.Context) error { return nil })

	tests := []struct {
		name    string
		checker *health.Checker
		want    int
	}{
		{"no checks", health.NewChecker(), http.StatusServiceUnavailable},
		{"registry down", health.NewChecker(health.Check{Name: "registry", Probe: down, Critical: true}), http.StatusServiceUnavailable},
		{"pipeline service down", health.NewChecker(
			health.Check{Name: "registry", Probe: ok, Critical: true},
			health.Check{Name: "pipeline-service", Probe: down},
		), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, func(cfg *RouterConfig) { cfg.HealthChecker = tt.checker })
			assert.Equal(t, tt.want, s.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
		})
	}
}

func TestMetrics_RoutePattern(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	token := s.register(t, job.CourseChat(1, 2, 3))

	s.do(callback("pipelines", "course-chat", token, token, progressBody))
	s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	require.Len(t, s.metrics.routes, 2)
	assert.Equal(t, "POST /api/pyris/internal/pipelines/{kind}/runs/{runId}/status", s.metrics.routes[0])
	assert.NotContains(t, s.metrics.routes[1], "/nope")
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	LoggingMiddleware()(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.True(t, called)
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware()(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		contentType string
		want        int
	}{
		{"text/plain", http.StatusUnsupportedMediaType},
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"application/cloudevents+json", http.StatusOK},
		{"", http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, tt.want, w.Code, tt.contentType)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	CORSMiddleware(nil)(inner).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	restricted := CORSMiddleware([]string{"https://lms.example"})(inner)
	for origin, want := range map[string]string{"https://lms.example": "https://lms.example", "https://evil.example": ""} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		restricted.ServeHTTP(w, req)
		assert.Equal(t, want, w.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}
