package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/config"
	"stackvm/internal/engine"
	"stackvm/internal/planner"
	"stackvm/internal/store"
	"stackvm/internal/store/filestore"
	"stackvm/internal/tools"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

type fixture struct {
	server  *Server
	engine  *engine.Engine
	backend store.Store
}

type staticTool struct {
	name   string
	result vm.Value
	err    error
}

func (s *staticTool) Metadata() tools.Metadata {
	return tools.Metadata{Name: s.name, Description: "test tool"}
}

func (s *staticTool) Invoke(context.Context, map[string]vm.Value) (vm.Value, error) {
	return s.result, s.err
}

func testPlan() vm.Plan {
	return vm.Plan{Instructions: []vm.Instruction{
		{SeqNo: 0, Type: vm.InstrCalling, Params: map[string]vm.Value{
			"tool_name":   vm.String("lookup"),
			"tool_params": vm.Map(map[string]vm.Value{"query": vm.String("q")}),
			"output_vars": vm.String("info"),
		}},
		{SeqNo: 1, Type: vm.InstrAssign, Params: map[string]vm.Value{
			vm.FinalAnswerVar: vm.String("answer: ${info}"),
		}},
	}}
}

func newFixture(t *testing.T, p planner.Planner, tool tools.Tool) *fixture {
	t.Helper()
	backend, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	registry := tools.NewRegistry()
	if tool != nil {
		registry.RegisterBase(tool)
	}
	cfg := &config.Config{
		MaxRecoveryAttempts:  0,
		MaxValidationRetries: 1,
		ToolCallTimeout:      5 * time.Second,
	}
	promRegistry := prometheus.NewRegistry()
	eng := engine.New(engine.Options{
		Store:    backend,
		Registry: registry,
		Planner:  p,
		Config:   cfg,
		Metrics:  engine.NewMetrics(promRegistry),
	})
	srv := New(Options{
		Engine:  eng,
		Store:   backend,
		Config:  cfg,
		Metrics: promRegistry,
	})
	return &fixture{server: srv, engine: eng, backend: backend}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, nil)
	recorder := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decodeBody(t, recorder)["status"])
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, &staticTool{name: "lookup", result: vm.String("42")})

	recorder := f.do(t, http.MethodPost, "/tasks", jsonMap{"goal": "find it"})
	require.Equal(t, http.StatusCreated, recorder.Code)
	body := decodeBody(t, recorder)
	assert.NotEmpty(t, body["task_id"])
	assert.Equal(t, "main", body["branch"])

	// Missing goal is a 400 with the structured error envelope.
	recorder = f.do(t, http.MethodPost, "/tasks", jsonMap{})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	errBody := decodeBody(t, recorder)["error"].(map[string]any)
	assert.Equal(t, string(verrors.KindValidation), errBody["kind"])

	// Unknown namespace is a 404.
	recorder = f.do(t, http.MethodPost, "/tasks", jsonMap{"goal": "g", "namespace": "ghost"})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

type jsonMap = map[string]any

func TestListTasksPagination(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.engine.StartTask(ctx, engine.StartRequest{Goal: "g"})
		require.NoError(t, err)
	}

	recorder := f.do(t, http.MethodGet, "/tasks?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Len(t, body["tasks"], 2)
	assert.Equal(t, float64(2), body["limit"])
}

func TestTaskInspection(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, &staticTool{name: "lookup", result: vm.String("42")})
	ctx := context.Background()

	task, err := f.engine.StartTask(ctx, engine.StartRequest{Goal: "inspect me"})
	require.NoError(t, err)
	result, err := f.engine.Run(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, result.Completed)

	recorder := f.do(t, http.MethodGet, "/tasks/"+task.ID+"/branches", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, decodeBody(t, recorder)["branches"], 1)

	recorder = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/branches/main/details", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	commits := decodeBody(t, recorder)["commits"].([]any)
	require.NotEmpty(t, commits)
	first := commits[0].(map[string]any)
	assert.Equal(t, string(store.CommitInitial), first["commit_type"])

	last := commits[len(commits)-1].(map[string]any)
	hash := last["commit_hash"].(string)

	recorder = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/commits/"+hash+"/detail", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	detail := decodeBody(t, recorder)
	snapshot := detail["vm_state_snapshot"].(map[string]any)
	assert.Equal(t, true, snapshot["goal_completed"])

	recorder = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/commits/"+hash+"/diff", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, decodeBody(t, recorder)["diff"])

	recorder = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/commits/nope/detail", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/tasks/absent/branches", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestBranchManagement(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, &staticTool{name: "lookup", result: vm.String("42")})
	ctx := context.Background()

	task, err := f.engine.StartTask(ctx, engine.StartRequest{Goal: "branchy"})
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, task.ID)
	require.NoError(t, err)

	head, err := f.backend.Head(ctx, task.ID, store.MainBranch)
	require.NoError(t, err)
	require.NoError(t, f.backend.Fork(ctx, task.ID, store.MainBranch, head.Hash, "scratch"))

	recorder := f.do(t, http.MethodPost, "/tasks/"+task.ID+"/set_branch", jsonMap{"branch": "scratch"})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "scratch", decodeBody(t, recorder)["active_branch"])

	recorder = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/set_branch", jsonMap{"branch": "ghost"})
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = f.do(t, http.MethodDelete, "/tasks/"+task.ID+"/branches/main", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.do(t, http.MethodDelete, "/tasks/"+task.ID+"/branches/scratch", nil)
	assert.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestDynamicUpdateEndpoint(t *testing.T) {
	patched := vm.Plan{Instructions: []vm.Instruction{
		{SeqNo: 0, Type: vm.InstrAssign, Params: map[string]vm.Value{
			vm.FinalAnswerVar: vm.String("repaired"),
		}},
	}}
	broken := &staticTool{name: "lookup", err: verrors.New(verrors.KindToolFailed, "down")}
	f := newFixture(t, &planner.Static{Plan: testPlan(), UpdatePlan: &patched}, broken)
	ctx := context.Background()

	task, err := f.engine.StartTask(ctx, engine.StartRequest{Goal: "fix me"})
	require.NoError(t, err)
	result, err := f.engine.Run(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, result.Completed)

	recorder := f.do(t, http.MethodPost, "/tasks/"+task.ID+"/dynamic_update",
		jsonMap{"suggestion": "skip the tool"})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "update-1", decodeBody(t, recorder)["branch"])

	// Missing suggestion is rejected before touching the engine.
	recorder = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/dynamic_update", jsonMap{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestOptimizeStepValidatesBody(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, nil)
	recorder := f.do(t, http.MethodPost, "/tasks/any/optimize_step", jsonMap{"suggestion": "s"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "seq_no is required")
}

func TestNamespaceCRUD(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, nil)

	recorder := f.do(t, http.MethodPost, "/namespaces",
		jsonMap{"name": "research", "description": "retrieval only", "allowed_tools": []string{"vector_search"}})
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/namespaces/research", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "retrieval only", decodeBody(t, recorder)["description"])

	recorder = f.do(t, http.MethodGet, "/namespaces", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, decodeBody(t, recorder)["namespaces"], 1)

	recorder = f.do(t, http.MethodPost, "/namespaces", jsonMap{"name": "Bad Name"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.do(t, http.MethodDelete, "/namespaces/research", nil)
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = f.do(t, http.MethodGet, "/namespaces/research", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &planner.Static{Plan: testPlan()}, &staticTool{name: "lookup", result: vm.String("42")})
	ctx := context.Background()

	task, err := f.engine.StartTask(ctx, engine.StartRequest{Goal: "count me"})
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, task.ID)
	require.NoError(t, err)

	recorder := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "stackvm_tasks_started_total 1")
	assert.Contains(t, recorder.Body.String(), "stackvm_steps_executed_total")
}
