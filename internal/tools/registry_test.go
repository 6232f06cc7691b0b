package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

type fakeTool struct {
	meta   Metadata
	invoke func(ctx context.Context, params map[string]vm.Value) (vm.Value, error)
}

func (f *fakeTool) Metadata() Metadata { return f.meta }
func (f *fakeTool) Invoke(ctx context.Context, params map[string]vm.Value) (vm.Value, error) {
	return f.invoke(ctx, params)
}

func echoTool(name string) *fakeTool {
	return &fakeTool{
		meta: Metadata{Name: name, Required: []string{"input"}},
		invoke: func(_ context.Context, params map[string]vm.Value) (vm.Value, error) {
			return params["input"], nil
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.RegisterBase(echoTool("base_echo"))
	require.NoError(t, r.Register(echoTool("dynamic_echo")))

	assert.True(t, r.Has("base_echo"))
	assert.True(t, r.Has("dynamic_echo"))

	_, err := r.Get("absent")
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolNotFound, verrors.KindOf(err))

	err = r.Register(echoTool("base_echo"))
	require.Error(t, err, "base names cannot be shadowed")

	require.NoError(t, r.Unregister("dynamic_echo"))
	assert.False(t, r.Has("dynamic_echo"))
	require.Error(t, r.Unregister("base_echo"))
}

func TestNamespaceAllows(t *testing.T) {
	ns := &Namespace{Name: "research", AllowedTools: []string{"vector_search"}}
	require.NoError(t, ns.Validate())
	assert.True(t, ns.Allows("vector_search"))
	assert.False(t, ns.Allows("llm_generate"))

	assert.True(t, Default().Allows("anything"), "an empty allow-list does not restrict")

	bad := &Namespace{Name: "Not Valid!"}
	require.Error(t, bad.Validate())
}

func TestCallerNamespaceEnforcement(t *testing.T) {
	r := NewRegistry()
	r.RegisterBase(echoTool("allowed"))
	r.RegisterBase(echoTool("forbidden"))
	ns := &Namespace{Name: "narrow", AllowedTools: []string{"allowed"}}
	caller := NewCaller(r, ns, 0, nil)

	assert.True(t, caller.Visible("allowed"))
	assert.False(t, caller.Visible("forbidden"))
	assert.False(t, caller.Visible("absent"))

	result, err := caller.CallTool(context.Background(), "allowed", map[string]vm.Value{"input": vm.String("hi")})
	require.NoError(t, err)
	text, _ := result.AsString()
	assert.Equal(t, "hi", text)

	_, err = caller.CallTool(context.Background(), "forbidden", map[string]vm.Value{"input": vm.String("hi")})
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolNotAllowed, verrors.KindOf(err))

	_, err = caller.CallTool(context.Background(), "absent", nil)
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolNotFound, verrors.KindOf(err))
}

func TestCallerRequiredArguments(t *testing.T) {
	r := NewRegistry()
	r.RegisterBase(echoTool("needs_input"))
	caller := NewCaller(r, Default(), 0, nil)

	_, err := caller.CallTool(context.Background(), "needs_input", map[string]vm.Value{})
	require.Error(t, err)
	assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
	assert.Contains(t, err.Error(), "input")
}

func TestCallerTimeout(t *testing.T) {
	r := NewRegistry()
	r.RegisterBase(&fakeTool{
		meta: Metadata{Name: "slow"},
		invoke: func(ctx context.Context, _ map[string]vm.Value) (vm.Value, error) {
			select {
			case <-ctx.Done():
				return vm.Value{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return vm.String("too late"), nil
			}
		},
	})
	caller := NewCaller(r, Default(), 20*time.Millisecond, nil)

	_, err := caller.CallTool(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, verrors.KindTimeout, verrors.KindOf(err))
}

type scriptedGenerator struct{ reply string }

func (s *scriptedGenerator) Generate(_ context.Context, _ string) (string, error) {
	return s.reply, nil
}

func TestLLMGenerateStringAndMapping(t *testing.T) {
	text := NewLLMGenerate(&scriptedGenerator{reply: "plain answer"})
	result, err := text.Invoke(context.Background(), map[string]vm.Value{"prompt": vm.String("q")})
	require.NoError(t, err)
	assert.Equal(t, vm.KindString, result.Kind())

	mapped := NewLLMGenerate(&scriptedGenerator{reply: `{"summary": "s", "details": "d"}`})
	result, err = mapped.Invoke(context.Background(), map[string]vm.Value{"prompt": vm.String("q")})
	require.NoError(t, err)
	require.Equal(t, vm.KindMap, result.Kind())
	m, _ := result.AsMap()
	summary, _ := m["summary"].AsString()
	assert.Equal(t, "s", summary)
}

func TestRetrievalToolsHitAPI(t *testing.T) {
	var graphBody map[string]any
	var searchQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/v1/admin/graph/search":
			require.NoError(t, json.NewDecoder(req.Body).Decode(&graphBody))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"nodes": [], "relationships": []}`))
		case "/api/v1/admin/embedding_retrieve":
			searchQuery = req.URL.Query().Get("question")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"chunk": "text"}]`))
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	rc := RetrievalConfig{BaseURL: server.URL, APIKey: "key", KBID: "kb1"}

	graph := NewKnowledgeGraphSearch(rc, nil)
	result, err := graph.Invoke(context.Background(), map[string]vm.Value{"query": vm.String("tidb versions")})
	require.NoError(t, err)
	assert.Equal(t, vm.KindMap, result.Kind())
	assert.Equal(t, "tidb versions", graphBody["query"])
	assert.Equal(t, "kb1", graphBody["kb_id"])

	search := NewVectorSearch(rc, nil)
	result, err = search.Invoke(context.Background(), map[string]vm.Value{
		"query": vm.String("everest"),
		"top_k": vm.Int(3),
	})
	require.NoError(t, err)
	assert.Equal(t, vm.KindList, result.Kind())
	assert.Equal(t, "everest", searchQuery)
}

func TestCatalogFiltersByNamespace(t *testing.T) {
	r := NewRegistry()
	r.RegisterBase(&fakeTool{meta: Metadata{Name: "alpha", Description: "first tool"}})
	r.RegisterBase(&fakeTool{meta: Metadata{Name: "beta", Description: "second tool", ResultKeys: []string{"x", "y"}}})

	full := Catalog(r, Default())
	assert.Contains(t, full, "## alpha")
	assert.Contains(t, full, "## beta")
	assert.Contains(t, full, "Result keys: x, y")

	narrow := Catalog(r, &Namespace{Name: "n", AllowedTools: []string{"beta"}})
	assert.NotContains(t, narrow, "## alpha")
	assert.Contains(t, narrow, "## beta")
}

func TestCallToolRetriesTransientFailureOnce(t *testing.T) {
	invocations := 0
	r := NewRegistry()
	r.RegisterBase(&fakeTool{
		meta: Metadata{Name: "wobbly"},
		invoke: func(context.Context, map[string]vm.Value) (vm.Value, error) {
			invocations++
			if invocations == 1 {
				return vm.Value{}, errors.New("dial tcp: connection refused")
			}
			return vm.String("ok"), nil
		},
	})
	caller := NewCaller(r, Default(), 5*time.Second, nil)

	result, err := caller.CallTool(context.Background(), "wobbly", nil)
	require.NoError(t, err)
	text, _ := result.AsString()
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, invocations)
}

func TestCallToolDoesNotRetryPlanFaults(t *testing.T) {
	invocations := 0
	r := NewRegistry()
	r.RegisterBase(&fakeTool{
		meta: Metadata{Name: "broken"},
		invoke: func(context.Context, map[string]vm.Value) (vm.Value, error) {
			invocations++
			return vm.Value{}, verrors.New(verrors.KindToolFailed, "bad input")
		},
	})
	caller := NewCaller(r, Default(), 5*time.Second, nil)

	_, err := caller.CallTool(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Equal(t, 1, invocations, "structured non-timeout failures are not transient")
}

func TestVectorSearchForwardsTopKVerbatim(t *testing.T) {
	var topK string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		topK = req.URL.Query().Get("top_k")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	search := NewVectorSearch(RetrievalConfig{BaseURL: server.URL}, nil)
	_, err := search.Invoke(context.Background(), map[string]vm.Value{
		"query": vm.String("anything"),
		"top_k": vm.Int(0),
	})
	require.NoError(t, err, "zero reaches the backend unjudged")
	assert.Equal(t, "0", topK)

	_, err = search.Invoke(context.Background(), map[string]vm.Value{
		"query": vm.String("anything"),
		"top_k": vm.String("five"),
	})
	require.Error(t, err, "non-integer top_k is a plan fault")
	assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
}
