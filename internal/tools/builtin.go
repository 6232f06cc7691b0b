package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"stackvm/internal/logging"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// TextGenerator produces free-form text from a prompt. The llm package's
// clients satisfy this.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RetrievalConfig points the retrieval tools at a knowledge base API.
type RetrievalConfig struct {
	BaseURL string
	APIKey  string
	KBID    string
	Client  *http.Client
}

func (rc RetrievalConfig) client() *http.Client {
	if rc.Client != nil {
		return rc.Client
	}
	return http.DefaultClient
}

// RegisterBaseTools installs the three tools every deployment provides.
func RegisterBaseTools(r *Registry, gen TextGenerator, rc RetrievalConfig, logger logging.Logger) {
	r.RegisterBase(NewLLMGenerate(gen))
	r.RegisterBase(NewKnowledgeGraphSearch(rc, logger))
	r.RegisterBase(NewVectorSearch(rc, logger))
}

// llmGenerate answers a prompt with the configured model. JSON object
// replies surface as mappings so multi-variable output binding works.
type llmGenerate struct {
	gen TextGenerator
}

func NewLLMGenerate(gen TextGenerator) Tool { return &llmGenerate{gen: gen} }

func (t *llmGenerate) Metadata() Metadata {
	return Metadata{
		Name: "llm_generate",
		Description: "Generates text with the configured language model. " +
			"Arguments: `prompt` (string), `context` (string or null). " +
			"Returns the model reply as a string, or as a mapping when the reply is a JSON object.",
		Required: []string{"prompt"},
	}
}

func (t *llmGenerate) Invoke(ctx context.Context, params map[string]vm.Value) (vm.Value, error) {
	if t.gen == nil {
		return vm.Value{}, verrors.New(verrors.KindInternal, "llm_generate has no generator configured")
	}
	prompt, ok := params["prompt"].AsString()
	if !ok {
		return vm.Value{}, verrors.New(verrors.KindToolFailed, "llm_generate: prompt must be a string")
	}
	if contextValue, ok := params["context"]; ok && !contextValue.IsNull() {
		prompt = prompt + "\n\nContext:\n" + contextValue.Stringify()
	}

	reply, err := t.gen.Generate(ctx, prompt)
	if err != nil {
		return vm.Value{}, err
	}

	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "{") {
		if parsed, err := vm.FromJSON([]byte(trimmed)); err == nil && parsed.Kind() == vm.KindMap {
			return parsed, nil
		}
	}
	return vm.String(reply), nil
}

// knowledgeGraphSearch queries the knowledge-graph endpoint of the knowledge
// base API.
type knowledgeGraphSearch struct {
	rc  RetrievalConfig
	log logging.Logger
}

func NewKnowledgeGraphSearch(rc RetrievalConfig, logger logging.Logger) Tool {
	return &knowledgeGraphSearch{rc: rc, log: logging.OrNop(logger)}
}

func (t *knowledgeGraphSearch) Metadata() Metadata {
	return Metadata{
		Name: "retrieve_knowledge_graph",
		Description: "Retrieves nodes and relationships from the knowledge graph for a query. " +
			"Arguments: `query` (string). Returns the graph search result.",
		Required: []string{"query"},
	}
}

func (t *knowledgeGraphSearch) Invoke(ctx context.Context, params map[string]vm.Value) (vm.Value, error) {
	query, ok := params["query"].AsString()
	if !ok {
		return vm.Value{}, verrors.New(verrors.KindToolFailed, "retrieve_knowledge_graph: query must be a string")
	}

	body := map[string]any{
		"query":        query,
		"include_meta": false,
		"depth":        2,
		"with_degree":  false,
	}
	if t.rc.KBID != "" {
		body["kb_id"] = t.rc.KBID
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return vm.Value{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.rc.BaseURL, "/")+"/api/v1/admin/graph/search", bytes.NewReader(encoded))
	if err != nil {
		return vm.Value{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.rc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.rc.APIKey)
	}
	return doJSONRequest(t.rc.client(), req)
}

// vectorSearch queries the embedding retrieval endpoint of the knowledge
// base API.
type vectorSearch struct {
	rc  RetrievalConfig
	log logging.Logger
}

func NewVectorSearch(rc RetrievalConfig, logger logging.Logger) Tool {
	return &vectorSearch{rc: rc, log: logging.OrNop(logger)}
}

func (t *vectorSearch) Metadata() Metadata {
	return Metadata{
		Name: "vector_search",
		Description: "Retrieves embedded knowledge chunks matching a query. " +
			"Arguments: `query` (string), `top_k` (integer, default 5). Returns the retrieved chunks.",
		Required: []string{"query"},
	}
}

func (t *vectorSearch) Invoke(ctx context.Context, params map[string]vm.Value) (vm.Value, error) {
	query, ok := params["query"].AsString()
	if !ok {
		return vm.Value{}, verrors.New(verrors.KindToolFailed, "vector_search: query must be a string")
	}
	// top_k is forwarded as given, zero included; the backend decides what
	// counts as a usable value.
	topK := int64(5)
	if raw, ok := params["top_k"]; ok && !raw.IsNull() {
		n, isInt := raw.AsInt()
		if !isInt {
			return vm.Value{}, verrors.New(verrors.KindToolFailed, "vector_search: top_k must be an integer")
		}
		topK = n
	}

	values := url.Values{}
	values.Set("question", query)
	values.Set("chat_engine", "default")
	values.Set("top_k", strconv.FormatInt(topK, 10))
	if t.rc.KBID != "" {
		values.Set("kb_id", t.rc.KBID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(t.rc.BaseURL, "/")+"/api/v1/admin/embedding_retrieve?"+values.Encode(), nil)
	if err != nil {
		return vm.Value{}, err
	}
	req.Header.Set("Accept", "application/json")
	if t.rc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.rc.APIKey)
	}
	return doJSONRequest(t.rc.client(), req)
}

func doJSONRequest(client *http.Client, req *http.Request) (vm.Value, error) {
	resp, err := client.Do(req)
	if err != nil {
		return vm.Value{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return vm.Value{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return vm.Value{}, fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, previewBody(payload))
	}
	result, err := vm.FromJSON(payload)
	if err != nil {
		return vm.Value{}, fmt.Errorf("invalid JSON response from %s: %w", req.URL.Path, err)
	}
	return result, nil
}

func previewBody(payload []byte) string {
	const limit = 200
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "..."
}
