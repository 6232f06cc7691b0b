package llm

import (
	"context"
	"fmt"

	"stackvm/internal/config"
	"stackvm/internal/logging"
	"stackvm/internal/verrors"
)

// Router owns the two logical endpoints the engine uses: Standard for plan
// generation and general text, Reason for condition verdicts and plan
// repair. Both default to the standard model when no reasoning model is
// configured.
type Router struct {
	standard Client
	reason   Client
	logger   logging.Logger
}

// NewRouter builds provider clients from configuration, applying per-model
// overrides from MODEL_CONFIGS and wrapping each client with retries.
func NewRouter(cfg *config.Config) (*Router, error) {
	standard, err := buildClient(cfg, cfg.LLMProvider, cfg.LLMModel)
	if err != nil {
		return nil, err
	}

	reason := standard
	if cfg.ReasonLLMModel != "" {
		provider := cfg.ReasonLLMProvider
		if provider == "" {
			provider = cfg.LLMProvider
		}
		reason, err = buildClient(cfg, provider, cfg.ReasonLLMModel)
		if err != nil {
			return nil, err
		}
	}

	return &Router{
		standard: NewRetryClient(standard, 0),
		reason:   NewRetryClient(reason, 0),
		logger:   logging.NewComponentLogger("llm-router"),
	}, nil
}

// NewRouterWithClients wires explicit clients, bypassing configuration.
func NewRouterWithClients(standard, reason Client) *Router {
	if reason == nil {
		reason = standard
	}
	return &Router{
		standard: standard,
		reason:   reason,
		logger:   logging.NewComponentLogger("llm-router"),
	}
}

func buildClient(cfg *config.Config, provider, model string) (Client, error) {
	baseURL := ""
	apiKey := ""
	if override, ok := cfg.ModelOverride(model); ok {
		if override.Provider != "" {
			provider = override.Provider
		}
		if override.Model != "" {
			model = override.Model
		}
		baseURL = override.BaseURL
		apiKey = override.APIKey
	}

	switch provider {
	case "openai":
		if baseURL == "" {
			baseURL = cfg.OpenAIBaseURL
		}
		if apiKey == "" {
			apiKey = cfg.OpenAIAPIKey
		}
		return NewOpenAIClient(model, Config{BaseURL: baseURL, APIKey: apiKey}), nil
	case "ollama":
		if baseURL == "" {
			baseURL = cfg.OllamaBaseURL
		}
		return NewOllamaClient(model, Config{BaseURL: baseURL}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// Standard returns the general-purpose client.
func (r *Router) Standard() Client { return r.standard }

// Reason returns the reasoning client.
func (r *Router) Reason() Client { return r.reason }

// Generate satisfies the text-generation contract of the llm_generate tool.
func (r *Router) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := r.standard.Complete(ctx, UserMessage(prompt))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

const conditionPromptTemplate = `Evaluate the following condition and reply with a JSON object of the form
{"result": <boolean>, "explanation": "<one sentence>"}.

Condition:
%s
%s`

// verdictStrictAppendix is added when a verdict reply could not be parsed.
const verdictStrictAppendix = "\n\nYour previous reply was not a valid verdict. " +
	"Reply with ONLY the JSON object {\"result\": <boolean>, \"explanation\": \"<one sentence>\"}, no prose."

// EvaluateCondition decides a conditional jump: it asks the reasoning model
// for a `{result, explanation}` verdict on the interpolated prompt. An
// unparseable reply is retried once with a stricter prompt before surfacing.
func (r *Router) EvaluateCondition(ctx context.Context, prompt, contextText string) (bool, string, error) {
	section := ""
	if contextText != "" {
		section = "\nContext:\n" + contextText
	}
	base := fmt.Sprintf(conditionPromptTemplate, prompt, section)

	verdict, err := r.verdictOnce(ctx, base)
	if err != nil {
		if verrors.KindOf(err) != verrors.KindLLMParse {
			return false, "", err
		}
		r.logger.Warn("condition verdict unparseable, retrying with strict prompt: %v", err)
		verdict, err = r.verdictOnce(ctx, base+verdictStrictAppendix)
		if err != nil {
			return false, "", err
		}
	}
	r.logger.Debug("condition verdict=%t: %s", verdict.Result, verdict.Explanation)
	return verdict.Result, verdict.Explanation, nil
}

func (r *Router) verdictOnce(ctx context.Context, prompt string) (*Verdict, error) {
	req := UserMessage(prompt)
	req.ResponseJSON = true
	resp, err := r.reason.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	verdict, err := ParseBoolVerdict(resp.Content)
	if err != nil {
		return nil, verrors.AsError(err).WithDetail("reply", resp.Content)
	}
	return verdict, nil
}
