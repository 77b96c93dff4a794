package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/lookout/internal/config"
)

const systemPrompt = "You are a visual inspection classifier. Reply with JSON only."

// ModelAgent classifies frames with a vision-capable LLM.
type ModelAgent struct {
	name      string
	provider  model.Provider
	maxTokens int
	timeout   time.Duration
}

func NewModelAgent(name string, provider model.Provider, maxTokens int, timeout time.Duration) *ModelAgent {
	return &ModelAgent{name: name, provider: provider, maxTokens: maxTokens, timeout: timeout}
}

func (a *ModelAgent) Name() string { return a.name }

func (a *ModelAgent) Timeout() time.Duration { return a.timeout }

func (a *ModelAgent) Classify(ctx context.Context, img Image, prompt string) (Verdict, error) {
	if len(img.Data) == 0 {
		return Verdict{}, fmt.Errorf("empty image")
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(img.Data)
	}

	mdl, err := a.provider.Model(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve model: %w", err)
	}

	resp, err := mdl.Complete(ctx, model.Request{
		System:    systemPrompt,
		MaxTokens: a.maxTokens,
		Messages: []model.Message{{
			Role: "user",
			ContentBlocks: []model.ContentBlock{
				{Type: model.ContentBlockText, Text: prompt},
				{Type: model.ContentBlockImage, MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(img.Data)},
			},
		}},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return Verdict{}, fmt.Errorf("empty response")
	}

	v, err := ParseVerdict(resp.Message.Content)
	if err != nil {
		return Verdict{}, err
	}
	v.Agent = a.name
	return v, nil
}

// ParseVerdict decodes a model reply. Markdown code fences and text around
// the JSON object are tolerated.
func ParseVerdict(reply string) (Verdict, error) {
	raw := strings.TrimSpace(reply)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var out struct {
		State      string   `json:"state"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	state, err := ParseState(out.State)
	if err != nil || !state.Terminal() {
		return Verdict{}, fmt.Errorf("parse verdict: invalid state %q", out.State)
	}
	if out.Confidence == nil {
		return Verdict{}, fmt.Errorf("parse verdict: missing confidence")
	}
	conf := *out.Confidence
	if conf < 0 || conf > 1 {
		return Verdict{}, fmt.Errorf("parse verdict: confidence %v out of range", conf)
	}
	return Verdict{State: state, Confidence: conf, Reasoning: strings.TrimSpace(out.Reasoning)}, nil
}

// RuleAgent is the fallback when no model agent is configured. It never
// claims a definite outcome.
type RuleAgent struct {
	name       string
	confidence float64
}

func NewRuleAgent(name string, confidence float64) *RuleAgent {
	if name == "" {
		name = "rules"
	}
	return &RuleAgent{name: name, confidence: confidence}
}

func (r *RuleAgent) Name() string { return r.name }

func (r *RuleAgent) Classify(ctx context.Context, img Image, prompt string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if len(img.Data) == 0 {
		return Verdict{}, fmt.Errorf("empty image")
	}
	return Verdict{
		Agent:      r.name,
		State:      StateUncertain,
		Confidence: r.confidence,
		Reasoning:  "no classifier model configured; manual review required",
	}, nil
}

// NewAgentsFromConfig builds agents in configured order. With no agents
// configured a single rule agent is returned.
func NewAgentsFromConfig(cfg *config.Config) ([]Agent, error) {
	if len(cfg.Classifier.Agents) == 0 {
		return []Agent{NewRuleAgent("rules", 0)}, nil
	}

	defTimeout := config.Duration(cfg.Classifier.Timeout, DefaultTimeout)
	seen := make(map[string]bool)
	agents := make([]Agent, 0, len(cfg.Classifier.Agents))
	for i, ac := range cfg.Classifier.Agents {
		name := strings.TrimSpace(ac.Name)
		if name == "" {
			name = fmt.Sprintf("agent-%d", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate classifier agent name %q", name)
		}
		seen[name] = true

		kind := strings.ToLower(strings.TrimSpace(ac.Type))
		if kind == "" {
			kind = cfg.Provider.Type
		}
		if kind == "rule" {
			conf := 0.0
			if ac.Confidence != nil {
				conf = *ac.Confidence
			}
			agents = append(agents, NewRuleAgent(name, conf))
			continue
		}

		apiKey := ac.APIKey
		if apiKey == "" {
			apiKey = cfg.Provider.APIKey
		}
		if apiKey == "" {
			return nil, fmt.Errorf("classifier agent %q: API key not set", name)
		}
		baseURL := ac.BaseURL
		if baseURL == "" {
			baseURL = cfg.Provider.BaseURL
		}
		modelName := ac.Model
		if modelName == "" {
			modelName = config.DefaultModel
		}
		maxTokens := ac.MaxTokens
		if maxTokens <= 0 {
			maxTokens = config.DefaultMaxTokens
		}

		var provider model.Provider
		switch kind {
		case "openai":
			provider = &model.OpenAIProvider{
				APIKey:    apiKey,
				BaseURL:   baseURL,
				ModelName: modelName,
				MaxTokens: maxTokens,
			}
		case "", "anthropic":
			provider = &model.AnthropicProvider{
				APIKey:    apiKey,
				BaseURL:   baseURL,
				ModelName: modelName,
				MaxTokens: maxTokens,
			}
		default:
			return nil, fmt.Errorf("classifier agent %q: unknown type %q", name, ac.Type)
		}

		agents = append(agents, NewModelAgent(name, provider, maxTokens, config.Duration(ac.Timeout, defTimeout)))
	}
	return agents, nil
}
