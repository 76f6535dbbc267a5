package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"groupbot/internal/domain"
)

// Ollama talks to a local or remote Ollama server through /api/generate.
type Ollama struct {
	apiBase string
	model   string
	retries int
	client  *http.Client
	logger  *slog.Logger
}

type OllamaConfig struct {
	APIBase      string // default http://localhost:11434
	DefaultModel string // default llama3.1:8b
	MaxRetries   int
	Client       *http.Client
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	o := &Ollama{
		apiBase: strings.TrimSuffix(cfg.APIBase, "/"),
		model:   cfg.DefaultModel,
		retries: cfg.MaxRetries,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	if o.apiBase == "" {
		o.apiBase = "http://localhost:11434"
	}
	if o.model == "" {
		o.model = "llama3.1:8b"
	}
	if o.client == nil {
		o.client = newHTTPClient(defaultHTTPTimeout)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o *Ollama) Name() string     { return "ollama" }
func (o *Ollama) Models() []string { return []string{o.model} }

// Healthy checks that the server answers and has the configured model pulled.
func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return nil
		}
	}
	return fmt.Errorf("model %s is not pulled (ollama pull %s)", o.model, o.model)
}

type ollamaOptions struct {
	NumPredict    int      `json:"num_predict,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (o *Ollama) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = o.model
	}

	payload, err := json.Marshal(ollamaRequest{
		Model:  model,
		Prompt: req.Prompt,
		Options: ollamaOptions{
			NumPredict:    req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			RepeatPenalty: req.RepetitionPenalty,
			Stop:          []string{"\n"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, o.retries, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/generate", bytes.NewReader(payload))
		if err == nil {
			r.Header.Set("Content-Type", "application/json")
		}
		return r, err
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &out) == nil && out.Error != "" {
			return nil, fmt.Errorf("ollama %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("ollama %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &domain.GenerateResponse{
		Content:      out.Response,
		Model:        model,
		FinishReason: out.DoneReason,
		Usage: domain.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
