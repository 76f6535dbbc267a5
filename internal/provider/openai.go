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

const (
	openAIBase  = "https://api.openai.com/v1"
	openAIModel = "gpt-4o-mini"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	retries int
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	Name       string // defaults to "openai"; set for compatible third-party endpoints
	APIKey     string
	APIBase    string
	Model      string
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	o := &OpenAI{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		retries: cfg.MaxRetries,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	if o.name == "" {
		o.name = "openai"
	}
	if o.apiBase == "" {
		o.apiBase = openAIBase
	}
	if o.model == "" {
		o.model = openAIModel
	}
	if o.client == nil {
		o.client = newHTTPClient(defaultHTTPTimeout)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o *OpenAI) Name() string     { return o.name }
func (o *OpenAI) Models() []string { return []string{o.model} }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := o.request(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: API key rejected", o.name)
	default:
		return fmt.Errorf("%s returned %d", o.name, resp.StatusCode)
	}
}

type oaiRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	N                int          `json:"n"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

type oaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// frequencyPenalty maps a multiplicative repetition penalty (1 = off) onto
// the chat API's additive frequency_penalty range.
func frequencyPenalty(rp float64) *float64 {
	if rp <= 1 {
		return nil
	}
	fp := (rp - 1) * 2
	if fp > 2 {
		fp = 2
	}
	return &fp
}

// Generate sends the prompt as one user message and stops at the first
// newline, since only the first line of a reply is kept.
func (o *OpenAI) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()

	body := oaiRequest{
		Model:            req.Model,
		Messages:         []oaiMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: frequencyPenalty(req.RepetitionPenalty),
		Stop:             []string{"\n"},
		N:                1,
	}
	if body.Model == "" {
		body.Model = o.model
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		body.TopP = &req.TopP
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, o.retries, func() (*http.Request, error) {
		return o.request(ctx, http.MethodPost, "/chat/completions", payload)
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr oaiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%s %d: %s", o.name, resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("%s %d: %s", o.name, resp.StatusCode, raw)
	}

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", o.name)
	}
	return &domain.GenerateResponse{
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAI) request(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.apiBase+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	return req, nil
}
