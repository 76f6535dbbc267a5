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
	hfDefaultBase  = "https://api-inference.huggingface.co/models"
	hfDefaultModel = "gpt2-medium"
)

// HuggingFace implements domain.Provider for the hosted Inference API
// text-generation task.
type HuggingFace struct {
	apiKey  string
	apiBase string
	model   string
	retries int
	client  *http.Client
	logger  *slog.Logger
}

type HuggingFaceConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.APIBase == "" {
		cfg.APIBase = hfDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = hfDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HuggingFace{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		retries: cfg.MaxRetries,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (h *HuggingFace) Name() string     { return "huggingface" }
func (h *HuggingFace) Models() []string { return []string{h.model} }

// Healthy asks the model endpoint for its status without running inference.
func (h *HuggingFace) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", h.apiBase+"/"+h.model, nil)
	if err != nil {
		return err
	}
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("huggingface not reachable: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusMethodNotAllowed:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("huggingface: invalid API key")
	default:
		return fmt.Errorf("huggingface returned %d", resp.StatusCode)
	}
}

func (h *HuggingFace) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
	Options    hfOptions    `json:"options"`
}

type hfParameters struct {
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	DoSample          bool     `json:"do_sample"`
	ReturnFullText    bool     `json:"return_full_text"`
}

type hfOptions struct {
	WaitForModel bool `json:"wait_for_model"`
	UseCache     bool `json:"use_cache"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
}

type hfError struct {
	Error string `json:"error"`
}

func (h *HuggingFace) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = h.model
	}

	body := hfRequest{
		Inputs: req.Prompt,
		Parameters: hfParameters{
			MaxNewTokens:   req.MaxTokens,
			DoSample:       true,
			ReturnFullText: false,
		},
		Options: hfOptions{WaitForModel: true, UseCache: false},
	}
	if req.Temperature > 0 {
		body.Parameters.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		body.Parameters.TopP = &req.TopP
	}
	if req.RepetitionPenalty > 0 {
		body.Parameters.RepetitionPenalty = &req.RepetitionPenalty
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, h.client, h.retries, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", h.apiBase+"/"+model, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		h.authorize(httpReq)
		return httpReq, nil
	}, h.logger)
	if err != nil {
		return nil, fmt.Errorf("huggingface request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e hfError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("huggingface %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("huggingface %d: %s", resp.StatusCode, string(raw))
	}

	var gens []hfGeneration
	if err := json.Unmarshal(raw, &gens); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(gens) == 0 {
		return nil, fmt.Errorf("huggingface: no generations returned")
	}

	// Some deployments ignore return_full_text and echo the prompt.
	text := strings.TrimPrefix(gens[0].GeneratedText, req.Prompt)

	return &domain.GenerateResponse{
		Content:      text,
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
