package domain

import "context"

// Provider is the interface all text-generation backends implement.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
	Models() []string
	Healthy(ctx context.Context) error
}

// GenerateRequest is a single-prompt completion request. Zero-valued sampling
// fields are left to the backend's defaults.
type GenerateRequest struct {
	Prompt            string
	Model             string
	MaxTokens         int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

type GenerateResponse struct {
	Content      string
	Model        string // empty when the backend does not report it
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
