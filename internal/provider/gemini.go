package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"groupbot/internal/domain"
)

const geminiDefaultModel = "gemini-2.0-flash"

// Gemini implements domain.Provider on the Google Gen AI SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

func (g *Gemini) Name() string     { return "gemini" }
func (g *Gemini) Models() []string { return []string{g.model, "gemini-2.0-flash-lite"} }

// Healthy runs a one-token generation since the SDK has no ping.
func (g *Gemini) Healthy(ctx context.Context) error {
	_, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)},
		&genai.GenerateContentConfig{MaxOutputTokens: 1},
	)
	if err != nil {
		return fmt.Errorf("gemini not reachable: %w", err)
	}
	return nil
}

// Generate maps the request onto GenerateContent. RepetitionPenalty has no
// Gemini equivalent and is ignored.
func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = g.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: no candidates returned")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}

	out := &domain.GenerateResponse{
		Content:      sb.String(),
		FinishReason: strings.ToLower(string(resp.Candidates[0].FinishReason)),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}
