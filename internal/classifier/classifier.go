// Package classifier runs two hosted vision models over an image: a general
// labeler and an object detector. Their outputs are merged unmodified.
//
// Analyze never returns an error. Unsupported formats and any model failure
// produce a nil result, which callers treat as "no analysis".
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"groupbot/internal/domain"
)

const (
	defaultAPIBase = "https://api-inference.huggingface.co/models"
	defaultTimeout = 30 * time.Second
)

type Config struct {
	APIBase     string
	APIKey      string
	LabelModel  string
	DetectModel string
	MaxEdge     int
	Timeout     time.Duration
	Client      *http.Client
	Logger      *slog.Logger
}

// Classifier queries the Hugging Face Inference API. The model endpoints are
// fixed at construction and never change afterwards.
type Classifier struct {
	apiBase     string
	apiKey      string
	labelModel  string
	detectModel string
	maxEdge     int
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

func New(cfg Config) *Classifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		apiKey:      cfg.APIKey,
		labelModel:  cfg.LabelModel,
		detectModel: cfg.DetectModel,
		maxEdge:     cfg.MaxEdge,
		timeout:     cfg.Timeout,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

// Analyze classifies img with both models concurrently.
func (c *Classifier) Analyze(ctx context.Context, img []byte, mimeType string) *domain.AnalysisResult {
	p, err := prepare(img, c.maxEdge)
	if err != nil {
		c.logger.Info("image not analyzed", "mime_type", mimeType, "err", err)
		return nil
	}
	defer p.release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		labels     []domain.Classification
		detections []domain.Detection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		labels, err = c.classify(gctx, p)
		return err
	})
	g.Go(func() error {
		var err error
		detections, err = c.detect(gctx, p)
		return err
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn("image analysis failed", "err", err)
		return nil
	}

	c.logger.Debug("image analyzed", "labels", len(labels), "detections", len(detections))
	return &domain.AnalysisResult{Classifications: labels, Detections: detections}
}

// Healthy checks that both model endpoints answer.
func (c *Classifier) Healthy(ctx context.Context) error {
	for _, model := range []string{c.labelModel, c.detectModel} {
		req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/"+model, nil)
		if err != nil {
			return err
		}
		c.authorize(req)
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s not reachable: %w", model, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusMethodNotAllowed:
		default:
			return fmt.Errorf("%s returned %d", model, resp.StatusCode)
		}
	}
	return nil
}

type labelResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type detectionResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   struct {
		XMin int `json:"xmin"`
		YMin int `json:"ymin"`
		XMax int `json:"xmax"`
		YMax int `json:"ymax"`
	} `json:"box"`
}

func (c *Classifier) classify(ctx context.Context, p *payload) ([]domain.Classification, error) {
	var out []labelResult
	if err := c.infer(ctx, c.labelModel, p, &out); err != nil {
		return nil, fmt.Errorf("labeler: %w", err)
	}
	labels := make([]domain.Classification, len(out))
	for i, r := range out {
		labels[i] = domain.Classification{Label: r.Label, Confidence: r.Score}
	}
	return labels, nil
}

func (c *Classifier) detect(ctx context.Context, p *payload) ([]domain.Detection, error) {
	var out []detectionResult
	if err := c.infer(ctx, c.detectModel, p, &out); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	detections := make([]domain.Detection, len(out))
	for i, r := range out {
		detections[i] = domain.Detection{Class: r.Label, Confidence: r.Score}
	}
	return detections, nil
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Classifier) infer(ctx context.Context, model string, p *payload, out any) error {
	if model == "" {
		return errors.New("model not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/"+model, bytes.NewReader(p.data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", p.contentType)
	req.Header.Set("X-Wait-For-Model", "true")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Classifier) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Nop is used when image analysis is disabled. It always reports no result.
type Nop struct{}

func (Nop) Analyze(context.Context, []byte, string) *domain.AnalysisResult { return nil }
