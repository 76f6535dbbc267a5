// Package reply produces the short, emoji-bearing reply posted to the group.
//
// The generator never fails: any problem with the text model, including
// unusable output, yields a phrase from a fixed fallback list instead.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"groupbot/internal/domain"
)

// Generation parameters sent with every request.
const (
	MaxTokens         = 60
	Temperature       = 0.9
	TopP              = 0.92
	RepetitionPenalty = 1.2

	// MaxReplyRunes bounds accepted model output.
	MaxReplyRunes = 1000
)

const promptTemplate = "Write a single short, casual and friendly reply to a group chat message that shows %s. " +
	"Keep it to one sentence and include an emoji.\nReply:"

var (
	errEmptyOutput = errors.New("empty model output")
	errTooLong     = errors.New("model output too long")
)

// Source tells whether a reply came from the model or the fallback list.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// Result is the outcome of one Reply call.
type Result struct {
	Text   string
	Source Source
	Err    error // why the fallback was used; nil for generated replies
}

type Config struct {
	Provider domain.Provider // nil means every reply is a fallback
	Model    string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Generator wraps a text provider with prompt construction, post-processing
// and the fallback policy. It is safe for concurrent use.
type Generator struct {
	provider domain.Provider
	model    string
	timeout  time.Duration
	logger   *slog.Logger
	intN     func(n int) int
}

func New(cfg Config) *Generator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider: cfg.Provider,
		model:    cfg.Model,
		timeout:  timeout,
		logger:   logger,
		intN:     rand.IntN,
	}
}

// Prompt renders the fixed prompt for a context phrase.
func Prompt(contextPhrase string) string {
	return fmt.Sprintf(promptTemplate, contextPhrase)
}

// Reply asks the provider for a reply to contextPhrase. It always returns a
// usable text.
func (g *Generator) Reply(ctx context.Context, contextPhrase string) Result {
	if g.provider == nil {
		return g.fallback(errors.New("no text provider configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.provider.Generate(ctx, domain.GenerateRequest{
		Prompt:            Prompt(contextPhrase),
		Model:             g.model,
		MaxTokens:         MaxTokens,
		Temperature:       Temperature,
		TopP:              TopP,
		RepetitionPenalty: RepetitionPenalty,
	})
	if err != nil {
		return g.fallback(fmt.Errorf("generate: %w", err))
	}

	text, err := g.clean(resp.Content)
	if err != nil {
		return g.fallback(err)
	}

	g.logger.Debug("reply generated",
		"provider", g.provider.Name(),
		"latency_ms", resp.LatencyMs,
		"context", contextPhrase,
	)
	return Result{Text: text, Source: SourceGenerated}
}

// Fallback returns a random fallback phrase.
func (g *Generator) Fallback() string {
	return fallbackPhrases[g.intN(len(fallbackPhrases))]
}

func (g *Generator) fallback(reason error) Result {
	g.logger.Warn("using fallback reply", "err", reason)
	return Result{Text: g.Fallback(), Source: SourceFallback, Err: reason}
}

// clean keeps the first non-blank line, strips wrapping quotes and makes sure
// an emoji is present.
func (g *Generator) clean(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.Trim(text, "\"'`“”‘’ \t"))

	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		return "", errEmptyOutput
	case n > MaxReplyRunes:
		return "", fmt.Errorf("%w: %d characters", errTooLong, n)
	}

	if !HasEmoji(text) {
		text += " " + replyEmojis[g.intN(len(replyEmojis))]
	}
	return text, nil
}
