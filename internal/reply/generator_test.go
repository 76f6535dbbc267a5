package reply

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"groupbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubProvider struct {
	content string
	err     error
	delay   time.Duration
	lastReq domain.GenerateRequest
}

func (s *stubProvider) Name() string                      { return "stub" }
func (s *stubProvider) Models() []string                  { return []string{"stub-model"} }
func (s *stubProvider) Healthy(ctx context.Context) error { return nil }

func (s *stubProvider) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	s.lastReq = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.GenerateResponse{Content: s.content}, nil
}

func newTestGenerator(p domain.Provider) *Generator {
	return New(Config{Provider: p, Timeout: time.Second, Logger: testLogger()})
}

func isFallback(s string) bool {
	for _, f := range fallbackPhrases {
		if f == s {
			return true
		}
	}
	return false
}

func TestReply_KeepsGeneratedTextWithEmoji(t *testing.T) {
	g := newTestGenerator(&stubProvider{content: "What a cutie! 🐶"})
	res := g.Reply(context.Background(), "golden retriever with dog")
	if res.Source != SourceGenerated {
		t.Fatalf("expected generated reply, got %s (%v)", res.Source, res.Err)
	}
	if res.Text != "What a cutie! 🐶" {
		t.Errorf("unexpected text %q", res.Text)
	}
}

func TestReply_SendsFixedParameters(t *testing.T) {
	p := &stubProvider{content: "ok 👍"}
	g := newTestGenerator(p)
	g.Reply(context.Background(), "pizza with pizza, knife")

	if p.lastReq.MaxTokens != 60 || p.lastReq.Temperature != 0.9 || p.lastReq.TopP != 0.92 || p.lastReq.RepetitionPenalty != 1.2 {
		t.Errorf("unexpected parameters %+v", p.lastReq)
	}
	if !strings.Contains(p.lastReq.Prompt, "pizza with pizza, knife") {
		t.Errorf("prompt should embed the context phrase: %q", p.lastReq.Prompt)
	}
}

func TestReply_AppendsEmojiWhenMissing(t *testing.T) {
	g := newTestGenerator(&stubProvider{content: "Nice dog"})
	g.intN = func(n int) int { return 2 }

	res := g.Reply(context.Background(), "dog")
	if res.Text != "Nice dog 🔥" {
		t.Fatalf("expected emoji appended, got %q", res.Text)
	}
}

func TestReply_SymbolIsNotAnEmoji(t *testing.T) {
	for _, raw := range []string{"Done ✓", "Nice ★", "Go ⬅"} {
		g := newTestGenerator(&stubProvider{content: raw})
		g.intN = func(n int) int { return 0 }
		if res := g.Reply(context.Background(), "x"); res.Text != raw+" 😊" {
			t.Errorf("Reply(%q) = %q, want an emoji appended", raw, res.Text)
		}
	}
}

func TestReply_FirstLineAndQuotes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"\"So fluffy 😍\"\nSecond line", "So fluffy 😍"},
		{"\n\n  'Wow 😮'  \nmore", "Wow 😮"},
		{"“Beautiful view ✨”", "Beautiful view ✨"},
		{"line one 😂\r\nline two", "line one 😂"},
	}
	for _, tt := range tests {
		g := newTestGenerator(&stubProvider{content: tt.raw})
		res := g.Reply(context.Background(), "x")
		if res.Text != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.raw, res.Text, tt.want)
		}
	}
}

func TestReply_FallbackOnProviderError(t *testing.T) {
	g := newTestGenerator(&stubProvider{err: errors.New("503 model loading")})
	res := g.Reply(context.Background(), "image")
	if res.Source != SourceFallback || !isFallback(res.Text) {
		t.Fatalf("expected fallback, got %+v", res)
	}
	if res.Err == nil {
		t.Error("fallback result should carry the reason")
	}
}

func TestReply_FallbackOnEmptyOutput(t *testing.T) {
	for _, raw := range []string{"", "   ", "\"\"", "\n\n"} {
		g := newTestGenerator(&stubProvider{content: raw})
		res := g.Reply(context.Background(), "image")
		if res.Source != SourceFallback {
			t.Errorf("output %q should fall back, got %q", raw, res.Text)
		}
		if !errors.Is(res.Err, errEmptyOutput) {
			t.Errorf("output %q: expected errEmptyOutput, got %v", raw, res.Err)
		}
	}
}

func TestReply_FallbackOnOverlongOutput(t *testing.T) {
	g := newTestGenerator(&stubProvider{content: strings.Repeat("a", MaxReplyRunes+1)})
	res := g.Reply(context.Background(), "image")
	if res.Source != SourceFallback || !errors.Is(res.Err, errTooLong) {
		t.Fatalf("expected too-long fallback, got %+v", res)
	}
}

func TestReply_ExactlyMaxLengthAccepted(t *testing.T) {
	text := strings.Repeat("é", MaxReplyRunes-1) + "🔥"
	g := newTestGenerator(&stubProvider{content: text})
	res := g.Reply(context.Background(), "image")
	if res.Source != SourceGenerated {
		t.Fatalf("1000 characters should be accepted, got %v", res.Err)
	}
}

func TestReply_FallbackOnTimeout(t *testing.T) {
	g := New(Config{
		Provider: &stubProvider{content: "late 🐢", delay: time.Second},
		Timeout:  20 * time.Millisecond,
		Logger:   testLogger(),
	})
	res := g.Reply(context.Background(), "image")
	if res.Source != SourceFallback {
		t.Fatalf("expected fallback on timeout, got %q", res.Text)
	}
}

func TestReply_NoProvider(t *testing.T) {
	g := newTestGenerator(nil)
	res := g.Reply(context.Background(), "image")
	if res.Source != SourceFallback || !isFallback(res.Text) {
		t.Fatalf("expected fallback without provider, got %+v", res)
	}
}

func TestFallbackPhrases(t *testing.T) {
	phrases := FallbackPhrases()
	if len(phrases) < 8 {
		t.Fatalf("expected at least 8 fallback phrases, got %d", len(phrases))
	}
	found := false
	for _, p := range phrases {
		if p == "Facts! 💯" {
			found = true
		}
		if !HasEmoji(p) {
			t.Errorf("fallback %q has no emoji", p)
		}
	}
	if !found {
		t.Error(`"Facts! 💯" should be a fallback phrase`)
	}
}

func TestFallback_UsesPicker(t *testing.T) {
	g := newTestGenerator(nil)
	g.intN = func(n int) int { return 0 }
	if got := g.Fallback(); got != "Facts! 💯" {
		t.Errorf("Fallback() = %q", got)
	}
}

func TestReplyEmojisAreDetected(t *testing.T) {
	if len(replyEmojis) != 8 {
		t.Fatalf("expected 8 emojis, got %d", len(replyEmojis))
	}
	for _, e := range replyEmojis {
		if !HasEmoji(e) {
			t.Errorf("%q not detected as emoji", e)
		}
	}
}

func TestHasEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"plain text", false},
		{"numbers 123 and #hash", false},
		{"star ⭐", true},
		{"sun ☀️", true},
		{"heart ❤️", true},
		{"check ✅", true},
		{"face 🤖", true},
		{"flag 🇻🇳", true},
		{"Done ✓", false},
		{"Nice ★", false},
		{"Go ⬅", false},
		{"sun ☀", false},
		{"copyright ©", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasEmoji(tt.in); got != tt.want {
			t.Errorf("HasEmoji(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
