package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"groupbot/internal/domain"
)

const defaultCooldown = 30 * time.Second

// ChainConfig configures a Chain.
type ChainConfig struct {
	Providers []domain.Provider
	// Cooldown benches a backend after a failure so the next replies go
	// straight to the one after it. Zero uses 30s; negative disables it.
	Cooldown time.Duration
	// OnFailure is called for every backend that fails a request.
	OnFailure func(provider string, err error)
	Logger    *slog.Logger
}

// Chain asks its backends in order and returns the first answer. A backend
// that just failed is skipped until its cooldown passes, unless every backend
// is benched, in which case all are tried again in order.
type Chain struct {
	providers []domain.Provider
	cooldown  time.Duration
	onFailure func(string, error)
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	benched map[string]time.Time
}

func NewChain(cfg ChainConfig) *Chain {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chain{
		providers: cfg.Providers,
		cooldown:  cfg.Cooldown,
		onFailure: cfg.OnFailure,
		logger:    cfg.Logger,
		now:       time.Now,
		benched:   make(map[string]time.Time),
	}
}

func (c *Chain) Name() string {
	if len(c.providers) == 1 {
		return c.providers[0].Name()
	}
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Models() []string {
	var models []string
	seen := make(map[string]struct{})
	for _, p := range c.providers {
		for _, m := range p.Models() {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				models = append(models, m)
			}
		}
	}
	return models
}

// Healthy succeeds when at least one backend answers its health check.
func (c *Chain) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range c.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		return errors.New("no text provider configured")
	}
	return errors.Join(errs...)
}

// Generate returns the first successful answer. The request's Model is only
// passed to the first backend tried; later ones use their own default.
func (c *Chain) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.GenerateResponse, error) {
	order := c.order()
	if len(order) == 0 {
		return nil, errors.New("no text provider configured")
	}

	var errs []error
	for i, p := range order {
		attempt := req
		if i > 0 {
			attempt.Model = ""
		}
		resp, err := p.Generate(ctx, attempt)
		if err == nil {
			c.restore(p.Name())
			if i > 0 {
				c.logger.Info("reply generated by fallback provider", "provider", p.Name(), "position", i+1)
			}
			return resp, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		c.bench(p.Name())
		if c.onFailure != nil {
			c.onFailure(p.Name(), err)
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("provider failed", "provider", p.Name(), "err", err)
	}
	return nil, fmt.Errorf("text generation failed: %w", errors.Join(errs...))
}

// order lists the backends not on cooldown, or all of them when none is ready.
func (c *Chain) order() []domain.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldown < 0 {
		return c.providers
	}
	now := c.now()
	ready := make([]domain.Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if until, ok := c.benched[p.Name()]; ok && now.Before(until) {
			continue
		}
		ready = append(ready, p)
	}
	if len(ready) == 0 {
		return c.providers
	}
	return ready
}

func (c *Chain) bench(name string) {
	if c.cooldown < 0 || len(c.providers) < 2 {
		return
	}
	c.mu.Lock()
	c.benched[name] = c.now().Add(c.cooldown)
	c.mu.Unlock()
}

func (c *Chain) restore(name string) {
	c.mu.Lock()
	delete(c.benched, name)
	c.mu.Unlock()
}
