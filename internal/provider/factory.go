package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"groupbot/internal/config"
	"groupbot/internal/domain"
)

// Runtime carries the shared dependencies handed to every constructor.
type Runtime struct {
	Client     *http.Client
	MaxRetries int
	Logger     *slog.Logger
}

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(ctx context.Context, pc config.ProviderConfig, rt Runtime) (domain.Provider, error)

// Factory creates and caches text-generation providers from config.
type Factory struct {
	cfg          *config.Config
	rt           Runtime
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	onFailure    func(string, error)
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	timeout := time.Duration(cfg.Generator.TimeoutSeconds) * time.Second
	f := &Factory{
		cfg: cfg,
		rt: Runtime{
			Client:     newHTTPClient(timeout),
			MaxRetries: cfg.Generator.MaxRetries,
			Logger:     logger,
		},
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["huggingface"] = func(_ context.Context, pc config.ProviderConfig, rt Runtime) (domain.Provider, error) {
		return NewHuggingFace(HuggingFaceConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxRetries: rt.MaxRetries, Client: rt.Client, Logger: rt.Logger,
		}), nil
	}

	f.constructors["ollama"] = func(_ context.Context, pc config.ProviderConfig, rt Runtime) (domain.Provider, error) {
		return NewOllama(OllamaConfig{
			APIBase: pc.APIBase, DefaultModel: pc.DefaultModel,
			MaxRetries: rt.MaxRetries, Client: rt.Client, Logger: rt.Logger,
		}), nil
	}

	f.constructors["openai"] = func(_ context.Context, pc config.ProviderConfig, rt Runtime) (domain.Provider, error) {
		return NewOpenAI(OpenAIConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxRetries: rt.MaxRetries, Client: rt.Client, Logger: rt.Logger,
		}), nil
	}

	f.constructors["gemini"] = func(ctx context.Context, pc config.ProviderConfig, rt Runtime) (domain.Provider, error) {
		return NewGemini(ctx, GeminiConfig{APIKey: pc.APIKey, Model: pc.DefaultModel, Logger: rt.Logger})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(ctx context.Context, name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.Generator.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Another goroutine may have created it while we waited.
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]

	var (
		p   domain.Provider
		err error
	)
	switch {
	case found:
		p, err = ctor(ctx, pc, f.rt)
	case pc.APIBase != "" && pc.APIKey != "":
		// Unknown names with a base URL and key are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{
			Name:   name,
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxRetries: f.rt.MaxRetries, Client: f.rt.Client, Logger: f.rt.Logger,
		})
	default:
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}

	f.cache[name] = p
	return p, nil
}

// OnFailure registers a hook the reply chain calls for every failed backend.
func (f *Factory) OnFailure(fn func(provider string, err error)) {
	f.mu.Lock()
	f.onFailure = fn
	f.mu.Unlock()
}

// Generator builds the reply chain: generator.failoverChain when set,
// otherwise just the default provider. Entries that cannot be built are
// skipped with a warning.
func (f *Factory) Generator(ctx context.Context) (*Chain, error) {
	names := f.cfg.Generator.FailoverChain
	if len(names) == 0 {
		names = []string{f.cfg.Generator.DefaultProvider}
	}

	var providers []domain.Provider
	for _, name := range names {
		p, err := f.Get(ctx, name)
		if err != nil {
			f.rt.Logger.Warn("text provider unavailable", "provider", name, "err", err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no usable text provider in %v", names)
	}

	f.mu.RLock()
	hook := f.onFailure
	f.mu.RUnlock()
	return NewChain(ChainConfig{Providers: providers, OnFailure: hook, Logger: f.rt.Logger}), nil
}
