package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"groupbot/internal/archive"
	"groupbot/internal/browser"
	"groupbot/internal/bus"
	"groupbot/internal/channel"
	"groupbot/internal/classifier"
	"groupbot/internal/config"
	"groupbot/internal/dispatch"
	"groupbot/internal/domain"
	"groupbot/internal/ledger"
	"groupbot/internal/mediastore"
	"groupbot/internal/metrics"
	"groupbot/internal/provider"
	"groupbot/internal/reply"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the target group and reply",
		Long:  "Starts every enabled channel and the dispatcher. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)

	var wg sync.WaitGroup

	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.Subscribe(events)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Endpoint, logger); err != nil {
				logger.Error("metrics endpoint error", "err", err)
			}
		}()
	}

	media, err := mediastore.New(mediastore.Config{
		Dir:    cfg.General.MediaDir,
		Prefix: cfg.General.FilePrefix,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	// Files left behind by a crash are never read again.
	if n, err := media.Sweep(); err != nil {
		logger.Warn("media sweep failed", "dir", media.Dir(), "err", err)
	} else if n > 0 {
		logger.Info("removed stale media files", "count", n)
	}

	generator := newGenerator(ctx, cfg, events)

	archiver, closeArchive, err := newArchiver(ctx, cfg, events)
	if err != nil {
		return err
	}
	defer closeArchive()

	var cls domain.Classifier = classifier.Nop{}
	if cfg.Classifier.Enabled {
		cls = newClassifier(cfg)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		TargetGroup:  cfg.General.TargetGroup,
		TargetSender: cfg.General.TargetSender,
		Concurrency:  cfg.General.MaxConcurrentEvents,
		Bus:          messageBus,
		Media:        media,
		Classifier:   cls,
		Replier:      generator,
		Archiver:     archiver,
		Events:       events,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	channels := newChannels(cfg)
	if len(channels) == 0 {
		return errors.New("no channels enabled; enable one under channels.* in the config")
	}
	for _, ch := range channels {
		channel.Attach(ctx, messageBus, ch, events, logger)
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	logger.Info("groupbot started. Press Ctrl+C to stop.", "group", cfg.General.TargetGroup)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// In-flight events get their replies before the transports close.
		<-dispatchDone
		for _, ch := range channels {
			ch.Stop()
		}
		wg.Wait()
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete",
			"received", events.Count(bus.EventReceived),
			"filtered", events.Count(bus.EventFiltered),
			"replies", events.Count(bus.EventReplySent),
			"provider_errors", events.Count(bus.EventProviderError),
			"transport_errors", events.Count(bus.EventTransportError),
			"dropped", messageBus.Dropped(),
		)
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func newClassifier(cfg *config.Config) *classifier.Classifier {
	c := cfg.Classifier
	apiKey := c.APIKey
	if apiKey == "" {
		// The hosted models usually share the text provider's token.
		apiKey = cfg.Providers["huggingface"].APIKey
	}
	return classifier.New(classifier.Config{
		APIBase:     c.APIBase,
		APIKey:      apiKey,
		LabelModel:  c.LabelModel,
		DetectModel: c.DetectModel,
		MaxEdge:     c.MaxEdge,
		Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
		Logger:      logger,
	})
}

// newGenerator always returns a usable generator; without a provider every
// reply comes from the fallback list. events may be nil.
func newGenerator(ctx context.Context, cfg *config.Config, events *bus.EventBus) *reply.Generator {
	factory := provider.NewFactory(cfg, logger)
	if events != nil {
		factory.OnFailure(func(name string, err error) {
			events.Emit(bus.Event{
				Type:    bus.EventProviderError,
				Source:  "provider",
				Payload: map[string]any{"provider": name, "error": err.Error()},
			})
		})
	}

	rc := reply.Config{
		Timeout: time.Duration(cfg.Generator.TimeoutSeconds) * time.Second,
		Logger:  logger,
	}
	chain, err := factory.Generator(ctx)
	switch {
	case err != nil:
		logger.Warn("no text provider available, replies will use fallback phrases", "err", err)
	default:
		rc.Provider = chain
		if err := chain.Healthy(ctx); err != nil {
			logger.Warn("text provider unhealthy at startup", "provider", chain.Name(), "err", err)
		} else {
			logger.Info("text provider healthy", "provider", chain.Name())
		}
	}
	return reply.New(rc)
}

// newArchiver returns nil when archiving is disabled. A ledger that cannot be
// opened only disables dedupe.
func newArchiver(ctx context.Context, cfg *config.Config, events *bus.EventBus) (domain.Archiver, func(), error) {
	noop := func() {}
	if !cfg.Archive.Enabled {
		return nil, noop, nil
	}
	backend, err := archive.New(ctx, cfg.Archive, cfg.General.FilePrefix, logger)
	if err != nil {
		return nil, noop, fmt.Errorf("archive: %w", err)
	}

	svc := archive.ServiceConfig{Backend: backend, Events: events, Logger: logger}
	closeFn := noop
	if cfg.Archive.LedgerPath != "" {
		l, err := ledger.Open(cfg.Archive.LedgerPath, logger)
		if err != nil {
			logger.Warn("archive ledger unavailable, uploads will not be deduplicated", "err", err)
		} else {
			svc.Ledger = l
			closeFn = func() { l.Close() }
		}
	}
	logger.Info("archiving enabled", "backend", backend.Name())
	return archive.NewService(svc), closeFn, nil
}

// configuredChannels names the transports the config enables and has
// credentials for, in start order. It builds nothing.
func configuredChannels(cfg *config.Config) []string {
	c := cfg.Channels
	var names []string
	if c.Telegram.Enabled && c.Telegram.Token != "" {
		names = append(names, "telegram")
	}
	if c.Discord.Enabled && c.Discord.Token != "" {
		names = append(names, "discord")
	}
	if c.Slack.Enabled && c.Slack.BotToken != "" && c.Slack.AppToken != "" {
		names = append(names, "slack")
	}
	if c.WhatsAppWeb.Enabled {
		names = append(names, "whatsapp")
	}
	if c.Bridge.Enabled {
		names = append(names, "bridge")
	}
	return names
}

func newChannels(cfg *config.Config) []domain.Channel {
	c := cfg.Channels
	var out []domain.Channel
	for _, name := range configuredChannels(cfg) {
		switch name {
		case "telegram":
			out = append(out, channel.NewTelegram(channel.TelegramConfig{
				Token:  c.Telegram.Token,
				Logger: logger,
			}))
		case "discord":
			out = append(out, channel.NewDiscord(channel.DiscordConfig{
				Token:   c.Discord.Token,
				GuildID: c.Discord.GuildID,
				Logger:  logger,
			}))
		case "slack":
			out = append(out, channel.NewSlack(channel.SlackConfig{
				BotToken: c.Slack.BotToken,
				AppToken: c.Slack.AppToken,
				Logger:   logger,
			}))
		case "whatsapp":
			out = append(out, channel.NewWhatsAppWeb(channel.WhatsAppWebConfig{
				Browser: browser.NewSession(browser.SessionConfig{
					ProfileDir: c.WhatsAppWeb.ProfileDir,
					Headless:   c.WhatsAppWeb.Headless,
					Logger:     logger,
				}),
				Group:        cfg.General.TargetGroup,
				PollInterval: time.Duration(c.WhatsAppWeb.PollIntervalSeconds) * time.Second,
				Logger:       logger,
			}))
		case "bridge":
			out = append(out, channel.NewBridge(channel.BridgeConfig{
				Host:   c.Bridge.Host,
				Port:   c.Bridge.Port,
				Path:   c.Bridge.Path,
				Token:  c.Bridge.Token,
				Logger: logger,
			}))
		}
	}
	return out
}

// enabledChannels is configuredChannels for display, "none" when empty.
func enabledChannels(cfg *config.Config) []string {
	if names := configuredChannels(cfg); len(names) > 0 {
		return names
	}
	return []string{"none"}
}
