// Package dispatch decides which inbound events get a reply and produces it.
//
// The dispatcher acts only inside the configured target group. Accepted image
// events are written to a short-lived file, optionally archived, analyzed and
// answered; accepted text events are answered from their body. Every accepted
// image or text event yields exactly one reply: if anything on the way fails,
// the reply is a fallback phrase.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"groupbot/internal/bus"
	"groupbot/internal/classifier"
	"groupbot/internal/domain"
	"groupbot/internal/mediastore"
	"groupbot/internal/phrase"
	"groupbot/internal/reply"
)

const defaultConcurrency = 4

// Replier produces reply text for a context phrase. It never fails.
type Replier interface {
	Reply(ctx context.Context, contextPhrase string) reply.Result
	Fallback() string
}

// Config holds the dispatcher's collaborators. Classifier and Archiver are
// optional.
type Config struct {
	TargetGroup  string
	TargetSender string // empty accepts any sender
	Concurrency  int    // max events handled at once
	Bus          domain.MessageBus
	Media        *mediastore.Store
	Classifier   domain.Classifier
	Replier      Replier
	Archiver     domain.Archiver
	Events       *bus.EventBus
	Logger       *slog.Logger
}

// Dispatcher consumes inbound events and sends one reply per handled event.
type Dispatcher struct {
	targetGroup  string
	targetSender string
	concurrency  int
	bus          domain.MessageBus
	media        *mediastore.Store
	classifier   domain.Classifier
	replier      Replier
	archiver     domain.Archiver
	events       *bus.EventBus
	logger       *slog.Logger
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.TargetGroup == "" {
		return nil, errors.New("dispatch: target group is required")
	}
	if cfg.Bus == nil || cfg.Media == nil || cfg.Replier == nil {
		return nil, errors.New("dispatch: bus, media store and replier are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		targetGroup:  cfg.TargetGroup,
		targetSender: cfg.TargetSender,
		concurrency:  cfg.Concurrency,
		bus:          cfg.Bus,
		media:        cfg.Media,
		classifier:   cfg.Classifier,
		replier:      cfg.Replier,
		archiver:     cfg.Archiver,
		events:       cfg.Events,
		logger:       cfg.Logger,
	}, nil
}

// Run handles inbound events until ctx is done or the bus closes, then waits
// for in-flight events to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "group", d.targetGroup, "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case evt, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(e domain.InboundEvent) {
				defer wg.Done()
				defer func() { <-sem }()
				d.Handle(ctx, e)
			}(evt)
		}
	}
}

// Accepts reports whether evt passes the group and sender filters.
func (d *Dispatcher) Accepts(evt domain.InboundEvent) bool {
	if evt.GroupName != d.targetGroup {
		return false
	}
	return d.targetSender == "" || evt.SenderID == d.targetSender
}

// Handle processes one event and returns the reply that was sent, or nil
// when the event was filtered out or carried nothing to answer.
func (d *Dispatcher) Handle(ctx context.Context, evt domain.InboundEvent) *domain.OutboundReply {
	if !d.Accepts(evt) {
		d.logger.Debug("event filtered", "channel", evt.Channel, "chat", evt.ChatID)
		d.emit(bus.EventFiltered, map[string]any{"channel": evt.Channel})
		return nil
	}

	start := time.Now()
	d.emit(bus.EventReceived, map[string]any{"channel": evt.Channel})

	var path string
	switch {
	case evt.IsImage():
		path = "image"
	case evt.TextBody != "":
		path = "text"
	default:
		d.logger.Debug("event has nothing to answer", "channel", evt.Channel, "message", evt.MessageID)
		d.emit(bus.EventIgnored, map[string]any{"channel": evt.Channel})
		return nil
	}

	d.logger.Info("handling event",
		"channel", evt.Channel,
		"chat", evt.ChatID,
		"message", evt.MessageID,
		"path", path,
	)

	text := d.compose(ctx, evt, path)
	out := domain.OutboundReply{
		Channel: evt.Channel,
		ChatID:  evt.ChatID,
		ReplyTo: evt.MessageID,
		Text:    text,
	}
	d.bus.SendOutbound(out)

	latency := time.Since(start)
	d.logger.Info("reply sent", "channel", evt.Channel, "chat", evt.ChatID, "latency", latency)
	d.emit(bus.EventReplySent, map[string]any{"channel": evt.Channel, "path": path, "latency": latency})
	return &out
}

// compose returns the reply text for an accepted event. It always returns a
// non-empty string; panics and errors become a fallback phrase.
func (d *Dispatcher) compose(ctx context.Context, evt domain.InboundEvent, path string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("reply computation panicked", "path", path, "chat", evt.ChatID, "panic", r)
			text = d.fallback(path, fmt.Errorf("panic: %v", r))
		}
	}()

	var contextPhrase string
	if path == "image" {
		p, err := d.imagePhrase(ctx, evt)
		if err != nil {
			d.logger.Warn("image handling failed", "chat", evt.ChatID, "message", evt.MessageID, "err", err)
			return d.fallback(path, err)
		}
		contextPhrase = p
	} else {
		contextPhrase = phrase.FromText(evt.TextBody)
	}

	res := d.replier.Reply(ctx, contextPhrase)
	payload := map[string]any{"source": string(res.Source), "path": path}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	d.emit(bus.EventReplyGenerated, payload)
	return res.Text
}

func (d *Dispatcher) fallback(path string, reason error) string {
	d.emit(bus.EventReplyGenerated, map[string]any{"source": string(reply.SourceFallback), "path": path, "error": reason.Error()})
	return d.replier.Fallback()
}

// imagePhrase stores the image for the duration of analysis and archiving
// and derives the context phrase. The file is gone when it returns.
func (d *Dispatcher) imagePhrase(ctx context.Context, evt domain.InboundEvent) (string, error) {
	data, err := evt.LoadMedia(ctx)
	if err != nil {
		return "", fmt.Errorf("load media: %w", err)
	}

	var contextPhrase string
	err = d.media.With(data, evt.MediaMimeType, func(f *mediastore.File) error {
		// The upload must finish before With removes the file.
		var g errgroup.Group
		defer g.Wait()
		if d.archiver != nil {
			g.Go(func() error {
				d.archive(ctx, f)
				return nil
			})
		}
		contextPhrase = d.analyze(ctx, data, evt.MediaMimeType)
		return nil
	})
	if err != nil {
		return "", err
	}
	return contextPhrase, nil
}

func (d *Dispatcher) analyze(ctx context.Context, data []byte, mimeType string) string {
	if isSticker(mimeType) {
		d.emit(bus.EventClassified, map[string]any{"outcome": "skipped"})
		return phrase.Sticker
	}

	result := d.classifier.Analyze(ctx, data, mimeType)
	outcome := "ok"
	if result == nil {
		outcome = "none"
	}
	d.emit(bus.EventClassified, map[string]any{"outcome": outcome})

	p := phrase.FromAnalysis(result)
	d.logger.Debug("context phrase", "phrase", p)
	return p
}

// archive is best-effort; failures are logged and never affect the reply.
func (d *Dispatcher) archive(ctx context.Context, f *mediastore.File) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("archive panicked", "file", f.Name(), "panic", r)
		}
	}()
	url, err := d.archiver.Upload(ctx, f.Path, f.MimeType)
	if err != nil {
		d.logger.Warn("archive failed", "backend", d.archiver.Name(), "file", f.Name(), "err", err)
		return
	}
	d.logger.Debug("archive done", "backend", d.archiver.Name(), "url", url)
}

// isSticker reports whether media of this type skips analysis.
func isSticker(mimeType string) bool {
	return strings.EqualFold(mimeType, "image/webp")
}

func (d *Dispatcher) emit(eventType string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatch", Payload: payload})
}
