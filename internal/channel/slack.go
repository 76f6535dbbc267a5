package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"groupbot/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Slack receives channel messages over Socket Mode and answers in the thread
// of the triggering message.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string

	mu    sync.Mutex
	names map[string]string // conversation ID -> name
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
		names:    make(map[string]string),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start authenticates, then runs the Socket Mode event loop until ctx ends.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus
	s.client = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))

	auth, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = auth.UserID
	s.logger.Info("slack connected", "user", auth.User, "team", auth.Team)

	h := socketmode.NewSocketmodeHandler(socketmode.New(s.client))
	h.HandleEvents(slackevents.Message, func(evt *socketmode.Event, c *socketmode.Client) {
		c.Ack(*evt.Request)
		if api, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
			s.handleEventsAPI(ctx, api)
		}
	})
	// Unacknowledged envelopes are redelivered.
	h.HandleDefault(func(evt *socketmode.Event, c *socketmode.Client) {
		if evt.Request != nil {
			c.Ack(*evt.Request)
		}
	})

	if err := h.RunEventLoopContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	s.logger.Info("slack disconnected")
	return nil
}

func (s *Slack) Stop() error {
	return nil
}

// Send posts r.Text into the thread of r.ReplyTo.
func (s *Slack) Send(ctx context.Context, r domain.OutboundReply) error {
	if s.client == nil {
		return errors.New("slack: not connected")
	}
	opts := []slack.MsgOption{slack.MsgOptionText(r.Text, false)}
	if r.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(r.ReplyTo))
	}
	if _, _, err := s.client.PostMessageContext(ctx, r.ChatID, opts...); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return
	}
	// Edits, joins and other subtypes are not new messages.
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	evt := slackEvent(ev, s.conversationName(ctx, ev.Channel))
	if evt.HasMedia {
		url := firstSlackImage(messageFiles(ev)).URLPrivateDownload
		evt.MediaLoader = func(ctx context.Context) ([]byte, error) {
			var buf bytes.Buffer
			if err := s.client.GetFileContext(ctx, url, &buf); err != nil {
				return nil, fmt.Errorf("slack file download: %w", err)
			}
			return buf.Bytes(), nil
		}
	}

	s.logger.Debug("slack message received", "channel", ev.Channel, "group", evt.GroupName, "media", evt.HasMedia)
	s.bus.Publish(evt)
}

// conversationName resolves and caches a channel's name.
func (s *Slack) conversationName(ctx context.Context, id string) string {
	s.mu.Lock()
	name, ok := s.names[id]
	s.mu.Unlock()
	if ok {
		return name
	}

	ch, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		s.logger.Warn("slack conversation lookup failed", "channel", id, "err", err)
		return ""
	}

	s.mu.Lock()
	s.names[id] = ch.Name
	s.mu.Unlock()
	return ch.Name
}

func slackEvent(ev *slackevents.MessageEvent, groupName string) domain.InboundEvent {
	evt := domain.InboundEvent{
		Channel:   "slack",
		ChatID:    ev.Channel,
		MessageID: ev.TimeStamp,
		GroupName: groupName,
		SenderID:  ev.User,
		TextBody:  ev.Text,
		Timestamp: slackTime(ev.TimeStamp),
	}
	if f := firstSlackImage(messageFiles(ev)); f != nil {
		evt.HasMedia = true
		evt.MediaMimeType = f.Mimetype
	}
	return evt
}

// messageFiles returns the attachments of a file_share message.
func messageFiles(ev *slackevents.MessageEvent) []slack.File {
	if ev.Message == nil {
		return nil
	}
	return ev.Message.Files
}

func firstSlackImage(files []slack.File) *slack.File {
	for i := range files {
		if strings.HasPrefix(files[i].Mimetype, "image/") && files[i].URLPrivateDownload != "" {
			return &files[i]
		}
	}
	return nil
}

// slackTime parses a message timestamp such as "1709294400.000200".
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var usec int64
	if frac != "" {
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, usec*1000)
}
