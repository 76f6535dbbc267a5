package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"groupbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements domain.Channel for a bot added to Telegram groups.
type Telegram struct {
	token  string
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	dl     *downloader
	logger *slog.Logger
}

type TelegramConfig struct {
	Token  string
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	return &Telegram{
		token:  cfg.Token,
		dl:     newDownloader(nil),
		logger: cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			evt, ok := t.toEvent(update.Message)
			if !ok {
				continue
			}
			t.logger.Debug("telegram message received",
				"chat_id", evt.ChatID,
				"group", evt.GroupName,
				"media", evt.HasMedia,
			)
			bus.Publish(evt)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error {
	return nil
}

// Send posts r.Text as a reply to r.ReplyTo.
func (t *Telegram) Send(ctx context.Context, r domain.OutboundReply) error {
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(r.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", r.ChatID, err)
	}
	msg := tgbotapi.NewMessage(chatID, r.Text)
	if id, err := strconv.Atoi(r.ReplyTo); err == nil {
		msg.ReplyToMessageID = id
		msg.AllowSendingWithoutReply = true
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// toEvent converts a message into an InboundEvent. Media is downloaded
// lazily through the Bot API file endpoint.
func (t *Telegram) toEvent(m *tgbotapi.Message) (domain.InboundEvent, bool) {
	evt, fileID, ok := telegramEvent(m)
	if !ok {
		return evt, false
	}
	if fileID != "" {
		evt.MediaLoader = func(ctx context.Context) ([]byte, error) {
			url, err := t.bot.GetFileDirectURL(fileID)
			if err != nil {
				return nil, fmt.Errorf("telegram file url: %w", err)
			}
			return t.dl.fetch(ctx, url)
		}
	}
	return evt, true
}

// telegramEvent maps the message fields and returns the file ID of the
// attached image, if any. Only group chats produce events.
func telegramEvent(m *tgbotapi.Message) (domain.InboundEvent, string, bool) {
	if m == nil || m.Chat == nil || m.From == nil {
		return domain.InboundEvent{}, "", false
	}
	if !m.Chat.IsGroup() && !m.Chat.IsSuperGroup() {
		return domain.InboundEvent{}, "", false
	}

	evt := domain.InboundEvent{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
		GroupName: m.Chat.Title,
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		TextBody:  m.Text,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if evt.TextBody == "" {
		evt.TextBody = m.Caption
	}

	var fileID string
	switch {
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		fileID = m.Photo[len(m.Photo)-1].FileID
		evt.MediaMimeType = "image/jpeg"
	case m.Sticker != nil && !m.Sticker.IsAnimated:
		fileID = m.Sticker.FileID
		evt.MediaMimeType = "image/webp"
	case m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/"):
		fileID = m.Document.FileID
		evt.MediaMimeType = m.Document.MimeType
	}
	evt.HasMedia = fileID != ""
	return evt, fileID, true
}
