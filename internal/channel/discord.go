package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"groupbot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel for Discord text channels. The text
// channel's name plays the role of the group name.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	dl      *downloader
	logger  *slog.Logger

	mu    sync.Mutex
	names map[string]string // channel ID -> name
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string // optional: ignore other guilds
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		dl:      newDownloader(nil),
		logger:  cfg.Logger,
		names:   make(map[string]string),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with the bot token and publishes guild messages until ctx
// is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		if m.GuildID == "" || (d.guildID != "" && m.GuildID != d.guildID) {
			return
		}
		evt := d.toEvent(m.Message, d.channelName(m.ChannelID))
		d.logger.Debug("discord message received",
			"channel_id", m.ChannelID,
			"group", evt.GroupName,
			"media", evt.HasMedia,
		)
		bus.Publish(evt)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error {
	return nil
}

// Send replies to r.ReplyTo in r.ChatID.
func (d *Discord) Send(ctx context.Context, r domain.OutboundReply) error {
	if d.session == nil {
		return errors.New("discord: not connected")
	}
	text := r.Text
	if len(text) > discordMaxMsgLen {
		text = text[:discordMaxMsgLen]
	}
	var err error
	if r.ReplyTo != "" {
		_, err = d.session.ChannelMessageSendReply(r.ChatID, text, &discordgo.MessageReference{
			MessageID: r.ReplyTo,
			ChannelID: r.ChatID,
		})
	} else {
		_, err = d.session.ChannelMessageSend(r.ChatID, text)
	}
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// channelName resolves and caches a channel's display name.
func (d *Discord) channelName(channelID string) string {
	d.mu.Lock()
	name, ok := d.names[channelID]
	d.mu.Unlock()
	if ok {
		return name
	}

	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		ch, err = d.session.Channel(channelID)
	}
	if err != nil {
		d.logger.Warn("discord channel lookup failed", "channel_id", channelID, "err", err)
		return ""
	}

	d.mu.Lock()
	d.names[channelID] = ch.Name
	d.mu.Unlock()
	return ch.Name
}

func (d *Discord) toEvent(m *discordgo.Message, groupName string) domain.InboundEvent {
	evt := discordEvent(m, groupName)
	if evt.HasMedia {
		evt.MediaLoader = d.dl.loader(firstImage(m.Attachments).URL)
	}
	return evt
}

// discordEvent maps message fields. The first image attachment becomes the
// event's media.
func discordEvent(m *discordgo.Message, groupName string) domain.InboundEvent {
	evt := domain.InboundEvent{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		GroupName: groupName,
		TextBody:  m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		evt.SenderID = m.Author.ID
	}
	if a := firstImage(m.Attachments); a != nil {
		evt.HasMedia = true
		evt.MediaMimeType = a.ContentType
	}
	return evt
}

func firstImage(attachments []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range attachments {
		if a != nil && strings.HasPrefix(a.ContentType, "image/") {
			return a
		}
	}
	return nil
}
