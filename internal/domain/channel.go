package domain

import "context"

// Channel is a chat transport (Telegram, Discord, Slack, WhatsApp Web, bridge).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, reply OutboundReply) error
}
