package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoMedia is returned by LoadMedia when the event carries no media.
var ErrNoMedia = errors.New("event has no media")

// InboundEvent is a single message observed by a transport. It is consumed
// once by the dispatcher and never persisted.
type InboundEvent struct {
	Channel       string
	ChatID        string
	MessageID     string
	GroupName     string // display name of the group the message was posted in
	SenderID      string
	HasMedia      bool
	MediaBytes    []byte
	MediaMimeType string
	// MediaLoader fetches the media bytes on demand. Transports set it when
	// downloading is expensive so nothing is fetched for filtered events.
	MediaLoader func(ctx context.Context) ([]byte, error)
	TextBody    string
	Timestamp   time.Time
}

// IsImage reports whether the event carries an image attachment.
func (e InboundEvent) IsImage() bool {
	return e.HasMedia && strings.HasPrefix(e.MediaMimeType, "image/")
}

// LoadMedia returns the media payload, invoking MediaLoader when the bytes
// were not delivered inline.
func (e InboundEvent) LoadMedia(ctx context.Context) ([]byte, error) {
	if !e.HasMedia {
		return nil, ErrNoMedia
	}
	if len(e.MediaBytes) > 0 {
		return e.MediaBytes, nil
	}
	if e.MediaLoader == nil {
		return nil, ErrNoMedia
	}
	return e.MediaLoader(ctx)
}

// OutboundReply is a text reply addressed to the message that triggered it.
type OutboundReply struct {
	Channel string
	ChatID  string
	ReplyTo string // message ID being replied to; empty posts a plain message
	Text    string
}
