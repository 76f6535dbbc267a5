// Package channel contains the chat transports. Each transport turns platform
// messages into domain.InboundEvent values on the bus and delivers replies
// back to the chat they came from.
package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"groupbot/internal/bus"
	"groupbot/internal/domain"
)

// maxMediaBytes caps downloads of attachments.
const maxMediaBytes = 25 << 20

// sendTimeout bounds one reply delivery.
const sendTimeout = 30 * time.Second

// Attach routes replies addressed to ch through ch.Send. Send failures are
// logged and reported as transport errors; nothing is retried. Deliveries
// outlive ctx so replies for in-flight events still go out during shutdown.
func Attach(ctx context.Context, mb domain.MessageBus, ch domain.Channel, events *bus.EventBus, logger *slog.Logger) {
	name := ch.Name()
	base := context.WithoutCancel(ctx)
	mb.OnOutbound(name, func(r domain.OutboundReply) {
		if r.Text == "" {
			return
		}
		sendCtx, cancel := context.WithTimeout(base, sendTimeout)
		defer cancel()
		if err := ch.Send(sendCtx, r); err != nil {
			logger.Error("reply delivery failed", "channel", name, "chat", r.ChatID, "err", err)
			if events != nil {
				events.Emit(bus.Event{
					Type:    bus.EventTransportError,
					Source:  name,
					Payload: map[string]any{"channel": name, "error": err.Error()},
				})
			}
		}
	})
}

// downloader fetches attachment bytes over HTTP.
type downloader struct {
	client *http.Client
	header http.Header
}

func newDownloader(header http.Header) *downloader {
	return &downloader{client: &http.Client{Timeout: 60 * time.Second}, header: header}
}

func (d *downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range d.header {
		req.Header[k] = v
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("download media: larger than %d bytes", maxMediaBytes)
	}
	return data, nil
}

// loader returns a lazy MediaLoader for url.
func (d *downloader) loader(url string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return d.fetch(ctx, url)
	}
}
