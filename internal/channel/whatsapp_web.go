package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"groupbot/internal/browser"
	"groupbot/internal/domain"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	whatsAppURL = "https://web.whatsapp.com"

	// WhatsAppReadySelector appears once the chat list has loaded, i.e. the
	// session is logged in.
	WhatsAppReadySelector = "#pane-side"

	waSearchBox  = `div[contenteditable="true"][data-tab="3"]`
	waComposeBox = `footer div[contenteditable="true"]`

	// waWindow is how many trailing bubbles are inspected per poll.
	waWindow = 30

	// waMaxAttempts bounds how many polls a bubble may stay unresolved
	// (image still loading or failing to fetch) before it is dropped.
	waMaxAttempts = 10
)

// waListScript lists the trailing incoming bubbles of the open chat.
// Outgoing bubbles have data-id values starting with "true_".
const waListScript = `(() => {
  const rows = Array.from(document.querySelectorAll('#main div[data-id]')).slice(-%d);
  const out = [];
  for (const row of rows) {
    const id = row.getAttribute('data-id');
    if (!id || id.startsWith('true_')) continue;
    const meta = row.querySelector('[data-pre-plain-text]');
    const text = row.querySelector('span.selectable-text');
    out.push({
      id: id,
      meta: meta ? meta.getAttribute('data-pre-plain-text') : '',
      text: text ? text.innerText : '',
      image: row.querySelector('img[src^="blob:"]') !== null,
      loading: row.querySelector('img[src^="blob:"]') === null &&
        row.querySelector('img:not(.emoji)[src^="data:"]') !== null,
    });
  }
  return JSON.stringify(out);
})()`

// waImageScript resolves a bubble's blob image into a data URL.
const waImageScript = `(async () => {
  const img = document.querySelector('#main div[data-id=' + JSON.stringify(%s) + '] img[src^="blob:"]');
  if (!img) return '';
  const blob = await (await fetch(img.src)).blob();
  return await new Promise((resolve, reject) => {
    const r = new FileReader();
    r.onload = () => resolve(r.result);
    r.onerror = reject;
    r.readAsDataURL(blob);
  });
})()`

// WhatsAppWebConfig configures the WhatsApp Web channel.
type WhatsAppWebConfig struct {
	Browser      *browser.Session
	Group        string // exact title of the group to watch
	PollInterval time.Duration
	Logger       *slog.Logger
}

// WhatsAppWeb drives WhatsApp Web in Chrome: it opens one group by title,
// polls the conversation for new incoming bubbles and types replies into the
// compose box. The session must have been established with Login.
type WhatsAppWeb struct {
	browser  *browser.Session
	group    string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex // serializes all browser actions
	tabCtx   context.Context
	seen     map[string]struct{}
	attempts map[string]int // unresolved bubble ID -> polls so far
	primed   bool
}

// fetchImageFunc returns the mime type and bytes of a bubble's image.
type fetchImageFunc func(ctx context.Context, id string) (string, []byte, error)

func NewWhatsAppWeb(cfg WhatsAppWebConfig) *WhatsAppWeb {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsAppWeb{
		browser:  cfg.Browser,
		group:    cfg.Group,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		seen:     make(map[string]struct{}),
		attempts: make(map[string]int),
	}
}

func (w *WhatsAppWeb) Name() string { return "whatsapp" }

// Login opens a visible browser on WhatsApp Web and waits for the QR code
// to be scanned.
func (w *WhatsAppWeb) Login(ctx context.Context) error {
	return w.browser.Login(ctx, whatsAppURL, WhatsAppReadySelector)
}

// Start opens the group and polls it until ctx is done.
func (w *WhatsAppWeb) Start(ctx context.Context, bus domain.MessageBus) error {
	if w.group == "" {
		return errors.New("whatsapp: no group configured")
	}
	tabCtx, cancel, err := w.browser.Open(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(tabCtx, 2*time.Minute)
	err = chromedp.Run(loadCtx,
		chromedp.Navigate(whatsAppURL),
		chromedp.WaitVisible(WhatsAppReadySelector, chromedp.ByQuery),
	)
	loadCancel()
	if err != nil {
		return fmt.Errorf("whatsapp: session not ready (run `groupbot login` first): %w", err)
	}

	w.mu.Lock()
	w.tabCtx = tabCtx
	err = w.openGroup(tabCtx)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.logger.Info("whatsapp web watching group", "group", w.group, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("whatsapp web channel stopping")
			w.mu.Lock()
			w.tabCtx = nil
			w.mu.Unlock()
			return nil
		case <-ticker.C:
			events, err := w.poll(tabCtx)
			if err != nil {
				w.logger.Warn("whatsapp poll failed", "err", err)
				continue
			}
			for _, evt := range events {
				bus.Publish(evt)
			}
		}
	}
}

func (w *WhatsAppWeb) Stop() error {
	return nil
}

// Send types r.Text into the open group. WhatsApp Web offers no stable hook
// for quoting a message, so the reply is posted as a plain message.
func (w *WhatsAppWeb) Send(ctx context.Context, r domain.OutboundReply) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tabCtx == nil {
		return errors.New("whatsapp: not connected")
	}
	if r.ChatID != w.group {
		return fmt.Errorf("whatsapp: chat %q is not the watched group", r.ChatID)
	}

	sendCtx, cancel := context.WithTimeout(w.tabCtx, 30*time.Second)
	defer cancel()
	err := chromedp.Run(sendCtx,
		chromedp.Click(waComposeBox, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(singleLine(r.Text)).Do(ctx)
		}),
		chromedp.KeyEvent(kb.Enter),
	)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

// openGroup searches the chat list for the group and opens it.
func (w *WhatsAppWeb) openGroup(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	title := `span[title=` + cssString(w.group) + `]`
	err := chromedp.Run(openCtx,
		chromedp.Click(waSearchBox, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(w.group).Do(ctx)
		}),
		chromedp.WaitVisible(title, chromedp.ByQuery),
		chromedp.Click(title, chromedp.ByQuery),
		chromedp.WaitVisible(waComposeBox, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("whatsapp: open group %q: %w", w.group, err)
	}
	return nil
}

// poll returns events for bubbles that appeared since the previous poll.
func (w *WhatsAppWeb) poll(tabCtx context.Context) ([]domain.InboundEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()

	var raw string
	if err := chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(waListScript, waWindow), &raw)); err != nil {
		return nil, err
	}
	bubbles, err := parseBubbles(raw)
	if err != nil {
		return nil, err
	}
	return w.collect(ctx, bubbles, w.fetchImage), nil
}

// collect turns the bubbles on screen into events. The first call only
// records what is already there. A bubble is marked seen once it produced an
// event; one whose image is still loading or could not be fetched is retried
// on later polls, up to waMaxAttempts. Callers hold w.mu.
func (w *WhatsAppWeb) collect(ctx context.Context, bubbles []bubble, fetch fetchImageFunc) []domain.InboundEvent {
	fresh, next := freshBubbles(w.seen, bubbles)
	if !w.primed {
		w.primed = true
		for _, b := range fresh {
			next[b.ID] = struct{}{}
		}
		w.seen = next
		return nil
	}

	var events []domain.InboundEvent
	attempts := make(map[string]int)
	for _, b := range fresh {
		evt, err := w.resolve(ctx, b, fetch)
		if err == nil {
			next[b.ID] = struct{}{}
			if evt.HasMedia || evt.TextBody != "" {
				events = append(events, evt)
			}
			continue
		}

		n := w.attempts[b.ID] + 1
		if n >= waMaxAttempts {
			w.logger.Warn("whatsapp bubble dropped", "id", b.ID, "err", err)
			next[b.ID] = struct{}{}
			continue
		}
		w.logger.Debug("whatsapp bubble pending", "id", b.ID, "attempt", n, "err", err)
		attempts[b.ID] = n
	}
	w.seen = next
	w.attempts = attempts
	return events
}

var errImagePending = errors.New("image not rendered yet")

// resolve builds the event for b, fetching its image when one is shown.
func (w *WhatsAppWeb) resolve(ctx context.Context, b bubble, fetch fetchImageFunc) (domain.InboundEvent, error) {
	evt := w.bubbleEvent(b)
	switch {
	case b.Loading, !b.Image && b.Text == "":
		// Media bubbles render their image after the row appears.
		return evt, errImagePending
	case !b.Image:
		return evt, nil
	}
	mime, data, err := fetch(ctx, b.ID)
	if err != nil {
		return evt, fmt.Errorf("fetch image: %w", err)
	}
	evt.HasMedia = true
	evt.MediaMimeType = mime
	evt.MediaBytes = data
	return evt, nil
}

func (w *WhatsAppWeb) fetchImage(ctx context.Context, id string) (string, []byte, error) {
	quoted, _ := json.Marshal(id)
	var dataURL string
	err := chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(waImageScript, quoted), &dataURL,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return "", nil, err
	}
	if dataURL == "" {
		return "", nil, errImagePending
	}
	return decodeDataURL(dataURL)
}

func (w *WhatsAppWeb) bubbleEvent(b bubble) domain.InboundEvent {
	return domain.InboundEvent{
		Channel:   "whatsapp",
		ChatID:    w.group,
		MessageID: b.ID,
		GroupName: w.group,
		SenderID:  senderFromMeta(b.Meta),
		TextBody:  b.Text,
		Timestamp: time.Now(),
	}
}

type bubble struct {
	ID      string `json:"id"`
	Meta    string `json:"meta"`
	Text    string `json:"text"`
	Image   bool   `json:"image"`
	Loading bool   `json:"loading"` // preview thumbnail shown, full image not yet
}

func parseBubbles(raw string) ([]bubble, error) {
	var out []bubble
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse bubbles: %w", err)
	}
	return out, nil
}

// freshBubbles returns the bubbles not in seen, in order, and the subset of
// seen that is still on screen.
func freshBubbles(seen map[string]struct{}, bubbles []bubble) ([]bubble, map[string]struct{}) {
	kept := make(map[string]struct{}, len(bubbles))
	var fresh []bubble
	for _, b := range bubbles {
		if _, ok := seen[b.ID]; ok {
			kept[b.ID] = struct{}{}
		} else {
			fresh = append(fresh, b)
		}
	}
	return fresh, kept
}

// senderFromMeta extracts the sender from a data-pre-plain-text value such
// as "[10:32, 18/10/2026] Alice: ".
func senderFromMeta(meta string) string {
	if i := strings.Index(meta, "] "); i >= 0 {
		meta = meta[i+2:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(meta), ":"))
}

// decodeDataURL splits a base64 data URL into its mime type and payload.
func decodeDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data URL")
	}
	mime, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return "", nil, fmt.Errorf("unsupported data URL encoding %q", enc)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return mime, data, nil
}

// cssString quotes s for use inside a CSS attribute selector.
func cssString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// singleLine keeps replies in one bubble; Enter in the compose box sends.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
