package channel

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"groupbot/internal/domain"

	"github.com/gorilla/websocket"
)

// BridgeConfig configures the WebSocket bridge channel.
type BridgeConfig struct {
	Host   string
	Port   int
	Path   string // endpoint path (default: /bridge)
	Token  string // required in ?token= or Authorization: Bearer when set
	Logger *slog.Logger
}

// Bridge lets an external connector (for example a WhatsApp client library
// running in another process) feed group messages in and receive replies
// over a WebSocket. Replies go to every connection that has delivered a
// message for the reply's chat.
type Bridge struct {
	addr   string
	path   string
	token  string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	mu    sync.RWMutex
	conns map[*bridgeConn]struct{}
}

type bridgeConn struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	chats sync.Map // chat ID -> struct{}
}

// BridgeFrame is the JSON frame exchanged with connectors. Inbound frames
// have type "message"; the bridge sends "status" and "reply".
type BridgeFrame struct {
	Type      string       `json:"type"`
	ID        string       `json:"id,omitempty"`
	ChatID    string       `json:"chat_id,omitempty"`
	Group     string       `json:"group,omitempty"`
	Sender    string       `json:"sender,omitempty"`
	Text      string       `json:"text,omitempty"`
	ReplyTo   string       `json:"reply_to,omitempty"`
	Media     *BridgeMedia `json:"media,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"` // unix seconds
}

// BridgeMedia carries an attachment inline.
type BridgeMedia struct {
	Mime string `json:"mime"`
	Data string `json:"data"` // standard base64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // connectors are not browsers; auth is the token
	},
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	return &Bridge{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:   cfg.Path,
		token:  cfg.Token,
		logger: cfg.Logger,
		conns:  make(map[*bridgeConn]struct{}),
	}
}

func (b *Bridge) Name() string { return "bridge" }

// Handler returns the upgrade handler. Start mounts it on b's path.
func (b *Bridge) Handler(bus domain.MessageBus) http.Handler {
	b.bus = bus
	return http.HandlerFunc(b.handleUpgrade)
}

// Start serves the bridge endpoint until ctx is done.
func (b *Bridge) Start(ctx context.Context, bus domain.MessageBus) error {
	mux := http.NewServeMux()
	mux.Handle(b.path, b.Handler(bus))

	b.server = &http.Server{
		Addr:              b.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.logger.Info("bridge server starting", "addr", b.addr, "path", b.path)

	errCh := make(chan error, 1)
	go func() {
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		b.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("bridge server: %w", err)
	}
}

func (b *Bridge) Stop() error {
	b.closeAll()
	return nil
}

// Send writes a reply frame to the connectors serving r.ChatID.
func (b *Bridge) Send(ctx context.Context, r domain.OutboundReply) error {
	data, err := json.Marshal(BridgeFrame{
		Type:    "reply",
		ChatID:  r.ChatID,
		ReplyTo: r.ReplyTo,
		Text:    r.Text,
	})
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var sent int
	var lastErr error
	for c := range b.conns {
		if _, ok := c.chats.Load(r.ChatID); !ok {
			continue
		}
		if err := c.write(data); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr != nil {
			return fmt.Errorf("bridge send: %w", lastErr)
		}
		return fmt.Errorf("bridge send: no connector for chat %q", r.ChatID)
	}
	return nil
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			got = h[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(b.token)) == 1
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("bridge upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMediaBytes * 2)

	c := &bridgeConn{conn: conn}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("bridge connector connected", "remote", r.RemoteAddr)
	status, _ := json.Marshal(BridgeFrame{Type: "status", Text: "connected"})
	c.write(status)

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		conn.Close()
		b.logger.Info("bridge connector disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Error("bridge read error", "err", err)
			}
			return
		}

		var f BridgeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			b.logger.Warn("invalid bridge frame", "err", err)
			continue
		}
		if f.Type != "message" {
			continue
		}
		evt, err := bridgeEvent(f)
		if err != nil {
			b.logger.Warn("rejected bridge frame", "id", f.ID, "err", err)
			continue
		}
		c.chats.Store(evt.ChatID, struct{}{})
		b.bus.Publish(evt)
	}
}

// bridgeEvent validates a message frame and converts it to an InboundEvent.
func bridgeEvent(f BridgeFrame) (domain.InboundEvent, error) {
	if f.ChatID == "" {
		return domain.InboundEvent{}, errors.New("missing chat_id")
	}
	evt := domain.InboundEvent{
		Channel:   "bridge",
		ChatID:    f.ChatID,
		MessageID: f.ID,
		GroupName: f.Group,
		SenderID:  f.Sender,
		TextBody:  f.Text,
		Timestamp: time.Now(),
	}
	if f.Timestamp > 0 {
		evt.Timestamp = time.Unix(f.Timestamp, 0)
	}
	if f.Media != nil && f.Media.Data != "" {
		data, err := base64.StdEncoding.DecodeString(f.Media.Data)
		if err != nil {
			return domain.InboundEvent{}, fmt.Errorf("media data: %w", err)
		}
		evt.HasMedia = true
		evt.MediaMimeType = f.Media.Mime
		evt.MediaLoader = func(context.Context) ([]byte, error) { return data, nil }
	}
	return evt, nil
}

func (c *bridgeConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.conn.Close()
		delete(b.conns, c)
	}
}
