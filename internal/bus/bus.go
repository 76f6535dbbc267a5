package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"groupbot/internal/domain"
)

// publishWait is how long Publish blocks on a full queue before dropping.
const publishWait = 10 * time.Second

// InMemoryBus carries inbound events from the transports to the dispatcher
// over a buffered channel and routes replies back by transport name.
type InMemoryBus struct {
	inbound chan domain.InboundEvent
	done    chan struct{}
	wait    time.Duration
	logger  *slog.Logger

	mu         sync.RWMutex
	closed     bool
	publishers sync.WaitGroup
	handlers   map[string]func(domain.OutboundReply)

	dropped atomic.Int64
}

// New creates a bus whose inbound queue holds bufferSize events.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundEvent, bufferSize),
		done:     make(chan struct{}),
		wait:     publishWait,
		logger:   logger,
		handlers: make(map[string]func(domain.OutboundReply)),
	}
}

// Publish queues evt. On a full queue it waits up to 10s, then drops the
// event. Publishing after Close is a no-op.
func (b *InMemoryBus) Publish(evt domain.InboundEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.dropped.Add(1)
		b.logger.Warn("publish on closed bus", "channel", evt.Channel)
		return
	}
	b.publishers.Add(1)
	b.mu.RUnlock()
	defer b.publishers.Done()

	select {
	case b.inbound <- evt:
		return
	default:
	}

	b.logger.Warn("inbound queue full, waiting", "channel", evt.Channel, "chat", evt.ChatID)
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.inbound <- evt:
	case <-b.done:
		b.dropped.Add(1)
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Error("event dropped, inbound queue stayed full",
			"channel", evt.Channel, "chat", evt.ChatID, "message", evt.MessageID, "waited", b.wait)
	}
}

// Subscribe returns the inbound queue. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// SendOutbound hands reply to the transport registered for reply.Channel.
func (b *InMemoryBus) SendOutbound(reply domain.OutboundReply) {
	b.mu.RLock()
	handler := b.handlers[reply.Channel]
	b.mu.RUnlock()

	if handler == nil {
		b.logger.Warn("no transport for reply", "channel", reply.Channel, "chat", reply.ChatID)
		return
	}
	handler(reply)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundReply)) {
	b.mu.Lock()
	b.handlers[channelName] = handler
	b.mu.Unlock()
}

// Dropped reports how many events were discarded, on a full queue or after
// Close.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close releases waiting publishers and then closes the inbound queue. It is
// safe to call more than once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.publishers.Wait()
	close(b.inbound)
}
