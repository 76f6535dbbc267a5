package bus

import (
	"testing"
	"time"

	"groupbot/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundEvent{Channel: "telegram", ChatID: "42", TextBody: "hi"})

	select {
	case evt := <-b.Subscribe():
		if evt.ChatID != "42" || evt.TextBody != "hi" {
			t.Errorf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected an event on the inbound channel")
	}
}

func TestInMemoryBus_SendOutboundRoutesByChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var got []domain.OutboundReply
	b.OnOutbound("discord", func(r domain.OutboundReply) { got = append(got, r) })

	b.SendOutbound(domain.OutboundReply{Channel: "discord", ChatID: "c1", ReplyTo: "m1", Text: "nice 🔥"})
	b.SendOutbound(domain.OutboundReply{Channel: "slack", ChatID: "c2", Text: "ignored"})

	if len(got) != 1 {
		t.Fatalf("expected 1 routed reply, got %d", len(got))
	}
	if got[0].ReplyTo != "m1" {
		t.Errorf("ReplyTo = %q, want m1", got[0].ReplyTo)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	// Must not panic on a closed channel.
	b.Publish(domain.InboundEvent{Channel: "telegram"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("expected closed inbound channel")
	}
}

func TestInMemoryBus_DropsWhenFull(t *testing.T) {
	b := New(1, testLogger())
	b.wait = 20 * time.Millisecond
	defer b.Close()

	b.Publish(domain.InboundEvent{MessageID: "1"})
	b.Publish(domain.InboundEvent{MessageID: "2"})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if evt := <-b.Subscribe(); evt.MessageID != "1" {
		t.Errorf("first event should survive, got %q", evt.MessageID)
	}
}

func TestInMemoryBus_CloseReleasesBlockedPublisher(t *testing.T) {
	b := New(1, testLogger())
	b.wait = time.Hour
	b.Publish(domain.InboundEvent{MessageID: "1"})

	published := make(chan struct{})
	go func() {
		b.Publish(domain.InboundEvent{MessageID: "2"})
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a waiting publisher")
	}
	<-published
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
