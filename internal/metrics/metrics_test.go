package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"groupbot/internal/bus"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestSubscribe_CountsPipelineEvents(t *testing.T) {
	m := New()
	events := bus.NewEventBus(testLogger())
	m.Subscribe(events)

	events.Emit(bus.Event{Type: bus.EventReceived})
	events.Emit(bus.Event{Type: bus.EventReceived})
	events.Emit(bus.Event{Type: bus.EventFiltered})
	events.Emit(bus.Event{Type: bus.EventClassified, Payload: map[string]any{"outcome": "skipped"}})
	events.Emit(bus.Event{Type: bus.EventReplyGenerated, Payload: map[string]any{"source": "fallback", "path": "text"}})
	events.Emit(bus.Event{Type: bus.EventArchived, Payload: map[string]any{"backend": "s3", "outcome": "duplicate"}})
	events.Emit(bus.Event{Type: bus.EventProviderError, Payload: map[string]any{"provider": "ollama"}})
	events.Emit(bus.Event{Type: bus.EventTransportError, Payload: map[string]any{"channel": "telegram"}})
	events.Emit(bus.Event{Type: bus.EventReplySent, Payload: map[string]any{"path": "image", "latency": 1500 * time.Millisecond}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"received", testutil.ToFloat64(m.EventsTotal.WithLabelValues("received")), 2},
		{"filtered", testutil.ToFloat64(m.EventsTotal.WithLabelValues("filtered")), 1},
		{"skipped", testutil.ToFloat64(m.ClassifierTotal.WithLabelValues("skipped")), 1},
		{"fallback", testutil.ToFloat64(m.RepliesTotal.WithLabelValues("fallback", "text")), 1},
		{"duplicate", testutil.ToFloat64(m.ArchiveTotal.WithLabelValues("s3", "duplicate")), 1},
		{"provider", testutil.ToFloat64(m.ProviderErrors.WithLabelValues("ollama")), 1},
		{"transport", testutil.ToFloat64(m.TransportErrors.WithLabelValues("telegram")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.ReplyLatency); n != 1 {
		t.Errorf("expected 1 latency series, got %d", n)
	}
}

func TestSubscribe_MissingLabels(t *testing.T) {
	m := New()
	events := bus.NewEventBus(testLogger())
	m.Subscribe(events)

	events.Emit(bus.Event{Type: bus.EventClassified})
	if got := testutil.ToFloat64(m.ClassifierTotal.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown outcome = %v, want 1", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.EventsTotal.WithLabelValues("received").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`groupbot_events_total{outcome="received"} 1`,
		"groupbot_uptime_seconds",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
