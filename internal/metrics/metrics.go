// Package metrics exposes pipeline counters in Prometheus format. The
// collectors are fed from the internal event bus so the pipeline itself
// never imports this package.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"groupbot/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the groupbot collectors.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	RepliesTotal    *prometheus.CounterVec
	ClassifierTotal *prometheus.CounterVec
	ArchiveTotal    *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	ReplyLatency    *prometheus.HistogramVec

	registry  *prometheus.Registry
	startTime time.Time
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg, startTime: time.Now()}

	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_events_total",
			Help: "Inbound events by dispatcher outcome",
		},
		[]string{"outcome"}, // received | filtered | ignored
	)
	m.RepliesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_replies_total",
			Help: "Replies produced by source and path",
		},
		[]string{"source", "path"},
	)
	m.ClassifierTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_classifier_results_total",
			Help: "Image analyses by outcome",
		},
		[]string{"outcome"}, // ok | none | skipped
	)
	m.ArchiveTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_archive_uploads_total",
			Help: "Archive attempts by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	m.ProviderErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_provider_errors_total",
			Help: "Failed text-generation requests by backend",
		},
		[]string{"provider"},
	)
	m.TransportErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbot_transport_errors_total",
			Help: "Reply deliveries that failed",
		},
		[]string{"channel"},
	)
	m.ReplyLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupbot_reply_latency_seconds",
			Help:    "Time from accepting an event to handing its reply to the transport",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"path"},
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "groupbot_uptime_seconds",
			Help: "Time since start in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	return m
}

// Subscribe feeds the collectors from pipeline events.
func (m *Metrics) Subscribe(events *bus.EventBus) {
	on := func(eventType string, fn bus.EventHandler) { events.On(eventType, fn) }

	on(bus.EventReceived, func(bus.Event) { m.EventsTotal.WithLabelValues("received").Inc() })
	on(bus.EventFiltered, func(bus.Event) { m.EventsTotal.WithLabelValues("filtered").Inc() })
	on(bus.EventIgnored, func(bus.Event) { m.EventsTotal.WithLabelValues("ignored").Inc() })
	on(bus.EventClassified, func(e bus.Event) {
		m.ClassifierTotal.WithLabelValues(str(e.Payload, "outcome")).Inc()
	})
	on(bus.EventArchived, func(e bus.Event) {
		m.ArchiveTotal.WithLabelValues(str(e.Payload, "backend"), str(e.Payload, "outcome")).Inc()
	})
	on(bus.EventReplyGenerated, func(e bus.Event) {
		m.RepliesTotal.WithLabelValues(str(e.Payload, "source"), str(e.Payload, "path")).Inc()
	})
	on(bus.EventReplySent, func(e bus.Event) {
		if d, ok := e.Payload["latency"].(time.Duration); ok {
			m.ReplyLatency.WithLabelValues(str(e.Payload, "path")).Observe(d.Seconds())
		}
	})
	on(bus.EventProviderError, func(e bus.Event) {
		m.ProviderErrors.WithLabelValues(str(e.Payload, "provider")).Inc()
	})
	on(bus.EventTransportError, func(e bus.Event) {
		m.TransportErrors.WithLabelValues(str(e.Payload, "channel")).Inc()
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr+endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, endpoint string, logger *slog.Logger) error {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr, "endpoint", endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	if s == "" {
		return "unknown"
	}
	return s
}
