// Package metrics exports delivery and health counters to Prometheus.
//
// The exporter is a plain bus subscriber: it consumes the engine's typed
// topics and never touches engine internals, so dropping it (or adding more
// subscribers) costs nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"herald/internal/engine"
	logx "herald/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

type Exporter struct {
	cfg Config
	log logx.Logger
	eng *engine.Engine

	reg *prometheus.Registry

	eventsProcessed   prometheus.Counter
	deliveriesTotal   *prometheus.CounterVec
	deliveryLatency   prometheus.Histogram
	healthTransitions *prometheus.CounterVec
	queueDepth        prometheus.GaugeFunc

	srv    *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, eng *engine.Engine, log logx.Logger) *Exporter {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	reg := prometheus.NewRegistry()

	e := &Exporter{cfg: cfg, log: log, eng: eng, reg: reg}

	e.eventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "events_processed_total",
		Help:      "Domain events accepted by ProcessEvent.",
	})
	e.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "delivery_transitions_total",
		Help:      "Delivery state transitions by status and channel.",
	}, []string{"status", "channel"})
	e.deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "herald",
		Name:      "delivery_duration_seconds",
		Help:      "Time from delivery creation to successful delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	e.healthTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "herald",
		Name:      "channel_health_transitions_total",
		Help:      "Channel health transitions by channel and new status.",
	}, []string{"channel", "to"})
	e.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "herald",
		Name:      "queue_depth",
		Help:      "Deliveries waiting in the schedule queue.",
	}, func() float64 { return float64(eng.Snapshot().QueueLen) })

	reg.MustRegister(
		e.eventsProcessed,
		e.deliveriesTotal,
		e.deliveryLatency,
		e.healthTransitions,
		e.queueDepth,
	)
	return e
}

// Start subscribes to the engine topics and serves /metrics.
func (e *Exporter) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	events, unsubEvents := e.eng.Events.Subscribe(64)
	deliveries, unsubDeliveries := e.eng.Deliveries.Subscribe(256)
	health, unsubHealth := e.eng.HealthBus.Subscribe(64)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubEvents()
		defer unsubDeliveries()
		defer unsubHealth()
		for {
			select {
			case <-rctx.Done():
				return
			case <-events:
				e.eventsProcessed.Inc()
			case d := <-deliveries:
				e.deliveriesTotal.WithLabelValues(string(d.Delivery.Status), d.Delivery.ChannelID).Inc()
				if d.Delivery.Status == engine.StatusDelivered && d.Delivery.DeliveredAt != nil {
					e.deliveryLatency.Observe(d.Delivery.DeliveredAt.Sub(d.Delivery.CreatedAt).Seconds())
				}
			case h := <-health:
				e.healthTransitions.WithLabelValues(h.ChannelID, string(h.To)).Inc()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{}))
	e.srv = &http.Server{Addr: e.cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server failed", logx.Err(err), logx.String("addr", e.cfg.Addr))
		}
	}()
	e.log.Info("metrics exporter started", logx.String("addr", e.cfg.Addr))
}

func (e *Exporter) Stop(ctx context.Context) {
	if e.srv != nil {
		_ = e.srv.Shutdown(ctx)
	}
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
