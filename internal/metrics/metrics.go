// Package metrics exposes the manager's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "virtmanager"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Registry metrics
	VMStarts     *prometheus.CounterVec
	VMsLive      prometheus.Gauge
	DebugHeld    prometheus.Gauge
	NextCID      prometheus.Gauge
	StartLatency prometheus.Histogram

	// RPC metrics
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	Handles     prometheus.Gauge
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		VMStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_starts_total",
				Help:      "VM start attempts by result code",
			},
			[]string{"code"},
		),
		VMsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vms_live",
			Help:      "VMs alive at the last tracker snapshot or registration",
		}),
		DebugHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debug_held_refs",
			Help:      "VM references retained for debugging",
		}),
		NextCID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_cid",
			Help:      "Next CID the allocator will hand out",
		}),
		StartLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_start_duration_seconds",
			Help:      "Duration of successful VM starts",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		RPCCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "RPC calls by method and status code",
			},
			[]string{"method", "code"},
		),
		RPCDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "RPC call duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		Handles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_handles",
			Help:      "VM handles held by connected clients",
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStart records the outcome of one start attempt.
func (m *Metrics) ObserveStart(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.VMStarts.WithLabelValues(code).Inc()
	if code == "OK" {
		m.StartLatency.Observe(d.Seconds())
	}
}

// SetVMsLive records the number of live VMs.
func (m *Metrics) SetVMsLive(n int) {
	if m == nil {
		return
	}
	m.VMsLive.Set(float64(n))
}

// SetDebugHeld records the number of debug-held references.
func (m *Metrics) SetDebugHeld(n int) {
	if m == nil {
		return
	}
	m.DebugHeld.Set(float64(n))
}

// SetNextCID records the allocator position.
func (m *Metrics) SetNextCID(cid uint32) {
	if m == nil {
		return
	}
	m.NextCID.Set(float64(cid))
}

// ObserveRPC records one RPC call.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, code).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// AddHandles adjusts the client handle gauge.
func (m *Metrics) AddHandles(delta int) {
	if m == nil {
		return
	}
	m.Handles.Add(float64(delta))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
