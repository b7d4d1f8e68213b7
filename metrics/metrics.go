// Package metrics exposes Prometheus collectors for the heartbeat monitor,
// the control plane and the upload data plane.
//
// Every recorder method is safe to call on a nil *Metrics, so components can
// run without metrics wired in.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "tranzit"

// Label values.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	ResultSuccess = "success"
	ResultFailure = "failure"

	OutcomeAnswered = "answered"
	OutcomeTimedOut = "timed_out"
)

// Metrics owns a private registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	heartbeatProbes      *prometheus.CounterVec
	heartbeatTransitions *prometheus.CounterVec
	controlRequests      *prometheus.CounterVec
	pendingRequests      prometheus.Gauge
	transferDecisions    *prometheus.CounterVec
	uploadBytes          *prometheus.CounterVec
	uploadFiles          *prometheus.CounterVec
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		heartbeatProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "probes_total",
			Help:      "Heartbeat ping/pong rounds by result.",
		}, []string{"result"}),
		heartbeatTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "transitions_total",
			Help:      "Online/offline edges emitted by the heartbeat monitor.",
		}, []string{"state"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control-plane requests by route and status code.",
		}, []string{"route", "code"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "pending_transfer_requests",
			Help:      "Transfer requests waiting for a decision.",
		}),
		transferDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "transfer_decisions_total",
			Help:      "Transfer requests by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "File bytes moved over the data plane.",
		}, []string{"direction"}),
		uploadFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Files moved over the data plane by result.",
		}, []string{"direction", "result"}),
	}

	m.registry.MustRegister(
		m.heartbeatProbes,
		m.heartbeatTransitions,
		m.controlRequests,
		m.pendingRequests,
		m.transferDecisions,
		m.uploadBytes,
		m.uploadFiles,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterDevicesOnline exports the number of online devices, read from fn
// at scrape time.
func (m *Metrics) RegisterDevicesOnline(fn func() int) error {
	if m == nil || fn == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "devices_online",
		Help:      "Tracked devices currently online.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveHeartbeatProbe counts one ping/pong round.
func (m *Metrics) ObserveHeartbeatProbe(ok bool) {
	if m == nil {
		return
	}
	m.heartbeatProbes.WithLabelValues(result(ok)).Inc()
}

// ObserveHeartbeatTransition counts an online or offline edge.
func (m *Metrics) ObserveHeartbeatTransition(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.heartbeatTransitions.WithLabelValues(state).Inc()
}

// ObserveControlRequest counts a control-plane response.
func (m *Metrics) ObserveControlRequest(route string, code int) {
	if m == nil {
		return
	}
	m.controlRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// SetPendingRequests records the size of the pending-request table.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// ObserveTransferDecision counts a transfer request outcome.
func (m *Metrics) ObserveTransferDecision(outcome string) {
	if m == nil {
		return
	}
	m.transferDecisions.WithLabelValues(outcome).Inc()
}

// AddUploadBytes adds n bytes moved in direction.
func (m *Metrics) AddUploadBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.WithLabelValues(direction).Add(float64(n))
}

// ObserveUploadFile counts a finished file in direction.
func (m *Metrics) ObserveUploadFile(direction string, ok bool) {
	if m == nil {
		return
	}
	m.uploadFiles.WithLabelValues(direction, result(ok)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"component": "metrics",
		"addr":      addr,
	}).Info("metrics server listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
