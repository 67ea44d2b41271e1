// Package metrics exposes Prometheus collectors for the loan engine and its
// HTTP surface.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loan-engine/engine"
)

const namespace = "loan_engine"

// Collector owns a registry and every collector the service records into.
// It implements engine.Observer.
type Collector struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	payments           *prometheus.CounterVec
	allocationDuration prometheus.Histogram
	appliedAmount      prometheus.Counter
	unappliedAmount    prometheus.Counter
	transitions        *prometheus.CounterVec
	reminders          *prometheus.CounterVec
}

var _ engine.Observer = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "total",
			Help:      "Payments submitted, by outcome.",
		}, []string{"outcome"}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "allocation_duration_seconds",
			Help:      "Time to load, allocate and commit one payment.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		appliedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "applied_amount_total",
			Help:      "Currency units that reduced outstanding balances.",
		}),
		unappliedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "unapplied_amount_total",
			Help:      "Currency units tendered beyond the outstanding balance and not applied.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loans",
			Name:      "transitions_total",
			Help:      "Loan status transitions.",
		}, []string{"from", "to"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "sent_total",
			Help:      "Payment reminders, by outcome.",
		}, []string{"outcome"}),
	}

	c.Registry.MustRegister(
		c.httpInFlight,
		c.httpRequests,
		c.httpDuration,
		c.payments,
		c.allocationDuration,
		c.appliedAmount,
		c.unappliedAmount,
		c.transitions,
		c.reminders,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// =============================================================================
// ENGINE OBSERVER
// =============================================================================

func (c *Collector) PaymentAllocated(alloc *engine.Allocation, elapsed time.Duration) {
	outcome := "applied"
	if alloc.LoanCompleted {
		outcome = "completed"
	}
	c.payments.WithLabelValues(outcome).Inc()
	c.allocationDuration.Observe(elapsed.Seconds())
	c.appliedAmount.Add(float64(alloc.Applied()))
	if alloc.Unapplied > 0 {
		c.unappliedAmount.Add(float64(alloc.Unapplied))
	}
}

func (c *Collector) PaymentFailed(err error) {
	c.payments.WithLabelValues(failureOutcome(err)).Inc()
}

func (c *Collector) LoanTransitioned(from, to engine.LoanStatus) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ReminderSent counts one reminder attempt.
func (c *Collector) ReminderSent(err error) {
	if err != nil {
		c.reminders.WithLabelValues("failed").Inc()
		return
	}
	c.reminders.WithLabelValues("sent").Inc()
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, engine.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, engine.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, engine.ErrDuplicatePayment):
		return "duplicate"
	case errors.Is(err, engine.ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}

// =============================================================================
// HTTP INSTRUMENTATION
// =============================================================================

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Requests are labelled by chi route pattern, not raw path, to keep loan IDs
// out of label values.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		c.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
