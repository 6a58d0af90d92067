// Package metrics exposes the HTTP-side Prometheus collectors for progressd.
// Run and stage collectors live with the progress sinks.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP records request counts and latencies per route.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	streams  prometheus.Gauge
}

// NewHTTP registers the HTTP collectors on reg. A nil reg uses the default
// registerer; collectors already registered there are reused.
func NewHTTP(reg prometheus.Registerer) (*HTTP, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &HTTP{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_stream_clients",
			Help: "Number of open snapshot stream connections.",
		}),
	}
	var err error
	if h.requests, err = register(reg, h.requests); err != nil {
		return nil, err
	}
	if h.duration, err = register(reg, h.duration); err != nil {
		return nil, err
	}
	if h.streams, err = register(reg, h.streams); err != nil {
		return nil, err
	}
	return h, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// Middleware is a chi middleware that records HTTP request metrics.
func (h *HTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
		h.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// StreamOpened and StreamClosed track live snapshot streams.
func (h *HTTP) StreamOpened() { h.streams.Inc() }

// StreamClosed decrements the stream gauge.
func (h *HTTP) StreamClosed() { h.streams.Dec() }

// Handler serves the gatherer in the Prometheus text format. A nil gatherer
// serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the websocket upgrade on the stream route.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	w.status = http.StatusSwitchingProtocols
	return conn, buf, nil
}
