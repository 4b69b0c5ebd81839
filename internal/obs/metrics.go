package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gatekeep/internal/limiter"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	PolicyReloads   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, lim *limiter.Limiter) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeep_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_rate_limited_total",
				Help: "Total requests rejected by admission control",
			},
			[]string{"path"},
		),
		PolicyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_policy_reloads_total",
				Help: "Policy reload attempts by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.PolicyReloads)

	// Entry-map sizes are cheap to derive on scrape; no write locks.
	statGauge := func(name, help string, get func(limiter.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return get(lim.Stats())
		})
	}
	reg.MustRegister(
		statGauge("gatekeep_active_user_entries", "Live user rate-limit entries",
			func(s limiter.Stats) float64 { return float64(s.ActiveUsers) }),
		statGauge("gatekeep_active_ip_entries", "Live IP rate-limit entries",
			func(s limiter.Stats) float64 { return float64(s.ActiveIPs) }),
		statGauge("gatekeep_active_endpoint_entries", "Live endpoint rate-limit entries",
			func(s limiter.Stats) float64 { return float64(s.ActiveEndpoints) }),
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}
			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
