package app

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// metrics holds the Prometheus metrics of the gate.
type metrics struct {
	registry *prometheus.Registry

	framesTotal        *prometheus.CounterVec
	decodeErrorsTotal  prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	keypressesTotal    *prometheus.CounterVec
	transmissionsTotal *prometheus.CounterVec
	programmedTotal    *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	f := promauto.With(reg)

	return &metrics{
		registry: reg,

		framesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcsgate_frames_total",
				Help: "Total number of received frames",
			},
			[]string{"bits"},
		),

		decodeErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hcsgate_decode_errors_total",
				Help: "Total number of frames failing to decode",
			},
		),

		rejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcsgate_rejected_total",
				Help: "Total number of key presses rejected by the validation",
			},
			[]string{"reason"},
		),

		keypressesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcsgate_keypresses_total",
				Help: "Total number of accepted key presses",
			},
			[]string{"mode"},
		),

		transmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcsgate_transmissions_total",
				Help: "Total number of transmitted frames",
			},
			[]string{"status"},
		),

		programmedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hcsgate_programmed_total",
				Help: "Total number of programmed encoders",
			},
			[]string{"encoder", "status"},
		),
	}
}

func (m *metrics) frame(bits int) {
	m.framesTotal.WithLabelValues(strconv.Itoa(bits)).Inc()
}

func (m *metrics) reject(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func status(err error) string {
	if err != nil {
		return statusError
	}
	return statusSuccess
}

// HandleMetrics exposes the metrics in the Prometheus text format.
func (app *App) HandleMetrics() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(app.metrics.registry, promhttp.HandlerOpts{}))
}
