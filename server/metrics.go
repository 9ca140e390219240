package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carloslauriano/simpleMailbox/protocol"
	"github.com/carloslauriano/simpleMailbox/storage"
)

// Metrics agrupa os coletores Prometheus do servidor
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Counter
	active      prometheus.Gauge
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registra os coletores em reg; contas e mensagens são lidas
// do diretório a cada coleta
func NewMetrics(reg *prometheus.Registry, store storage.Storage) *Metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "simplemailbox_accounts",
		Help: "Number of registered accounts",
	}, func() float64 { return float64(store.Stats().Accounts) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "simplemailbox_messages",
		Help: "Number of messages stored across all mailboxes",
	}, func() float64 { return float64(store.Stats().Messages) })

	return &Metrics{
		registry: reg,
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "simplemailbox_connections_total",
			Help: "Total number of accepted client connections",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simplemailbox_connections_active",
			Help: "Number of open client connections",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simplemailbox_requests_total",
			Help: "Requests handled, by function code and outcome",
		}, []string{"code", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simplemailbox_request_duration_seconds",
			Help:    "Time spent dispatching a request, by function code",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"code"}),
	}
}

// Handler retorna o handler HTTP que expõe as métricas
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Os métodos abaixo aceitam m nil: um servidor sem métricas só não registra nada.

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.active.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) observe(res protocol.Result, took time.Duration) {
	if m == nil {
		return
	}
	code := codeLabel(res.Code)
	m.requests.WithLabelValues(code, protocol.Outcome(res.Err)).Inc()
	m.duration.WithLabelValues(code).Observe(took.Seconds())
}

// codeLabel limita a cardinalidade do rótulo aos códigos conhecidos
func codeLabel(code string) string {
	switch code {
	case "0", "1", "2", "3", "4", "5", "6":
		return code
	default:
		return "invalid"
	}
}
