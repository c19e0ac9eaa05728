package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-console/pkg/logging"
)

// Supervisor metrics
var (
	ProcessesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsu_console_processes_active",
			Help: "Number of registered managed processes",
		},
	)

	ProcessStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsu_console_process_starts_total",
			Help: "Process spawn attempts by result",
		},
		[]string{"result"},
	)

	ProcessExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsu_console_process_exits_total",
			Help: "Process exits by outcome",
		},
		[]string{"outcome"},
	)

	EventsDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsu_console_events_decoded_total",
			Help: "Decoded output events by kind",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsu_console_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full",
		},
	)
)

// Gateway metrics
var (
	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hsu_console_subscribers_active",
			Help: "Number of connected IPC subscribers",
		},
	)

	SubscriberDisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsu_console_subscriber_disconnects_total",
			Help: "Subscriber disconnects by reason",
		},
		[]string{"reason"},
	)

	BroadcastBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsu_console_broadcast_bytes_total",
			Help: "Bytes of child output fanned out to subscribers",
		},
	)

	ForwardedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hsu_console_forwarded_bytes_total",
			Help: "Bytes forwarded from subscribers to child input",
		},
	)
)

// Client metrics
var (
	ClientConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hsu_console_client_connect_attempts_total",
			Help: "Reconnecting client dial attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ProcessesActive,
		ProcessStartsTotal,
		ProcessExitsTotal,
		EventsDecodedTotal,
		EventsDroppedTotal,
		SubscribersActive,
		SubscriberDisconnectsTotal,
		BroadcastBytesTotal,
		ForwardedBytesTotal,
		ClientConnectAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer serves /metrics on addr until the returned server is shut down.
func StartMetricsServer(addr string, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed, addr: %s, error: %v", addr, err)
		}
	}()
	logger.Infof("Metrics server listening, addr: %s", addr)
	return srv
}
