package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var APIRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "binancex_api_requests_total",
		Help: "Number of API requests by endpoint and outcome",
	}, []string{"endpoint", "result"})

var RequestRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "binancex_api_request_retries_total",
		Help: "Number of request attempts that had to be retried",
	})

var RateLimitDenials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "binancex_rate_limit_denials_total",
		Help: "Number of attempts denied by the local rate limiter",
	}, []string{"kind"})

var StreamReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "binancex_stream_reconnects_total",
		Help: "Number of stream reconnect attempts",
	})

var StreamConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "binancex_stream_connected",
		Help: "Whether the stream connection is currently open",
	})

var ListenKeyRenewals = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "binancex_listen_key_renewals_total",
		Help: "Number of listen key renewal attempts by result",
	}, []string{"result"})
