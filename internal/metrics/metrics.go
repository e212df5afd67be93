// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlagent_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlagent_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	Queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlagent_queries_total",
		Help: "Processed natural language queries by outcome (success, invalid, error).",
	}, []string{"outcome"})

	QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sqlagent_query_duration_seconds",
		Help:    "End to end latency of the query pipeline.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40},
	})

	LLMRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlagent_llm_requests_total",
		Help: "LLM calls by kind (generate, stream) and outcome (ok, error).",
	}, []string{"kind", "outcome"})

	LLMDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlagent_llm_duration_seconds",
		Help:    "LLM call latency by kind.",
		Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
	}, []string{"kind"})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sqlagent_ws_connections",
		Help: "Open WebSocket query connections.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		HTTPRequests, HTTPDuration, Queries, QueryDuration, LLMRequests, LLMDuration, WSConnections,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
