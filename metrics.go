package main

import "github.com/prometheus/client_golang/prometheus"

var (
	metricAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshchat_feed_admitted_total",
		Help: "Feed deliveries admitted to a transcript.",
	})
	metricDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshchat_feed_duplicates_total",
		Help: "Feed deliveries dropped because their identifier was already seen.",
	})
	metricTombstones = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshchat_feed_tombstones_total",
		Help: "Feed deliveries skipped for carrying an empty payload.",
	})
	metricSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshchat_active_sessions",
		Help: "Sessions currently subscribed to a room.",
	})
)

func init() {
	prometheus.MustRegister(metricAdmitted, metricDuplicates, metricTombstones, metricSessions)
}
