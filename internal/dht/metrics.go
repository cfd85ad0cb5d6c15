package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "packets_in_total",
		Help:      "Datagrams received, including ones dropped as malformed.",
	})

	metricPacketsOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "packets_out_total",
		Help:      "Datagrams sent.",
	})

	metricQueriesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "queries_in_total",
		Help:      "Inbound queries by method.",
	}, []string{"method"})

	metricErrorsOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "errors_out_total",
		Help:      "KRPC error replies sent.",
	})

	metricTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "query_timeouts_total",
		Help:      "Outbound queries that expired unanswered.",
	})

	metricLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "lookups_total",
		Help:      "Iterative lookups run to completion.",
	})

	metricTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "routing_table_contacts",
		Help:      "Contacts currently held in the routing table.",
	})

	metricPeerStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "dht",
		Name:      "peer_store_entries",
		Help:      "Compact peer entries currently stored.",
	})
)
