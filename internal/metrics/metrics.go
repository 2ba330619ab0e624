// Package metrics registers the process-wide Prometheus collectors.
// Failures that the edit path deliberately swallows (persistence,
// metadata sync) are counted here so they stay observable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PersistFailures counts update-log writes that failed and were dropped.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_persist_failures_total",
		Help: "Update log writes that failed and were dropped.",
	})

	// PersistDropped counts updates dropped because a handle's write-behind
	// queue was full.
	PersistDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_persist_dropped_total",
		Help: "Updates dropped because the write-behind queue was full.",
	})

	// MetaSyncFailures counts best-effort metadata refreshes that failed.
	MetaSyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_metadata_sync_failures_total",
		Help: "Best-effort metadata sync attempts that failed.",
	})

	// WSConnections counts accepted websocket sessions.
	WSConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_ws_connections_total",
		Help: "Accepted websocket sessions.",
	})

	// WSRejected counts websocket connection attempts refused before join.
	WSRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_ws_rejected_total",
		Help: "Websocket connection attempts refused.",
	})

	// WSMessages counts update messages applied from websocket sessions.
	WSMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_ws_messages_total",
		Help: "Update messages applied from websocket sessions.",
	})
)
