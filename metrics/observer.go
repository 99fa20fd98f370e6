package metrics

import (
	"time"

	"github.com/wricardo/mcp-training/statesocket/session"
)

// Observer records session manager events in the package metrics.
type Observer struct{}

var _ session.Observer = Observer{}

func (Observer) ConnectionOpened() {
	ConnectionsActive.Inc()
	ConnectionsTotal.Inc()
}

func (Observer) ConnectionClosed() {
	ConnectionsActive.Dec()
}

func (Observer) MessageHandled(outcome string) {
	MessagesTotal.WithLabelValues(outcome).Inc()
}

func (Observer) Broadcast(summary session.BroadcastSummary) {
	BroadcastsTotal.Inc()
	BroadcastSendFailures.Add(float64(summary.Failed))
}

func (Observer) PersistenceOp(op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PersistenceOpsTotal.WithLabelValues(op, result).Inc()
	PersistenceDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (Observer) PingSent() {
	PingsSent.Inc()
}

func (Observer) PingTimeout() {
	PingTimeouts.Inc()
}

func (Observer) StateVersion(version int64) {
	StateVersion.Set(float64(version))
}
