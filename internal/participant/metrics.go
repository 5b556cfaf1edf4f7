package participant

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/commitd/api"
	"pkt.systems/pslog"
)

type participantMetrics struct {
	prepareDuration metric.Int64Histogram
	votes           metric.Int64Counter
	transitions     metric.Int64Counter
	blocked         metric.Int64Counter
	crashes         metric.Int64Counter
}

func newParticipantMetrics(logger pslog.Logger) *participantMetrics {
	meter := otel.Meter("pkt.systems/commitd/participant")
	m := &participantMetrics{}
	var err error

	m.prepareDuration, err = meter.Int64Histogram(
		"commitd.participant.prepare.duration_ms",
		metric.WithDescription("Time spent answering a prepare request"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.participant.prepare.duration_ms", err)

	m.votes, err = meter.Int64Counter(
		"commitd.participant.votes",
		metric.WithDescription("Prepare answers by result"),
	)
	logMetricInitError(logger, "commitd.participant.votes", err)

	m.transitions, err = meter.Int64Counter(
		"commitd.participant.transitions",
		metric.WithDescription("Transaction state transitions"),
	)
	logMetricInitError(logger, "commitd.participant.transitions", err)

	m.blocked, err = meter.Int64Counter(
		"commitd.participant.recover.blocked",
		metric.WithDescription("READY transactions left unresolved by a recovery pass"),
	)
	logMetricInitError(logger, "commitd.participant.recover.blocked", err)

	m.crashes, err = meter.Int64Counter(
		"commitd.participant.crashes",
		metric.WithDescription("Simulated participant crashes"),
	)
	logMetricInitError(logger, "commitd.participant.crashes", err)

	return m
}

func (m *participantMetrics) recordVote(ctx context.Context, name, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("commitd.participant", name),
		attribute.String("commitd.txn.vote", result),
	)
	if m.votes != nil {
		m.votes.Add(ctx, 1, attrs)
	}
	if m.prepareDuration != nil {
		m.prepareDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *participantMetrics) recordTransition(ctx context.Context, name string, to api.TxState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("commitd.participant", name),
		attribute.String("commitd.txn.state", string(to)),
	))
}

func (m *participantMetrics) recordBlocked(ctx context.Context, name string) {
	if m == nil || m.blocked == nil {
		return
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(attribute.String("commitd.participant", name)))
}

func (m *participantMetrics) recordCrash(ctx context.Context, name string) {
	if m == nil || m.crashes == nil {
		return
	}
	m.crashes.Add(ctx, 1, metric.WithAttributes(attribute.String("commitd.participant", name)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
