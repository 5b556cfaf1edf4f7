package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/commitd/api"
	"pkt.systems/pslog"
)

type txncoordMetrics struct {
	decideDuration   metric.Int64Histogram
	prepareVotes     metric.Int64Counter
	deliveryDuration metric.Int64Histogram
	deliveryAttempts metric.Int64Counter
	deliveryFailed   metric.Int64Counter
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/commitd/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.decideDuration, err = meter.Int64Histogram(
		"commitd.txn.tc.decide.duration_ms",
		metric.WithDescription("Time spent durably recording a decision"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.tc.decide.duration_ms", err)

	m.prepareVotes, err = meter.Int64Counter(
		"commitd.txn.prepare.votes",
		metric.WithDescription("Prepare round votes by result"),
	)
	logMetricInitError(logger, "commitd.txn.prepare.votes", err)

	m.deliveryDuration, err = meter.Int64Histogram(
		"commitd.txn.delivery.duration_ms",
		metric.WithDescription("Time spent delivering transaction decisions"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "commitd.txn.delivery.duration_ms", err)

	m.deliveryAttempts, err = meter.Int64Counter(
		"commitd.txn.delivery.attempts",
		metric.WithDescription("Decision delivery attempts"),
	)
	logMetricInitError(logger, "commitd.txn.delivery.attempts", err)

	m.deliveryFailed, err = meter.Int64Counter(
		"commitd.txn.delivery.failed",
		metric.WithDescription("Participants that did not acknowledge a decision"),
	)
	logMetricInitError(logger, "commitd.txn.delivery.failed", err)

	return m
}

func (m *txncoordMetrics) recordDecide(ctx context.Context, decision api.Decision, duration time.Duration) {
	if m == nil || m.decideDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("commitd.txn.decision", decisionLabel(decision))}
	m.decideDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordVote(ctx context.Context, result string) {
	if m == nil || m.prepareVotes == nil {
		return
	}
	m.prepareVotes.Add(ctx, 1, metric.WithAttributes(attribute.String("commitd.txn.vote", result)))
}

func (m *txncoordMetrics) recordDelivery(ctx context.Context, decision api.Decision, duration time.Duration, result string) {
	if m == nil || m.deliveryDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("commitd.txn.decision", decisionLabel(decision)),
		attribute.String("commitd.txn.result", result),
	}
	m.deliveryDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordDeliveryAttempt(ctx context.Context, decision api.Decision) {
	if m == nil || m.deliveryAttempts == nil {
		return
	}
	m.deliveryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("commitd.txn.decision", decisionLabel(decision))))
}

func (m *txncoordMetrics) recordDeliveryFailure(ctx context.Context, decision api.Decision) {
	if m == nil || m.deliveryFailed == nil {
		return
	}
	m.deliveryFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("commitd.txn.decision", decisionLabel(decision))))
}

func decisionLabel(decision api.Decision) string {
	if decision == "" {
		return "unknown"
	}
	return string(decision)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
