package txncoord

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/commitd/api"
)

const defaultDeliveryDelay = 50 * time.Millisecond

// deliver sends decision to every named participant concurrently. Failures
// are logged and returned as a DeliveryError, never as a run error.
func (c *Coordinator) deliver(ctx context.Context, id string, decision api.Decision, names []string) *DeliveryError {
	ctx, span := c.tracer.Start(ctx, "commitd.txn.deliver", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := time.Now()

	results := make(chan DeliveryFailure, len(names))
	for _, name := range names {
		go func(name string) {
			attempts, err := c.deliverWithRetry(ctx, id, decision, name)
			results <- DeliveryFailure{Participant: name, Attempts: attempts, Err: err}
		}(name)
	}
	var failures []DeliveryFailure
	for range names {
		r := <-results
		if r.Err == nil {
			continue
		}
		c.metrics.recordDeliveryFailure(ctx, decision)
		c.logger.Warn("txn.tc.deliver.failed",
			"txid", id,
			"decision", decision,
			"participant", r.Participant,
			"attempts", r.Attempts,
			"error", r.Err,
		)
		failures = append(failures, r)
	}
	result := "ok"
	if len(failures) > 0 {
		result = "error"
	}
	c.metrics.recordDelivery(ctx, decision, time.Since(start), result)
	span.SetAttributes(attribute.Int("commitd.txn.delivery_failures", len(failures)))
	if len(failures) == 0 {
		c.logger.Info("txn.tc.deliver.complete",
			"txid", id,
			"decision", decision,
			"participants", len(names),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Participant < failures[j].Participant })
	return &DeliveryError{TxID: id, Decision: decision, Failures: failures}
}

func (c *Coordinator) deliverWithRetry(ctx context.Context, id string, decision api.Decision, name string) (int, error) {
	p, ok := c.directory.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown participant %s", name)
	}
	attempts := c.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	msg := api.DecisionMessage{TxID: id, Kind: decision}
	delay := c.baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, ctx.Err()
		}
		c.metrics.recordDeliveryAttempt(ctx, decision)
		var err error
		if decision == api.DecisionCommit {
			err = p.OnCommit(ctx, msg)
		} else {
			err = p.OnAbort(ctx, msg)
		}
		if err == nil {
			return attempt, nil
		}
		if attempt == attempts {
			return attempt, err
		}
		if delay <= 0 {
			delay = defaultDeliveryDelay
		}
		if c.maxDelay > 0 && delay > c.maxDelay {
			delay = c.maxDelay
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-c.clock.After(delay):
		}
		if c.multiplier > 1 {
			delay = time.Duration(float64(delay)*c.multiplier + 0.5)
		}
	}
	return attempts, fmt.Errorf("txncoord: delivery attempts exhausted")
}
