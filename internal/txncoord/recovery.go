package txncoord

import (
	"context"
	"sort"

	"pkt.systems/commitd/api"
)

// Recovery summarises a coordinator restart pass.
type Recovery struct {
	// Aborted lists txids that had begun but had no decision; they are
	// presumed aborted since no participant can have been told to commit.
	Aborted []string
	// Redelivered lists decided txids whose END was missing.
	Redelivered []string
	// Undelivered carries the deliveries that still failed.
	Undelivered []*DeliveryError
}

// Recover finishes transactions a previous coordinator process left open.
// Transactions currently running in this process are skipped.
func (c *Coordinator) Recover(ctx context.Context) (Recovery, error) {
	var out Recovery
	type open struct {
		id           string
		participants []string
	}
	var pending []open
	c.mu.Lock()
	for id, info := range c.known {
		if info.ended {
			continue
		}
		if _, busy := c.inflight[id]; busy {
			continue
		}
		c.inflight[id] = struct{}{}
		pending = append(pending, open{id: id, participants: append([]string(nil), info.participants...)})
	}
	c.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })

	release := func(from int) {
		for _, o := range pending[from:] {
			c.release(o.id)
		}
	}
	for i, o := range pending {
		decision, decided := c.registry.Get(o.id)
		if !decided {
			decision = api.DecisionAbort
			if err := c.registry.Record(ctx, o.id, decision); err != nil {
				release(i)
				return out, err
			}
			out.Aborted = append(out.Aborted, o.id)
			c.logger.Info("txn.tc.recover.presumed_abort", "txid", o.id, "participants", o.participants)
		} else {
			out.Redelivered = append(out.Redelivered, o.id)
			c.logger.Info("txn.tc.recover.redeliver", "txid", o.id, "decision", decision)
		}
		delivery := c.deliver(ctx, o.id, decision, o.participants)
		if delivery != nil {
			out.Undelivered = append(out.Undelivered, delivery)
		}
		c.end(ctx, o.id, decision, delivery)
		c.release(o.id)
	}
	c.logger.Info("txn.tc.recover.complete",
		"aborted", len(out.Aborted),
		"redelivered", len(out.Redelivered),
		"undelivered", len(out.Undelivered),
	)
	return out, nil
}
