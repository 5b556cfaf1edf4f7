package txncoord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/commitd/internal/txid"
	"pkt.systems/commitd/internal/txnlog"
	"pkt.systems/pslog"
)

// DefaultPrepareTimeout bounds the prepare round when no timeout is given.
const DefaultPrepareTimeout = 3 * time.Second

var (
	// ErrInvalidPlan rejects a transaction before anything is logged.
	ErrInvalidPlan = errors.New("txncoord: invalid plan")
	// ErrPlanConflict reports a txid reused with a different plan.
	ErrPlanConflict = errors.New("txncoord: txid already used with a different plan")
	// ErrTxnInProgress reports a txid that is already being driven.
	ErrTxnInProgress = errors.New("txncoord: transaction in progress")
	// ErrDecisionConflict reports an attempt to overwrite a recorded decision.
	ErrDecisionConflict = errors.New("txncoord: decision already recorded")
)

// Participant is the coordinator's view of a participant endpoint.
type Participant interface {
	OnPrepare(ctx context.Context, req api.PrepareRequest) (api.PrepareResponse, error)
	OnCommit(ctx context.Context, msg api.DecisionMessage) error
	OnAbort(ctx context.Context, msg api.DecisionMessage) error
}

// Directory resolves participant names to endpoints.
type Directory interface {
	Lookup(name string) (Participant, bool)
}

// StaticDirectory is a fixed name to endpoint map.
type StaticDirectory map[string]Participant

// Lookup implements Directory.
func (d StaticDirectory) Lookup(name string) (Participant, bool) {
	p, ok := d[name]
	return p, ok && p != nil
}

// Config defines coordinator behavior.
type Config struct {
	Log       txnlog.Log
	Directory Directory
	Logger    pslog.Logger
	Clock     clock.Clock

	PrepareTimeout time.Duration

	DeliveryMaxAttempts int
	DeliveryBaseDelay   time.Duration
	DeliveryMaxDelay    time.Duration
	DeliveryMultiplier  float64

	DisableMetrics bool
}

// Coordinator drives transactions through the prepare and decide rounds and
// answers decision queries from recovering participants.
type Coordinator struct {
	log         txnlog.Log
	directory   Directory
	logger      pslog.Logger
	clock       clock.Clock
	metrics     *txncoordMetrics
	tracer      trace.Tracer
	registry    *Registry
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64

	mu       sync.Mutex
	inflight map[string]struct{}
	known    map[string]*txnInfo
}

type txnInfo struct {
	participants []string
	// plan is nil only for BEGIN records written without one.
	plan  api.Plan
	ended bool
}

// Outcome is the result of one transaction run.
type Outcome struct {
	TxID     string
	Decision api.Decision
	Votes    map[string]VoteResult
	// Delivery is non-nil when some participant did not acknowledge the
	// decision; they learn it later through GetDecision.
	Delivery *DeliveryError
	// Replayed is set when the decision was already recorded and nothing was
	// re-run.
	Replayed bool
}

// VoteResult is what the prepare round learned from one participant.
type VoteResult struct {
	Participant string
	Vote        api.Vote
	Reason      string
	Err         error
}

// DeliveryError reports participants that did not acknowledge a decision.
type DeliveryError struct {
	TxID     string
	Decision api.Decision
	Failures []DeliveryFailure
}

// DeliveryFailure captures a failed decision delivery.
type DeliveryFailure struct {
	Participant string
	Attempts    int
	Err         error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Failures) == 0 {
		return "txn delivery failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "txn %s delivery of %s failed: ", e.TxID, e.Decision)
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Participant)
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Participants lists the participants that missed the decision.
func (e *DeliveryError) Participants() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Participant)
	}
	return out
}

// New constructs a Coordinator and rebuilds its decision registry from the log.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, errors.New("txncoord: log required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("txncoord: directory required")
	}
	logger := svcfields.WithActor(cfg.Logger, "txn.coordinator", "coordinator")
	timeout := cfg.PrepareTimeout
	if timeout <= 0 {
		timeout = DefaultPrepareTimeout
	}
	c := &Coordinator{
		log:         cfg.Log,
		directory:   cfg.Directory,
		logger:      logger,
		clock:       clock.Ensure(cfg.Clock),
		tracer:      otel.Tracer("pkt.systems/commitd/txncoord"),
		registry:    NewRegistry(cfg.Log),
		timeout:     timeout,
		maxAttempts: cfg.DeliveryMaxAttempts,
		baseDelay:   cfg.DeliveryBaseDelay,
		maxDelay:    cfg.DeliveryMaxDelay,
		multiplier:  cfg.DeliveryMultiplier,
		inflight:    make(map[string]struct{}),
		known:       make(map[string]*txnInfo),
	}
	if !cfg.DisableMetrics {
		c.metrics = newTxncoordMetrics(logger)
	}
	records, err := cfg.Log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("txncoord: load log: %w", err)
	}
	c.registry.load(records)
	for _, rec := range records {
		switch rec.Event {
		case txnlog.EventBegin:
			info := &txnInfo{participants: append([]string(nil), rec.Participants...)}
			if len(rec.Plan) > 0 {
				info.plan = rec.Plan.Clone()
			}
			c.known[rec.TxID] = info
		case txnlog.EventEnd:
			if info, ok := c.known[rec.TxID]; ok {
				info.ended = true
			}
		}
	}
	logger.Debug("txn.tc.log.replayed", "records", len(records), "decisions", c.registry.Len())
	return c, nil
}

// Registry exposes the decision registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// GetDecision returns the recorded decision for txid or api.DecisionUnknown.
// It never blocks on a running transaction.
func (c *Coordinator) GetDecision(ctx context.Context, txid string) (api.Decision, error) {
	if err := ctx.Err(); err != nil {
		return api.DecisionUnknown, err
	}
	if d, ok := c.registry.Get(txid); ok {
		return d, nil
	}
	return api.DecisionUnknown, nil
}

// RunTransaction executes one transaction and returns its decision. A zero
// timeout uses the configured prepare timeout.
func (c *Coordinator) RunTransaction(ctx context.Context, id string, plan api.Plan, timeout time.Duration) (api.Decision, error) {
	out, err := c.Run(ctx, id, plan, timeout)
	if err != nil {
		return "", err
	}
	return out.Decision, nil
}

// Run executes one transaction and reports the votes and any delivery
// failures alongside the decision. Delivery failures never turn into an
// error: the decision is durable and stragglers recover it on their own.
func (c *Coordinator) Run(ctx context.Context, id string, plan api.Plan, timeout time.Duration) (*Outcome, error) {
	if err := validatePlan(id, plan, c.directory); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	if out, done, err := c.claim(id, plan); err != nil || done {
		return out, err
	}
	defer c.release(id)
	plan = plan.Clone()
	names := plan.Participants()

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "commitd.txn.run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("commitd.txn.id", id),
		attribute.Int("commitd.txn.participants", len(names)),
	)
	logger := correlation.WithLogger(ctx, c.logger).With("txid", id)
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("commitd.run.id", cid))
	}

	if _, err := c.log.Append(ctx, txnlog.Record{Event: txnlog.EventBegin, TxID: id, Participants: names, Plan: plan}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin_failed")
		c.forget(id)
		return nil, fmt.Errorf("txncoord: append begin: %w", err)
	}
	logger.Info("txn.tc.begin", "participants", names, "timeout", timeout)

	votes := c.prepare(ctx, id, plan, timeout)
	for _, name := range names {
		v := votes[name]
		rec := txnlog.Record{Event: txnlog.EventVote, TxID: id, Participant: name, Vote: v.Vote}
		if v.Err != nil {
			rec.Error = v.Err.Error()
		} else if v.Reason != "" {
			rec.Error = v.Reason
		}
		if _, err := c.log.Append(ctx, rec); err != nil {
			logger.Warn("txn.tc.vote.log_failed", "participant", name, "error", err)
		}
	}

	decision := Decide(names, voteMap(votes))
	decideStart := time.Now()
	if err := c.registry.Record(ctx, id, decision); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision_failed")
		logger.Error("txn.tc.decide.failed", "decision", decision, "error", err)
		return nil, fmt.Errorf("txncoord: record decision: %w", err)
	}
	c.metrics.recordDecide(ctx, decision, time.Since(decideStart))
	logger.Info("txn.tc.decide.recorded",
		"decision", decision,
		"participants", len(names),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(attribute.String("commitd.txn.decision", string(decision)))

	delivery := c.deliver(ctx, id, decision, names)
	c.end(ctx, id, decision, delivery)
	span.SetStatus(codes.Ok, "")
	return &Outcome{TxID: id, Decision: decision, Votes: votes, Delivery: delivery}, nil
}

// Decide returns COMMIT only when every expected participant voted YES.
func Decide(expected []string, votes map[string]api.Vote) api.Decision {
	if len(expected) == 0 {
		return api.DecisionAbort
	}
	for _, name := range expected {
		if votes[name] != api.VoteYes {
			return api.DecisionAbort
		}
	}
	return api.DecisionCommit
}

func voteMap(results map[string]VoteResult) map[string]api.Vote {
	out := make(map[string]api.Vote, len(results))
	for name, r := range results {
		out[name] = r.Vote
	}
	return out
}

func validatePlan(id string, plan api.Plan, dir Directory) error {
	if err := txid.Validate(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(plan) == 0 {
		return fmt.Errorf("%w: no participants", ErrInvalidPlan)
	}
	for _, name := range plan.Participants() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty participant name", ErrInvalidPlan)
		}
		if len(plan[name]) == 0 {
			return fmt.Errorf("%w: empty payload for %s", ErrInvalidPlan, name)
		}
		if _, ok := dir.Lookup(name); !ok {
			return fmt.Errorf("%w: unknown participant %s", ErrInvalidPlan, name)
		}
	}
	return nil
}

// claim marks id as running. done reports that id was already decided with
// the same plan, in which case out carries the recorded decision.
func (c *Coordinator) claim(id string, plan api.Plan) (out *Outcome, done bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return nil, false, fmt.Errorf("%w: %s", ErrTxnInProgress, id)
	}
	if info, ok := c.known[id]; ok {
		if !samePlan(info, plan) {
			return nil, false, fmt.Errorf("%w: %s", ErrPlanConflict, id)
		}
		if d, decided := c.registry.Get(id); decided {
			return &Outcome{TxID: id, Decision: d, Replayed: true}, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s awaits recovery", ErrTxnInProgress, id)
	}
	c.inflight[id] = struct{}{}
	c.known[id] = &txnInfo{participants: plan.Participants(), plan: plan.Clone()}
	return nil, false, nil
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// forget drops a txid that never reached the log.
func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.known, id)
	c.mu.Unlock()
}

func samePlan(info *txnInfo, plan api.Plan) bool {
	if info.plan != nil {
		return info.plan.Equal(plan)
	}
	names := plan.Participants()
	if len(names) != len(info.participants) {
		return false
	}
	for i := range names {
		if names[i] != info.participants[i] {
			return false
		}
	}
	return true
}

// prepare asks every participant concurrently under one deadline. Errors and
// missing replies count as NO. Replies arriving after the deadline land in
// the buffered channel and are dropped.
func (c *Coordinator) prepare(ctx context.Context, id string, plan api.Plan, timeout time.Duration) map[string]VoteResult {
	ctx, span := c.tracer.Start(ctx, "commitd.txn.prepare", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan VoteResult, len(plan))
	for name, payload := range plan {
		go func(name string, payload api.Payload) {
			results <- c.prepareOne(ctx, id, name, payload)
		}(name, payload)
	}

	votes := make(map[string]VoteResult, len(plan))
collect:
	for len(votes) < len(plan) {
		select {
		case r := <-results:
			votes[r.Participant] = r
		case <-ctx.Done():
			break collect
		}
	}
	for name := range plan {
		if _, ok := votes[name]; ok {
			continue
		}
		votes[name] = VoteResult{
			Participant: name,
			Vote:        api.VoteNo,
			Err:         fmt.Errorf("no vote before deadline: %w", ctx.Err()),
		}
	}
	for name, v := range votes {
		result := strings.ToLower(string(v.Vote))
		if v.Err != nil {
			result = "error"
			c.logger.Warn("txn.tc.prepare.failed", "txid", id, "participant", name, "error", v.Err)
		}
		c.metrics.recordVote(ctx, result)
	}
	span.SetAttributes(attribute.Int("commitd.txn.votes", len(votes)))
	return votes
}

func (c *Coordinator) prepareOne(ctx context.Context, id, name string, payload api.Payload) VoteResult {
	p, ok := c.directory.Lookup(name)
	if !ok {
		return VoteResult{Participant: name, Vote: api.VoteNo, Err: fmt.Errorf("unknown participant %s", name)}
	}
	resp, err := p.OnPrepare(ctx, api.PrepareRequest{TxID: id, Payload: payload.Clone()})
	if err != nil {
		return VoteResult{Participant: name, Vote: api.VoteNo, Err: err}
	}
	vote := resp.Vote
	if vote != api.VoteYes {
		vote = api.VoteNo
	}
	return VoteResult{Participant: name, Vote: vote, Reason: resp.Reason}
}

// end appends the END record; its Participants field lists delivery
// stragglers.
func (c *Coordinator) end(ctx context.Context, id string, decision api.Decision, delivery *DeliveryError) {
	rec := txnlog.Record{Event: txnlog.EventEnd, TxID: id, Outcome: decision}
	if delivery != nil {
		rec.Participants = delivery.Participants()
		rec.Error = delivery.Error()
	}
	if _, err := c.log.Append(ctx, rec); err != nil {
		c.logger.Warn("txn.tc.end.log_failed", "txid", id, "error", err)
		return
	}
	c.mu.Lock()
	if info, ok := c.known[id]; ok {
		info.ended = true
	}
	c.mu.Unlock()
}
