package participant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/ledger"
	"pkt.systems/commitd/internal/txnlog"
)

type stubDecisions struct {
	mu        sync.Mutex
	decisions map[string]api.Decision
	unknownN  int
	err       error
	calls     int
}

func (s *stubDecisions) GetDecision(_ context.Context, txid string) (api.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return api.DecisionUnknown, s.err
	}
	if s.calls <= s.unknownN {
		return api.DecisionUnknown, nil
	}
	if d, ok := s.decisions[txid]; ok {
		return d, nil
	}
	return api.DecisionUnknown, nil
}

func newTestParticipant(t testing.TB, log txnlog.Log, balances map[string]int64, mutate func(*Config)) *Participant {
	t.Helper()
	if log == nil {
		log = txnlog.NewMemory(nil)
	}
	cfg := Config{
		Name:   "A",
		Log:    log,
		Ledger: ledger.NewMemory(balances),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new participant: %v", err)
	}
	return p
}

func prepare(t testing.TB, p *Participant, txid string, payload api.Payload) api.PrepareResponse {
	t.Helper()
	resp, err := p.OnPrepare(context.Background(), api.PrepareRequest{TxID: txid, Payload: payload})
	if err != nil {
		t.Fatalf("prepare %s: %v", txid, err)
	}
	return resp
}

func mustRecords(t testing.TB, log txnlog.Log) []txnlog.Record {
	t.Helper()
	records, err := log.Load(context.Background())
	if err != nil {
		t.Fatalf("load log: %v", err)
	}
	return records
}

func TestPrepareYesIsDurableBeforeReply(t *testing.T) {
	log := txnlog.NewMemory(nil)
	var seen []txnlog.Record
	p := newTestParticipant(t, log, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.PrepareHook = func(ctx context.Context, _ *Participant, _ api.PrepareRequest, _ api.Vote) error {
			seen = mustRecords(t, log)
			return nil
		}
	})

	resp := prepare(t, p, "tx-1", api.Payload{"alice": -100})
	if resp.Vote != api.VoteYes {
		t.Fatalf("expected YES, got %s (%s)", resp.Vote, resp.Reason)
	}
	if len(seen) != 1 || seen[0].Event != txnlog.EventPrepared {
		t.Fatalf("expected PREPARED before reply, got %+v", seen)
	}
	if !seen[0].Payload.Equal(api.Payload{"alice": -100}) {
		t.Fatalf("prepared record lost payload: %v", seen[0].Payload)
	}
	if got := p.State("tx-1"); got != api.TxStateReady {
		t.Fatalf("state = %s, want READY", got)
	}
	pending, ok := p.Pending("tx-1")
	if !ok || pending["alice"] != -100 {
		t.Fatalf("pending = %v, %v", pending, ok)
	}
}

func TestPrepareNoWhenOverdrawn(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, map[string]int64{"alice": 50}, nil)

	resp := prepare(t, p, "tx-1", api.Payload{"alice": -100})
	if resp.Vote != api.VoteNo {
		t.Fatalf("expected NO, got %s", resp.Vote)
	}
	if !strings.Contains(resp.Reason, "insufficient funds on alice") {
		t.Fatalf("unexpected reason %q", resp.Reason)
	}
	if records := mustRecords(t, log); len(records) != 0 {
		t.Fatalf("NO vote must not be logged, got %+v", records)
	}
	if got := p.State("tx-1"); got != api.TxStateInit {
		t.Fatalf("state = %s, want INIT", got)
	}

	err := p.CheckFeasible(context.Background(), api.Payload{"alice": -100})
	var rejected *VoteRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected VoteRejectedError, got %v", err)
	}
	if rejected.Account != "alice" || rejected.Balance != 50 || rejected.Delta != -100 {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestPrepareCountsReservedDebits(t *testing.T) {
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, nil)
	ctx := context.Background()

	if resp := prepare(t, p, "tx-1", api.Payload{"alice": -80}); resp.Vote != api.VoteYes {
		t.Fatalf("tx-1 vote = %s", resp.Vote)
	}
	if got := p.Reserved("alice"); got != 80 {
		t.Fatalf("reserved = %d, want 80", got)
	}
	if resp := prepare(t, p, "tx-2", api.Payload{"alice": -30}); resp.Vote != api.VoteNo {
		t.Fatalf("tx-2 should be rejected while tx-1 holds 80, got %s", resp.Vote)
	}
	if err := p.OnAbort(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionAbort}); err != nil {
		t.Fatalf("abort tx-1: %v", err)
	}
	if got := p.Reserved("alice"); got != 0 {
		t.Fatalf("reserved after abort = %d", got)
	}
	if resp := prepare(t, p, "tx-3", api.Payload{"alice": -30}); resp.Vote != api.VoteYes {
		t.Fatalf("tx-3 vote = %s", resp.Vote)
	}
}

func TestRepeatedPrepare(t *testing.T) {
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, nil)
	ctx := context.Background()

	prepare(t, p, "tx-1", api.Payload{"alice": -10})
	if resp := prepare(t, p, "tx-1", api.Payload{"alice": -10}); resp.Vote != api.VoteYes {
		t.Fatalf("re-prepare vote = %s", resp.Vote)
	}
	if got := p.Reserved("alice"); got != 10 {
		t.Fatalf("re-prepare must not reserve twice, reserved = %d", got)
	}
	_, err := p.OnPrepare(ctx, api.PrepareRequest{TxID: "tx-1", Payload: api.Payload{"alice": -20}})
	if !errors.Is(err, ErrPayloadConflict) {
		t.Fatalf("expected ErrPayloadConflict, got %v", err)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, map[string]int64{"alice": 100, "bob": 0}, nil)
	ctx := context.Background()

	prepare(t, p, "tx-1", api.Payload{"alice": -100, "bob": 100})
	msg := api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionCommit}
	for i := 0; i < 3; i++ {
		if err := p.OnCommit(ctx, msg); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	balances, err := p.Balances(ctx)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances["alice"] != 0 || balances["bob"] != 100 {
		t.Fatalf("unexpected balances %v", balances)
	}
	commits := 0
	for _, rec := range mustRecords(t, log) {
		if rec.Event == txnlog.EventCommit {
			commits++
		}
	}
	if commits != 1 {
		t.Fatalf("expected one COMMIT record, got %d", commits)
	}
	if p.State("tx-1") != api.TxStateCommitted {
		t.Fatalf("state = %s", p.State("tx-1"))
	}
	if err := p.OnAbort(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionAbort}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("abort after commit: %v", err)
	}
}

func TestCommitWithoutPendingIsNoop(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, nil, nil)
	if err := p.OnCommit(context.Background(), api.DecisionMessage{TxID: "tx-x", Kind: api.DecisionCommit}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if records := mustRecords(t, log); len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}
}

func TestAbortDiscardsPending(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, map[string]int64{"alice": 100}, nil)
	ctx := context.Background()

	prepare(t, p, "tx-1", api.Payload{"alice": -40})
	for i := 0; i < 2; i++ {
		if err := p.OnAbort(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionAbort}); err != nil {
			t.Fatalf("abort %d: %v", i, err)
		}
	}
	if _, ok := p.Pending("tx-1"); ok {
		t.Fatalf("pending payload survived abort")
	}
	if got, _ := p.Ledger().Balance(ctx, "alice"); got != 100 {
		t.Fatalf("alice = %d, want 100", got)
	}
	records := mustRecords(t, log)
	if len(records) != 2 || records[1].Event != txnlog.EventAbort {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestCrashedParticipantIsUnavailable(t *testing.T) {
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, nil)
	ctx := context.Background()
	p.Crash()

	if _, err := p.OnPrepare(ctx, api.PrepareRequest{TxID: "tx-1", Payload: api.Payload{"alice": -1}}); !errors.Is(err, api.ErrUnavailable) {
		t.Fatalf("prepare: %v", err)
	}
	if err := p.OnCommit(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionCommit}); !errors.Is(err, api.ErrUnavailable) {
		t.Fatalf("commit: %v", err)
	}
	if err := p.OnAbort(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionAbort}); !errors.Is(err, api.ErrUnavailable) {
		t.Fatalf("abort: %v", err)
	}
}

func TestAppendFailureReleasesReservation(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, map[string]int64{"alice": 100}, nil)
	boom := errors.New("disk gone")
	log.FailAppends(boom)

	_, err := p.OnPrepare(context.Background(), api.PrepareRequest{TxID: "tx-1", Payload: api.Payload{"alice": -100}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected append error, got %v", err)
	}
	if got := p.Reserved("alice"); got != 0 {
		t.Fatalf("reservation leaked: %d", got)
	}
	if p.State("tx-1") != api.TxStateInit {
		t.Fatalf("state = %s", p.State("tx-1"))
	}
	log.FailAppends(nil)
	if resp := prepare(t, p, "tx-1", api.Payload{"alice": -100}); resp.Vote != api.VoteYes {
		t.Fatalf("retry vote = %s", resp.Vote)
	}
}

func TestCrashAfterPrepareRecoversDecision(t *testing.T) {
	log := txnlog.NewMemory(nil)
	decisions := &stubDecisions{decisions: map[string]api.Decision{"tx-1": api.DecisionCommit}}
	p := newTestParticipant(t, log, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.Decisions = decisions
		cfg.PrepareHook = func(_ context.Context, p *Participant, _ api.PrepareRequest, vote api.Vote) error {
			if vote == api.VoteYes {
				p.Crash()
			}
			return nil
		}
	})
	ctx := context.Background()

	prepare(t, p, "tx-1", api.Payload{"alice": -60})
	if err := p.OnCommit(ctx, api.DecisionMessage{TxID: "tx-1", Kind: api.DecisionCommit}); !errors.Is(err, api.ErrUnavailable) {
		t.Fatalf("commit while crashed: %v", err)
	}

	report, err := p.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(report.Committed) != 1 || report.Committed[0] != "tx-1" || !report.Resolved() {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, _ := p.Ledger().Balance(ctx, "alice"); got != 40 {
		t.Fatalf("alice = %d, want 40", got)
	}
	if p.State("tx-1") != api.TxStateCommitted {
		t.Fatalf("state = %s", p.State("tx-1"))
	}
}

func TestRecoverLeavesUnknownBlocked(t *testing.T) {
	decisions := &stubDecisions{}
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.Decisions = decisions
	})
	prepare(t, p, "tx-1", api.Payload{"alice": -10})
	p.Crash()

	report, err := p.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(report.Blocked) != 1 || report.Blocked[0] != "tx-1" {
		t.Fatalf("unexpected report %+v", report)
	}
	if p.State("tx-1") != api.TxStateReady {
		t.Fatalf("blocked txn must stay READY, got %s", p.State("tx-1"))
	}
	if !p.Available() {
		t.Fatalf("participant should be reachable after recover")
	}
	if got := p.Reserved("alice"); got != 10 {
		t.Fatalf("reservation after replay = %d", got)
	}
}

func TestResolveBlockedPollsUntilDecision(t *testing.T) {
	decisions := &stubDecisions{decisions: map[string]api.Decision{"tx-1": api.DecisionAbort}, unknownN: 3}
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.Decisions = decisions
	})
	prepare(t, p, "tx-1", api.Payload{"alice": -10})
	p.Crash()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := p.ResolveBlocked(ctx, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(report.Aborted) != 1 || len(report.Blocked) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if p.State("tx-1") != api.TxStateAborted {
		t.Fatalf("state = %s", p.State("tx-1"))
	}
}

func TestResolveBlockedGivesUpWithContext(t *testing.T) {
	decisions := &stubDecisions{err: errors.New("coordinator unreachable")}
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.Decisions = decisions
	})
	prepare(t, p, "tx-1", api.Payload{"alice": -10})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	report, err := p.ResolveBlocked(ctx, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if !errors.Is(err, ErrUnresolvedBlocking) {
		t.Fatalf("expected ErrUnresolvedBlocking, got %v", err)
	}
	if len(report.Blocked) != 1 {
		t.Fatalf("expected blocked txn in report, got %+v", report)
	}
}

func TestNewRebuildsTableFromLog(t *testing.T) {
	log := txnlog.NewMemory(nil)
	first := newTestParticipant(t, log, map[string]int64{"alice": 100}, nil)
	ctx := context.Background()
	prepare(t, first, "tx-1", api.Payload{"alice": -10})
	prepare(t, first, "tx-2", api.Payload{"alice": -20})
	if err := first.OnCommit(ctx, api.DecisionMessage{TxID: "tx-2", Kind: api.DecisionCommit}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	second := newTestParticipant(t, log, map[string]int64{"alice": 100}, nil)
	if second.State("tx-1") != api.TxStateReady || second.State("tx-2") != api.TxStateCommitted {
		t.Fatalf("states = %s, %s", second.State("tx-1"), second.State("tx-2"))
	}
	if got := second.Reserved("alice"); got != 10 {
		t.Fatalf("reserved = %d, want 10", got)
	}
	if ready := second.Ready(); len(ready) != 1 || ready[0] != "tx-1" {
		t.Fatalf("ready = %v", ready)
	}
}

func TestReplayRoundTripMatchesLedger(t *testing.T) {
	log := txnlog.NewMemory(nil)
	seed := map[string]int64{"alice": 100, "bob": 20}
	p := newTestParticipant(t, log, seed, nil)
	ctx := context.Background()

	prepare(t, p, "tx-1", api.Payload{"alice": -30, "bob": 30})
	prepare(t, p, "tx-2", api.Payload{"bob": -50})
	prepare(t, p, "tx-3", api.Payload{"alice": -5})
	for _, id := range []string{"tx-1", "tx-2"} {
		if err := p.OnCommit(ctx, api.DecisionMessage{TxID: id, Kind: api.DecisionCommit}); err != nil {
			t.Fatalf("commit %s: %v", id, err)
		}
	}
	if err := p.OnAbort(ctx, api.DecisionMessage{TxID: "tx-3", Kind: api.DecisionAbort}); err != nil {
		t.Fatalf("abort: %v", err)
	}

	rebuilt := ledger.NewMemory(seed)
	applied, err := Rebuild(ctx, mustRecords(t, log), rebuilt)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
	want, _ := p.Balances(ctx)
	got, _ := rebuilt.Snapshot(ctx)
	for account, balance := range want {
		if got[account] != balance {
			t.Fatalf("%s = %d, want %d", account, got[account], balance)
		}
	}
	if ledger.Total(got) != ledger.Total(seed) {
		t.Fatalf("balanced transfers changed the total: %d", ledger.Total(got))
	}

	replayed := Replay(mustRecords(t, log))
	if replayed.State("tx-3") != api.TxStateAborted || replayed.State("tx-1") != api.TxStateCommitted {
		t.Fatalf("unexpected replay %+v", replayed.Entries)
	}
}

func TestPrepareHookErrorReplacesReply(t *testing.T) {
	boom := errors.New("injected")
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, func(cfg *Config) {
		cfg.PrepareHook = func(context.Context, *Participant, api.PrepareRequest, api.Vote) error { return boom }
	})
	_, err := p.OnPrepare(context.Background(), api.PrepareRequest{TxID: "tx-1", Payload: api.Payload{"alice": -1}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if p.State("tx-1") != api.TxStateReady {
		t.Fatalf("hook runs after the durable vote; state = %s", p.State("tx-1"))
	}
}

func TestConcurrentPrepareOfSameTxIDPersistsOnce(t *testing.T) {
	log := txnlog.NewMemory(nil)
	p := newTestParticipant(t, log, map[string]int64{"alice": 100}, func(c *Config) { c.DisableMetrics = true })
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	votes := make(chan api.Vote, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.OnPrepare(ctx, api.PrepareRequest{TxID: "tx-1", Payload: api.Payload{"alice": -60}})
			if err != nil {
				t.Errorf("prepare: %v", err)
				return
			}
			votes <- resp.Vote
		}()
	}
	wg.Wait()
	close(votes)
	for v := range votes {
		if v != api.VoteYes {
			t.Fatalf("vote = %s", v)
		}
	}
	var prepared int
	for _, rec := range mustRecords(t, log) {
		if rec.Event == txnlog.EventPrepared {
			prepared++
		}
	}
	if prepared != 1 {
		t.Fatalf("PREPARED records = %d, want 1", prepared)
	}
	if got := p.Reserved("alice"); got != 60 {
		t.Fatalf("reserved = %d, want 60", got)
	}
}

func TestConcurrentPreparesNeverOverReserve(t *testing.T) {
	p := newTestParticipant(t, nil, map[string]int64{"alice": 100}, func(c *Config) { c.DisableMetrics = true })
	ctx := context.Background()

	const txns = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var yes int
	for i := 0; i < txns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.OnPrepare(ctx, api.PrepareRequest{TxID: "tx-" + strings.Repeat("x", i+1), Payload: api.Payload{"alice": -60}})
			if err != nil {
				t.Errorf("prepare: %v", err)
				return
			}
			if resp.Vote == api.VoteYes {
				mu.Lock()
				yes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if yes != 1 {
		t.Fatalf("YES votes = %d, want 1", yes)
	}
	if got := p.Reserved("alice"); got != 60 {
		t.Fatalf("reserved = %d, want 60", got)
	}
}
