package commitd

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/scenario"
)

func TestBuiltinScenarios(t *testing.T) {
	cases := []struct {
		name     string
		decision api.Decision
	}{
		{name: "A", decision: api.DecisionCommit},
		{name: "B", decision: api.DecisionAbort},
		{name: "C", decision: api.DecisionCommit},
	}
	for _, tc := range cases {
		tc := tc
		for _, kind := range []string{LedgerMemory, LedgerSQLite} {
			kind := kind
			t.Run(tc.name+"/"+kind, func(t *testing.T) {
				f, err := scenario.Builtin(tc.name)
				if err != nil {
					t.Fatalf("builtin %s: %v", tc.name, err)
				}
				dir := ""
				if kind == LedgerSQLite {
					dir = t.TempDir()
				}
				report, err := RunScenario(context.Background(), f, testConfig(dir, kind), WithMetricsDisabled())
				if err != nil {
					t.Fatalf("run scenario: %v", err)
				}
				if !report.OK() {
					t.Fatalf("scenario %s mismatches: %v", tc.name, report.Mismatches)
				}
				if len(report.Transactions) != 1 {
					t.Fatalf("expected one transaction, got %d", len(report.Transactions))
				}
				tx := report.Transactions[0]
				if tx.Decision != tc.decision {
					t.Fatalf("decision %s want %s", tx.Decision, tc.decision)
				}
				if !strings.HasPrefix(tx.TxID, "tx-") {
					t.Fatalf("expected minted txid, got %q", tx.TxID)
				}
				if report.RunID == "" {
					t.Fatalf("expected run id")
				}
			})
		}
	}
}

func TestScenarioBReportsRejectionReason(t *testing.T) {
	f, err := scenario.Builtin("B")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	report, err := RunScenario(context.Background(), f, testConfig("", ""), WithMetricsDisabled())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := report.Transactions[0]
	if tx.Votes["C"] != api.VoteNo || tx.Votes["B"] != api.VoteYes {
		t.Fatalf("unexpected votes %v", tx.Votes)
	}
	if !strings.Contains(tx.Reasons["C"], "insufficient funds on carol") {
		t.Fatalf("expected insufficient funds reason, got %q", tx.Reasons["C"])
	}
}

func TestScenarioCRecoversCrashedParticipant(t *testing.T) {
	f, err := scenario.Builtin("C")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	report, err := RunScenario(context.Background(), f, testConfig(t.TempDir(), LedgerMemory), WithMetricsDisabled())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := report.Transactions[0]
	if len(tx.Undelivered) != 1 || tx.Undelivered[0] != "B" {
		t.Fatalf("expected B to miss the broadcast, got %v", tx.Undelivered)
	}
	rec, ok := tx.Recovered["B"]
	if !ok || len(rec.Committed) != 1 || rec.Committed[0] != tx.TxID {
		t.Fatalf("expected B to commit %s on recovery, got %+v", tx.TxID, rec)
	}
	if tx.Err != nil {
		t.Fatalf("unexpected error: %v", tx.Err)
	}
}

func TestRunScenarioReportsMismatches(t *testing.T) {
	f, err := scenario.Parse(strings.NewReader(`
name: wrong
participants:
  A: {alice: 10}
  B: {bob: 0}
transactions:
  - id: tx-wrong-1
    plan:
      A: {alice: -10}
      B: {bob: 10}
    expect: ABORT
expect_balances:
  A: {alice: 10}
  B: {bob: 0, carol: 5}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	report, err := RunScenario(context.Background(), f, testConfig("", ""), WithMetricsDisabled())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.OK() {
		t.Fatalf("expected mismatches")
	}
	joined := strings.Join(report.Mismatches, "\n")
	for _, want := range []string{
		"expected ABORT, got COMMIT",
		"balance A/alice: got 0, want 10",
		"balance B/bob: got 10, want 0",
		"balance B/carol: missing",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in mismatches:\n%s", want, joined)
		}
	}
	if report.Transactions[0].TxID != "tx-wrong-1" {
		t.Fatalf("expected supplied txid, got %q", report.Transactions[0].TxID)
	}
}

func TestRunScenarioKeepsCallerRunID(t *testing.T) {
	f, err := scenario.Builtin("A")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	ctx := correlation.Set(context.Background(), "run-42")
	report, err := RunScenario(ctx, f, testConfig("", ""), WithMetricsDisabled())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.RunID != "run-42" {
		t.Fatalf("expected caller run id, got %q", report.RunID)
	}
}

func TestRunScenarioNil(t *testing.T) {
	if _, err := RunScenario(context.Background(), nil, Config{}); err == nil {
		t.Fatalf("expected error for nil scenario")
	}
}
