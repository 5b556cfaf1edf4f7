package commitd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/participant"
	"pkt.systems/commitd/internal/scenario"
	"pkt.systems/commitd/internal/txid"
)

// TxReport is the result of one scenario transaction.
type TxReport struct {
	TxID     string
	Expect   api.Decision
	Decision api.Decision
	Votes    map[string]api.Vote
	Reasons  map[string]string
	// Undelivered lists participants that missed the decision broadcast.
	Undelivered []string
	Recovered   map[string]participant.RecoveryReport
	Err         error
}

// ScenarioReport is the result of a scenario run.
type ScenarioReport struct {
	Name         string
	RunID        string
	Transactions []TxReport
	Balances     map[string]map[string]int64
	Mismatches   []string
}

// OK reports whether every expectation held.
func (r *ScenarioReport) OK() bool {
	return r != nil && len(r.Mismatches) == 0
}

// RunScenario opens a cluster for f, executes its transactions in order,
// applies the crash and recovery steps they name and compares the outcome
// with the expectations of the file. Mismatches are reported, not returned
// as errors; the error is reserved for failures to run at all.
func RunScenario(ctx context.Context, f *scenario.File, cfg Config, opts ...Option) (*ScenarioReport, error) {
	if f == nil {
		return nil, errors.New("commitd: nil scenario")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	report := &ScenarioReport{Name: f.Name, RunID: correlation.ID(ctx)}
	if report.RunID == "" {
		report.RunID = correlation.Generate()
		ctx = correlation.Set(ctx, report.RunID)
	}
	o := applyOptions(opts)
	logger := correlation.WithLogger(ctx, o.Logger).With("scenario", f.Name)
	cluster, err := NewCluster(ctx, cfg, f.Participants, append(append([]Option(nil), opts...), WithLogger(logger))...)
	if err != nil {
		return nil, err
	}
	defer cluster.Close()

	for i, tx := range f.Transactions {
		id := tx.ID
		if id == "" {
			id = txid.New()
		}
		tr := runScenarioTx(ctx, cluster, id, tx)
		if tx.Expect != "" && tr.Decision != tx.Expect {
			got := string(tr.Decision)
			if tr.Err != nil {
				got = "error: " + tr.Err.Error()
			}
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("transaction %d (%s): expected %s, got %s", i+1, id, tx.Expect, got))
		}
		for name, rec := range tr.Recovered {
			if !rec.Resolved() {
				report.Mismatches = append(report.Mismatches,
					fmt.Sprintf("transaction %d (%s): %s still blocked on %v", i+1, id, name, rec.Blocked))
			}
		}
		report.Transactions = append(report.Transactions, tr)
	}

	balances, err := cluster.Balances(ctx)
	if err != nil {
		return report, err
	}
	report.Balances = balances
	report.Mismatches = append(report.Mismatches, compareBalances(f.ExpectBalances, balances)...)
	logger.Info("scenario.finished",
		"transactions", len(report.Transactions),
		"ok", report.OK(),
		"mismatches", len(report.Mismatches),
	)
	return report, nil
}

func runScenarioTx(ctx context.Context, cluster *Cluster, id string, tx scenario.Transaction) TxReport {
	tr := TxReport{TxID: id, Expect: tx.Expect}
	if err := cluster.CrashAfterPrepare(id, tx.CrashAfterPrepare...); err != nil {
		tr.Err = err
		return tr
	}
	out, err := cluster.Run(ctx, id, tx.Plan, tx.Timeout)
	if err != nil {
		tr.Err = err
	} else {
		tr.Decision = out.Decision
		tr.Votes = make(map[string]api.Vote, len(out.Votes))
		for name, v := range out.Votes {
			tr.Votes[name] = v.Vote
			switch {
			case v.Err != nil:
				if tr.Reasons == nil {
					tr.Reasons = make(map[string]string)
				}
				tr.Reasons[name] = v.Err.Error()
			case v.Reason != "":
				if tr.Reasons == nil {
					tr.Reasons = make(map[string]string)
				}
				tr.Reasons[name] = v.Reason
			}
		}
		tr.Undelivered = out.Delivery.Participants()
	}
	for _, name := range tx.Recover {
		rec, err := cluster.Recover(ctx, name)
		if tr.Recovered == nil {
			tr.Recovered = make(map[string]participant.RecoveryReport)
		}
		tr.Recovered[name] = rec
		if err != nil && tr.Err == nil {
			tr.Err = fmt.Errorf("recover %s: %w", name, err)
		}
	}
	return tr
}

func compareBalances(want, got map[string]map[string]int64) []string {
	var out []string
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		accounts := make([]string, 0, len(want[name]))
		for acct := range want[name] {
			accounts = append(accounts, acct)
		}
		sort.Strings(accounts)
		for _, acct := range accounts {
			have, ok := got[name][acct]
			if !ok {
				out = append(out, fmt.Sprintf("balance %s/%s: missing, want %d", name, acct, want[name][acct]))
				continue
			}
			if have != want[name][acct] {
				out = append(out, fmt.Sprintf("balance %s/%s: got %d, want %d", name, acct, have, want[name][acct]))
			}
		}
	}
	return out
}
