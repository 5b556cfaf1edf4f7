package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/commitd"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/ledger"
	"pkt.systems/commitd/internal/scenario"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/pslog"
)

func newRunCommand(baseLogger pslog.Logger) *cobra.Command {
	var planPath string
	var resume bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the transactions of a scenario file",
		Long: `Execute the transactions of a scenario file against a fresh cluster.

With --log-dir every run gets its own directory <log-dir>/<scenario>-<run id>
unless --resume is given, in which case <log-dir> is used as is and the
cluster recovers whatever a previous run left behind before executing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(planPath) == "" {
				return fmt.Errorf("--plan is required")
			}
			f, err := scenario.Load(planPath)
			if err != nil {
				return err
			}
			return runScenarios(cmd, baseLogger, []*scenario.File{f}, resume)
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "path to a YAML scenario file")
	cmd.Flags().BoolVar(&resume, "resume", false, "reuse --log-dir as is instead of a fresh per-run directory")
	return cmd
}

func newDemoCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "demo [A|B|C|all]",
		Short:     "Run the built-in scenarios",
		ValidArgs: append(scenario.Builtins(), "all"),
		Args:      cobra.MaximumNArgs(1),
		Long: `Run the built-in scenarios:

  A  balanced transfer between two participants commits
  B  a participant without funds votes NO and the transfer aborts
  C  a participant crashes after voting YES and learns COMMIT on recovery`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := scenario.Builtins()
			if len(args) == 1 && !strings.EqualFold(args[0], "all") {
				names = []string{args[0]}
			}
			files := make([]*scenario.File, 0, len(names))
			for _, name := range names {
				f, err := scenario.Builtin(name)
				if err != nil {
					return fmt.Errorf("%w (choose from %s or all)", err, strings.Join(scenario.Builtins(), ", "))
				}
				files = append(files, f)
			}
			return runScenarios(cmd, baseLogger, files, false)
		},
	}
	return cmd
}

func runScenarios(cmd *cobra.Command, baseLogger pslog.Logger, files []*scenario.File, resume bool) error {
	cfg, err := loadConfig(baseLogger)
	if err != nil {
		return err
	}
	logger := leveledLogger(baseLogger, cfg.LogLevel)
	cliLogger := svcfields.WithSubsystem(logger, "cli.run")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tel, err := commitd.StartTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			cliLogger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var failed []string
	for _, f := range files {
		runID := correlation.Generate()
		runCfg := cfg
		if runCfg.LogDir != "" && !resume {
			runCfg.LogDir = filepath.Join(cfg.LogDir, strings.ToLower(f.Name)+"-"+runID)
		}
		runCtx := correlation.Set(ctx, runID)
		report, err := commitd.RunScenario(runCtx, f, runCfg, commitd.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("scenario %s: %w", f.Name, err)
		}
		printReport(cmd.OutOrStdout(), report, runCfg.LogDir)
		if !report.OK() {
			failed = append(failed, f.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("scenario expectations failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func printReport(w io.Writer, r *commitd.ScenarioReport, logDir string) {
	fmt.Fprintf(w, "scenario %s (run %s)\n", r.Name, r.RunID)
	if logDir != "" {
		fmt.Fprintf(w, "  logs: %s\n", logDir)
	}
	for _, tx := range r.Transactions {
		decision := string(tx.Decision)
		if decision == "" {
			decision = "none"
		}
		if tx.Expect != "" {
			fmt.Fprintf(w, "  %s: %s (expected %s)\n", tx.TxID, decision, tx.Expect)
		} else {
			fmt.Fprintf(w, "  %s: %s\n", tx.TxID, decision)
		}
		for _, name := range sortedKeys(tx.Votes) {
			line := fmt.Sprintf("    vote %s: %s", name, tx.Votes[name])
			if reason := tx.Reasons[name]; reason != "" {
				line += " (" + reason + ")"
			}
			fmt.Fprintln(w, line)
		}
		if len(tx.Undelivered) > 0 {
			fmt.Fprintf(w, "    undelivered: %s\n", strings.Join(tx.Undelivered, ", "))
		}
		for _, name := range sortedKeys(tx.Recovered) {
			rec := tx.Recovered[name]
			fmt.Fprintf(w, "    recovered %s: committed=%d aborted=%d blocked=%d\n",
				name, len(rec.Committed), len(rec.Aborted), len(rec.Blocked))
		}
		if tx.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", tx.Err)
		}
	}
	fmt.Fprintln(w, "  balances:")
	for _, name := range sortedKeys(r.Balances) {
		snap := r.Balances[name]
		parts := make([]string, 0, len(snap))
		for _, acct := range ledger.Accounts(snap) {
			parts = append(parts, fmt.Sprintf("%s=%d", acct, snap[acct]))
		}
		fmt.Fprintf(w, "    %s: %s\n", name, strings.Join(parts, " "))
	}
	if r.OK() {
		fmt.Fprintln(w, "  result: ok")
		return
	}
	fmt.Fprintln(w, "  result: FAILED")
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "    - %s\n", m)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
