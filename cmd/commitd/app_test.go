package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/commitd/internal/txnlog"
	"pkt.systems/commitd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("COMMITD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	info := version.Read()
	if want := info.Module + " " + info.Version + "\n"; stdout != want {
		t.Fatalf("stdout %q want %q", stdout, want)
	}
	stdout, err = executeRootCommand(t, "version", "--verbose")
	if err != nil {
		t.Fatalf("version --verbose: %v", err)
	}
	if !strings.Contains(stdout, "go: "+info.GoVersion) {
		t.Fatalf("expected go version in %q", stdout)
	}
}

func TestDemoAllInMemory(t *testing.T) {
	stdout, err := executeRootCommand(t, "demo", "all", "--delivery-base-delay", "1ms", "--delivery-max-delay", "5ms")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, stdout)
	}
	for _, name := range []string{"scenario A", "scenario B", "scenario C"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("expected %q in output:\n%s", name, stdout)
		}
	}
	if got := strings.Count(stdout, "result: ok"); got != 3 {
		t.Fatalf("expected three passing scenarios, got %d:\n%s", got, stdout)
	}
	if !strings.Contains(stdout, "vote C: NO (participant: insufficient funds on carol") {
		t.Fatalf("expected rejection reason in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "recovered B: committed=1 aborted=0 blocked=0") {
		t.Fatalf("expected B recovery in output:\n%s", stdout)
	}
}

func TestDemoUnknownScenario(t *testing.T) {
	_, err := executeRootCommand(t, "demo", "Z")
	if err == nil || !strings.Contains(err.Error(), "unknown built-in") {
		t.Fatalf("expected unknown built-in error, got %v", err)
	}
}

func TestDemoWithDiskLogsThenDump(t *testing.T) {
	root := t.TempDir()
	stdout, err := executeRootCommand(t, "demo", "c", "--log-dir", root, "--ledger", "sqlite",
		"--delivery-base-delay", "1ms", "--delivery-max-delay", "5ms")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, stdout)
	}
	runs, err := filepath.Glob(filepath.Join(root, "c-*"))
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run directory, got %v (%v)", runs, err)
	}
	for _, actor := range []string{"coordinator", "A", "B"} {
		if _, err := os.Stat(filepath.Join(runs[0], actor)); err != nil {
			t.Fatalf("expected %s log dir: %v", actor, err)
		}
	}

	coordDir := filepath.Join(runs[0], "coordinator")
	dump, err := executeRootCommand(t, "log", "dump", coordDir)
	if err != nil {
		t.Fatalf("log dump: %v", err)
	}
	for _, want := range []string{"BEGIN", "VOTE", "DECISION", "decision=COMMIT", "END", "records,"} {
		if !strings.Contains(dump, want) {
			t.Fatalf("expected %q in dump:\n%s", want, dump)
		}
	}

	records, err := txnlog.ReadDir(coordDir)
	if err != nil || len(records) == 0 {
		t.Fatalf("read coordinator log: %v", err)
	}
	txid := records[0].TxID
	jsonDump, err := executeRootCommand(t, "log", "dump", coordDir, "--txid", txid, "--json")
	if err != nil {
		t.Fatalf("log dump --json: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(jsonDump), "\n")
	if len(lines) != len(txnlog.ForTx(records, txid)) {
		t.Fatalf("expected %d json lines, got %d:\n%s", len(records), len(lines), jsonDump)
	}
	if !strings.HasPrefix(lines[0], `{"seq":1,"event":"BEGIN"`) {
		t.Fatalf("unexpected first json line %q", lines[0])
	}

	participantDump, err := executeRootCommand(t, "log", "dump", filepath.Join(runs[0], "B"))
	if err != nil {
		t.Fatalf("log dump B: %v", err)
	}
	if !strings.Contains(participantDump, "PREPARED") || !strings.Contains(participantDump, "COMMIT") {
		t.Fatalf("expected PREPARED and COMMIT in B log:\n%s", participantDump)
	}
}

func TestRunPlanFile(t *testing.T) {
	dir := t.TempDir()
	plan := filepath.Join(dir, "plan.yaml")
	doc := `name: overdraft
participants:
  A: {alice: 10}
  B: {bob: 0}
transactions:
  - id: tx-overdraft
    plan:
      A: {alice: -20}
      B: {bob: 20}
    expect: ABORT
  - id: tx-fits
    plan:
      A: {alice: -10}
      B: {bob: 10}
    expect: COMMIT
expect_balances:
  A: {alice: 0}
  B: {bob: 10}
`
	if err := os.WriteFile(plan, []byte(doc), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	stdout, err := executeRootCommand(t, "run", "--plan", plan)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stdout)
	}
	for _, want := range []string{"tx-overdraft: ABORT (expected ABORT)", "tx-fits: COMMIT (expected COMMIT)", "A: alice=0", "result: ok"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output:\n%s", want, stdout)
		}
	}
}

func TestRunReportsFailedExpectations(t *testing.T) {
	plan := filepath.Join(t.TempDir(), "plan.yaml")
	doc := `name: optimistic
participants:
  A: {alice: 0}
transactions:
  - plan:
      A: {alice: -1}
    expect: COMMIT
`
	if err := os.WriteFile(plan, []byte(doc), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	stdout, err := executeRootCommand(t, "run", "-p", plan)
	if err == nil || !strings.Contains(err.Error(), "scenario expectations failed: optimistic") {
		t.Fatalf("expected failed expectations error, got %v", err)
	}
	if !strings.Contains(stdout, "result: FAILED") {
		t.Fatalf("expected FAILED in output:\n%s", stdout)
	}
}

func TestRunRequiresPlan(t *testing.T) {
	if _, err := executeRootCommand(t, "run"); err == nil || !strings.Contains(err.Error(), "--plan") {
		t.Fatalf("expected --plan error, got %v", err)
	}
}

func TestConfigCommandMergesSources(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "commitd.yaml")
	if err := os.WriteFile(cfgFile, []byte("delivery-attempts: 7\nledger: sqlite\nlog-dir: /srv/commitd\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COMMITD_PREPARE_TIMEOUT", "5s")
	stdout, err := executeRootCommand(t, "config", "--config", cfgFile, "--recovery-max-wait", "9s")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{
		"delivery-attempts: 7",
		"ledger: sqlite",
		"log-dir: /srv/commitd",
		"prepare-timeout: 5s",
		"recovery-max-wait: 9s",
		"log-segment-size: 64MiB",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in config output:\n%s", want, stdout)
		}
	}
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	_, err := executeRootCommand(t, "config", "--ledger", "sqlite")
	if err == nil || !strings.Contains(err.Error(), "requires log-dir") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func openTestLog(t *testing.T, dir string) *txnlog.Disk {
	t.Helper()
	l, err := txnlog.Open(dir, txnlog.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogTailPrintsLastRecords(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if _, err := l.Append(context.Background(), txnlog.Record{Event: txnlog.EventBegin, TxID: id}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	stdout, err := executeRootCommand(t, "log", "tail", dir, "-n", "2")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if strings.Contains(stdout, "tx-1") || !strings.Contains(stdout, "tx-2") || !strings.Contains(stdout, "tx-3") {
		t.Fatalf("unexpected tail output:\n%s", stdout)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogPrintsNewRecords(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	if _, err := l.Append(context.Background(), txnlog.Record{Event: txnlog.EventBegin, TxID: "tx-old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- followLog(ctx, dir, 1, &out, false, pslog.NoopLogger())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "tx-new") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for followed record, output:\n%s", out.String())
		}
		// The watcher may not be registered yet; keep appending until one lands.
		if _, err := l.Append(context.Background(), txnlog.Record{Event: txnlog.EventBegin, TxID: "tx-new"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if strings.Contains(out.String(), "tx-old") {
		t.Fatalf("follow reprinted an old record:\n%s", out.String())
	}
}
