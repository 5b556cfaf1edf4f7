// Package commitd runs an atomic commitment protocol in process: a
// coordinator drives a set of participants, each owning a disjoint piece of
// account state, to one uniform COMMIT or ABORT decision using a prepare
// round and a decide round. Every actor keeps a durable append-only log, so a
// participant that crashes after voting YES can rebuild its state and learn
// the outcome from the coordinator when it comes back.
//
// # Opening a cluster
//
// A Cluster wires one coordinator and one participant per entry of the
// opening balances. With an empty Config.LogDir all logs live in memory;
// otherwise each actor gets <LogDir>/<name>/ with numbered segment files and
// an exclusive LOCK.
//
//	cfg := commitd.Config{LogDir: "/var/lib/commitd", Ledger: commitd.LedgerSQLite}
//	cluster, err := commitd.NewCluster(ctx, cfg, map[string]map[string]int64{
//	    "A": {"alice": 500},
//	    "B": {"bob": 300},
//	}, commitd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer cluster.Close()
//
//	out, err := cluster.Run(ctx, "transfer-0001", api.Plan{
//	    "A": {"alice": -100},
//	    "B": {"bob": 100},
//	}, 0)
//
// Run returns an error only when nothing was decided: an invalid plan, a
// txid reused with a different plan or a log append failure. Votes of NO,
// unreachable participants and prepare timeouts all lead to ABORT. Failures
// to deliver the decision are reported on Outcome.Delivery and never turn a
// decided transaction into an error.
//
// # Crash and recovery
//
// CrashAfterPrepare arranges for participants to become unreachable right
// after voting on a transaction. Recover brings a participant back, replays
// its log and asks the coordinator about every transaction it left READY,
// polling with backoff for up to Config.RecoveryMaxWait while the decision is
// not known yet.
//
// Reopening a cluster on the same LogDir rebuilds the decision registry and
// every ledger from the logs; transactions the coordinator began but never
// decided are aborted and decisions that were never fully delivered are sent
// again.
//
// # Scenarios
//
// RunScenario executes a scenario file (see internal/scenario) against a
// fresh cluster and reports decisions, balances and any mismatch with the
// expectations in the file. The commitd binary exposes the same through
// `commitd run` and `commitd demo`.
//
// # Telemetry
//
// StartTelemetry installs an OTLP trace exporter and a Prometheus scrape
// endpoint when Config.OTLPEndpoint and Config.MetricsListen are set. The
// coordinator and participants record their instruments through the global
// otel providers.
package commitd
