package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/commitd/internal/txnlog"
	"pkt.systems/pslog"
)

func newLogCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect actor logs",
	}
	cmd.AddCommand(newLogDumpCommand())
	cmd.AddCommand(newLogTailCommand(baseLogger))
	return cmd
}

func newLogDumpCommand() *cobra.Command {
	var txid string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump <dir>",
		Short: "Print every record of an actor log directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			records, err := txnlog.ReadDir(dir)
			if err != nil {
				return err
			}
			if txid != "" {
				records = txnlog.ForTx(records, txid)
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				size, err := txnlog.DirSize(dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "# %s: %d records, %s on disk\n", filepath.Clean(dir), len(records), humanizeBytes(size))
			}
			return printRecords(out, records, asJSON)
		},
	}
	cmd.Flags().StringVar(&txid, "txid", "", "only print records of this transaction")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON lines")
	return cmd
}

func newLogTailCommand(baseLogger pslog.Logger) *cobra.Command {
	var lines int
	var follow bool
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tail <dir>",
		Short: "Print the last records of an actor log, optionally following new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			records, err := txnlog.ReadDir(dir)
			if err != nil {
				return err
			}
			var last uint64
			if n := len(records); n > 0 {
				last = records[n-1].Seq
			}
			if lines >= 0 && len(records) > lines {
				records = records[len(records)-lines:]
			}
			out := cmd.OutOrStdout()
			if err := printRecords(out, records, asJSON); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.log.tail")
			return followLog(cmd.Context(), dir, last, out, asJSON, logger)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "number of trailing records to print (negative prints all)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing records as they are appended")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON lines")
	return cmd
}

// followLog prints records with a sequence above last whenever a segment
// file in dir changes, until ctx ends.
func followLog(ctx context.Context, dir string, last uint64, out io.Writer, asJSON bool, logger pslog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("log tail: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("log tail: watch %s: %w", dir, err)
	}
	logger.Debug("log.tail.follow", "dir", dir, "after_seq", last)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".log") || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			records, err := txnlog.ReadDir(dir)
			if err != nil {
				logger.Warn("log.tail.read_failed", "error", err)
				continue
			}
			var fresh []txnlog.Record
			for _, rec := range records {
				if rec.Seq > last {
					fresh = append(fresh, rec)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			last = fresh[len(fresh)-1].Seq
			if err := printRecords(out, fresh, asJSON); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log tail: %w", err)
		}
	}
}

func printRecords(w io.Writer, records []txnlog.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}
	for _, rec := range records {
		if _, err := fmt.Fprintln(w, formatRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

func formatRecord(rec txnlog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %-8s %s", rec.Seq, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Event, rec.TxID)
	if rec.Participant != "" {
		fmt.Fprintf(&b, " participant=%s", rec.Participant)
	}
	if len(rec.Participants) > 0 {
		fmt.Fprintf(&b, " participants=%s", strings.Join(rec.Participants, ","))
	}
	if rec.Vote != "" {
		fmt.Fprintf(&b, " vote=%s", rec.Vote)
	}
	if rec.Decision != "" {
		fmt.Fprintf(&b, " decision=%s", rec.Decision)
	}
	if rec.Outcome != "" {
		fmt.Fprintf(&b, " outcome=%s", rec.Outcome)
	}
	if len(rec.Payload) > 0 {
		fmt.Fprintf(&b, " payload=%s", rec.Payload)
	}
	if len(rec.Plan) > 0 {
		if raw, err := json.Marshal(rec.Plan); err == nil {
			fmt.Fprintf(&b, " plan=%s", raw)
		}
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, " error=%q", rec.Error)
	}
	return b.String()
}
