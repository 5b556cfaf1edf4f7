package txnlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultSegmentSize is the rotation threshold for segment files.
	DefaultSegmentSize int64 = 64 << 20

	segmentSuffix = ".log"
	lockFileName  = "LOCK"
	maxBatchOps   = 256
)

// Options tunes a disk log.
type Options struct {
	Clock       clock.Clock
	Logger      pslog.Logger
	SegmentSize int64
}

// Disk is a Log persisted as numbered JSON-lines segment files inside one
// directory. A single goroutine performs writes; callers queued while a batch
// is being synced share the next fdatasync.
type Disk struct {
	dir         string
	clock       clock.Clock
	logger      pslog.Logger
	writer      string
	segmentSize int64

	lockFile *os.File

	mu         sync.Mutex
	active     *os.File
	activeSeq  int
	activeSize int64
	nextSeq    uint64
	failed     error

	appendCh  chan *appendRequest
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type appendRequest struct {
	rec  Record
	done chan appendResult
}

type appendResult struct {
	rec Record
	err error
}

// Open opens (creating if needed) the log stored in dir and takes an exclusive
// lock on it. A torn trailing line left by a crash is truncated away.
func Open(dir string, opts Options) (*Disk, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("txnlog: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("txnlog: create dir: %w", err)
	}
	lf, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txnlog: open lock file: %w", err)
	}
	if err := lockFile(lf); err != nil {
		_ = lf.Close()
		return nil, err
	}
	segmentSize := opts.SegmentSize
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	d := &Disk{
		dir:         dir,
		clock:       clock.Ensure(opts.Clock),
		logger:      svcfields.WithSubsystem(opts.Logger, "txn.log"),
		writer:      xid.New().String(),
		segmentSize: segmentSize,
		lockFile:    lf,
		appendCh:    make(chan *appendRequest),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	if err := d.recoverTail(); err != nil {
		_ = unlockFile(lf)
		_ = lf.Close()
		return nil, err
	}
	go d.appendLoop()
	d.logger.Debug("txn.log.opened",
		"dir", dir,
		"writer", d.writer,
		"next_seq", d.nextSeq,
		"segment", d.activeSeq,
	)
	return d, nil
}

// Dir returns the log directory.
func (d *Disk) Dir() string { return d.dir }

// Writer returns the id stamped on records appended through this handle.
func (d *Disk) Writer() string { return d.writer }

// recoverTail positions the writer after the last complete record.
func (d *Disk) recoverTail() error {
	segments, err := listSegments(d.dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		d.nextSeq = 1
		return d.openSegment(1)
	}
	last := segments[len(segments)-1]
	for _, seg := range segments {
		records, validLen, err := readSegment(seg.path, seg.seq == last.seq)
		if err != nil {
			return err
		}
		if n := len(records); n > 0 {
			d.nextSeq = records[n-1].Seq + 1
		}
		if seg.seq == last.seq {
			info, err := os.Stat(seg.path)
			if err != nil {
				return fmt.Errorf("txnlog: stat segment: %w", err)
			}
			if info.Size() > validLen {
				d.logger.Warn("txn.log.torn_tail.truncated",
					"segment", seg.path,
					"size", info.Size(),
					"valid", validLen,
				)
				if err := os.Truncate(seg.path, validLen); err != nil {
					return fmt.Errorf("txnlog: truncate torn tail: %w", err)
				}
			}
		}
	}
	if d.nextSeq == 0 {
		d.nextSeq = 1
	}
	return d.openSegment(last.seq)
}

func (d *Disk) openSegment(seq int) error {
	path := segmentPath(d.dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("txnlog: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("txnlog: stat segment: %w", err)
	}
	d.active = f
	d.activeSeq = seq
	d.activeSize = info.Size()
	return nil
}

// rotateLocked syncs and closes the active segment and opens the next one.
func (d *Disk) rotateLocked() error {
	if err := syncFile(d.active); err != nil {
		return fmt.Errorf("txnlog: sync segment: %w", err)
	}
	if err := d.active.Close(); err != nil {
		return fmt.Errorf("txnlog: close segment: %w", err)
	}
	if err := d.openSegment(d.activeSeq + 1); err != nil {
		return err
	}
	if err := syncDir(d.dir); err != nil {
		return err
	}
	d.logger.Debug("txn.log.segment.rotated", "segment", d.activeSeq)
	return nil
}

// Append queues rec for the writer goroutine and waits until it is durable.
func (d *Disk) Append(ctx context.Context, rec Record) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	req := &appendRequest{rec: rec, done: make(chan appendResult, 1)}
	select {
	case d.appendCh <- req:
	case <-d.quit:
		return Record{}, ErrClosed
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	res := <-req.done
	return res.rec, res.err
}

func (d *Disk) appendLoop() {
	defer close(d.loopDone)
	batch := make([]*appendRequest, 0, maxBatchOps)
	for {
		select {
		case req := <-d.appendCh:
			batch = append(batch[:0], req)
		case <-d.quit:
			d.drain()
			return
		}
	collect:
		for len(batch) < maxBatchOps {
			select {
			case req := <-d.appendCh:
				batch = append(batch, req)
			default:
				break collect
			}
		}
		d.flush(batch)
	}
}

func (d *Disk) drain() {
	var batch []*appendRequest
	for {
		select {
		case req := <-d.appendCh:
			batch = append(batch, req)
		default:
			d.flush(batch)
			return
		}
	}
}

func (d *Disk) flush(batch []*appendRequest) {
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed != nil {
		failBatch(batch, d.failed)
		return
	}
	var buf bytes.Buffer
	written := make([]Record, 0, len(batch))
	for _, req := range batch {
		rec := req.rec
		rec.Seq = d.nextSeq
		rec.Timestamp = d.clock.Now()
		rec.Writer = d.writer
		line, err := json.Marshal(rec)
		if err != nil {
			// Encoding is deterministic; only this request fails.
			req.done <- appendResult{err: fmt.Errorf("txnlog: encode record: %w", err)}
			req.done = nil
			continue
		}
		line = append(line, '\n')
		if d.activeSize+int64(buf.Len()) > 0 && d.activeSize+int64(buf.Len()+len(line)) > d.segmentSize {
			if err := d.writeLocked(buf.Bytes()); err != nil {
				d.failLocked(batch, err)
				return
			}
			buf.Reset()
			if err := d.rotateLocked(); err != nil {
				d.failLocked(batch, err)
				return
			}
		}
		buf.Write(line)
		d.nextSeq++
		written = append(written, rec)
	}
	if err := d.writeLocked(buf.Bytes()); err != nil {
		d.failLocked(batch, err)
		return
	}
	if err := syncFile(d.active); err != nil {
		d.failLocked(batch, fmt.Errorf("txnlog: sync segment: %w", err))
		return
	}
	i := 0
	for _, req := range batch {
		if req.done == nil {
			continue
		}
		req.done <- appendResult{rec: written[i]}
		i++
	}
}

func (d *Disk) writeLocked(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := d.active.Write(p)
	d.activeSize += int64(n)
	if err != nil {
		return fmt.Errorf("txnlog: write segment: %w", err)
	}
	return nil
}

// failLocked poisons the log: after a failed write or sync the on-disk state
// is unknown, so no later append may report success.
func (d *Disk) failLocked(batch []*appendRequest, err error) {
	d.failed = err
	d.logger.Error("txn.log.append.failed", "dir", d.dir, "error", err)
	failBatch(batch, err)
}

func failBatch(batch []*appendRequest, err error) {
	for _, req := range batch {
		if req.done == nil {
			continue
		}
		req.done <- appendResult{err: err}
	}
}

// Load reads every segment in order.
func (d *Disk) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-d.quit:
		return nil, ErrClosed
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return ReadDir(d.dir)
}

// LastForTx returns the latest record for txid.
func (d *Disk) LastForTx(ctx context.Context, txid string) (Record, bool, error) {
	records, err := d.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := LastForTx(records, txid)
	return rec, ok, nil
}

// Close stops the writer after flushing queued appends, then releases the
// directory lock.
func (d *Disk) Close() error {
	d.closeOnce.Do(func() {
		close(d.quit)
		<-d.loopDone
		d.mu.Lock()
		defer d.mu.Unlock()
		var errs []error
		if d.active != nil {
			if err := syncFile(d.active); err != nil && d.failed == nil {
				errs = append(errs, fmt.Errorf("txnlog: sync segment: %w", err))
			}
			if err := d.active.Close(); err != nil {
				errs = append(errs, fmt.Errorf("txnlog: close segment: %w", err))
			}
		}
		if err := unlockFile(d.lockFile); err != nil {
			errs = append(errs, err)
		}
		if err := d.lockFile.Close(); err != nil {
			errs = append(errs, err)
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

// Size returns the combined size of all segment files.
func (d *Disk) Size() (int64, error) {
	return DirSize(d.dir)
}

type segmentFile struct {
	seq  int
	path string
}

func segmentPath(dir string, seq int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", seq, segmentSuffix))
}

func listSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("txnlog: list segments: %w", err)
	}
	var out []segmentFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, segmentSuffix))
		if err != nil || seq <= 0 {
			continue
		}
		out = append(out, segmentFile{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// ReadDir reads the records of the log stored in dir without taking the
// directory lock, so tools can inspect a log that is still being written.
// A partial final line is ignored.
func ReadDir(dir string) ([]Record, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for i, seg := range segments {
		records, _, err := readSegment(seg.path, i == len(segments)-1)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// DirSize sums the segment sizes of the log stored in dir.
func DirSize(dir string) (int64, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, seg := range segments {
		info, err := os.Stat(seg.path)
		if err != nil {
			return 0, fmt.Errorf("txnlog: stat segment: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}

// readSegment decodes one segment and returns the byte length of its complete
// records. tailOK permits an unterminated final line.
func readSegment(path string, tailOK bool) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("txnlog: open segment: %w", err)
	}
	defer f.Close()
	reader := bufio.NewReader(f)
	var (
		out    []Record
		offset int64
		lineNo int
	)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return out, offset, nil
			}
			if tailOK {
				return out, offset, nil
			}
			return nil, 0, fmt.Errorf("%w: %s: unterminated record at offset %d", ErrCorrupt, path, offset)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("txnlog: read segment: %w", err)
		}
		lineNo++
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				return nil, 0, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, path, lineNo, err)
			}
			out = append(out, rec)
		}
		offset += int64(len(line))
	}
}
