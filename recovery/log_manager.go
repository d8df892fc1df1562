package recovery

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coredb/common"
)

// LogManager appends LogRecs to an in-memory, lsn-indexed log (the source
// RecoveryManager replays from) while group-committing their serialized
// bytes to an underlying writer on a timer, the same shape as helindb's
// disk/wal log_manager.go + group_writer.go: a buffered pending batch, a
// background flush goroutine, and a condition variable flush callers block
// on for durability.
type LogManager struct {
	currLSN atomic.Uint64

	mu      sync.Mutex
	records map[uint64]*LogRec
	pending [][]byte

	flushedLSN atomic.Uint64
	flushEvent *common.Event

	w      io.Writer
	fileMu sync.Mutex // serializes writes to w between Flush and ReplaceLog

	stats *common.Stats

	flusherDone chan struct{}
	stopped     bool
}

// truncater is the file handle ReplaceLog needs: write the surviving
// records back from the start. *os.File satisfies it.
type truncater interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

func NewLogManager(w io.Writer) *LogManager {
	return &LogManager{
		records:    make(map[uint64]*LogRec),
		flushEvent: common.NewEvent(),
		w:          w,
		stats:      common.NewStats(),
	}
}

// Stats reports running averages over this log's flush behavior (currently
// "log_flush_bytes", the average size of a batch written by Flush).
func (l *LogManager) Stats() *common.Stats {
	return l.stats
}

// RunFlusher starts the background goroutine that flushes pending records
// to the underlying writer every LogTimeout.
func (l *LogManager) RunFlusher() {
	l.flusherDone = make(chan struct{})
	go func() {
		ticker := time.NewTicker(common.LogTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-l.flusherDone:
				_ = l.Flush()
				return
			case <-ticker.C:
				_ = l.Flush()
			}
		}
	}()
}

// StopFlusher stops the background flusher, flushing whatever is pending
// first.
func (l *LogManager) StopFlusher() {
	if l.flusherDone == nil {
		return
	}
	close(l.flusherDone)
	l.flusherDone = nil
}

// AppendLog assigns rec the next LSN, makes it visible to replay
// immediately, and queues its bytes for the next background flush. It does
// not wait for durability.
func (l *LogManager) AppendLog(rec *LogRec) uint64 {
	lsn := l.currLSN.Add(1)
	rec.LSN = lsn

	l.mu.Lock()
	l.records[lsn] = rec
	l.pending = append(l.pending, serialize(rec))
	l.mu.Unlock()

	return lsn
}

// WaitAppendLog is AppendLog but blocks until rec's bytes are durable,
// useful for commit records that must survive a crash once acknowledged.
func (l *LogManager) WaitAppendLog(rec *LogRec) uint64 {
	lsn := l.AppendLog(rec)
	for l.flushedLSN.Load() < lsn {
		l.flushEvent.Wait()
	}
	return lsn
}

// Flush writes every pending record to the underlying writer and advances
// flushedLSN. Safe to call concurrently with AppendLog. If
// common.EnableLogging is false the writer is never touched (flushedLSN
// still advances, so WaitAppendLog callers don't block), matching a
// no-WAL mode for throughput-over-durability runs.
func (l *LogManager) Flush() error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if common.EnableLogging {
		l.fileMu.Lock()
		defer l.fileMu.Unlock()

		size := 0
		for _, b := range batch {
			n, err := l.w.Write(b)
			if err != nil {
				return err
			}
			if n != len(b) {
				return errShortWrite
			}
			size += n
		}
		l.stats.Avg("log_flush_bytes", float64(size))
		if f, ok := l.w.(interface{ Sync() error }); ok {
			if err := f.Sync(); err != nil {
				return err
			}
		}
	}

	l.flushedLSN.Store(l.currLSN.Load())
	l.flushEvent.Broadcast()
	return nil
}

// ReplaceLog drops every record with lsn < keepFrom and rewrites dst with
// what remains, in ascending lsn order — the truncation a checkpoint makes
// possible, since everything before its persist_lsn is redundant for redo.
// Callers must hold off concurrent AppendLog calls (e.g. by taking the
// checkpoint under TxnManager.BlockAllTransactions first). A no-op on the
// underlying writer when common.EnableLogging is false, since there is
// nothing durable on disk to rewrite.
func (l *LogManager) ReplaceLog(dst truncater, keepFrom uint64) error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	l.mu.Lock()
	l.pending = nil
	for lsn := range l.records {
		if lsn < keepFrom {
			delete(l.records, lsn)
		}
	}
	l.mu.Unlock()

	if !common.EnableLogging {
		return nil
	}

	if err := dst.Truncate(0); err != nil {
		return err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, rec := range l.AllInOrder() {
		if _, err := dst.Write(serialize(rec)); err != nil {
			return err
		}
	}
	_, err := dst.Seek(0, io.SeekEnd)
	return err
}

// LoadLog replays every record written by a prior process's Flush calls
// from r, populating records and advancing currLSN/flushedLSN to the
// highest lsn seen. Used on restart, before RecoveryManager.RedoPhase, to
// rebuild the in-memory log this LogManager replays from.
func (l *LogManager) LoadLog(r io.Reader) error {
	for {
		rec, err := deserialize(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.records[rec.LSN] = rec
		l.mu.Unlock()
		if rec.LSN > l.currLSN.Load() {
			l.currLSN.Store(rec.LSN)
		}
	}
	l.flushedLSN.Store(l.currLSN.Load())
	return nil
}

// SetNextLSN resumes LSN allocation after n, used on restart so the first
// record appended after loading a checkpoint continues its lsn sequence
// instead of starting over from zero.
func (l *LogManager) SetNextLSN(n uint64) {
	l.currLSN.Store(n)
	l.flushedLSN.Store(n)
}

// GetFlushedLSN returns the latest LSN known durable.
func (l *LogManager) GetFlushedLSN() uint64 {
	return l.flushedLSN.Load()
}

// Get returns the record appended under lsn, used to walk a txn's
// prev_lsn chain.
func (l *LogManager) Get(lsn uint64) (*LogRec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[lsn]
	return r, ok
}

// AllInOrder returns every appended record sorted by ascending LSN, the
// order RedoPhase replays in.
func (l *LogManager) AllInOrder() []*LogRec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LogRec, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LSN < out[j].LSN })
	return out
}
