package txn

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
)

// Fingerprint hashes a user key for conflict detection.
func Fingerprint(key []byte) uint64 {
	return xxhash.Sum64(key)
}

type committedTxn struct {
	ts           uint64
	conflictKeys map[uint64]struct{}
}

// Oracle hands out read and commit timestamps, detects write conflicts with
// first-committer-wins semantics, and computes the watermark below which
// compaction may discard shadowed versions.
type Oracle struct {
	detectConflicts bool

	mu            sync.Mutex
	nextTxnTs     uint64
	committedTxns []committedTxn
	lastWatermark uint64

	// WriteChLock is held from commit timestamp assignment until the write
	// set is queued, so the write pipeline sees commits in timestamp order.
	WriteChLock sync.Mutex

	readMark *WaterMark
	txnMark  *WaterMark
}

// NewOracle creates an oracle resuming after maxVersion, the highest commit
// timestamp found on disk.
func NewOracle(maxVersion uint64, detectConflicts bool) *Oracle {
	return &Oracle{
		detectConflicts: detectConflicts,
		nextTxnTs:       maxVersion + 1,
		lastWatermark:   maxVersion,
		readMark:        NewWaterMark("pairdb.PendingReads", maxVersion),
		txnMark:         NewWaterMark("pairdb.TxnTimestamp", maxVersion),
	}
}

// ReadTs registers a new reader at the latest fully applied commit
// timestamp. Every ReadTs must be paired with DoneRead.
func (o *Oracle) ReadTs() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	readTs := o.txnMark.DoneUntil()
	o.readMark.Begin(readTs)
	return readTs
}

// DoneRead releases a reader registered by ReadTs and forgets commits that
// no remaining reader can conflict with.
func (o *Oracle) DoneRead(readTs uint64) {
	o.readMark.Done(readTs)

	o.mu.Lock()
	if len(o.committedTxns) > 0 {
		o.cleanupCommittedTransactions()
	}
	o.mu.Unlock()
}

// NewCommitTs validates a transaction's reads against transactions that
// committed after readTs and, on success, reserves a commit timestamp. The
// caller must report it with DoneCommit once the writes are applied.
func (o *Oracle) NewCommitTs(readTs uint64, reads, writes []uint64) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.hasConflict(readTs, reads) {
		return 0, errors.Conflict(readTs)
	}

	ts := o.nextTxnTs
	o.nextTxnTs++
	o.txnMark.Begin(ts)

	if o.detectConflicts && len(writes) > 0 {
		keys := make(map[uint64]struct{}, len(writes))
		for _, fp := range writes {
			keys[fp] = struct{}{}
		}
		o.committedTxns = append(o.committedTxns, committedTxn{ts: ts, conflictKeys: keys})
	}
	o.cleanupCommittedTransactions()
	return ts, nil
}

func (o *Oracle) hasConflict(readTs uint64, reads []uint64) bool {
	if !o.detectConflicts || len(reads) == 0 {
		return false
	}
	for _, committed := range o.committedTxns {
		if committed.ts <= readTs {
			continue
		}
		for _, fp := range reads {
			if _, ok := committed.conflictKeys[fp]; ok {
				return true
			}
		}
	}
	return false
}

// cleanupCommittedTransactions forgets commits no active reader can conflict
// with. Callers hold mu.
func (o *Oracle) cleanupCommittedTransactions() {
	if !o.detectConflicts {
		return
	}
	minRead, ok := o.readMark.MinPending()
	if !ok {
		minRead = o.txnMark.DoneUntil()
	}
	kept := o.committedTxns[:0]
	for _, c := range o.committedTxns {
		if c.ts > minRead {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(o.committedTxns); i++ {
		o.committedTxns[i] = committedTxn{}
	}
	o.committedTxns = kept
}

// DoneCommit marks a commit timestamp as applied (or abandoned), making it
// visible to readers once every earlier commit is also done.
func (o *Oracle) DoneCommit(ts uint64) {
	o.txnMark.Done(ts)
}

// AbandonCommit withdraws a commit timestamp whose writes failed. Its keys
// no longer count as conflicts.
func (o *Oracle) AbandonCommit(ts uint64) {
	o.mu.Lock()
	for i, c := range o.committedTxns {
		if c.ts == ts {
			o.committedTxns = append(o.committedTxns[:i], o.committedTxns[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	o.txnMark.Done(ts)
}

// MaxCommitted returns the highest timestamp below which every commit is applied.
func (o *Oracle) MaxCommitted() uint64 {
	return o.txnMark.DoneUntil()
}

// NextTs returns the timestamp the next commit will receive.
func (o *Oracle) NextTs() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextTxnTs
}

// Watermark returns the oldest timestamp any active reader still needs. With
// no active readers it is the latest applied commit. It never decreases.
func (o *Oracle) Watermark() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	wm, ok := o.readMark.MinPending()
	if !ok {
		wm = o.txnMark.DoneUntil()
	}
	if wm < o.lastWatermark {
		wm = o.lastWatermark
	}
	o.lastWatermark = wm
	return wm
}

// WaitForCommits blocks until every commit timestamp handed out so far has
// been applied or ctx is done.
func (o *Oracle) WaitForCommits(ctx context.Context) error {
	return o.txnMark.WaitForMark(ctx, o.NextTs()-1)
}

// PendingCommits returns the number of tracked committed transactions, for metrics.
func (o *Oracle) PendingCommits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.committedTxns)
}
