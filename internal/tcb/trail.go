package tcb

import (
	"fmt"
	"runtime"
)

// LockKind classifies an audited lock acquisition.
type LockKind uint8

const (
	LockNone LockKind = iota
	LockSemaphore
	LockRead
	LockWrite
)

// String returns the display name for the kind.
func (k LockKind) String() string {
	switch k {
	case LockNone:
		return "none"
	case LockSemaphore:
		return "sem"
	case LockRead:
		return "rdlock"
	case LockWrite:
		return "wrlock"
	default:
		return fmt.Sprintf("lock(%d)", uint8(k))
	}
}

// TrailCap is the lock audit trail capacity. It must stay a power of two
// so the write index wraps by masking.
const (
	TrailCap  = 32
	trailMask = TrailCap - 1
)

// LockRecord is one audited lock acquisition attempt. Lock is the guest
// address of the lock object; it is a non-owning reference kept only for
// display.
type LockRecord struct {
	Kind LockKind
	Lock uint64
	File string
	Line int
}

// String formats the record for diagnostics output.
func (r LockRecord) String() string {
	return fmt.Sprintf("%s 0x%x at %s:%d", r.Kind, r.Lock, r.File, r.Line)
}

// LockTrail is a fixed-capacity ring of recent lock acquisition
// attempts, kept purely for post-mortem diagnosis. Recording never
// blocks and never fails; when the ring is full the oldest entry is
// overwritten. It has no effect on lock semantics.
type LockTrail struct {
	recs [TrailCap]LockRecord
	head uint64 // total records ever written; next slot is head&trailMask
}

// Record appends one entry, evicting the oldest if the ring is full.
func (tr *LockTrail) Record(kind LockKind, lock uint64, file string, line int) {
	tr.recs[tr.head&trailMask] = LockRecord{Kind: kind, Lock: lock, File: file, Line: line}
	tr.head++
}

// RecordCaller records an entry with the caller's source location.
func (tr *LockTrail) RecordCaller(kind LockKind, lock uint64) {
	_, file, line, _ := runtime.Caller(1)
	tr.Record(kind, lock, file, line)
}

// Len returns the number of live entries, at most TrailCap.
func (tr *LockTrail) Len() int {
	if tr.head < TrailCap {
		return int(tr.head)
	}
	return TrailCap
}

// Recent returns the live entries oldest first.
func (tr *LockTrail) Recent() []LockRecord {
	n := tr.Len()
	out := make([]LockRecord, 0, n)
	start := tr.head - uint64(n)
	for i := uint64(0); i < uint64(n); i++ {
		out = append(out, tr.recs[(start+i)&trailMask])
	}
	return out
}
