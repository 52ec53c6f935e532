// Package tcb implements the per-thread control block of the shim.
//
// Every guest thread admitted to the shim owns exactly one TCB. The TCB
// anchors all shim-private state for that thread: the live execution
// context and its frame stack, the preemption/deferred-signal word, the
// lock audit trail, and the unsafe-region descriptor consulted by the
// fault path. All operations take an explicit *TCB so tests can build
// control blocks without an emulator or a real OS thread.
package tcb

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Canary is the corruption-detection sentinel written once at Init and
// never mutated. A mismatch means the control block memory is trashed
// and nothing else in it can be trusted.
const Canary uint64 = 0xdeadbeef

// Flag bits in the TCB flags word. The word is mirrored into the guest
// TCB image so guest-side code can read it with a single load.
const (
	// FlagSigPending is set while a signal is deferred by the
	// preemption protocol.
	FlagSigPending uint64 = 1 << 0
)

// Thread is the logical thread object a TCB represents. The TCB holds a
// non-owning back-reference; the thread's lifetime is managed by whoever
// created it.
type Thread struct {
	Handle uuid.UUID // diagnostics identity, stable across the thread's life
	Name   string
}

// NewThread creates a logical thread object with a fresh handle.
func NewThread(name string) *Thread {
	return &Thread{Handle: uuid.New(), Name: name}
}

// DelivererFunc delivers a signal to the owning thread. It is invoked by
// SignalArrived when preemption is enabled, and by EnablePreempt when a
// deferred signal is released on the 1->0 transition.
type DelivererFunc func(sig uint32)

// TCB is the per-thread control block.
//
// Every field except the preemption word, the pending-signal slot and
// the flags word is owned exclusively by the thread the TCB belongs to.
// Those three are also touched by the thread's own signal path, which is
// why they are atomics. Cross-thread access is read-only and for
// diagnostics only.
type TCB struct {
	canary uint64
	self   *TCB

	// Thread is the logical thread this block represents (non-owning).
	Thread *Thread

	ctx   Context   // live execution context
	stack []Context // outer frames, push/pop only

	// Tid is the shim-assigned thread identifier.
	Tid uint32

	// LastErrno is the last platform error reported on this thread.
	LastErrno int32

	// DebugBuf optionally points at a per-thread debug buffer.
	DebugBuf []byte

	preempt    atomic.Uint32 // count | signalDelayed, see preempt.go
	pendingSig atomic.Uint32
	flags      atomic.Uint64

	region UnsafeRegion
	trail  LockTrail

	deliver DelivererFunc
}

// Init initializes a TCB exactly once, before any shim-intercepted
// operation runs on the owning thread. It defaults every field, writes
// the canary and the self-reference, and records the thread identifier.
// The canary and self pointer are never mutated afterwards.
func Init(t *TCB, tid uint32) {
	t.canary = Canary
	t.self = t
	t.Thread = nil
	t.ctx = Context{EnteredAt: time.Now()}
	t.stack = nil
	t.Tid = tid
	t.LastErrno = 0
	t.DebugBuf = nil
	t.preempt.Store(0)
	t.pendingSig.Store(0)
	t.flags.Store(0)
	t.region = UnsafeRegion{}
	t.trail = LockTrail{}
	t.deliver = nil
}

// VerifyCanary reports whether the canary still holds its sentinel
// value. Callers treat false as irrecoverable corruption.
func (t *TCB) VerifyCanary() bool {
	return t != nil && t.canary == Canary
}

// CheckSelf reports whether the self-reference invariant holds. A
// violation is the same corruption class as a canary mismatch.
func (t *TCB) CheckSelf() bool {
	return t != nil && t.self == t
}

// SetDeliverer installs the signal deliverer callback. Set at admission,
// before the thread can receive signals.
func (t *TCB) SetDeliverer(fn DelivererFunc) {
	t.deliver = fn
}

// Flags returns the current flags word.
func (t *TCB) Flags() uint64 {
	return t.flags.Load()
}

// TestFlag reports whether all bits in mask are set.
func (t *TCB) TestFlag(mask uint64) bool {
	return t.flags.Load()&mask == mask
}

// SetFlag sets the bits in mask.
func (t *TCB) SetFlag(mask uint64) {
	t.flags.Or(mask)
}

// ClearFlag clears the bits in mask.
func (t *TCB) ClearFlag(mask uint64) {
	t.flags.And(^mask)
}

// Trail returns the thread's lock audit trail.
func (t *TCB) Trail() *LockTrail {
	return &t.trail
}

// Quiescent reports whether the thread may be torn down: preemption
// fully re-enabled, no probe in progress, no nested context frames.
func (t *TCB) Quiescent() bool {
	return t.PreemptCount() == 0 && !t.ProbeActive() && len(t.stack) == 0
}
