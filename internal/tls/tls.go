// Package tls implements the TCB access layer: it places a compact shim
// TCB image inside the guest's TPIDR_EL0-anchored per-thread block at a
// fixed offset and resolves "current TCB" for every shim-side operation
// with a single guest memory read.
//
// The guest's own C runtime manages the start of the per-thread block
// and must never be made aware of or disturbed by the shim, so the shim
// image sits past the runtime-reserved area at a documented offset. That
// offset is a versioned contract with unmodified guest code; it is
// declared in layout.go and pinned by TestLayoutContract.
package tls

import (
	"fmt"
	"sync"

	"github.com/zboralski/tarsier/internal/tcb"
)

// Platform is the per-thread addressing primitive the access layer
// needs from the platform: the current thread pointer plus guest word
// access. The Unicorn emulator satisfies it; tests use an in-memory
// implementation.
type Platform interface {
	// ThreadPointer returns the calling guest thread's TPIDR_EL0.
	ThreadPointer() (uint64, error)

	MemReadU64(addr uint64) (uint64, error)
	MemWriteU64(addr, val uint64) error
}

// Layer resolves guest threads to their control blocks.
type Layer struct {
	plat Platform

	mu      sync.RWMutex
	threads map[uint64]*tcb.TCB // guest shim-image address -> control block
	bases   map[*tcb.TCB]uint64
	nextTid uint32
}

// New creates an access layer on top of the given platform.
func New(plat Platform) *Layer {
	return &Layer{
		plat:    plat,
		threads: make(map[uint64]*tcb.TCB),
		bases:   make(map[*tcb.TCB]uint64),
		nextTid: 1,
	}
}

// Admit admits the calling guest thread to the shim. It must run exactly
// once per thread, before any shim-intercepted operation: it initializes
// a control block, assigns the thread identifier, and writes the shim
// image (canary, self-address, tid, flags) into the guest per-thread
// block. From here on Current resolves this thread in O(1).
func (l *Layer) Admit(th *tcb.Thread) (*tcb.TCB, error) {
	tp, err := l.plat.ThreadPointer()
	if err != nil {
		return nil, fmt.Errorf("read thread pointer: %w", err)
	}
	base := tp + ShimTCBOffset

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.threads[base]; ok {
		return nil, fmt.Errorf("thread block at 0x%x already admitted", base)
	}

	tid := l.nextTid
	l.nextTid++

	t := new(tcb.TCB)
	tcb.Init(t, tid)
	t.Thread = th

	words := []struct {
		off uint64
		val uint64
	}{
		{CanaryOffset, tcb.Canary},
		{SelfOffset, base},
		{TidOffset, uint64(tid)},
		{FlagsOffset, 0},
	}
	for _, w := range words {
		if err := l.plat.MemWriteU64(base+w.off, w.val); err != nil {
			return nil, fmt.Errorf("write shim image at +0x%x: %w", w.off, err)
		}
	}

	l.threads[base] = t
	l.bases[t] = base
	return t, nil
}

// Current returns the calling thread's control block: one guest read of
// the image's self word plus a map lookup. It never allocates and never
// fails for an admitted thread. A self word that does not point back at
// the image, or a host block whose own self-reference is broken, is
// memory corruption of the control block and is fatal.
func (l *Layer) Current() (*tcb.TCB, error) {
	tp, err := l.plat.ThreadPointer()
	if err != nil {
		return nil, fmt.Errorf("read thread pointer: %w", err)
	}
	base := tp + ShimTCBOffset

	self, err := l.plat.MemReadU64(base + SelfOffset)
	if err != nil {
		return nil, fmt.Errorf("read shim image self word: %w", err)
	}

	// Resolution goes by the thread pointer; the guest-readable self
	// word only validates it. An admitted block whose self word holds
	// anything but its own base is corrupted, whatever the garbage is.
	l.mu.RLock()
	t := l.threads[base]
	l.mu.RUnlock()

	if t == nil {
		return nil, fmt.Errorf("no admitted thread for block 0x%x", base)
	}
	if self != base || !t.CheckSelf() {
		panic(fmt.Sprintf("tls: control block corrupted: self=0x%x base=0x%x", self, base))
	}
	return t, nil
}

// VerifyCanary reads the canary word of the calling thread's shim image
// and compares it to the sentinel. A lightweight sanity check before
// trusting any other field.
func (l *Layer) VerifyCanary() bool {
	tp, err := l.plat.ThreadPointer()
	if err != nil {
		return false
	}
	canary, err := l.plat.MemReadU64(tp + ShimTCBOffset + CanaryOffset)
	if err != nil {
		return false
	}
	return canary == tcb.Canary
}

// SyncFlags mirrors the control block's flags word into the guest image
// so guest-side code and the fault path can read it with one load.
func (l *Layer) SyncFlags(t *tcb.TCB) error {
	l.mu.RLock()
	base, ok := l.bases[t]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("control block not admitted")
	}
	return l.plat.MemWriteU64(base+FlagsOffset, t.Flags())
}

// Release removes a thread from shim management on exit. The thread must
// be quiescent: preemption re-enabled, no probe pending, no nested
// frames. The guest image is scrubbed so a stale canary can not pass a
// later check; the block's storage itself is reclaimed by whoever owns
// the thread-local area.
func (l *Layer) Release(t *tcb.TCB) error {
	if !t.Quiescent() {
		return fmt.Errorf("thread %d not quiescent", t.Tid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	base, ok := l.bases[t]
	if !ok {
		return fmt.Errorf("control block not admitted")
	}
	for off := uint64(0); off < ShimTCBSize; off += 8 {
		if err := l.plat.MemWriteU64(base+off, 0); err != nil {
			return fmt.Errorf("scrub shim image at +0x%x: %w", off, err)
		}
	}
	delete(l.threads, base)
	delete(l.bases, t)
	return nil
}

// Base returns the guest shim-image address of an admitted control
// block.
func (l *Layer) Base(t *tcb.TCB) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	base, ok := l.bases[t]
	return base, ok
}

// Threads returns the admitted control blocks, for diagnostics only.
// Cross-thread access to the returned blocks must stay read-only.
func (l *Layer) Threads() []*tcb.TCB {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*tcb.TCB, 0, len(l.threads))
	for _, t := range l.threads {
		out = append(out, t)
	}
	return out
}
