package tcb

// The preemption state is a single atomic word: the disable count in the
// low 30 bits and a deferred-signal bit above it. Keeping both in one
// word makes the "signal arrives" / "enable crosses 1->0" decision a
// single compare-and-swap, so a deferred signal can never be lost to a
// race between the two paths and is delivered at most once.
const (
	preemptCountMask uint32 = 0x3fffffff

	// signalDelayed marks a signal deferred while preemption is
	// disabled. Bit 30, for parity with the original shim layout.
	signalDelayed uint32 = 1 << 30
)

// PreemptCount returns the current preemption disable depth.
func (t *TCB) PreemptCount() uint32 {
	return t.preempt.Load() & preemptCountMask
}

// SignalDelayed reports whether a deferred signal is waiting for the
// count to return to zero.
func (t *TCB) SignalDelayed() bool {
	return t.preempt.Load()&signalDelayed != 0
}

// DisablePreempt increments the preemption count, marking a region that
// must not be interrupted by signal delivery. On the 0->1 boundary it
// returns the live context the caller is nesting under; inner calls
// return nil. Calls must pair with EnablePreempt.
func (t *TCB) DisablePreempt() *Context {
	old := t.preempt.Add(1) - 1
	if old&preemptCountMask == 0 {
		return &t.ctx
	}
	return nil
}

// EnablePreempt decrements the preemption count. When the count crosses
// 1->0 with a signal deferred, the count and the deferred bit are
// cleared in one step and the signal is delivered exactly once. Enabling
// with a zero count is a caller contract violation and panics rather
// than clamping, so the unbalanced call site is not masked.
func (t *TCB) EnablePreempt() {
	for {
		old := t.preempt.Load()
		if old&preemptCountMask == 0 {
			panic("tcb: preempt enable without matching disable")
		}
		if old == 1|signalDelayed {
			// Last enable with a signal pending: clear count and
			// deferred bit together, then deliver.
			if !t.preempt.CompareAndSwap(old, 0) {
				continue
			}
			sig := t.pendingSig.Swap(0)
			t.ClearFlag(FlagSigPending)
			if t.deliver != nil && sig != 0 {
				t.deliver(sig)
			}
			return
		}
		if t.preempt.CompareAndSwap(old, old-1) {
			return
		}
	}
}

// SignalArrived routes an external signal through the preemption state
// machine. With preemption enabled the signal is delivered immediately
// and true is returned. While disabled, the signal is recorded as
// pending and deferred to the matching EnablePreempt; multiple arrivals
// in one disabled window merge into a single pending occurrence. The
// signal is deferred, never dropped.
func (t *TCB) SignalArrived(sig uint32) bool {
	for {
		old := t.preempt.Load()
		if old&preemptCountMask == 0 {
			// A failed CAS on an earlier iteration may have left its
			// signal number in the slot; this delivery supersedes it.
			t.pendingSig.Store(0)
			if t.deliver != nil {
				t.deliver(sig)
			}
			return true
		}
		// Publish the signal number before raising the deferred bit:
		// the releasing EnablePreempt reads it only after observing
		// the bit. A stale value left by a failed CAS is never read.
		t.pendingSig.Store(sig)
		if t.preempt.CompareAndSwap(old, old|signalDelayed) {
			t.SetFlag(FlagSigPending)
			return false
		}
	}
}

// PendingSignal returns the deferred signal number, or zero if none.
func (t *TCB) PendingSignal() uint32 {
	return t.pendingSig.Load()
}
