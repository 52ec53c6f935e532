package tcb

import "testing"

func TestPreemptBalance(t *testing.T) {
	var b TCB
	Init(&b, 1)

	for depth := 1; depth <= 5; depth++ {
		for i := 0; i < depth; i++ {
			b.DisablePreempt()
		}
		if got := b.PreemptCount(); got != uint32(depth) {
			t.Fatalf("PreemptCount = %d, want %d", got, depth)
		}
		for i := 0; i < depth; i++ {
			b.EnablePreempt()
		}
		if got := b.PreemptCount(); got != 0 {
			t.Fatalf("PreemptCount = %d after balance, want 0", got)
		}
		if b.TestFlag(FlagSigPending) {
			t.Fatal("sig-pending flag set with no signal arrival")
		}
	}
}

func TestDisableReturnsOuterContextOnFirstCall(t *testing.T) {
	var b TCB
	Init(&b, 1)

	if ctx := b.DisablePreempt(); ctx != b.Context() {
		t.Error("0->1 disable did not return the live context")
	}
	if ctx := b.DisablePreempt(); ctx != nil {
		t.Error("nested disable returned a context")
	}
	b.EnablePreempt()
	b.EnablePreempt()
}

func TestImmediateDeliveryWhenEnabled(t *testing.T) {
	var b TCB
	Init(&b, 1)

	var got []uint32
	b.SetDeliverer(func(sig uint32) { got = append(got, sig) })

	if !b.SignalArrived(10) {
		t.Error("SignalArrived returned false with preemption enabled")
	}
	if len(got) != 1 || got[0] != 10 {
		t.Errorf("delivered = %v, want [10]", got)
	}
	if b.TestFlag(FlagSigPending) {
		t.Error("sig-pending flag set after immediate delivery")
	}
}

func TestDeferredDeliveryExactness(t *testing.T) {
	var b TCB
	Init(&b, 1)

	var got []uint32
	b.SetDeliverer(func(sig uint32) { got = append(got, sig) })

	b.DisablePreempt()
	if b.SignalArrived(12) {
		t.Error("signal delivered while preemption disabled")
	}
	if len(got) != 0 {
		t.Fatalf("delivered %v before EnablePreempt", got)
	}
	if !b.TestFlag(FlagSigPending) {
		t.Error("sig-pending flag not set during disabled window")
	}
	if !b.SignalDelayed() {
		t.Error("deferred bit not set during disabled window")
	}

	b.EnablePreempt()
	if len(got) != 1 || got[0] != 12 {
		t.Errorf("delivered = %v after enable, want [12]", got)
	}
	if b.TestFlag(FlagSigPending) {
		t.Error("sig-pending flag still set after delivery")
	}
	if b.PendingSignal() != 0 {
		t.Error("pending signal slot not cleared after delivery")
	}
}

func TestNoDoubleDelivery(t *testing.T) {
	var b TCB
	Init(&b, 1)

	deliveries := 0
	b.SetDeliverer(func(uint32) { deliveries++ })

	b.DisablePreempt()
	b.SignalArrived(12)
	b.SignalArrived(12) // merges into the single pending occurrence
	b.EnablePreempt()

	if deliveries != 1 {
		t.Errorf("deliveries = %d, want 1", deliveries)
	}
}

// Thread T: init; disable (count=1); signal S -> pending; disable
// (count=2); enable (count=1, still pending, not delivered); enable
// (count=0) -> S delivered, flag cleared.
func TestNestedDisableDeliveryScenario(t *testing.T) {
	var b TCB
	Init(&b, 1)

	var got []uint32
	b.SetDeliverer(func(sig uint32) { got = append(got, sig) })

	b.DisablePreempt()
	if got := b.PreemptCount(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	b.SignalArrived(9)
	if !b.TestFlag(FlagSigPending) {
		t.Fatal("pending flag not set")
	}

	b.DisablePreempt()
	if got := b.PreemptCount(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	b.EnablePreempt()
	if got := b.PreemptCount(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if len(got) != 0 {
		t.Fatal("signal delivered on an inner enable")
	}
	if !b.TestFlag(FlagSigPending) {
		t.Fatal("pending flag cleared on an inner enable")
	}

	b.EnablePreempt()
	if got := b.PreemptCount(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if len(got) != 1 || got[0] != 9 {
		t.Errorf("delivered = %v, want [9]", got)
	}
	if b.TestFlag(FlagSigPending) {
		t.Error("pending flag still set after final enable")
	}
}

// A stale number left in the pending slot by a racing arrival must not
// survive an immediate delivery: PendingSignal reports only signals
// still waiting.
func TestImmediateDeliveryClearsStalePending(t *testing.T) {
	var b TCB
	Init(&b, 1)

	var got []uint32
	b.SetDeliverer(func(sig uint32) { got = append(got, sig) })

	// Residue of an arrival that lost the race with the count dropping
	// to zero.
	b.pendingSig.Store(5)

	if !b.SignalArrived(7) {
		t.Fatal("SignalArrived returned false with preemption enabled")
	}
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("delivered = %v, want [7]", got)
	}
	if b.PendingSignal() != 0 {
		t.Errorf("PendingSignal = %d after immediate delivery, want 0", b.PendingSignal())
	}
}

func TestEnableUnderflowPanics(t *testing.T) {
	var b TCB
	Init(&b, 1)

	defer func() {
		if recover() == nil {
			t.Error("EnablePreempt with zero count did not panic")
		}
	}()
	b.EnablePreempt()
}

func TestDeliveryWithoutDeliverer(t *testing.T) {
	var b TCB
	Init(&b, 1)

	// No deliverer installed: the state machine still runs clean.
	b.DisablePreempt()
	b.SignalArrived(5)
	b.EnablePreempt()

	if b.TestFlag(FlagSigPending) {
		t.Error("pending flag still set")
	}
	if b.PreemptCount() != 0 {
		t.Error("count not back to zero")
	}
}
