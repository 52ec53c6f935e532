package tcb

import (
	"testing"
)

func TestInitEstablishesInvariants(t *testing.T) {
	var b TCB
	Init(&b, 7)

	if !b.VerifyCanary() {
		t.Error("canary check failed right after Init")
	}
	if !b.CheckSelf() {
		t.Error("self-reference check failed right after Init")
	}
	if b.Tid != 7 {
		t.Errorf("Tid = %d, want 7", b.Tid)
	}
	if b.PreemptCount() != 0 {
		t.Errorf("PreemptCount = %d, want 0", b.PreemptCount())
	}
	if b.ProbeActive() {
		t.Error("fresh TCB has an active probe region")
	}
	if b.Flags() != 0 {
		t.Errorf("Flags = %#x, want 0", b.Flags())
	}
	if !b.Quiescent() {
		t.Error("fresh TCB should be quiescent")
	}
}

func TestCanaryDetectsCorruption(t *testing.T) {
	var b TCB
	Init(&b, 1)

	if !b.VerifyCanary() {
		t.Fatal("canary check failed before corruption")
	}

	// Simulate memory corruption of the control block.
	b.canary = 0x41414141
	if b.VerifyCanary() {
		t.Error("canary check passed on a corrupted block")
	}
}

func TestSelfMismatchDetected(t *testing.T) {
	var a, b TCB
	Init(&a, 1)
	Init(&b, 2)

	a.self = &b
	if a.CheckSelf() {
		t.Error("self check passed with a foreign self pointer")
	}
}

func TestFlagOperations(t *testing.T) {
	var b TCB
	Init(&b, 1)

	b.SetFlag(FlagSigPending)
	if !b.TestFlag(FlagSigPending) {
		t.Error("FlagSigPending not set")
	}
	b.ClearFlag(FlagSigPending)
	if b.TestFlag(FlagSigPending) {
		t.Error("FlagSigPending still set after clear")
	}
}

func TestContextPushPop(t *testing.T) {
	var b TCB
	Init(&b, 1)

	if b.Depth() != 0 {
		t.Fatalf("Depth = %d, want 0", b.Depth())
	}

	outer := b.Context()
	snap := &Snapshot{Pc: 0x1000, Sp: 0x8000_0000, OrigX8: 64}
	b.PushContext(snap)

	if b.Depth() != 1 {
		t.Errorf("Depth = %d after push, want 1", b.Depth())
	}
	if b.Context().Regs != snap {
		t.Error("live context does not carry the pushed snapshot")
	}
	if b.Context().EnteredAt.IsZero() {
		t.Error("nested context has no entry timestamp")
	}
	if b.Quiescent() {
		t.Error("TCB with a pushed frame should not be quiescent")
	}

	got := b.PopContext()
	if got != snap {
		t.Error("PopContext returned a different snapshot")
	}
	if b.Depth() != 0 {
		t.Errorf("Depth = %d after pop, want 0", b.Depth())
	}
	if b.Context() != outer {
		t.Error("live context after pop is not the outer frame")
	}
}

func TestPopBaseFramePanics(t *testing.T) {
	var b TCB
	Init(&b, 1)

	defer func() {
		if recover() == nil {
			t.Error("PopContext on the base frame did not panic")
		}
	}()
	b.PopContext()
}

func TestSnapshotLR(t *testing.T) {
	var s Snapshot
	s.X[30] = 0xdeadbeef
	if s.LR() != 0xdeadbeef {
		t.Errorf("LR = %#x, want 0xdeadbeef", s.LR())
	}
}

func TestReinitResetsState(t *testing.T) {
	var b TCB
	Init(&b, 1)

	b.DisablePreempt()
	b.BeginProbe(0x1000, 0x2000, 0x3000)
	b.Trail().Record(LockWrite, 0x9000, "x.c", 1)
	b.LastErrno = 13

	Init(&b, 2)
	if b.PreemptCount() != 0 || b.ProbeActive() || b.Trail().Len() != 0 || b.LastErrno != 0 {
		t.Error("Init did not reset all fields")
	}
	if b.Tid != 2 {
		t.Errorf("Tid = %d, want 2", b.Tid)
	}
}
