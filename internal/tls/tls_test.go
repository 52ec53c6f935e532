package tls

import (
	"strings"
	"testing"

	"github.com/zboralski/tarsier/internal/tcb"
)

// fakePlatform is an in-memory platform: a word-addressed guest memory
// plus a settable thread pointer, with a read counter to pin the O(1)
// resolution cost.
type fakePlatform struct {
	tp    uint64
	mem   map[uint64]uint64
	reads int
}

func newFakePlatform(tp uint64) *fakePlatform {
	return &fakePlatform{tp: tp, mem: make(map[uint64]uint64)}
}

func (p *fakePlatform) ThreadPointer() (uint64, error) { return p.tp, nil }

func (p *fakePlatform) MemReadU64(addr uint64) (uint64, error) {
	p.reads++
	return p.mem[addr], nil
}

func (p *fakePlatform) MemWriteU64(addr, val uint64) error {
	p.mem[addr] = val
	return nil
}

// The offsets are a versioned contract with unmodified guest code. Any
// change here must be an intentional ABI bump.
func TestLayoutContract(t *testing.T) {
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"StackGuardOffset", StackGuardOffset, 0x28},
		{"ShimTCBOffset", ShimTCBOffset, 0x30},
		{"CanaryOffset", CanaryOffset, 0x00},
		{"SelfOffset", SelfOffset, 0x08},
		{"TidOffset", TidOffset, 0x10},
		{"FlagsOffset", FlagsOffset, 0x18},
		{"ShimTCBSize", ShimTCBSize, 0x20},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
	if ShimTCBOffset <= StackGuardOffset {
		t.Error("shim image overlaps the guest runtime's reserved area")
	}
}

func TestAdmitWritesImage(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	b, err := layer.Admit(tcb.NewThread("main"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	base := tp + ShimTCBOffset
	if got := plat.mem[base+CanaryOffset]; got != tcb.Canary {
		t.Errorf("guest canary = %#x, want %#x", got, tcb.Canary)
	}
	if got := plat.mem[base+SelfOffset]; got != base {
		t.Errorf("guest self = %#x, want %#x", got, base)
	}
	if got := plat.mem[base+TidOffset]; got != uint64(b.Tid) {
		t.Errorf("guest tid = %d, want %d", got, b.Tid)
	}
	if got := plat.mem[base+FlagsOffset]; got != 0 {
		t.Errorf("guest flags = %#x, want 0", got)
	}

	if !b.VerifyCanary() || !b.CheckSelf() {
		t.Error("host block invariants not established")
	}
	if b.Thread == nil || b.Thread.Name != "main" {
		t.Error("thread back-reference not recorded")
	}
}

func TestAdmitTwiceFails(t *testing.T) {
	plat := newFakePlatform(0xDEAC0000)
	layer := New(plat)

	if _, err := layer.Admit(tcb.NewThread("t")); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if _, err := layer.Admit(tcb.NewThread("t")); err == nil {
		t.Error("second Admit on the same thread pointer succeeded")
	}
}

func TestCurrentResolvesInOneRead(t *testing.T) {
	plat := newFakePlatform(0xDEAC0000)
	layer := New(plat)

	admitted, err := layer.Admit(tcb.NewThread("main"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	plat.reads = 0
	got, err := layer.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != admitted {
		t.Error("Current returned a different control block")
	}
	if plat.reads != 1 {
		t.Errorf("Current cost %d guest reads, want 1", plat.reads)
	}
}

func TestCurrentUnadmitted(t *testing.T) {
	plat := newFakePlatform(0xDEAC0000)
	layer := New(plat)

	if _, err := layer.Current(); err == nil {
		t.Error("Current succeeded on an unadmitted thread")
	}
}

func TestVerifyCanary(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	if layer.VerifyCanary() {
		t.Error("canary verified before admission")
	}

	if _, err := layer.Admit(tcb.NewThread("main")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !layer.VerifyCanary() {
		t.Error("canary check failed after admission")
	}

	// Corrupt the guest word.
	plat.mem[tp+ShimTCBOffset+CanaryOffset] = 0x4141414141414141
	if layer.VerifyCanary() {
		t.Error("canary check passed on corrupted guest image")
	}
}

func TestCorruptSelfWordIsFatal(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	if _, err := layer.Admit(tcb.NewThread("a")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	otherBase := tp + ShimTCBOffset

	// Second thread whose self word is redirected at the first
	// thread's image: a cross-block corruption.
	plat.tp = 0xDEAC1000
	if _, err := layer.Admit(tcb.NewThread("b")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	plat.mem[plat.tp+ShimTCBOffset+SelfOffset] = otherBase

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Current on a corrupted self word did not panic")
		}
		if !strings.Contains(r.(string), "corrupted") {
			t.Errorf("unexpected panic: %v", r)
		}
	}()
	_, _ = layer.Current()
}

// A self word trashed with garbage that matches no admitted block is
// the same corruption class as one aliasing another block: fatal, not a
// recoverable lookup miss.
func TestGarbageSelfWordIsFatal(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	if _, err := layer.Admit(tcb.NewThread("main")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	plat.mem[tp+ShimTCBOffset+SelfOffset] = 0x4141414141414141

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Current on a garbage self word did not panic")
		}
		if !strings.Contains(r.(string), "corrupted") {
			t.Errorf("unexpected panic: %v", r)
		}
	}()
	_, _ = layer.Current()
}

func TestTwoThreads(t *testing.T) {
	plat := newFakePlatform(0xDEAC0000)
	layer := New(plat)

	a, err := layer.Admit(tcb.NewThread("a"))
	if err != nil {
		t.Fatalf("Admit a: %v", err)
	}

	plat.tp = 0xDEAC1000
	b, err := layer.Admit(tcb.NewThread("b"))
	if err != nil {
		t.Fatalf("Admit b: %v", err)
	}

	if a.Tid == b.Tid {
		t.Error("distinct threads share a tid")
	}
	if got, _ := layer.Current(); got != b {
		t.Error("Current did not follow the thread pointer")
	}

	plat.tp = 0xDEAC0000
	if got, _ := layer.Current(); got != a {
		t.Error("Current did not switch back with the thread pointer")
	}

	if len(layer.Threads()) != 2 {
		t.Errorf("Threads() = %d entries, want 2", len(layer.Threads()))
	}
}

func TestSyncFlags(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	b, err := layer.Admit(tcb.NewThread("main"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	b.SetFlag(tcb.FlagSigPending)
	if err := layer.SyncFlags(b); err != nil {
		t.Fatalf("SyncFlags: %v", err)
	}
	if got := plat.mem[tp+ShimTCBOffset+FlagsOffset]; got != tcb.FlagSigPending {
		t.Errorf("guest flags = %#x, want %#x", got, tcb.FlagSigPending)
	}
}

func TestRelease(t *testing.T) {
	const tp = uint64(0xDEAC0000)
	plat := newFakePlatform(tp)
	layer := New(plat)

	b, err := layer.Admit(tcb.NewThread("main"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	b.DisablePreempt()
	if err := layer.Release(b); err == nil {
		t.Error("Release succeeded with preemption disabled")
	}
	b.EnablePreempt()

	if err := layer.Release(b); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if plat.mem[tp+ShimTCBOffset+CanaryOffset] != 0 {
		t.Error("guest canary not scrubbed on release")
	}
	if _, err := layer.Current(); err == nil {
		t.Error("Current still resolves a released thread")
	}
	if err := layer.Release(b); err == nil {
		t.Error("double Release succeeded")
	}
}
