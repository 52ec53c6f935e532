package emulator

import "testing"

func newEmu(t *testing.T) *Emulator {
	t.Helper()
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestMainThreadBlock(t *testing.T) {
	emu := newEmu(t)

	tp, err := emu.ThreadPointer()
	if err != nil {
		t.Fatalf("ThreadPointer: %v", err)
	}
	if tp != TLSBase {
		t.Errorf("main thread pointer = 0x%x, want 0x%x", tp, uint64(TLSBase))
	}

	guard, err := emu.MemReadU64(tp + stackGuardOffset)
	if err != nil {
		t.Fatalf("read stack guard: %v", err)
	}
	if guard != 0xDEADBEEFDEADBEEF {
		t.Errorf("stack guard = 0x%x", guard)
	}
}

func TestNewThreadBlock(t *testing.T) {
	emu := newEmu(t)

	tp1, err := emu.NewThreadBlock()
	if err != nil {
		t.Fatalf("NewThreadBlock: %v", err)
	}
	tp2, err := emu.NewThreadBlock()
	if err != nil {
		t.Fatalf("NewThreadBlock: %v", err)
	}
	if tp1 == tp2 {
		t.Error("thread blocks overlap")
	}
	if tp2-tp1 != TLSBlockSize {
		t.Errorf("block stride = 0x%x, want 0x%x", tp2-tp1, uint64(TLSBlockSize))
	}

	if err := emu.SetThreadPointer(tp2); err != nil {
		t.Fatalf("SetThreadPointer: %v", err)
	}
	got, _ := emu.ThreadPointer()
	if got != tp2 {
		t.Errorf("thread pointer = 0x%x, want 0x%x", got, tp2)
	}
}

func TestThreadBlockExhaustion(t *testing.T) {
	emu := newEmu(t)

	// One block is taken by the main thread at startup.
	total := int(TLSSize / TLSBlockSize)
	for i := 0; i < total-1; i++ {
		if _, err := emu.NewThreadBlock(); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	if _, err := emu.NewThreadBlock(); err == nil {
		t.Error("allocation past the TLS region succeeded")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	emu := newEmu(t)

	for i := 0; i <= 30; i++ {
		emu.SetX(i, uint64(0x1000+i))
	}
	emu.SetSP(StackBase + 0x8000)
	emu.SetPC(CodeBase + 0x40)

	snap := emu.CaptureSnapshot()

	for i := 0; i <= 30; i++ {
		emu.SetX(i, 0)
	}
	emu.SetSP(0)
	emu.SetPC(0)

	if err := emu.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	for i := 0; i <= 30; i++ {
		if got := emu.X(i); got != uint64(0x1000+i) {
			t.Errorf("X%d = 0x%x, want 0x%x", i, got, 0x1000+i)
		}
	}
	if emu.SP() != StackBase+0x8000 {
		t.Errorf("SP = 0x%x", emu.SP())
	}
	if emu.PC() != CodeBase+0x40 {
		t.Errorf("PC = 0x%x", emu.PC())
	}
	if snap.LR() != uint64(0x1000+30) {
		t.Errorf("snapshot LR = 0x%x", snap.LR())
	}
}

func TestMallocAlignment(t *testing.T) {
	emu := newEmu(t)

	a := emu.Malloc(1)
	b := emu.Malloc(100)
	if a%16 != 0 || b%16 != 0 {
		t.Errorf("unaligned allocations: 0x%x 0x%x", a, b)
	}
	if b <= a {
		t.Error("allocations not monotonic")
	}
}

func TestMemAccessors(t *testing.T) {
	emu := newEmu(t)

	addr := emu.Malloc(64)
	if err := emu.MemWriteU64(addr, 0x1122334455667788); err != nil {
		t.Fatalf("MemWriteU64: %v", err)
	}
	v, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("MemReadU64: %v", err)
	}
	if v != 0x1122334455667788 {
		t.Errorf("u64 = 0x%x", v)
	}

	if err := emu.MemWriteString(addr+16, "tarsier"); err != nil {
		t.Fatalf("MemWriteString: %v", err)
	}
	s, err := emu.MemReadString(addr+16, 32)
	if err != nil {
		t.Fatalf("MemReadString: %v", err)
	}
	if s != "tarsier" {
		t.Errorf("string = %q", s)
	}
}
