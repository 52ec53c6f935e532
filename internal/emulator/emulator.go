// Package emulator provides the ARM64 guest platform using Unicorn
// Engine: memory layout, register access, per-thread block allocation,
// and the fault notification path the TCB layer cooperates with.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/tarsier/internal/tcb"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for guest code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // per-thread blocks
	TLSSize   = 0x00010000 // 64KB, room for 16 threads
	StubBase  = 0xF0000000 // stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// TLSBlockSize is the stride between per-thread blocks in the TLS
// region. Each block holds the guest runtime's reserved words followed
// by the shim TCB image.
const TLSBlockSize = 0x1000

// stackGuardOffset is where compiled guest code expects the stack
// protector word inside its per-thread block.
const stackGuardOffset = 0x28

// CodeHookFunc is called for each instruction.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address.
// Return true to stop emulation.
type AddressHookFunc func(emu *Emulator) bool

// FaultHandlerFunc is consulted on an invalid guest memory access. It
// returns the address execution should be redirected to and true when
// the fault is handled; otherwise the fault is fatal to the run and the
// platform error is surfaced by Run.
type FaultHandlerFunc func(emu *Emulator, access int, addr uint64) (uint64, bool)

// Emulator wraps Unicorn for ARM64 emulation.
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64 // current heap allocation pointer
	tlsPtr  uint64 // next free per-thread block

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	faultHandler FaultHandlerFunc
	redirect     uint64
	redirectSet  bool

	stopped bool
}

// New creates a new ARM64 emulator with the standard memory layout and
// the main thread's per-thread block installed.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		tlsPtr:    TLSBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout and the main thread's block.
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}
	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// Main thread block; TPIDR_EL0 is the thread pointer register.
	tp, err := e.NewThreadBlock()
	if err != nil {
		return err
	}
	if err := e.SetThreadPointer(tp); err != nil {
		return err
	}
	return nil
}

// NewThreadBlock carves a fresh per-thread block out of the TLS region,
// zeroes it, and seeds the stack guard word the guest runtime expects.
// The caller switches to it with SetThreadPointer.
func (e *Emulator) NewThreadBlock() (uint64, error) {
	if e.tlsPtr+TLSBlockSize > TLSBase+TLSSize {
		return 0, fmt.Errorf("tls region exhausted")
	}
	tp := e.tlsPtr
	e.tlsPtr += TLSBlockSize

	zeros := make([]byte, TLSBlockSize)
	if err := e.mu.MemWrite(tp, zeros); err != nil {
		return 0, fmt.Errorf("init thread block: %w", err)
	}

	// Deterministic guard value for reproducible runs.
	if err := e.MemWriteU64(tp+stackGuardOffset, 0xDEADBEEFDEADBEEF); err != nil {
		return 0, fmt.Errorf("set stack guard: %w", err)
	}
	return tp, nil
}

// ThreadPointer returns the current guest thread pointer (TPIDR_EL0).
func (e *Emulator) ThreadPointer() (uint64, error) {
	return e.mu.RegRead(uc.ARM64_REG_TPIDR_EL0)
}

// SetThreadPointer switches the guest thread pointer, as a context
// switch between admitted threads would.
func (e *Emulator) SetThreadPointer(tp uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, tp)
}

// setupHooks installs the instruction hook and the invalid-memory hook.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_READ_PROT|uc.HOOK_MEM_WRITE_PROT,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			if e.faultHandler == nil {
				return false
			}
			cont, ok := e.faultHandler(e, access, addr)
			if !ok {
				return false
			}
			// Redirect instead of retrying the access: stop the run
			// and let Run resume at the continuation.
			e.redirect = cont
			e.redirectSet = true
			e.mu.Stop()
			return false
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("add fault hook: %w", err)
	}
	return nil
}

// SetFaultHandler installs the fault consultation callback.
func (e *Emulator) SetFaultHandler(fn FaultHandlerFunc) {
	e.faultHandler = fn
}

func (e *Emulator) takeRedirect() (uint64, bool) {
	if !e.redirectSet {
		return 0, false
	}
	e.redirectSet = false
	return e.redirect, true
}

// Close releases resources.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes guest code at the code base.
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from guest memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to guest memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from guest memory (little endian).
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to guest memory (little endian).
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from guest memory (little endian).
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to guest memory (little endian).
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a null-terminated string from guest memory.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to guest memory.
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30.
func (e *Emulator) X(n int) uint64 {
	val, _ := e.mu.RegRead(xreg(n))
	return val
}

// SetX writes general-purpose register X0-X30.
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(xreg(n), val)
}

// xreg maps an X register number to the Unicorn register id. X29 and
// X30 are not contiguous with X0-X28 in the Unicorn enum.
func xreg(n int) int {
	switch {
	case n == 29:
		return uc.ARM64_REG_X29
	case n == 30:
		return uc.ARM64_REG_X30
	case n >= 0 && n <= 28:
		return uc.ARM64_REG_X0 + n
	default:
		return uc.ARM64_REG_INVALID
	}
}

// PC returns the program counter.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer.
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer.
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register.
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register.
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// NZCV returns the flags register.
func (e *Emulator) NZCV() uint64 {
	v, _ := e.mu.RegRead(uc.ARM64_REG_NZCV)
	return v
}

// CaptureSnapshot freezes the guest register state into a snapshot
// owned by the interrupting execution context.
func (e *Emulator) CaptureSnapshot() *tcb.Snapshot {
	s := &tcb.Snapshot{
		OrigX8: e.X(8),
		Sp:     e.SP(),
		Pstate: e.NZCV(),
		Pc:     e.PC(),
	}
	for i := 0; i <= 30; i++ {
		s.X[i] = e.X(i)
	}
	return s
}

// RestoreSnapshot writes a frozen register state back, resuming the
// interrupted execution on the next Run.
func (e *Emulator) RestoreSnapshot(s *tcb.Snapshot) error {
	for i := 0; i <= 30; i++ {
		if err := e.SetX(i, s.X[i]); err != nil {
			return err
		}
	}
	if err := e.mu.RegWrite(uc.ARM64_REG_NZCV, s.Pstate); err != nil {
		return err
	}
	if err := e.SetSP(s.Sp); err != nil {
		return err
	}
	return e.SetPC(s.Pc)
}

// Malloc allocates guest memory from the heap (bump allocator).
// Panics if the heap is exhausted - this indicates a fundamental
// emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction.
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook.
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from start. When the fault handler redirects a
// probed access, the run transparently resumes at the continuation
// address.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	for {
		err := e.mu.Start(start, end)
		if cont, ok := e.takeRedirect(); ok && !e.stopped {
			if perr := e.SetPC(cont); perr != nil {
				return perr
			}
			start = cont
			continue
		}
		return err
	}
}

// RunFrom starts emulation from start and runs until stopped.
func (e *Emulator) RunFrom(start uint64) error {
	return e.Run(start, 0)
}

// Stop stops emulation.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
