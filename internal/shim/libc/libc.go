// Package libc provides stubs for C library functions. Routines that
// walk caller-supplied guest pointers arm the calling thread's
// unsafe-region descriptor first, so a wild pointer faults into a
// controlled recovery instead of killing the run.
package libc

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
	"github.com/zboralski/tarsier/internal/tcb"
)

func init() {
	shim.RegisterFunc("libc", "malloc", stubMalloc)
	shim.RegisterFunc("libc", "calloc", stubCalloc)
	shim.RegisterFunc("libc", "realloc", stubRealloc)
	shim.RegisterFunc("libc", "free", stubFree)

	shim.RegisterFunc("libc", "memcpy", stubMemcpy, "memmove")
	shim.RegisterFunc("libc", "memset", stubMemset)
	shim.RegisterFunc("libc", "strlen", stubStrlen)

	shim.RegisterFunc("libc", "__errno", stubErrno, "__errno_location")
	shim.RegisterFunc("libc", "abort", stubAbort)
}

// probeRead copies size bytes from a caller-supplied pointer with the
// unsafe-region descriptor armed. On a fault the platform redirects to
// the stub's return address and the copy reports failure; the
// descriptor is cleared on every exit path.
func probeRead(t *tcb.TCB, emu *emulator.Emulator, src, size uint64) ([]byte, bool) {
	t.BeginProbe(src, src+size, emu.LR())
	defer t.EndProbe()

	data, err := emu.MemRead(src, size)
	if err != nil {
		return nil, false
	}
	return data, true
}

func stubMalloc(r *shim.Registry, emu *emulator.Emulator) bool {
	size := emu.X(0)
	addr := emu.Malloc(size)
	r.Log("libc", "malloc", fmt.Sprintf("size=%d -> %s", size, shim.FormatHex(addr)))
	emu.SetX(0, addr)
	shim.ReturnFromStub(emu)
	return false
}

func stubCalloc(r *shim.Registry, emu *emulator.Emulator) bool {
	n := emu.X(0)
	size := emu.X(1)

	// n*size must not wrap, and no request past the heap's capacity can
	// ever be satisfied. Both fail with NULL instead of a short buffer.
	if size != 0 && n > emulator.HeapSize/size {
		r.Log("libc", "calloc", fmt.Sprintf("n=%d size=%d -> 0", n, size))
		emu.SetX(0, 0)
		shim.ReturnFromStub(emu)
		return false
	}
	total := n * size
	addr := emu.Malloc(total)
	emu.MemWrite(addr, make([]byte, total))
	r.Log("libc", "calloc", fmt.Sprintf("n=%d size=%d -> %s", n, size, shim.FormatHex(addr)))
	emu.SetX(0, addr)
	shim.ReturnFromStub(emu)
	return false
}

func stubRealloc(r *shim.Registry, emu *emulator.Emulator) bool {
	old := emu.X(0)
	size := emu.X(1)
	addr := emu.Malloc(size)
	if old != 0 {
		if data, err := emu.MemRead(old, size); err == nil {
			emu.MemWrite(addr, data)
		}
	}
	r.Log("libc", "realloc", shim.FormatPtrPair("ptr", old, "new", addr))
	emu.SetX(0, addr)
	shim.ReturnFromStub(emu)
	return false
}

func stubFree(r *shim.Registry, emu *emulator.Emulator) bool {
	// Bump allocator: free is a no-op.
	r.Log("libc", "free", shim.FormatPtr("ptr", emu.X(0)))
	shim.ReturnFromStub(emu)
	return false
}

func stubMemcpy(r *shim.Registry, emu *emulator.Emulator) bool {
	dst := emu.X(0)
	src := emu.X(1)
	size := emu.X(2)

	t, err := r.Layer().Current()
	if err != nil {
		emu.SetX(0, dst)
		shim.ReturnFromStub(emu)
		return false
	}

	if data, ok := probeRead(t, emu, src, size); ok {
		emu.MemWrite(dst, data)
		r.Log("libc", "memcpy",
			shim.FormatPtrPair("dst", dst, "src", src)+fmt.Sprintf(" size=%d", size))
	} else {
		t.LastErrno = 14 // EFAULT
		r.Log("libc", "memcpy", shim.FormatPtr("src", src)+" faulted")
	}

	emu.SetX(0, dst)
	shim.ReturnFromStub(emu)
	return false
}

func stubMemset(r *shim.Registry, emu *emulator.Emulator) bool {
	dst := emu.X(0)
	val := byte(emu.X(1))
	size := emu.X(2)

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = val
	}
	emu.MemWrite(dst, buf)

	r.Log("libc", "memset", fmt.Sprintf("dst=%s val=%d size=%d", shim.FormatHex(dst), val, size))
	emu.SetX(0, dst)
	shim.ReturnFromStub(emu)
	return false
}

func stubStrlen(r *shim.Registry, emu *emulator.Emulator) bool {
	const maxScan = 4096
	src := emu.X(0)

	t, err := r.Layer().Current()
	if err != nil {
		emu.SetX(0, 0)
		shim.ReturnFromStub(emu)
		return false
	}

	var n uint64
	if data, ok := probeRead(t, emu, src, maxScan); ok {
		for _, b := range data {
			if b == 0 {
				break
			}
			n++
		}
	} else {
		t.LastErrno = 14 // EFAULT
	}

	r.Log("libc", "strlen", shim.FormatPtr("s", src)+fmt.Sprintf(" -> %d", n))
	emu.SetX(0, n)
	shim.ReturnFromStub(emu)
	return false
}

// stubErrno materializes the per-thread errno slot in guest memory so
// guest code that dereferences __errno() reads this thread's last
// platform error.
func stubErrno(r *shim.Registry, emu *emulator.Emulator) bool {
	var errno int32
	if t, err := r.Layer().Current(); err == nil {
		errno = t.LastErrno
	}
	addr := emu.Malloc(4)
	emu.MemWriteU32(addr, uint32(errno))
	emu.SetX(0, addr)
	shim.ReturnFromStub(emu)
	return false
}

func stubAbort(r *shim.Registry, emu *emulator.Emulator) bool {
	r.Log("libc", "abort", "")
	return true
}
