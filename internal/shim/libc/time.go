package libc

import (
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
)

// Mocked time for deterministic execution.
var (
	MockTimeSec  = int64(1704067200) // 2024-01-01 00:00:00 UTC
	MockTimeUSec = int64(0)
	MockTimeNSec = int64(0)
)

func init() {
	shim.RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	shim.RegisterFunc("libc", "clock_gettime", stubClockGettime)
	shim.RegisterFunc("libc", "time", stubTime)
	shim.RegisterFunc("libc", "nanosleep", stubNanosleep, "usleep", "sleep")
}

func stubGettimeofday(r *shim.Registry, emu *emulator.Emulator) bool {
	tv := emu.X(0)

	if tv != 0 {
		// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
		emu.MemWriteU64(tv, uint64(MockTimeSec))
		emu.MemWriteU64(tv+8, uint64(MockTimeUSec))
	}

	r.Log("libc", "gettimeofday", shim.FormatPtrPair("tv", tv, "sec", uint64(MockTimeSec)))
	emu.SetX(0, 0) // success
	shim.ReturnFromStub(emu)
	return false
}

func stubClockGettime(r *shim.Registry, emu *emulator.Emulator) bool {
	tp := emu.X(1)

	if tp != 0 {
		// struct timespec { time_t tv_sec; long tv_nsec; }
		emu.MemWriteU64(tp, uint64(MockTimeSec))
		emu.MemWriteU64(tp+8, uint64(MockTimeNSec))
	}

	r.Log("libc", "clock_gettime", shim.FormatPtrPair("tp", tp, "sec", uint64(MockTimeSec)))
	emu.SetX(0, 0) // success
	shim.ReturnFromStub(emu)
	return false
}

func stubTime(r *shim.Registry, emu *emulator.Emulator) bool {
	tloc := emu.X(0)

	if tloc != 0 {
		emu.MemWriteU64(tloc, uint64(MockTimeSec))
	}

	emu.SetX(0, uint64(MockTimeSec))
	shim.ReturnFromStub(emu)
	return false
}

func stubNanosleep(r *shim.Registry, emu *emulator.Emulator) bool {
	// Return success without sleeping.
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}
