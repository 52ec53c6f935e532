package pthread

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
)

func init() {
	shim.RegisterFunc("pthread", "pthread_create", stubCreate)
	shim.RegisterFunc("pthread", "pthread_self", stubSelf)
	shim.RegisterFunc("pthread", "pthread_exit", stubExit)
	shim.RegisterFunc("pthread", "pthread_join", stubJoin)
	shim.RegisterFunc("pthread", "pthread_detach", stubDetach)
	shim.RegisterFunc("pthread", "gettid", stubGettid)
}

// stubCreate carves out a fresh per-thread block, admits the new thread
// to the shim while its block is current, and hands the caller back the
// shim thread id. The emulated CPU is single-threaded; the created
// thread runs when the host switches the thread pointer to its block.
func stubCreate(r *shim.Registry, emu *emulator.Emulator) bool {
	thread := emu.X(0) // pthread_t *out
	entry := emu.X(2)

	tp, err := emu.NewThreadBlock()
	if err != nil {
		emu.SetX(0, 11) // EAGAIN
		shim.ReturnFromStub(emu)
		return false
	}

	caller, _ := emu.ThreadPointer()
	if err := emu.SetThreadPointer(tp); err != nil {
		emu.SetX(0, 11)
		shim.ReturnFromStub(emu)
		return false
	}
	t, err := r.AdmitCurrent(fmt.Sprintf("worker-0x%x", entry))
	emu.SetThreadPointer(caller)
	if err != nil {
		emu.SetX(0, 11)
		shim.ReturnFromStub(emu)
		return false
	}

	if thread != 0 {
		emu.MemWriteU64(thread, uint64(t.Tid))
	}

	r.Log("pthread", "pthread_create",
		shim.FormatPtrPair("entry", entry, "tid", uint64(t.Tid)))
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSelf(r *shim.Registry, emu *emulator.Emulator) bool {
	var tid uint64
	if t, err := r.Layer().Current(); err == nil {
		tid = uint64(t.Tid)
	}
	emu.SetX(0, tid)
	shim.ReturnFromStub(emu)
	return false
}

func stubGettid(r *shim.Registry, emu *emulator.Emulator) bool {
	return stubSelf(r, emu)
}

// stubExit releases the calling thread's control block and stops the
// run. Release refuses a non-quiescent thread, which catches guest code
// exiting with preemption still disabled or a probe still armed.
func stubExit(r *shim.Registry, emu *emulator.Emulator) bool {
	t, err := r.Layer().Current()
	if err != nil {
		return true
	}
	r.Log("pthread", "pthread_exit", shim.FormatPtr("retval", emu.X(0)))
	if err := r.Layer().Release(t); err != nil {
		r.Log("pthread", "pthread_exit", "release refused: "+err.Error())
	}
	return true
}

func stubJoin(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubDetach(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}
