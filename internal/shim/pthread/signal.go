package pthread

import (
	"fmt"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
)

func init() {
	shim.RegisterFunc("signal", "raise", stubRaise)
	shim.RegisterFunc("signal", "pthread_kill", stubKill)
	shim.RegisterFunc("signal", "signal", stubSignal)
	shim.RegisterFunc("signal", "sigaction", stubSigaction)
}

// stubRaise routes a signal at the calling thread through its
// preemption state machine: delivered now if preemption is enabled,
// deferred to the matching enable otherwise.
func stubRaise(r *shim.Registry, emu *emulator.Emulator) bool {
	sig := uint32(emu.X(0))
	t, err := r.Layer().Current()
	if err != nil {
		emu.SetX(0, 0)
		shim.ReturnFromStub(emu)
		return false
	}

	delivered := t.SignalArrived(sig)
	if !delivered {
		// Deferred: the pending flag just went up, mirror it out.
		r.Layer().SyncFlags(t)
	}
	r.Log("signal", "raise",
		fmt.Sprintf("sig=%d delivered=%t depth=%d", sig, delivered, t.PreemptCount()))

	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubKill(r *shim.Registry, emu *emulator.Emulator) bool {
	tid := uint32(emu.X(0))
	sig := uint32(emu.X(1))

	t := r.FindByTid(tid)
	if t == nil {
		emu.SetX(0, 3) // ESRCH
		shim.ReturnFromStub(emu)
		return false
	}

	delivered := t.SignalArrived(sig)
	if !delivered {
		r.Layer().SyncFlags(t)
	}
	r.Log("signal", "pthread_kill",
		fmt.Sprintf("tid=%d sig=%d delivered=%t", tid, sig, delivered))

	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSignal(r *shim.Registry, emu *emulator.Emulator) bool {
	r.Log("signal", "signal", shim.FormatPtr("handler", emu.X(1)))
	emu.SetX(0, 0) // previous handler: SIG_DFL
	shim.ReturnFromStub(emu)
	return false
}

func stubSigaction(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}
