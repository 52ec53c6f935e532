package shim

import (
	"fmt"

	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/tcb"
)

// AdmitCurrent admits the calling guest thread to the shim: one control
// block, a signal deliverer that keeps the guest-visible flags word in
// sync, and an admission log line. Must run before any other stub
// touches per-thread state on this thread.
func (r *Registry) AdmitCurrent(name string) (*tcb.TCB, error) {
	r.mu.RLock()
	layer := r.layer
	r.mu.RUnlock()
	if layer == nil {
		return nil, fmt.Errorf("registry not installed")
	}

	t, err := layer.Admit(tcb.NewThread(name))
	if err != nil {
		return nil, err
	}

	t.SetDeliverer(func(sig uint32) {
		if glog.L != nil {
			glog.L.Event(0, "signal", "deliver", fmt.Sprintf("sig=%d tid=%d", sig, t.Tid))
		}
		// Flags were cleared before release; mirror that to the guest.
		_ = layer.SyncFlags(t)
	})

	if glog.L != nil {
		base, _ := layer.Base(t)
		glog.L.Admit(t.Tid, name, t.Thread.Handle.String(), base)
	}
	return t, nil
}

// FindByTid returns the admitted control block with the given thread
// id, or nil.
func (r *Registry) FindByTid(tid uint32) *tcb.TCB {
	r.mu.RLock()
	layer := r.layer
	r.mu.RUnlock()
	if layer == nil {
		return nil
	}
	for _, t := range layer.Threads() {
		if t.Tid == tid {
			return t
		}
	}
	return nil
}
