package tcb

// UnsafeRegion describes a byte range of guest memory the thread is
// about to touch but does not own, plus the address execution should be
// redirected to if the access faults. At most one region is active per
// thread; the zero value means no probe is in progress. Installing while
// a region is active replaces it: single active region, last installed
// wins.
type UnsafeRegion struct {
	Start uint64
	End   uint64
	Cont  uint64
}

// Active reports whether the region describes a probe in progress.
func (r UnsafeRegion) Active() bool {
	return r != UnsafeRegion{}
}

// Contains reports whether addr lies within [Start, End).
func (r UnsafeRegion) Contains(addr uint64) bool {
	return r.Active() && addr >= r.Start && addr < r.End
}

// BeginProbe installs the unsafe-region descriptor before an access to
// unvalidated guest memory. Callers must clear it with EndProbe on every
// exit path, including error paths; a stale descriptor would
// mis-attribute an unrelated later fault.
func (t *TCB) BeginProbe(start, end, cont uint64) {
	t.region = UnsafeRegion{Start: start, End: end, Cont: cont}
}

// EndProbe clears the descriptor.
func (t *TCB) EndProbe() {
	t.region = UnsafeRegion{}
}

// ProbeActive reports whether a probe is in progress.
func (t *TCB) ProbeActive() bool {
	return t.region.Active()
}

// Region returns the active descriptor for inspection by the fault path.
func (t *TCB) Region() UnsafeRegion {
	return t.region
}

// CheckFault is the fault handler's consultation point. If the faulting
// address lies within the active region, the descriptor is cleared and
// the continuation address is returned; redirecting there turns the
// fault into a controlled recovery. The clear happens before the caller
// redirects, so the descriptor is strictly one-shot. Outside the region,
// or with no region active, the fault is not ours to handle.
func (t *TCB) CheckFault(addr uint64) (uint64, bool) {
	if !t.region.Contains(addr) {
		return 0, false
	}
	cont := t.region.Cont
	t.region = UnsafeRegion{}
	return cont, true
}
