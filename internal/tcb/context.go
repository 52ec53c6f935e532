package tcb

import "time"

// Context is one execution context frame: the register snapshot frozen
// when the frame was entered (nil for the base frame of a thread that
// has never been interrupted) and the entry timestamp. Frames form a
// strictly thread-owned stack with push/pop discipline only; the stack
// is never shared across threads and never cyclic.
type Context struct {
	Regs      *Snapshot
	EnteredAt time.Time
}

// Context returns the live execution context.
func (t *TCB) Context() *Context {
	return &t.ctx
}

// Depth returns the number of outer frames below the live context.
func (t *TCB) Depth() int {
	return len(t.stack)
}

// PushContext enters a nested frame: the live context is pushed onto the
// frame stack and replaced by a new one carrying the given snapshot and
// a fresh entry timestamp. Called on re-entrant interruption.
func (t *TCB) PushContext(regs *Snapshot) *Context {
	t.stack = append(t.stack, t.ctx)
	t.ctx = Context{Regs: regs, EnteredAt: time.Now()}
	return &t.ctx
}

// PopContext leaves the current nested frame and returns its snapshot so
// the caller can resume from it. Popping the base frame is a contract
// violation.
func (t *TCB) PopContext() *Snapshot {
	if len(t.stack) == 0 {
		panic("tcb: context pop with no pushed frame")
	}
	regs := t.ctx.Regs
	t.ctx = t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return regs
}
