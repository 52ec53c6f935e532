// Package pthread provides stubs for POSIX threading primitives. Lock
// operations run under a preemption guard and record into the calling
// thread's lock audit trail.
package pthread

import (
	"time"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
	"github.com/zboralski/tarsier/internal/tcb"
)

func init() {
	shim.RegisterFunc("pthread", "pthread_mutex_init", stubMutexInit)
	shim.RegisterFunc("pthread", "pthread_mutex_destroy", stubMutexDestroy)
	shim.RegisterFunc("pthread", "pthread_mutex_lock", stubMutexLock)
	shim.RegisterFunc("pthread", "pthread_mutex_trylock", stubMutexTrylock)
	shim.RegisterFunc("pthread", "pthread_mutex_unlock", stubMutexUnlock)

	// Rwlock
	shim.RegisterFunc("pthread", "pthread_rwlock_init", stubRwlockInit)
	shim.RegisterFunc("pthread", "pthread_rwlock_destroy", stubRwlockDestroy)
	shim.RegisterFunc("pthread", "pthread_rwlock_rdlock", stubRwlockRdlock)
	shim.RegisterFunc("pthread", "pthread_rwlock_wrlock", stubRwlockWrlock)
	shim.RegisterFunc("pthread", "pthread_rwlock_unlock", stubRwlockUnlock)

	// Semaphore
	shim.RegisterFunc("pthread", "sem_init", stubSemInit)
	shim.RegisterFunc("pthread", "sem_wait", stubSemWait)
	shim.RegisterFunc("pthread", "sem_trywait", stubSemWait)
	shim.RegisterFunc("pthread", "sem_post", stubSemPost)
	shim.RegisterFunc("pthread", "sem_destroy", stubSemDestroy)

	// Spinlock
	shim.RegisterFunc("pthread", "pthread_spin_init", stubSpinInit)
	shim.RegisterFunc("pthread", "pthread_spin_destroy", stubSpinDestroy)
	shim.RegisterFunc("pthread", "pthread_spin_lock", stubSpinLock)
	shim.RegisterFunc("pthread", "pthread_spin_unlock", stubSpinUnlock)
}

// guarded runs fn with the calling thread's preemption disabled, so a
// signal landing mid-manipulation is deferred past it. On the outermost
// disable the interrupted register state is frozen into the live
// context.
func guarded(t *tcb.TCB, emu *emulator.Emulator, fn func()) {
	if ctx := t.DisablePreempt(); ctx != nil {
		ctx.Regs = emu.CaptureSnapshot()
		ctx.EnteredAt = time.Now()
	}
	fn()
	t.EnablePreempt()
}

// acquire records a lock acquisition in the current thread's audit
// trail. Threads that were never admitted simply skip the bookkeeping.
func acquire(r *shim.Registry, emu *emulator.Emulator, kind tcb.LockKind, lock uint64) {
	t, err := r.Layer().Current()
	if err != nil {
		return
	}
	guarded(t, emu, func() {
		t.Trail().RecordCaller(kind, lock)
	})
}

func stubMutexInit(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0) // Success
	shim.ReturnFromStub(emu)
	return false
}

func stubMutexDestroy(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubMutexLock(r *shim.Registry, emu *emulator.Emulator) bool {
	lock := emu.X(0)
	acquire(r, emu, tcb.LockSemaphore, lock)
	r.Log("pthread", "pthread_mutex_lock", shim.FormatPtr("mutex", lock))
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubMutexTrylock(r *shim.Registry, emu *emulator.Emulator) bool {
	lock := emu.X(0)
	acquire(r, emu, tcb.LockSemaphore, lock)
	emu.SetX(0, 0) // Always succeed
	shim.ReturnFromStub(emu)
	return false
}

func stubMutexUnlock(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubRwlockInit(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubRwlockDestroy(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubRwlockRdlock(r *shim.Registry, emu *emulator.Emulator) bool {
	lock := emu.X(0)
	acquire(r, emu, tcb.LockRead, lock)
	r.Log("pthread", "pthread_rwlock_rdlock", shim.FormatPtr("rwlock", lock))
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubRwlockWrlock(r *shim.Registry, emu *emulator.Emulator) bool {
	lock := emu.X(0)
	acquire(r, emu, tcb.LockWrite, lock)
	r.Log("pthread", "pthread_rwlock_wrlock", shim.FormatPtr("rwlock", lock))
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubRwlockUnlock(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSemInit(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSemWait(r *shim.Registry, emu *emulator.Emulator) bool {
	sem := emu.X(0)
	acquire(r, emu, tcb.LockSemaphore, sem)
	r.Log("pthread", "sem_wait", shim.FormatPtr("sem", sem))
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSemPost(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSemDestroy(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSpinInit(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSpinDestroy(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSpinLock(r *shim.Registry, emu *emulator.Emulator) bool {
	lock := emu.X(0)
	acquire(r, emu, tcb.LockSemaphore, lock)
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSpinUnlock(r *shim.Registry, emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}
