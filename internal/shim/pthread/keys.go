package pthread

import (
	"sync"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/shim"
)

// TLS-key values are per thread: the store is keyed by the calling
// thread's shim tid plus the key, so two admitted threads setting the
// same key never see each other's value.
type tlsSlot struct {
	tid uint32
	key uint64
}

var (
	tlsMu      sync.Mutex
	tlsData    = make(map[tlsSlot]uint64)
	nextTLSKey uint64 = 1
	onceFlags         = make(map[uint64]bool)
)

func init() {
	shim.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	shim.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	shim.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	shim.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	shim.RegisterFunc("pthread", "pthread_once", stubOnce)
}

func currentTid(r *shim.Registry) uint32 {
	t, err := r.Layer().Current()
	if err != nil {
		return 0
	}
	return t.Tid
}

func stubKeyCreate(r *shim.Registry, emu *emulator.Emulator) bool {
	keyPtr := emu.X(0)
	// destructor := emu.X(1) // ignored

	tlsMu.Lock()
	key := nextTLSKey
	nextTLSKey++
	tlsMu.Unlock()

	if keyPtr != 0 {
		emu.MemWriteU64(keyPtr, key)
	}

	emu.SetX(0, 0) // Success
	shim.ReturnFromStub(emu)
	return false
}

func stubKeyDelete(r *shim.Registry, emu *emulator.Emulator) bool {
	key := emu.X(0)

	tlsMu.Lock()
	for slot := range tlsData {
		if slot.key == key {
			delete(tlsData, slot)
		}
	}
	tlsMu.Unlock()

	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubSetspecific(r *shim.Registry, emu *emulator.Emulator) bool {
	slot := tlsSlot{tid: currentTid(r), key: emu.X(0)}
	value := emu.X(1)

	tlsMu.Lock()
	tlsData[slot] = value
	tlsMu.Unlock()

	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}

func stubGetspecific(r *shim.Registry, emu *emulator.Emulator) bool {
	slot := tlsSlot{tid: currentTid(r), key: emu.X(0)}

	tlsMu.Lock()
	value := tlsData[slot]
	tlsMu.Unlock()

	emu.SetX(0, value)
	shim.ReturnFromStub(emu)
	return false
}

func stubOnce(r *shim.Registry, emu *emulator.Emulator) bool {
	onceControl := emu.X(0)
	initRoutine := emu.X(1)

	tlsMu.Lock()
	alreadyCalled := onceFlags[onceControl]
	if !alreadyCalled {
		onceFlags[onceControl] = true
	}
	tlsMu.Unlock()

	if !alreadyCalled && initRoutine != 0 {
		// The init routine is not executed under emulation.
		r.Log("pthread", "pthread_once", shim.FormatPtr("init_routine", initRoutine)+" (skipped)")
	}

	emu.SetX(0, 0)
	shim.ReturnFromStub(emu)
	return false
}
