package tcb

// Snapshot is a fixed-layout capture of guest ARM64 register state at a
// point of interruption. A snapshot is immutable once captured and is
// owned exclusively by the execution context that captured it; it is
// consumed when the thread resumes or when a frozen state is inspected
// for diagnostics.
type Snapshot struct {
	// OrigX8 latches the syscall number register as it was at
	// interruption entry, before any stub clobbers X8.
	OrigX8 uint64

	Sp uint64

	// X holds X0-X30. X[30] is the link register.
	X [31]uint64

	// Pstate holds the NZCV flags.
	Pstate uint64

	Pc uint64
}

// LR returns the captured link register.
func (s *Snapshot) LR() uint64 {
	return s.X[30]
}
