package tls

// Guest per-thread block layout, relative to TPIDR_EL0.
//
// The first ShimTCBOffset bytes are reserved for the guest C runtime's
// own thread block (self pointer, DTV slot, thread id, and the stack
// guard word at +0x28 that compiled guest code reads directly). The shim
// never reads or writes that area.
//
// The shim image follows at ShimTCBOffset. These offsets are an ABI
// contract with unmodified guest-side code and with the fault path: they
// must not change between builds that interoperate. TestLayoutContract
// pins every value.
const (
	// StackGuardOffset is the guest runtime's stack-protector word.
	// Listed here only to document what the reserved area holds.
	StackGuardOffset = 0x28

	// ShimTCBOffset is where the shim image begins.
	ShimTCBOffset = 0x30
)

// Shim image layout, relative to ShimTCBOffset. All fields are 8-byte
// words.
const (
	CanaryOffset = 0x00
	SelfOffset   = 0x08
	TidOffset    = 0x10
	FlagsOffset  = 0x18

	// ShimTCBSize is the total image size.
	ShimTCBSize = 0x20
)
