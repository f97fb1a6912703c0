package task

import "unsafe"

// Context holds the saved execution state of a task. The field order mirrors
// the amd64 register frame that switch_amd64.s reads and writes through the
// fixed offsets below; it must never be reordered.
type Context struct {
	R15     uint64
	R14     uint64
	R13     uint64
	R12     uint64
	RBP     uint64
	RBX     uint64
	R11     uint64
	R10     uint64
	R9      uint64
	R8      uint64
	RAX     uint64
	RCX     uint64
	RDX     uint64
	RSI     uint64
	RDI     uint64
	OrigRAX uint64
	RIP     uint64
	CS      uint64
	RFLAGS  uint64
	RSP     uint64
	SS      uint64
}

// Context field offsets shared with switch_amd64.s.
const (
	ctxR15    = 0
	ctxR14    = 8
	ctxR13    = 16
	ctxR12    = 24
	ctxRBP    = 32
	ctxRBX    = 40
	ctxRIP    = 128
	ctxRFLAGS = 144
	ctxRSP    = 152
	ctxSize   = 168
)

// The declarations below fail to compile when the Context layout drifts from
// the offsets hardcoded in the context switch assembly.
var (
	_ [unsafe.Sizeof(Context{}) - ctxSize]byte
	_ [ctxSize - unsafe.Sizeof(Context{})]byte
	_ [unsafe.Offsetof(Context{}.R15) - ctxR15]byte
	_ [ctxR15 - unsafe.Offsetof(Context{}.R15)]byte
	_ [unsafe.Offsetof(Context{}.R14) - ctxR14]byte
	_ [ctxR14 - unsafe.Offsetof(Context{}.R14)]byte
	_ [unsafe.Offsetof(Context{}.R13) - ctxR13]byte
	_ [ctxR13 - unsafe.Offsetof(Context{}.R13)]byte
	_ [unsafe.Offsetof(Context{}.R12) - ctxR12]byte
	_ [ctxR12 - unsafe.Offsetof(Context{}.R12)]byte
	_ [unsafe.Offsetof(Context{}.RBP) - ctxRBP]byte
	_ [ctxRBP - unsafe.Offsetof(Context{}.RBP)]byte
	_ [unsafe.Offsetof(Context{}.RBX) - ctxRBX]byte
	_ [ctxRBX - unsafe.Offsetof(Context{}.RBX)]byte
	_ [unsafe.Offsetof(Context{}.RIP) - ctxRIP]byte
	_ [ctxRIP - unsafe.Offsetof(Context{}.RIP)]byte
	_ [unsafe.Offsetof(Context{}.RFLAGS) - ctxRFLAGS]byte
	_ [ctxRFLAGS - unsafe.Offsetof(Context{}.RFLAGS)]byte
	_ [unsafe.Offsetof(Context{}.RSP) - ctxRSP]byte
	_ [ctxRSP - unsafe.Offsetof(Context{}.RSP)]byte
)

// archSwitchTo saves the callee-preserved registers, RFLAGS and the stack
// pointer of the caller into prev, then loads the same set from next and
// transfers control to the instruction pointer recorded there. It returns
// only when the outgoing task is scheduled again: control then resumes at
// the instruction following the archSwitchTo call. The restored RFLAGS
// image reflects the interrupt state at save time; callers that save while
// interrupts are masked must unmask again at the resume point themselves.
func archSwitchTo(prev, next *Context)

// archJumpToContext loads the register state from next and transfers control
// to its instruction pointer without saving anything. It is used for the
// very first switch, when no valid outgoing context exists, and never
// returns.
func archJumpToContext(next *Context)

// funcPC returns the entry address of fn's machine code. A Go func value is
// a pointer to a closure record whose first word holds the code pointer.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
