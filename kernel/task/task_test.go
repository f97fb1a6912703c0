package task

import (
	"testing"
	"unsafe"

	"github.com/kitty744/Cane/kernel"
)

var errHeapExhausted = &kernel.Error{Module: "test", Message: "kernel heap exhausted"}

// fakeHeap backs kmallocFn with regular Go memory. Buffers are retained even
// after a free so zombie TCBs stay readable by the tests.
type fakeHeap struct {
	buffers   map[uintptr][]byte
	allocs    []uintptr
	freed     []uintptr
	failAfter int // fail once this many allocations happened; -1 disables
}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{
		buffers:   make(map[uintptr][]byte),
		failAfter: -1,
	}
}

func (f *fakeHeap) alloc(size uintptr) (uintptr, *kernel.Error) {
	if f.failAfter >= 0 && len(f.allocs) >= f.failAfter {
		return 0, errHeapExhausted
	}

	buf := make([]byte, size+16)
	addr := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	f.buffers[addr] = buf
	f.allocs = append(f.allocs, addr)
	return addr, nil
}

func (f *fakeHeap) free(addr uintptr) {
	f.freed = append(f.freed, addr)
}

// switchRecorder substitutes the context switch and interrupt primitives
// with bookkeeping so the scheduler logic can be driven from a regular test
// binary.
type switchRecorder struct {
	switches   int
	jumps      int
	disables   int
	enables    int
	haltCalled bool
}

func (r *switchRecorder) switchTo(_, _ *Context) { r.switches++ }
func (r *switchRecorder) jumpTo(_ *Context)      { r.jumps++ }
func (r *switchRecorder) disable()               { r.disables++ }
func (r *switchRecorder) enable()                { r.enables++ }
func (r *switchRecorder) halt()                  { r.haltCalled = true }

func setupTestScheduler(t *testing.T, tickFrequency uint32) (*fakeHeap, *switchRecorder, func()) {
	t.Helper()

	origKmallocFn := kmallocFn
	origKfreeFn := kfreeFn
	origDisableInterruptsFn := disableInterruptsFn
	origEnableInterruptsFn := enableInterruptsFn
	origHaltFn := haltFn
	origSwitchToFn := switchToFn
	origJumpToFn := jumpToFn
	origSched := sched

	heap := newFakeHeap()
	rec := &switchRecorder{}
	kmallocFn = heap.alloc
	kfreeFn = heap.free
	disableInterruptsFn = rec.disable
	enableInterruptsFn = rec.enable
	haltFn = rec.halt
	switchToFn = rec.switchTo
	jumpToFn = rec.jumpTo

	Init(tickFrequency)

	return heap, rec, func() {
		kmallocFn = origKmallocFn
		kfreeFn = origKfreeFn
		disableInterruptsFn = origDisableInterruptsFn
		enableInterruptsFn = origEnableInterruptsFn
		haltFn = origHaltFn
		switchToFn = origSwitchToFn
		jumpToFn = origJumpToFn
		sched = origSched
	}
}

func testEntry() {}

func TestCreate(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "worker")
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := PID(1), taskA.Pid(); got != exp {
		t.Errorf("expected the first task to get pid %d; got %d", exp, got)
	}
	if exp, got := StateRunning, taskA.State(); got != exp {
		t.Errorf("expected state %d; got %d", exp, got)
	}
	if exp, got := "worker", taskA.Name(); got != exp {
		t.Errorf("expected name %q; got %q", exp, got)
	}
	if taskA.parent != noTask {
		t.Errorf("expected a task created before the first switch to have no parent; got handle %d", taskA.parent)
	}

	taskB, err := Create(testEntry, "")
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := PID(2), taskB.Pid(); got != exp {
		t.Errorf("expected sequential pid %d; got %d", exp, got)
	}
	if exp, got := "unknown", taskB.Name(); got != exp {
		t.Errorf("expected the empty name to default to %q; got %q", exp, got)
	}
}

func TestCreateSeedsContext(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "worker")
	if err != nil {
		t.Fatal(err)
	}

	ctx := &taskA.context
	if exp, got := uint64(funcPC(testEntry)), ctx.RIP; got != exp {
		t.Errorf("expected RIP to point at the entry function (0x%x); got 0x%x", exp, got)
	}
	if ctx.RSP%16 != 0 {
		t.Errorf("expected a 16-byte aligned initial stack pointer; got 0x%x", ctx.RSP)
	}
	if top := uint64(taskA.stack + taskA.stackSize); ctx.RSP > top || ctx.RSP <= uint64(taskA.stack) {
		t.Errorf("expected RSP 0x%x to point at the top of the stack [0x%x, 0x%x]", ctx.RSP, taskA.stack, top)
	}
	if exp, got := uint64(kernelCS), ctx.CS; got != exp {
		t.Errorf("expected CS 0x%x; got 0x%x", exp, got)
	}
	if exp, got := uint64(kernelSS), ctx.SS; got != exp {
		t.Errorf("expected SS 0x%x; got 0x%x", exp, got)
	}
	if exp, got := uint64(initialRFLAGS), ctx.RFLAGS; got != exp {
		t.Errorf("expected RFLAGS 0x%x with the interrupt flag set; got 0x%x", exp, got)
	}
	if ctx.RAX|ctx.RBX|ctx.RCX|ctx.RDX|ctx.RBP|ctx.R15 != 0 {
		t.Error("expected the general purpose registers of a new task to be zero")
	}
}

func TestCreateTruncatesLongNames(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "a-task-name-well-beyond-the-comm-limit")
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := "a-task-name-wel", taskA.Name(); got != exp {
		t.Errorf("expected the name to be truncated to %q; got %q", exp, got)
	}
}

func TestCreateAllocFailures(t *testing.T) {
	t.Run("tcb alloc fails", func(t *testing.T) {
		heap, _, restore := setupTestScheduler(t, 50)
		defer restore()

		heap.failAfter = 0
		if _, err := Create(testEntry, "worker"); err != errHeapExhausted {
			t.Fatalf("expected Create to propagate the heap error; got %v", err)
		}
		if len(heap.freed) != 0 {
			t.Errorf("expected no frees when nothing was allocated; got %d", len(heap.freed))
		}
	})

	t.Run("stack alloc fails and releases the tcb", func(t *testing.T) {
		heap, _, restore := setupTestScheduler(t, 50)
		defer restore()

		heap.failAfter = 1
		if _, err := Create(testEntry, "worker"); err != errHeapExhausted {
			t.Fatalf("expected Create to propagate the heap error; got %v", err)
		}
		if exp, got := 1, len(heap.freed); got != exp {
			t.Fatalf("expected the orphaned TCB to be freed; got %d frees", got)
		}
		if heap.freed[0] != heap.allocs[0] {
			t.Errorf("expected the freed address 0x%x to be the TCB at 0x%x", heap.freed[0], heap.allocs[0])
		}
	})
}

func TestCreateTaskLimit(t *testing.T) {
	heap, _, restore := setupTestScheduler(t, 50)
	defer restore()

	for i := 0; i < maxTasks; i++ {
		if _, err := Create(testEntry, "filler"); err != nil {
			t.Fatalf("[task %d] %v", i, err)
		}
	}

	if _, err := Create(testEntry, "one-too-many"); err != ErrTaskLimit {
		t.Fatalf("expected Create to fail with ErrTaskLimit; got %v", err)
	}

	// The rejected task must not leak its TCB or stack.
	if exp, got := 2, len(heap.freed); got != exp {
		t.Errorf("expected the rejected task to free its %d allocations; got %d", exp, got)
	}
}

func TestFindByPID(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "worker")
	if err != nil {
		t.Fatal(err)
	}

	if got := FindByPID(taskA.Pid()); got != taskA {
		t.Errorf("expected FindByPID(%d) to return the created task; got %v", taskA.Pid(), got)
	}

	for _, pid := range []PID{0, -1, 42} {
		if got := FindByPID(pid); got != nil {
			t.Errorf("expected FindByPID(%d) to return nil; got pid %d", pid, got.Pid())
		}
	}
}

func TestKill(t *testing.T) {
	heap, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "a")
	if err != nil {
		t.Fatal(err)
	}
	taskB, err := Create(testEntry, "b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = Create(testEntry, "c"); err != nil {
		t.Fatal(err)
	}

	Schedule()
	if exp, got := taskA.Pid(), CurrentPID(); got != exp {
		t.Fatalf("expected the first schedule to select pid %d; got %d", exp, got)
	}

	if err := Kill(99); err != ErrNotFound {
		t.Errorf("expected killing an unknown pid to fail with ErrNotFound; got %v", err)
	}
	if err := Kill(taskA.Pid()); err != ErrKillSelf {
		t.Errorf("expected killing the running task to fail with ErrKillSelf; got %v", err)
	}

	stackB := taskB.stack
	tcbB := uintptr(unsafe.Pointer(taskB))
	if err := Kill(taskB.Pid()); err != nil {
		t.Fatal(err)
	}

	if exp, got := StateZombie, taskB.State(); got != exp {
		t.Errorf("expected the killed task to be a zombie; got state %d", got)
	}
	if got := FindByPID(taskB.Pid()); got != nil {
		t.Errorf("expected the killed task to leave the runqueue; FindByPID returned pid %d", got.Pid())
	}
	if exp, got := 2, len(heap.freed); got != exp {
		t.Fatalf("expected Kill to free the stack and the TCB; got %d frees", got)
	}
	if heap.freed[0] != stackB || heap.freed[1] != tcbB {
		t.Errorf("expected the stack (0x%x) then the TCB (0x%x) to be freed; got 0x%x, 0x%x",
			stackB, tcbB, heap.freed[0], heap.freed[1])
	}

	// The freed table slot is reusable; pids are never reused.
	taskD, err := Create(testEntry, "d")
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := PID(4), taskD.Pid(); got != exp {
		t.Errorf("expected the replacement task to get a fresh pid %d; got %d", exp, got)
	}
}

func TestFindByPIDResolvesInsideCriticalSection(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "worker")
	if err != nil {
		t.Fatal(err)
	}

	// Emulate a Kill racing on the unmask boundary: the moment interrupts
	// come back on, the table slot is released. The handle must have been
	// resolved to a pointer before that happens.
	enableInterruptsFn = func() {
		sched.tasks[taskA.self] = 0
	}

	if got := FindByPID(taskA.Pid()); got != taskA {
		t.Fatalf("expected the handle to resolve before interrupts are unmasked; got %v", got)
	}
}

func TestKillRejectsInvalidPIDs(t *testing.T) {
	_, _, restore := setupTestScheduler(t, 50)
	defer restore()

	if _, err := Create(testEntry, "worker"); err != nil {
		t.Fatal(err)
	}

	for _, pid := range []PID{0, -1} {
		if err := Kill(pid); err != ErrNotFound {
			t.Errorf("expected Kill(%d) to fail with ErrNotFound; got %v", pid, err)
		}
	}
}

func TestExit(t *testing.T) {
	heap, rec, restore := setupTestScheduler(t, 50)
	defer restore()

	taskA, err := Create(testEntry, "a")
	if err != nil {
		t.Fatal(err)
	}
	taskB, err := Create(testEntry, "b")
	if err != nil {
		t.Fatal(err)
	}

	Schedule()
	if exp, got := taskA.Pid(), CurrentPID(); got != exp {
		t.Fatalf("expected pid %d to run first; got %d", exp, got)
	}

	Exit(42)

	if exp, got := StateZombie, taskA.State(); got != exp {
		t.Errorf("expected the exited task to be a zombie; got state %d", got)
	}
	if exp, got := int64(42), taskA.ExitCode(); got != exp {
		t.Errorf("expected exit code %d; got %d", exp, got)
	}
	if exp, got := taskB.Pid(), CurrentPID(); got != exp {
		t.Errorf("expected control to pass to pid %d; got %d", exp, got)
	}
	if got := FindByPID(taskA.Pid()); got != nil {
		t.Errorf("expected the exited task to leave the runqueue; FindByPID returned pid %d", got.Pid())
	}

	// A kill after the exit must report the task as gone.
	if err := Kill(taskA.Pid()); err != ErrNotFound {
		t.Errorf("expected killing an exited task to fail with ErrNotFound; got %v", err)
	}

	// Exit keeps the zombie's TCB and stack: the outgoing task still runs
	// on that stack while the switch happens.
	if len(heap.freed) != 0 {
		t.Errorf("expected Exit not to free the zombie's memory; got %d frees", len(heap.freed))
	}
	if rec.haltCalled {
		t.Error("expected no halt while runnable tasks remain")
	}
}

func TestExitLastTask(t *testing.T) {
	_, rec, restore := setupTestScheduler(t, 50)
	defer restore()

	if _, err := Create(testEntry, "last"); err != nil {
		t.Fatal(err)
	}

	Schedule()
	Exit(0)

	if !rec.haltCalled {
		t.Error("expected the CPU to be parked when the last task exits")
	}
	if exp, got := PID(-1), CurrentPID(); got != exp {
		t.Errorf("expected no current task after the last exit; got pid %d", got)
	}
}

func TestExitWithoutCurrentTask(t *testing.T) {
	_, rec, restore := setupTestScheduler(t, 50)
	defer restore()

	// Exit before the first switch has no task to terminate.
	Exit(0)

	if rec.haltCalled || rec.jumps != 0 || rec.switches != 0 {
		t.Error("expected Exit before the first switch to be a no-op")
	}
}
