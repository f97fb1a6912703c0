// Package task implements kernel task management: a fixed-size table of task
// control blocks, a circular round-robin runqueue and the preemptive
// scheduler driven by the timer tick.
package task

import (
	"unsafe"

	"github.com/kitty744/Cane/kernel"
	"github.com/kitty744/Cane/kernel/cpu"
	"github.com/kitty744/Cane/kernel/kfmt"
	"github.com/kitty744/Cane/kernel/mm/kheap"
)

// State describes the lifecycle state of a task.
type State int32

const (
	StateRunning State = iota
	StateInterruptible
	StateUninterruptible
	StateZombie
	StateStopped
	StateTraced
)

// PID identifies a task. PIDs are assigned sequentially starting at 1 and
// are never reused.
type PID int32

// handle indexes the task table. Tasks reference each other through handles
// rather than raw pointers so a stale reference can never dangle past the
// table bounds.
type handle int32

const (
	noTask = handle(-1)

	maxTasks = 64

	// stackSize is the kernel stack allocated for each task.
	stackSize = uintptr(3072)

	commLen = 16

	defaultPriority = 120

	// Initial segment selectors and RFLAGS for a new task. Bit 9 of
	// RFLAGS (IF) is set so the task starts with interrupts enabled.
	kernelCS      = 0x08
	kernelSS      = 0x10
	initialRFLAGS = 0x202
)

var (
	ErrNotFound  = &kernel.Error{Module: "task", Message: "no task with the given pid"}
	ErrKillSelf  = &kernel.Error{Module: "task", Message: "a task cannot kill itself; use Exit"}
	ErrTaskLimit = &kernel.Error{Module: "task", Message: "task table is full"}
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	kmallocFn           = kheap.Alloc
	kfreeFn             = kheap.Free
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	haltFn              = cpu.Halt
	switchToFn          = archSwitchTo
	jumpToFn            = archJumpToContext
)

// Task is a task control block. TCBs are allocated from the kernel heap and
// addressed through the scheduler task table; next and prev link the task
// into the circular runqueue.
type Task struct {
	state State
	pid   PID
	comm  [commLen]byte

	prio       int32
	staticPrio int32
	normalPrio int32
	rtPriority uint32

	context Context

	stack     uintptr
	stackSize uintptr

	entry    func()
	exitCode int64

	self   handle
	parent handle
	next   handle
	prev   handle
}

// Pid returns the task identifier.
func (t *Task) Pid() PID { return t.pid }

// State returns the current lifecycle state.
func (t *Task) State() State { return t.state }

// ExitCode returns the code passed to Exit. It is only meaningful once the
// task has entered StateZombie.
func (t *Task) ExitCode() int64 { return t.exitCode }

// Name returns the task name.
func (t *Task) Name() string {
	for i, b := range t.comm {
		if b == 0 {
			return string(t.comm[:i])
		}
	}
	return string(t.comm[:])
}

// scheduler bundles the task table and runqueue state. All fields are
// guarded by the interrupt-masking critical section: every mutation happens
// with interrupts disabled, which is sufficient on a single core.
type scheduler struct {
	// tasks holds the heap address of each live TCB, 0 for a free slot.
	tasks [maxTasks]uintptr

	// runqueue is the handle of the oldest runnable task. Insertions
	// splice in front of it without moving it, so a full walk visits
	// tasks in creation order.
	runqueue handle

	current handle

	nextPID PID

	tickCount     uint32
	tickThreshold uint32
}

var sched scheduler

// Init resets the scheduler state. tickFrequency is the timer frequency in
// Hz; a task is preempted after that many ticks, about once per second.
func Init(tickFrequency uint32) {
	sched = scheduler{
		runqueue:      noTask,
		current:       noTask,
		nextPID:       1,
		tickThreshold: tickFrequency,
	}
}

func taskAt(h handle) *Task {
	if h == noTask {
		return nil
	}
	return (*Task)(unsafe.Pointer(sched.tasks[h]))
}

// reserve claims a free task table slot for the TCB at addr.
func (s *scheduler) reserve(addr uintptr) (handle, bool) {
	for i := range s.tasks {
		if s.tasks[i] == 0 {
			s.tasks[i] = addr
			return handle(i), true
		}
	}
	return noTask, false
}

// insert splices the task in front of the runqueue head. The head handle is
// left untouched so that round-robin order matches creation order.
func (s *scheduler) insert(h handle) {
	t := taskAt(h)

	if s.runqueue == noTask {
		s.runqueue = h
		t.next, t.prev = h, h
		return
	}

	head := taskAt(s.runqueue)
	tail := taskAt(head.prev)
	t.next = s.runqueue
	t.prev = head.prev
	tail.next = h
	head.prev = h
}

// remove unlinks the task from the runqueue. Its next and prev handles are
// cleared so a removed task can never lead a traversal astray.
func (s *scheduler) remove(h handle) {
	t := taskAt(h)

	if t.next == h {
		s.runqueue = noTask
	} else {
		taskAt(t.prev).next = t.next
		taskAt(t.next).prev = t.prev
		if s.runqueue == h {
			s.runqueue = t.next
		}
	}

	t.next, t.prev = noTask, noTask
}

// findByPID walks the runqueue for the task with the given pid. Callers must
// hold the scheduling critical section.
func (s *scheduler) findByPID(pid PID) handle {
	if pid <= 0 || s.runqueue == noTask {
		return noTask
	}

	h := s.runqueue
	for {
		if taskAt(h).pid == pid {
			return h
		}
		h = taskAt(h).next
		if h == s.runqueue {
			return noTask
		}
	}
}

// Create allocates a TCB and a stack from the kernel heap, seeds the initial
// context so the task begins execution at entry, and links the task into the
// runqueue. The new task does not run until the scheduler selects it.
func Create(entry func(), name string) (*Task, *kernel.Error) {
	tcbAddr, err := kmallocFn(unsafe.Sizeof(Task{}))
	if err != nil {
		return nil, err
	}

	stackAddr, err := kmallocFn(stackSize)
	if err != nil {
		kfreeFn(tcbAddr)
		return nil, err
	}

	t := (*Task)(unsafe.Pointer(tcbAddr))
	*t = Task{}

	disableInterruptsFn()

	h, ok := sched.reserve(tcbAddr)
	if !ok {
		enableInterruptsFn()
		kfreeFn(stackAddr)
		kfreeFn(tcbAddr)
		return nil, ErrTaskLimit
	}

	t.self = h
	t.pid = sched.nextPID
	sched.nextPID++
	t.state = StateRunning
	t.prio = defaultPriority
	t.staticPrio = defaultPriority
	t.normalPrio = defaultPriority
	t.parent = sched.current
	t.entry = entry
	t.stack = stackAddr
	t.stackSize = stackSize

	if name == "" {
		name = "unknown"
	}
	copy(t.comm[:commLen-1], name)

	// The stack grows down from a 16-byte aligned top.
	stackTop := (stackAddr + stackSize) &^ 0xF
	t.context = Context{
		RIP:    uint64(funcPC(entry)),
		RSP:    uint64(stackTop),
		CS:     kernelCS,
		SS:     kernelSS,
		RFLAGS: initialRFLAGS,
	}

	sched.insert(h)

	enableInterruptsFn()
	return t, nil
}

// Exit terminates the calling task: it is marked a zombie, removed from the
// runqueue and control is handed to the next runnable task. The TCB and
// stack are deliberately not freed, as the task is still executing on that
// stack until the switch completes. Exit does not return to the caller.
func Exit(exitCode int64) {
	disableInterruptsFn()

	h := sched.current
	if h == noTask {
		enableInterruptsFn()
		return
	}

	t := taskAt(h)
	kfmt.Printf("Task '%s' (PID %d) exited with code %d\n", t.Name(), int32(t.pid), exitCode)

	t.state = StateZombie
	t.exitCode = exitCode
	sched.remove(h)
	sched.current = noTask

	Schedule()

	// Schedule only returns here when the runqueue drained completely.
	if sched.runqueue == noTask {
		haltFn()
	}
}

// Kill terminates the task with the given pid and frees its stack and TCB.
// Killing the calling task is rejected with ErrKillSelf; Exit is the only
// way out for the running task. Tasks that already exited are no longer on
// the runqueue and report ErrNotFound.
func Kill(pid PID) *kernel.Error {
	disableInterruptsFn()

	h := sched.findByPID(pid)
	if h == noTask {
		enableInterruptsFn()
		return ErrNotFound
	}

	if h == sched.current {
		enableInterruptsFn()
		return ErrKillSelf
	}

	t := taskAt(h)
	t.state = StateZombie
	sched.remove(h)
	sched.tasks[h] = 0

	enableInterruptsFn()

	kfreeFn(t.stack)
	kfreeFn(uintptr(unsafe.Pointer(t)))
	return nil
}

// FindByPID returns the runnable task with the given pid, or nil when no
// such task exists.
func FindByPID(pid PID) *Task {
	disableInterruptsFn()

	// The handle must resolve to a pointer inside the critical section; a
	// Kill running after the unmask may release the table slot.
	t := taskAt(sched.findByPID(pid))

	enableInterruptsFn()
	return t
}

// Current returns the task that is currently executing, or nil before the
// first switch.
func Current() *Task {
	return taskAt(sched.current)
}

// CurrentPID returns the pid of the running task, or -1 before the first
// switch.
func CurrentPID() PID {
	t := taskAt(sched.current)
	if t == nil {
		return -1
	}
	return t.pid
}
