package task

// Schedule selects the next runnable task in round-robin order and switches
// to it. Interrupts are disabled for the duration of the runqueue walk. A
// task entering its very first slice starts from the RFLAGS image seeded by
// Create, which has the interrupt flag set; a task resuming a saved context
// returns here and interrupts are unmasked explicitly, because the switch
// primitive captured RFLAGS after the mask below and the restored image
// therefore carries a cleared interrupt flag. When the runqueue is empty or
// the running task is the only one, Schedule returns to the caller with
// interrupts enabled.
func Schedule() {
	disableInterruptsFn()

	if sched.runqueue == noTask {
		enableInterruptsFn()
		return
	}

	var next handle
	if sched.current == noTask {
		next = sched.runqueue
	} else {
		next = taskAt(sched.current).next
	}

	if next == sched.current {
		enableInterruptsFn()
		return
	}

	prev := sched.current
	sched.current = next

	if prev == noTask {
		// First switch: there is no valid outgoing context to save.
		jumpToFn(&taskAt(next).context)
		return
	}

	switchToFn(&taskAt(prev).context, &taskAt(next).context)

	// Resume point of every task that yielded its slice. The RFLAGS image
	// just restored was saved under the mask above, so the interrupt flag
	// is clear; unmask here or the resumed task would run interrupt-dead
	// and could never be preempted again.
	enableInterruptsFn()
}

// Yield voluntarily gives up the remainder of the time slice.
func Yield() {
	Schedule()
}

// Tick advances the preemption clock. The timer interrupt handler calls it
// once per tick; when a full time slice has elapsed the running task is
// preempted. Ticks before the first switch are ignored so the boot path is
// never preempted.
func Tick() {
	if sched.current == noTask {
		return
	}

	sched.tickCount++
	if sched.tickCount >= sched.tickThreshold {
		sched.tickCount = 0
		Schedule()
	}
}
