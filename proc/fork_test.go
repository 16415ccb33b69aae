package proc

import (
	"testing"
	"time"

	"nanokern/defs"
	"nanokern/lock"
	"nanokern/mem"
	"nanokern/vm"
)

// startScheduler runs a single-hart scheduler loop for the duration of a
// test, returning a func that halts it and waits for the loop to return.
func startScheduler(k *Kernel_t) func() {
	halt := make(chan struct{})
	done := make(chan struct{})
	go func() {
		k.HartSchedLoop(0, halt)
		close(done)
	}()
	return func() {
		close(halt)
		<-done
	}
}

func TestForkExitWaitReturnsChildStatus(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()
	stop := startScheduler(k)
	defer stop()

	as, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}

	type outcome struct {
		childPid defs.Pid_t
		waitPid  defs.Pid_t
		waitErr  defs.Err_t
		status   int
	}
	resultCh := make(chan outcome, 1)

	var entry Entry_t
	entry = func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		if p.Parent != nil {
			return 7
		}
		child, err := k.Fork(p, h, entry)
		if err != 0 {
			resultCh <- outcome{waitErr: err}
			return 1
		}
		var status int
		pid, werr := k.Wait(p, h, &status)
		resultCh <- outcome{childPid: child.Pid, waitPid: pid, waitErr: werr, status: status}
		return 0
	}

	if k.Spawn(0, "fork-root", entry, as, nil, nil) == nil {
		t.Fatal("spawn: process table full")
	}

	select {
	case r := <-resultCh:
		if r.waitErr != 0 {
			t.Fatalf("wait returned error %d", r.waitErr)
		}
		if r.waitPid != r.childPid {
			t.Fatalf("wait returned pid %d, want child's pid %d", r.waitPid, r.childPid)
		}
		if r.status != 7 {
			t.Fatalf("child exit status = %d, want 7", r.status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fork/exit/wait to complete")
	}
}

// TestForkCOWChildWriteDoesNotAffectParent exercises the fork-COW property:
// a child mutating a heap byte after fork must not perturb the parent's
// view of the same address.
func TestForkCOWChildWriteDoesNotAffectParent(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()
	stop := startScheduler(k)
	defer stop()

	as, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}

	type outcome struct {
		got byte
		err string
	}
	resultCh := make(chan outcome, 1)

	var va int
	var entry Entry_t
	entry = func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		if p.Parent != nil {
			if err := p.Vm.K2user([]byte{0x42}, va); err != 0 {
				resultCh <- outcome{err: "child K2user failed"}
			}
			return 0
		}

		brk, zerr := p.Vm.Sbrk(mem.PGSIZE)
		if zerr != 0 {
			resultCh <- outcome{err: "sbrk failed"}
			return 1
		}
		va = brk
		if err := p.Vm.K2user([]byte{0x11}, va); err != 0 {
			resultCh <- outcome{err: "parent K2user failed"}
			return 1
		}

		if _, err := k.Fork(p, h, entry); err != 0 {
			resultCh <- outcome{err: "fork failed"}
			return 1
		}
		var status int
		if _, err := k.Wait(p, h, &status); err != 0 {
			resultCh <- outcome{err: "wait failed"}
			return 1
		}

		got := make([]byte, 1)
		if err := p.Vm.User2k(got, va); err != 0 {
			resultCh <- outcome{err: "parent User2k failed"}
			return 1
		}
		resultCh <- outcome{got: got[0]}
		return 0
	}

	if k.Spawn(0, "cow-root", entry, as, nil, nil) == nil {
		t.Fatal("spawn: process table full")
	}

	select {
	case r := <-resultCh:
		if r.err != "" {
			t.Fatal(r.err)
		}
		if r.got != 0x11 {
			t.Fatalf("parent's byte after child's write = %#x, want 0x11 (COW should isolate the child's write)", r.got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the COW scenario to complete")
	}
}

// TestSleepWakeupResumesOnlySeesConditionAfterLock exercises spec.md
// invariant 8 (no lost wakeups): a waiter blocks on Sleep while holding a
// condition lock, a waker flips the condition and calls Wakeup under the
// same lock, and the waiter must observe the new condition exactly once
// resumed, never spinning forever and never racing the transition.
func TestSleepWakeupResumesOnlySeesConditionAfterLock(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()
	stop := startScheduler(k)
	defer stop()

	asWaiter, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}
	asWaker, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}

	condLock := lock.MkSpinlock("cond")
	condChan := "ready"
	ready := false
	waiterDone := make(chan struct{})

	waiterEntry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		condLock.Lock(h)
		for !ready {
			k.Sleep(p, condChan, condLock, h)
		}
		condLock.Unlock(h)
		close(waiterDone)
		return 0
	}
	wakerEntry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		condLock.Lock(h)
		ready = true
		k.Wakeup(h, condChan)
		condLock.Unlock(h)
		return 0
	}

	if k.Spawn(0, "sleeper", waiterEntry, asWaiter, nil, nil) == nil {
		t.Fatal("spawn: process table full")
	}
	if k.Spawn(0, "waker", wakerEntry, asWaker, nil, nil) == nil {
		t.Fatal("spawn: process table full")
	}

	select {
	case <-waiterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up: wakeup was lost")
	}
}

// TestExitReparentsOrphanedChildrenToInit covers the exit() reparenting
// contract: a process that exits with live children must hand them to the
// designated init process rather than leaving them permanently unreapable.
func TestExitReparentsOrphanedChildrenToInit(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()

	initAs, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}
	parentAs, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}

	initDone := make(chan defs.Pid_t, 1)
	initEntry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		// The orphan is reparented only once the exiting parent actually
		// runs, which may not have happened yet the first time init
		// checks, so retry across a few scheduling rounds.
		for i := 0; i < 10; i++ {
			var status int
			pid, err := k.Wait(p, h, &status)
			if err == 0 {
				initDone <- pid
				return 0
			}
			k.Yield(p, h)
		}
		initDone <- -1
		return 1
	}

	childDone := make(chan defs.Pid_t, 1)
	childEntry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		childDone <- p.Pid
		return 3
	}

	parentEntry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		if _, err := k.Fork(p, h, childEntry); err != 0 {
			return 1
		}
		return 0 // exits immediately, without waiting: orphans the child
	}

	initP := k.Spawn(0, "init", initEntry, initAs, nil, nil)
	if initP == nil {
		t.Fatal("spawn: process table full")
	}
	k.SetInitproc(0, initP)

	if k.Spawn(0, "parent", parentEntry, parentAs, nil, nil) == nil {
		t.Fatal("spawn: process table full")
	}

	stop := startScheduler(k)
	defer stop()

	var childPid defs.Pid_t
	select {
	case childPid = <-childDone:
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned child never ran")
	}

	select {
	case reaped := <-initDone:
		if reaped != childPid {
			t.Fatalf("init reaped pid %d, want orphaned child's pid %d", reaped, childPid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init's wait never reaped the orphaned child: reparenting did not happen")
	}
}
