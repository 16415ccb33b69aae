package proc

import (
	"log"

	"nanokern/caller"
	"nanokern/defs"
	"nanokern/fd"
	"nanokern/tinfo"
	"nanokern/vm"
)

// invariantPanics dedupes the call chain of a fatal invariant violation
// (lock misuse, double free, remap — spec.md section 7 item 5) so a bug
// that fires on every process and every hart logs its stack trace once
// instead of flooding the log with identical traces, matching the
// teacher's own reason for having caller.Distinct_caller_t in the first
// place.
var invariantPanics = caller.Distinct_caller_t{Enabled: true}

// Entry_t is the "program" a process runs. There is no ELF loader in this
// kernel (out of scope per spec.md's non-goals) — a process's code is
// simply a Go closure supplied at Spawn/Fork time, invoked with the
// process and the hart currently running it. It returns the process's
// exit status when it returns normally; Exit can also be called directly
// from within it to terminate early with a specific status.
type Entry_t func(k *Kernel_t, p *Proc_t, h defs.HartID) int

// exitSignal unwinds spawnGoroutine's goroutine from wherever ExitNow was
// called, so the SYS_EXIT syscall handler can terminate its process
// immediately instead of returning normally through trap.Dispatch like
// every other syscall — matching real exit()'s "never returns" contract
// even though entry's closure has no stack to discard by hand.
type exitSignal struct{ status int }

// ExitNow terminates p immediately with status, unwinding out of entry's
// closure no matter how deep the call stack the syscall handler invoking
// it is nested in. Only meaningful called from within p's own goroutine
// (i.e. from a syscall handler processing one of p's own traps).
func (k *Kernel_t) ExitNow(status int) {
	panic(exitSignal{status})
}

// spawnGoroutine starts p's entry function running on its own goroutine.
// The goroutine blocks on p.resume before doing anything, so it only
// actually executes once the scheduler has transitioned p to RUNNING and
// signaled it — the "context switch" into a freshly created process.
func (k *Kernel_t) spawnGoroutine(p *Proc_t, entry Entry_t, h defs.HartID) {
	go func() {
		<-p.resume
		status := func() (status int) {
			defer func() {
				if r := recover(); r != nil {
					es, ok := r.(exitSignal)
					if !ok {
						if unseen, trace := invariantPanics.Distinct(); unseen {
							log.Printf("fatal: %v\n%s", r, trace)
						}
						panic(r)
					}
					status = es.status
				}
			}()
			return entry(k, p, h)
		}()
		k.exit(p, status, h)
		close(p.done)
		p.signalTurnDone()
	}()
}

// Spawn allocates a process table slot for name running entry on address
// space as, marks it RUNNABLE, and starts its goroutine (parked until the
// scheduler switches into it). It is the moral equivalent of xv6's
// userinit for the first process, and of the second half of fork for
// every process after that.
func (k *Kernel_t) Spawn(h defs.HartID, name string, entry Entry_t, as *vm.Vm_t, cwd *fd.Cwd_t, parent *Proc_t) *Proc_t {
	p := k.allocProc(h)
	if p == nil {
		return nil
	}
	p.Name = name
	p.Vm = as
	p.Cwd = cwd
	p.Parent = parent
	p.State = RUNNABLE
	p.entry = entry
	k.note(p, defs.Tid_t(p.Pid))
	k.spawnGoroutine(p, entry, h)
	k.markRunnable()
	return p
}

// pickRunnable scans the table for the first RUNNABLE process and
// transitions it to RUNNING, matching spec.md 4.D's scheduler loop:
// "scans the process table for the first RUNNABLE descriptor;
// atomically transitions it to RUNNING while holding its lock".
func (k *Kernel_t) pickRunnable(h defs.HartID) *Proc_t {
	k.ProcLock.Lock(h)
	var procs []*Proc_t
	for _, p := range k.procs {
		if p != nil {
			procs = append(procs, p)
		}
	}
	k.ProcLock.Unlock(h)

	for _, p := range procs {
		p.mu.Lock()
		if p.State == RUNNABLE {
			p.State = RUNNING
			p.mu.Unlock()
			return p
		}
		p.mu.Unlock()
	}
	return nil
}

// HartSchedLoop is the scheduler loop run by hart h: repeatedly find a
// RUNNABLE process, switch into it, and wait for it to hand control back
// by yielding, sleeping, or exiting. It returns when halt is closed.
//
// "Switching into" a process here means letting its own goroutine —
// already alive, parked on p.resume since the last time it yielded —
// proceed; there is no register save/restore because there are no
// registers to save, only a parked goroutine (SPEC_FULL.md adaptation
// #2). Between scans with nothing RUNNABLE the hart parks on
// k.runnable instead of spinning, matching the spec's "low-power wait".
func (k *Kernel_t) HartSchedLoop(h defs.HartID, halt <-chan struct{}) {
	for {
		select {
		case <-halt:
			return
		default:
		}
		p := k.pickRunnable(h)
		if p == nil {
			select {
			case <-halt:
				return
			case <-k.runnable:
			}
			continue
		}
		p.resume <- struct{}{}
		<-p.turnToken()
	}
}

// turnToken lazily creates and returns the channel the process's
// goroutine signals on to hand control back to the scheduler hart driving
// it, so Spawn/Fork don't need to remember to set it up.
func (p *Proc_t) turnToken() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turnDone == nil {
		p.turnDone = make(chan struct{}, 1)
	}
	return p.turnDone
}

func (p *Proc_t) signalTurnDone() {
	p.turnToken() <- struct{}{}
}

// Yield voluntarily gives up the remainder of p's quantum: RUNNING ->
// RUNNABLE, hand control back to the scheduler, block until picked again.
func (k *Kernel_t) Yield(p *Proc_t, h defs.HartID) {
	p.setState(RUNNABLE)
	k.markRunnable()
	p.signalTurnDone()
	<-p.resume
}

// markRunnable nudges a parked scheduler hart that there may be work,
// without blocking if none are waiting.
func (k *Kernel_t) markRunnable() {
	select {
	case k.runnable <- nil:
	default:
	}
}

// Sleep implements spec.md 4.D's sleep(chan, lk): the caller holds
// Spinlock_t lk protecting the condition it's waiting on. Sleep records
// the wait channel under p's own lock (so a concurrent Wakeup(chan_) that
// already holds lk is guaranteed to see SLEEPING before it scans), then
// releases lk, yields, and on resume clears the wait channel and
// re-acquires lk — preventing the lost-wakeup race spec.md invariant 8
// names.
func (k *Kernel_t) Sleep(p *Proc_t, chan_ any, lk Lock_i, h defs.HartID) {
	p.mu.Lock()
	p.State = SLEEPING
	p.WaitChan = chan_
	p.mu.Unlock()

	lk.Unlock(h)
	k.markRunnable()
	p.signalTurnDone()
	<-p.resume

	p.mu.Lock()
	p.WaitChan = nil
	p.mu.Unlock()
	lk.Lock(h)
}

// Lock_i is the minimal interface Sleep needs from whatever lock the
// caller is holding — satisfied by *lock.Spinlock_t.
type Lock_i interface {
	Lock(defs.HartID)
	Unlock(defs.HartID)
}

// Wakeup transitions every SLEEPING process waiting on chan_ to RUNNABLE.
// Matching spec.md 4.D, callers must hold the same lock the sleeper held
// when it called Sleep to avoid racing the transition to SLEEPING.
func (k *Kernel_t) Wakeup(h defs.HartID, chan_ any) {
	k.ProcLock.Lock(h)
	var procs []*Proc_t
	for _, p := range k.procs {
		if p != nil {
			procs = append(procs, p)
		}
	}
	k.ProcLock.Unlock(h)

	woke := false
	for _, p := range procs {
		p.mu.Lock()
		if p.State == SLEEPING && p.WaitChan == chan_ {
			p.State = RUNNABLE
			p.WaitChan = nil
			woke = true
		}
		p.mu.Unlock()
	}
	if woke {
		k.markRunnable()
	}
}

// Kill marks pid's process as killed; if it is currently SLEEPING, it is
// converted to RUNNABLE so it observes the killed flag at its next
// user-trap return (spec.md's cancellation contract).
func (k *Kernel_t) Kill(h defs.HartID, pid defs.Pid_t) defs.Err_t {
	k.ProcLock.Lock(h)
	var target *Proc_t
	for _, p := range k.procs {
		if p != nil && p.Pid == pid {
			target = p
			break
		}
	}
	k.ProcLock.Unlock(h)
	if target == nil {
		return -defs.ESRCH
	}
	target.mu.Lock()
	target.Killed = true
	if target.State == SLEEPING {
		target.State = RUNNABLE
		target.WaitChan = nil
	}
	target.mu.Unlock()
	k.markRunnable()
	if target.tnote != nil {
		target.tnote.Lock()
		target.tnote.Killed = true
		target.tnote.Unlock()
	}
	return 0
}

// note registers tid's thread-kill-state note for this process, consulted
// by trap dispatch's alarm-delivery and cancellation checks.
func (k *Kernel_t) note(p *Proc_t, tid defs.Tid_t) *tinfo.Tnote_t {
	n := &tinfo.Tnote_t{Alive: true}
	k.Threads.SetCurrent(tid, n)
	p.tnote = n
	return n
}
