// Package proc implements the fixed-size process table, per-hart
// scheduler loop, and sleep/wakeup primitive spec.md 4.D describes.
// Processes are goroutines here rather than kernel stacks swapped by
// hand-written assembly (SPEC_FULL.md adaptation #2): a process's
// "context switch" is just that goroutine parking on a Go channel until
// the scheduler decides to run it, and "the scheduler" is the loop that
// decides which parked goroutine gets to proceed next. The state machine,
// locking discipline, and sleep/wakeup contract are unchanged from the
// teacher's proc.go/sched, which this package is grounded on in spirit —
// the pack never shipped that file, since fork/exit/wait/sleep is exactly
// the part xv6-riscv (this spec's original_source) and spec.md 4.D
// describe in the most detail.
package proc

import (
	"sync"

	"nanokern/accnt"
	"nanokern/defs"
	"nanokern/fd"
	"nanokern/limits"
	"nanokern/lock"
	"nanokern/tinfo"
	"nanokern/vm"
)

// State_t is a process's scheduling state.
type State_t int

const (
	UNUSED State_t = iota
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s State_t) String() string {
	switch s {
	case UNUSED:
		return "UNUSED"
	case SLEEPING:
		return "SLEEPING"
	case RUNNABLE:
		return "RUNNABLE"
	case RUNNING:
		return "RUNNING"
	case ZOMBIE:
		return "ZOMBIE"
	default:
		return "???"
	}
}

// N_PROC is the fixed size of the process table.
const N_PROC = 64

// N_OFILE is the fixed size of a process's open-file table.
const N_OFILE = 32

// Alarm_t is a process's pending periodic-alarm state (spec.md's "signals
// beyond one alarm" non-goal — exactly one alarm, no signal set).
type Alarm_t struct {
	Period  int // ticks between deliveries; 0 == disarmed
	Elapsed int
	Handler int // user va of the handler
	// InHandler guards against re-entrant delivery: the alarm must not
	// fire again until the process calls sigreturn.
	InHandler bool
	SavedTf   [32]uint64
}

// Proc_t is one process table slot.
type Proc_t struct {
	mu sync.Mutex // protects State, WaitChan, and table-scan invariants

	Pid    defs.Pid_t
	Name   string
	Parent *Proc_t // weak back-pointer only; not owned

	Vm  *vm.Vm_t
	Cwd *fd.Cwd_t
	Fds [N_OFILE]*fd.Fd_t

	State    State_t
	WaitChan any // non-nil iff State == SLEEPING

	Killed     bool
	ExitStatus int
	Alarm      Alarm_t

	Accnt accnt.Accnt_t

	// resume is closed by the scheduler when this process is chosen to
	// run; the process's goroutine blocks receiving from it instead of a
	// hand-written context-switch trampoline restoring callee-saved
	// registers.
	resume chan struct{}
	// done is closed once this process's goroutine has genuinely exited
	// (distinct from ZOMBIE, which just means "wait() may reap this"),
	// so Kill/cleanup code can block until the goroutine is gone.
	done chan struct{}
	// turnDone is signaled by this process's own goroutine to hand
	// control back to the hart scheduling it; see turnToken.
	turnDone chan struct{}

	tnote *tinfo.Tnote_t

	// entry is the closure this process's goroutine is running, kept so
	// SYS_FORK can hand the child a fresh goroutine running the same
	// code: there is no saved register file to resume into part-way
	// through, so the child instead restarts entry from the top on its
	// own copy-on-write address space (DESIGN.md's SYS_FORK note).
	entry Entry_t
}

// Entry returns the closure p's goroutine is running, for Fork to pass
// to the child's own goroutine.
func (p *Proc_t) Entry() Entry_t {
	return p.entry
}

// Kernel_t is the top-level shared kernel state: the process table, its
// protecting spinlock, the sleep/wakeup condvar table, and per-hart
// scheduler bookkeeping. spec.md section 10 asks that singletons like the
// process table be modeled as fields of one such value passed by shared
// reference rather than package-level globals with hidden mutability;
// every lock it holds stays an explicit, named field.
type Kernel_t struct {
	ProcLock *lock.Spinlock_t
	procs    [N_PROC]*Proc_t
	nextPid  defs.Pid_t

	// initproc is the reparent target exit() hands a dying process's
	// children to, mirroring xv6's initproc global (original_source/
	// kernel/proc.c's userinit sets it once at boot). Guarded by
	// ProcLock like every other process-table-wide field.
	initproc *Proc_t

	Sleepq *lock.Condvar_t

	Threads tinfo.Threadinfo_t

	runnable chan *Proc_t // hand-off queue the scheduler drains
}

// SetInitproc designates p as the process exit() reparents orphaned
// children to. Callers typically set this once, right after spawning
// their first ("init") process.
func (k *Kernel_t) SetInitproc(h defs.HartID, p *Proc_t) {
	k.ProcLock.Lock(h)
	k.initproc = p
	k.ProcLock.Unlock(h)
}

// NewKernel builds an empty process table and sleep/wakeup table.
func NewKernel() *Kernel_t {
	k := &Kernel_t{
		ProcLock: lock.MkSpinlock("proctable"),
		Sleepq:   lock.MkCondvar(),
		runnable: make(chan *Proc_t, N_PROC),
	}
	k.Threads.Init()
	return k
}

// allocProc finds a free slot in the table and returns it initialized to
// UNUSED with a fresh pid, or nil if the table is full or the configured
// process quota (limits.Syslimit.Sysprocs) is already exhausted.
func (k *Kernel_t) allocProc(h defs.HartID) *Proc_t {
	k.ProcLock.Lock(h)
	defer k.ProcLock.Unlock(h)
	live := 0
	free := -1
	for i := range k.procs {
		if k.procs[i] == nil {
			if free == -1 {
				free = i
			}
			continue
		}
		live++
	}
	if free == -1 || live >= limits.Syslimit.Sysprocs {
		return nil
	}
	k.nextPid++
	p := &Proc_t{
		Pid:    k.nextPid,
		State:  UNUSED,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	k.procs[free] = p
	return p
}

// Procs returns a snapshot slice of every live (non-nil) process table
// entry, used by wait/kill/scheduler scans.
func (k *Kernel_t) Procs(h defs.HartID) []*Proc_t {
	k.ProcLock.Lock(h)
	defer k.ProcLock.Unlock(h)
	var ret []*Proc_t
	for _, p := range k.procs {
		if p != nil {
			ret = append(ret, p)
		}
	}
	return ret
}

// freeSlot removes p from the table entirely, for use once it has been
// reaped by wait().
func (k *Kernel_t) freeSlot(h defs.HartID, p *Proc_t) {
	k.ProcLock.Lock(h)
	defer k.ProcLock.Unlock(h)
	for i := range k.procs {
		if k.procs[i] == p {
			k.procs[i] = nil
			return
		}
	}
}

// setState transitions p to s under p's own lock, the only lock the state
// field itself is protected by (spec.md 4.D: "atomically transition while
// holding its lock").
func (p *Proc_t) setState(s State_t) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
}

func (p *Proc_t) getState() State_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// IsKilled reports whether p has been marked killed, polled at
// user-trap return per spec.md's cancellation contract.
func (p *Proc_t) IsKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Killed
}

// SetAlarmFrame records the trap frame to resume from on Sigreturn,
// alongside arming the re-entrancy guard TickAlarm already set.
func (p *Proc_t) SetAlarmFrame(tf [32]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Alarm.SavedTf = tf
}
