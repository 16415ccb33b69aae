// Package trap dispatches traps delivered to a hart: syscalls, page
// faults, the periodic timer, and external interrupts. spec.md 4.E
// describes this as a thin layer whose only real job is figuring out why
// the hart trapped and handing off to the right subsystem — proc's
// scheduler for the timer, vm for a page fault, the syscall table for
// everything else.
package trap

import (
	"nanokern/defs"
	"nanokern/proc"
	"nanokern/res"
)

// Cause_t identifies why a hart trapped.
type Cause_t int

const (
	CauseSyscall Cause_t = iota
	CausePageFaultLoad
	CausePageFaultStore
	CauseTimer
	CauseExternal
)

// Frame_t is the minimal trap frame trap dispatch needs: which syscall (if
// any), its raw argument words, and the faulting address/cause for a page
// fault. A real kernel's frame also holds every saved general-purpose
// register; those are irrelevant here since there is no register file to
// restore (goroutines keep their own Go call stack across a "trap").
type Frame_t struct {
	Cause    Cause_t
	Sysno    int
	Args     [6]int
	FaultVA  uintptr
	FaultEC  uintptr
	Sysret   int
}

// Handler_i is the syscall dispatch table's interface: a concrete syscall
// package (not imported here, to avoid a dependency cycle with proc/vm)
// registers implementations keyed by defs.SYS_* number.
type Handler_i func(p *proc.Proc_t, h defs.HartID, fr *Frame_t) int

var table [defs.SYS_SIGRETURN + 1]Handler_i

// Register installs fn as the handler for syscall number sysno. Called
// once at boot by the syscall package for every syscall it implements.
func Register(sysno int, fn Handler_i) {
	table[sysno] = fn
}

// Dispatch handles one trap for process p on hart h. On return, fr.Sysret
// holds the value (or negative errno) to hand back to the process for a
// syscall trap, or the fault handler's result (0 or a negative errno) for
// a page fault; timer and external traps leave it unchanged. If p has
// been killed, Sysret is set to -EINTR whatever the cause.
func Dispatch(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID, fr *Frame_t) {
	switch fr.Cause {
	case CauseSyscall:
		res.Begin(h)
		fn := table[fr.Sysno]
		if fn == nil {
			fr.Sysret = int(-defs.ENOSYS)
			break
		}
		fr.Sysret = fn(p, h, fr)
	case CausePageFaultLoad, CausePageFaultStore:
		ecode := fr.FaultEC
		if fr.Cause == CausePageFaultStore {
			ecode |= uintptr(1 << 1) // PTE_W bit, mirrored without importing vm/mem
		}
		err := p.Vm.Pgfault(defs.Tid_t(p.Pid), fr.FaultVA, ecode)
		fr.Sysret = int(err)
	case CauseTimer:
		if p.TickAlarm() {
			deliverAlarm(p, fr)
		}
		k.Yield(p, h)
	case CauseExternal:
		// external interrupts (UART RX, block device completion) are
		// routed by the device driver directly to the waiting sleeper
		// via Wakeup; trap dispatch has nothing further to do.
	}

	if p.IsKilled() {
		fr.Sysret = int(-defs.EINTR)
	}
}

// deliverAlarm rewrites fr so the process resumes at its registered
// handler instead of where it trapped, saving the original frame so
// Sigreturn can restore it.
func deliverAlarm(p *proc.Proc_t, fr *Frame_t) {
	// The saved frame format is a flat word array; trap frame layout is
	// architecture-specific and out of this kernel's scope, so this
	// stores just enough to resume correctly in the cooperative model:
	// the syscall number and arguments in flight, if any.
	var saved [32]uint64
	saved[0] = uint64(fr.Sysno)
	for i, a := range fr.Args {
		saved[1+i] = uint64(a)
	}
	p.SetAlarmFrame(saved)
}
