package proc

import (
	"nanokern/defs"
	"nanokern/fd"
)

// Fork duplicates parent via copy-on-write address-space copy (vm.Vm_t.
// Copy), a shared-backend-bumped copy of its open-file table, and the same
// cwd, then starts the child RUNNABLE on its own goroutine running entry
// from the top. Unlike xv6 fork(), where both processes resume at the
// syscall return point, the child does not continue from the fork call:
// there is no saved register file to copy, so only the parent returns
// from it. Returns the child on success.
func (k *Kernel_t) Fork(parent *Proc_t, h defs.HartID, entry Entry_t) (*Proc_t, defs.Err_t) {
	childVm, err := parent.Vm.Copy()
	if err != 0 {
		return nil, err
	}

	child := k.allocProc(h)
	if child == nil {
		return nil, -defs.ENOMEM
	}
	child.Name = parent.Name
	child.Vm = childVm
	child.Parent = parent
	child.Cwd = parent.Cwd
	child.entry = entry

	for i, of := range parent.Fds {
		if of == nil {
			continue
		}
		nfd, err := fd.Copyfd(of)
		if err != 0 {
			continue
		}
		child.Fds[i] = nfd
	}

	child.State = RUNNABLE
	k.note(child, defs.Tid_t(child.Pid))
	k.spawnGoroutine(child, entry, h)
	k.markRunnable()
	return child, 0
}

// exit tears down p's resources, reparents any of p's own children to the
// kernel's designated init process (k.initproc, set via SetInitproc), and
// marks p ZOMBIE. Reparenting mirrors original_source/kernel/proc.c's
// reparent()/wakeup1(initproc): without it, a child whose parent exits
// before calling Wait would become permanently unreapable, leaking its
// slot in the fixed N_PROC-sized table.
func (k *Kernel_t) exit(p *Proc_t, status int, h defs.HartID) {
	p.Vm.Uvmfree()
	for i, of := range p.Fds {
		if of != nil {
			fd.Close_panic(of)
			p.Fds[i] = nil
		}
	}

	k.ProcLock.Lock(h)
	init := k.initproc
	reparented := false
	for _, c := range k.procs {
		if c != nil && c.Parent == p {
			c.Parent = init
			reparented = true
		}
	}
	k.ProcLock.Unlock(h)

	p.mu.Lock()
	p.ExitStatus = status
	p.State = ZOMBIE
	p.mu.Unlock()
	k.Threads.ClearCurrent(defs.Tid_t(p.Pid))
	if reparented && init != nil {
		k.Wakeup(h, init)
	}
	if p.Parent != nil {
		k.Wakeup(h, p.Parent)
	}
}

// Wait blocks until some child of p becomes ZOMBIE, reaps it (copying out
// its exit status and freeing its table slot), and returns its pid. It
// returns ESRCH immediately if p has no children, and is itself
// interruptible by p being killed while it sleeps — matching spec.md
// 4.D's wait().
func (k *Kernel_t) Wait(p *Proc_t, h defs.HartID, status *int) (defs.Pid_t, defs.Err_t) {
	for {
		k.ProcLock.Lock(h)
		havekids := false
		var zombie *Proc_t
		for _, c := range k.procs {
			if c == nil || c.Parent != p {
				continue
			}
			havekids = true
			c.mu.Lock()
			if c.State == ZOMBIE {
				zombie = c
			}
			c.mu.Unlock()
			if zombie != nil {
				break
			}
		}
		if !havekids {
			k.ProcLock.Unlock(h)
			return 0, -defs.ESRCH
		}
		if zombie != nil {
			if status != nil {
				*status = zombie.ExitStatus
			}
			pid := zombie.Pid
			k.ProcLock.Unlock(h)
			k.freeSlot(h, zombie)
			return pid, 0
		}
		p.mu.Lock()
		killed := p.Killed
		p.mu.Unlock()
		if killed {
			k.ProcLock.Unlock(h)
			return 0, -defs.EINTR
		}
		// Sleep releases ProcLock itself once p is safely marked SLEEPING
		// and registered on this wait channel, so a concurrent exit()
		// reparenting/zombifying a child between this check and going to
		// sleep can't wake p before it's actually asleep to see it.
		k.Sleep(p, p, k.ProcLock, h)
	}
}
