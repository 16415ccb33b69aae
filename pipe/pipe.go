// Package pipe implements the anonymous, unidirectional byte stream the
// pipe() syscall hands back as a pair of file descriptors. It is built on
// circbuf.Circbuf_t the same way the teacher's own higher-level device
// code layers on top of circbuf (see fs/blk.go's use of mem.Page_i-shaped
// allocators) — the ring buffer itself is untouched, only the blocking
// read/write protocol around it is new.
//
// Pipe ends block the calling goroutine directly with sync.Cond rather
// than routing through the process scheduler's sleep/wakeup: every
// process in this kernel already runs as its own goroutine (see
// proc.Entry_t's doc comment), so parking the goroutine on a condition
// variable blocks exactly the process that called read/write and nothing
// else, with no risk of missing a wakeup the way a hand-rolled retry loop
// would.
package pipe

import (
	"sync"

	"nanokern/circbuf"
	"nanokern/defs"
	"nanokern/fdops"
	"nanokern/limits"
	"nanokern/mem"
)

// Pipe_t is the shared state between a pipe's read and write ends.
type Pipe_t struct {
	mu    sync.Mutex
	cond  sync.Cond
	cb    circbuf.Circbuf_t
	rOpen bool
	wOpen bool
}

// physPages adapts mem.Physmem to circbuf.Circbuf_t's mem.Page_i, fixing
// the hart id a real kernel would thread through a register the same
// way fs/bcache.go's blockmem_t does for the block cache: a pipe has no
// notion of "current hart" distinct from whichever goroutine happens to
// be reading or writing it, so it always allocates off hart 0's free
// list.
type physPages struct{}

func (physPages) Refpg_new() (*mem.Pg_t, mem.Pa_t, bool) {
	return mem.Physmem.Refpg_new(0)
}

func (physPages) Refpg_new_nozero() (*mem.Pg_t, mem.Pa_t, bool) {
	return mem.Physmem.Refpg_new_nozero(0)
}

func (physPages) Refcnt(pa mem.Pa_t) int {
	return mem.Physmem.Refcnt(pa)
}

func (physPages) Dmap(pa mem.Pa_t) *mem.Pg_t {
	return mem.Physmem.Dmap(pa)
}

func (physPages) Refup(pa mem.Pa_t) {
	mem.Physmem.Refup(pa)
}

func (physPages) Refdown(pa mem.Pa_t) bool {
	return mem.Physmem.Refdown(0, pa)
}

// MkPipe allocates a new pipe and returns its read and write ends. Fails
// with ENOMEM once limits.Syslimit.Pipes pipes are already open.
func MkPipe() (*PipeReader_t, *PipeWriter_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, -defs.ENOMEM
	}
	p := &Pipe_t{rOpen: true, wOpen: true}
	p.cond.L = &p.mu
	if err := p.cb.Cb_init(int(mem.PGSIZE), physPages{}); err != 0 {
		limits.Syslimit.Pipes.Give()
		return nil, nil, err
	}
	return &PipeReader_t{p: p}, &PipeWriter_t{p: p}, 0
}

// giveBackIfFullyClosed releases p's accounted pipe slot once both ends
// are closed. Callers must already hold p.mu.
func (p *Pipe_t) giveBackIfFullyClosed() {
	if !p.rOpen && !p.wOpen {
		limits.Syslimit.Pipes.Give()
	}
}

// PipeReader_t is the read end of a pipe, implementing fdops.Fdops_i.
type PipeReader_t struct {
	p *Pipe_t
}

// PipeWriter_t is the write end of a pipe, implementing fdops.Fdops_i.
type PipeWriter_t struct {
	p *Pipe_t
}

func (r *PipeReader_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.cb.Empty() && p.wOpen {
		p.cond.Wait()
	}
	if p.cb.Empty() && !p.wOpen {
		return 0, 0 // EOF
	}
	n, err := p.cb.Copyout(dst)
	p.cond.Broadcast()
	return n, err
}

func (r *PipeReader_t) Write(fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (r *PipeReader_t) Close() defs.Err_t {
	p := r.p
	p.mu.Lock()
	p.rOpen = false
	p.giveBackIfFullyClosed()
	p.mu.Unlock()
	p.cond.Broadcast()
	return 0
}

func (r *PipeReader_t) Reopen() defs.Err_t {
	return 0
}

func (r *PipeReader_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (r *PipeReader_t) Fstat(st fdops.FstatTarget) defs.Err_t {
	st.Wmode(0)
	return 0
}

func (r *PipeReader_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	var rdy fdops.Ready_t
	if !p.cb.Empty() || !p.wOpen {
		rdy |= fdops.R_READ
	}
	return rdy & pm.Events, 0
}

func (w *PipeWriter_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.rOpen {
		return 0, -defs.EPIPE
	}

	tot := 0
	want := src.Remain()
	for tot < want {
		for p.cb.Full() && p.rOpen {
			p.cond.Wait()
		}
		if !p.rOpen {
			return tot, -defs.EPIPE
		}
		n, err := p.cb.Copyin(src)
		p.cond.Broadcast()
		if err != 0 {
			return tot, err
		}
		tot += n
		if n == 0 {
			break
		}
	}
	return tot, 0
}

func (w *PipeWriter_t) Read(fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (w *PipeWriter_t) Close() defs.Err_t {
	p := w.p
	p.mu.Lock()
	p.wOpen = false
	p.giveBackIfFullyClosed()
	p.mu.Unlock()
	p.cond.Broadcast()
	return 0
}

func (w *PipeWriter_t) Reopen() defs.Err_t {
	return 0
}

func (w *PipeWriter_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (w *PipeWriter_t) Fstat(st fdops.FstatTarget) defs.Err_t {
	st.Wmode(0)
	return 0
}

func (w *PipeWriter_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	var rdy fdops.Ready_t
	if !p.cb.Full() || !p.rOpen {
		rdy |= fdops.R_WRITE
	}
	return rdy & pm.Events, 0
}
