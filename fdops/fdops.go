// Package fdops defines the interfaces a file-descriptor backend
// implements, and the "can this thing move bytes" interface user-buffer,
// pipe, and device code all speak. It is deliberately tiny and dependency
// free so mem, vm, fs, and fd can all import it without a cycle — the
// same role it plays in the teacher pack (referenced from vm/as.go,
// vm/userbuf.go, circbuf/circbuf.go, fd/fd.go, but never itself retrieved).
package fdops

import "nanokern/defs"

// Userio_i abstracts "a place bytes can be read from or written to",
// implemented by vm.Userbuf_t (real user memory), vm.Fakeubuf_t (a plain
// kernel byte slice dressed up as a user buffer), and vm.Useriovec_t (an
// iovec array). Every kernel subsystem that moves bytes in or out of a
// process takes a Userio_i rather than a raw []byte, so it works
// identically whether the source/destination is really user memory or a
// kernel-internal buffer standing in for one.
type Userio_i interface {
	// Uioread copies from the underlying source into dst, returning the
	// number of bytes copied.
	Uioread(dst []uint8) (int, defs.Err_t)
	// Uiowrite copies src into the underlying destination, returning the
	// number of bytes copied.
	Uiowrite(src []uint8) (int, defs.Err_t)
	// Remain reports how many bytes are left before the buffer is
	// exhausted.
	Remain() int
	// Totalsz reports the buffer's total capacity.
	Totalsz() int
}

// Ready_t is a bitmask of poll-readiness conditions.
type Ready_t uint

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
	R_HUP   Ready_t = 1 << 3
)

// Pollmsg_t describes one waiter's interest for a poll/select-style wait.
type Pollmsg_t struct {
	Events Ready_t
	// Notif, if non-nil, is closed when the awaited condition becomes
	// true; used to wake a blocked poller via sleep/wakeup.
	Notif chan bool
}

// Fdops_i is the operation set every open-file backend (pipe, inode,
// device) implements. fd.Fd_t.Fops holds one of these via a pointer
// receiver, matching the teacher's fd.go comment: "fops is an interface
// implemented via a pointer receiver, thus fops is a reference, not a
// value."
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(st FstatTarget) defs.Err_t
	Lseek(off int, whence int) (int, defs.Err_t)
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	// Reopen bumps whatever reference count backs this descriptor; used
	// by dup/fork to share one backend across two Fd_t values.
	Reopen() defs.Err_t
	// Poll reports which of pm.Events are currently true without
	// blocking. If none are ready and pm.Notif != nil, the backend
	// arranges to close pm.Notif when one becomes ready.
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
}

// FstatTarget is satisfied by stat.Stat_t; kept as an interface here so
// fdops doesn't need to import stat (which would create a cycle with
// fs/fd in some arrangements the teacher's layout allows but this one
// doesn't need to risk).
type FstatTarget interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wsize(uint)
	Wrdev(uint)
}
