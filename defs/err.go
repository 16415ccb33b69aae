package defs

import "fmt"

// Err_t is a POSIX-flavored error code. Syscalls return the negation of one
// of these in the ABI return register; kernel-internal code passes the
// unnegated value and checks it against 0.
type Err_t int

// Error codes returned by syscalls and propagated internally. Kept small and
// flat, matching the ABI contract in spec.md section 6: "negative values are
// errors."
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	ESRCH        Err_t = 3
	EINTR        Err_t = 4
	EIO          Err_t = 5
	E2BIG        Err_t = 7
	EBADF        Err_t = 9
	ECHILD       Err_t = 10
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	ENOTBLK      Err_t = 15
	EEXIST       Err_t = 17
	EXDEV        Err_t = 18
	ENODEV       Err_t = 19
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENFILE       Err_t = 23
	EMFILE       Err_t = 24
	ENOSPC       Err_t = 28
	ESPIPE       Err_t = 29
	EROFS        Err_t = 30
	EMLINK       Err_t = 31
	EPIPE        Err_t = 32
	ENAMETOOLONG Err_t = 36
	ENOSYS       Err_t = 38
	ENOTEMPTY    Err_t = 39
	ELOOP        Err_t = 40
	// ENOHEAP is nanokern-specific: a long-running kernel operation hit its
	// resource.Bounds budget before completing (see the res/bounds
	// packages). It is surfaced to user space as ENOMEM.
	ENOHEAP Err_t = 253
)

var errnames = map[Err_t]string{
	EPERM: "EPERM", ENOENT: "ENOENT", ESRCH: "ESRCH", EINTR: "EINTR",
	EIO: "EIO", E2BIG: "E2BIG", EBADF: "EBADF", ECHILD: "ECHILD",
	ENOMEM: "ENOMEM", EACCES: "EACCES", EFAULT: "EFAULT",
	ENOTBLK: "ENOTBLK", EEXIST: "EEXIST", EXDEV: "EXDEV", ENODEV: "ENODEV",
	ENOTDIR: "ENOTDIR", EISDIR: "EISDIR", EINVAL: "EINVAL", ENFILE: "ENFILE",
	EMFILE: "EMFILE", ENOSPC: "ENOSPC", ESPIPE: "ESPIPE", EROFS: "EROFS",
	EMLINK: "EMLINK", EPIPE: "EPIPE", ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS: "ENOSYS", ENOTEMPTY: "ENOTEMPTY", ELOOP: "ELOOP",
	ENOHEAP: "ENOHEAP",
}

// String renders the error's symbolic name, falling back to the bare
// number for values outside the known set.
func (e Err_t) String() string {
	if n, ok := errnames[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Rc converts e into the ABI return value a syscall hands back to user
// space: zero or positive values pass through, a nonzero Err_t becomes its
// negation.
func (e Err_t) Rc() int {
	if e == 0 {
		return 0
	}
	return -int(e)
}
