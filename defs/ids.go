package defs

// Tid_t identifies a thread of control within a process. nanokern gives
// every process exactly one thread, so Tid_t and Pid_t coincide in
// practice, but the two names are kept distinct because the trap layer
// reasons about "the thread that took this trap" independently of "the
// process that owns it" (the teacher's tinfo package makes the same
// distinction).
type Tid_t int

// Pid_t identifies a process table entry. Zero is never a valid pid;
// monotonically increasing, never reused while the system runs.
type Pid_t int

// HartID identifies one hardware thread. nanokern has no CPU-pinned
// goroutine-local storage (see SPEC_FULL.md section 0), so a hart is just
// an index threaded explicitly through the scheduler and lock code instead
// of read from a control register.
type HartID int
