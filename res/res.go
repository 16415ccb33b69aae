// Package res tracks how much kernel heap the syscall currently running on
// a hart has reserved so far, and refuses further reservation once a fixed
// per-syscall ceiling is hit. It is the budget bounds.Bounds() estimates
// are charged against.
//
// The call sites copied from the teacher (vm/as.go, vm/userbuf.go) invoke
// res.Resadd_noblock(n) as a bare package function with no per-hart or
// per-syscall handle — in the original runtime that function consulted the
// calling goroutine's pinned-hart TLS slot to find its reservation.
// nanokern's harts are plain goroutines with no such slot (SPEC_FULL.md
// adaptation #1), so this package keeps one reservation per HartID in a
// fixed table instead, and trap dispatch calls Begin at syscall entry to
// reset the calling hart's counter before any Resadd_noblock charges
// accrue.
package res

import (
	"sync/atomic"

	"nanokern/defs"
)

// perSyscallCeiling bounds how much a single syscall invocation may pin in
// the kernel heap via repeated bounds-accounted loop iterations (user
// copies, iovec walks, block allocation). Chosen generously above any
// single legitimate operation's footprint (a handful of pages) while still
// catching a runaway length argument.
const perSyscallCeiling = 64 << 20 // 64MiB

const maxHarts = 64

var perHart [maxHarts]int64

// current names the hart executing on this goroutine. Syscall dispatch
// sets it via Begin before running the syscall body and does not change it
// mid-syscall, so every res.Resadd_noblock call reached from that body
// charges the right hart's counter without needing to be threaded through
// every intervening call explicitly.
var current atomic.Int64

// Begin resets hart h's reservation to zero and marks it as the hart whose
// budget subsequent Resadd_noblock calls on this goroutine charge against.
// trap dispatch calls this once per syscall, before invoking the handler.
func Begin(h defs.HartID) {
	atomic.StoreInt64(&perHart[int(h)%maxHarts], 0)
	current.Store(int64(h))
}

// Resadd_noblock charges n additional bytes against the current hart's
// ceiling. It returns false, leaving the counter unmodified, if the charge
// would exceed the ceiling — callers treat that as ENOHEAP and unwind.
func Resadd_noblock(n int) bool {
	slot := &perHart[int(current.Load())%maxHarts]
	for {
		cur := atomic.LoadInt64(slot)
		nxt := cur + int64(n)
		if nxt > perSyscallCeiling {
			return false
		}
		if atomic.CompareAndSwapInt64(slot, cur, nxt) {
			return true
		}
	}
}

// Used reports the running total charged against the current hart so far.
func Used() int {
	return int(atomic.LoadInt64(&perHart[int(current.Load())%maxHarts]))
}
