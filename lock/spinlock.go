// Package lock implements the two locking disciplines spec.md section 4.A
// requires: a non-blocking Spinlock_t and a Sleeplock_t layered on top of
// one. Neither type appears standalone in the teacher pack — the teacher
// embeds a bare sync.Mutex directly into Vm_t/Physmem_t/Bdev_block_t
// instead of factoring out its own spinlock type, because their forked
// runtime's goroutines already give mutual exclusion without needing
// explicit interrupt masking. nanokern still needs a real Spinlock_t
// because spec.md's invariants (interrupts disabled across the critical
// section, double-acquire by the same hart is fatal) are about explicit
// hart bookkeeping the teacher's bare sync.Mutex doesn't model; this
// package gives every other package the same embed-a-mutex ergonomics the
// teacher relies on, plus the bookkeeping the spec requires.
package lock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nanokern/defs"
	"nanokern/stats"
)

// Intr_t tracks, per hart, whether interrupts were enabled before the
// outermost spinlock acquire on that hart — the "push/pop" counter spec.md
// 4.A describes. A real kernel reads/writes a CSR; nanokern's harts are
// goroutines, so this is an explicit struct indexed by HartID instead.
type Intr_t struct {
	mu       sync.Mutex
	depth    map[defs.HartID]int
	wasEnabl map[defs.HartID]bool
}

// NewIntr returns a ready-to-use interrupt-masking tracker.
func NewIntr() *Intr_t {
	return &Intr_t{
		depth:    make(map[defs.HartID]int),
		wasEnabl: make(map[defs.HartID]bool),
	}
}

// Push records entry into a critical section on hart h, disabling
// interrupts on the outermost call and remembering whether they were
// enabled so Pop can restore exactly that state.
func (it *Intr_t) Push(h defs.HartID, wasEnabled func() bool, disable func()) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.depth[h] == 0 {
		it.wasEnabl[h] = wasEnabled()
		disable()
	}
	it.depth[h]++
}

// Pop reverses one Push; on the outermost Pop it restores the
// interrupt-enable state captured by the matching outermost Push.
func (it *Intr_t) Pop(h defs.HartID, enable func()) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.depth[h] == 0 {
		panic("interrupt push/pop underflow")
	}
	it.depth[h]--
	if it.depth[h] == 0 && it.wasEnabl[h] {
		enable()
	}
}

// Depth reports the current nesting depth for hart h (0 == interrupts are
// enabled and no spinlock is held by h).
func (it *Intr_t) Depth(h defs.HartID) int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.depth[h]
}

// Spinlock_t is a test-and-set lock: the acquirer busy-waits, fences, then
// records the owning hart. At most one hart may hold it at a time; a hart
// that already holds it panics on a second Lock (spec.md 4.A: "double
// acquire by the same hart is fatal").
type Spinlock_t struct {
	state int32 // 0 = free, 1 = held
	owner int64 // defs.HartID of the holder, valid only while state==1
	name  string

	acquires stats.Counter_t
	wait     stats.Cycles_t
}

// MkSpinlock names the lock for panic messages — every biscuit-style
// invariant violation in this codebase identifies itself by name, matching
// the teacher's "wut"/"bget: no buffers"-style panics.
func MkSpinlock(name string) *Spinlock_t {
	return &Spinlock_t{name: name}
}

// Lock busy-waits until the lock is free, then claims it for h.
func (sl *Spinlock_t) Lock(h defs.HartID) {
	if sl.Holder() == h {
		panic(fmt.Sprintf("spinlock %q: double acquire by hart %d", sl.name, h))
	}
	start := stats.Rdtsc()
	for !atomic.CompareAndSwapInt32(&sl.state, 0, 1) {
		// busy-wait; a real hart would pause/spin-hint here.
	}
	sl.wait.Add(start)
	sl.acquires.Inc()
	atomic.StoreInt64(&sl.owner, int64(h))
}

// Stats returns the number of times this lock has been acquired and the
// cycles (nanoseconds, see stats.Rdtsc) spent waiting for it, both zero
// unless stats.Stats/stats.Timing were enabled while the lock was in use.
func (sl *Spinlock_t) Stats() (acquires int64, wait int64) {
	return int64(sl.acquires), int64(sl.wait)
}

// TryLock attempts a non-blocking acquire, returning false if the lock is
// already held.
func (sl *Spinlock_t) TryLock(h defs.HartID) bool {
	if sl.Holder() == h {
		panic(fmt.Sprintf("spinlock %q: double acquire by hart %d", sl.name, h))
	}
	if atomic.CompareAndSwapInt32(&sl.state, 0, 1) {
		atomic.StoreInt64(&sl.owner, int64(h))
		return true
	}
	return false
}

// Unlock releases the lock. Panics if the caller isn't the recorded
// holder — releasing a lock you don't hold is as fatal as a double
// acquire.
func (sl *Spinlock_t) Unlock(h defs.HartID) {
	if sl.Holder() != h {
		panic(fmt.Sprintf("spinlock %q: release by non-holder hart %d", sl.name, h))
	}
	atomic.StoreInt64(&sl.owner, -1)
	atomic.StoreInt32(&sl.state, 0)
}

// Holder returns the current owning hart, or -1 if the lock is free.
func (sl *Spinlock_t) Holder() defs.HartID {
	if atomic.LoadInt32(&sl.state) == 0 {
		return -1
	}
	return defs.HartID(atomic.LoadInt64(&sl.owner))
}

// Held reports whether the lock is currently held by anyone.
func (sl *Spinlock_t) Held() bool {
	return atomic.LoadInt32(&sl.state) == 1
}
