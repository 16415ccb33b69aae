// Package tinfo tracks per-thread kill/sleep state. The teacher's version
// stashes the running thread's Tnote_t in a forked runtime's
// goroutine-local slot (runtime.Gptr/Setgptr) so any code, anywhere, can
// call tinfo.Current() with no argument. Stock Go has no goroutine-local
// storage, and nanokern's SPEC_FULL.md adaptation #2 commits to threading
// thread identity explicitly instead of faking TLS with a global map keyed
// by goroutine id — so here Current takes the Tid_t explicitly and looks
// it up in the shared table, rather than reading an implicit slot.
package tinfo

import (
	"sync"

	"nanokern/defs"
)

// Tnote_t stores per-thread state consulted by the scheduler and trap
// dispatch when deciding whether to wake, kill, or deliver a pending
// signal to a thread.
type Tnote_t struct {
	State    any
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

// Threadinfo_t is the table of every live thread's note, keyed by Tid_t.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

// Init prepares an empty thread info table.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

// Current returns the registered note for tid, panicking if none was
// installed via SetCurrent — mirroring the teacher's "nuts" panic on an
// unset TLS slot.
func (t *Threadinfo_t) Current(tid defs.Tid_t) *Tnote_t {
	t.Lock()
	defer t.Unlock()
	n, ok := t.Notes[tid]
	if !ok {
		panic("nuts")
	}
	return n
}

// SetCurrent registers note as tid's thread note. Re-registering a tid
// that already has a note is a bug, same as the teacher's double-set
// panic.
func (t *Threadinfo_t) SetCurrent(tid defs.Tid_t, note *Tnote_t) {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.Notes[tid]; ok {
		panic("nuts")
	}
	t.Notes[tid] = note
}

// ClearCurrent removes tid's thread note once the thread has exited.
func (t *Threadinfo_t) ClearCurrent(tid defs.Tid_t) {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.Notes[tid]; !ok {
		panic("nuts")
	}
	delete(t.Notes, tid)
}
