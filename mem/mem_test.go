package mem

import (
	"testing"
	"time"

	"nanokern/oommsg"
)

// TestRefpgNewFailsWithoutReclaimer exhausts the frame pool and confirms
// allocation fails cleanly instead of hanging when nobody is listening on
// oommsg.OomCh — this kernel has no on-disk reclaimer to fall back on.
func TestRefpgNewFailsWithoutReclaimer(t *testing.T) {
	Phys_init(2)

	var held []Pa_t
	for {
		_, pa, ok := Physmem.Refpg_new(0)
		if !ok {
			break
		}
		held = append(held, pa)
	}
	if len(held) == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}
}

// TestRefpgNewRetriesAfterReclaimer installs a reclaimer goroutine draining
// oommsg.OomCh, frees one held frame in response, and confirms the
// allocation succeeds once the reclaimer answers on Resume. reportOOM does
// not wait for a receiver, so an attempt made before the goroutine reaches
// its receive fails and is retried.
func TestRefpgNewRetriesAfterReclaimer(t *testing.T) {
	Phys_init(2)

	var held []Pa_t
	for {
		_, pa, ok := Physmem.Refpg_new(0)
		if !ok {
			break
		}
		// Refpg_new hands the frame back with refcount 0; take the owner's
		// reference so the reclaimer's Refdown below frees it.
		Physmem.Refup(pa)
		held = append(held, pa)
	}
	if len(held) == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}

	reclaimed := make(chan struct{})
	go func() {
		defer close(reclaimed)
		msg := <-oommsg.OomCh
		last := held[len(held)-1]
		held = held[:len(held)-1]
		Physmem.Refdown(0, last)
		msg.Resume <- true
	}()

	var ok bool
	for i := 0; i < 1000 && !ok; i++ {
		_, _, ok = Physmem.Refpg_new(0)
		if !ok {
			time.Sleep(time.Millisecond)
		}
	}
	if !ok {
		t.Fatal("allocation should succeed once the reclaimer frees a frame")
	}
	<-reclaimed
}
