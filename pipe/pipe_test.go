package pipe

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"nanokern/mem"
	"nanokern/vm"
)

func fakebuf(b []uint8) *vm.Fakeubuf_t {
	var fb vm.Fakeubuf_t
	fb.Fake_init(b)
	return &fb
}

func TestPipeReadWriteRoundtrip(t *testing.T) {
	mem.Phys_init(64)
	r, w, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}

	msg := []byte("hello, pipe")
	n, werr := w.Write(fakebuf(msg))
	if werr != 0 || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, werr)
	}

	buf := make([]byte, len(msg))
	n, rerr := r.Read(fakebuf(buf))
	if rerr != 0 || n != len(msg) {
		t.Fatalf("read: n=%d err=%v", n, rerr)
	}
	if string(buf) != string(msg) {
		t.Fatalf("read %q, want %q", buf, msg)
	}
}

// TestPipeReadBlocksUntilData confirms Read parks the calling goroutine
// until a writer produces something, rather than returning 0 immediately —
// the defining behavior of a pipe versus a plain non-blocking queue.
func TestPipeReadBlocksUntilData(t *testing.T) {
	mem.Phys_init(64)
	r, w, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}

	var g errgroup.Group
	done := make(chan struct{})
	g.Go(func() error {
		buf := make([]byte, 5)
		n, err := r.Read(fakebuf(buf))
		close(done)
		if err != 0 || string(buf[:n]) != "abcde" {
			t.Errorf("read = %q err=%v", buf[:n], err)
		}
		return nil
	})

	select {
	case <-done:
		t.Fatal("read returned before any write happened")
	case <-time.After(20 * time.Millisecond):
	}

	if _, werr := w.Write(fakebuf([]byte("abcde"))); werr != 0 {
		t.Fatalf("write: %v", werr)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestPipeReadEOFOnWriterClose confirms a blocked reader wakes with a clean
// (0, nil-error) EOF once the write end closes instead of hanging forever.
func TestPipeReadEOFOnWriterClose(t *testing.T) {
	mem.Phys_init(64)
	r, w, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, 5)
		n, err := r.Read(fakebuf(buf))
		if err != 0 || n != 0 {
			t.Errorf("read after writer close = n=%d err=%v, want EOF (0, 0)", n, err)
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != 0 {
		t.Fatalf("close writer: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestPipeWriteBlocksWhenFullThenDrains fills the pipe's backing buffer
// completely, confirms a further write blocks, then drains via a reader and
// checks the writer unblocks and finishes.
func TestPipeWriteBlocksWhenFullThenDrains(t *testing.T) {
	mem.Phys_init(64)
	r, w, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}

	capacity := int(mem.PGSIZE)
	big := make([]byte, capacity+10)
	for i := range big {
		big[i] = byte(i)
	}

	var g errgroup.Group
	writeDone := make(chan struct{})
	g.Go(func() error {
		n, werr := w.Write(fakebuf(big))
		close(writeDone)
		if werr != 0 || n != len(big) {
			t.Errorf("write: n=%d err=%v", n, werr)
		}
		return nil
	})

	select {
	case <-writeDone:
		t.Fatal("write of more than one buffer's worth completed without a reader draining it")
	case <-time.After(20 * time.Millisecond):
	}

	got := make([]byte, 0, len(big))
	buf := make([]byte, 64)
	for len(got) < len(big) {
		n, rerr := r.Read(fakebuf(buf))
		if rerr != 0 {
			t.Fatalf("read: %v", rerr)
		}
		got = append(got, buf[:n]...)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], big[i])
		}
	}
}
