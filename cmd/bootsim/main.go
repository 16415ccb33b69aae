// Command bootsim boots a handful of simulated harts against a freshly
// formatted disk image and drives the seed scenarios spec.md lists as an
// end-to-end smoke test: every scenario is an Entry_t closure that issues
// real syscalls through trap.Dispatch exactly as user code would, so a
// regression anywhere from trap dispatch down through the block cache
// shows up here. There is no ELF loader (spec.md's non-goals), so each
// "program" is simply the Go closure handed to Spawn, the same way the
// teacher's own utest-style harnesses drive kernel code directly rather
// than through a compiled userland binary.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"nanokern/defs"
	"nanokern/fd"
	"nanokern/fs"
	"nanokern/mem"
	"nanokern/proc"
	"nanokern/syscall"
	"nanokern/trap"
	"nanokern/vm"
)

func main() {
	var (
		nharts = flag.Int("harts", 4, "number of simulated harts")
		npages = flag.Int("pages", 16384, "physical frames to reserve")
		image  = flag.String("image", "", "disk image path (default: a temp file)")
	)
	flag.Parse()

	imgPath := *image
	if imgPath == "" {
		f, err := os.CreateTemp("", "nanokern-*.img")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		imgPath = f.Name()
		f.Close()
		defer os.Remove(imgPath)
	}

	if err := fs.Mkfs(imgPath, fs.DefaultMkfsConfig()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	disk, err := fs.OpenFileDisk(imgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer disk.Close()

	mem.Phys_init(*npages)
	filesys := fs.MkFs(disk)
	k := proc.NewKernel()
	syscall.Init(k, filesys)

	halt := make(chan struct{})
	var harts sync.WaitGroup
	for h := 0; h < *nharts; h++ {
		harts.Add(1)
		go func(h defs.HartID) {
			defer harts.Done()
			k.HartSchedLoop(h, halt)
		}(defs.HartID(h))
	}

	failed := false
	run := func(name string, body func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID)) {
		if !runScenario(k, filesys, name, body) {
			failed = true
		}
	}

	run("S1 fork/exit/wait", scenarioForkExitWait)
	run("S2 write/reopen/read", scenarioWriteReopenRead)
	run("S3 symlink/loop", scenarioSymlink)
	run("S4 concurrent sbrk", scenarioConcurrentSbrk(*nharts))
	run("S6 pipe ping-pong", scenarioPipePingPong)

	close(halt)
	harts.Wait()

	if failed {
		os.Exit(1)
	}
	fmt.Println("bootsim: all scenarios passed")
}

// runScenario spawns body as a fresh process's whole program and blocks
// until it (and anything it forks) is done, reporting PASS/FAIL. body
// signals a failure by panicking; the entry wrapper recovers it itself,
// short of spawnGoroutine's own recover (which only understands
// exitSignal and would otherwise re-panic anything else straight out of
// the goroutine).
//
// Fork hands a child the exact same Entry_t closure the parent is
// running (proc.Kernel_t.Fork's resume-point adaptation), so this
// wrapper would otherwise also wrap every forked child — intercepting a
// child's own SYS_EXIT (which unwinds via the same panic mechanism
// assertion failures do, just one package over) before it ever reaches
// spawnGoroutine's recover. A forked child is told apart by p.Parent
// being non-nil, and skips the wrapping entirely so its panics, exit or
// otherwise, propagate untouched.
func runScenario(k *proc.Kernel_t, filesys *fs.Fs_t, name string, body func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID)) bool {
	done := make(chan any, 1)
	entry := func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) (status int) {
		if p.Parent != nil {
			body(k, p, h)
			return 0
		}
		defer func() { done <- recover() }()
		body(k, p, h)
		return 0
	}

	as, ok := vm.As_new()
	if !ok {
		fmt.Printf("%s: FAIL: out of memory allocating address space\n", name)
		return false
	}
	cwd := rootCwd(filesys)
	if p := k.Spawn(0, name, entry, as, cwd, nil); p == nil {
		fmt.Printf("%s: FAIL: process table full\n", name)
		return false
	}

	if r := <-done; r != nil {
		fmt.Printf("%s: FAIL: %v\n", name, r)
		return false
	}
	fmt.Printf("%s: PASS\n", name)
	return true
}

func rootCwd(filesys *fs.Fs_t) *fd.Cwd_t {
	ip := filesys.Root()
	file := filesys.MkFile(ip, false)
	return fd.MkRootCwd(&fd.Fd_t{Fops: file, Perms: fd.FD_READ})
}

func check(cond bool, what string) {
	if !cond {
		panic(what)
	}
}

// doSyscall issues one syscall through the exact trap.Dispatch path a real
// trap would, so bootsim exercises the same code every user-mode trap
// would run rather than calling into proc/fs/vm directly.
func doSyscall(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID, sysno int, args ...int) int {
	var fr trap.Frame_t
	fr.Cause = trap.CauseSyscall
	fr.Sysno = sysno
	copy(fr.Args[:], args)
	trap.Dispatch(k, p, h, &fr)
	return fr.Sysret
}

// putBytes copies data into a freshly sbrk'd region of p's own address
// space, giving scenario code a user virtual address to pass as a
// syscall argument the way a real user-mode caller's stack or heap would.
func putBytes(p *proc.Proc_t, data []byte) int {
	va, err := p.Vm.Sbrk(len(data))
	check(err == 0, "sbrk failed while staging syscall argument")
	check(p.Vm.K2user(data, va) == 0, "failed to stage syscall argument in user memory")
	return va
}

func putString(p *proc.Proc_t, s string) int {
	return putBytes(p, append([]byte(s), 0))
}

func getBytes(p *proc.Proc_t, va, n int) []byte {
	buf := make([]byte, n)
	check(p.Vm.User2k(buf, va) == 0, "failed to read back user memory")
	return buf
}

// scenarioForkExitWait is spec.md's S1: fork(); if child exit(7); parent
// wait(&x) returns child pid and x==7.
//
// fork's child re-runs this very closure from the top in its own
// goroutine rather than resuming after the fork call (DESIGN.md, "SYS_FORK
// and the re-run-from-the-top adaptation"), so the parent/child branches
// are told apart by p.Parent:
// nil for the originally Spawned process, non-nil for anything Fork
// produced.
func scenarioForkExitWait(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
	if p.Parent != nil {
		doSyscall(k, p, h, defs.SYS_EXIT, 7)
		return
	}

	pid := doSyscall(k, p, h, defs.SYS_FORK)
	check(pid > 0, "fork did not return a positive child pid")

	statusVA := putBytes(p, make([]byte, 8))
	rpid := doSyscall(k, p, h, defs.SYS_WAIT, statusVA)
	check(rpid == pid, "wait returned the wrong pid")

	status := int64(binary.LittleEndian.Uint64(getBytes(p, statusVA, 8)))
	check(status == 7, "child exit status was not 7")
}

// scenarioWriteReopenRead is spec.md's S2: create /f, write a known
// 10000-byte pattern, close, reopen, read it back, compare byte for byte,
// and check fstat's reported size.
func scenarioWriteReopenRead(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
	const n = 10000
	pattern := make([]byte, n)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	path := putString(p, "/f")
	fdn := doSyscall(k, p, h, defs.SYS_OPEN, path, defs.O_CREAT|defs.O_RDWR)
	check(fdn >= 0, "open O_CREAT failed")

	wbuf := putBytes(p, pattern)
	wrote := doSyscall(k, p, h, defs.SYS_WRITE, fdn, wbuf, n)
	check(wrote == n, "write did not write the full pattern")
	check(doSyscall(k, p, h, defs.SYS_CLOSE, fdn) == 0, "close failed")

	path2 := putString(p, "/f")
	fdn2 := doSyscall(k, p, h, defs.SYS_OPEN, path2, defs.O_RDONLY)
	check(fdn2 >= 0, "reopen failed")

	rbuf := putBytes(p, make([]byte, n))
	nread := doSyscall(k, p, h, defs.SYS_READ, fdn2, rbuf, n)
	check(nread == n, "read back fewer bytes than written")
	got := getBytes(p, rbuf, n)
	for i := range pattern {
		check(got[i] == pattern[i], "read back pattern did not match")
	}

	statVA := putBytes(p, make([]byte, 64))
	check(doSyscall(k, p, h, defs.SYS_FSTAT, fdn2, statVA) == 0, "fstat failed")
	// stat.Stat_t.Bytes() lays out dev, ino, mode, size as four
	// consecutive uint (8-byte) fields; size is the fourth.
	size := int64(binary.LittleEndian.Uint64(getBytes(p, statVA, 64)[24:32]))
	check(size == n, "fstat reported the wrong size")
}

// scenarioSymlink is spec.md's S3: a symlink resolves through to its
// target's contents, and a symlink cycle fails open() instead of looping
// forever.
func scenarioSymlink(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
	target := putString(p, "/target")
	link := putString(p, "/link")
	check(doSyscall(k, p, h, defs.SYS_SYMLINK, target, link) == 0, "symlink failed")

	tpath := putString(p, "/target")
	tfd := doSyscall(k, p, h, defs.SYS_OPEN, tpath, defs.O_CREAT|defs.O_WRONLY)
	check(tfd >= 0, "creating symlink target failed")
	hi := putString(p, "hi")
	check(doSyscall(k, p, h, defs.SYS_WRITE, tfd, hi, 2) == 2, "writing symlink target failed")
	check(doSyscall(k, p, h, defs.SYS_CLOSE, tfd) == 0, "close failed")

	lpath := putString(p, "/link")
	lfd := doSyscall(k, p, h, defs.SYS_OPEN, lpath, defs.O_RDONLY)
	check(lfd >= 0, "opening symlink failed")
	rbuf := putBytes(p, make([]byte, 2))
	check(doSyscall(k, p, h, defs.SYS_READ, lfd, rbuf, 2) == 2, "reading through symlink failed")
	check(string(getBytes(p, rbuf, 2)) == "hi", "symlink did not resolve to target contents")

	loop1, loop2 := putString(p, "/loop2"), putString(p, "/loop")
	check(doSyscall(k, p, h, defs.SYS_SYMLINK, loop1, putString(p, "/loop")) == 0, "symlink /loop failed")
	check(doSyscall(k, p, h, defs.SYS_SYMLINK, loop2, putString(p, "/loop2")) == 0, "symlink /loop2 failed")
	openLoop := putString(p, "/loop")
	rc := doSyscall(k, p, h, defs.SYS_OPEN, openLoop, defs.O_RDONLY)
	check(rc < 0, "opening a symlink cycle should fail, not loop forever")
}

// scenarioConcurrentSbrk is spec.md's S4: nharts processes each call
// sbrk(+PAGE) 1000 times concurrently (forcing the page in each time so
// a real frame is charged), and the free-frame count afterward matches
// the baseline minus exactly nharts*1000 frames.
//
// Every worker blocks on release after its loop instead of returning
// immediately, so the measurement below is guaranteed to run while every
// worker process is still alive and holding its pages — a worker that
// returned early would trigger Fork/Spawn's normal exit path (Uvmfree)
// concurrently with the count, racing the very thing being measured.
func scenarioConcurrentSbrk(nharts int) func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
	const itersPerProc = 1000
	return func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
		baseline := totalFreeFrames()

		loopDone := make(chan error, nharts)
		release := make(chan struct{})
		for i := 0; i < nharts; i++ {
			hh := defs.HartID(i)
			as, ok := vm.As_new()
			check(ok, "out of memory allocating worker address space")
			entry := func(k *proc.Kernel_t, wp *proc.Proc_t, wh defs.HartID) int {
				var err error
				func() {
					defer func() {
						if r := recover(); r != nil {
							err = fmt.Errorf("%v", r)
						}
					}()
					for j := 0; j < itersPerProc; j++ {
						va, serr := wp.Vm.Sbrk(mem.PGSIZE)
						if serr != 0 {
							panic("sbrk failed mid-stress")
						}
						if werr := wp.Vm.K2user([]byte{1}, va); werr != 0 {
							panic("failed to touch freshly grown page")
						}
					}
				}()
				loopDone <- err
				<-release
				return 0
			}
			wp := k.Spawn(hh, "sbrk-stress", entry, as, p.Cwd, p)
			check(wp != nil, "process table full spawning sbrk workers")
		}

		// Collect every worker's result concurrently rather than draining
		// loopDone one at a time, the same fan-in errgroup gives
		// pipe/pipe_test.go's blocked-side tests.
		var eg errgroup.Group
		for i := 0; i < nharts; i++ {
			eg.Go(func() error { return <-loopDone })
		}
		failed := eg.Wait()

		final := totalFreeFrames()
		close(release)

		check(failed == nil, fmt.Sprintf("sbrk worker failed: %v", failed))
		want := baseline - nharts*itersPerProc
		check(final == want, fmt.Sprintf("frame accounting mismatch: got %d free, want %d", final, want))
	}
}

// totalFreeFrames sums the global free list and every hart's percpu free
// list, since Pgcount reports them separately but a frame freed onto
// either is equally available.
func totalFreeFrames() int {
	global, percpu := mem.Physmem.Pgcount()
	total := global
	for _, c := range percpu {
		total += c
	}
	return total
}

// scenarioPipePingPong is spec.md's S6: pipe(p); fork(); parent writes
// "ping", child reads "ping" then writes "pong", parent reads "pong";
// both exit 0. Pipe reads/writes block the calling goroutine directly
// (pipe.go's doc comment), so this genuinely needs at least two harts
// making progress concurrently — one stuck in the parent's blocking
// read, another running the child that unblocks it.
//
// A Fork'd child has no way to read the parent's local variables (it
// re-runs this closure from the top on its own goroutine, DESIGN.md's
// SYS_FORK re-run-from-the-top adaptation), but Fork does copy the
// parent's fd table by index, so
// the pipe's read/write fds land at the same two numbers in both: since
// pipe() is the first descriptor this process ever opens, they're always
// 0 and 1.
const (
	pingPongRfd = 0
	pingPongWfd = 1
)

func scenarioPipePingPong(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) {
	if p.Parent != nil {
		buf := putBytes(p, make([]byte, 4))
		n := doSyscall(k, p, h, defs.SYS_READ, pingPongRfd, buf, 4)
		check(n == 4, "child failed to read ping")
		check(string(getBytes(p, buf, 4)) == "ping", "child read something other than ping")

		pong := putString(p, "pong")
		check(doSyscall(k, p, h, defs.SYS_WRITE, pingPongWfd, pong, 4) == 4, "child failed to write pong")
		doSyscall(k, p, h, defs.SYS_EXIT, 0)
		return
	}

	pipeva := putBytes(p, make([]byte, 16))
	check(doSyscall(k, p, h, defs.SYS_PIPE, pipeva) == 0, "pipe() failed")
	rfd := int(binary.LittleEndian.Uint64(getBytes(p, pipeva, 8)))
	wfd := int(binary.LittleEndian.Uint64(getBytes(p, pipeva+8, 8)))
	check(rfd == pingPongRfd && wfd == pingPongWfd, "pipe fds were not the first two descriptors")

	pid := doSyscall(k, p, h, defs.SYS_FORK)
	check(pid > 0, "fork failed")

	ping := putString(p, "ping")
	check(doSyscall(k, p, h, defs.SYS_WRITE, wfd, ping, 4) == 4, "parent failed to write ping")

	buf := putBytes(p, make([]byte, 4))
	n := doSyscall(k, p, h, defs.SYS_READ, rfd, buf, 4)
	check(n == 4, "parent failed to read pong")
	check(string(getBytes(p, buf, 4)) == "pong", "parent read something other than pong")

	statusVA := putBytes(p, make([]byte, 8))
	rpid := doSyscall(k, p, h, defs.SYS_WAIT, statusVA)
	check(rpid == pid, "wait returned the wrong pid")
}
