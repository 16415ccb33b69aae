package syscall_test

import (
	"path/filepath"
	"testing"

	"nanokern/defs"
	"nanokern/fd"
	"nanokern/fs"
	"nanokern/mem"
	"nanokern/proc"
	"nanokern/syscall"
	"nanokern/trap"
	"nanokern/vm"
)

// testKernel boots one hart against a freshly formatted image and returns
// it alongside a teardown func, the same setup cmd/bootsim drives end to
// end — here scoped to exercising one syscall handler at a time instead of
// a whole scenario.
func testKernel(t *testing.T) (*proc.Kernel_t, *fs.Fs_t) {
	t.Helper()
	mem.Phys_init(8192)

	img := filepath.Join(t.TempDir(), "disk.img")
	if err := fs.Mkfs(img, fs.DefaultMkfsConfig()); err != nil {
		t.Fatalf("mkfs: %v", err)
	}
	d, err := fs.OpenFileDisk(img)
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	filesys := fs.MkFs(d)
	k := proc.NewKernel()
	syscall.Init(k, filesys)

	halt := make(chan struct{})
	done := make(chan struct{})
	go func() {
		k.HartSchedLoop(0, halt)
		close(done)
	}()
	t.Cleanup(func() {
		close(halt)
		<-done
	})

	return k, filesys
}

// rootCwd builds a Cwd_t rooted at "/", the same way cmd/bootsim does for
// every scenario process.
func rootCwd(filesys *fs.Fs_t) *fd.Cwd_t {
	ip := filesys.Root()
	file := filesys.MkFile(ip, false)
	return fd.MkRootCwd(&fd.Fd_t{Fops: file, Perms: fd.FD_READ})
}

// withProcess spawns a fresh process and runs body inside its own
// goroutine via Entry_t, the same indirection every syscall this process
// issues needs (p.Vm must be touched only from the process's own
// goroutine). It blocks until body returns.
func withProcess(t *testing.T, k *proc.Kernel_t, filesys *fs.Fs_t, body func(p *proc.Proc_t, h defs.HartID)) {
	t.Helper()
	as, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}
	done := make(chan struct{})
	entry := func(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID) int {
		defer close(done)
		body(p, h)
		return 0
	}
	if p := k.Spawn(0, "syscall-test", entry, as, rootCwd(filesys), nil); p == nil {
		t.Fatal("spawn: process table full")
	}
	<-done
}

func doSyscall(k *proc.Kernel_t, p *proc.Proc_t, h defs.HartID, sysno int, args ...int) int {
	var fr trap.Frame_t
	fr.Cause = trap.CauseSyscall
	fr.Sysno = sysno
	for i, a := range args {
		fr.Args[i] = a
	}
	trap.Dispatch(k, p, h, &fr)
	return fr.Sysret
}

func putString(p *proc.Proc_t, s string) int {
	va, err := p.Vm.Sbrk(len(s) + 1)
	if err != 0 {
		panic(err)
	}
	b := append([]byte(s), 0)
	if err := p.Vm.K2user(b, va); err != 0 {
		panic(err)
	}
	return va
}

func putBytes(p *proc.Proc_t, data []byte) int {
	va, err := p.Vm.Sbrk(len(data))
	if err != 0 {
		panic(err)
	}
	if len(data) > 0 {
		if err := p.Vm.K2user(data, va); err != 0 {
			panic(err)
		}
	}
	return va
}

func getBytes(p *proc.Proc_t, va, n int) []byte {
	buf := make([]byte, n)
	if err := p.Vm.User2k(buf, va); err != 0 {
		panic(err)
	}
	return buf
}

func TestOpenWriteReadClose(t *testing.T) {
	k, filesys := testKernel(t)
	withProcess(t, k, filesys, func(p *proc.Proc_t, h defs.HartID) {
		pathva := putString(p, "/f")
		fdn := doSyscall(k, p, h, defs.SYS_OPEN, pathva, defs.O_CREAT|defs.O_RDWR)
		if fdn < 0 {
			t.Fatalf("open: %d", fdn)
		}

		data := []byte("hello, syscalls")
		datava := putBytes(p, data)
		n := doSyscall(k, p, h, defs.SYS_WRITE, fdn, datava, len(data))
		if n != len(data) {
			t.Fatalf("write returned %d, want %d", n, len(data))
		}

		if errno := doSyscall(k, p, h, defs.SYS_CLOSE, fdn); errno != 0 {
			t.Fatalf("close: %d", errno)
		}

		fdn = doSyscall(k, p, h, defs.SYS_OPEN, pathva, defs.O_RDONLY)
		if fdn < 0 {
			t.Fatalf("reopen: %d", fdn)
		}
		readva := putBytes(p, make([]byte, len(data)))
		n = doSyscall(k, p, h, defs.SYS_READ, fdn, readva, len(data))
		if n != len(data) {
			t.Fatalf("read returned %d, want %d", n, len(data))
		}
		got := getBytes(p, readva, len(data))
		if string(got) != string(data) {
			t.Fatalf("read back %q, want %q", got, data)
		}
		doSyscall(k, p, h, defs.SYS_CLOSE, fdn)
	})
}

func TestReadWriteBadFdReturnsEBADF(t *testing.T) {
	k, filesys := testKernel(t)
	withProcess(t, k, filesys, func(p *proc.Proc_t, h defs.HartID) {
		buf := putBytes(p, make([]byte, 8))
		if n := doSyscall(k, p, h, defs.SYS_READ, 77, buf, 8); n != int(-defs.EBADF) {
			t.Fatalf("read on unopened fd = %d, want -EBADF", n)
		}
		if n := doSyscall(k, p, h, defs.SYS_WRITE, 77, buf, 8); n != int(-defs.EBADF) {
			t.Fatalf("write on unopened fd = %d, want -EBADF", n)
		}
		if n := doSyscall(k, p, h, defs.SYS_CLOSE, 77); n != int(-defs.EBADF) {
			t.Fatalf("close on unopened fd = %d, want -EBADF", n)
		}
	})
}

func TestUnlinkThenOpenFails(t *testing.T) {
	k, filesys := testKernel(t)
	withProcess(t, k, filesys, func(p *proc.Proc_t, h defs.HartID) {
		pathva := putString(p, "/f")
		fdn := doSyscall(k, p, h, defs.SYS_OPEN, pathva, defs.O_CREAT|defs.O_RDWR)
		if fdn < 0 {
			t.Fatalf("open: %d", fdn)
		}
		doSyscall(k, p, h, defs.SYS_CLOSE, fdn)

		if errno := doSyscall(k, p, h, defs.SYS_UNLINK, pathva); errno != 0 {
			t.Fatalf("unlink: %d", errno)
		}
		if fdn := doSyscall(k, p, h, defs.SYS_OPEN, pathva, defs.O_RDONLY); fdn != int(-defs.ENOENT) {
			t.Fatalf("open after unlink = %d, want -ENOENT", fdn)
		}
	})
}

func TestMkdirChdirThenRelativeOpen(t *testing.T) {
	k, filesys := testKernel(t)
	withProcess(t, k, filesys, func(p *proc.Proc_t, h defs.HartID) {
		dirva := putString(p, "/d")
		if errno := doSyscall(k, p, h, defs.SYS_MKDIR, dirva); errno != 0 {
			t.Fatalf("mkdir: %d", errno)
		}
		if errno := doSyscall(k, p, h, defs.SYS_CHDIR, dirva); errno != 0 {
			t.Fatalf("chdir: %d", errno)
		}

		relva := putString(p, "f")
		fdn := doSyscall(k, p, h, defs.SYS_OPEN, relva, defs.O_CREAT|defs.O_RDWR)
		if fdn < 0 {
			t.Fatalf("open relative path after chdir: %d", fdn)
		}
		doSyscall(k, p, h, defs.SYS_CLOSE, fdn)

		absva := putString(p, "/d/f")
		fdn = doSyscall(k, p, h, defs.SYS_OPEN, absva, defs.O_RDONLY)
		if fdn < 0 {
			t.Fatalf("open /d/f after relative create: %d", fdn)
		}
		doSyscall(k, p, h, defs.SYS_CLOSE, fdn)
	})
}

func TestGetpidMatchesSpawnedProcess(t *testing.T) {
	k, filesys := testKernel(t)
	withProcess(t, k, filesys, func(p *proc.Proc_t, h defs.HartID) {
		pid := doSyscall(k, p, h, defs.SYS_GETPID)
		if pid != int(p.Pid) {
			t.Fatalf("getpid = %d, want %d", pid, p.Pid)
		}
	})
}
