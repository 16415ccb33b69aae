// Package syscall is the thin decode/dispatch layer spec.md 4.J
// describes: one function per syscall number, each pulling its raw
// arguments out of a trap.Frame_t, doing just enough translation (user
// strings, user buffers, fd lookups) to call into proc/fs/vm, and
// packing the result back into an int return value the way xv6's
// syscall.c glue functions do. Init registers every handler into
// trap.Register's table; the handlers themselves close over the
// *proc.Kernel_t and *fs.Fs_t they need, since trap.Handler_i carries no
// kernel reference (trap avoids importing this package to dodge a cycle
// with proc/vm).
package syscall

import (
	"time"

	"nanokern/defs"
	"nanokern/fd"
	"nanokern/fdops"
	"nanokern/fs"
	"nanokern/mem"
	"nanokern/pipe"
	"nanokern/proc"
	"nanokern/stat"
	"nanokern/trap"
	"nanokern/vm"
)

// maxPath bounds the length of a path string fetched from user memory;
// there's no fixed PATH_MAX elsewhere in this kernel since every other
// path-handling layer (fs/path.go) works on Go strings of any length.
const maxPath = 4096

// tickDuration is the wall-clock length of one "tick" SYS_SLEEP and
// SYS_UPTIME count in, standing in for a real timer-interrupt period
// now that there's no simulated clock driver feeding trap dispatch's
// CauseTimer case on a fixed schedule.
const tickDuration = 10 * time.Millisecond

var bootTime = time.Now()

// Init registers every syscall this kernel implements against trap's
// dispatch table. Call once at boot, after k and filesys are constructed.
func Init(k *proc.Kernel_t, filesys *fs.Fs_t) {
	trap.Register(defs.SYS_FORK, sysFork(k))
	trap.Register(defs.SYS_EXIT, sysExit(k))
	trap.Register(defs.SYS_WAIT, sysWait(k))
	trap.Register(defs.SYS_PIPE, sysPipe())
	trap.Register(defs.SYS_READ, sysRead())
	trap.Register(defs.SYS_WRITE, sysWrite())
	trap.Register(defs.SYS_CLOSE, sysClose())
	trap.Register(defs.SYS_KILL, sysKill(k))
	trap.Register(defs.SYS_EXEC, sysExec())
	trap.Register(defs.SYS_OPEN, sysOpen(filesys))
	trap.Register(defs.SYS_FSTAT, sysFstat())
	trap.Register(defs.SYS_LINK, sysLink(filesys))
	trap.Register(defs.SYS_UNLINK, sysUnlink(filesys))
	trap.Register(defs.SYS_MKDIR, sysMkdir(filesys))
	trap.Register(defs.SYS_CHDIR, sysChdir(filesys))
	trap.Register(defs.SYS_DUP, sysDup())
	trap.Register(defs.SYS_GETPID, sysGetpid())
	trap.Register(defs.SYS_SBRK, sysSbrk())
	trap.Register(defs.SYS_SLEEP, sysSleep())
	trap.Register(defs.SYS_UPTIME, sysUptime())
	trap.Register(defs.SYS_MKNOD, sysMknod(filesys))
	trap.Register(defs.SYS_SYMLINK, sysSymlink(filesys))
	trap.Register(defs.SYS_MMAP, sysMmap())
	trap.Register(defs.SYS_MUNMAP, sysMunmap())
	trap.Register(defs.SYS_SIGALARM, sysSigalarm())
	trap.Register(defs.SYS_SIGRETURN, sysSigreturn())
}

// cwdInode recovers the fs.Inode_t backing p's current working
// directory descriptor, the inode-shaped "cwd" every fs path operation
// takes.
func cwdInode(p *proc.Proc_t) *fs.Inode_t {
	f, ok := p.Cwd.Fd.Fops.(*fs.File_t)
	if !ok {
		return nil
	}
	return f.Ino()
}

// allocFd installs fops as a new open file in p's descriptor table,
// returning the lowest free index or EMFILE if the table is full.
func allocFd(p *proc.Proc_t, fops fdops.Fdops_i, perms int) (int, defs.Err_t) {
	for i := range p.Fds {
		if p.Fds[i] == nil {
			p.Fds[i] = &fd.Fd_t{Fops: fops, Perms: perms}
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

func getFd(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	if fdn < 0 || fdn >= len(p.Fds) || p.Fds[fdn] == nil {
		return nil, -defs.EBADF
	}
	return p.Fds[fdn], 0
}

func permsFromFlags(flags int) int {
	perms := 0
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	return perms
}

func sysFork(k *proc.Kernel_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		child, err := k.Fork(p, h, p.Entry())
		if err != 0 {
			return int(err)
		}
		return int(child.Pid)
	}
}

// sysExit never returns to its caller: ExitNow unwinds the process's
// goroutine straight out of entry's closure. The trailing return
// satisfies the compiler, not a real control path.
func sysExit(k *proc.Kernel_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		k.ExitNow(fr.Args[0])
		return 0
	}
}

func sysWait(k *proc.Kernel_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		var status int
		pid, err := k.Wait(p, h, &status)
		if err != 0 {
			return int(err)
		}
		if va := fr.Args[0]; va != 0 {
			p.Vm.Userwriten(va, 8, status)
		}
		return int(pid)
	}
}

func sysPipe() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		r, w, err := pipe.MkPipe()
		if err != 0 {
			return int(err)
		}
		rfd, err := allocFd(p, r, fd.FD_READ)
		if err != 0 {
			r.Close()
			w.Close()
			return int(err)
		}
		wfd, err := allocFd(p, w, fd.FD_WRITE)
		if err != 0 {
			p.Fds[rfd] = nil
			r.Close()
			w.Close()
			return int(err)
		}
		va := fr.Args[0]
		p.Vm.Userwriten(va, 8, rfd)
		p.Vm.Userwriten(va+8, 8, wfd)
		return 0
	}
}

func sysRead() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		f, err := getFd(p, fr.Args[0])
		if err != 0 {
			return int(err)
		}
		ub := p.Vm.Mkuserbuf(fr.Args[1], fr.Args[2])
		n, err := f.Fops.Read(ub)
		if err != 0 {
			return int(err)
		}
		return n
	}
}

func sysWrite() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		f, err := getFd(p, fr.Args[0])
		if err != 0 {
			return int(err)
		}
		ub := p.Vm.Mkuserbuf(fr.Args[1], fr.Args[2])
		n, err := f.Fops.Write(ub)
		if err != 0 {
			return int(err)
		}
		return n
	}
}

func sysClose() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		fdn := fr.Args[0]
		f, err := getFd(p, fdn)
		if err != 0 {
			return int(err)
		}
		p.Fds[fdn] = nil
		return int(f.Fops.Close())
	}
}

func sysKill(k *proc.Kernel_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		return int(k.Kill(h, defs.Pid_t(fr.Args[0])))
	}
}

// sysExec always fails: there is no ELF loader in this kernel (spec.md's
// non-goals exclude a program loader), so a process image can never be
// replaced the way real exec() replaces one. A process wanting to run
// "different code" has to have been Spawned or Forked with that code as
// its Entry_t to begin with.
func sysExec() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		return int(-defs.ENOSYS)
	}
}

func sysOpen(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		path, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		flags := fr.Args[1]
		ip, err := filesys.Open(path.String(), cwdInode(p), flags)
		if err != 0 {
			return int(err)
		}
		ip.Iunlock()
		file := filesys.MkFile(ip, flags&defs.O_APPEND != 0)
		fdn, err := allocFd(p, file, permsFromFlags(flags))
		if err != 0 {
			file.Close()
			return int(err)
		}
		return fdn
	}
}

func sysFstat() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		f, err := getFd(p, fr.Args[0])
		if err != 0 {
			return int(err)
		}
		var st stat.Stat_t
		if err := f.Fops.Fstat(&st); err != 0 {
			return int(err)
		}
		if werr := p.Vm.K2user(st.Bytes(), fr.Args[1]); werr != 0 {
			return int(werr)
		}
		return 0
	}
}

func sysLink(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		old, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		new, err := p.Vm.Userstr(fr.Args[1], maxPath)
		if err != 0 {
			return int(err)
		}
		return int(filesys.Link(old.String(), new.String(), cwdInode(p)))
	}
}

func sysUnlink(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		path, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		return int(filesys.Unlink(path.String(), cwdInode(p)))
	}
}

func sysMkdir(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		path, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		return int(filesys.Mkdir(path.String(), cwdInode(p)))
	}
}

func sysChdir(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		path, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		ip, err := filesys.Namei(path.String(), cwdInode(p))
		if err != 0 {
			return int(err)
		}
		ip.Ilock()
		if ip.Type != defs.I_DIR {
			ip.Iunlock()
			filesys.Iput(ip)
			return int(-defs.ENOTDIR)
		}
		ip.Iunlock()

		newFile := filesys.MkFile(ip, false)
		p.Cwd.Lock()
		old := p.Cwd.Fd
		p.Cwd.Fd = &fd.Fd_t{Fops: newFile, Perms: fd.FD_READ}
		p.Cwd.Path = p.Cwd.Canonicalpath(path)
		p.Cwd.Unlock()
		if old != nil {
			old.Fops.Close()
		}
		return 0
	}
}

func sysDup() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		of, err := getFd(p, fr.Args[0])
		if err != 0 {
			return int(err)
		}
		nfd, err := fd.Copyfd(of)
		if err != 0 {
			return int(err)
		}
		idx, err := allocFd(p, nfd.Fops, nfd.Perms)
		if err != 0 {
			nfd.Fops.Close()
			return int(err)
		}
		return idx
	}
}

func sysGetpid() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		return int(p.Pid)
	}
}

func sysSbrk() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		old, err := p.Vm.Sbrk(fr.Args[0])
		if err != 0 {
			return int(err)
		}
		return old
	}
}

// sysSleep blocks the calling goroutine for n ticks of wall-clock time.
// A real scheduler-driven sleep would instead park the process on
// Kernel_t.Sleep against a per-tick wakeup channel; with no simulated
// clock interrupt feeding that channel on a fixed period, wall-clock
// time stands in for it directly.
func sysSleep() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		time.Sleep(time.Duration(fr.Args[0]) * tickDuration)
		if p.IsKilled() {
			return int(-defs.EINTR)
		}
		return 0
	}
}

func sysUptime() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		return int(time.Since(bootTime) / tickDuration)
	}
}

func sysMknod(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		path, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		major, minor := int16(fr.Args[1]), int16(fr.Args[2])
		return int(filesys.Mknod(path.String(), cwdInode(p), major, minor))
	}
}

func sysSymlink(filesys *fs.Fs_t) trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		target, err := p.Vm.Userstr(fr.Args[0], maxPath)
		if err != 0 {
			return int(err)
		}
		path, err := p.Vm.Userstr(fr.Args[1], maxPath)
		if err != 0 {
			return int(err)
		}
		return int(filesys.Symlink(target.String(), path.String(), cwdInode(p)))
	}
}

// sysMmap only supports anonymous mappings: a file-backed mapping would
// need to fault pages in from disk on demand, which spec.md's non-goals
// rule out (demand paging from disk). fd/off (Args[3], Args[4]) are
// accepted but ignored.
func sysMmap() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		length := fr.Args[0]
		if length <= 0 {
			return int(-defs.EINVAL)
		}
		prot := mem.Pa_t(fr.Args[1])
		perms := mem.PTE_U
		if prot&mem.PTE_W != 0 {
			perms |= mem.PTE_W
		}
		p.Vm.Lock_pmap()
		va := p.Vm.Unusedva_inner(vm.HeapBase, length)
		p.Vm.Vmadd_anon(va, length, perms)
		p.Vm.Unlock_pmap()
		return va
	}
}

func sysMunmap() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		va, length := fr.Args[0], fr.Args[1]
		p.Vm.Lock_pmap()
		for off := 0; off < length; off += mem.PGSIZE {
			p.Vm.Page_remove(va + off)
		}
		p.Vm.Unlock_pmap()
		return 0
	}
}

func sysSigalarm() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		p.Sigalarm(fr.Args[0], fr.Args[1])
		return 0
	}
}

func sysSigreturn() trap.Handler_i {
	return func(p *proc.Proc_t, h defs.HartID, fr *trap.Frame_t) int {
		saved := p.Sigreturn()
		fr.Sysno = int(saved[0])
		for i := range fr.Args {
			fr.Args[i] = int(saved[1+i])
		}
		return 0
	}
}
