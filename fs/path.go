// path.go is the path resolver, grounded on original_source/kernel/fs.c's
// namex/namei/nameiparent and create(), reworked into Go methods on Fs_t.
// Component splitting leans on Go's strings package rather than hand
// rolling the C original's skipelem — the teacher pack consistently
// prefers stdlib string handling over manual byte scanning (see
// ustr.Ustr's own use of bytes.IndexByte).
package fs

import (
	"strings"

	"nanokern/defs"
	"nanokern/fdops"
	"nanokern/vm"
)

// mkFakeReader wraps buf as a Userio_i for kernel-internal byte movement
// (symlink target reads, dirent clearing) that has no real user memory
// on either end.
func mkFakeReader(buf []uint8) fdops.Userio_i {
	var fb vm.Fakeubuf_t
	fb.Fake_init(buf)
	return &fb
}

// skipelem returns the first path component of path and the remainder,
// skipping any leading and collapsing any internal run of '/'.
func skipelem(path string) (string, string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], strings.TrimLeft(path[i:], "/")
}

// namex walks path component by component starting at cwd (or the root
// if path is absolute or cwd is nil), returning the target inode
// (unlocked, with one reference). If wantParent, resolution stops one
// component early and the last component's name is returned alongside
// the parent inode.
func (fs *Fs_t) namex(path string, cwd *Inode_t, wantParent bool) (*Inode_t, string, defs.Err_t) {
	var ip *Inode_t
	if strings.HasPrefix(path, "/") || cwd == nil {
		ip = fs.Root()
	} else {
		fs.ic.mu.Lock()
		cwd.refcnt++
		fs.ic.mu.Unlock()
		ip = cwd
	}

	name, rest := skipelem(path)
	for name != "" {
		ip.Ilock()
		if ip.Type != defs.I_DIR {
			ip.Iunlock()
			fs.ic.Iput(ip)
			return nil, "", -defs.ENOTDIR
		}

		if wantParent && rest == "" {
			ip.Iunlock()
			return ip, name, 0
		}

		next, _, err := fs.dirlookup(ip, name)
		ip.Iunlock()
		if err != 0 {
			fs.ic.Iput(ip)
			return nil, "", err
		}
		if next == nil {
			fs.ic.Iput(ip)
			return nil, "", -defs.ENOENT
		}
		fs.ic.Iput(ip)
		ip = next
		name, rest = skipelem(rest)
	}
	if wantParent {
		fs.ic.Iput(ip)
		return nil, "", -defs.ENOENT
	}
	return ip, "", 0
}

// Namei resolves path to its target inode.
func (fs *Fs_t) Namei(path string, cwd *Inode_t) (*Inode_t, defs.Err_t) {
	return fs.namex(path, cwd, false)
}

// Nameiparent resolves path to its parent directory, returning the
// parent inode and the final component's name.
func (fs *Fs_t) Nameiparent(path string, cwd *Inode_t) (*Inode_t, string, defs.Err_t) {
	ip, name, err := fs.namex(path, cwd, true)
	return ip, name, err
}

// Open resolves path, following symlinks (unless noFollow) up to
// SymlinkMaxDepth times, and optionally creates it when O_CREAT is set
// and it doesn't exist. Returns the target locked.
func (fs *Fs_t) Open(path string, cwd *Inode_t, flags int) (*Inode_t, defs.Err_t) {
	if flags&defs.O_CREAT != 0 {
		op := fs.log.Op()
		ip, err := fs.create(path, cwd, defs.I_FILE, 0, 0)
		op.Done()
		if err == -defs.EEXIST {
			if ip != nil {
				fs.ic.Iput(ip)
			}
			if flags&defs.O_EXCL != 0 {
				return nil, -defs.EEXIST
			}
		} else if err != 0 {
			return nil, err
		} else {
			ip.Ilock()
			return ip, 0
		}
	}

	cur := path
	for depth := 0; ; depth++ {
		if depth >= defs.SymlinkMaxDepth {
			return nil, -defs.ELOOP
		}
		ip, err := fs.Namei(cur, cwd)
		if err != 0 {
			return nil, err
		}
		ip.Ilock()
		if ip.Type == defs.I_SYMLINK && flags&defs.O_NOFOLLOW == 0 {
			target := make([]byte, ip.Size)
			_, rerr := ip.Readi(mkFakeReader(target), 0, len(target))
			ip.Iunlock()
			fs.ic.Iput(ip)
			if rerr != 0 {
				return nil, rerr
			}
			cur = string(target)
			continue
		}
		return ip, 0
	}
}

// create implements spec.md 4.H's create(): allocate a new inode of
// itype, link it into its parent directory under the final path
// component, and for directories populate "." and "..". Caller holds a
// transaction open.
func (fs *Fs_t) create(path string, cwd *Inode_t, itype defs.Itype_t, major, minor int16) (*Inode_t, defs.Err_t) {
	dir, name, err := fs.Nameiparent(path, cwd)
	if err != 0 {
		return nil, err
	}
	dir.Ilock()
	if dir.Type != defs.I_DIR {
		dir.Iunlock()
		fs.ic.Iput(dir)
		return nil, -defs.ENOTDIR
	}

	if existing, _, _ := fs.dirlookup(dir, name); existing != nil {
		dir.Iunlock()
		fs.ic.Iput(dir)
		return existing, -defs.EEXIST
	}

	ip, err := fs.Ialloc(itype)
	if err != 0 {
		dir.Iunlock()
		fs.ic.Iput(dir)
		return nil, err
	}
	ip.Ilock()
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	ip.Iupdate()

	if itype == defs.I_DIR {
		dir.Nlink++
		dir.Iupdate()
		if e := fs.dirlink(ip, ".", ip.Inum); e != 0 {
			panic("create: dirlink .")
		}
		if e := fs.dirlink(ip, "..", dir.Inum); e != 0 {
			panic("create: dirlink ..")
		}
	}

	if e := fs.dirlink(dir, name, ip.Inum); e != 0 {
		panic("create: dirlink name")
	}
	ip.Iunlock()
	dir.Iunlock()
	fs.ic.Iput(dir)
	return ip, 0
}

// Link implements spec.md 4.H's link(old,new): reject linking a
// directory, bump old's nlink, then insert a dirent in new's parent.
func (fs *Fs_t) Link(old, new string, cwd *Inode_t) defs.Err_t {
	op := fs.log.Op()
	defer op.Done()

	ip, err := fs.Namei(old, cwd)
	if err != 0 {
		return err
	}
	ip.Ilock()
	if ip.Type == defs.I_DIR {
		ip.Iunlock()
		fs.ic.Iput(ip)
		return -defs.EPERM
	}
	ip.Nlink++
	ip.Iupdate()
	ip.Iunlock()

	dir, name, err := fs.Nameiparent(new, cwd)
	if err != 0 {
		fs.ic.Iput(ip)
		return err
	}
	dir.Ilock()
	if dir.Type != defs.I_DIR {
		dir.Iunlock()
		fs.ic.Iput(dir)
		fs.ic.Iput(ip)
		return -defs.ENOTDIR
	}
	if e := fs.dirlink(dir, name, ip.Inum); e != 0 {
		dir.Iunlock()
		fs.ic.Iput(dir)
		ip.Ilock()
		ip.Nlink--
		ip.Iupdate()
		ip.Iunlock()
		fs.ic.Iput(ip)
		return e
	}
	dir.Iunlock()
	fs.ic.Iput(dir)
	fs.ic.Iput(ip)
	return 0
}

// Unlink implements spec.md 4.H's unlink(path): refuse "." and "..",
// refuse non-empty directories, zero the dirent, decrement nlink (and
// the parent's, for directories), all within one transaction.
func (fs *Fs_t) Unlink(path string, cwd *Inode_t) defs.Err_t {
	dir, name, err := fs.Nameiparent(path, cwd)
	if err != 0 {
		return err
	}
	if name == "." || name == ".." {
		fs.ic.Iput(dir)
		return -defs.EPERM
	}

	op := fs.log.Op()
	defer op.Done()

	dir.Ilock()
	ip, off, err := fs.dirlookup(dir, name)
	if err != 0 || ip == nil {
		dir.Iunlock()
		fs.ic.Iput(dir)
		return -defs.ENOENT
	}
	ip.Ilock()
	if ip.Type == defs.I_DIR && !fs.dirempty(ip) {
		ip.Iunlock()
		fs.ic.Iput(ip)
		dir.Iunlock()
		fs.ic.Iput(dir)
		return -defs.ENOTEMPTY
	}

	if e := fs.clearDirent(dir, off); e != 0 {
		ip.Iunlock()
		fs.ic.Iput(ip)
		dir.Iunlock()
		fs.ic.Iput(dir)
		return e
	}
	if ip.Type == defs.I_DIR {
		dir.Nlink--
		dir.Iupdate()
	}
	dir.Iunlock()
	fs.ic.Iput(dir)

	ip.Nlink--
	ip.Iupdate()
	ip.Iunlock()
	fs.ic.Iput(ip)
	return 0
}

// Mkdir creates an empty directory at path, within its own transaction.
func (fs *Fs_t) Mkdir(path string, cwd *Inode_t) defs.Err_t {
	op := fs.log.Op()
	defer op.Done()
	ip, err := fs.create(path, cwd, defs.I_DIR, 0, 0)
	if ip != nil {
		fs.ic.Iput(ip)
	}
	return err
}

// Mknod creates a device special file at path with the given major/minor.
func (fs *Fs_t) Mknod(path string, cwd *Inode_t, major, minor int16) defs.Err_t {
	op := fs.log.Op()
	defer op.Done()
	ip, err := fs.create(path, cwd, defs.I_DEV, major, minor)
	if ip != nil {
		fs.ic.Iput(ip)
	}
	return err
}

// Symlink creates a symbolic link at path containing target.
func (fs *Fs_t) Symlink(target, path string, cwd *Inode_t) defs.Err_t {
	op := fs.log.Op()
	defer op.Done()
	ip, err := fs.create(path, cwd, defs.I_SYMLINK, 0, 0)
	if err != 0 {
		if ip != nil {
			fs.ic.Iput(ip)
		}
		return err
	}
	ip.Ilock()
	buf := []byte(target)
	n, werr := ip.Writei(mkFakeReader(buf), 0, len(buf))
	ip.Iunlock()
	fs.ic.Iput(ip)
	if werr != 0 {
		return werr
	}
	if n != len(buf) {
		return -defs.ENOSPC
	}
	return 0
}

func (fs *Fs_t) clearDirent(dir *Inode_t, off int) defs.Err_t {
	var de Dirent_t
	buf := make([]uint8, direntSize)
	encodeDirent(buf, de)
	n, err := dir.Writei(mkFakeReader(buf), off, direntSize)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return -defs.EIO
	}
	return 0
}
