// dir.go implements directory-entry lookup and insertion on top of
// Inode_t's Readi/Writei, grounded on original_source/kernel/fs.c's
// dirlookup/dirlink — the teacher pack never shipped a directory layer to
// adapt. Internal byte movement here always goes through a kernel-side
// fdops.Userio_i (vm.Fakeubuf_t), never real user memory: directory
// content is kernel-managed, unlike file data read/written by a syscall.
package fs

import (
	"nanokern/defs"
	"nanokern/vm"
)

// dirlookup scans dir's entries (dir must be I_DIR and locked by the
// caller) for name, returning the matching inode (unlocked, with one
// reference) and the byte offset of its entry, or (nil, 0, 0) if absent.
func (fs *Fs_t) dirlookup(dir *Inode_t, name string) (*Inode_t, int, defs.Err_t) {
	if dir.Type != defs.I_DIR {
		panic("dirlookup: not a directory")
	}

	buf := make([]uint8, direntSize)
	for off := 0; off < int(dir.Size); off += direntSize {
		var fb vm.Fakeubuf_t
		fb.Fake_init(buf)
		n, err := dir.Readi(&fb, off, direntSize)
		if err != 0 {
			return nil, 0, err
		}
		if n != direntSize {
			break
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if string(direntName(de)) == name {
			ip, err := fs.ic.Iget(int(de.Inum))
			if err != 0 {
				return nil, 0, err
			}
			return ip, off, 0
		}
	}
	return nil, 0, 0
}

// dirlink writes a new entry {name -> inum} into dir, reusing the first
// free (inum==0) slot if one exists, appending otherwise. Caller holds
// dir locked and a transaction open.
func (fs *Fs_t) dirlink(dir *Inode_t, name string, inum int) defs.Err_t {
	if existing, _, _ := fs.dirlookup(dir, name); existing != nil {
		fs.ic.Iput(existing)
		return -defs.EEXIST
	}

	buf := make([]uint8, direntSize)
	off := 0
	for ; off < int(dir.Size); off += direntSize {
		var fb vm.Fakeubuf_t
		fb.Fake_init(buf)
		n, err := dir.Readi(&fb, off, direntSize)
		if err != 0 {
			return err
		}
		if n != direntSize {
			break
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			break
		}
	}

	var de Dirent_t
	de.Inum = uint16(inum)
	copy(de.Name[:], name)
	encodeDirent(buf, de)

	var fb vm.Fakeubuf_t
	fb.Fake_init(buf)
	n, err := dir.Writei(&fb, off, direntSize)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return -defs.ENOSPC
	}
	return 0
}

// dirempty reports whether dir, a directory, has any entries besides the
// mandatory "." and ".." — the precondition unlink enforces before
// removing a directory.
func (fs *Fs_t) dirempty(dir *Inode_t) bool {
	buf := make([]uint8, direntSize)
	for off := 2 * direntSize; off < int(dir.Size); off += direntSize {
		var fb vm.Fakeubuf_t
		fb.Fake_init(buf)
		n, err := dir.Readi(&fb, off, direntSize)
		if err != 0 || n != direntSize {
			return true
		}
		de := decodeDirent(buf)
		if de.Inum != 0 {
			return false
		}
	}
	return true
}
