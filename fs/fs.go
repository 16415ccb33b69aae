// Package fs is the on-disk filesystem: block cache (bcache.go), the
// write-ahead log (log.go), the free-block bitmap (alloc.go), the inode
// cache and path resolver (inode.go, dir.go, path.go), and the
// fileread/filewrite dispatch (file.go). Fs_t ties them together as one
// value passed by shared reference, per spec.md section 10's preference
// for explicit state over package-level globals — mirrored from how
// proc.Kernel_t bundles the process table.
package fs

import (
	"fmt"

	"nanokern/defs"
	"nanokern/limits"
)

const ROOTINO = 1 // root directory inode number, by convention

// Fs_t is the live filesystem: superblock, log, inode cache, and the
// block cache/disk both of those sit on top of.
type Fs_t struct {
	disk Disk_i
	log  *Log_t
	sb   Superblock_t
	ic   *Icache_t

	root *Inode_t
}

// data_start returns the first data block number, immediately following
// the free-block bitmap (spec.md section 6's layout: superblock, log region,
// inode table, free-block bitmap, data blocks).
func (fs *Fs_t) data_start() int {
	return fs.sb.Freeblock() + fs.sb.Freeblocklen()
}

func (fs *Fs_t) inode_start() int {
	return SUPERBLOCK + 1 + fs.sb.Loglen()
}

// MkFs reads the superblock from disk, validates its magic, replays the
// log, and opens the root directory — spec.md 4.H's fsinit.
func MkFs(disk Disk_i) *Fs_t {
	bc := MkBcache(disk)

	sbblk := bc.Read(SUPERBLOCK)
	sb := Superblock_t{Data: sbblk.Data}
	magic := sb.Magic()
	// The superblock buffer is kept pinned for the filesystem's entire
	// lifetime: Superblock_t holds a direct pointer into it, so it must
	// never be evicted or its own Data array reused for another block.
	bc.Pin(sbblk)
	bc.Release(sbblk)
	if magic != FSMAGIC {
		panic(fmt.Sprintf("fs: bad magic %#x", magic))
	}

	log := MkLog(bc, SUPERBLOCK+1, sb.Loglen())

	fs := &Fs_t{disk: disk, log: log, sb: sb}
	fs.ic = MkIcache(fs, limits.Syslimit.Vnodes)

	root, err := fs.ic.Iget(ROOTINO)
	if err != 0 {
		panic("fs: no root inode")
	}
	fs.root = root
	return fs
}

// Fs_sync returns 0 without touching the log; it does not force a commit.
// Every End_op that brings the outstanding count to zero already commits,
// and nothing in this kernel's write path is asynchronous, so once all
// operations have ended there is nothing left in the log to flush.
func (fs *Fs_t) Fs_sync() defs.Err_t {
	return 0
}

// Root returns the (already-locked-free) root directory inode with an
// extra reference the caller owns.
func (fs *Fs_t) Root() *Inode_t {
	fs.ic.mu.Lock()
	fs.root.refcnt++
	fs.ic.mu.Unlock()
	return fs.root
}
