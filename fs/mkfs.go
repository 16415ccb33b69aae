// mkfs.go formats a brand new disk image: superblock, log region, inode
// table, and free-block bitmap, followed by a root directory containing
// "." and "..". Grounded on the teacher's biscuit/src/mkfs/mkfs.go, which
// drives the equivalent ufs.MkDisk/BootFS/ShutdownFS sequence; this
// version writes the raw blocks itself instead of going through a
// running Fs_t; a formatting tool has no log to recover and no cache
// worth warming, so it talks straight to the file the way disk.go's
// FileDisk_t does.
package fs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"nanokern/defs"
	"nanokern/limits"
	"nanokern/mem"
)

// MkfsConfig sizes a freshly formatted image. Zero fields take the
// defaults DefaultMkfsConfig returns.
type MkfsConfig struct {
	Loglen  int // blocks reserved for the write-ahead log
	Ninodes int // inode slots (inode 0 is never used)
	Ndata   int // data blocks available to the free-block bitmap
}

// DefaultMkfsConfig sizes a small teaching image: enough inodes and data
// blocks for the seed scenarios without wasting disk on a throwaway test
// fixture.
func DefaultMkfsConfig() MkfsConfig {
	return MkfsConfig{Loglen: LOGSIZE, Ninodes: 200, Ndata: 1000}
}

type mkfsLayout struct {
	loglen       int
	inodeStart   int
	inodelen     int
	freeblock    int
	freeblocklen int
	dataStart    int
	lastblock    int
}

func planLayout(cfg MkfsConfig) mkfsLayout {
	var l mkfsLayout
	l.loglen = cfg.Loglen
	l.inodeStart = SUPERBLOCK + 1 + l.loglen
	l.inodelen = (cfg.Ninodes + inodesPerBlock - 1) / inodesPerBlock
	l.freeblock = l.inodeStart + l.inodelen
	l.freeblocklen = (cfg.Ndata + BSIZE*8 - 1) / (BSIZE * 8)
	l.dataStart = l.freeblock + l.freeblocklen
	l.lastblock = l.dataStart + cfg.Ndata - 1
	return l
}

// Mkfs creates a new disk image at path sized per cfg, formats its
// superblock and tables, and populates the root directory. The image is
// ready for MkFs to mount immediately afterward.
func Mkfs(path string, cfg MkfsConfig) error {
	def := DefaultMkfsConfig()
	if cfg.Loglen == 0 {
		cfg.Loglen = def.Loglen
	}
	if cfg.Ninodes == 0 {
		cfg.Ninodes = def.Ninodes
	}
	if cfg.Ndata == 0 {
		cfg.Ndata = def.Ndata
	}
	l := planLayout(cfg)
	nblocks := l.lastblock + 1
	if nblocks > limits.Syslimit.Blocks {
		return fmt.Errorf("fs: mkfs: %d blocks exceeds configured limit of %d", nblocks, limits.Syslimit.Blocks)
	}

	d, err := CreateFileDisk(path, nblocks)
	if err != nil {
		return fmt.Errorf("fs: mkfs: %w", err)
	}
	defer d.Close()

	writeBlock := func(blkno int, data *mem.Bytepg_t) {
		if _, err := unix.Pwrite(int(d.f.Fd()), data[:], int64(blkno)*BSIZE); err != nil {
			panic(fmt.Sprintf("fs: mkfs: write block %d: %v", blkno, err))
		}
	}

	// Superblock (log header, already zero from CreateFileDisk, doubles
	// as "0 blocks outstanding" — a crash-free log needs no more).
	var sb mem.Bytepg_t
	sbv := Superblock_t{Data: &sb}
	sbv.SetLoglen(l.loglen)
	sbv.SetIorphanblock(0)
	sbv.SetIorphanlen(0)
	sbv.SetImaplen(l.inodelen)
	sbv.SetFreeblock(l.freeblock)
	sbv.SetFreeblocklen(l.freeblocklen)
	sbv.SetInodelen(l.inodelen)
	sbv.SetLastblock(l.lastblock)
	sbv.SetMagic(FSMAGIC)
	writeBlock(SUPERBLOCK, &sb)

	// Root directory's single data block: "." and ".." both pointing at
	// ROOTINO, the xv6 convention every path walk (fs/path.go) assumes.
	var rootblk mem.Bytepg_t
	var dot, dotdot Dirent_t
	dot.Inum = uint16(ROOTINO)
	copy(dot.Name[:], ".")
	dotdot.Inum = uint16(ROOTINO)
	copy(dotdot.Name[:], "..")
	encodeDirent(rootblk[0:direntSize], dot)
	encodeDirent(rootblk[direntSize:2*direntSize], dotdot)
	writeBlock(l.dataStart, &rootblk)

	// Inode table: every slot zeroed (Type == I_FREE) except ROOTINO,
	// which owns the block just written above.
	for blk := 0; blk < l.inodelen; blk++ {
		var ib mem.Bytepg_t
		if blk == 0 {
			var root Dinode_t
			root.Type = int16(defs.I_DIR)
			root.Nlink = 2
			root.Size = uint32(direntSize * 2)
			root.Addrs[0] = uint32(l.dataStart)
			off := ROOTINO * dinodeSize
			encodeDinode(ib[off:off+dinodeSize], root)
		}
		writeBlock(l.inodeStart+blk, &ib)
	}

	// Free-block bitmap: mark exactly the one data block root's content
	// occupies; the rest of the bitmap stays zero (free), already true
	// from CreateFileDisk's zero-fill.
	var bm mem.Bytepg_t
	bm[0] = 1 // bit 0 == data_start, root's directory block
	writeBlock(l.freeblock, &bm)

	return nil
}
