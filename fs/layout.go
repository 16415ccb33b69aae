package fs

import (
	"encoding/binary"

	"nanokern/defs"
	"nanokern/mem"
)

// On-disk layout constants, spec.md section 6. BSIZE is blk.go's 4096
// (nanokern ties block size to the page size so a block always backs a
// single physical page; the suggested 1024 in spec.md is just the xv6
// default spec.md was distilled from, not a hard requirement).
const (
	FSMAGIC = 0x10203040

	NDIRECT     = 11
	NINDIRECT   = BSIZE / 4
	MAXFILEBLKS = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	LOGSIZE       = 30
	MAX_OP_BLOCKS = 10

	DIRSIZ = 28

	// superblock is always block 1
	SUPERBLOCK = 1
)

// fieldr/fieldw treat a block as an array of little-endian 32-bit words,
// the layout super.go's Superblock_t accessors index into by field number.
func fieldr(data *mem.Bytepg_t, n int) int {
	return int(int32(binary.LittleEndian.Uint32(data[n*4:])))
}

func fieldw(data *mem.Bytepg_t, n int, v int) {
	binary.LittleEndian.PutUint32(data[n*4:], uint32(v))
}

// Dinode_t is the on-disk inode format, spec.md section 6: {type, major,
// minor, nlink, size, addrs[NDIRECT+2]}.
type Dinode_t struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 2]uint32
}

const dinodeSize = 2 + 2 + 2 + 2 + 4 + 4*(NDIRECT+2)

// inodesPerBlock is how many packed Dinode_t fit in one disk block.
const inodesPerBlock = BSIZE / dinodeSize

func decodeDinode(b []uint8) Dinode_t {
	var d Dinode_t
	d.Type = int16(binary.LittleEndian.Uint16(b[0:]))
	d.Major = int16(binary.LittleEndian.Uint16(b[2:]))
	d.Minor = int16(binary.LittleEndian.Uint16(b[4:]))
	d.Nlink = int16(binary.LittleEndian.Uint16(b[6:]))
	d.Size = binary.LittleEndian.Uint32(b[8:])
	off := 12
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(b[off:])
		off += 4
	}
	return d
}

func encodeDinode(b []uint8, d Dinode_t) {
	binary.LittleEndian.PutUint16(b[0:], uint16(d.Type))
	binary.LittleEndian.PutUint16(b[2:], uint16(d.Major))
	binary.LittleEndian.PutUint16(b[4:], uint16(d.Minor))
	binary.LittleEndian.PutUint16(b[6:], uint16(d.Nlink))
	binary.LittleEndian.PutUint32(b[8:], d.Size)
	off := 12
	for _, a := range d.Addrs {
		binary.LittleEndian.PutUint32(b[off:], a)
		off += 4
	}
}

// Dirent_t is a directory entry, spec.md section 6: {inum, name[DIRSIZ]}.
type Dirent_t struct {
	Inum uint16
	Name [DIRSIZ]uint8
}

const direntSize = 2 + DIRSIZ
const direntsPerBlock = BSIZE / direntSize

func decodeDirent(b []uint8) Dirent_t {
	var de Dirent_t
	de.Inum = binary.LittleEndian.Uint16(b[0:])
	copy(de.Name[:], b[2:2+DIRSIZ])
	return de
}

func encodeDirent(b []uint8, de Dirent_t) {
	binary.LittleEndian.PutUint16(b[0:], de.Inum)
	copy(b[2:2+DIRSIZ], de.Name[:])
}

func direntName(de Dirent_t) []uint8 {
	n := 0
	for n < DIRSIZ && de.Name[n] != 0 {
		n++
	}
	return de.Name[:n]
}

// bnoErr reports whether a bmap lookup overran the file's addressable
// range, spec.md 4.H's bmap contract.
func bnoErr(blkno int) defs.Err_t {
	if blkno < 0 || blkno >= MAXFILEBLKS {
		return -defs.EINVAL
	}
	return 0
}
