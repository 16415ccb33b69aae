package fs

import (
	"nanokern/defs"
	"nanokern/mem"
)

// allocate_block implements spec.md 4.H's free-block bitmap scan: one bit
// per data block, linear scan for the first clear bit, set it, zero the
// block, return its number. free_block clears the bit; a double-free is
// fatal (the bit must already be set).
//
// Both mutate persistent state and so must run inside a transaction — the
// caller holds the log op open.
func (fs *Fs_t) allocate_block() (int, defs.Err_t) {
	for bi := 0; bi < fs.sb.Freeblocklen()*BSIZE*8; bi++ {
		blkno := fs.sb.Freeblock() + bi/(BSIZE*8)
		b := fs.log.bc.Read(blkno)
		byteoff := (bi / 8) % BSIZE
		bit := uint(bi % 8)
		if b.Data[byteoff]&(1<<bit) != 0 {
			fs.log.bc.Release(b)
			continue
		}
		b.Data[byteoff] |= 1 << bit
		fs.log.Log_write(b)
		fs.log.bc.Release(b)

		zb := fs.log.bc.Acquire(fs.data_start() + bi)
		var zero mem.Bytepg_t
		*zb.Data = zero
		zb.Valid = true
		fs.log.Log_write(zb)
		fs.log.bc.Release(zb)
		return fs.data_start() + bi, 0
	}
	return 0, -defs.ENOSPC
}

func (fs *Fs_t) free_block(blkno int) {
	bi := blkno - fs.data_start()
	if bi < 0 {
		panic("free_block: bad block number")
	}
	bmblk := fs.sb.Freeblock() + bi/(BSIZE*8)
	byteoff := (bi / 8) % BSIZE
	bit := uint(bi % 8)

	b := fs.log.bc.Read(bmblk)
	if b.Data[byteoff]&(1<<bit) == 0 {
		panic("free_block: double free")
	}
	b.Data[byteoff] &^= 1 << bit
	fs.log.Log_write(b)
	fs.log.bc.Release(b)
}
