// disk.go is the block-device simulator fs.Disk_i is defined against: a
// plain file on the host filesystem, one block per BSIZE-sized region.
// Adapted from the teacher's ufs/driver.go ahci_disk_t, which already
// spoke this exact Bdev_req_t/BlkList_t protocol — the only real change
// is swapping its Seek-then-Read/Write-under-a-mutex pattern for
// golang.org/x/sys/unix's positional Pread/Pwrite, which need no lock
// because the file offset they touch is an argument, not file state.
package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileDisk_t is a Disk_i backed by an ordinary file, sized in whole
// blocks. Exclusively flocked for the process's lifetime so two
// simulated kernels never share one image by accident.
type FileDisk_t struct {
	f *os.File
}

// OpenFileDisk opens (without creating) the disk image at path.
func OpenFileDisk(path string) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk_t{f: f}, nil
}

// CreateFileDisk creates a new disk image of nblocks blocks, zero-filled.
func CreateFileDisk(path string, nblocks int) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * BSIZE); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk_t{f: f}, nil
}

// Start implements fs.Disk_i: service one request synchronously.
// BDEV_READ expects exactly one block; BDEV_WRITE may carry a chain.
func (d *FileDisk_t) Start(req *Bdev_req_t) bool {
	switch req.Cmd {
	case BDEV_READ:
		if req.Blks.Len() != 1 {
			panic("disk: read of more than one block")
		}
		blk := req.Blks.FrontBlock()
		buf := make([]byte, BSIZE)
		if _, err := unix.Pread(int(d.f.Fd()), buf, int64(blk.Block)*BSIZE); err != nil {
			panic(err)
		}
		for i, b := range buf {
			blk.Data[i] = b
		}
	case BDEV_WRITE:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			buf := make([]byte, BSIZE)
			for i := range buf {
				buf[i] = byte(b.Data[i])
			}
			if _, err := unix.Pwrite(int(d.f.Fd()), buf, int64(b.Block)*BSIZE); err != nil {
				panic(err)
			}
			b.Done("disk")
		}
	case BDEV_FLUSH:
		if err := d.f.Sync(); err != nil {
			panic(err)
		}
	}
	return false
}

// Stats implements fs.Disk_i.
func (d *FileDisk_t) Stats() string {
	return "filedisk"
}

// Close releases the lock and closes the backing file.
func (d *FileDisk_t) Close() error {
	return d.f.Close()
}
