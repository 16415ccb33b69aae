// inode.go is the in-memory inode cache and the inode-content operations
// spec.md 4.H describes: iget/ilock/iunlock/iput, the direct/indirect/
// double-indirect block map, and read/write through an inode. The teacher
// pack never shipped a cache.go to adapt (fs/blk.go and fs/super.go were
// the only files retrieved), so this is grounded on original_source's
// kernel/fs.c behaviorally and on hashtable.Hashtable_t structurally — a
// deliberate strengthening of the teacher's unused-in-pack icache concept,
// wiring hashtable's lock-striped table into a real lookup path instead of
// bcache's bespoke bucket chains (bcache needs LRU eviction by recency,
// which hashtable doesn't support; icache just needs find-or-allocate plus
// a linear scan for a free slot, which hashtable's Elems() gives for free).
package fs

import (
	"sync"

	"nanokern/defs"
	"nanokern/fdops"
	"nanokern/hashtable"
)

// Inode_t is one in-memory inode cache slot. The embedded sync.Mutex is
// its sleep lock, guarding the Dinode_t-shaped fields below; refcnt and
// valid are instead owned by Icache_t's single spinlock, matching
// spec.md's "fixed size, single spinlock for allocation/ref management;
// per-entry sleep lock for contents".
type Inode_t struct {
	sync.Mutex

	fs   *Fs_t
	Inum int

	refcnt int32 // icache.mu
	valid  bool  // icache.mu; contents loaded from disk

	Type  defs.Itype_t
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 2]uint32
}

// Icache_t is the fixed-size inode cache: a hashtable from inode number to
// *Inode_t for O(1) hits, plus a capacity bound enforced by scanning for a
// free (refcnt==0) slot to evict on miss — spec.md 4.H's "fixed size...
// iget finds or allocates".
type Icache_t struct {
	mu    sync.Mutex
	table *hashtable.Hashtable_t
	count int
	max   int
	fs    *Fs_t
}

// MkIcache builds an inode cache of capacity max for fs.
func MkIcache(fs *Fs_t, max int) *Icache_t {
	return &Icache_t{
		table: hashtable.MkHash(max),
		max:   max,
		fs:    fs,
	}
}

// Iget finds inum in the cache or allocates a new, not-yet-loaded slot for
// it, bumping its refcount either way. The returned inode is not locked;
// callers must Ilock before touching its contents.
func (ic *Icache_t) Iget(inum int) (*Inode_t, defs.Err_t) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if v, ok := ic.table.Get(inum); ok {
		ip := v.(*Inode_t)
		ip.refcnt++
		return ip, 0
	}

	var ip *Inode_t
	if ic.count < ic.max {
		ip = &Inode_t{fs: ic.fs}
		ic.count++
	} else {
		for _, pair := range ic.table.Elems() {
			cand := pair.Value.(*Inode_t)
			if cand.refcnt == 0 {
				ic.table.Del(pair.Key)
				ip = cand
				break
			}
		}
		if ip == nil {
			return nil, -defs.ENFILE
		}
	}

	ip.Inum = inum
	ip.refcnt = 1
	ip.valid = false
	ic.table.Set(inum, ip)
	return ip, 0
}

// Iput drops one reference to ip, the exported form of Icache_t.Iput for
// callers outside this package (syscall handlers unwinding an error path
// after Namei/Nameiparent resolved an inode they end up not keeping).
func (fs *Fs_t) Iput(ip *Inode_t) {
	fs.ic.Iput(ip)
}

// Ilock acquires ip's sleep lock and loads its contents from disk on
// first use.
func (ip *Inode_t) Ilock() {
	ip.Lock()
	if ip.valid {
		return
	}
	blkno := ip.fs.inode_start() + ip.Inum/inodesPerBlock
	b := ip.fs.log.bc.Read(blkno)
	off := (ip.Inum % inodesPerBlock) * dinodeSize
	d := decodeDinode(b.Data[off : off+dinodeSize])
	ip.fs.log.bc.Release(b)

	ip.Type = defs.Itype_t(d.Type)
	ip.Major = d.Major
	ip.Minor = d.Minor
	ip.Nlink = d.Nlink
	ip.Size = d.Size
	ip.Addrs = d.Addrs
	ip.valid = true
}

// Iunlock releases ip's sleep lock.
func (ip *Inode_t) Iunlock() {
	ip.Unlock()
}

// Iupdate writes ip's in-memory fields back to its on-disk slot, journaled
// via log_write so it commits atomically with whatever else the caller's
// transaction touched.
func (ip *Inode_t) Iupdate() {
	blkno := ip.fs.inode_start() + ip.Inum/inodesPerBlock
	b := ip.fs.log.bc.Read(blkno)
	off := (ip.Inum % inodesPerBlock) * dinodeSize
	encodeDinode(b.Data[off:off+dinodeSize], Dinode_t{
		Type:  int16(ip.Type),
		Major: ip.Major,
		Minor: ip.Minor,
		Nlink: ip.Nlink,
		Size:  ip.Size,
		Addrs: ip.Addrs,
	})
	ip.fs.log.Log_write(b)
	ip.fs.log.bc.Release(b)
}

// Iput drops one reference to ip. If it was the last reference to a
// valid, unlinked (Nlink==0) inode, its data is truncated, it is marked
// free on disk, and the change is written through — spec.md 4.H's iput.
func (ic *Icache_t) Iput(ip *Inode_t) {
	ic.mu.Lock()
	ip.refcnt--
	last := ip.refcnt == 0
	ic.mu.Unlock()

	if !last {
		return
	}

	ip.Ilock()
	if ip.valid && ip.Nlink == 0 {
		op := ip.fs.log.Op()
		ip.itrunc()
		ip.Type = defs.I_FREE
		ip.Iupdate()
		op.Done()
		ip.valid = false
	}
	ip.Iunlock()
}

// Ialloc scans the inode table for a free (Type==I_FREE) slot, claims it
// as itype, and returns it locked-free with one reference — spec.md
// 4.H's allocation half of create().
func (fs *Fs_t) Ialloc(itype defs.Itype_t) (*Inode_t, defs.Err_t) {
	ninodes := fs.sb.Inodelen() * inodesPerBlock
	for inum := 1; inum < ninodes; inum++ {
		blkno := fs.inode_start() + inum/inodesPerBlock
		b := fs.log.bc.Read(blkno)
		off := (inum % inodesPerBlock) * dinodeSize
		d := decodeDinode(b.Data[off : off+dinodeSize])
		if d.Type != int16(defs.I_FREE) {
			fs.log.bc.Release(b)
			continue
		}
		d.Type = int16(itype)
		d.Nlink = 0
		d.Size = 0
		d.Addrs = [NDIRECT + 2]uint32{}
		encodeDinode(b.Data[off:off+dinodeSize], d)
		fs.log.Log_write(b)
		fs.log.bc.Release(b)

		ip, err := fs.ic.Iget(inum)
		if err != 0 {
			return nil, err
		}
		ip.Ilock()
		ip.Type = itype
		ip.Nlink = 0
		ip.Size = 0
		ip.Addrs = [NDIRECT + 2]uint32{}
		ip.valid = true
		ip.Iunlock()
		return ip, 0
	}
	return nil, -defs.ENOSPC
}

// bmap implements spec.md 4.H's bmap(ip, logical_block): direct range
// through ip.Addrs[:NDIRECT], one level of indirection through
// ip.Addrs[NDIRECT], two levels through ip.Addrs[NDIRECT+1]. Missing
// indirection blocks are allocated on demand and journaled.
func (ip *Inode_t) bmap(logical int) (int, defs.Err_t) {
	if err := bnoErr(logical); err != 0 {
		return 0, err
	}

	if logical < NDIRECT {
		if ip.Addrs[logical] == 0 {
			blkno, err := ip.fs.allocate_block()
			if err != 0 {
				return 0, err
			}
			ip.Addrs[logical] = uint32(blkno)
			ip.Iupdate()
		}
		return int(ip.Addrs[logical]), 0
	}

	logical -= NDIRECT
	if logical < NINDIRECT {
		return ip.bmapIndirect(NDIRECT, logical)
	}

	logical -= NINDIRECT
	outer := logical / NINDIRECT
	inner := logical % NINDIRECT

	outerBlk, err := ip.indirectSlot(NDIRECT+1, outer)
	if err != 0 {
		return 0, err
	}
	return ip.bmapIndirectAt(outerBlk, inner)
}

// bmapIndirect resolves one level of indirection rooted at ip.Addrs[slot].
func (ip *Inode_t) bmapIndirect(slot, idx int) (int, defs.Err_t) {
	if ip.Addrs[slot] == 0 {
		blkno, err := ip.fs.allocate_block()
		if err != 0 {
			return 0, err
		}
		ip.Addrs[slot] = uint32(blkno)
		ip.Iupdate()
	}
	return ip.bmapIndirectAt(int(ip.Addrs[slot]), idx)
}

// indirectSlot returns (allocating on demand) the idx'th block number
// recorded in the indirect block rooted at ip.Addrs[slot].
func (ip *Inode_t) indirectSlot(slot, idx int) (int, defs.Err_t) {
	if ip.Addrs[slot] == 0 {
		blkno, err := ip.fs.allocate_block()
		if err != 0 {
			return 0, err
		}
		ip.Addrs[slot] = uint32(blkno)
		ip.Iupdate()
	}
	b := ip.fs.log.bc.Read(int(ip.Addrs[slot]))
	bn := readIndirectEntry(b, idx)
	if bn == 0 {
		nb, err := ip.fs.allocate_block()
		if err != 0 {
			ip.fs.log.bc.Release(b)
			return 0, err
		}
		writeIndirectEntry(b, idx, nb)
		ip.fs.log.Log_write(b)
		bn = nb
	}
	ip.fs.log.bc.Release(b)
	return bn, 0
}

// bmapIndirectAt resolves idx within the indirect block at blkno,
// allocating the pointed-to data block if absent.
func (ip *Inode_t) bmapIndirectAt(blkno, idx int) (int, defs.Err_t) {
	b := ip.fs.log.bc.Read(blkno)
	bn := readIndirectEntry(b, idx)
	if bn == 0 {
		nb, err := ip.fs.allocate_block()
		if err != 0 {
			ip.fs.log.bc.Release(b)
			return 0, err
		}
		writeIndirectEntry(b, idx, nb)
		ip.fs.log.Log_write(b)
		bn = nb
	}
	ip.fs.log.bc.Release(b)
	return bn, 0
}

func readIndirectEntry(b *Bdev_block_t, idx int) int {
	return fieldr(b.Data, idx)
}

func writeIndirectEntry(b *Bdev_block_t, idx, v int) {
	fieldw(b.Data, idx, v)
}

// itrunc frees every data and indirection block ip owns and resets its
// size to zero, the data half of iput's free-on-last-unlinked-reference
// contract.
func (ip *Inode_t) itrunc() {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			ip.fs.free_block(int(ip.Addrs[i]))
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		ip.freeIndirect(int(ip.Addrs[NDIRECT]))
		ip.Addrs[NDIRECT] = 0
	}
	if ip.Addrs[NDIRECT+1] != 0 {
		b := ip.fs.log.bc.Read(int(ip.Addrs[NDIRECT+1]))
		for i := 0; i < NINDIRECT; i++ {
			bn := readIndirectEntry(b, i)
			if bn != 0 {
				ip.freeIndirect(bn)
			}
		}
		ip.fs.log.bc.Release(b)
		ip.fs.free_block(int(ip.Addrs[NDIRECT+1]))
		ip.Addrs[NDIRECT+1] = 0
	}
	ip.Size = 0
	ip.Iupdate()
}

func (ip *Inode_t) freeIndirect(blkno int) {
	b := ip.fs.log.bc.Read(blkno)
	for i := 0; i < NINDIRECT; i++ {
		bn := readIndirectEntry(b, i)
		if bn != 0 {
			ip.fs.free_block(bn)
		}
	}
	ip.fs.log.bc.Release(b)
	ip.fs.free_block(blkno)
}

// Readi copies min(n, size-off) bytes starting at off into dst, iterating
// block by block and handling partial blocks at either end. dst may be
// real user memory or a kernel-internal buffer dressed up as one
// (vm.Userbuf_t vs vm.Fakeubuf_t) — Readi itself doesn't care which.
func (ip *Inode_t) Readi(dst fdops.Userio_i, off, n int) (int, defs.Err_t) {
	if off > int(ip.Size) {
		return 0, 0
	}
	if off+n > int(ip.Size) {
		n = int(ip.Size) - off
	}
	tot := 0
	for tot < n {
		blkno, err := ip.bmap((off + tot) / BSIZE)
		if err != 0 {
			return tot, err
		}
		boff := (off + tot) % BSIZE
		cnt := n - tot
		if cnt > BSIZE-boff {
			cnt = BSIZE - boff
		}
		b := ip.fs.log.bc.Read(blkno)
		wrote, err := dst.Uiowrite(b.Data[boff : boff+cnt])
		ip.fs.log.bc.Release(b)
		if err != 0 {
			return tot, err
		}
		tot += wrote
		if wrote != cnt {
			break
		}
	}
	return tot, 0
}

// Writei copies n bytes from src into ip's contents starting at off,
// extending Size (and writing the updated inode through) when the write
// runs past the current end. Every chunk this touches a new block for is
// journaled via the caller's open transaction.
func (ip *Inode_t) Writei(src fdops.Userio_i, off, n int) (int, defs.Err_t) {
	if off+n < off {
		return 0, -defs.EINVAL
	}
	tot := 0
	for tot < n {
		blkno, err := ip.bmap((off + tot) / BSIZE)
		if err != 0 {
			return tot, err
		}
		boff := (off + tot) % BSIZE
		cnt := n - tot
		if cnt > BSIZE-boff {
			cnt = BSIZE - boff
		}
		b := ip.fs.log.bc.Acquire(blkno)
		if !b.Valid {
			b.Read()
			b.Valid = true
		}
		read, err := src.Uioread(b.Data[boff : boff+cnt])
		ip.fs.log.Log_write(b)
		ip.fs.log.bc.Release(b)
		if err != 0 {
			return tot, err
		}
		tot += read
		if read != cnt {
			break
		}
	}
	if off+tot > int(ip.Size) {
		ip.Size = uint32(off + tot)
		ip.Iupdate()
	}
	return tot, 0
}
