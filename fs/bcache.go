package fs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nanokern/mem"
)

// bdev_debug turns on the verbose per-request tracing blk.go's Read/Write
// paths print; left off by default (spec.md never asks for a log level
// knob here, and the teacher's own block.go guards the same prints on a
// package bool).
var bdev_debug = false

// N_BUCKET is the number of open hash chains in the block cache, and N_BUF
// the bound on live cached buffers — spec.md 4.F's "bounded set of N_BUF
// buffers keyed by (device, block-number)". Device is elided: multi-disk
// is a spec.md non-goal, so every block belongs to the one simulated disk.
const N_BUCKET = 61
const N_BUF = 256

// Objref_t is a cached buffer's refcount and LRU timestamp, mutated only
// under its owning bucket's lock (spec.md section 5: "reference counts are
// always mutated under the structure's spinlock").
type Objref_t struct {
	Refcnt  int32
	Lastuse int64
}

type bcache_bucket_t struct {
	sync.Mutex
	blocks []*Bdev_block_t
}

func (b *bcache_bucket_t) find(blkno int) *Bdev_block_t {
	for _, blk := range b.blocks {
		if blk.Block == blkno {
			return blk
		}
	}
	return nil
}

func (b *bcache_bucket_t) remove(blk *Bdev_block_t) {
	for i, c := range b.blocks {
		if c == blk {
			b.blocks = append(b.blocks[:i], b.blocks[i+1:]...)
			return
		}
	}
	panic("remove of block not in bucket")
}

// blockmem_t adapts mem.Physmem_t to blk.go's Blockmem_i, fixing the hart
// id a real kernel would thread through a register: the block cache has no
// notion of "current hart" distinct from whichever goroutine happens to be
// calling it, so it always allocates as hart 0's free list (harmless: the
// per-hart free lists are a hot-path optimization, not a correctness
// boundary, per mem's own Steal doc comment).
type blockmem_t struct{}

func (blockmem_t) Alloc() (mem.Pa_t, *mem.Bytepg_t, bool) {
	pg, pa, ok := mem.Physmem.Refpg_new_nozero(0)
	if !ok {
		return 0, nil, false
	}
	return pa, mem.Pg2bytes(pg), true
}

func (blockmem_t) Free(pa mem.Pa_t) {
	mem.Physmem.Refdown(0, pa)
}

func (blockmem_t) Refup(pa mem.Pa_t) {
	mem.Physmem.Refup(pa)
}

// Bcache_t is the block cache: N_BUCKET bucket-locked chains, one global
// eviction lock serializing the slow path, and a clock counter standing in
// for "current tick" when stamping a released buffer's last-use time.
type Bcache_t struct {
	buckets      [N_BUCKET]*bcache_bucket_t
	evictionLock sync.Mutex
	count        int32 // atomic: number of live buffers across all buckets
	clock        int64 // atomic: monotonically increasing LRU stamp source
	mem          Blockmem_i
	disk         Disk_i
}

// MkBcache builds an empty cache fronting disk d.
func MkBcache(d Disk_i) *Bcache_t {
	bc := &Bcache_t{mem: blockmem_t{}, disk: d}
	for i := range bc.buckets {
		bc.buckets[i] = &bcache_bucket_t{}
	}
	return bc
}

func (bc *Bcache_t) bucketFor(blkno int) *bcache_bucket_t {
	return bc.buckets[blkno%N_BUCKET]
}

func (bc *Bcache_t) tick() int64 {
	return atomic.AddInt64(&bc.clock, 1)
}

// Acquire implements spec.md 4.F's acquire_buffer: find-or-allocate the
// buffer for blkno, returning it with its sleep lock held and refcount
// bumped.
func (bc *Bcache_t) Acquire(blkno int) *Bdev_block_t {
	buck := bc.bucketFor(blkno)

	buck.Lock()
	if b := buck.find(blkno); b != nil {
		atomic.AddInt32(&b.Ref.Refcnt, 1)
		buck.Unlock()
		b.Lock()
		return b
	}
	buck.Unlock()

	// Slow path: a concurrent acquirer may have inserted the entry between
	// our scan and taking the eviction lock, so re-scan before doing
	// anything destructive. Lock order is eviction-then-bucket throughout,
	// matching section 5's "eviction lock before any bucket lock is
	// required".
	bc.evictionLock.Lock()
	buck.Lock()
	if b := buck.find(blkno); b != nil {
		atomic.AddInt32(&b.Ref.Refcnt, 1)
		buck.Unlock()
		bc.evictionLock.Unlock()
		b.Lock()
		return b
	}
	buck.Unlock()

	var b *Bdev_block_t
	if atomic.LoadInt32(&bc.count) < N_BUF {
		atomic.AddInt32(&bc.count, 1)
		b = MkBlock_newpage(blkno, "bcache", bc.mem, bc.disk, bc)
		b.Ref = &Objref_t{Refcnt: 1}
		buck.Lock()
		buck.blocks = append(buck.blocks, b)
		buck.Unlock()
	} else {
		b = bc.evict(buck, blkno)
	}

	bc.evictionLock.Unlock()
	b.Lock()
	return b
}

// evict scans every bucket in increasing index order for the
// refcount==0 candidate with the smallest last-use stamp, holding at most
// one peer bucket's lock at a time — the lock is swapped to a new bucket
// only when a strictly better candidate is found there, so the "currently
// best" bucket's lock is the only one ever held across the scan. The
// caller holds the eviction lock.
func (bc *Bcache_t) evict(target *bcache_bucket_t, blkno int) *Bdev_block_t {
	var bestBucket *bcache_bucket_t
	var best *Bdev_block_t
	for _, buck := range bc.buckets {
		buck.Lock()
		var local *Bdev_block_t
		for _, cand := range buck.blocks {
			if atomic.LoadInt32(&cand.Ref.Refcnt) != 0 {
				continue
			}
			if local == nil || cand.Ref.Lastuse < local.Ref.Lastuse {
				local = cand
			}
		}
		if local != nil && (best == nil || local.Ref.Lastuse < best.Ref.Lastuse) {
			if bestBucket != nil {
				bestBucket.Unlock()
			}
			best = local
			bestBucket = buck
		} else {
			buck.Unlock()
		}
	}
	if best == nil {
		panic("bcache: no buffers")
	}

	if bestBucket != target {
		bestBucket.remove(best)
		bestBucket.Unlock()
		target.Lock()
		target.blocks = append(target.blocks, best)
	}
	target.Unlock()

	best.Block = blkno
	best.Valid = false
	best.Ref.Refcnt = 1
	return best
}

// Release implements spec.md 4.F's release_buffer: drop the sleep lock,
// then under the bucket lock decrement refcount, stamping last-use when it
// reaches zero so a later eviction scan can find the least-recently-used
// idle buffer.
func (bc *Bcache_t) Release(b *Bdev_block_t) {
	b.Unlock()
	buck := bc.bucketFor(b.Block)
	buck.Lock()
	if atomic.AddInt32(&b.Ref.Refcnt, -1) == 0 {
		b.Ref.Lastuse = bc.tick()
	}
	buck.Unlock()
}

// Pin bumps a buffer's refcount outside the sleep-lock protocol, used by
// the log to hold dirty buffers resident across a transaction.
func (bc *Bcache_t) Pin(b *Bdev_block_t) {
	buck := bc.bucketFor(b.Block)
	buck.Lock()
	atomic.AddInt32(&b.Ref.Refcnt, 1)
	buck.Unlock()
}

// Unpin is Pin's inverse, called once the log has installed a buffer back
// to its home location.
func (bc *Bcache_t) Unpin(b *Bdev_block_t) {
	buck := bc.bucketFor(b.Block)
	buck.Lock()
	if atomic.AddInt32(&b.Ref.Refcnt, -1) == 0 {
		b.Ref.Lastuse = bc.tick()
	}
	buck.Unlock()
}

// Read returns the buffer for blkno, populated from disk on first use.
func (bc *Bcache_t) Read(blkno int) *Bdev_block_t {
	b := bc.Acquire(blkno)
	if !b.Valid {
		b.Read()
		b.Valid = true
	}
	return b
}

// Write issues a synchronous write of a locked, populated buffer.
func (bc *Bcache_t) Write(b *Bdev_block_t) {
	b.Write()
}

// Relse implements Block_cb_i so Bdev_block_t.Done can route through the
// same release path external callers use.
func (bc *Bcache_t) Relse(b *Bdev_block_t, s string) {
	if bdev_debug {
		fmt.Printf("bcache: relse %v (%s)\n", b.Block, s)
	}
	bc.Release(b)
}
