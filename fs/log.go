// Package fs's log.go implements the write-ahead log spec.md 4.G
// describes: group the disk writes of one or more concurrent filesystem
// syscalls into an atomic unit that either wholly survives or wholly
// vanishes across a crash. The teacher pack carries no log source to
// adapt (biscuit/biscuit/src/fs only shipped blk.go and super.go);
// original_source/kernel/log.c is the behavioral reference, gated here by
// golang.org/x/sync/semaphore.Weighted instead of log.c's hand-rolled
// condition-variable retry loop — begin_op's "would the worst-case
// footprint exceed LOGSIZE" check becomes acquiring a semaphore of that
// exact size, weighted by MAX_OP_BLOCKS per outstanding operation.
package fs

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Log_t is the in-memory log header plus the admission-control semaphore
// and the disk location of the on-disk log region.
type Log_t struct {
	mu sync.Mutex

	start int // first block of the on-disk log region
	size  int // LOGSIZE, blocks available for the log

	n           int   // number of absorbed blocks in this transaction
	blocknos    [LOGSIZE]int
	committing  bool
	outstanding int

	admission *semaphore.Weighted

	bc *Bcache_t
}

// MkLog builds a log fronting the on-disk region [start, start+size) of
// bc's disk, and replays any transaction left committed-but-not-installed
// by a prior crash.
func MkLog(bc *Bcache_t, start, size int) *Log_t {
	l := &Log_t{
		start:     start,
		size:      size,
		admission: semaphore.NewWeighted(int64(size)),
		bc:        bc,
	}
	l.recover()
	return l
}

func (l *Log_t) headerBlock() int {
	return l.start
}

func (l *Log_t) dataBlock(slot int) int {
	return l.start + 1 + slot
}

// recover implements spec.md 4.G's "at boot, the log is replayed: read
// header, install any records, write empty header. Idempotent."
func (l *Log_t) recover() {
	hdr := l.bc.Read(l.headerBlock())
	n := fieldr(hdr.Data, 0)
	blocknos := make([]int, n)
	for i := 0; i < n; i++ {
		blocknos[i] = fieldr(hdr.Data, 1+i)
	}
	l.bc.Release(hdr)

	for i, bno := range blocknos {
		src := l.bc.Read(l.dataBlock(i))
		dst := l.bc.Acquire(bno)
		*dst.Data = *src.Data
		dst.Valid = true
		l.bc.Write(dst)
		l.bc.Release(dst)
		l.bc.Release(src)
	}
	l.writeHeader(0, nil)
}

// Begin_op implements spec.md 4.G's begin_op: block while either a commit
// is in flight or admitting one more operation's worst-case footprint
// would overflow the log, then record the new operation as outstanding.
// The semaphore's weight *is* that worst-case-footprint gate: at most
// size/MAX_OP_BLOCKS operations (each capable of touching MAX_OP_BLOCKS
// distinct blocks) may be outstanding at once, which is exactly
// spec.md's "(outstanding+1)*MAX_OP_BLOCKS + log.n <= LOGSIZE" check
// evaluated once per operation instead of once per log_write.
func (l *Log_t) Begin_op() {
	if err := l.admission.Acquire(context.Background(), MAX_OP_BLOCKS); err != nil {
		panic("log admission: " + err.Error())
	}
	l.mu.Lock()
	for l.committing {
		l.mu.Unlock()
		runtime.Gosched()
		l.mu.Lock()
	}
	l.outstanding++
	l.mu.Unlock()
}

// Log_write implements spec.md 4.G's log absorption: record b's block
// number in the in-memory header (if not already present) and pin it so
// the block cache cannot evict it before commit installs it.
func (l *Log_t) Log_write(b *Bdev_block_t) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < l.n; i++ {
		if l.blocknos[i] == b.Block {
			return // absorbed
		}
	}
	if l.n >= l.size-1 {
		panic("log: transaction too big")
	}
	l.blocknos[l.n] = b.Block
	l.n++
	l.bc.Pin(b)
}

// End_op implements spec.md 4.G's end_op: decrement outstanding, and once
// it reaches zero, commit the transaction and release back to admission
// exactly what was acquired for every operation folded into it.
func (l *Log_t) End_op() {
	l.mu.Lock()
	l.outstanding--
	last := l.outstanding == 0
	if last {
		l.committing = true
	}
	l.mu.Unlock()

	if last {
		l.commit()
		l.mu.Lock()
		l.committing = false
		l.mu.Unlock()
	}
	l.admission.Release(MAX_OP_BLOCKS)
}

// commit implements spec.md 4.G's commit(): copy pinned buffers into the
// log region, write the header (the linearization point), install the
// blocks to their home locations, then truncate the log.
func (l *Log_t) commit() {
	l.mu.Lock()
	n := l.n
	blocknos := make([]int, n)
	copy(blocknos, l.blocknos[:n])
	l.mu.Unlock()

	if n == 0 {
		return
	}

	for i, bno := range blocknos {
		src := l.bc.Acquire(bno)
		dst := l.bc.Read(l.dataBlock(i))
		*dst.Data = *src.Data
		l.bc.Write(dst)
		l.bc.Release(dst)
		l.bc.Release(src)
	}

	l.writeHeader(n, blocknos)

	for i, bno := range blocknos {
		src := l.bc.Read(l.dataBlock(i))
		dst := l.bc.Acquire(bno)
		*dst.Data = *src.Data
		dst.Valid = true
		l.bc.Write(dst)
		l.bc.Unpin(dst)
		l.bc.Release(dst)
		l.bc.Release(src)
	}

	l.mu.Lock()
	l.n = 0
	l.mu.Unlock()
	l.writeHeader(0, nil)
}

func (l *Log_t) writeHeader(n int, blocknos []int) {
	hdr := l.bc.Acquire(l.headerBlock())
	fieldw(hdr.Data, 0, n)
	for i := 0; i < n; i++ {
		fieldw(hdr.Data, 1+i, blocknos[i])
	}
	l.bc.Write(hdr)
	l.bc.Release(hdr)
}

// Op_t brackets a single filesystem operation's transaction, mirroring
// the begin_op/end_op pairing every syscall that touches persistent state
// must use (spec.md 4.G's contract). Deferred Done() makes the pairing
// impossible to forget in caller code.
type Op_t struct {
	log *Log_t
}

func (l *Log_t) Op() Op_t {
	l.Begin_op()
	return Op_t{log: l}
}

func (o Op_t) Done() {
	o.log.End_op()
}
