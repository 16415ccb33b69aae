package vm

import (
	"sort"

	"nanokern/defs"
	"nanokern/fdops"
	"nanokern/mem"
)

// mtype_t names what backs a virtual memory region.
type mtype_t uint

const (
	// VANON is a private anonymous mapping: pages are copy-on-write from
	// the shared zero page until first written, then privately owned.
	VANON mtype_t = iota
	// VFILE is a mapping backed by an open file's pages, private or
	// shared depending on file.shared.
	VFILE
	// VSANON is a shared anonymous mapping (e.g. the region two forked
	// processes both mmap MAP_SHARED|MAP_ANON into) — always mapped, never
	// faulted lazily.
	VSANON
)

// Mfile_t is the file-backing state for a VFILE region, shared by every
// Vminfo_t that maps the same underlying file so closing one mapping
// doesn't disturb another's refcount.
type Mfile_t struct {
	mfops    fdops.Fdops_i
	unpin    mem.Unpin_i
	mapcount int
}

// Vminfo_t describes one contiguous virtual memory region: the set of
// page numbers [Pgn, Pgn+Pglen) it covers, what backs it, and the
// permissions pages in it are faulted in with.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint

	file struct {
		foff   int
		mfile  *Mfile_t
		shared bool
	}
}

// Ptefor returns the leaf PTE for virtual address va within this region,
// allocating intermediate page-table levels as needed.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	perms := mem.Pa_t(PTE_U)
	if vmi.Perms&uint(PTE_W) != 0 {
		perms |= PTE_W
	}
	pte, err := pmap_walk(pmap, int(va), perms|PTE_P)
	return pte, err == 0
}

// Filepage returns the backing page for faultaddr within a VFILE region,
// reading it through the region's file operations.
func (vmi *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if vmi.Mtype != VFILE {
		panic("not a file region")
	}
	pgn := (faultaddr >> PGSHIFT) - vmi.Pgn
	off := vmi.file.foff + int(pgn)*mem.PGSIZE
	if _, err := vmi.file.mfile.mfops.Lseek(off, defs.SEEK_SET); err != 0 {
		return nil, 0, err
	}

	pg, p_pg, ok := mem.Physmem.Refpg_new_nozero(0)
	if !ok {
		return nil, 0, -defs.ENOMEM
	}
	buf := mem.Pg2bytes(pg)
	ub := &Fakeubuf_t{}
	ub.Fake_init(buf[:])
	if _, err := vmi.file.mfile.mfops.Read(ub); err != 0 {
		mem.Physmem.Refdown(0, p_pg)
		return nil, 0, err
	}
	return pg, p_pg, 0
}

// Vmregion_t is the ordered set of non-overlapping Vminfo_t regions
// making up one address space's user mappings, kept sorted by starting
// page number so Lookup can binary search it.
type Vmregion_t struct {
	regions []*Vminfo_t
}

// insert adds vmi to the region set, keeping it sorted by Pgn. Callers
// hold the owning Vm_t's lock.
func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn >= vmi.Pgn
	})
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
	if vmi.Mtype == VFILE && vmi.file.mfile != nil {
		vmi.file.mfile.mapcount++
	}
}

// Lookup returns the region covering virtual address va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn+uintptr(vr.regions[i].Pglen) > pgn
	})
	if i == len(vr.regions) || vr.regions[i].Pgn > pgn {
		return nil, false
	}
	return vr.regions[i], true
}

// empty finds a gap of at least length len at or after startva, returning
// its start and the size of the gap found (which may exceed len).
func (vr *Vmregion_t) empty(startva, length uintptr) (uintptr, uintptr) {
	startpgn := startva >> PGSHIFT
	lenpgn := uintptr((int(length) + mem.PGSIZE - 1) / mem.PGSIZE)
	cur := startpgn
	for _, r := range vr.regions {
		if r.Pgn < cur+lenpgn {
			if r.Pgn+uintptr(r.Pglen) > cur {
				cur = r.Pgn + uintptr(r.Pglen)
			}
			continue
		}
		break
	}
	return cur << PGSHIFT, lenpgn << PGSHIFT
}

// Clear drops every region, releasing the last reference any VFILE region
// held on its backing file's Fdops_i.
func (vr *Vmregion_t) Clear() {
	for _, r := range vr.regions {
		if r.Mtype == VFILE && r.file.mfile != nil {
			r.file.mfile.mapcount--
			if r.file.mfile.mapcount == 0 {
				r.file.mfile.mfops.Close()
			}
		}
	}
	vr.regions = nil
}
