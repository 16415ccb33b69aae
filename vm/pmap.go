package vm

import (
	"nanokern/defs"
	"nanokern/mem"
)

// PGSHIFT/PGOFFSET are vm-local aliases of the page-size constants every
// address-space computation in this package works in units of.
const PGSHIFT = mem.PGSHIFT
const PGOFFSET = mem.PGOFFSET

// Hardware PTE bits, aliased from mem so page-table code in this package
// can refer to them unqualified, the way the teacher's pmap code does.
const (
	PTE_P    = mem.PTE_P
	PTE_W    = mem.PTE_W
	PTE_U    = mem.PTE_U
	PTE_COW  = mem.PTE_COW
	PTE_ADDR = mem.PTE_ADDR
)

// Software-only PTE bits. None of these are interpreted by anything but
// this package's own fault handler — there is no hardware MMU walking
// these tables, so "software bit" here just means "bit this code assigns
// meaning to", same role they play in the teacher's pmap, minus the ones
// (PTE_G, global; PTE_PCD, cache-disable) that only mattered on real
// silicon.
const (
	PTE_A      mem.Pa_t = 1 << 6 // accessed
	PTE_D      mem.Pa_t = 1 << 7 // dirty
	PTE_PS     mem.Pa_t = 1 << 8 // "large page" — accepted in perms masks, never set
	PTE_PCD    mem.Pa_t = 1 << 10
	PTE_WASCOW mem.Pa_t = 1 << 11 // this page was COW-broken; kept writable
)

// vpn extracts the 9-bit index for level l (0 = lowest) of a 3-level
// 9+9+9+12 walk, matching spec.md's Sv39-shaped page table.
func vpn(va int, l uint) int {
	return (va >> (PGSHIFT + 9*l)) & 0x1ff
}

// pmap_walk returns a pointer to the leaf PTE mapping va, allocating
// intermediate levels as needed (allocated entries get perms, which should
// be at least PTE_P|PTE_U|PTE_W since intermediate levels must be at least
// as permissive as any leaf beneath them). It returns a non-nil error only
// when allocating an intermediate level fails.
func pmap_walk(pmap *mem.Pmap_t, va int, perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	cur := pmap
	for l := uint(2); l >= 1; l-- {
		idx := vpn(va, l)
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			next, p_next, ok := mem.Physmem.Pmap_new(0)
			if !ok {
				return nil, -defs.ENOMEM
			}
			*pte = p_next | perms | PTE_P
			cur = next
		} else {
			cur = mem.PmapAt(mem.Physmem.Dmap(*pte & PTE_ADDR))
		}
	}
	return &cur[vpn(va, 0)], 0
}

// Pmap_lookup returns the leaf PTE mapping va without allocating
// intermediate levels, or nil if any level along the walk is absent.
func Pmap_lookup(pmap *mem.Pmap_t, va int) *mem.Pa_t {
	cur := pmap
	for l := uint(2); l >= 1; l-- {
		idx := vpn(va, l)
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			return nil
		}
		cur = mem.PmapAt(mem.Physmem.Dmap(*pte & PTE_ADDR))
	}
	return &cur[vpn(va, 0)]
}

// Uvmfree_inner tears down every present user leaf mapping reachable from
// pmap, dropping the refcounts Page_insert took, then frees the
// intermediate page-table level pages themselves (but not pmap's own
// top-level page — the caller does that via Physmem.Refdown once it is
// safe to reclaim, since other code may still be walking it).
func Uvmfree_inner(pmap *mem.Pmap_t, p_pmap mem.Pa_t, vmr *Vmregion_t) {
	for l2 := 0; l2 < 512; l2++ {
		pte2 := pmap[l2]
		if pte2&PTE_P == 0 || pte2&PTE_U == 0 {
			continue
		}
		mid := mem.PmapAt(mem.Physmem.Dmap(pte2 & PTE_ADDR))
		for l1 := 0; l1 < 512; l1++ {
			pte1 := mid[l1]
			if pte1&PTE_P == 0 || pte1&PTE_U == 0 {
				continue
			}
			leaf := mem.PmapAt(mem.Physmem.Dmap(pte1 & PTE_ADDR))
			for l0 := 0; l0 < 512; l0++ {
				pte0 := leaf[l0]
				if pte0&PTE_P == 0 {
					continue
				}
				mem.Physmem.Refdown(0, pte0&PTE_ADDR)
			}
			mem.Physmem.Refdown(0, pte1&PTE_ADDR)
		}
		mem.Physmem.Refdown(0, pte2&PTE_ADDR)
	}
}
