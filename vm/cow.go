package vm

import (
	"nanokern/defs"
	"nanokern/mem"
)

// Copy duplicates as into a freshly allocated address space for use by
// fork: every VANON/VFILE-private mapping's Vminfo_t is copied into the
// child unchanged, and every already-present leaf PTE in the parent is
// remapped read-only-and-COW in both the parent and the child, sharing the
// same physical frame until one side writes to it and takes a COW fault.
// VSANON and shared VFILE regions are mapped directly into the child
// instead, since those are meant to stay shared rather than diverge.
func (as *Vm_t) Copy() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	child, ok := As_new()
	if !ok {
		return nil, -defs.ENOMEM
	}

	for _, vmi := range as.Vmregion.regions {
		nvmi := &Vminfo_t{
			Mtype: vmi.Mtype,
			Pgn:   vmi.Pgn,
			Pglen: vmi.Pglen,
			Perms: vmi.Perms,
		}
		nvmi.file = vmi.file
		child.Vmregion.insert(nvmi)

		shared := vmi.Mtype == VSANON || (vmi.Mtype == VFILE && vmi.file.shared)
		for pgn := vmi.Pgn; pgn < vmi.Pgn+uintptr(vmi.Pglen); pgn++ {
			va := int(pgn << PGSHIFT)
			pte := Pmap_lookup(as.Pmap, va)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			frame := *pte & PTE_ADDR
			var perms mem.Pa_t
			if shared {
				perms = *pte &^ PTE_ADDR
			} else {
				perms = (*pte &^ (PTE_W | PTE_D | PTE_ADDR)) | PTE_COW
				*pte = frame | perms
			}
			// Page_insert bumps frame's refcount for the new mapping it
			// creates; the parent's existing reference is untouched.
			child.Page_insert(va, frame, perms, true, nil)
		}
	}
	as.Tlbshoot(0, 1)
	return child, 0
}
