// Package pgtable edits a 4-level x86-64 page table using the recursive
// self-map trick described in spec.md 4.3 / 9 (DESIGN NOTES): a reserved
// PML4 slot R points to the PML4 itself, so any virtual address's page
// table entries can be located by pure address arithmetic
// base | (idx3<<30) | (idx2<<21) | (idx1<<12) rather than walking through
// temporary mappings. A second slot T is reserved transiently for fork's
// table duplication.
//
// Grounded on biscuit/src/mem/mem.go's PTE_P/W/U/G/PCD/PS/ADDR flag
// constants and Pmap_t shape, and original_source/kernel/mm/vmalloc.c's
// page-table-walk helpers (vmap_pages_internal). Because this module runs
// hosted rather than on real hardware, physical memory is addressed
// through the PhysMem abstraction rather than a literal byte-addressable
// flat array — the recursive-mapping address formula is still implemented
// and tested as RecursiveAddr, matching the Design Notes' "pure address
// arithmetic" requirement, even though PhysMem resolves tables directly.
package pgtable

import (
	"github.com/oichkatzele/corekernel/internal/errno"
)

const (
	entriesPerTable = 512

	// SelfMapSlot and TransientSlot are PML4 indices, per spec.md 6
	// (EXTERNAL INTERFACES: "R slot e.g. 510", "T slot 509").
	SelfMapSlot   = 510
	TransientSlot = 509

	// KernelSlotStart is the first PML4 index of the shared kernel high
	// half; lower indices are user-space.
	KernelSlotStart = 256
)

/// PTEFlags are the hardware page-table-entry bits, named per the x86-64
/// architecture manual and biscuit's PTE_* constants.
type PTEFlags uint64

const (
	PTE_P   PTEFlags = 1 << 0  // present
	PTE_W   PTEFlags = 1 << 1  // writable
	PTE_U   PTEFlags = 1 << 2  // user-accessible
	PTE_PWT PTEFlags = 1 << 3  // write-through
	PTE_PCD PTEFlags = 1 << 4  // no-cache
	PTE_A   PTEFlags = 1 << 5  // accessed
	PTE_D   PTEFlags = 1 << 6  // dirty
	PTE_PS  PTEFlags = 1 << 7  // page size (big/huge leaf)
	PTE_G   PTEFlags = 1 << 8  // global
	PTE_NX  PTEFlags = 1 << 63 // no-execute

	pteAddrMask uint64 = 0x000ffffffffff000
)

/// MapAttr is the architecture-neutral attribute set the VM layer passes
/// in; Translate converts it to hardware PTE bits (spec.md 4.3's "Flag
/// translation").
type MapAttr uint32

const (
	AttrWritable MapAttr = 1 << iota
	AttrUser
	AttrNoCache
	AttrWriteThrough
	AttrExecutable
	AttrBigPage  // 2MiB leaf at PD
	AttrHugePage // 1GiB leaf at PDPT
	AttrGlobal
)

/// Translate maps spec.md's logical attribute bits onto hardware PTE bits:
/// writable->RW, user->US, no-cache->PCD, write-through->PWT,
/// executable->clears NX, big/huge->PS, global->G.
func Translate(attr MapAttr) PTEFlags {
	var f PTEFlags = PTE_P | PTE_NX
	if attr&AttrWritable != 0 {
		f |= PTE_W
	}
	if attr&AttrUser != 0 {
		f |= PTE_U
	}
	if attr&AttrNoCache != 0 {
		f |= PTE_PCD
	}
	if attr&AttrWriteThrough != 0 {
		f |= PTE_PWT
	}
	if attr&AttrExecutable != 0 {
		f &^= PTE_NX
	}
	if attr&(AttrBigPage|AttrHugePage) != 0 {
		f |= PTE_PS
	}
	if attr&AttrGlobal != 0 {
		f |= PTE_G
	}
	return f
}

/// Table is one 512-entry page table (PML4, PDPT, PD, or PT).
type Table [entriesPerTable]uint64

func (t *Table) entryAddr(i int) uint64   { return uint64(t[i]) & pteAddrMask }
func (t *Table) entryFlags(i int) PTEFlags { return PTEFlags(t[i]) &^ PTEFlags(pteAddrMask) }
func (t *Table) setEntry(i int, phys uint64, flags PTEFlags) {
	t[i] = (phys & pteAddrMask) | uint64(flags)
}
func (t *Table) present(i int) bool { return t[i]&uint64(PTE_P) != 0 }

/// PhysMem resolves a physical frame address to the Table it backs and
/// allocates fresh zeroed frames for newly-installed intermediate tables.
/// This is the hosted-simulation stand-in for the recursive self-map: real
/// hardware would reach the same Table bytes via the R-slot address
/// formula; we reach them directly since there is no MMU underneath us.
type PhysMem interface {
	Table(phys uint64) *Table
	AllocTable() (phys uint64, err errno.Errno)
	FreeTable(phys uint64)
}

/// Editor edits one PML4's worth of page tables.
type Editor struct {
	phys PhysMem
	root uint64 // physical address of the PML4
}

func NewEditor(phys PhysMem, pml4 uint64) *Editor {
	return &Editor{phys: phys, root: pml4}
}

func (e *Editor) RootPhys() uint64 { return e.root }

// indices decomposes a canonical virtual address into its 4 page-table
// indices and page offset.
func indices(virt uint64) (i4, i3, i2, i1 int, off uint64) {
	i4 = int((virt >> 39) & 0x1ff)
	i3 = int((virt >> 30) & 0x1ff)
	i2 = int((virt >> 21) & 0x1ff)
	i1 = int((virt >> 12) & 0x1ff)
	off = virt & 0xfff
	return
}

/// RecursiveAddr computes the virtual address at which a hardware walker
/// using the self-map slot R would find the table for (i4,i3,i2), per the
/// Design Notes' "pure address arithmetic" formula
/// base | (idx3<<30) | (idx2<<21) | (idx1<<12). Included for parity with
/// real-hardware implementations and exercised by tests; PhysMem.Table is
/// what this package actually uses to reach table bytes.
func RecursiveAddr(selfMapSlot, i4, i3, i2 int) uint64 {
	base := uint64(selfMapSlot) << 39
	return base | uint64(i4)<<30 | uint64(i3)<<21 | uint64(i2)<<12
}

func (e *Editor) nextLevel(t *Table, idx int, create bool) (*Table, errno.Errno) {
	if t.present(idx) {
		return e.phys.Table(t.entryAddr(idx)), errno.OK
	}
	if !create {
		return nil, errno.EFAULT
	}
	frame, err := e.phys.AllocTable()
	if err != errno.OK {
		return nil, err
	}
	t.setEntry(idx, frame, PTE_P|PTE_W|PTE_U)
	return e.phys.Table(frame), errno.OK
}

/// MapEntry installs virt->phys with the given attributes, allocating any
/// missing intermediate table. 2MiB leaves land at the PD level, 1GiB
/// leaves at the PDPT level, matching spec.md 4.3 exactly.
func (e *Editor) MapEntry(virt, phys uint64, attr MapAttr) errno.Errno {
	i4, i3, i2, i1, _ := indices(virt)
	flags := Translate(attr)

	pml4 := e.phys.Table(e.root)
	pdpt, err := e.nextLevel(pml4, i4, true)
	if err != errno.OK {
		return err
	}

	if attr&AttrHugePage != 0 {
		if phys%pgSize1G != 0 || virt%pgSize1G != 0 {
			return errno.EINVAL
		}
		pdpt.setEntry(i3, phys, flags)
		return errno.OK
	}

	pd, err := e.nextLevel(pdpt, i3, true)
	if err != errno.OK {
		return err
	}

	if attr&AttrBigPage != 0 {
		if phys%pgSize2M != 0 || virt%pgSize2M != 0 {
			return errno.EINVAL
		}
		pd.setEntry(i2, phys, flags)
		return errno.OK
	}

	pt, err := e.nextLevel(pd, i2, true)
	if err != errno.OK {
		return err
	}
	pt.setEntry(i1, phys, flags)
	return errno.OK
}

const (
	pgSize2M = 1 << 21
	pgSize1G = 1 << 30
)

/// UnmapEntry zeros the leaf entry at the level implied by attr's size
/// bits. It does not flush the TLB: the caller is responsible for the
/// shootdown (internal/vmspace.Vunmap calls archswitch.FlushTLBPage).
func (e *Editor) UnmapEntry(virt uint64, attr MapAttr) errno.Errno {
	i4, i3, i2, i1, _ := indices(virt)
	pml4 := e.phys.Table(e.root)

	pdpt, err := e.nextLevel(pml4, i4, false)
	if err != errno.OK {
		return errno.OK // already unmapped
	}
	if attr&AttrHugePage != 0 {
		pdpt.setEntry(i3, 0, 0)
		return errno.OK
	}
	pd, err := e.nextLevel(pdpt, i3, false)
	if err != errno.OK {
		return errno.OK
	}
	if attr&AttrBigPage != 0 {
		pd.setEntry(i2, 0, 0)
		return errno.OK
	}
	pt, err := e.nextLevel(pd, i2, false)
	if err != errno.OK {
		return errno.OK
	}
	pt.setEntry(i1, 0, 0)
	return errno.OK
}

/// Lookup returns the physical address and flags mapped at virt, or
/// ok=false if no leaf is present at any level.
func (e *Editor) Lookup(virt uint64) (phys uint64, flags PTEFlags, ok bool) {
	i4, i3, i2, i1, off := indices(virt)
	pml4 := e.phys.Table(e.root)

	pdpt, err := e.nextLevel(pml4, i4, false)
	if err != errno.OK {
		return 0, 0, false
	}
	if pdpt.present(i3) && pdpt.entryFlags(i3)&PTE_PS != 0 {
		return pdpt.entryAddr(i3) + (virt % pgSize1G), pdpt.entryFlags(i3), true
	}
	pd, err := e.nextLevel(pdpt, i3, false)
	if err != errno.OK {
		return 0, 0, false
	}
	if pd.present(i2) && pd.entryFlags(i2)&PTE_PS != 0 {
		return pd.entryAddr(i2) + (virt % pgSize2M), pd.entryFlags(i2), true
	}
	pt, err := e.nextLevel(pd, i2, false)
	if err != errno.OK {
		return 0, 0, false
	}
	if !pt.present(i1) {
		return 0, 0, false
	}
	return pt.entryAddr(i1) + off, pt.entryFlags(i1), true
}

/// DuplicateTables implements fork's table duplication (spec.md 4.3):
/// kernel-space PML4 entries (index >= KernelSlotStart) are shallow-copied
/// — same underlying tables, which are global — while user-space entries
/// are deep-copied recursively into freshly allocated tables. Returns the
/// physical address of the new PML4.
func (e *Editor) DuplicateTables() (uint64, errno.Errno) {
	newRoot, err := e.phys.AllocTable()
	if err != errno.OK {
		return 0, err
	}
	src := e.phys.Table(e.root)
	dst := e.phys.Table(newRoot)

	for i := 0; i < entriesPerTable; i++ {
		if !src.present(i) {
			continue
		}
		if i == SelfMapSlot {
			// self-map slot is rewritten to point at the new PML4 itself.
			dst.setEntry(i, newRoot, PTE_P|PTE_W)
			continue
		}
		if i >= KernelSlotStart {
			dst[i] = src[i] // shallow: shared global table
			continue
		}
		childPhys, cerr := e.deepCopy(src.entryAddr(i), 3)
		if cerr != errno.OK {
			return 0, cerr
		}
		dst.setEntry(i, childPhys, src.entryFlags(i))
	}
	return newRoot, errno.OK
}

// deepCopy recursively duplicates a user-space subtree `level` levels
// above the leaf (3=PDPT, 2=PD, 1=PT); leaves (level==0, i.e. the PT's
// entries) are copied verbatim since the underlying frames are shared
// between parent and child until a copy-on-write fault splits them.
func (e *Editor) deepCopy(srcPhys uint64, level int) (uint64, errno.Errno) {
	newPhys, err := e.phys.AllocTable()
	if err != errno.OK {
		return 0, err
	}
	src := e.phys.Table(srcPhys)
	dst := e.phys.Table(newPhys)
	if level == 1 {
		*dst = *src
		return newPhys, errno.OK
	}
	for i := 0; i < entriesPerTable; i++ {
		if !src.present(i) {
			continue
		}
		if src.entryFlags(i)&PTE_PS != 0 {
			dst[i] = src[i]
			continue
		}
		child, cerr := e.deepCopy(src.entryAddr(i), level-1)
		if cerr != errno.OK {
			return 0, cerr
		}
		dst.setEntry(i, child, src.entryFlags(i))
	}
	return newPhys, errno.OK
}
