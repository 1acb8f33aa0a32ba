package pgtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/corekernel/internal/errno"
)

// memPhys is a trivial PhysMem backed by a Go map, standing in for the
// byte-addressable physical memory a real kernel would have.
type memPhys struct {
	tables map[uint64]*Table
	next   uint64
}

func newMemPhys() *memPhys {
	return &memPhys{tables: map[uint64]*Table{}, next: 0x100000}
}

func (m *memPhys) Table(phys uint64) *Table {
	t, ok := m.tables[phys]
	if !ok {
		t = &Table{}
		m.tables[phys] = t
	}
	return t
}

func (m *memPhys) AllocTable() (uint64, errno.Errno) {
	addr := m.next
	m.next += 0x1000
	m.tables[addr] = &Table{}
	return addr, errno.OK
}

func (m *memPhys) FreeTable(phys uint64) { delete(m.tables, phys) }

func newEditor() (*Editor, *memPhys) {
	mp := newMemPhys()
	root, _ := mp.AllocTable()
	return NewEditor(mp, root), mp
}

func TestMapAndLookup(t *testing.T) {
	e, _ := newEditor()
	virt := uint64(0x0000_7f00_0000_0000)
	phys := uint64(0x20_0000)

	require.Equal(t, errno.OK, e.MapEntry(virt, phys, AttrWritable))

	got, flags, ok := e.Lookup(virt)
	require.True(t, ok)
	require.Equal(t, phys, got)
	require.True(t, flags&PTE_P != 0)
	require.True(t, flags&PTE_W != 0)
}

func TestUnmap(t *testing.T) {
	e, _ := newEditor()
	virt := uint64(0x1000)
	require.Equal(t, errno.OK, e.MapEntry(virt, 0x5000, AttrWritable))
	require.Equal(t, errno.OK, e.UnmapEntry(virt, 0))

	_, _, ok := e.Lookup(virt)
	require.False(t, ok)
}

func TestBigPageMapping(t *testing.T) {
	e, _ := newEditor()
	virt := uint64(2 * 1024 * 1024) // 2MiB aligned
	phys := uint64(4 * 1024 * 1024)

	require.Equal(t, errno.OK, e.MapEntry(virt, phys, AttrWritable|AttrBigPage))
	got, flags, ok := e.Lookup(virt + 100)
	require.True(t, ok)
	require.Equal(t, phys+100, got)
	require.True(t, flags&PTE_PS != 0)
}

func TestMisalignedBigPageRejected(t *testing.T) {
	e, _ := newEditor()
	require.Equal(t, errno.EINVAL, e.MapEntry(4096, 4096, AttrBigPage))
}

func TestDuplicateTablesSharesKernelDeepCopiesUser(t *testing.T) {
	e, mp := newEditor()

	userVirt := uint64(0x1000)
	require.Equal(t, errno.OK, e.MapEntry(userVirt, 0x9000, AttrWritable|AttrUser))

	kernelVirt := uint64(uint64(KernelSlotStart) << 39)
	require.Equal(t, errno.OK, e.MapEntry(kernelVirt, 0xa000, AttrWritable))

	newRoot, err := e.DuplicateTables()
	require.Equal(t, errno.OK, err)
	require.NotEqual(t, e.root, newRoot)

	child := NewEditor(mp, newRoot)

	// user mapping must exist in the child via a distinct (deep-copied)
	// table chain, still resolving to the same frame.
	got, _, ok := child.Lookup(userVirt)
	require.True(t, ok)
	require.Equal(t, uint64(0x9000), got)

	// kernel mapping must be visible too (shared table).
	kgot, _, kok := child.Lookup(kernelVirt)
	require.True(t, kok)
	require.Equal(t, uint64(0xa000), kgot)
}

func TestRecursiveAddrFormula(t *testing.T) {
	addr := RecursiveAddr(SelfMapSlot, 1, 2, 3)
	require.Equal(t, uint64(SelfMapSlot)<<39|uint64(1)<<30|uint64(2)<<21|uint64(3)<<12, addr)
}
