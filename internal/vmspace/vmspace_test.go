package vmspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/corekernel/internal/errno"
	"github.com/oichkatzele/corekernel/internal/interval"
	"github.com/oichkatzele/corekernel/internal/pgtable"
	"github.com/oichkatzele/corekernel/internal/pmem"
)

type memPhys struct {
	tables map[uint64]*pgtable.Table
	next   uint64
}

func newMemPhys() *memPhys {
	return &memPhys{tables: map[uint64]*pgtable.Table{}, next: 0x100000}
}

func (m *memPhys) Table(phys uint64) *pgtable.Table {
	t, ok := m.tables[phys]
	if !ok {
		t = &pgtable.Table{}
		m.tables[phys] = t
	}
	return t
}

func (m *memPhys) AllocTable() (uint64, errno.Errno) {
	addr := m.next
	m.next += 0x1000
	m.tables[addr] = &pgtable.Table{}
	return addr, errno.OK
}

func (m *memPhys) FreeTable(phys uint64) { delete(m.tables, phys) }

func newTestSpace() *AddressSpace {
	mp := newMemPhys()
	root, _ := mp.AllocTable()
	editor := pgtable.NewEditor(mp, root)
	frames := pmem.NewAllocator([]pmem.BootMemEntry{
		{Usable: true, Base: 16 << 20, Size: 4096 * pmem.PageSize4K},
	})
	return New(editor, frames, 0, ^uint64(0), 0x0000_1000_0000_0000, 0xffff_8000_0000_0000, 0xffff_c000_0000_0000)
}

func TestVmapReserveNoOverlap(t *testing.T) {
	as := newTestSpace()
	require.Equal(t, errno.OK, as.VmapReserve(0x1000, 0x1000, "code"))
	require.Equal(t, errno.EADDRINUSE, as.VmapReserve(0x1000, 0x1000, "dup"))
}

func TestVmapPagesAndUnmap(t *testing.T) {
	as := newTestSpace()
	frames, err := as.frames.AllocPages(3, pmem.Writable)
	require.Equal(t, errno.OK, err)

	addr, verr := as.VmapPages(frames, 0, false, pgtable.AttrWritable, "test")
	require.Equal(t, errno.OK, verr)
	require.NotZero(t, addr)

	got, _, ok := as.editor.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, frames.Addr, got)

	require.Equal(t, errno.OK, as.Vunmap(addr, 3*pmem.PageSize4K))
	_, _, ok2 := as.editor.Lookup(addr)
	require.False(t, ok2)
}

func TestVmapAnonLazyFault(t *testing.T) {
	as := newTestSpace()
	addr, err := as.VmapAnon(2*pmem.PageSize4K, pgtable.AttrWritable, "anon")
	require.Equal(t, errno.OK, err)

	_, _, ok := as.editor.Lookup(addr)
	require.False(t, ok, "anon mapping must not be backed until faulted")

	ferr := as.PageFault(addr+10, true, FaultUserMode, 0, nil)
	require.Equal(t, errno.OK, ferr)

	_, _, ok2 := as.editor.Lookup(addr)
	require.True(t, ok2, "fault must install the leaf entry")
}

func TestPageFaultOutsideAnyMappingIsEFAULT(t *testing.T) {
	as := newTestSpace()
	err := as.PageFault(0xdead0000, false, FaultUserMode, 0, nil)
	require.Equal(t, errno.EFAULT, err)
}

func TestVmapMMIOMarksMapping(t *testing.T) {
	as := newTestSpace()
	addr, err := as.VmapMMIO(0xfed00000, pmem.PageSize4K, pgtable.AttrWritable, "hpet")
	require.Equal(t, errno.OK, err)
	n := as.tree.FindExact(interval.Interval{Start: addr, End: addr + pmem.PageSize4K})
	require.NotNil(t, n)
	require.True(t, n.Payload.(*Mapping).MMIO)
}
