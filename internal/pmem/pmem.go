// Package pmem is the zoned physical frame allocator (spec.md L2): four
// zones (Low<1MiB, DMA<16MiB, Normal<4GiB, High>=4GiB), a per-zone bitmap,
// and support for 4KiB/2MiB/1GiB frames plus fixed-address reservation.
//
// Grounded on original_source/kernel/mm/pmalloc.c: zone_alloc_order's
// High->Normal->DMA->Low fallback chain, init_mem_zones' merge-and-split of
// boot memory-map entries at zone boundaries, and alloc_pages_bitmap's
// early-boot bitmap bootstrap. Physical-page bookkeeping (the PageDesc
// shape) additionally cross-grounds on biscuit/src/mem/mem.go's Pa_t/Pg_t
// reference-counted page model, adapted to drop the non-portable
// runtime.Get_phys/CPUHint/MAXCPUS hooks biscuit's patched Go runtime
// supplies: this package takes an explicit BootMemoryMap instead.
package pmem

import (
	"sync"

	"github.com/oichkatzele/corekernel/internal/errno"
	"github.com/oichkatzele/corekernel/internal/klog"
	"github.com/oichkatzele/corekernel/internal/kmetrics"
	"github.com/oichkatzele/corekernel/internal/kutil"
)

const (
	PageSize4K = 1 << 12
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30
)

/// ZoneType names one of the four physical-memory zones.
type ZoneType int

const (
	ZoneLow ZoneType = iota
	ZoneDMA
	ZoneNormal
	ZoneHigh
	numZoneTypes
)

func (z ZoneType) String() string {
	switch z {
	case ZoneLow:
		return "Low"
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "Normal"
	case ZoneHigh:
		return "High"
	default:
		return "?"
	}
}

// zoneLimits is the exclusive upper bound of each zone's address range,
// matching pmalloc.c's zone_limits table.
var zoneLimits = [numZoneTypes]uint64{
	ZoneLow:    1 << 20,
	ZoneDMA:    16 << 20,
	ZoneNormal: 4 << 30,
	ZoneHigh:   ^uint64(0),
}

// zoneAllocOrder is the fallback chain once the preferred zone is
// exhausted: High->Normal->DMA->Low, then out of zones.
var zoneAllocOrder = [numZoneTypes]ZoneType{
	ZoneHigh:   ZoneNormal,
	ZoneNormal: ZoneDMA,
	ZoneDMA:    ZoneLow,
	ZoneLow:    numZoneTypes,
}

func zoneTypeOf(addr uint64) ZoneType {
	for z := ZoneLow; z < numZoneTypes; z++ {
		if addr < zoneLimits[z] {
			return z
		}
	}
	return ZoneHigh
}

/// PageFlags selects the requested frame attributes and size class.
type PageFlags uint32

const (
	Writable PageFlags = 1 << iota
	User
	NoCache
	WriteThrough
	Executable
	BigPage  // 2MiB
	HugePage // 1GiB
	Global
	Force // bypass zone-boundary accounting, for MMIO reservations
)

/// PageDesc is the per-allocation runtime record (spec.md DATA MODEL):
/// physical base, flags, owning zone, and an intrusive next-pointer for
/// multi-page allocations.
type PageDesc struct {
	Addr  uint64
	Flags PageFlags
	Zone  *Zone
	Next  *PageDesc
}

/// Zone is a contiguous class of physical frames with its own allocation
/// bitmap and spinlock (here a sync.Mutex stands in for the spinlock: the
/// zone lock is only ever held for the short bitmap-scan critical section
/// spec.md describes, never across a blocking operation).
type Zone struct {
	Type ZoneType
	Base uint64
	Size uint64

	mu     sync.Mutex
	bitmap []uint64 // one bit per 4KiB frame; bit i => base+i*4KiB allocated
	free   int
	total  int

	occupancy *kmetrics.Gauge
}

func newZone(typ ZoneType, base, size uint64) *Zone {
	// a boot memory-map entry need not be frame-aligned; trailing partial
	// frames are dropped rather than allocated out.
	total := int(kutil.Rounddown(size, PageSize4K) / PageSize4K)
	words := (total + 63) / 64
	return &Zone{
		Type:   typ,
		Base:   base,
		Size:   size,
		bitmap: make([]uint64, words),
		free:   total,
		total:  total,
	}
}

func (z *Zone) bitSet(i int) bool  { return z.bitmap[i/64]&(1<<uint(i%64)) != 0 }
func (z *Zone) setBit(i int)       { z.bitmap[i/64] |= 1 << uint(i%64) }
func (z *Zone) clearBit(i int)     { z.bitmap[i/64] &^= 1 << uint(i%64) }

// findFree locates `n` consecutive clear bits aligned to `alignFrames`
// frames, or -1. Mirrors bitmap_get_set_nfree's linear scan.
func (z *Zone) findFree(n, alignFrames int) int {
	if alignFrames < 1 {
		alignFrames = 1
	}
	for start := 0; start+n <= z.total; start += alignFrames {
		ok := true
		for i := start; i < start+n; i++ {
			if z.bitSet(i) {
				ok = false
				break
			}
		}
		if ok {
			return start
		}
	}
	return -1
}

func (z *Zone) markRange(start, n int) {
	for i := start; i < start+n; i++ {
		z.setBit(i)
	}
	z.free -= n
}

func (z *Zone) clearRange(start, n int) {
	for i := start; i < start+n; i++ {
		z.clearBit(i)
	}
	z.free += n
}

func (z *Zone) rangeFree(start, n int) bool {
	for i := start; i < start+n; i++ {
		if z.bitSet(i) {
			return false
		}
	}
	return true
}

/// BootMemEntry mirrors one entry of the boot-provided memory map
/// (spec.md EXTERNAL INTERFACES): a physically-addressed usable/reserved
/// range. Only Usable entries seed zones; everything else is skipped, to
/// be reserved explicitly by the caller if it backs a mapping (e.g. MMIO).
type BootMemEntry struct {
	Usable bool
	Base   uint64
	Size   uint64
}

/// Allocator is the zoned frame allocator. One instance exists per boot
/// (there is exactly one physical address space).
type Allocator struct {
	mu    sync.Mutex
	zones [numZoneTypes][]*Zone

	reservedCounter *kmetrics.Counter
}

var log = klog.For("pmem")

/// NewAllocator builds the zone set from a boot memory map, merging
/// adjacent usable entries per zone and splitting any entry that straddles
/// a zone boundary (pmalloc.c's init_mem_zones, followed exactly: the
/// straddling entry is shrunk to the boundary and a second zone absorbs the
/// tail).
func NewAllocator(memMap []BootMemEntry) *Allocator {
	a := &Allocator{}
	for _, e := range memMap {
		if !e.Usable || e.Size == 0 {
			continue
		}
		base, size := e.Base, e.Size
		typ := zoneTypeOf(base)
		endType := zoneTypeOf(base + size - 1)
		if typ != endType {
			// entry straddles exactly one zone boundary (pmalloc.c asserts
			// end_type - type == 1; we clamp rather than assert since a
			// hosted boot map is caller-supplied, not firmware-supplied).
			boundary := zoneLimits[typ]
			tailBase := boundary
			tailSize := base + size - tailBase
			a.addZone(endType, tailBase, tailSize)
			size = boundary - base
		}
		a.addZone(typ, base, size)
	}
	log.WithField("zones", a.summary()).Info("physical memory zones initialized")
	return a
}

func (a *Allocator) addZone(typ ZoneType, base, size uint64) {
	if size == 0 {
		return
	}
	z := newZone(typ, base, size)
	a.zones[typ] = append(a.zones[typ], z)
}

func (a *Allocator) summary() map[string]int {
	out := map[string]int{}
	for t := ZoneLow; t < numZoneTypes; t++ {
		total := 0
		for _, z := range a.zones[t] {
			total += z.total
		}
		out[t.String()] = total
	}
	return out
}

func (a *Allocator) zoneContaining(addr uint64) *Zone {
	typ := zoneTypeOf(addr)
	for _, z := range a.zones[typ] {
		if addr >= z.Base && addr < z.Base+z.Size {
			return z
		}
	}
	return nil
}

func frameParamsFor(count int, flags PageFlags) (numFrames, stride int, alignFrames int) {
	switch {
	case flags&HugePage != 0:
		stride = PageSize1G
		numFrames = count * (PageSize1G / PageSize4K)
		alignFrames = PageSize1G / PageSize4K
	case flags&BigPage != 0:
		stride = PageSize2M
		numFrames = count * (PageSize2M / PageSize4K)
		alignFrames = PageSize2M / PageSize4K
	default:
		stride = PageSize4K
		numFrames = count
		alignFrames = 1
	}
	return
}

func makePageList(zone *Zone, frame uint64, count int, stride int, flags PageFlags) *PageDesc {
	var head, tail *PageDesc
	for i := 0; i < count; i++ {
		pd := &PageDesc{Addr: frame, Flags: flags, Zone: zone}
		frame += uint64(stride)
		if head == nil {
			head = pd
		} else {
			tail.Next = pd
		}
		tail = pd
	}
	return head
}

/// AllocPages allocates `count` frames of the size class named by flags,
/// preferring High then falling back Normal->DMA->Low (pmalloc.c's
/// _alloc_pages / zone_alloc_order). Returns ENOMEM if every zone is
/// exhausted.
func (a *Allocator) AllocPages(count int, flags PageFlags) (*PageDesc, errno.Errno) {
	if count <= 0 {
		return nil, errno.EINVAL
	}
	typ := ZoneHigh
	for typ != numZoneTypes {
		if pd, ok := a.allocFromZoneType(typ, count, flags); ok {
			return pd, errno.OK
		}
		typ = zoneAllocOrder[typ]
	}
	return nil, errno.ENOMEM
}

func (a *Allocator) allocFromZoneType(typ ZoneType, count int, flags PageFlags) (*PageDesc, bool) {
	numFrames, stride, alignFrames := frameParamsFor(count, flags)
	a.mu.Lock()
	zones := a.zones[typ]
	a.mu.Unlock()
	for _, z := range zones {
		z.mu.Lock()
		if z.free < numFrames {
			z.mu.Unlock()
			continue
		}
		idx := z.findFree(numFrames, alignFrames)
		if idx < 0 {
			z.mu.Unlock()
			continue
		}
		z.markRange(idx, numFrames)
		z.mu.Unlock()
		if z.occupancy != nil {
			z.occupancy.Set(float64(z.total - z.free))
		}
		frame := z.Base + uint64(idx)*PageSize4K
		return makePageList(z, frame, count, stride, flags), true
	}
	return nil, false
}

/// AllocPagesAt reserves `count` frames starting at the given physical
/// address; fails with EADDRINUSE if any frame is already allocated, or
/// with EFAULT if the range crosses a zone boundary or lies outside any
/// known zone (unless Force is set, in which case it is accounted as an
/// out-of-zone reservation for MMIO, per pmalloc.c's _alloc_pages_at).
func (a *Allocator) AllocPagesAt(addr uint64, count int, flags PageFlags) (*PageDesc, errno.Errno) {
	if addr%PageSize4K != 0 || count <= 0 {
		return nil, errno.EINVAL
	}
	numFrames, stride, _ := frameParamsFor(count, flags)
	end := addr + uint64(numFrames)*PageSize4K

	typ := zoneTypeOf(addr)
	endTyp := zoneTypeOf(end - 1)
	if typ != endTyp {
		return nil, errno.EFAULT
	}

	zone := a.zoneContaining(addr)
	endZone := a.zoneContaining(end - 1)
	if zone != endZone {
		return nil, errno.EFAULT
	}

	if zone == nil {
		if flags&Force == 0 {
			return nil, errno.EFAULT
		}
		return makePageList(nil, addr, count, stride, flags), errno.OK
	}

	idx := int((addr - zone.Base) / PageSize4K)
	zone.mu.Lock()
	free := zone.rangeFree(idx, numFrames)
	if free {
		zone.markRange(idx, numFrames)
	}
	zone.mu.Unlock()
	if !free && flags&Force == 0 {
		return nil, errno.EADDRINUSE
	}
	if zone.occupancy != nil {
		zone.occupancy.Set(float64(zone.total - zone.free))
	}
	return makePageList(zone, addr, count, stride, flags), errno.OK
}

/// ReservePages marks `count` 4KiB frames at addr as allocated without
/// producing a PageDesc list, used at boot to carve out regions the
/// bootloader already occupies (initrd, kernel image) before any mapping
/// owns them (pmalloc.c's _reserve_pages).
func (a *Allocator) ReservePages(addr uint64, count int) errno.Errno {
	_, e := a.AllocPagesAt(addr, count, 0)
	return e
}

/// FreePages walks the list, clearing bits in each owning zone and
/// releasing each descriptor (pmalloc.c's _free_pages). Descriptors with a
/// nil Zone (out-of-zone Force allocations) are simply dropped.
func (a *Allocator) FreePages(list *PageDesc) {
	for pd := list; pd != nil; {
		next := pd.Next
		if pd.Zone != nil {
			numFrames := 1
			switch {
			case pd.Flags&HugePage != 0:
				numFrames = PageSize1G / PageSize4K
			case pd.Flags&BigPage != 0:
				numFrames = PageSize2M / PageSize4K
			}
			idx := int((pd.Addr - pd.Zone.Base) / PageSize4K)
			pd.Zone.mu.Lock()
			pd.Zone.clearRange(idx, numFrames)
			pd.Zone.mu.Unlock()
			if pd.Zone.occupancy != nil {
				pd.Zone.occupancy.Set(float64(pd.Zone.total - pd.Zone.free))
			}
		}
		pd = next
	}
}

/// Stats reports the free/total frame counts per zone. It reads the zone
/// counters directly and does not feed any internal/kmetrics gauge.
func (a *Allocator) Stats() map[ZoneType]struct{ Free, Total int } {
	out := map[ZoneType]struct{ Free, Total int }{}
	for t := ZoneLow; t < numZoneTypes; t++ {
		var free, total int
		for _, z := range a.zones[t] {
			z.mu.Lock()
			free += z.free
			total += z.total
			z.mu.Unlock()
		}
		out[t] = struct{ Free, Total int }{free, total}
	}
	return out
}

// EarlyAllocator is the watermark allocator used before the bitmap zones
// exist (pmalloc.c's mm_early_alloc_pages / alloc_pages_bitmap bootstrap,
// spec.md Design Notes "Early-boot bootstrap"). It hands out frames
// linearly from a physically contiguous region. NewAllocator does not know
// about these frames and does not mark them used: the caller must reserve
// them with ReservePages, or the two allocators can hand out the same frame.
type EarlyAllocator struct {
	mu   sync.Mutex
	next uint64
	end  uint64
}

func NewEarlyAllocator(base, size uint64) *EarlyAllocator {
	return &EarlyAllocator{next: base, end: base + size}
}

/// AllocPages hands out `count` contiguous 4KiB frames with a bump
/// pointer; never reclaimed (this cannot be elided, per Design Notes).
func (e *EarlyAllocator) AllocPages(count int) (uint64, errno.Errno) {
	e.mu.Lock()
	defer e.mu.Unlock()
	need := uint64(count) * PageSize4K
	if e.next+need > e.end {
		return 0, errno.ENOMEM
	}
	addr := e.next
	e.next += need
	return addr, errno.OK
}
