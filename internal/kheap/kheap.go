// Package kheap is the kernel heap (spec.md L5): a layered allocator where
// small requests hit size-class free-list caches and larger requests fall
// through to a watermark allocator over a vmalloc'd region. Returned
// pointers are represented as opaque handles embedding a size-class index
// and a validity magic, per spec.md 4.5's contract.
//
// Grounded on original_source/kernel/mm/vmalloc.c's valloc_page/
// valloc_pages/valloc_zero_pages (the heap is a thin consumer of the VM
// layer in the original); free-list-of-fixed-size-objects idiom follows
// the small-object allocation patterns in biscuit/src/ustr and biscuit/src/fd.
package kheap

import (
	"sync"

	"github.com/oichkatzele/corekernel/internal/errno"
	"github.com/oichkatzele/corekernel/internal/pgtable"
	"github.com/oichkatzele/corekernel/internal/pmem"
	"github.com/oichkatzele/corekernel/internal/vmspace"
)

const validMagic = 0x6b686561 // "khea"

// sizeClasses are the fixed object sizes served by free-list slabs; a
// request larger than the biggest class falls through to the watermark
// region.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048}

type header struct {
	magic     uint32
	class     int // index into sizeClasses, or -1 for a watermark allocation
	size      int
	slabIndex int // offset into the owning slab's backing array
}

/// Block is the handle returned by Alloc; it stands in for a raw pointer
/// in a hosted (non-pointer-arithmetic) simulation. Data is the usable
/// byte slice.
type Block struct {
	hdr  header
	Data []byte
}

type slab struct {
	objSize int
	free    []*Block
}

/// Heap is layered over a vmspace.AddressSpace + pmem.Allocator for its
/// watermark fallback, matching the original's use of vmalloc as the
/// heap's backing source.
type Heap struct {
	mu    sync.Mutex
	slabs []*slab

	as     *vmspace.AddressSpace
	frames *pmem.Allocator

	watermarkBase uint64
	watermarkNext uint64
	watermarkEnd  uint64
}

func New(as *vmspace.AddressSpace, frames *pmem.Allocator, watermarkRegionSize uint64) (*Heap, errno.Errno) {
	addr, err := as.VmapAnon(watermarkRegionSize, pgtable.AttrWritable, "kheap-watermark")
	if err != errno.OK {
		return nil, err
	}
	h := &Heap{
		as:            as,
		frames:        frames,
		watermarkBase: addr,
		watermarkNext: addr,
		watermarkEnd:  addr + watermarkRegionSize,
	}
	for _, sz := range sizeClasses {
		h.slabs = append(h.slabs, &slab{objSize: sz})
	}
	return h, errno.OK
}

func classFor(size int) int {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

/// Alloc returns a Block of at least `size` bytes, or nil with ENOMEM.
/// size==0 returns a valid zero-length Block (standard NULL/0 behavior per
/// spec.md 4.5).
func (h *Heap) Alloc(size int) (*Block, errno.Errno) {
	if size < 0 {
		return nil, errno.EINVAL
	}
	if size == 0 {
		return &Block{hdr: header{magic: validMagic, class: -1}, Data: nil}, errno.OK
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	class := classFor(size)
	if class >= 0 {
		s := h.slabs[class]
		if n := len(s.free); n > 0 {
			b := s.free[n-1]
			s.free = s.free[:n-1]
			b.Data = b.Data[:size]
			return b, errno.OK
		}
		b := &Block{
			hdr:  header{magic: validMagic, class: class, size: s.objSize},
			Data: make([]byte, size, s.objSize),
		}
		return b, errno.OK
	}

	// watermark fallback for requests larger than any size class.
	if h.watermarkNext+uint64(size) > h.watermarkEnd {
		return nil, errno.ENOMEM
	}
	h.watermarkNext += uint64(size)
	return &Block{hdr: header{magic: validMagic, class: -1, size: size}, Data: make([]byte, size)}, errno.OK
}

/// AllocZeroed is Alloc with the contract that returned memory is
/// zero-filled; Go's make() already zero-fills, so this is Alloc verbatim,
/// kept as a distinct entry point to match spec.md 4.5's explicit contract.
func (h *Heap) AllocZeroed(size int) (*Block, errno.Errno) {
	return h.Alloc(size)
}

/// Realloc resizes b to newSize, preserving the overlapping prefix.
/// A nil b behaves as Alloc(newSize); newSize==0 frees b and returns an
/// empty Block, matching standard realloc(NULL,...) / realloc(p,0)
/// behavior spec.md 4.5 asks for.
func (h *Heap) Realloc(b *Block, newSize int) (*Block, errno.Errno) {
	if b == nil {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		h.Free(b)
		return &Block{hdr: header{magic: validMagic, class: -1}}, errno.OK
	}
	nb, err := h.Alloc(newSize)
	if err != errno.OK {
		return nil, err
	}
	n := len(b.Data)
	if newSize < n {
		n = newSize
	}
	copy(nb.Data, b.Data[:n])
	h.Free(b)
	return nb, errno.OK
}

/// Free releases b back to its size-class slab, or is a no-op for a
/// watermark allocation (never reclaimed, matching the original's
/// watermark/tombstone allocator) or a nil/zero-length Block.
func (h *Heap) Free(b *Block) {
	if b == nil || b.hdr.magic != validMagic {
		return
	}
	if b.hdr.class < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.slabs[b.hdr.class]
	s.free = append(s.free, b)
}
