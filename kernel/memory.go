package kernel

import (
	"errors"
	"fmt"

	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/proc"
)

// ErrHeapLimit is returned when the heap would grow into the mapping region.
var ErrHeapLimit = errors.New("kernel: heap reaches the mapping region")

// memory gives processes their kernel stack and user pages. The heap spans
// [0, size) and lives below mmap.Base.
type memory struct {
	k *Kernel
}

func (m *memory) Setup(p *proc.Proc) error {
	id, err := m.k.alloc.Kalloc()
	if err != nil {
		return fmt.Errorf("kernel stack: %w", err)
	}

	m.k.alloc.Zero(id)

	p.SetKStack(id)
	p.SetAddrSpace(vm.NewAddressSpace())
	p.SetSize(0)

	return nil
}

// Fork gives child a private copy of the heap of parent, including the pages
// that are out in swap, and copies of its mappings.
func (m *memory) Fork(parent, child *proc.Proc) error {
	src := parent.AddrSpace()
	dst := child.AddrSpace()

	type page struct {
		va   uint32
		perm vm.PTE
	}

	pages := []page{}

	src.Range(0, vm.PageRoundUp(parent.Size()), func(va uint32, pte vm.PTE) bool {
		if pte.Present() || pte.Swapped() {
			pages = append(pages, page{va: va, perm: pte.Flags() & vm.PTEWritable})
		}

		return true
	})

	buf := make([]byte, vm.PageSize)

	for _, pg := range pages {
		if err := m.k.tracker.CopyOut(src, pg.va, buf); err != nil {
			return err
		}

		id, err := m.k.alloc.Kalloc()
		if err != nil {
			return fmt.Errorf("fork: copy %#x: %w", pg.va, err)
		}

		copy(m.k.alloc.Page(id), buf)

		if err := dst.Install(pg.va, m.k.alloc.Addr(id), pg.perm); err != nil {
			m.k.alloc.Kfree(id)
			return err
		}

		m.k.alloc.Track(id, dst, pg.va)
	}

	return m.k.mmaps.Duplicate(parent, child)
}

// Release frees the mappings, heap pages, swap slots and kernel stack of p.
func (m *memory) Release(p *proc.Proc) {
	as := p.AddrSpace()

	if as != nil {
		m.k.mmaps.RetireOwner(p)
		m.releaseHeap(as, 0, mmap.Base)
	}

	if p.KStack() != phys.NoFrame {
		m.k.alloc.Kfree(p.KStack())
		p.SetKStack(phys.NoFrame)
	}

	p.SetAddrSpace(nil)
	p.SetSize(0)
}

// releaseHeap gives back every user page in [lo, hi).
func (m *memory) releaseHeap(as *vm.AddressSpace, lo, hi uint32) {
	vas := []uint32{}

	as.Range(lo, hi, func(va uint32, _ vm.PTE) bool {
		vas = append(vas, va)
		return true
	})

	for _, va := range vas {
		m.k.tracker.Release(as, va)
	}
}

// grow backs [old, old+n) with zeroed, writable frames and tracks them. It
// stops at the first failure and returns how far it got.
func (m *memory) grow(as *vm.AddressSpace, old, n uint32) (uint32, error) {
	top := old + n
	if top < old || top > mmap.Base {
		return old, fmt.Errorf("%w: %#x", ErrHeapLimit, top)
	}

	for va := vm.PageRoundUp(old); va < top; va += vm.PageSize {
		id, err := m.k.alloc.Kalloc()
		if err != nil {
			return va, fmt.Errorf("sbrk: %w", err)
		}

		m.k.alloc.Zero(id)

		if err := as.Install(va, m.k.alloc.Addr(id), vm.PTEWritable); err != nil {
			m.k.alloc.Kfree(id)
			return va, err
		}

		m.k.alloc.Track(id, as, va)
	}

	return top, nil
}

// shrink releases the pages above top.
func (m *memory) shrink(as *vm.AddressSpace, old, top uint32) {
	m.releaseHeap(as, vm.PageRoundUp(top), vm.PageRoundUp(old))
}
