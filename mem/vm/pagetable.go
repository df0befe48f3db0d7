// Package vm provides the address spaces that the kernel core maps pages
// into. An address space is a two-level page table in the x86 layout: a page
// directory indexed by PDX(va) and page tables indexed by PTX(va).
package vm

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/xvkernel/sim/id"
)

// Layout constants.
const (
	Log2PageSize = 12
	PageSize     = 1 << Log2PageSize

	NumPDEntries = 1024
	NumPTEntries = 1024

	// KernBase is the first virtual address that user code can not touch.
	KernBase uint32 = 0x80000000
)

// ErrRemap is returned when a page is installed over a live entry.
var ErrRemap = errors.New("vm: remap")

// ASID identifies an address space.
type ASID uint32

// A Page is a view of one entry of the page table.
type Page struct {
	ASID  ASID
	VAddr uint32
	PTE   PTE
}

type pageTablePage [NumPTEntries]PTE

// An AddressSpace maps user virtual addresses to physical frames.
type AddressSpace struct {
	sync.Mutex
	asid ASID
	dir  [NumPDEntries]*pageTablePage
}

var asids id.Counter

// NewAddressSpace creates an empty address space with a fresh ASID.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{asid: ASID(asids.Next())}
}

// ID returns the identity of the address space.
func (as *AddressSpace) ID() ASID {
	return as.asid
}

// PDX returns the page directory index of a virtual address.
func PDX(va uint32) uint32 {
	return (va >> 22) & 0x3FF
}

// PTX returns the page table index of a virtual address.
func PTX(va uint32) uint32 {
	return (va >> Log2PageSize) & 0x3FF
}

// PageOffset returns the byte offset of va inside its page.
func PageOffset(va uint32) uint32 {
	return va & (PageSize - 1)
}

// PageRoundDown aligns a down to a page boundary.
func PageRoundDown(a uint32) uint32 {
	return a &^ (PageSize - 1)
}

// PageRoundUp aligns a up to a page boundary.
func PageRoundUp(a uint32) uint32 {
	return (a + PageSize - 1) &^ (PageSize - 1)
}

// walk returns the entry for va. The caller must hold the lock.
func (as *AddressSpace) walk(va uint32, alloc bool) *PTE {
	if va >= KernBase {
		log.Panicf("walk: va %#x is not a user address", va)
	}

	table := as.dir[PDX(va)]
	if table == nil {
		if !alloc {
			return nil
		}

		table = new(pageTablePage)
		as.dir[PDX(va)] = table
	}

	return &table[PTX(va)]
}

// Install maps the page containing va to the frame at pa with the given
// permissions. The entry becomes present and user accessible.
func (as *AddressSpace) Install(va, pa uint32, perm PTE) error {
	as.Lock()
	defer as.Unlock()

	pte := as.walk(PageRoundDown(va), true)
	if *pte != 0 {
		return fmt.Errorf("%w: %#x", ErrRemap, va)
	}

	*pte = MakePTE(pa, perm|PTEUser|PTEPresent)

	return nil
}

// Lookup returns the entry for va. The bool is false when no entry was ever
// written for the page.
func (as *AddressSpace) Lookup(va uint32) (PTE, bool) {
	as.Lock()
	defer as.Unlock()

	pte := as.walk(va, false)
	if pte == nil || *pte == 0 {
		return 0, false
	}

	return *pte, true
}

// Update replaces the entry for va with fn(entry). It returns false and does
// not call fn when the page has no entry.
func (as *AddressSpace) Update(va uint32, fn func(pte PTE) PTE) bool {
	as.Lock()
	defer as.Unlock()

	pte := as.walk(va, false)
	if pte == nil || *pte == 0 {
		return false
	}

	*pte = fn(*pte)

	return true
}

// Clear zeroes the entry for va and returns what it held.
func (as *AddressSpace) Clear(va uint32) PTE {
	as.Lock()
	defer as.Unlock()

	pte := as.walk(va, false)
	if pte == nil {
		return 0
	}

	old := *pte
	*pte = 0

	return old
}

// TestAndClearAccessed reports whether the hardware accessed bit of a present
// page was set and clears it.
func (as *AddressSpace) TestAndClearAccessed(va uint32) bool {
	as.Lock()
	defer as.Unlock()

	pte := as.walk(va, false)
	if pte == nil || !pte.Present() || *pte&PTEAccessed == 0 {
		return false
	}

	*pte &^= PTEAccessed

	return true
}

// Range calls fn for every written entry with lo <= va < hi, in address
// order, until fn returns false. fn must not call back into the address
// space.
func (as *AddressSpace) Range(lo, hi uint32, fn func(va uint32, pte PTE) bool) {
	as.Lock()
	defer as.Unlock()

	if hi > KernBase {
		hi = KernBase
	}

	for va := PageRoundDown(lo); va < hi; {
		table := as.dir[PDX(va)]
		if table == nil {
			va = (va &^ (1<<22 - 1)) + 1<<22
			continue
		}

		if table[PTX(va)] != 0 {
			if !fn(va, table[PTX(va)]) {
				return
			}
		}

		va += PageSize
		if va == 0 {
			return
		}
	}
}

// Pages returns a view of every written entry.
func (as *AddressSpace) Pages() []Page {
	pages := []Page{}

	as.Range(0, KernBase, func(va uint32, pte PTE) bool {
		pages = append(pages, Page{ASID: as.asid, VAddr: va, PTE: pte})
		return true
	})

	return pages
}
