package vm

import "fmt"

// PTE is a page table entry. The upper 20 bits hold the physical address of
// the frame, or the swap slot when the page is swapped out.
type PTE uint32

// Page table entry flags.
const (
	PTEPresent  PTE = 1 << 0
	PTEWritable PTE = 1 << 1
	PTEUser     PTE = 1 << 2
	PTEAccessed PTE = 1 << 5
	PTEDirty    PTE = 1 << 6

	// PTESwapped marks an entry whose page lives in swap. Without it a
	// non-present entry means the page was never mapped.
	PTESwapped PTE = 1 << 9

	flagMask PTE = PageSize - 1
)

// MakePTE builds an entry pointing at the frame at pa.
func MakePTE(pa uint32, flags PTE) PTE {
	return PTE(PageRoundDown(pa)) | flags&flagMask
}

// SwappedPTE builds the entry of a page written to the given swap slot. The
// permission bits of flags are kept so that the page comes back with them.
func SwappedPTE(slot int, flags PTE) PTE {
	flags &^= PTEPresent | PTEAccessed | PTEDirty

	return PTE(uint32(slot)<<Log2PageSize) | flags&flagMask | PTESwapped
}

// Addr returns the physical address of the frame.
func (e PTE) Addr() uint32 {
	return uint32(e &^ flagMask)
}

// Flags returns the flag bits.
func (e PTE) Flags() PTE {
	return e & flagMask
}

// Slot returns the swap slot of a swapped entry.
func (e PTE) Slot() int {
	return int(uint32(e) >> Log2PageSize)
}

// Present tells if the page is resident.
func (e PTE) Present() bool {
	return e&PTEPresent != 0
}

// Swapped tells if the page was evicted to swap.
func (e PTE) Swapped() bool {
	return e&PTEPresent == 0 && e&PTESwapped != 0
}

// Writable tells if user writes are allowed.
func (e PTE) Writable() bool {
	return e&PTEWritable != 0
}

// Accessed tells if the hardware accessed bit is set.
func (e PTE) Accessed() bool {
	return e&PTEAccessed != 0
}

func (e PTE) String() string {
	if e.Swapped() {
		return fmt.Sprintf("swapped(slot=%d, flags=%#x)", e.Slot(), uint32(e.Flags()))
	}

	return fmt.Sprintf("pte(pa=%#x, flags=%#x)", e.Addr(), uint32(e.Flags()))
}
