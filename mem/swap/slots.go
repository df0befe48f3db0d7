package swap

import (
	"errors"
	"fmt"

	"github.com/sarchlab/xvkernel/mem/vm"
)

// ErrSlotCollision is returned when the slot computed for a page already
// holds another page.
var ErrSlotCollision = errors.New("swap: slot collision")

// ErrSwapFull is returned when no slot is left.
var ErrSwapFull = errors.New("swap: device full")

// A SlotPolicy picks the slot an evicted page is written to.
type SlotPolicy interface {
	Assign(occupied *Bitmap, va uint32) (int, error)
}

// AddressSlots derives the slot from the page's address:
// PDX(va) + PTX(va) + PageOffset(va). Slots are not recycled on their own,
// so two pages that add up to the same slot can not be out at the same time.
type AddressSlots struct{}

// Assign returns the slot of va.
func (AddressSlots) Assign(occupied *Bitmap, va uint32) (int, error) {
	slot := int(vm.PDX(va) + vm.PTX(va) + vm.PageOffset(va))

	if slot >= occupied.Len() {
		return 0, fmt.Errorf("%w: slot %d for %#x", ErrSwapFull, slot, va)
	}

	if occupied.Test(slot) {
		return 0, fmt.Errorf("%w: slot %d for %#x", ErrSlotCollision, slot, va)
	}

	return slot, nil
}

// BitmapSlots hands out the lowest free slot.
type BitmapSlots struct{}

// Assign returns the first clear slot.
func (BitmapSlots) Assign(occupied *Bitmap, va uint32) (int, error) {
	slot, ok := occupied.FirstClear()
	if !ok {
		return 0, fmt.Errorf("%w: evicting %#x", ErrSwapFull, va)
	}

	return slot, nil
}

// ParseSlotPolicy maps a policy name to a policy.
func ParseSlotPolicy(name string) (SlotPolicy, error) {
	switch name {
	case "", "address":
		return AddressSlots{}, nil
	case "bitmap":
		return BitmapSlots{}, nil
	default:
		return nil, fmt.Errorf("swap: unknown slot policy %q", name)
	}
}
