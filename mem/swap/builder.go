package swap

import (
	"log"

	"github.com/sarchlab/xvkernel/mem/phys"
)

// Builder creates Trackers.
type Builder struct {
	alloc    *phys.Allocator
	device   Device
	numSlots int
	policy   SlotPolicy
}

// MakeBuilder returns a new Builder
func MakeBuilder() Builder {
	return Builder{
		numSlots: DefaultSlots,
		policy:   AddressSlots{},
	}
}

// WithAllocator sets the allocator whose frames are reclaimed.
func (b Builder) WithAllocator(alloc *phys.Allocator) Builder {
	b.alloc = alloc
	return b
}

// WithDevice sets the swap device. An in-memory device is used if not set.
func (b Builder) WithDevice(device Device) Builder {
	b.device = device
	return b
}

// WithNumSlots sets the number of swap slots.
func (b Builder) WithNumSlots(n int) Builder {
	b.numSlots = n
	return b
}

// WithSlotPolicy sets how evicted pages are given slots.
func (b Builder) WithSlotPolicy(policy SlotPolicy) Builder {
	b.policy = policy
	return b
}

// Build creates the tracker and registers it as the reclaimer of the
// allocator.
func (b Builder) Build() *Tracker {
	if b.alloc == nil {
		log.Panic("swap: a tracker needs an allocator")
	}

	if b.numSlots <= 0 {
		log.Panicf("swap: invalid slot count %d", b.numSlots)
	}

	if b.device == nil {
		b.device = NewMemDevice(b.numSlots)
	}

	t := &Tracker{
		alloc:    b.alloc,
		device:   b.device,
		policy:   b.policy,
		occupied: NewBitmap(b.numSlots),
	}

	b.alloc.SetReclaimer(t)

	return t
}
