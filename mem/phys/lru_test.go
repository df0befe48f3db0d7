package phys

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xvkernel/mem/vm"
)

var _ = Describe("LRU ring", func() {
	var (
		a  *Allocator
		as *vm.AddressSpace
	)

	BeforeEach(func() {
		a = NewAllocator(8)
		as = vm.NewAddressSpace()
	})

	trackPages := func(vas ...uint32) []FrameID {
		ids := make([]FrameID, 0, len(vas))
		for _, va := range vas {
			id, err := a.Kalloc()
			Expect(err).NotTo(HaveOccurred())
			a.Track(id, as, va)
			ids = append(ids, id)
		}
		return ids
	}

	never := func(*vm.AddressSpace, uint32) bool { return false }

	It("should keep frames from oldest to newest", func() {
		ids := trackPages(0x1000, 0x2000, 0x3000)

		Expect(a.NumTracked()).To(Equal(3))
		Expect(a.Tracked()).To(Equal(ids))
	})

	It("should ignore a page that is already tracked", func() {
		ids := trackPages(0x1000)
		other, _ := a.Kalloc()

		a.Track(other, as, 0x1000)

		Expect(a.Tracked()).To(Equal(ids))
	})

	It("should tell pages of different address spaces apart", func() {
		trackPages(0x1000)
		other := vm.NewAddressSpace()
		id, _ := a.Kalloc()

		a.Track(id, other, 0x1000)

		Expect(a.NumTracked()).To(Equal(2))
	})

	It("should splice out a tracked page", func() {
		ids := trackPages(0x1000, 0x2000, 0x3000)

		id, ok := a.Untrack(as, 0x2fff)

		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(ids[1]))
		Expect(a.Tracked()).To(Equal([]FrameID{ids[0], ids[2]}))
	})

	It("should move the head when the head is untracked", func() {
		ids := trackPages(0x1000, 0x2000)

		a.Untrack(as, 0x1000)

		Expect(a.Tracked()).To(Equal([]FrameID{ids[1]}))
	})

	It("should not find pages that are not tracked", func() {
		trackPages(0x1000, 0x2000)

		_, ok := a.Untrack(as, 0x5000)

		Expect(ok).To(BeFalse())
		Expect(a.NumTracked()).To(Equal(2))
	})

	It("should empty the ring", func() {
		trackPages(0x1000)

		_, ok := a.Untrack(as, 0x1000)
		Expect(ok).To(BeTrue())

		_, ok = a.Untrack(as, 0x1000)
		Expect(ok).To(BeFalse())
		Expect(a.Tracked()).To(BeEmpty())
	})

	It("should report an empty ring to the clock", func() {
		_, _, ok := a.ClockStep(never)

		Expect(ok).To(BeFalse())
	})

	It("should evict the oldest page when it was not accessed", func() {
		ids := trackPages(0x1000, 0x2000, 0x3000)

		victim, reprieved, ok := a.ClockStep(never)

		Expect(ok).To(BeTrue())
		Expect(reprieved).To(BeFalse())
		Expect(victim.Frame).To(Equal(ids[0]))
		Expect(victim.Space).To(BeIdenticalTo(as))
		Expect(victim.VAddr).To(Equal(uint32(0x1000)))
		Expect(a.Tracked()).To(Equal([]FrameID{ids[1], ids[2]}))
	})

	It("should give an accessed page a second chance", func() {
		ids := trackPages(0x1000, 0x2000, 0x3000)
		seen := []uint32{}
		once := func(_ *vm.AddressSpace, va uint32) bool {
			seen = append(seen, va)
			return len(seen) == 1
		}

		_, reprieved, ok := a.ClockStep(once)
		Expect(ok).To(BeTrue())
		Expect(reprieved).To(BeTrue())
		Expect(a.Tracked()).To(Equal([]FrameID{ids[1], ids[2], ids[0]}))

		victim, reprieved, _ := a.ClockStep(once)
		Expect(reprieved).To(BeFalse())
		Expect(victim.Frame).To(Equal(ids[1]))
		Expect(seen).To(Equal([]uint32{0x1000, 0x2000}))
	})

	It("should empty a ring of one", func() {
		ids := trackPages(0x1000)

		victim, _, ok := a.ClockStep(never)

		Expect(ok).To(BeTrue())
		Expect(victim.Frame).To(Equal(ids[0]))
		Expect(a.NumTracked()).To(Equal(0))

		a.Kfree(victim.Frame)
		Expect(a.NumFree()).To(Equal(8))
	})
})
