package swap

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

var _ = Describe("Tracker", func() {
	var (
		alloc   *phys.Allocator
		tracker *Tracker
		as      *vm.AddressSpace
	)

	mapPage := func(va uint32, fill byte) phys.FrameID {
		id, err := alloc.Kalloc()
		Expect(err).NotTo(HaveOccurred())

		page := alloc.Page(id)
		for i := range page {
			page[i] = fill + byte(i%7)
		}

		Expect(as.Install(va, alloc.Addr(id), vm.PTEWritable)).To(Succeed())
		alloc.Track(id, as, va)

		return id
	}

	expectContent := func(va uint32, fill byte) {
		pte, found := as.Lookup(va)
		Expect(found).To(BeTrue())
		Expect(pte.Present()).To(BeTrue())

		id, ok := alloc.FrameAt(pte.Addr())
		Expect(ok).To(BeTrue())

		page := alloc.Page(id)
		for i := range page {
			if page[i] != fill+byte(i%7) {
				Fail("page content differs")
			}
		}
	}

	BeforeEach(func() {
		alloc = phys.NewAllocator(2)
		tracker = MakeBuilder().WithAllocator(alloc).Build()
		as = vm.NewAddressSpace()
	})

	It("should evict the oldest page to its address slot", func() {
		mapPage(0x00401000, 10)
		mapPage(0x00402000, 20)

		id, err := alloc.Kalloc()

		Expect(err).NotTo(HaveOccurred())
		pte, _ := as.Lookup(0x00401000)
		Expect(pte.Swapped()).To(BeTrue())
		Expect(pte.Writable()).To(BeTrue())
		Expect(pte.Slot()).To(Equal(2))
		Expect(tracker.Stats().Occupied).To(Equal([]int{2}))
		Expect(tracker.Stats().Evictions).To(Equal(uint64(1)))
		Expect(alloc.NumTracked()).To(Equal(1))

		alloc.Kfree(id)
	})

	It("should bring back identical content", func() {
		mapPage(0x00401000, 10)
		mapPage(0x00402000, 20)

		id, err := alloc.Kalloc()
		Expect(err).NotTo(HaveOccurred())
		alloc.Kfree(id)

		Expect(tracker.SwapIn(as, 0x00401234)).To(Succeed())

		expectContent(0x00401000, 10)
		expectContent(0x00402000, 20)
		Expect(tracker.Stats().Occupied).To(BeEmpty())
		Expect(tracker.Stats().SwapIns).To(Equal(uint64(1)))
		Expect(alloc.NumTracked()).To(Equal(2))

		_, fault := as.Translate(0x00401000, true)
		Expect(fault).To(BeNil())
	})

	It("should evict to make room for a swap in", func() {
		mapPage(0x00401000, 10)
		mapPage(0x00402000, 20)
		Expect(tracker.Reclaim()).To(BeTrue())
		mapPage(0x00403000, 30)

		Expect(tracker.SwapIn(as, 0x00401000)).To(Succeed())

		expectContent(0x00401000, 10)
		pte, _ := as.Lookup(0x00402000)
		Expect(pte.Swapped()).To(BeTrue())
	})

	It("should refuse to swap in a resident page", func() {
		mapPage(0x1000, 1)

		Expect(tracker.SwapIn(as, 0x1000)).To(MatchError(ErrNotSwapped))
	})

	It("should give an accessed page a second chance", func() {
		mapPage(0x1000, 1)
		mapPage(0x2000, 2)
		_, fault := as.Translate(0x1000, false)
		Expect(fault).To(BeNil())

		progress, err := tracker.Reclaim()

		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(BeTrue())
		Expect(tracker.Stats().Reprieves).To(Equal(uint64(1)))
		pte, _ := as.Lookup(0x1000)
		Expect(pte.Present()).To(BeTrue())
		Expect(pte.Accessed()).To(BeFalse())
	})

	It("should fail the first allocation and succeed on the second", func() {
		alloc = phys.NewAllocator(1)
		tracker = MakeBuilder().WithAllocator(alloc).Build()
		mapPage(0x1000, 1)
		_, fault := as.Translate(0x1000, false)
		Expect(fault).To(BeNil())

		_, err := alloc.Kalloc()
		Expect(err).To(MatchError(phys.ErrOutOfMemory))

		id, err := alloc.Kalloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(phys.FrameID(0)))

		pte, _ := as.Lookup(0x1000)
		Expect(pte.Swapped()).To(BeTrue())
	})

	It("should keep the page resident on a slot collision", func() {
		mapPage(0x00401000, 10)
		mapPage(0x00002000, 20)

		Expect(tracker.Reclaim()).To(BeTrue())
		progress, err := tracker.Reclaim()

		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(BeTrue())
		expectContent(0x00002000, 20)
		Expect(alloc.NumTracked()).To(Equal(1))
		Expect(tracker.Stats().Collisions).To(Equal(uint64(1)))
	})

	It("should move on to the next page after a collision", func() {
		alloc = phys.NewAllocator(3)
		alloc.SetReclaimRetries(3)
		tracker = MakeBuilder().WithAllocator(alloc).Build()

		mapPage(0x00401000, 10)
		Expect(tracker.Reclaim()).To(BeTrue())

		// 0x2000 wants slot 2, which 0x00401000 holds.
		mapPage(0x00002000, 20)
		mapPage(0x00005000, 50)
		_, err := alloc.Kalloc()
		Expect(err).NotTo(HaveOccurred())

		id, err := alloc.Kalloc()

		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(Equal(phys.NoFrame))
		expectContent(0x00002000, 20)
		pte, _ := as.Lookup(0x00005000)
		Expect(pte.Swapped()).To(BeTrue())
		Expect(pte.Slot()).To(Equal(5))

		stats := tracker.Stats()
		Expect(stats.Collisions).To(Equal(uint64(1)))
		Expect(stats.Evictions).To(Equal(uint64(2)))
	})

	It("should not collide with bitmap slots", func() {
		tracker = MakeBuilder().
			WithAllocator(alloc).
			WithSlotPolicy(BitmapSlots{}).
			Build()
		mapPage(0x00401000, 10)
		mapPage(0x00002000, 20)

		Expect(tracker.Reclaim()).To(BeTrue())
		Expect(tracker.Reclaim()).To(BeTrue())

		Expect(tracker.Stats().Occupied).To(Equal([]int{0, 1}))
	})

	It("should release resident and swapped pages", func() {
		mapPage(0x1000, 1)
		mapPage(0x3000, 3)
		Expect(tracker.Reclaim()).To(BeTrue())

		Expect(tracker.Release(as, 0x1000)).To(BeTrue())
		Expect(tracker.Release(as, 0x3000)).To(BeTrue())
		Expect(tracker.Release(as, 0x5000)).To(BeFalse())

		Expect(alloc.NumFree()).To(Equal(2))
		Expect(alloc.NumTracked()).To(Equal(0))
		Expect(tracker.Stats().Occupied).To(BeEmpty())
		Expect(as.Pages()).To(BeEmpty())
	})

	It("should discard only swapped pages", func() {
		mapPage(0x1000, 1)

		Expect(tracker.Discard(as, 0x1000)).To(MatchError(ErrNotSwapped))

		Expect(tracker.Reclaim()).To(BeTrue())
		Expect(tracker.Discard(as, 0x1000)).To(Succeed())
		Expect(tracker.Stats().Discards).To(Equal(uint64(1)))
	})

	It("should copy out pages without bringing them in", func() {
		mapPage(0x1000, 1)
		Expect(tracker.Reclaim()).To(BeTrue())
		buf := make([]byte, vm.PageSize)

		Expect(tracker.CopyOut(as, 0x1000, buf)).To(Succeed())

		Expect(buf[0]).To(Equal(byte(1)))
		Expect(buf[6]).To(Equal(byte(7)))
		pte, _ := as.Lookup(0x1000)
		Expect(pte.Swapped()).To(BeTrue())
	})

	It("should fire eviction hooks with the page", func() {
		var events []Event
		tracker.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosEvict {
				events = append(events, ctx.Item.(Event))
			}
		}))
		mapPage(0x00401000, 1)

		Expect(tracker.Reclaim()).To(BeTrue())

		Expect(events).To(HaveLen(1))
		Expect(events[0].VAddr).To(Equal(uint32(0x00401000)))
		Expect(events[0].Slot).To(Equal(2))
		Expect(events[0].Fields()).To(HaveKeyWithValue("va", "0x401000"))
	})

	Context("when the device fails", func() {
		var (
			mockCtrl *gomock.Controller
			device   *MockDevice
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			device = NewMockDevice(mockCtrl)
			tracker = MakeBuilder().
				WithAllocator(alloc).
				WithDevice(device).
				Build()
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should keep the page resident", func() {
			mapPage(0x1000, 1)
			device.EXPECT().
				SwapWrite(gomock.Any(), 1).
				Return(errors.New("disk"))

			progress, err := tracker.Reclaim()

			Expect(progress).To(BeFalse())
			Expect(err).To(HaveOccurred())
			expectContent(0x1000, 1)
			Expect(alloc.NumTracked()).To(Equal(1))
			Expect(tracker.Stats().Occupied).To(BeEmpty())
		})

		It("should free the new frame when the read fails", func() {
			mapPage(0x1000, 1)
			device.EXPECT().SwapWrite(gomock.Any(), 1).Return(nil)
			device.EXPECT().
				SwapRead(gomock.Any(), 1).
				Return(errors.New("disk"))
			Expect(tracker.Reclaim()).To(BeTrue())

			err := tracker.SwapIn(as, 0x1000)

			Expect(err).To(HaveOccurred())
			Expect(alloc.NumFree()).To(Equal(2))
		})
	})
})
