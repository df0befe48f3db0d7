package phys

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

var _ = Describe("Allocator", func() {
	var (
		mockCtrl  *gomock.Controller
		reclaimer *MockReclaimer
		a         *Allocator
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		reclaimer = NewMockReclaimer(mockCtrl)
		a = NewAllocator(4)
		a.SetReclaimer(reclaimer)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	drain := func() []FrameID {
		ids := []FrameID{}
		for a.NumFree() > 0 {
			id, err := a.Kalloc()
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, id)
		}
		return ids
	}

	It("should hand out frames from the lowest index", func() {
		Expect(a.NumFrames()).To(Equal(4))
		Expect(a.NumFree()).To(Equal(4))

		id, err := a.Kalloc()

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(FrameID(0)))
		Expect(a.Addr(id)).To(Equal(PhysBase))
		Expect(a.NumFree()).To(Equal(3))
	})

	It("should return a freed frame to the head of the list", func() {
		id, _ := a.Kalloc()
		a.Kfree(id)

		again, err := a.Kalloc()

		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(id))
	})

	It("should poison freed pages", func() {
		id, _ := a.Kalloc()
		page := a.Page(id)
		page[0] = 0xAB
		page[vm.PageSize-1] = 0xCD

		a.Kfree(id)

		Expect(page).To(HaveEach(byte(0x01)))
	})

	It("should panic when freeing a frame out of range", func() {
		Expect(func() { a.Kfree(4) }).To(Panic())
		Expect(func() { a.Kfree(NoFrame) }).To(Panic())
	})

	It("should panic when freeing a tracked frame", func() {
		as := vm.NewAddressSpace()
		id, _ := a.Kalloc()
		a.Track(id, as, 0x1000)

		Expect(func() { a.Kfree(id) }).To(Panic())
	})

	It("should find frames by physical address", func() {
		id, ok := a.FrameAt(PhysBase + 2*vm.PageSize + 17)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(FrameID(2)))

		_, ok = a.FrameAt(PhysBase - 1)
		Expect(ok).To(BeFalse())

		_, ok = a.FrameAt(PhysBase + 4*vm.PageSize)
		Expect(ok).To(BeFalse())
	})

	It("should fail without reclaiming when nothing is tracked", func() {
		drain()

		_, err := a.Kalloc()

		Expect(err).To(MatchError(ErrOutOfMemory))
	})

	It("should fail when the reclaimer reports an error", func() {
		as := vm.NewAddressSpace()
		ids := drain()
		a.Track(ids[0], as, 0x1000)
		reclaimer.EXPECT().Reclaim().Return(false, errors.New("disk"))

		_, err := a.Kalloc()

		Expect(err).To(MatchError(ErrOutOfMemory))
	})

	It("should fail the attempt that only gave a second chance", func() {
		as := vm.NewAddressSpace()
		ids := drain()
		a.Track(ids[0], as, 0x1000)

		gomock.InOrder(
			reclaimer.EXPECT().Reclaim().Return(true, nil),
			reclaimer.EXPECT().Reclaim().DoAndReturn(func() (bool, error) {
				victim, _, ok := a.ClockStep(
					func(*vm.AddressSpace, uint32) bool { return false })
				Expect(ok).To(BeTrue())
				a.Kfree(victim.Frame)
				return true, nil
			}),
		)

		_, err := a.Kalloc()
		Expect(err).To(MatchError(ErrOutOfMemory))

		id, err := a.Kalloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(ids[0]))
	})

	It("should take more reclamation steps when allowed", func() {
		as := vm.NewAddressSpace()
		ids := drain()
		a.Track(ids[0], as, 0x1000)
		a.SetReclaimRetries(2)

		reprieve := reclaimer.EXPECT().Reclaim().Return(true, nil)
		reclaimer.EXPECT().Reclaim().After(reprieve).DoAndReturn(
			func() (bool, error) {
				victim, _, _ := a.ClockStep(
					func(*vm.AddressSpace, uint32) bool { return false })
				a.Kfree(victim.Frame)
				return true, nil
			})

		id, err := a.Kalloc()

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(ids[0]))
	})

	It("should fire hooks on allocation and free", func() {
		var positions []string
		a.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos.Name)
		}))

		id, _ := a.Kalloc()
		a.Kfree(id)

		Expect(positions).To(Equal([]string{"FrameAlloc", "FrameFree"}))
	})

	It("should report frame state in snapshots", func() {
		as := vm.NewAddressSpace()
		id, _ := a.Kalloc()
		a.Track(id, as, 0x3000)

		infos := a.Snapshot()

		Expect(infos).To(HaveLen(4))
		Expect(infos[id].Tracked).To(BeTrue())
		Expect(infos[id].Free).To(BeFalse())
		Expect(infos[id].ASID).To(Equal(as.ID()))
		Expect(infos[id].VAddr).To(Equal(uint32(0x3000)))
		Expect(infos[3].Free).To(BeTrue())
	})
})
