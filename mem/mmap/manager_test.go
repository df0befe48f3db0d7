package mmap

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/mem/vm"
)

type fakeProcess struct {
	pid   int
	as    *vm.AddressSpace
	files map[int]fs.File
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:   pid,
		as:    vm.NewAddressSpace(),
		files: make(map[int]fs.File),
	}
}

func (p *fakeProcess) PID() int                    { return p.pid }
func (p *fakeProcess) AddrSpace() *vm.AddressSpace { return p.as }
func (p *fakeProcess) File(fd int) fs.File         { return p.files[fd] }

var _ = Describe("Manager", func() {
	var (
		alloc   *phys.Allocator
		tracker *swap.Tracker
		m       *Manager
		p       *fakeProcess
		content []byte
	)

	readPage := func(proc *fakeProcess, va uint32) []byte {
		pte, found := proc.as.Lookup(va)
		Expect(found).To(BeTrue())
		Expect(pte.Present()).To(BeTrue())

		id, ok := alloc.FrameAt(pte.Addr())
		Expect(ok).To(BeTrue())

		return alloc.Page(id)
	}

	BeforeEach(func() {
		alloc = phys.NewAllocator(16)
		tracker = swap.MakeBuilder().WithAllocator(alloc).Build()
		m = NewManager(alloc, tracker)
		p = newFakeProcess(3)

		content = make([]byte, 3*vm.PageSize)
		for i := range content {
			content[i] = byte(i/vm.PageSize*16 + i%11)
		}

		ip := fs.NewInode("data", fs.TypeFile, content)
		p.files[3] = fs.Open(ip, true, false)
		p.files[4] = fs.Open(ip, true, true)
		r, _ := fs.NewPipe()
		p.files[5] = r
	})

	Context("when validating", func() {
		DescribeTable("should reject bad arguments without taking a slot",
			func(addr, length uint32, prot Prot, flags Flags, fd, offset int, want error) {
				_, err := m.Mmap(p, addr, length, prot, flags, fd, offset)

				Expect(err).To(MatchError(want))
				Expect(m.Snapshot()).To(BeEmpty())
			},
			Entry("fd zero", uint32(0), uint32(4096), ProtRead, Flags(0), 0, 0, ErrBadFD),
			Entry("fd too large", uint32(0), uint32(4096), ProtRead, Flags(0), 16, 0, ErrBadFD),
			Entry("negative fd", uint32(0), uint32(4096), ProtRead, Flags(0), -2, 0, ErrBadFD),
			Entry("file mapping of a closed fd", uint32(0), uint32(4096), ProtRead, Flags(0), 7, 0, ErrBadFD),
			Entry("file mapping without fd", uint32(0), uint32(4096), ProtRead, Flags(0), -1, 0, ErrBadFD),
			Entry("anonymous with fd", uint32(0), uint32(4096), ProtRead, MapAnonymous, 3, 0, ErrInvalid),
			Entry("anonymous with offset", uint32(0), uint32(4096), ProtRead, MapAnonymous, -1, 4096, ErrInvalid),
			Entry("write on read-only fd", uint32(0), uint32(4096), ProtRead|ProtWrite, Flags(0), 3, 0, ErrPermission),
			Entry("pipe", uint32(0), uint32(4096), ProtRead, Flags(0), 5, 0, ErrNotRegular),
			Entry("unknown flag", uint32(0), uint32(4096), ProtRead, Flags(4), -1, 0, ErrInvalid),
			Entry("unaligned address", uint32(100), uint32(4096), ProtRead, MapAnonymous, -1, 0, ErrInvalid),
			Entry("unaligned length", uint32(0), uint32(100), ProtRead, MapAnonymous, -1, 0, ErrInvalid),
			Entry("empty", uint32(0), uint32(0), ProtRead, MapAnonymous, -1, 0, ErrInvalid),
			Entry("past user space", uint32(0x3ffff000), uint32(8192), ProtRead, MapAnonymous, -1, 0, ErrInvalid),
		)

		It("should not map the same address twice", func() {
			_, err := m.Mmap(p, 0, 4096, ProtRead, MapAnonymous, -1, 0)
			Expect(err).NotTo(HaveOccurred())

			_, err = m.Mmap(p, 0, 4096, ProtRead, MapAnonymous, -1, 0)
			Expect(err).To(MatchError(ErrExists))
		})

		It("should fail when the table is full", func() {
			for i := 0; i < NumAreas; i++ {
				_, err := m.Mmap(p, uint32(i)*vm.PageSize, vm.PageSize,
					ProtRead, MapAnonymous, -1, 0)
				Expect(err).NotTo(HaveOccurred())
			}

			_, err := m.Mmap(p, NumAreas*vm.PageSize, vm.PageSize,
				ProtRead, MapAnonymous, -1, 0)
			Expect(err).To(MatchError(ErrTableFull))
		})
	})

	Context("with a lazy anonymous mapping", func() {
		var addr uint32

		BeforeEach(func() {
			var err error
			addr, err = m.Mmap(p, 0x2000, 2*vm.PageSize,
				ProtRead|ProtWrite, MapAnonymous, -1, 0)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the shifted address without binding", func() {
			Expect(addr).To(Equal(Base + 0x2000))
			Expect(m.Snapshot()).To(HaveLen(1))
			Expect(m.Snapshot()[0].Valid).To(Equal(Lazy))
			Expect(alloc.NumFree()).To(Equal(16))
		})

		It("should bind a zeroed page on the first fault", func() {
			Expect(m.PageFault(p, addr+5, true)).To(Succeed())

			Expect(readPage(p, addr)).To(HaveEach(byte(0)))
			Expect(m.Snapshot()[0].Valid).To(Equal(Bound))
			Expect(alloc.NumTracked()).To(Equal(1))

			_, fault := p.as.Translate(addr+5, true)
			Expect(fault).To(BeNil())
		})

		It("should refuse a second fault in a bound area", func() {
			Expect(m.PageFault(p, addr, false)).To(Succeed())

			err := m.PageFault(p, addr+vm.PageSize, false)

			Expect(err).To(MatchError(ErrAlreadyBound))
		})

		It("should refuse faults outside any area", func() {
			Expect(m.PageFault(p, Base, false)).To(MatchError(ErrNoArea))
		})

		It("should refuse faults of other processes", func() {
			other := newFakeProcess(4)

			Expect(m.PageFault(other, addr, false)).To(MatchError(ErrNoArea))
		})

		It("should retire the area on unmap", func() {
			Expect(m.Munmap(p, addr)).To(Succeed())

			Expect(m.Snapshot()).To(BeEmpty())
			Expect(m.PageFault(p, addr, false)).To(MatchError(ErrRetired))
		})

		It("should fail the second unmap", func() {
			Expect(m.Munmap(p, addr)).To(Succeed())

			Expect(m.Munmap(p, addr)).To(MatchError(ErrNoArea))
		})

		It("should free bound pages on unmap", func() {
			Expect(m.PageFault(p, addr, true)).To(Succeed())
			Expect(alloc.NumFree()).To(Equal(15))

			Expect(m.Munmap(p, addr)).To(Succeed())

			Expect(alloc.NumFree()).To(Equal(16))
			Expect(alloc.NumTracked()).To(Equal(0))
			_, found := p.as.Lookup(addr)
			Expect(found).To(BeFalse())
		})

		It("should reuse the slot after unmap", func() {
			Expect(m.Munmap(p, addr)).To(Succeed())

			again, err := m.Mmap(p, 0x2000, vm.PageSize,
				ProtRead, MapAnonymous, -1, 0)

			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(addr))
			Expect(m.Snapshot()[0].Slot).To(Equal(0))
		})
	})

	It("should refuse writes to a read-only area", func() {
		addr, err := m.Mmap(p, 0, vm.PageSize, ProtRead, MapAnonymous, -1, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(m.PageFault(p, addr, true)).To(MatchError(ErrWriteProtected))
		Expect(m.PageFault(p, addr, false)).To(Succeed())

		_, fault := p.as.Translate(addr, true)
		Expect(fault.Kind).To(Equal(vm.FaultProtection))
	})

	It("should read the file at the area offset on a fault", func() {
		addr, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, 0, 3, vm.PageSize)
		Expect(err).NotTo(HaveOccurred())

		Expect(m.PageFault(p, addr+vm.PageSize, false)).To(Succeed())

		Expect(readPage(p, addr+vm.PageSize)).
			To(Equal(content[vm.PageSize : 2*vm.PageSize]))
		Expect(p.files[3].Offset()).To(Equal(0))
	})

	It("should populate file content eagerly", func() {
		p.files[3].Seek(17)

		addr, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, MapPopulate, 3, vm.PageSize)

		Expect(err).NotTo(HaveOccurred())
		Expect(m.Snapshot()[0].Valid).To(Equal(Bound))
		Expect(readPage(p, addr)).To(Equal(content[vm.PageSize : 2*vm.PageSize]))
		Expect(readPage(p, addr+vm.PageSize)).To(Equal(content[2*vm.PageSize:]))
		Expect(p.files[3].Offset()).To(Equal(17))
		Expect(alloc.NumTracked()).To(Equal(2))
	})

	It("should zero file pages past the end of the file", func() {
		addr, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, MapPopulate, 3, 2*vm.PageSize)

		Expect(err).NotTo(HaveOccurred())
		Expect(readPage(p, addr+vm.PageSize)).To(HaveEach(byte(0)))
	})

	It("should populate anonymous mappings with writable zero pages", func() {
		addr, err := m.Mmap(p, 0, 3*vm.PageSize,
			ProtRead|ProtWrite, MapAnonymous|MapPopulate, -1, 0)

		Expect(err).NotTo(HaveOccurred())
		for va := addr; va < addr+3*vm.PageSize; va += vm.PageSize {
			Expect(readPage(p, va)).To(HaveEach(byte(0)))
			_, fault := p.as.Translate(va, true)
			Expect(fault).To(BeNil())
		}
	})

	It("should free swapped pages on unmap", func() {
		addr, err := m.Mmap(p, 0, 2*vm.PageSize,
			ProtRead|ProtWrite, MapAnonymous|MapPopulate, -1, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.Reclaim()).To(BeTrue())

		Expect(m.Munmap(p, addr)).To(Succeed())

		Expect(alloc.NumFree()).To(Equal(16))
		Expect(tracker.Stats().Occupied).To(BeEmpty())
	})

	It("should roll back a populate that runs out of memory", func() {
		alloc = phys.NewAllocator(2)
		tracker = swap.MakeBuilder().WithAllocator(alloc).Build()
		m = NewManager(alloc, tracker)
		_, _ = alloc.Kalloc()
		_, _ = alloc.Kalloc()

		_, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, MapAnonymous|MapPopulate, -1, 0)

		Expect(err).To(MatchError(phys.ErrOutOfMemory))
		Expect(m.Snapshot()).To(BeEmpty())
	})

	Context("with a failing file", func() {
		var (
			mockCtrl *gomock.Controller
			file     *MockFile
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			file = NewMockFile(mockCtrl)
			p.files[6] = file

			file.EXPECT().Readable().Return(true).AnyTimes()
			file.EXPECT().IsRegular().Return(true).AnyTimes()
			file.EXPECT().Dup().Return(file)
			file.EXPECT().Offset().Return(40)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should release every page and close the duplicate", func() {
			gomock.InOrder(
				file.EXPECT().Seek(0),
				file.EXPECT().Read(gomock.Any()).Return(vm.PageSize, nil),
				file.EXPECT().Read(gomock.Any()).Return(0, errors.New("io")),
				file.EXPECT().Seek(40),
			)
			file.EXPECT().Close().Return(nil)

			_, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, MapPopulate, 6, 0)

			Expect(err).To(HaveOccurred())
			Expect(m.Snapshot()).To(BeEmpty())
			Expect(alloc.NumFree()).To(Equal(16))
			Expect(p.as.Pages()).To(BeEmpty())
		})
	})

	Context("when forking", func() {
		var child *fakeProcess

		BeforeEach(func() {
			child = newFakeProcess(9)
		})

		It("should give the child its own populated frames", func() {
			addr, err := m.Mmap(p, 0, vm.PageSize, ProtRead|ProtWrite, 0, 4, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.PageFault(p, addr, true)).To(Succeed())
			readPage(p, addr)[0] = 0xEE

			Expect(m.Duplicate(p, child)).To(Succeed())

			parentPTE, _ := p.as.Lookup(addr)
			childPTE, _ := child.as.Lookup(addr)
			Expect(childPTE.Addr()).NotTo(Equal(parentPTE.Addr()))
			Expect(readPage(child, addr)).To(Equal(content[:vm.PageSize]))
			Expect(readPage(p, addr)[0]).To(Equal(byte(0xEE)))
		})

		It("should bind the child copy of a lazy area", func() {
			addr, err := m.Mmap(p, 0, 2*vm.PageSize, ProtRead, MapAnonymous, -1, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.Duplicate(p, child)).To(Succeed())

			areas := m.Snapshot()
			Expect(areas).To(HaveLen(2))
			Expect(areas[0].Valid).To(Equal(Lazy))
			Expect(areas[1].Owner).To(Equal(9))
			Expect(areas[1].Valid).To(Equal(Bound))
			Expect(readPage(child, addr+vm.PageSize)).To(HaveEach(byte(0)))
		})

		It("should retire the areas of a reaped owner", func() {
			_, err := m.Mmap(p, 0, vm.PageSize, ProtRead, MapAnonymous, -1, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Duplicate(p, child)).To(Succeed())

			Expect(m.RetireOwner(child)).To(Equal(1))

			Expect(m.Snapshot()).To(HaveLen(1))
			Expect(alloc.NumFree()).To(Equal(16))
		})
	})
})
