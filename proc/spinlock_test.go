package proc

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Spinlock", func() {
	var (
		c  *CPU
		lk *Spinlock
	)

	BeforeEach(func() {
		c = newCPU(0)
		c.sti()
		lk = NewSpinlock("test")
	})

	It("should disable interrupts while held", func() {
		lk.Acquire(c)

		Expect(lk.Holding(c)).To(BeTrue())
		Expect(c.Interruptible()).To(BeFalse())
		Expect(c.NCli()).To(Equal(1))

		lk.Release(c)

		Expect(lk.Holding(c)).To(BeFalse())
		Expect(c.Interruptible()).To(BeTrue())
		Expect(c.NCli()).To(Equal(0))
	})

	It("should restore interrupts only at the outermost release", func() {
		other := NewSpinlock("other")

		lk.Acquire(c)
		other.Acquire(c)
		Expect(c.NCli()).To(Equal(2))

		other.Release(c)
		Expect(c.Interruptible()).To(BeFalse())

		lk.Release(c)
		Expect(c.Interruptible()).To(BeTrue())
	})

	It("should keep interrupts off if they were off", func() {
		c.cli()

		lk.Acquire(c)
		lk.Release(c)

		Expect(c.Interruptible()).To(BeFalse())
	})

	It("should panic on a second acquire by the same CPU", func() {
		lk.Acquire(c)

		Expect(func() { lk.Acquire(c) }).To(PanicWith("acquire test"))
	})

	It("should panic when releasing a lock that is not held", func() {
		Expect(func() { lk.Release(c) }).To(PanicWith("release test"))
	})

	It("should not report the host as holding", func() {
		lk.Acquire(nil)

		Expect(lk.Holding(nil)).To(BeFalse())
		Expect(lk.Holding(c)).To(BeFalse())

		lk.Release(nil)
	})

	It("should panic on popcli with interrupts on", func() {
		c.ncli = 1

		Expect(func() { c.popcli() }).To(PanicWith("popcli - interruptible"))
	})

	It("should panic on unbalanced popcli", func() {
		c.cli()

		Expect(func() { c.popcli() }).To(PanicWith("popcli"))
	})
})
