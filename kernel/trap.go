package kernel

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/proc"
)

// ErrIllegalAccess is returned for a fault no one can resolve.
var ErrIllegalAccess = errors.New("kernel: illegal memory access")

// maxFaults bounds how often one access may fault. A page brought in can be
// evicted again before the access is retried when memory is very tight.
const maxFaults = 8

// access performs a user access to va and calls fn with the physical address
// while the page is held resident. Faults are resolved the way the trap
// handler does; a fault that can not be resolved kills the process.
func (k *Kernel) access(p *proc.Proc, va uint32, write bool, fn func(pa uint32)) error {
	as := p.AddrSpace()

	for n := 0; ; n++ {
		fault := as.Access(va, write, fn)
		if fault == nil {
			return nil
		}

		err := k.pageFault(p, fault)
		if err == nil && n+1 < maxFaults {
			continue
		}

		if err == nil {
			err = fmt.Errorf("%w: %#x keeps faulting", ErrIllegalAccess, va)
		}

		k.log.WithFields(logrus.Fields{
			"pid":   p.PID(),
			"name":  p.Name(),
			"addr":  fmt.Sprintf("%#x", va),
			"write": write,
		}).WithError(err).Warn("killing process after page fault")

		if kerr := k.table.Kill(p.CPU(), p.PID()); kerr != nil {
			return kerr
		}

		return err
	}
}

// pageFault resolves one fault. Swapped pages are read back, faults in the
// mapping region go to the mapping manager, and anything else is illegal.
func (k *Kernel) pageFault(p *proc.Proc, f *vm.Fault) error {
	tf := p.TrapFrame()
	tf.Trapno = proc.TrapPageFault
	tf.Addr = f.Addr
	tf.Err = uint32(f.Kind)

	switch {
	case f.Kind == vm.FaultSwapped:
		return k.tracker.SwapIn(p.AddrSpace(), f.Addr)
	case f.Kind == vm.FaultNotPresent && f.Addr >= mmap.Base && f.Addr < vm.KernBase:
		return k.mmaps.PageFault(p, f.Addr, f.Write)
	default:
		return fmt.Errorf("%w: %v", ErrIllegalAccess, f)
	}
}
