package kernel

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/proc"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// DefaultNumFrames is the size of physical memory when none is given.
const DefaultNumFrames = 1024

// Builder creates Kernels.
type Builder struct {
	numCPU         int
	numFrames      int
	device         swap.Device
	numSlots       int
	policy         swap.SlotPolicy
	tickUnit       int
	reclaimRetries int
	logger         logrus.FieldLogger
	console        io.Writer
	hooks          []hooking.Hook
}

// MakeBuilder returns a new Builder
func MakeBuilder() Builder {
	return Builder{
		numCPU:         1,
		numFrames:      DefaultNumFrames,
		numSlots:       swap.DefaultSlots,
		policy:         swap.AddressSlots{},
		tickUnit:       proc.DefaultTickUnit,
		reclaimRetries: -1,
		console:        io.Discard,
	}
}

// WithNumCPU sets the number of CPUs.
func (b Builder) WithNumCPU(n int) Builder {
	b.numCPU = n
	return b
}

// WithNumFrames sets the number of physical frames.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithSwapDevice sets the device evicted pages are written to.
func (b Builder) WithSwapDevice(device swap.Device) Builder {
	b.device = device
	return b
}

// WithSwapSlots sets the number of swap slots.
func (b Builder) WithSwapSlots(n int) Builder {
	b.numSlots = n
	return b
}

// WithSlotPolicy sets how evicted pages are given swap slots.
func (b Builder) WithSlotPolicy(policy swap.SlotPolicy) Builder {
	b.policy = policy
	return b
}

// WithTickUnit sets the milliticks one timer tick charges to a process.
func (b Builder) WithTickUnit(milliticks int) Builder {
	b.tickUnit = milliticks
	return b
}

// WithReclaimRetries sets how many reclamation steps one allocation may take.
// A negative value, the default, allows two sweeps of the clock: the first
// takes every second chance away and the second passes pages whose swap slot
// is taken.
func (b Builder) WithReclaimRetries(n int) Builder {
	b.reclaimRetries = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger logrus.FieldLogger) Builder {
	b.logger = logger
	return b
}

// WithConsole sets where processes print to.
func (b Builder) WithConsole(w io.Writer) Builder {
	b.console = w
	return b
}

// WithHook registers a hook with every component of the kernel.
func (b Builder) WithHook(hook hooking.Hook) Builder {
	b.hooks = append(b.hooks, hook)
	return b
}

// Build creates the kernel.
func (b Builder) Build() *Kernel {
	logger := b.logger
	if logger == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		logger = silent
	}

	k := &Kernel{
		log:     logger,
		console: b.console,
		ns:      fs.NewNamespace(),
	}

	k.alloc = phys.NewAllocator(b.numFrames)
	retries := b.reclaimRetries
	if retries < 0 {
		retries = 2*b.numFrames + 1
	}

	k.alloc.SetReclaimRetries(retries)

	k.tracker = swap.MakeBuilder().
		WithAllocator(k.alloc).
		WithDevice(b.device).
		WithNumSlots(b.numSlots).
		WithSlotPolicy(b.policy).
		Build()

	k.mmaps = mmap.NewManager(k.alloc, k.tracker)

	k.table = proc.MakeBuilder().
		WithNumCPU(b.numCPU).
		WithTickUnit(b.tickUnit).
		WithMemory(&memory{k: k}).
		WithLogger(logger).
		Build()

	for _, h := range b.hooks {
		k.AcceptHook(h)
	}

	return k
}
