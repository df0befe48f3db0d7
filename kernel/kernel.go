// Package kernel puts the core together: the process table, physical memory,
// the swap tracker and the mapping table. It plays the part of the trap
// handler, sending page faults to whoever can resolve them, and gives every
// process a Task through which it makes system calls.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/proc"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// ConsoleName is the device file behind descriptors 0, 1 and 2.
const ConsoleName = "console"

// ErrNotBooted is returned by Run before Boot.
var ErrNotBooted = errors.New("kernel: not booted")

// A Program is the code of a process.
type Program func(t *Task)

// A Kernel is one simulated machine.
type Kernel struct {
	alloc   *phys.Allocator
	tracker *swap.Tracker
	mmaps   *mmap.Manager
	table   *proc.Table
	ns      *fs.Namespace

	log     logrus.FieldLogger
	console io.Writer

	booted bool
}

// AcceptHook registers a hook with every component.
func (k *Kernel) AcceptHook(hook hooking.Hook) {
	k.table.AcceptHook(hook)
	k.alloc.AcceptHook(hook)
	k.tracker.AcceptHook(hook)
	k.mmaps.AcceptHook(hook)
}

// Table returns the process table.
func (k *Kernel) Table() *proc.Table {
	return k.table
}

// Allocator returns the frame allocator.
func (k *Kernel) Allocator() *phys.Allocator {
	return k.alloc
}

// Tracker returns the swap tracker.
func (k *Kernel) Tracker() *swap.Tracker {
	return k.tracker
}

// Mappings returns the mapping manager.
func (k *Kernel) Mappings() *mmap.Manager {
	return k.mmaps
}

// FS returns the file namespace.
func (k *Kernel) FS() *fs.Namespace {
	return k.ns
}

// Boot creates the init process. It returns its pid.
func (k *Kernel) Boot(name string, prog Program) (int, error) {
	if k.booted {
		return -1, fmt.Errorf("kernel: already booted")
	}

	p, err := k.table.UserInit(name, k.body(prog))
	if err != nil {
		return -1, err
	}

	if err := k.openConsole(p); err != nil {
		return -1, err
	}

	k.booted = true

	k.log.WithFields(logrus.Fields{
		"init":   name,
		"cpus":   len(k.table.CPUs()),
		"frames": k.alloc.NumFrames(),
	}).Info("kernel booted")

	return p.PID(), nil
}

func (k *Kernel) body(prog Program) proc.Body {
	return func(p *proc.Proc) {
		prog(&Task{k: k, p: p})
	}
}

// openConsole gives init the standard descriptors 0, 1 and 2. Its children
// inherit them.
func (k *Kernel) openConsole(p *proc.Proc) error {
	ip, err := k.ns.Lookup(ConsoleName)
	if errors.Is(err, fs.ErrNotFound) {
		ip, err = k.ns.Create(ConsoleName, fs.TypeDevice, nil)
	}

	if err != nil {
		return err
	}

	f := fs.Open(ip, true, true)

	for fd := 0; fd < 3; fd++ {
		if fd > 0 {
			f = f.Dup()
		}

		if _, err := p.AllocFD(f); err != nil {
			return err
		}
	}

	return nil
}

// Run runs the CPUs until the machine halts or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.booted {
		return ErrNotBooted
	}

	k.table.Run(ctx)
	k.table.Shutdown()

	if err := ctx.Err(); err != nil {
		k.log.WithError(err).Warn("kernel stopped")
		return err
	}

	k.log.WithField("ticks", k.table.Ticks()).Info("kernel halted")

	return nil
}

// Snapshot is the state of the whole machine.
type Snapshot struct {
	Ticks   uint64
	Procs   []proc.ProcInfo
	Frames  []phys.FrameInfo
	NumFree int
	Areas   []mmap.AreaInfo
	Swap    swap.Stats
}

// Snapshot captures the state of every component.
func (k *Kernel) Snapshot() Snapshot {
	return Snapshot{
		Ticks:   k.table.Ticks(),
		Procs:   k.table.Snapshot(),
		Frames:  k.alloc.Snapshot(),
		NumFree: k.alloc.NumFree(),
		Areas:   k.mmaps.Snapshot(),
		Swap:    k.tracker.Stats(),
	}
}
