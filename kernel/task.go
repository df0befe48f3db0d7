package kernel

import (
	"errors"
	"fmt"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/proc"
)

// A Task is the system-call surface of a running process. Its methods must
// only be called from the program of that process. A process that has been
// killed exits when a call returns, unless it still holds a lock.
type Task struct {
	k *Kernel
	p *proc.Proc
}

// checkpoint exits the process if it has been killed.
func (t *Task) checkpoint() {
	if t.p.Killed() && t.p.CPU().NCli() == 0 {
		t.k.table.Exit(t.p)
	}
}

// PID returns the process id.
func (t *Task) PID() int {
	return t.p.PID()
}

// Name returns the process name.
func (t *Task) Name() string {
	return t.p.Name()
}

// Fork creates a child that runs prog and returns its pid.
func (t *Task) Fork(name string, prog Program) (int, error) {
	defer t.checkpoint()

	child, err := t.k.table.Fork(t.p, name, t.k.body(prog))
	if err != nil {
		return -1, err
	}

	return child.PID(), nil
}

// Exit terminates the process.
func (t *Task) Exit() {
	t.k.table.Exit(t.p)
}

// Wait reaps a child and returns its pid.
func (t *Task) Wait() (int, error) {
	defer t.checkpoint()

	return t.k.table.Wait(t.p)
}

// Kill asks the process pid to exit.
func (t *Task) Kill(pid int) error {
	defer t.checkpoint()

	return t.k.table.Kill(t.p.CPU(), pid)
}

// Yield gives up the CPU.
func (t *Task) Yield() {
	defer t.checkpoint()

	t.k.table.Yield(t.p)
}

// Compute burns n timer ticks of CPU time. The process may be preempted in
// between.
func (t *Task) Compute(n int) {
	for i := 0; i < n; i++ {
		t.k.table.TimerTick(t.p)
		t.checkpoint()
	}
}

// SleepTicks sleeps for n timer ticks.
func (t *Task) SleepTicks(n int) error {
	defer t.checkpoint()

	if n < 0 {
		return fmt.Errorf("kernel: negative sleep %d", n)
	}

	return t.k.table.SleepTicks(t.p, uint64(n))
}

// Ticks returns the timer tick count.
func (t *Task) Ticks() uint64 {
	return t.k.table.Ticks()
}

// SetNice sets the nice value of pid.
func (t *Task) SetNice(pid, value int) error {
	defer t.checkpoint()

	return t.k.table.SetNice(t.p.CPU(), pid, value)
}

// GetNice returns the nice value of pid.
func (t *Task) GetNice(pid int) (int, error) {
	defer t.checkpoint()

	return t.k.table.GetNice(t.p.CPU(), pid)
}

// Sbrk grows the heap by n bytes, or shrinks it when n is negative, and
// returns the previous end of the heap. New pages are backed at once.
func (t *Task) Sbrk(n int) (uint32, error) {
	defer t.checkpoint()

	mem := &memory{k: t.k}
	as := t.p.AddrSpace()
	old := t.p.Size()

	switch {
	case n > 0:
		reached, err := mem.grow(as, old, uint32(n))
		if err != nil {
			mem.shrink(as, reached, old)
			return old, err
		}

		t.p.SetSize(reached)
	case n < 0:
		if uint32(-n) > old {
			return old, fmt.Errorf("%w: shrink by %d below zero", ErrHeapLimit, -n)
		}

		top := old - uint32(-n)
		mem.shrink(as, old, top)
		t.p.SetSize(top)
	}

	return old, nil
}

// Mmap maps a region as described by the mapping manager and returns its
// address.
func (t *Task) Mmap(
	addr, length uint32,
	prot mmap.Prot,
	flags mmap.Flags,
	fd, offset int,
) (uint32, error) {
	defer t.checkpoint()

	return t.k.mmaps.Mmap(t.p, addr, length, prot, flags, fd, offset)
}

// Munmap removes the mapping that starts at addr.
func (t *Task) Munmap(addr uint32) error {
	defer t.checkpoint()

	return t.k.mmaps.Munmap(t.p, addr)
}

// Load reads the byte at va.
func (t *Task) Load(va uint32) (byte, error) {
	defer t.checkpoint()

	var b byte

	err := t.k.access(t.p, va, false, func(pa uint32) {
		b = t.k.physByte(pa)[0]
	})

	return b, err
}

// Store writes the byte at va.
func (t *Task) Store(va uint32, b byte) error {
	defer t.checkpoint()

	return t.k.access(t.p, va, true, func(pa uint32) {
		t.k.physByte(pa)[0] = b
	})
}

// ReadMem copies user memory starting at va into buf.
func (t *Task) ReadMem(va uint32, buf []byte) error {
	defer t.checkpoint()

	return t.k.copyUser(t.p, va, buf, false)
}

// WriteMem copies buf into user memory starting at va.
func (t *Task) WriteMem(va uint32, buf []byte) error {
	defer t.checkpoint()

	return t.k.copyUser(t.p, va, buf, true)
}

// copyUser moves bytes between buf and user memory one page at a time.
func (k *Kernel) copyUser(p *proc.Proc, va uint32, buf []byte, write bool) error {
	for len(buf) > 0 {
		n := vm.PageSize - int(vm.PageOffset(va))
		if n > len(buf) {
			n = len(buf)
		}

		chunk := buf[:n]

		err := k.access(p, va, write, func(pa uint32) {
			mem := k.physByte(pa)[:n]
			if write {
				copy(mem, chunk)
			} else {
				copy(chunk, mem)
			}
		})
		if err != nil {
			return err
		}

		buf = buf[n:]
		va += uint32(n)
	}

	return nil
}

// physByte returns physical memory from pa to the end of its frame.
func (k *Kernel) physByte(pa uint32) []byte {
	id, ok := k.alloc.FrameAt(pa)
	if !ok {
		panic(fmt.Sprintf("kernel: physical address %#x outside memory", pa))
	}

	return k.alloc.Page(id)[vm.PageOffset(pa):]
}

// Open opens the named file and returns its descriptor.
func (t *Task) Open(name string, mode int) (int, error) {
	defer t.checkpoint()

	ip, err := t.k.ns.Lookup(name)
	if errors.Is(err, fs.ErrNotFound) && mode&fs.OCreate != 0 {
		ip, err = t.k.ns.Create(name, fs.TypeFile, nil)
	}

	if err != nil {
		return -1, err
	}

	f := fs.OpenMode(ip, mode)

	fd, err := t.p.AllocFD(f)
	if err != nil {
		f.Close()
		return -1, err
	}

	return fd, nil
}

// Close closes fd.
func (t *Task) Close(fd int) error {
	defer t.checkpoint()

	return t.p.CloseFD(fd)
}

// FreeMem returns the number of free frames.
func (t *Task) FreeMem() int {
	return t.k.alloc.NumFree()
}

// Printf writes to the console.
func (t *Task) Printf(format string, args ...any) {
	fmt.Fprintf(t.k.console, format, args...)
}

// NewLock creates a lock processes can sleep on.
func (t *Task) NewLock(name string) *proc.Spinlock {
	return proc.NewSpinlock(name)
}

// Acquire takes lk.
func (t *Task) Acquire(lk *proc.Spinlock) {
	lk.Acquire(t.p.CPU())
}

// Release gives up lk.
func (t *Task) Release(lk *proc.Spinlock) {
	lk.Release(t.p.CPU())
	t.checkpoint()
}

// Sleep releases lk, sleeps on ch and takes lk again.
func (t *Task) Sleep(ch any, lk *proc.Spinlock) {
	t.k.table.Sleep(t.p, ch, lk)
}

// Wakeup wakes the processes sleeping on ch.
func (t *Task) Wakeup(ch any) {
	t.k.table.Wakeup(t.p.CPU(), ch)
}
