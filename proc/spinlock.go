package proc

import (
	"log"
	"sync"
	"sync/atomic"
)

// A CPU is one processor. Its fields are only touched by the goroutine that
// currently runs on it: the scheduler loop or the process it switched to.
type CPU struct {
	ID int

	proc       *Proc
	ncli       int
	intena     bool
	interrupts bool

	// sched is where the scheduler of this CPU waits for the running process
	// to switch back.
	sched chan switchToken
}

func newCPU(id int) *CPU {
	return &CPU{ID: id, sched: make(chan switchToken)}
}

// Interruptible tells whether interrupts are enabled.
func (c *CPU) Interruptible() bool {
	return c.interrupts
}

// NCli returns the depth of pushcli calls.
func (c *CPU) NCli() int {
	return c.ncli
}

// Proc returns the process running on the CPU.
func (c *CPU) Proc() *Proc {
	return c.proc
}

func (c *CPU) sti() {
	c.interrupts = true
}

func (c *CPU) cli() {
	c.interrupts = false
}

// pushcli disables interrupts and remembers whether they were on at the
// outermost level. It nests.
func (c *CPU) pushcli() {
	enabled := c.interrupts

	c.cli()

	if c.ncli == 0 {
		c.intena = enabled
	}

	c.ncli++
}

func (c *CPU) popcli() {
	if c.interrupts {
		log.Panic("popcli - interruptible")
	}

	c.ncli--
	if c.ncli < 0 {
		log.Panic("popcli")
	}

	if c.ncli == 0 && c.intena {
		c.sti()
	}
}

// A Spinlock is a mutual exclusion lock that disables interrupts on the CPU
// holding it. It may be released by a different goroutine than the one that
// acquired it, as long as both run on the holding CPU.
//
// A nil CPU stands for code outside the kernel, such as a monitor reading
// snapshots. It takes the lock without interrupt bookkeeping and is never
// reported as holding it.
type Spinlock struct {
	Name string

	mu  sync.Mutex
	cpu atomic.Pointer[CPU]
}

// NewSpinlock creates a named lock.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{Name: name}
}

// Acquire takes the lock on behalf of c.
func (lk *Spinlock) Acquire(c *CPU) {
	if c == nil {
		lk.mu.Lock()
		return
	}

	c.pushcli()

	if lk.Holding(c) {
		log.Panicf("acquire %s", lk.Name)
	}

	lk.mu.Lock()
	lk.cpu.Store(c)
}

// Release gives the lock up on behalf of c.
func (lk *Spinlock) Release(c *CPU) {
	if c == nil {
		lk.mu.Unlock()
		return
	}

	if !lk.Holding(c) {
		log.Panicf("release %s", lk.Name)
	}

	lk.cpu.Store(nil)
	lk.mu.Unlock()

	c.popcli()
}

// Holding tells whether c holds the lock.
func (lk *Spinlock) Holding(c *CPU) bool {
	return c != nil && lk.cpu.Load() == c
}
