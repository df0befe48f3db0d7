package proc

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/sim/hooking"
)

// Hook positions of the process table. Hooks run with the table lock held
// and must not call back into the table.
var (
	HookPosFork     = &hooking.HookPos{Name: "Fork"}
	HookPosDispatch = &hooking.HookPos{Name: "Dispatch"}
	HookPosYield    = &hooking.HookPos{Name: "Yield"}
	HookPosPreempt  = &hooking.HookPos{Name: "Preempt"}
	HookPosSleep    = &hooking.HookPos{Name: "Sleep"}
	HookPosWakeup   = &hooking.HookPos{Name: "Wakeup"}
	HookPosKill     = &hooking.HookPos{Name: "Kill"}
	HookPosExit     = &hooking.HookPos{Name: "Exit"}
	HookPosReap     = &hooking.HookPos{Name: "Reap"}
)

// Memory sets up and tears down the memory of processes.
type Memory interface {
	// Setup gives a new process its kernel stack and an empty address space.
	Setup(p *Proc) error
	// Fork copies the image and mappings of parent into child.
	Fork(parent, child *Proc) error
	// Release frees everything Setup and Fork gave p.
	Release(p *Proc)
}

// A Table is the process table and the CPUs that run its processes.
type Table struct {
	hooking.HookableBase

	lock  Spinlock
	procs [NPROC]Proc
	cpus  []*CPU

	nextPID  int
	initProc *Proc

	tickslock Spinlock
	ticks     atomic.Uint64
	tickUnit  int

	mem Memory
	log logrus.FieldLogger

	done     chan struct{}
	doneOnce sync.Once
}

// Builder creates Tables.
type Builder struct {
	numCPU   int
	tickUnit int
	mem      Memory
	logger   logrus.FieldLogger
}

// MakeBuilder returns a new Builder
func MakeBuilder() Builder {
	return Builder{
		numCPU:   1,
		tickUnit: DefaultTickUnit,
	}
}

// WithNumCPU sets the number of CPUs.
func (b Builder) WithNumCPU(n int) Builder {
	b.numCPU = n
	return b
}

// WithTickUnit sets the progress one timer tick adds to the running process.
func (b Builder) WithTickUnit(milliticks int) Builder {
	b.tickUnit = milliticks
	return b
}

// WithMemory sets the memory collaborator.
func (b Builder) WithMemory(mem Memory) Builder {
	b.mem = mem
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger logrus.FieldLogger) Builder {
	b.logger = logger
	return b
}

// Build creates the table.
func (b Builder) Build() *Table {
	if b.numCPU <= 0 {
		log.Panicf("proc: invalid CPU count %d", b.numCPU)
	}

	if b.tickUnit <= 0 {
		log.Panicf("proc: invalid tick unit %d", b.tickUnit)
	}

	t := &Table{
		nextPID:  1,
		tickUnit: b.tickUnit,
		mem:      b.mem,
		log:      b.logger,
		done:     make(chan struct{}),
	}

	t.lock.Name = "ptable"
	t.tickslock.Name = "time"

	if t.log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		t.log = discard
	}

	for i := range t.procs {
		t.procs[i].slot = i
		t.procs[i].parent = -1
	}

	for i := 0; i < b.numCPU; i++ {
		t.cpus = append(t.cpus, newCPU(i))
	}

	return t
}

// CPUs returns the processors of the table.
func (t *Table) CPUs() []*CPU {
	return t.cpus
}

// Ticks returns the timer tick count.
func (t *Table) Ticks() uint64 {
	return t.ticks.Load()
}

func (t *Table) info(p *Proc) ProcInfo {
	ppid := 0
	if p.parent >= 0 {
		ppid = t.procs[p.parent].pid
	}

	return ProcInfo{
		Slot:      p.slot,
		PID:       p.pid,
		Name:      p.name,
		ParentPID: ppid,
		State:     p.state,
		Nice:      p.nice,
		Weight:    p.weight,
		VRuntime:  p.vruntime,
		VRunIndex: p.vrunIndex,
		Progress:  p.progress,
		Runtime:   p.runtime,
		Allocated: p.allocated,
		Killed:    p.killed.Load(),
		Size:      p.size,
		StartTick: p.start,
	}
}

func (t *Table) hook(pos *hooking.HookPos, p *Proc) {
	if t.NumHooks() == 0 {
		return
	}

	t.InvokeHook(hooking.HookCtx{Domain: t, Pos: pos, Item: t.info(p)})
}

// allocProc claims an unused slot and returns it in EMBRYO state with a fresh
// pid and default scheduling fields. The caller holds the table lock.
func (t *Table) allocProc() (*Proc, error) {
	for i := range t.procs {
		p := &t.procs[i]
		if p.state != Unused {
			continue
		}

		p.state = Embryo
		p.pid = t.nextPID
		t.nextPID++

		p.parent = -1
		p.nice = DefaultNice
		p.weight = Weights[DefaultNice]
		p.vruntime = 0
		p.vrunIndex = 0
		p.progress = 0
		p.runtime = 0
		p.allocated = 0
		p.waitChan = nil
		p.killed.Store(false)
		p.start = t.ticks.Load()
		p.tf = TrapFrame{}
		p.resume = make(chan switchToken)

		return p, nil
	}

	return nil, ErrTableFull
}

// freeProc returns an EMBRYO or ZOMBIE slot to the pool. The caller holds the
// table lock.
func (t *Table) freeProc(p *Proc) {
	p.pid = 0
	p.name = ""
	p.parent = -1
	p.state = Unused
	p.killed.Store(false)
	p.space = nil
	p.size = 0
	p.cwd = nil
	p.resume = nil
}

// UserInit creates the first process. It is called before the CPUs start.
func (t *Table) UserInit(name string, body Body) (*Proc, error) {
	t.lock.Acquire(nil)
	p, err := t.allocProc()
	t.lock.Release(nil)

	if err != nil {
		return nil, err
	}

	p.name = name

	if t.mem != nil {
		if err := t.mem.Setup(p); err != nil {
			t.lock.Acquire(nil)
			t.freeProc(p)
			t.lock.Release(nil)

			return nil, fmt.Errorf("proc: userinit: %w", err)
		}
	}

	t.initProc = p
	t.start(nil, p, body)

	t.log.WithFields(t.info(p).Fields()).Info("init process created")

	return p, nil
}

// Fork creates a child of parent that runs body. The child starts with the
// virtual runtime of its parent and the default nice value.
func (t *Table) Fork(parent *Proc, name string, body Body) (*Proc, error) {
	t.lock.Acquire(parent.cpu)
	np, err := t.allocProc()
	t.lock.Release(parent.cpu)

	if err != nil {
		return nil, err
	}

	if t.mem != nil {
		err = t.mem.Setup(np)
		if err == nil {
			err = t.mem.Fork(parent, np)
			if err != nil {
				t.mem.Release(np)
			}
		}

		if err != nil {
			t.lock.Acquire(parent.cpu)
			t.freeProc(np)
			t.lock.Release(parent.cpu)

			return nil, fmt.Errorf("proc: fork: %w", err)
		}
	}

	np.name = name
	np.size = parent.size
	np.tf = parent.tf

	for fd, f := range parent.ofile {
		if f != nil {
			np.ofile[fd] = f.Dup()
		}
	}

	np.cwd = parent.cwd

	t.lock.Acquire(parent.cpu)
	np.parent = parent.slot
	np.vruntime = parent.vruntime
	np.vrunIndex = parent.vrunIndex
	t.lock.Release(parent.cpu)

	t.start(parent.cpu, np, body)

	t.log.WithFields(t.info(np).Fields()).Debug("fork")

	return np, nil
}

// start launches the goroutine of p and makes it runnable.
func (t *Table) start(c *CPU, p *Proc, body Body) {
	go t.run(p, body)

	t.lock.Acquire(c)
	p.state = Runnable
	t.hook(HookPosFork, p)
	t.lock.Release(c)
}

type exitRequest struct{}

type shutdownRequest struct{}

// run is the body of a process goroutine.
func (t *Table) run(p *Proc, body Body) {
	defer func() {
		switch r := recover(); r.(type) {
		case nil, exitRequest:
			t.exit(p)
		case shutdownRequest:
		default:
			panic(r)
		}
	}()

	t.forkret(p, t.await(p))
	body(p)
}

// Exit terminates p. It must be called on the goroutine of p and does not
// return.
func (t *Table) Exit(p *Proc) {
	panic(exitRequest{})
}

func (t *Table) exit(p *Proc) {
	if p == t.initProc && t.numLive() > 1 {
		log.Panic("init exiting")
	}

	for fd, f := range p.ofile {
		if f != nil {
			f.Close()
			p.ofile[fd] = nil
		}
	}

	p.cwd = nil

	c := p.cpu
	t.lock.Acquire(c)

	// The parent might be sleeping in Wait.
	if p.parent >= 0 {
		t.wakeup1(&t.procs[p.parent])
	}

	for i := range t.procs {
		q := &t.procs[i]
		if q.parent != p.slot || q.state == Unused {
			continue
		}

		q.parent = t.initProc.slot
		if q.state == Zombie {
			t.wakeup1(t.initProc)
		}
	}

	t.fold(p)
	p.state = Zombie
	t.hook(HookPosExit, p)

	t.log.WithFields(t.info(p).Fields()).Debug("exit")

	t.sched(p, false)
}

// numLive counts processes that are not UNUSED or ZOMBIE.
func (t *Table) numLive() int {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)

	n := 0

	for i := range t.procs {
		switch t.procs[i].state {
		case Unused, Zombie:
		default:
			n++
		}
	}

	return n
}

// Wait reaps a zombie child of p and returns its pid. It sleeps while the
// children are still running.
func (t *Table) Wait(p *Proc) (int, error) {
	t.lock.Acquire(p.cpu)

	for {
		haveKids := false

		for i := range t.procs {
			q := &t.procs[i]
			if q.parent != p.slot || q.state == Unused {
				continue
			}

			haveKids = true

			if q.state == Zombie {
				pid := q.pid
				t.hook(HookPosReap, q)

				if t.mem != nil {
					t.mem.Release(q)
				}

				t.freeProc(q)
				t.lock.Release(p.cpu)

				return pid, nil
			}
		}

		if !haveKids || p.killed.Load() {
			t.lock.Release(p.cpu)
			return -1, ErrNoChildren
		}

		t.Sleep(p, p, &t.lock)
	}
}

// Kill marks the process pid as killed. A sleeping victim is made runnable
// so that it notices soon.
func (t *Table) Kill(c *CPU, pid int) error {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	p := t.find(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	p.killed.Store(true)

	if p.state == Sleeping {
		p.state = Runnable
	}

	t.hook(HookPosKill, p)

	return nil
}

func (t *Table) find(pid int) *Proc {
	if pid <= 0 {
		return nil
	}

	for i := range t.procs {
		p := &t.procs[i]
		if p.pid == pid && p.state != Unused {
			return p
		}
	}

	return nil
}

// SetNice changes the nice value, and with it the weight, of pid.
func (t *Table) SetNice(c *CPU, pid, value int) error {
	if value < MinNice || value > MaxNice {
		return fmt.Errorf("%w: %d", ErrInvalidNice, value)
	}

	t.lock.Acquire(c)
	defer t.lock.Release(c)

	p := t.find(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	p.nice = value
	p.weight = Weights[value]

	return nil
}

// GetNice returns the nice value of pid.
func (t *Table) GetNice(c *CPU, pid int) (int, error) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	p := t.find(pid)
	if p == nil {
		return -1, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}

	return p.nice, nil
}

// Snapshot returns every used slot.
func (t *Table) Snapshot() []ProcInfo {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)

	infos := []ProcInfo{}

	for i := range t.procs {
		if t.procs[i].state != Unused {
			infos = append(infos, t.info(&t.procs[i]))
		}
	}

	return infos
}

// Lookup returns the process pid.
func (t *Table) Lookup(pid int) (ProcInfo, bool) {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)

	p := t.find(pid)
	if p == nil {
		return ProcInfo{}, false
	}

	return t.info(p), true
}
