package proc

import (
	"context"
	"log"
	"runtime"
	"sync"
)

// A switchToken hands a CPU from one goroutine to another. Only the context
// switch creates them.
type switchToken struct {
	cpu *CPU
}

// Run starts a scheduler on every CPU and returns once all of them have
// stopped.
func (t *Table) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, c := range t.cpus {
		wg.Add(1)

		go func(c *CPU) {
			defer wg.Done()
			t.Scheduler(ctx, c)
		}(c)
	}

	wg.Wait()
}

// Shutdown releases the goroutines of processes that are parked waiting for a
// CPU. It is called after the schedulers have stopped.
func (t *Table) Shutdown() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

// Scheduler is the loop of CPU c. It repeatedly runs the runnable process
// with the least virtual runtime. It returns when ctx is done or when nothing
// is left that could ever run.
func (t *Table) Scheduler(ctx context.Context, c *CPU) {
	for {
		c.sti()

		t.lock.Acquire(c)

		for ctx.Err() == nil {
			p, total := t.pick()
			if p == nil {
				break
			}

			p.allocated = RoundLength * p.weight / total
			t.dispatch(c, p)
		}

		alive := t.anyAlive()
		t.lock.Release(c)

		if ctx.Err() != nil || !alive {
			return
		}

		if c.ID == 0 {
			t.clockTick(c)
		}

		runtime.Gosched()
	}
}

// pick returns the runnable process with the least (vrunIndex, vruntime) and
// the total weight of runnable processes. Ties go to the first slot.
func (t *Table) pick() (*Proc, int) {
	var best *Proc

	total := 0

	for i := range t.procs {
		q := &t.procs[i]
		if q.state != Runnable {
			continue
		}

		total += q.weight

		if best == nil || before(q, best) {
			best = q
		}
	}

	return best, total
}

func (t *Table) anyAlive() bool {
	for i := range t.procs {
		switch t.procs[i].state {
		case Runnable, Running, Sleeping:
			return true
		}
	}

	return false
}

// dispatch switches from the scheduler of c to p and waits for p to switch
// back. The table lock is held across the switch.
func (t *Table) dispatch(c *CPU, p *Proc) {
	c.proc = p
	p.state = Running
	t.hook(HookPosDispatch, p)

	p.resume <- switchToken{cpu: c}
	<-c.sched

	c.proc = nil
}

// await parks the goroutine of p until a scheduler switches to it.
func (t *Table) await(p *Proc) switchToken {
	select {
	case tok := <-p.resume:
		return tok
	case <-t.done:
		panic(shutdownRequest{})
	}
}

// forkret is where a new process first starts. It still holds the table lock
// taken by the scheduler.
func (t *Table) forkret(p *Proc, tok switchToken) {
	p.cpu = tok.cpu
	t.lock.Release(p.cpu)
}

// sched switches from p back to the scheduler of its CPU. The caller holds
// the table lock and nothing else, and has already changed the state of p.
// When wait is set, sched returns once p is dispatched again, possibly on
// another CPU.
func (t *Table) sched(p *Proc, wait bool) {
	c := p.cpu

	if !t.lock.Holding(c) {
		log.Panic("sched ptable.lock")
	}

	if c.ncli != 1 {
		log.Panic("sched locks")
	}

	if p.state == Running {
		log.Panic("sched running")
	}

	if c.interrupts {
		log.Panic("sched interruptible")
	}

	intena := c.intena

	c.sched <- switchToken{cpu: c}

	if !wait {
		return
	}

	tok := t.await(p)
	p.cpu = tok.cpu
	p.cpu.intena = intena
}

// fold charges the progress of p to its virtual runtime. The caller holds the
// table lock.
func (t *Table) fold(p *Proc) {
	p.runtime += uint64(p.progress)
	p.vrunIndex, p.vruntime = Fold(p.vrunIndex, p.vruntime, p.progress, p.weight)
	p.progress = 0
}

// Yield gives up the CPU for one scheduling round.
func (t *Table) Yield(p *Proc) {
	t.lock.Acquire(p.cpu)

	p.state = Runnable
	t.fold(p)
	t.hook(HookPosYield, p)
	t.sched(p, true)

	t.lock.Release(p.cpu)
}

// Sleep atomically releases lk and sleeps on ch. lk is held again when Sleep
// returns.
func (t *Table) Sleep(p *Proc, ch any, lk *Spinlock) {
	if lk == nil {
		log.Panic("sleep without lk")
	}

	if lk != &t.lock {
		t.lock.Acquire(p.cpu)
		lk.Release(p.cpu)
	}

	p.waitChan = ch
	p.state = Sleeping
	t.fold(p)
	t.hook(HookPosSleep, p)
	t.sched(p, true)

	p.waitChan = nil

	if lk != &t.lock {
		t.lock.Release(p.cpu)
		lk.Acquire(p.cpu)
	}
}

// Wakeup wakes every process sleeping on ch. c is the calling CPU, or nil
// from outside the kernel.
func (t *Table) Wakeup(c *CPU, ch any) {
	t.lock.Acquire(c)
	t.wakeup1(ch)
	t.lock.Release(c)
}

// wakeup1 places the processes sleeping on ch at the front of the run queue
// by giving them the least virtual runtime among the runnable ones. The
// caller holds the table lock.
func (t *Table) wakeup1(ch any) {
	var least *Proc

	for i := range t.procs {
		q := &t.procs[i]
		if q.state == Runnable && (least == nil || before(q, least)) {
			least = q
		}
	}

	for i := range t.procs {
		q := &t.procs[i]
		if q.state != Sleeping || q.waitChan != ch {
			continue
		}

		q.state = Runnable

		if least != nil {
			q.vrunIndex = least.vrunIndex
			q.vruntime = least.vruntime
		}

		t.hook(HookPosWakeup, q)
	}
}

// TimerTick delivers a timer interrupt to the running process p. It does
// nothing while interrupts are off on its CPU.
func (t *Table) TimerTick(p *Proc) {
	c := p.cpu
	if !c.interrupts {
		return
	}

	p.tf.Trapno = TrapTimer

	if c.ID == 0 {
		t.clockTick(c)
	}

	t.lock.Acquire(c)

	p.progress += t.tickUnit

	if p.state == Running && p.progress >= p.allocated {
		p.state = Runnable
		t.fold(p)
		t.hook(HookPosPreempt, p)
		t.sched(p, true)
	}

	t.lock.Release(p.cpu)
}

func (t *Table) clockTick(c *CPU) {
	t.tickslock.Acquire(c)
	t.ticks.Add(1)
	t.Wakeup(c, &t.ticks)
	t.tickslock.Release(c)
}

// SleepTicks sleeps until n timer ticks have passed.
func (t *Table) SleepTicks(p *Proc, n uint64) error {
	t.tickslock.Acquire(p.cpu)

	t0 := t.ticks.Load()
	for t.ticks.Load()-t0 < n {
		if p.killed.Load() {
			t.tickslock.Release(p.cpu)
			return ErrKilled
		}

		t.Sleep(p, &t.ticks, &t.tickslock)
	}

	t.tickslock.Release(p.cpu)

	return nil
}
