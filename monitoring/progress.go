package monitoring

import (
	"sync"
	"time"

	"github.com/sarchlab/xvkernel/proc"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// A ProgressBar shows how much of some work is done. As a hook on a kernel
// it counts processes: each one created adds to Total and InProgress, each
// one reaped moves from InProgress to Finished.
type ProgressBar struct {
	sync.Mutex
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	InProgress uint64    `json:"in_progress"`
}

// IncrementTotal grows the amount of work.
func (b *ProgressBar) IncrementTotal(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.Total += amount
}

// IncrementInProgress adds to the items being worked on.
func (b *ProgressBar) IncrementInProgress(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress += amount
}

// IncrementFinished adds to the finished items.
func (b *ProgressBar) IncrementFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.Finished += amount
}

// MoveInProgressToFinished marks up to amount in-progress items finished.
func (b *ProgressBar) MoveInProgressToFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	amount = min(amount, b.InProgress)
	b.InProgress -= amount
	b.Finished += amount
}

// Func follows the processes of a kernel. It runs under the process table
// lock and only takes the bar's own lock.
func (b *ProgressBar) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case proc.HookPosFork:
		b.Lock()
		b.Total++
		b.InProgress++
		b.Unlock()
	case proc.HookPosReap:
		b.MoveInProgressToFinished(1)
	}
}
