package datarecording

import (
	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/proc"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// Tables written by a KernelTracer.
const (
	ProcTable    = "proc_event"
	MemTable     = "mem_event"
	MappingTable = "mapping_event"
)

// A Clock reports the current timer tick.
type Clock interface {
	Ticks() uint64
}

// ProcEvent is a scheduling event of one process.
type ProcEvent struct {
	Tick      uint64
	Event     string
	PID       int
	Name      string
	State     string
	Nice      int
	VRuntime  int32
	VRunIndex uint32
	Allocated int
	Runtime   uint64
}

// MemEvent is a movement of one page between memory and swap.
type MemEvent struct {
	Tick  uint64
	Event string
	ASID  uint32
	VAddr uint32
	Frame int
	Slot  int
}

// MappingEvent is a change to the mapping table.
type MappingEvent struct {
	Tick   uint64
	Event  string
	Slot   int
	Owner  int
	Addr   uint32
	Length uint32
	Valid  string
}

// KernelTracer is a hook that records what the kernel does into a
// DataRecorder. Frame allocations are too frequent to be worth a row; only
// running out of memory is recorded for the allocator.
type KernelTracer struct {
	recorder DataRecorder
	clock    Clock
}

// NewKernelTracer creates the tables and returns the tracer. Register it with
// Kernel.AcceptHook.
func NewKernelTracer(recorder DataRecorder, clock Clock) *KernelTracer {
	recorder.CreateTable(ProcTable, ProcEvent{})
	recorder.CreateTable(MemTable, MemEvent{})
	recorder.CreateTable(MappingTable, MappingEvent{})

	return &KernelTracer{recorder: recorder, clock: clock}
}

// Func records the event.
func (t *KernelTracer) Func(ctx hooking.HookCtx) {
	tick := t.clock.Ticks()

	switch item := ctx.Item.(type) {
	case proc.ProcInfo:
		t.recorder.InsertData(ProcTable, ProcEvent{
			Tick:      tick,
			Event:     ctx.Pos.Name,
			PID:       item.PID,
			Name:      item.Name,
			State:     item.State.String(),
			Nice:      item.Nice,
			VRuntime:  item.VRuntime,
			VRunIndex: item.VRunIndex,
			Allocated: item.Allocated,
			Runtime:   item.Runtime,
		})
	case swap.Event:
		t.recorder.InsertData(MemTable, MemEvent{
			Tick:  tick,
			Event: ctx.Pos.Name,
			ASID:  uint32(item.ASID),
			VAddr: item.VAddr,
			Frame: int(item.Frame),
			Slot:  item.Slot,
		})
	case mmap.AreaInfo:
		t.recorder.InsertData(MappingTable, MappingEvent{
			Tick:   tick,
			Event:  ctx.Pos.Name,
			Slot:   item.Slot,
			Owner:  item.Owner,
			Addr:   item.Addr,
			Length: item.Length,
			Valid:  item.Valid.String(),
		})
	default:
		if ctx.Pos == phys.HookPosOutOfMemory || ctx.Pos == swap.HookPosReprieve {
			t.recorder.InsertData(MemTable, MemEvent{
				Tick:  tick,
				Event: ctx.Pos.Name,
				Frame: int(phys.NoFrame),
				Slot:  -1,
			})
		}
	}
}
