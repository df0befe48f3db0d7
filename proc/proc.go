// Package proc implements the process table and the weighted virtual-runtime
// scheduler. Every process runs on its own goroutine and every CPU runs a
// scheduler loop; the two hand the CPU back and forth through an unbuffered
// switch so that exactly one of them runs on a CPU at a time.
package proc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/vm"
)

// Table limits.
const (
	NPROC  = 64
	NOFILE = 16
)

// Scheduling constants.
const (
	DefaultNice = 20
	MinNice     = 0
	MaxNice     = 39

	// VRuntimeLimit is the ceiling of vruntime. Going past it starts a new
	// generation.
	VRuntimeLimit = 2147483647

	// RoundLength is the length of one scheduling round in milliticks. Each
	// runnable process gets a share of it proportional to its weight.
	RoundLength = 10000

	// DefaultTickUnit is the progress, in milliticks, of one timer tick.
	DefaultTickUnit = 1000
)

// Weights maps nice values to weights. Each step is about 1.25 times the
// next one, and nice 20 weighs 1024.
var Weights = [MaxNice + 1]int{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

// Errors of the process table.
var (
	ErrInvalidNice = errors.New("proc: nice value out of range")
	ErrNoProcess   = errors.New("proc: no such process")
	ErrNoChildren  = errors.New("proc: no children")
	ErrTableFull   = errors.New("proc: process table full")
	ErrKilled      = errors.New("proc: killed")
)

// State is the lifecycle state of a process slot.
type State int

// Process states.
const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Embryo:
		return "EMBRYO"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText writes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Body is the code of a process. It runs on the process goroutine once the
// process is first scheduled. Returning from it exits the process.
type Body func(p *Proc)

// A TrapFrame records the last trap taken by a process.
type TrapFrame struct {
	Trapno int
	Err    uint32
	Addr   uint32
}

// Trap numbers.
const (
	TrapTimer     = 32
	TrapPageFault = 14
	TrapSyscall   = 64
)

// A Proc is one slot of the process table. Scheduling fields are guarded by
// the table lock.
type Proc struct {
	slot   int
	pid    int
	name   string
	parent int
	state  State

	nice      int
	weight    int
	vruntime  int32
	vrunIndex uint32
	progress  int
	runtime   uint64
	allocated int
	waitChan  any
	killed    atomic.Bool
	start     uint64

	space  *vm.AddressSpace
	size   uint32
	kstack phys.FrameID
	tf     TrapFrame

	ofile [NOFILE]fs.File
	cwd   *fs.Inode

	cpu    *CPU
	resume chan switchToken
}

// PID returns the process id.
func (p *Proc) PID() int {
	return p.pid
}

// Name returns the display name.
func (p *Proc) Name() string {
	return p.name
}

// CPU returns the CPU the process runs on. It is only meaningful on the
// process goroutine.
func (p *Proc) CPU() *CPU {
	return p.cpu
}

// Killed tells whether the process has been asked to die.
func (p *Proc) Killed() bool {
	return p.killed.Load()
}

// AddrSpace returns the user address space.
func (p *Proc) AddrSpace() *vm.AddressSpace {
	return p.space
}

// SetAddrSpace installs the user address space.
func (p *Proc) SetAddrSpace(as *vm.AddressSpace) {
	p.space = as
}

// Size returns the size of the process image.
func (p *Proc) Size() uint32 {
	return p.size
}

// SetSize records the size of the process image.
func (p *Proc) SetSize(sz uint32) {
	p.size = sz
}

// KStack returns the frame of the kernel stack.
func (p *Proc) KStack() phys.FrameID {
	return p.kstack
}

// SetKStack records the frame of the kernel stack.
func (p *Proc) SetKStack(id phys.FrameID) {
	p.kstack = id
}

// TrapFrame returns the last trap of the process.
func (p *Proc) TrapFrame() *TrapFrame {
	return &p.tf
}

// File returns the open file at fd, or nil.
func (p *Proc) File(fd int) fs.File {
	if fd < 0 || fd >= NOFILE {
		return nil
	}

	return p.ofile[fd]
}

// AllocFD installs f in the lowest free descriptor.
func (p *Proc) AllocFD(f fs.File) (int, error) {
	for fd := range p.ofile {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd, nil
		}
	}

	return -1, errors.New("proc: too many open files")
}

// CloseFD closes the file at fd.
func (p *Proc) CloseFD(fd int) error {
	f := p.File(fd)
	if f == nil {
		return fmt.Errorf("proc: bad file descriptor %d", fd)
	}

	p.ofile[fd] = nil

	return f.Close()
}

// Cwd returns the current directory.
func (p *Proc) Cwd() *fs.Inode {
	return p.cwd
}

// SetCwd changes the current directory.
func (p *Proc) SetCwd(ip *fs.Inode) {
	p.cwd = ip
}

// Fold adds progress milliticks, scaled by weight, to the virtual runtime
// (index, vruntime). When the sum passes VRuntimeLimit the index moves to
// the next generation and vruntime keeps the remainder, so the pair never
// decreases in lexicographic order.
func Fold(index uint32, vruntime int32, progress, weight int) (uint32, int32) {
	delta := int64(progress) * 1024 / int64(weight)
	v := int64(vruntime) + delta

	for v > VRuntimeLimit {
		index++
		v -= VRuntimeLimit
	}

	return index, int32(v)
}

// before orders processes by (vrunIndex, vruntime).
func before(a, b *Proc) bool {
	if a.vrunIndex != b.vrunIndex {
		return a.vrunIndex < b.vrunIndex
	}

	return a.vruntime < b.vruntime
}

// ProcInfo is a read-only view of a process.
type ProcInfo struct {
	Slot      int
	PID       int
	Name      string
	ParentPID int
	State     State
	Nice      int
	Weight    int
	VRuntime  int32
	VRunIndex uint32
	Progress  int
	Runtime   uint64
	Allocated int
	Killed    bool
	Size      uint32
	StartTick uint64
}

// TotalVRuntime folds the generation back into one number.
func (i ProcInfo) TotalVRuntime() uint64 {
	return uint64(i.VRunIndex)*VRuntimeLimit + uint64(i.VRuntime)
}

// Fields describes the process for structured logs.
func (i ProcInfo) Fields() logrus.Fields {
	return logrus.Fields{
		"pid":       i.PID,
		"name":      i.Name,
		"state":     i.State.String(),
		"nice":      i.Nice,
		"vruntime":  i.VRuntime,
		"vrunIndex": i.VRunIndex,
		"allocated": i.Allocated,
	}
}
