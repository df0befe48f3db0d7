// Package phys manages physical page frames: a free list for allocation and a
// ring of resident user pages that reclamation walks when the list runs dry.
package phys

import (
	"errors"
	"log"
	"sync"

	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// PhysBase is the physical address of frame 0.
const PhysBase uint32 = 0x00400000

// poison fills freed pages so that dangling references read junk.
const poison = 0x01

// ErrOutOfMemory is returned when no frame is free and none could be
// reclaimed.
var ErrOutOfMemory = errors.New("phys: out of memory")

// FrameID indexes the frame arena.
type FrameID int

// NoFrame is the nil frame link.
const NoFrame FrameID = -1

// A Frame is the record of one physical page. Space and VAddr tell which user
// page the frame backs; both are empty while the frame is free or used by the
// kernel itself.
type Frame struct {
	Space *vm.AddressSpace
	VAddr uint32

	prev, next FrameID
	linked     bool
}

// A Reclaimer frees at least one frame, or gives one frame a second chance.
type Reclaimer interface {
	// Reclaim performs one reclamation step. progress is true when the
	// allocator should look at the free list again.
	Reclaim() (progress bool, err error)
}

// HookPosAlloc marks a frame leaving the free list.
var HookPosAlloc = &hooking.HookPos{Name: "FrameAlloc"}

// HookPosFree marks a frame returning to the free list.
var HookPosFree = &hooking.HookPos{Name: "FrameFree"}

// HookPosOutOfMemory marks an allocation that failed.
var HookPosOutOfMemory = &hooking.HookPos{Name: "OutOfMemory"}

// Allocator hands out frames. Its lock guards the free list and the LRU ring
// only.
type Allocator struct {
	hooking.HookableBase

	lock   sync.Mutex
	memory []byte
	frames []Frame

	freeList FrameID
	freeNext []FrameID
	numFree  int

	ring Ring

	reclaimer      Reclaimer
	reclaimRetries int
}

// NewAllocator creates an allocator owning numFrames frames, all free.
func NewAllocator(numFrames int) *Allocator {
	if numFrames <= 0 {
		log.Panicf("phys: cannot create an allocator with %d frames", numFrames)
	}

	a := &Allocator{
		memory:         make([]byte, numFrames*vm.PageSize),
		frames:         make([]Frame, numFrames),
		freeNext:       make([]FrameID, numFrames),
		freeList:       NoFrame,
		reclaimRetries: 1,
	}
	a.ring.init(a.frames)

	for i := numFrames - 1; i >= 0; i-- {
		a.Kfree(FrameID(i))
	}

	return a
}

// SetReclaimer registers who frees frames when the free list is empty.
func (a *Allocator) SetReclaimer(r Reclaimer) {
	a.reclaimer = r
}

// SetReclaimRetries sets how many reclamation steps one allocation may take.
func (a *Allocator) SetReclaimRetries(n int) {
	if n < 0 {
		n = 0
	}

	a.reclaimRetries = n
}

// NumFrames returns the size of the arena.
func (a *Allocator) NumFrames() int {
	return len(a.frames)
}

// NumFree returns the number of frames on the free list.
func (a *Allocator) NumFree() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.numFree
}

// Kalloc takes a frame off the free list. When the list is empty it asks the
// reclaimer for one step and looks at the list once more; that is repeated
// reclaimRetries times before the allocation fails.
func (a *Allocator) Kalloc() (FrameID, error) {
	attempts := 0

	for {
		a.lock.Lock()

		id := a.freeList
		if id != NoFrame {
			a.freeList = a.freeNext[id]
			a.freeNext[id] = NoFrame
			a.numFree--
			a.lock.Unlock()

			a.InvokeHook(hooking.HookCtx{Domain: a, Pos: HookPosAlloc, Item: id})

			return id, nil
		}

		evictable := a.ring.size
		a.lock.Unlock()

		if evictable == 0 || a.reclaimer == nil || attempts >= a.reclaimRetries {
			a.InvokeHook(hooking.HookCtx{Domain: a, Pos: HookPosOutOfMemory})
			return NoFrame, ErrOutOfMemory
		}

		attempts++

		progress, err := a.reclaimer.Reclaim()
		if err != nil || !progress {
			a.InvokeHook(hooking.HookCtx{
				Domain: a, Pos: HookPosOutOfMemory, Detail: err,
			})

			return NoFrame, ErrOutOfMemory
		}
	}
}

// Kfree poisons a frame and puts it back on the free list.
func (a *Allocator) Kfree(id FrameID) {
	if id < 0 || int(id) >= len(a.frames) {
		log.Panicf("kfree: frame %d out of range", id)
	}

	page := a.Page(id)
	for i := range page {
		page[i] = poison
	}

	a.lock.Lock()

	f := &a.frames[id]
	if f.linked {
		a.lock.Unlock()
		log.Panicf("kfree: frame %d is still in the LRU ring", id)
	}

	f.Space = nil
	f.VAddr = 0

	a.freeNext[id] = a.freeList
	a.freeList = id
	a.numFree++

	a.lock.Unlock()

	a.InvokeHook(hooking.HookCtx{Domain: a, Pos: HookPosFree, Item: id})
}

// Page returns the bytes of a frame.
func (a *Allocator) Page(id FrameID) []byte {
	start := int(id) * vm.PageSize
	return a.memory[start : start+vm.PageSize : start+vm.PageSize]
}

// Addr returns the physical address of a frame.
func (a *Allocator) Addr(id FrameID) uint32 {
	return PhysBase + uint32(id)*vm.PageSize
}

// FrameAt returns the frame holding the physical address pa.
func (a *Allocator) FrameAt(pa uint32) (FrameID, bool) {
	if pa < PhysBase {
		return NoFrame, false
	}

	id := FrameID((pa - PhysBase) / vm.PageSize)
	if int(id) >= len(a.frames) {
		return NoFrame, false
	}

	return id, true
}

// Zero clears a frame.
func (a *Allocator) Zero(id FrameID) {
	clear(a.Page(id))
}

// FrameInfo is a snapshot of one frame record.
type FrameInfo struct {
	ID      FrameID
	ASID    vm.ASID
	VAddr   uint32
	Tracked bool
	Free    bool
}

// Snapshot returns the state of every frame.
func (a *Allocator) Snapshot() []FrameInfo {
	a.lock.Lock()
	defer a.lock.Unlock()

	free := make([]bool, len(a.frames))
	for id := a.freeList; id != NoFrame; id = a.freeNext[id] {
		free[id] = true
	}

	infos := make([]FrameInfo, len(a.frames))
	for i := range a.frames {
		f := &a.frames[i]
		infos[i] = FrameInfo{
			ID:      FrameID(i),
			VAddr:   f.VAddr,
			Tracked: f.linked,
			Free:    free[i],
		}

		if f.Space != nil {
			infos[i].ASID = f.Space.ID()
		}
	}

	return infos
}
