package swap

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// ErrNotSwapped is returned by SwapIn for a page that is not in swap.
var ErrNotSwapped = errors.New("swap: page is not swapped out")

// HookPosEvict marks a page written to swap.
var HookPosEvict = &hooking.HookPos{Name: "Evict"}

// HookPosReprieve marks a page that got a second chance.
var HookPosReprieve = &hooking.HookPos{Name: "Reprieve"}

// HookPosCollision marks a victim that stayed resident because its slot was
// taken.
var HookPosCollision = &hooking.HookPos{Name: "Collision"}

// HookPosSwapIn marks a page brought back from swap.
var HookPosSwapIn = &hooking.HookPos{Name: "SwapIn"}

// HookPosDiscard marks a swapped page dropped without being read.
var HookPosDiscard = &hooking.HookPos{Name: "Discard"}

// Event is the item of the tracker hooks.
type Event struct {
	ASID  vm.ASID
	VAddr uint32
	Frame phys.FrameID
	Slot  int
}

// Fields describes the event for structured logs.
func (e Event) Fields() logrus.Fields {
	return logrus.Fields{
		"asid":  e.ASID,
		"va":    fmt.Sprintf("%#x", e.VAddr),
		"frame": e.Frame,
		"slot":  e.Slot,
	}
}

// Stats counts what the tracker has done.
type Stats struct {
	Slots      int
	Occupied   []int
	Evictions  uint64
	SwapIns    uint64
	Reprieves  uint64
	Discards   uint64
	Collisions uint64
}

// A Tracker evicts cold pages to a swap device and brings them back on
// demand.
//
// ioMu serializes every transition of a user page between resident and
// swapped. It is taken before the allocator lock and before any address-space
// lock. The allocator lock is never held across device I/O.
type Tracker struct {
	hooking.HookableBase

	alloc  *phys.Allocator
	device Device
	policy SlotPolicy

	ioMu     sync.Mutex
	occupied *Bitmap

	evictions, swapIns, reprieves, discards, collisions uint64
}

// Device returns the swap device.
func (t *Tracker) Device() Device {
	return t.device
}

// Reclaim performs one step of the second-chance clock. It returns true if a
// frame was freed or the clock moved past a page, so the caller should look
// at the free list again. A victim whose slot is taken stays resident at the
// newest end of the ring and the clock moves on.
func (t *Tracker) Reclaim() (bool, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	victim, reprieved, ok := t.alloc.ClockStep(
		func(as *vm.AddressSpace, va uint32) bool {
			return as.TestAndClearAccessed(va)
		})

	if !ok {
		return false, nil
	}

	if reprieved {
		t.reprieves++
		t.InvokeHook(hooking.HookCtx{Domain: t, Pos: HookPosReprieve})

		return true, nil
	}

	err := t.evict(victim)

	switch {
	case errors.Is(err, ErrSlotCollision):
		t.collisions++
		t.InvokeHook(hooking.HookCtx{
			Domain: t,
			Pos:    HookPosCollision,
			Item: Event{
				ASID:  victim.Space.ID(),
				VAddr: victim.VAddr,
				Frame: victim.Frame,
				Slot:  -1,
			},
			Detail: err,
		})

		return true, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// evict writes the victim to swap and frees its frame. On failure the page
// stays resident and goes back into the ring.
func (t *Tracker) evict(v phys.Victim) error {
	pte, found := v.Space.Lookup(v.VAddr)
	if !found || !pte.Present() {
		log.Panicf("swap: tracked page %#x of space %d is not resident",
			v.VAddr, v.Space.ID())
	}

	slot, err := t.policy.Assign(t.occupied, v.VAddr)
	if err != nil {
		t.alloc.Track(v.Frame, v.Space, v.VAddr)
		return err
	}

	t.occupied.Set(slot)

	// The process faults on the page from here on and waits for ioMu.
	v.Space.Update(v.VAddr, func(old vm.PTE) vm.PTE {
		pte = old
		return vm.SwappedPTE(slot, old)
	})

	if err := t.device.SwapWrite(t.alloc.Page(v.Frame), slot); err != nil {
		v.Space.Update(v.VAddr, func(vm.PTE) vm.PTE { return pte })
		t.occupied.Clear(slot)
		t.alloc.Track(v.Frame, v.Space, v.VAddr)

		return fmt.Errorf("swap: evict %#x: %w", v.VAddr, err)
	}

	t.alloc.Kfree(v.Frame)

	t.evictions++
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosEvict,
		Item: Event{
			ASID: v.Space.ID(), VAddr: v.VAddr, Frame: v.Frame, Slot: slot,
		},
	})

	return nil
}

// SwapIn brings the swapped page holding va back into a fresh frame and
// tracks it. A page that became resident in the meantime is left alone.
func (t *Tracker) SwapIn(as *vm.AddressSpace, va uint32) error {
	va = vm.PageRoundDown(va)

	pte, found := as.Lookup(va)
	if !found || !pte.Swapped() {
		return fmt.Errorf("%w: %#x", ErrNotSwapped, va)
	}

	id, err := t.alloc.Kalloc()
	if err != nil {
		return fmt.Errorf("swap: swap in %#x: %w", va, err)
	}

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	pte, found = as.Lookup(va)
	if !found || !pte.Swapped() {
		t.alloc.Kfree(id)
		return nil
	}

	page := t.alloc.Page(id)
	clear(page)

	slot := pte.Slot()
	if err := t.device.SwapRead(page, slot); err != nil {
		t.alloc.Kfree(id)
		return fmt.Errorf("swap: swap in %#x: %w", va, err)
	}

	t.occupied.Clear(slot)

	pa := t.alloc.Addr(id)
	as.Update(va, func(old vm.PTE) vm.PTE {
		return vm.MakePTE(pa, old.Flags()&^vm.PTESwapped|vm.PTEPresent)
	})
	t.alloc.Track(id, as, va)

	t.swapIns++
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosSwapIn,
		Item:   Event{ASID: as.ID(), VAddr: va, Frame: id, Slot: slot},
	})

	return nil
}

// Release tears down the user page holding va: a resident page leaves the
// ring and its frame is freed, a swapped page gives its slot up. Either way
// the entry is cleared. It reports whether there was anything to release.
func (t *Tracker) Release(as *vm.AddressSpace, va uint32) bool {
	va = vm.PageRoundDown(va)

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	pte, found := as.Lookup(va)
	switch {
	case !found:
		return false
	case pte.Swapped():
		t.discard(as, va, pte)
		return true
	case pte.Present():
		t.alloc.Untrack(as, va)
		as.Clear(va)

		if id, ok := t.alloc.FrameAt(pte.Addr()); ok {
			t.alloc.Kfree(id)
		}

		return true
	default:
		as.Clear(va)
		return false
	}
}

// Discard drops the swapped page holding va without reading it.
func (t *Tracker) Discard(as *vm.AddressSpace, va uint32) error {
	va = vm.PageRoundDown(va)

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	pte, found := as.Lookup(va)
	if !found || !pte.Swapped() {
		return fmt.Errorf("%w: %#x", ErrNotSwapped, va)
	}

	t.discard(as, va, pte)

	return nil
}

func (t *Tracker) discard(as *vm.AddressSpace, va uint32, pte vm.PTE) {
	t.occupied.Clear(pte.Slot())
	as.Clear(va)

	t.discards++
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosDiscard,
		Item: Event{
			ASID: as.ID(), VAddr: va, Frame: phys.NoFrame, Slot: pte.Slot(),
		},
	})
}

// CopyOut copies the content of the user page holding va into buf, reading
// from swap if the page is out. The page is not brought in and its accessed
// bit is left untouched.
func (t *Tracker) CopyOut(as *vm.AddressSpace, va uint32, buf []byte) error {
	va = vm.PageRoundDown(va)

	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	pte, found := as.Lookup(va)
	switch {
	case found && pte.Swapped():
		return t.device.SwapRead(buf, pte.Slot())
	case found && pte.Present():
		id, ok := t.alloc.FrameAt(pte.Addr())
		if !ok {
			log.Panicf("swap: page %#x maps %#x outside memory", va, pte.Addr())
		}

		copy(buf, t.alloc.Page(id))

		return nil
	default:
		return fmt.Errorf("swap: copy out %#x: page not mapped", va)
	}
}

// Stats returns the counters and the occupied slots.
func (t *Tracker) Stats() Stats {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	return Stats{
		Slots:      t.occupied.Len(),
		Occupied:   t.occupied.Members(),
		Evictions:  t.evictions,
		SwapIns:    t.swapIns,
		Reprieves:  t.reprieves,
		Discards:   t.discards,
		Collisions: t.collisions,
	}
}
