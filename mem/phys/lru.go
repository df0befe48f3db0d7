package phys

import (
	"log"

	"github.com/sarchlab/xvkernel/mem/vm"
)

// Ring is a circular doubly linked list threaded through the frame records.
// New frames go just before the head, so the head is the oldest frame.
type Ring struct {
	frames []Frame
	head   FrameID
	size   int
}

func (r *Ring) init(frames []Frame) {
	r.frames = frames
	r.head = NoFrame

	for i := range frames {
		frames[i].prev = NoFrame
		frames[i].next = NoFrame
	}
}

func (r *Ring) insert(id FrameID) {
	f := &r.frames[id]

	if r.head == NoFrame {
		f.prev, f.next = id, id
		r.head = id
	} else {
		head := &r.frames[r.head]
		tail := head.prev

		f.prev = tail
		f.next = r.head
		r.frames[tail].next = id
		head.prev = id
	}

	f.linked = true
	r.size++
}

func (r *Ring) unlink(id FrameID) {
	f := &r.frames[id]

	if r.size == 1 {
		r.head = NoFrame
	} else {
		r.frames[f.prev].next = f.next
		r.frames[f.next].prev = f.prev

		if r.head == id {
			r.head = f.next
		}
	}

	f.prev, f.next = NoFrame, NoFrame
	f.linked = false
	r.size--
}

// find scans from the head and stops when the head comes around again.
func (r *Ring) find(as *vm.AddressSpace, va uint32) FrameID {
	if r.head == NoFrame {
		return NoFrame
	}

	id := r.head
	for {
		f := &r.frames[id]
		if f.Space == as && f.VAddr == va {
			return id
		}

		id = f.next
		if id == r.head {
			return NoFrame
		}
	}
}

// Track records that frame id now backs the user page va of as and puts it
// at the newest end of the ring. A page that is already tracked is left
// where it is.
func (a *Allocator) Track(id FrameID, as *vm.AddressSpace, va uint32) {
	va = vm.PageRoundDown(va)

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.ring.find(as, va) != NoFrame {
		return
	}

	f := &a.frames[id]
	if f.linked {
		log.Panicf("lru: frame %d is already tracked for %#x", id, f.VAddr)
	}

	f.Space = as
	f.VAddr = va
	a.ring.insert(id)
}

// Untrack removes the frame backing va of as from the ring and returns it.
func (a *Allocator) Untrack(as *vm.AddressSpace, va uint32) (FrameID, bool) {
	va = vm.PageRoundDown(va)

	a.lock.Lock()
	defer a.lock.Unlock()

	id := a.ring.find(as, va)
	if id == NoFrame {
		return NoFrame, false
	}

	a.ring.unlink(id)
	a.frames[id].Space = nil
	a.frames[id].VAddr = 0

	return id, true
}

// NumTracked returns the number of frames in the ring.
func (a *Allocator) NumTracked() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.ring.size
}

// Tracked returns the frames of the ring from the oldest to the newest.
func (a *Allocator) Tracked() []FrameID {
	a.lock.Lock()
	defer a.lock.Unlock()

	ids := make([]FrameID, 0, a.ring.size)
	if a.ring.head == NoFrame {
		return ids
	}

	id := a.ring.head
	for {
		ids = append(ids, id)

		id = a.frames[id].next
		if id == a.ring.head {
			return ids
		}
	}
}

// A Victim is a frame taken out of the ring for eviction. The frame is no
// longer tracked; the evicting path is its only user until it is freed.
type Victim struct {
	Frame FrameID
	Space *vm.AddressSpace
	VAddr uint32
}

// ClockStep is the locked half of one reclamation step. It looks at the frame
// at the head of the ring and moves the head forward. If accessed reports the
// hardware accessed bit as set (and clears it), the frame stays and reprieved
// is true. Otherwise the frame, now just before the head, is unlinked and
// returned as the victim. ok is false when the ring is empty.
func (a *Allocator) ClockStep(
	accessed func(as *vm.AddressSpace, va uint32) bool,
) (victim Victim, reprieved bool, ok bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	id := a.ring.head
	if id == NoFrame {
		return Victim{}, false, false
	}

	f := &a.frames[id]
	a.ring.head = f.next

	if accessed(f.Space, f.VAddr) {
		return Victim{}, true, true
	}

	victim = Victim{Frame: id, Space: f.Space, VAddr: f.VAddr}

	a.ring.unlink(id)
	f.Space = nil
	f.VAddr = 0

	return victim, false, true
}
