package mmap

import (
	"fmt"
	"sync"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/phys"
	"github.com/sarchlab/xvkernel/mem/swap"
	"github.com/sarchlab/xvkernel/mem/vm"
	"github.com/sarchlab/xvkernel/sim/hooking"
)

// HookPosMap marks a new area.
var HookPosMap = &hooking.HookPos{Name: "Mmap"}

// HookPosUnmap marks a retired area.
var HookPosUnmap = &hooking.HookPos{Name: "Munmap"}

// HookPosFault marks an area bound by a page fault.
var HookPosFault = &hooking.HookPos{Name: "MmapFault"}

// A Manager owns the area table. Its lock guards every validity transition
// and is taken before the tracker and allocator locks.
type Manager struct {
	hooking.HookableBase

	mu    sync.Mutex
	areas [NumAreas]Area

	alloc   *phys.Allocator
	tracker *swap.Tracker
}

// NewManager creates a manager with every slot retired.
func NewManager(alloc *phys.Allocator, tracker *swap.Tracker) *Manager {
	m := &Manager{alloc: alloc, tracker: tracker}

	for i := range m.areas {
		m.areas[i].Valid = Retired
	}

	return m
}

// Mmap maps length bytes at addr+Base for p and returns the mapped address.
// Every argument is checked before a slot is taken.
func (m *Manager) Mmap(
	p Process,
	addr, length uint32,
	prot Prot,
	flags Flags,
	fd, offset int,
) (uint32, error) {
	f, err := m.checkArgs(p, addr, length, prot, flags, fd, offset)
	if err != nil {
		return 0, err
	}

	base := addr + Base

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findLive(p.PID(), base) >= 0 {
		return 0, fmt.Errorf("%w: %#x", ErrExists, base)
	}

	slot := m.freeSlot()
	if slot < 0 {
		return 0, ErrTableFull
	}

	if f != nil {
		f = f.Dup()
	}

	a := &m.areas[slot]
	*a = Area{
		Owner:  p.PID(),
		Addr:   base,
		Length: length,
		Prot:   prot,
		Flags:  flags,
		File:   f,
		Offset: offset,
		Valid:  Lazy,
	}

	if flags&MapPopulate != 0 {
		if err := m.populate(a, p.AddrSpace()); err != nil {
			m.retire(a)
			return 0, err
		}

		a.Valid = Bound
	}

	m.InvokeHook(hooking.HookCtx{Domain: m, Pos: HookPosMap, Item: a.info(slot)})

	return base, nil
}

func (m *Manager) checkArgs(
	p Process,
	addr, length uint32,
	prot Prot,
	flags Flags,
	fd, offset int,
) (fs.File, error) {
	if fd != -1 && (fd < 1 || fd >= NOFILE) {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}

	if flags&^(MapAnonymous|MapPopulate) != 0 || prot&^(ProtRead|ProtWrite) != 0 {
		return nil, fmt.Errorf("%w: prot %#x flags %#x", ErrInvalid, prot, flags)
	}

	var f fs.File

	if flags&MapAnonymous != 0 {
		if fd != -1 || offset != 0 {
			return nil, fmt.Errorf("%w: anonymous mapping with a file", ErrInvalid)
		}
	} else {
		if fd == -1 {
			return nil, fmt.Errorf("%w: file mapping without a file", ErrBadFD)
		}

		f = p.File(fd)
		if f == nil {
			return nil, fmt.Errorf("%w: %d is not open", ErrBadFD, fd)
		}

		if prot&ProtRead != 0 && !f.Readable() {
			return nil, fmt.Errorf("%w: fd %d is not readable", ErrPermission, fd)
		}

		if prot&ProtWrite != 0 && !f.Writable() {
			return nil, fmt.Errorf("%w: fd %d is not writable", ErrPermission, fd)
		}

		if !f.IsRegular() {
			return nil, fmt.Errorf("%w: fd %d", ErrNotRegular, fd)
		}

		if offset < 0 {
			return nil, fmt.Errorf("%w: offset %d", ErrInvalid, offset)
		}
	}

	if length == 0 || vm.PageOffset(addr) != 0 || vm.PageOffset(length) != 0 {
		return nil, fmt.Errorf("%w: addr %#x length %#x", ErrInvalid, addr, length)
	}

	if addr >= vm.KernBase-Base || length > vm.KernBase-Base-addr {
		return nil, fmt.Errorf("%w: %#x+%#x leaves user space",
			ErrInvalid, addr+Base, length)
	}

	return f, nil
}

func (m *Manager) findLive(owner int, addr uint32) int {
	for i := range m.areas {
		a := &m.areas[i]
		if a.live() && a.Owner == owner && a.Addr == addr {
			return i
		}
	}

	return -1
}

func (m *Manager) freeSlot() int {
	for i := range m.areas {
		if !m.areas[i].live() {
			return i
		}
	}

	return -1
}

// populate backs every page of a with a fresh frame. File content is read
// from the area's offset onwards and the file cursor is put back afterwards.
// On failure the pages installed so far are released.
func (m *Manager) populate(a *Area, as *vm.AddressSpace) error {
	var saved int

	if !a.anonymous() {
		saved = a.File.Offset()
		a.File.Seek(a.Offset)

		defer a.File.Seek(saved)
	}

	for va := a.Addr; va < a.Addr+a.Length; va += vm.PageSize {
		id, err := m.alloc.Kalloc()
		if err != nil {
			m.release(a, as, va)
			return fmt.Errorf("mmap: populate %#x: %w", va, err)
		}

		page := m.alloc.Page(id)
		clear(page)

		if !a.anonymous() {
			n := a.Addr + a.Length - va
			if n > vm.PageSize {
				n = vm.PageSize
			}

			if _, err := a.File.Read(page[:n]); err != nil {
				m.alloc.Kfree(id)
				m.release(a, as, va)

				return fmt.Errorf("mmap: populate %#x: %w", va, err)
			}
		}

		if err := as.Install(va, m.alloc.Addr(id), a.perm()); err != nil {
			m.alloc.Kfree(id)
			m.release(a, as, va)

			return err
		}

		m.alloc.Track(id, as, va)
	}

	return nil
}

// release gives back every page of a below end, resident or swapped.
func (m *Manager) release(a *Area, as *vm.AddressSpace, end uint32) {
	for va := a.Addr; va < end; va += vm.PageSize {
		m.tracker.Release(as, va)
	}
}

// retire closes the file of a and marks it retired. The range is kept so
// that later faults in it are told apart from faults outside any area.
func (m *Manager) retire(a *Area) {
	if a.File != nil {
		a.File.Close()
		a.File = nil
	}

	a.Valid = Retired
}

// PageFault binds the page of va to a new frame if va falls in a lazy area of
// p. The faulting access can then be retried.
func (m *Manager) PageFault(p Process, va uint32, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.covering(p.PID(), va)
	if slot < 0 {
		return fmt.Errorf("%w: %#x", ErrNoArea, va)
	}

	a := &m.areas[slot]

	switch {
	case write && a.Prot&ProtWrite == 0:
		return fmt.Errorf("%w: %#x", ErrWriteProtected, va)
	case a.Valid == Retired:
		return fmt.Errorf("%w: %#x", ErrRetired, va)
	case a.Valid == Bound:
		return fmt.Errorf("%w: %#x", ErrAlreadyBound, va)
	}

	id, err := m.alloc.Kalloc()
	if err != nil {
		return fmt.Errorf("mmap: fault at %#x: %w", va, err)
	}

	page := m.alloc.Page(id)
	clear(page)

	if !a.anonymous() {
		saved := a.File.Offset()
		a.File.Seek(a.Offset)
		_, err = a.File.Read(page)
		a.File.Seek(saved)

		if err != nil {
			m.alloc.Kfree(id)
			return fmt.Errorf("mmap: fault at %#x: %w", va, err)
		}
	}

	as := p.AddrSpace()
	va = vm.PageRoundDown(va)

	if err := as.Install(va, m.alloc.Addr(id), a.perm()); err != nil {
		m.alloc.Kfree(id)
		return err
	}

	m.alloc.Track(id, as, va)
	a.Valid = Bound

	m.InvokeHook(hooking.HookCtx{Domain: m, Pos: HookPosFault, Item: a.info(slot)})

	return nil
}

// covering finds the area of owner that holds va. A live area wins over a
// retired one that still remembers the range.
func (m *Manager) covering(owner int, va uint32) int {
	found := -1

	for i := range m.areas {
		a := &m.areas[i]
		if a.Owner != owner || !a.covers(va) {
			continue
		}

		if a.live() {
			return i
		}

		if found < 0 {
			found = i
		}
	}

	return found
}

// Munmap removes the live area of p that starts at addr.
func (m *Manager) Munmap(p Process, addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.findLive(p.PID(), addr)
	if slot < 0 {
		return fmt.Errorf("%w: %#x", ErrNoArea, addr)
	}

	m.unmap(slot, p.AddrSpace())

	return nil
}

func (m *Manager) unmap(slot int, as *vm.AddressSpace) {
	a := &m.areas[slot]
	info := a.info(slot)

	if a.Valid == Bound {
		m.release(a, as, a.Addr+a.Length)
	}

	m.retire(a)

	info.Valid = Retired
	m.InvokeHook(hooking.HookCtx{Domain: m, Pos: HookPosUnmap, Item: info})
}

// Duplicate gives child a copy of every live area of parent. Each copy gets
// its own frames, filled again from the file or with zeros.
func (m *Manager) Duplicate(parent, child Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.areas {
		src := m.areas[i]
		if !src.live() || src.Owner != parent.PID() {
			continue
		}

		slot := m.freeSlot()
		if slot < 0 {
			return ErrTableFull
		}

		a := &m.areas[slot]
		*a = src
		a.Owner = child.PID()
		a.Valid = Lazy

		if a.File != nil {
			a.File = a.File.Dup()
		}

		if err := m.populate(a, child.AddrSpace()); err != nil {
			m.retire(a)
			return err
		}

		a.Valid = Bound

		m.InvokeHook(hooking.HookCtx{Domain: m, Pos: HookPosMap, Item: a.info(slot)})
	}

	return nil
}

// RetireOwner unmaps every live area of p. It is called when p is reaped.
func (m *Manager) RetireOwner(p Process) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for i := range m.areas {
		a := &m.areas[i]
		if a.live() && a.Owner == p.PID() {
			m.unmap(i, p.AddrSpace())
			n++
		}
	}

	return n
}

// Snapshot returns the live areas.
func (m *Manager) Snapshot() []AreaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := []AreaInfo{}

	for i := range m.areas {
		if m.areas[i].live() {
			infos = append(infos, m.areas[i].info(i))
		}
	}

	return infos
}
