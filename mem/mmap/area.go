// Package mmap keeps the system-wide table of memory-mapped areas and binds
// their pages to frames, eagerly at mapping time or lazily on the first page
// fault.
package mmap

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/mem/vm"
)

// Base is added to every address a process asks to map at.
const Base uint32 = 0x40000000

// NumAreas is the capacity of the area table.
const NumAreas = 64

// NOFILE bounds the file descriptors a mapping may name.
const NOFILE = 16

// Prot is the protection of a mapping.
type Prot int

// Protection bits.
const (
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
)

// Flags select the kind of mapping.
type Flags int

// Mapping flags.
const (
	MapAnonymous Flags = 0x1
	MapPopulate  Flags = 0x2
)

// Validity is the binding state of an area.
type Validity int

// Area states.
const (
	Retired Validity = -1
	Lazy    Validity = 0
	Bound   Validity = 1
)

func (v Validity) String() string {
	switch v {
	case Retired:
		return "retired"
	case Lazy:
		return "lazy"
	case Bound:
		return "bound"
	default:
		return fmt.Sprintf("validity(%d)", int(v))
	}
}

// MarshalText writes the validity by name.
func (v Validity) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Errors returned by the manager.
var (
	ErrBadFD          = errors.New("mmap: bad file descriptor")
	ErrInvalid        = errors.New("mmap: invalid argument")
	ErrPermission     = errors.New("mmap: protection exceeds file access")
	ErrNotRegular     = errors.New("mmap: not a regular file")
	ErrExists         = errors.New("mmap: area already mapped")
	ErrTableFull      = errors.New("mmap: area table full")
	ErrNoArea         = errors.New("mmap: no matching area")
	ErrRetired        = errors.New("mmap: area retired")
	ErrAlreadyBound   = errors.New("mmap: area already bound")
	ErrWriteProtected = errors.New("mmap: write to read-only area")
)

// A Process is what the manager needs to know about the caller.
type Process interface {
	PID() int
	AddrSpace() *vm.AddressSpace
	// File returns the open file at fd, or nil.
	File(fd int) fs.File
}

// An Area is one slot of the table. Owner is a pid, so the entry does not
// keep the process alive.
type Area struct {
	Owner  int
	Addr   uint32
	Length uint32
	Prot   Prot
	Flags  Flags
	File   fs.File
	Offset int
	Valid  Validity
}

func (a *Area) live() bool {
	return a.Valid != Retired
}

func (a *Area) anonymous() bool {
	return a.Flags&MapAnonymous != 0
}

func (a *Area) covers(va uint32) bool {
	return a.Addr <= va && va < a.Addr+a.Length
}

func (a *Area) perm() vm.PTE {
	if a.Prot&ProtWrite != 0 {
		return vm.PTEWritable
	}

	return 0
}

// AreaInfo is a snapshot of a table slot.
type AreaInfo struct {
	Slot       int
	Owner      int
	Addr       uint32
	Length     uint32
	Prot       Prot
	Flags      Flags
	Offset     int
	FileBacked bool
	Valid      Validity
}

// Fields describes the area for structured logs.
func (i AreaInfo) Fields() logrus.Fields {
	return logrus.Fields{
		"slot":   i.Slot,
		"pid":    i.Owner,
		"addr":   fmt.Sprintf("%#x", i.Addr),
		"length": i.Length,
		"valid":  i.Valid.String(),
	}
}

func (a *Area) info(slot int) AreaInfo {
	return AreaInfo{
		Slot:       slot,
		Owner:      a.Owner,
		Addr:       a.Addr,
		Length:     a.Length,
		Prot:       a.Prot,
		Flags:      a.Flags,
		Offset:     a.Offset,
		FileBacked: a.File != nil,
		Valid:      a.Valid,
	}
}
