package vm

import "fmt"

// FaultKind tells why a translation failed.
type FaultKind int

// Kinds of faults.
const (
	// FaultNotPresent is a page that was never mapped.
	FaultNotPresent FaultKind = iota + 1
	// FaultSwapped is a page that lives in swap.
	FaultSwapped
	// FaultProtection is an access the entry does not allow.
	FaultProtection
)

func (k FaultKind) String() string {
	switch k {
	case FaultNotPresent:
		return "not present"
	case FaultSwapped:
		return "swapped"
	case FaultProtection:
		return "protection"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// A Fault is what the simulated MMU raises when it can not translate an
// address.
type Fault struct {
	Kind  FaultKind
	Addr  uint32
	Write bool
}

func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}

	return fmt.Sprintf("%s fault on %s at %#x", f.Kind, op, f.Addr)
}

// translate walks the table the way the MMU does. The caller must hold the
// lock.
func (as *AddressSpace) translate(va uint32, write bool) (uint32, *Fault) {
	if va >= KernBase {
		return 0, &Fault{Kind: FaultProtection, Addr: va, Write: write}
	}

	pte := as.walk(va, false)

	switch {
	case pte == nil || *pte == 0:
		return 0, &Fault{Kind: FaultNotPresent, Addr: va, Write: write}
	case pte.Swapped():
		return 0, &Fault{Kind: FaultSwapped, Addr: va, Write: write}
	case !pte.Present():
		return 0, &Fault{Kind: FaultNotPresent, Addr: va, Write: write}
	case write && !pte.Writable():
		return 0, &Fault{Kind: FaultProtection, Addr: va, Write: write}
	}

	*pte |= PTEAccessed
	if write {
		*pte |= PTEDirty
	}

	return pte.Addr() | PageOffset(va), nil
}

// Translate returns the physical address of va and sets the accessed bit,
// and the dirty bit on writes.
func (as *AddressSpace) Translate(va uint32, write bool) (uint32, *Fault) {
	as.Lock()
	defer as.Unlock()

	return as.translate(va, write)
}

// Access translates va and calls fn with the physical address while the
// address space is locked, so the page can not be evicted in between. fn is
// not called on a fault.
func (as *AddressSpace) Access(va uint32, write bool, fn func(pa uint32)) *Fault {
	as.Lock()
	defer as.Unlock()

	pa, fault := as.translate(va, write)
	if fault != nil {
		return fault
	}

	fn(pa)

	return nil
}
