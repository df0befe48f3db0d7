// Package swap moves cold user pages between physical frames and a swap
// device. It implements the reclamation step that the frame allocator falls
// back on when its free list is empty.
package swap

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sarchlab/xvkernel/mem/vm"
)

// DefaultSlots is the number of slots a device has unless told otherwise.
// It is larger than the largest slot the address formula can produce.
const DefaultSlots = 8192

// ErrBadSlot is returned for slot indices outside the device.
var ErrBadSlot = errors.New("swap: bad slot")

// ErrBadBuffer is returned when a transfer is not exactly one page.
var ErrBadBuffer = errors.New("swap: buffer is not one page")

// A Device stores page-sized blocks keyed by slot index.
type Device interface {
	SwapWrite(buf []byte, slot int) error
	SwapRead(buf []byte, slot int) error
}

func checkTransfer(buf []byte, slot, numSlots int) error {
	if len(buf) != vm.PageSize {
		return fmt.Errorf("%w: %d bytes", ErrBadBuffer, len(buf))
	}

	if slot < 0 || (numSlots > 0 && slot >= numSlots) {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	return nil
}

// MemDevice keeps the swap area in memory.
type MemDevice struct {
	lock sync.Mutex
	data []byte
}

// NewMemDevice creates an in-memory device with numSlots slots.
func NewMemDevice(numSlots int) *MemDevice {
	return &MemDevice{data: make([]byte, numSlots*vm.PageSize)}
}

// NumSlots returns the capacity of the device.
func (d *MemDevice) NumSlots() int {
	return len(d.data) / vm.PageSize
}

// SwapWrite stores buf in slot.
func (d *MemDevice) SwapWrite(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, d.NumSlots()); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	copy(d.data[slot*vm.PageSize:], buf)

	return nil
}

// SwapRead loads slot into buf.
func (d *MemDevice) SwapRead(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, d.NumSlots()); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	copy(buf, d.data[slot*vm.PageSize:(slot+1)*vm.PageSize])

	return nil
}

// FileDevice keeps the swap area in a host file, slot i at byte offset
// i*PageSize.
type FileDevice struct {
	file     *os.File
	numSlots int
}

// OpenFileDevice creates or truncates the file at path and sizes it for
// numSlots slots.
func OpenFileDevice(path string, numSlots int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", path, err)
	}

	if err := f.Truncate(int64(numSlots) * vm.PageSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("swap: size %s: %w", path, err)
	}

	return &FileDevice{file: f, numSlots: numSlots}, nil
}

// SwapWrite stores buf in slot.
func (d *FileDevice) SwapWrite(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, d.numSlots); err != nil {
		return err
	}

	_, err := d.file.WriteAt(buf, int64(slot)*vm.PageSize)

	return err
}

// SwapRead loads slot into buf.
func (d *FileDevice) SwapRead(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, d.numSlots); err != nil {
		return err
	}

	_, err := d.file.ReadAt(buf, int64(slot)*vm.PageSize)

	return err
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}
