package fs

import (
	"sync"
)

// Open modes.
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
)

// A File is an open file handle. Duplicates share one cursor and one
// reference count, and the handle is released when the last of them closes.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Offset() int
	Seek(off int)
	Readable() bool
	Writable() bool
	IsRegular() bool
	Dup() File
	Close() error
}

type inodeFile struct {
	lock     sync.Mutex
	ip       *Inode
	off      int
	ref      int
	readable bool
	writable bool
}

// Open creates a handle on ip with the cursor at 0.
func Open(ip *Inode, readable, writable bool) File {
	return &inodeFile{
		ip:       ip,
		ref:      1,
		readable: readable,
		writable: writable,
	}
}

// OpenMode creates a handle on ip with the access of an open mode.
func OpenMode(ip *Inode, mode int) File {
	return Open(ip, mode&OWrOnly == 0, mode&(OWrOnly|ORdWr) != 0)
}

func (f *inodeFile) Read(buf []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ref == 0 {
		return 0, ErrClosed
	}

	if !f.readable {
		return 0, ErrAccess
	}

	n := f.ip.ReadAt(buf, f.off)
	f.off += n

	return n, nil
}

func (f *inodeFile) Write(buf []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ref == 0 {
		return 0, ErrClosed
	}

	if !f.writable {
		return 0, ErrAccess
	}

	n := f.ip.WriteAt(buf, f.off)
	f.off += n

	return n, nil
}

func (f *inodeFile) Offset() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.off
}

func (f *inodeFile) Seek(off int) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.off = off
}

func (f *inodeFile) Readable() bool { return f.readable }
func (f *inodeFile) Writable() bool { return f.writable }

func (f *inodeFile) IsRegular() bool {
	return f.ip.Type != TypeDevice
}

func (f *inodeFile) Dup() File {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ref < 1 {
		panic("filedup")
	}

	f.ref++

	return f
}

func (f *inodeFile) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ref < 1 {
		return ErrClosed
	}

	f.ref--

	return nil
}
