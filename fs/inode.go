// Package fs provides the small in-memory file layer that file-backed
// mappings read from: inodes, open-file handles with a shared cursor, and
// pipes.
package fs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// InodeType tells what an inode is.
type InodeType int

// Inode types.
const (
	TypeDir InodeType = iota + 1
	TypeFile
	TypeDevice
)

func (t InodeType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypeDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Errors of the file layer.
var (
	ErrNotFound = errors.New("fs: no such file")
	ErrExists   = errors.New("fs: file exists")
	ErrClosed   = errors.New("fs: file already closed")
	ErrAccess   = errors.New("fs: bad file mode")
)

// An Inode holds the content of one file.
type Inode struct {
	lock sync.RWMutex

	Name string
	Type InodeType
	data []byte
}

// NewInode creates an inode holding a copy of data.
func NewInode(name string, typ InodeType, data []byte) *Inode {
	return &Inode{
		Name: name,
		Type: typ,
		data: append([]byte(nil), data...),
	}
}

// Size returns the number of bytes in the inode.
func (ip *Inode) Size() int {
	ip.lock.RLock()
	defer ip.lock.RUnlock()

	return len(ip.data)
}

// ReadAt copies bytes starting at off into buf. Reads past the end are short.
func (ip *Inode) ReadAt(buf []byte, off int) int {
	ip.lock.RLock()
	defer ip.lock.RUnlock()

	if off < 0 || off >= len(ip.data) {
		return 0
	}

	return copy(buf, ip.data[off:])
}

// WriteAt copies buf into the inode at off, growing it as needed.
func (ip *Inode) WriteAt(buf []byte, off int) int {
	ip.lock.Lock()
	defer ip.lock.Unlock()

	if end := off + len(buf); end > len(ip.data) {
		ip.data = append(ip.data, make([]byte, end-len(ip.data))...)
	}

	return copy(ip.data[off:], buf)
}

// A Namespace is a flat directory of inodes.
type Namespace struct {
	lock  sync.Mutex
	files map[string]*Inode
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{files: make(map[string]*Inode)}
}

// Create adds a file.
func (ns *Namespace) Create(name string, typ InodeType, data []byte) (*Inode, error) {
	ns.lock.Lock()
	defer ns.lock.Unlock()

	if _, found := ns.files[name]; found {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	ip := NewInode(name, typ, data)
	ns.files[name] = ip

	return ip, nil
}

// Lookup finds a file by name.
func (ns *Namespace) Lookup(name string) (*Inode, error) {
	ns.lock.Lock()
	defer ns.lock.Unlock()

	ip, found := ns.files[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return ip, nil
}

// Names lists the files in name order.
func (ns *Namespace) Names() []string {
	ns.lock.Lock()
	defer ns.lock.Unlock()

	names := make([]string, 0, len(ns.files))
	for name := range ns.files {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
