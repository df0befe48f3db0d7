package fs

import (
	"io"
	"sync"
)

type pipe struct {
	lock      sync.Mutex
	data      []byte
	readOpen  bool
	writeOpen bool
}

type pipeEnd struct {
	p        *pipe
	lock     sync.Mutex
	ref      int
	writable bool
}

// NewPipe creates a pipe and returns its read and write ends. Pipes are not
// regular files and can not be mapped.
func NewPipe() (r, w File) {
	p := &pipe{readOpen: true, writeOpen: true}

	return &pipeEnd{p: p, ref: 1}, &pipeEnd{p: p, ref: 1, writable: true}
}

// Read takes what is buffered. It returns io.EOF once the buffer is empty and
// the write end is closed.
func (e *pipeEnd) Read(buf []byte) (int, error) {
	if e.writable {
		return 0, ErrAccess
	}

	e.p.lock.Lock()
	defer e.p.lock.Unlock()

	if len(e.p.data) == 0 && !e.p.writeOpen {
		return 0, io.EOF
	}

	n := copy(buf, e.p.data)
	e.p.data = e.p.data[n:]

	return n, nil
}

func (e *pipeEnd) Write(buf []byte) (int, error) {
	if !e.writable {
		return 0, ErrAccess
	}

	e.p.lock.Lock()
	defer e.p.lock.Unlock()

	if !e.p.readOpen {
		return 0, io.ErrClosedPipe
	}

	e.p.data = append(e.p.data, buf...)

	return len(buf), nil
}

func (e *pipeEnd) Offset() int     { return 0 }
func (e *pipeEnd) Seek(int)        {}
func (e *pipeEnd) Readable() bool  { return !e.writable }
func (e *pipeEnd) Writable() bool  { return e.writable }
func (e *pipeEnd) IsRegular() bool { return false }

func (e *pipeEnd) Dup() File {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.ref++

	return e
}

func (e *pipeEnd) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.ref < 1 {
		return ErrClosed
	}

	e.ref--
	if e.ref > 0 {
		return nil
	}

	e.p.lock.Lock()
	defer e.p.lock.Unlock()

	if e.writable {
		e.p.writeOpen = false
	} else {
		e.p.readOpen = false
	}

	return nil
}
