// Package id generates identifiers for kernel objects and recordings.
package id

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs.
type IDGenerator interface {
	Generate() string
}

// NewIDGenerator returns a generator producing 1, 2, 3, ... so that runs are
// reproducible.
func NewIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

// NewUniqueIDGenerator returns a generator whose IDs are unique across
// processes and runs.
func NewUniqueIDGenerator() IDGenerator {
	return uniqueIDGenerator{}
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	id := strconv.FormatUint(idNumber, 10)

	return id
}

type uniqueIDGenerator struct{}

func (g uniqueIDGenerator) Generate() string {
	return xid.New().String()
}

// A Counter hands out increasing numeric identities, such as address-space
// IDs.
type Counter struct {
	next uint32
}

// Next returns the next identity. The first one is 1.
func (c *Counter) Next() uint32 {
	return atomic.AddUint32(&c.next, 1)
}
