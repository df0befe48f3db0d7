package swap

import "math/bits"

// A Bitmap records which swap slots hold a page.
type Bitmap struct {
	words []uint64
	n     int
}

// NewBitmap creates a bitmap of n clear bits.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (n+63)/64),
		n:     n,
	}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	return b.n
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	b.words[i/64] |= 1 << (i % 64)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i int) {
	b.words[i/64] &^= 1 << (i % 64)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}

	return c
}

// FirstClear returns the lowest clear bit.
func (b *Bitmap) FirstClear() (int, bool) {
	for wi, w := range b.words {
		if w == ^uint64(0) {
			continue
		}

		i := wi*64 + bits.TrailingZeros64(^w)
		if i >= b.n {
			return 0, false
		}

		return i, true
	}

	return 0, false
}

// Members returns the set bits in ascending order.
func (b *Bitmap) Members() []int {
	members := []int{}

	for wi, w := range b.words {
		for w != 0 {
			members = append(members, wi*64+bits.TrailingZeros64(w))
			w &= w - 1
		}
	}

	return members
}
