// Package buffer implements a block-allocated, doubly-linked byte buffer
// with stable positional marks, modeled after the segmented buffer that
// feeds the wire encoder in tntcxx's Client/NetworkEngine path
// (see original_source/src/Buffer/Buffer.hpp).
package buffer

import "github.com/pkg/errors"

// DefaultBlockSize is the size, in bytes, of a block allocated by
// DefaultAllocator. Unlike the C++ original, a Go Block's linkage (id,
// prev, next) lives in separate struct fields rather than a header
// embedded in the same allocation, so BlockDataSize equals RealSize
// exactly; there is no header to subtract.
const DefaultBlockSize = 16 * 1024

// ErrAllocation is returned when an Allocator refuses to hand out a block.
var ErrAllocation = errors.New("buffer: block allocation failed")

// Allocator supplies fixed-size blocks to a Buffer. Policy is pluggable;
// DefaultAllocator forwards to the platform allocator via make([]byte, n).
// Free must never fail.
type Allocator interface {
	// Alloc returns a block of exactly RealSize bytes, or ErrAllocation
	// (wrapped) if the underlying supplier refuses.
	Alloc() ([]byte, error)

	// Free releases a block previously returned by Alloc. Must not fail.
	Free(b []byte)

	// RealSize is the fixed size, in bytes, of blocks returned by Alloc.
	RealSize() int
}

// DefaultAllocator allocates blocks of a fixed size directly from the Go
// heap. It never fails unless the requested size is non-positive.
type DefaultAllocator struct {
	size int
}

// NewDefaultAllocator returns an Allocator handing out blocks of size
// bytes. size must be > 0 (BLOCK_DATA_SIZE must be > 0 per the data model).
func NewDefaultAllocator(size int) (*DefaultAllocator, error) {
	if size <= 0 {
		return nil, errors.Errorf("buffer: block size must be > 0, got %d", size)
	}
	return &DefaultAllocator{size: size}, nil
}

func (a *DefaultAllocator) Alloc() ([]byte, error) {
	return make([]byte, a.size), nil
}

func (a *DefaultAllocator) Free(b []byte) {}

func (a *DefaultAllocator) RealSize() int { return a.size }

// mustDefaultAllocator builds the package-default allocator; it never
// fails because DefaultBlockSize is a positive compile-time constant.
func mustDefaultAllocator() *DefaultAllocator {
	a, err := NewDefaultAllocator(DefaultBlockSize)
	if err != nil {
		panic(err)
	}
	return a
}
