// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"unsafe"

	"github.com/threadsnap/stacksampler/libsampler"
)

// DefaultStackBufferSize covers the default maximum thread stack size on
// the supported platforms.
const DefaultStackBufferSize = 2 << 20

// StackBuffer is the reusable snapshot area one sampler instance copies
// live stacks into. It is allocated once per sampling session and owned
// exclusively by that session; samples reuse it sequentially.
type StackBuffer struct {
	// backing keeps the allocation alive; bottom points into it.
	backing []uintptr
	bottom  libsampler.Address
	size    uintptr
}

// NewStackBuffer allocates a buffer of at least size bytes whose bottom
// is aligned to twice the machine word size, mirroring the alignment
// guarantees of a real thread stack.
func NewStackBuffer(size uintptr) *StackBuffer {
	align := uintptr(libsampler.StackAlignment)
	size = (size + align - 1) &^ (align - 1)

	wordSize := unsafe.Sizeof(uintptr(0))
	backing := make([]uintptr, (size+align)/wordSize)
	bottom := libsampler.Address(uintptr(unsafe.Pointer(&backing[0])))
	aligned := (bottom + libsampler.Address(align) - 1).AlignedDown(libsampler.StackAlignment)

	return &StackBuffer{
		backing: backing,
		bottom:  aligned,
		size:    size,
	}
}

// Bottom returns the lowest usable address of the buffer.
func (b *StackBuffer) Bottom() libsampler.Address {
	return b.bottom
}

// Size returns the usable byte capacity.
func (b *StackBuffer) Size() uintptr {
	return b.size
}

// bytes exposes the usable region for the copy path.
func (b *StackBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.bottom))), b.size)
}

// words exposes the first n machine words for pointer rewriting.
func (b *StackBuffer) words(n uintptr) []uintptr {
	return unsafe.Slice((*uintptr)(unsafe.Pointer(uintptr(b.bottom))), n)
}
