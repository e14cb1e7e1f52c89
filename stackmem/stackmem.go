// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackmem provides read access to the memory window holding a
// copied stack. It is the process-memory abstraction handed to unwinders:
// every access is clamped to the captured stack range, so neither the frame
// pointer walker nor a third party CFI stepper can be tricked into touching
// live memory outside the copy.
package stackmem // import "github.com/threadsnap/stacksampler/stackmem"

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/threadsnap/stacksampler/libsampler"
)

// Memory is a read-only view of the address range [Bottom, Top).
type Memory struct {
	bottom libsampler.Address
	top    libsampler.Address
}

// New returns a Memory restricted to [bottom, top). The range must lie in
// the current address space, typically inside a StackBuffer.
func New(bottom, top libsampler.Address) Memory {
	if top < bottom {
		top = bottom
	}
	return Memory{bottom: bottom, top: top}
}

// Bottom returns the lowest readable address.
func (m Memory) Bottom() libsampler.Address { return m.bottom }

// Top returns the first address past the readable range.
func (m Memory) Top() libsampler.Address { return m.top }

// Contains reports whether the size bytes starting at addr are readable.
func (m Memory) Contains(addr libsampler.Address, size uint) bool {
	return addr >= m.bottom && addr <= m.top &&
		libsampler.Address(size) <= m.top-addr
}

// ReadAt fills p with the memory at absolute address off. It implements
// io.ReaderAt so a third party unwinder can consume the window as generic
// process memory.
func (m Memory) ReadAt(p []byte, off int64) (int, error) {
	addr := libsampler.Address(off)
	if !m.Contains(addr, uint(len(p))) {
		return 0, fmt.Errorf("read of %d bytes at %#x outside stack window [%#x,%#x): %w",
			len(p), addr, m.bottom, m.top, io.EOF)
	}
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(p)))
	return len(p), nil
}

// Word reads one machine word at addr. It returns false when addr is not
// word aligned or not fully inside the window.
func (m Memory) Word(addr libsampler.Address) (libsampler.Address, bool) {
	if !addr.IsAligned(libsampler.WordSize) || !m.Contains(addr, uint(libsampler.WordSize)) {
		return 0, false
	}
	return *(*libsampler.Address)(unsafe.Pointer(uintptr(addr))), true
}

// Uint64 reads a 64-bit unsigned integer at addr, returning 0 when out of
// bounds.
func (m Memory) Uint64(addr libsampler.Address) uint64 {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Uint32 reads a 32-bit unsigned integer at addr, returning 0 when out of
// bounds.
func (m Memory) Uint32(addr libsampler.Address) uint32 {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}
