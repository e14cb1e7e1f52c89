// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package libsampler holds the value types shared by the stack sampling
// engine: addresses, modules and frames.
package libsampler // import "github.com/threadsnap/stacksampler/libsampler"

import (
	"encoding/binary"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// Address represents an address, or offset, within a sampled thread's
// address space.
type Address uintptr

// WordSize is the size of a machine word on the sampled architecture.
const WordSize = Address(unsafe.Sizeof(uintptr(0)))

// StackAlignment is the required stack pointer alignment after a completed
// frame unwind. All supported ABIs keep the stack aligned to twice the
// machine word size at call boundaries.
const StackAlignment = 2 * WordSize

// Hash32 returns a 32 bits hash of the input.
// Its main purpose is to be used as a key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(adr))
	return xxh3.Hash(buf[:])
}

// AlignedDown returns the address rounded down to the given power-of-two
// alignment.
func (adr Address) AlignedDown(align Address) Address {
	return adr &^ (align - 1)
}

// IsAligned reports whether the address is a multiple of the given
// power-of-two alignment.
func (adr Address) IsAligned(align Address) bool {
	return adr&(align-1) == 0
}
