// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package armtable implements stack unwinding driven by a compact binary
// unwind table generated at build time for 32-bit ARM code. The table
// encodes, per function address range, the instruction sequence needed to
// undo the function's stack frame; a small interpreter executes those
// instructions against the sampled register context.
//
// The table triple is immutable process-wide data and may be shared by any
// number of concurrent samplers without locking.
package armtable // import "github.com/threadsnap/stacksampler/unwinder/armtable"

import (
	"encoding/binary"
	"fmt"
)

// instructionSize is the granularity of code offsets in the tables. ARM
// Thumb2 instructions are 2-byte aligned, so all function and page offsets
// are counted in 2-byte units.
const instructionSize = 2

// pageSizeInInstructions is the code span covered by one page table entry.
const pageSizeInInstructions = 1 << 16

// FunctionTableEntry locates one function's unwind data: where the
// function starts within its page, and where its [offset, instruction
// index] pairs begin in the function offset table.
type FunctionTableEntry struct {
	FunctionStartOffset      uint16
	FunctionOffsetTableIndex uint16
}

// UnwindInfo is the parsed unwind table triple (plus the function table
// that splits the per-page address lookup from the per-function offset
// scan).
type UnwindInfo struct {
	// PageTable maps a page number to the index of the page's first
	// entry in FunctionTable. Pages without entries point at the next
	// populated page's first entry, so [PageTable[p], PageTable[p+1])
	// is always the (possibly empty) entry range of page p.
	PageTable []uint32
	// FunctionTable holds one entry per function, ordered by address.
	FunctionTable []FunctionTableEntry
	// FunctionOffsetTable holds ULEB128-encoded [function-relative
	// offset, instruction table index] pairs with strictly decreasing
	// offsets, terminating at offset 0.
	FunctionOffsetTable []byte
	// UnwindInstructionTable holds the densely packed one-byte unwind
	// opcodes executed by the interpreter.
	UnwindInstructionTable []byte
}

// unwindInfoHeaderSize is the size of the serialized blob header: four
// (byte offset, element count) uint32 pairs, one per table.
const unwindInfoHeaderSize = 32

// ParseUnwindInfo decodes the serialized unwind table blob emitted by the
// build-time table generator.
func ParseUnwindInfo(data []byte) (*UnwindInfo, error) {
	if len(data) < unwindInfoHeaderSize {
		return nil, fmt.Errorf("unwind info too short: %d bytes", len(data))
	}
	var header [8]uint32
	for i := range header {
		header[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	pageTableOffset, pageTableCount := header[0], header[1]
	functionTableOffset, functionTableCount := header[2], header[3]
	offsetTableOffset, offsetTableSize := header[4], header[5]
	instructionTableOffset, instructionTableSize := header[6], header[7]

	section := func(offset, size uint32) ([]byte, error) {
		end := uint64(offset) + uint64(size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("section [%#x,%#x) outside %d byte blob",
				offset, end, len(data))
		}
		return data[offset:end], nil
	}

	rawPages, err := section(pageTableOffset, pageTableCount*4)
	if err != nil {
		return nil, err
	}
	rawFunctions, err := section(functionTableOffset, functionTableCount*4)
	if err != nil {
		return nil, err
	}
	offsetTable, err := section(offsetTableOffset, offsetTableSize)
	if err != nil {
		return nil, err
	}
	instructionTable, err := section(instructionTableOffset, instructionTableSize)
	if err != nil {
		return nil, err
	}

	info := &UnwindInfo{
		PageTable:              make([]uint32, pageTableCount),
		FunctionTable:          make([]FunctionTableEntry, functionTableCount),
		FunctionOffsetTable:    offsetTable,
		UnwindInstructionTable: instructionTable,
	}
	for i := range info.PageTable {
		info.PageTable[i] = binary.LittleEndian.Uint32(rawPages[4*i:])
	}
	for i := range info.FunctionTable {
		info.FunctionTable[i] = FunctionTableEntry{
			FunctionStartOffset:      binary.LittleEndian.Uint16(rawFunctions[4*i:]),
			FunctionOffsetTableIndex: binary.LittleEndian.Uint16(rawFunctions[4*i+2:]),
		}
	}
	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// validate checks the structural invariants of the tables. A violation
// means the build asset is damaged.
func (info *UnwindInfo) validate() error {
	if len(info.PageTable) == 0 {
		return fmt.Errorf("empty page table")
	}
	if info.PageTable[0] != 0 {
		return fmt.Errorf("first page table entry is %d, want 0", info.PageTable[0])
	}
	prev := uint32(0)
	for i, idx := range info.PageTable {
		if idx < prev || idx > uint32(len(info.FunctionTable)) {
			return fmt.Errorf("page table entry %d out of order: %d", i, idx)
		}
		prev = idx
	}
	if len(info.FunctionTable) > 0 &&
		info.FunctionTable[0].FunctionStartOffset != 0 {
		return fmt.Errorf("first function does not start the text section")
	}
	return nil
}

// dataFault reports an internal inconsistency in the static unwind tables
// hit during interpretation. The tables are build assets validated at load
// time; damage observed past that point is a defect, not a recoverable
// unwind failure.
func dataFault(format string, args ...any) {
	panic("armtable: " + fmt.Sprintf(format, args...))
}

// decodeULEB128 decodes one unsigned LEB128 value at *pos, advancing it.
// It returns false on truncated input or a value exceeding 64 bits.
func decodeULEB128(data []byte, pos *int) (uint64, bool) {
	var value uint64
	var shift uint
	for {
		if *pos >= len(data) {
			return 0, false
		}
		b := data[*pos]
		*pos++
		if shift == 63 && b > 1 {
			return 0, false
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, true
		}
		shift += 7
		if shift > 63 {
			return 0, false
		}
	}
}
