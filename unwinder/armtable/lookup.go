// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package armtable

import (
	"sort"
)

// instructionIndexForOffset maps a code offset (in 2-byte instruction
// units, relative to the text section start) to the index in the unwind
// instruction table where interpretation must begin. It returns false when
// the offset lies outside the table's coverage.
func (info *UnwindInfo) instructionIndexForOffset(instrOffset uint32) (int, bool) {
	page := int(instrOffset / pageSizeInInstructions)
	if page >= len(info.PageTable) {
		return 0, false
	}
	pageOffset := uint16(instrOffset % pageSizeInInstructions)

	start := int(info.PageTable[page])
	end := len(info.FunctionTable)
	if page+1 < len(info.PageTable) {
		end = int(info.PageTable[page+1])
	}

	// Last function in this page starting at or before the target offset.
	idx := start + sort.Search(end-start, func(i int) bool {
		return info.FunctionTable[start+i].FunctionStartOffset > pageOffset
	}) - 1

	entryPage := page
	if idx < start {
		// No function starts in this page before the target. The
		// enclosing function is the last one of an earlier page,
		// spilling over the page boundary.
		if start == 0 {
			return 0, false
		}
		idx = start - 1
		entryPage = sort.Search(len(info.PageTable), func(p int) bool {
			return int(info.PageTable[p]) > idx
		}) - 1
	}

	entry := info.FunctionTable[idx]
	functionStart := uint32(entryPage)*pageSizeInInstructions +
		uint32(entry.FunctionStartOffset)
	return info.scanFunctionOffsets(entry.FunctionOffsetTableIndex,
		instrOffset-functionStart)
}

// scanFunctionOffsets walks one function's [offset, instruction index]
// pairs until it finds the first pair whose offset is at or below the
// target. The offsets decrease strictly and end at 0, so the scan always
// terminates on well formed data.
func (info *UnwindInfo) scanFunctionOffsets(tableIndex uint16, target uint32) (int, bool) {
	pos := int(tableIndex)
	for {
		offset, ok := decodeULEB128(info.FunctionOffsetTable, &pos)
		if !ok {
			dataFault("malformed function offset table at %d", pos)
		}
		index, ok := decodeULEB128(info.FunctionOffsetTable, &pos)
		if !ok {
			dataFault("malformed function offset table at %d", pos)
		}
		if offset <= uint64(target) {
			if index >= uint64(len(info.UnwindInstructionTable)) {
				dataFault("instruction index %d outside %d byte table",
					index, len(info.UnwindInstructionTable))
			}
			return int(index), true
		}
	}
}
