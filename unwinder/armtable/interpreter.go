// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package armtable

import (
	"math/bits"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/stackmem"
)

// ARM register numbering used by the unwind opcodes. The stack pointer and
// program counter are accessed through the context's named accessors so the
// interpreter runs unchanged on any host register file with at least 16
// indexable slots.
const (
	armRegSP = 13
	armRegLR = 14
	armRegPC = 15
)

// stepResult is the interpreter state after decoding one opcode.
type stepResult uint8

const (
	// stepPending means more opcodes follow.
	stepPending stepResult = iota
	// stepCompleted means the frame was fully undone.
	stepCompleted
	// stepAborted means a bounds violation, arithmetic overflow or an
	// explicit refuse-to-unwind marker. The sample stops here.
	stepAborted
)

// execution interprets one frame's unwind instruction sequence against a
// register context. The stack pointer may only move within
// [frameInitialSP, stackTop); every mutation is checked before any other
// register is touched.
type execution struct {
	ctx            *registers.Context
	mem            stackmem.Memory
	frameInitialSP libsampler.Address
	stackTop       libsampler.Address

	// pcUpdated suppresses the link register to program counter copy on
	// completion once an opcode popped the program counter explicitly.
	pcUpdated bool
}

func newExecution(ctx *registers.Context, stackTop libsampler.Address) execution {
	sp := ctx.StackPointer()
	return execution{
		ctx:            ctx,
		mem:            stackmem.New(sp, stackTop),
		frameInitialSP: sp,
		stackTop:       stackTop,
	}
}

// run executes opcodes from table starting at index until a terminal
// state is reached.
func (e *execution) run(table []byte, index int) stepResult {
	cursor := index
	for {
		result := e.step(table, &cursor)
		if result != stepPending {
			return result
		}
	}
}

// step decodes and executes a single opcode, advancing the cursor.
func (e *execution) step(code []byte, cursor *int) stepResult {
	op := e.fetch(code, cursor)
	switch {
	case op&0xc0 == 0x00:
		// 00xxxxxx: sp += (x << 2) + 4
		return e.moveSP(libsampler.Address(op&0x3f)<<2+4, false)
	case op&0xc0 == 0x40:
		// 01xxxxxx: sp -= (x << 2) + 4
		return e.moveSP(libsampler.Address(op&0x3f)<<2+4, true)
	case op&0xf0 == 0x80:
		// 1000iiii iiiiiiii: pop mask of r4..r15; all-zero mask is the
		// explicit refuse-to-unwind marker.
		mask := uint16(op&0x0f)<<8 | uint16(e.fetch(code, cursor))
		if mask == 0 {
			return stepAborted
		}
		return e.popMask(mask)
	case op&0xf0 == 0x90:
		// 1001nnnn: sp := register[nnnn]
		n := int(op & 0x0f)
		if n < 4 || n == armRegSP || n == armRegPC {
			dataFault("sp restore from invalid register r%d", n)
		}
		return e.setSP(e.ctx.Register(n))
	case op&0xf8 == 0xa8:
		// 10101nnn: pop r4..r4+nnn then r14
		n := uint(op & 0x07)
		mask := uint16(1<<(n+1)-1) | 1<<(armRegLR-4)
		return e.popMask(mask)
	case op == 0xb0:
		// Finish. Return address moves from the link register to the
		// program counter unless an earlier pop already set it.
		if !e.pcUpdated {
			e.ctx.SetInstructionPointer(e.ctx.Register(armRegLR))
		}
		return stepCompleted
	case op == 0xb2:
		// 10110010 uleb128: sp += 0x204 + (uleb128 << 2)
		operand, ok := decodeULEB128(code, cursor)
		if !ok {
			dataFault("truncated uleb128 operand at %d", *cursor)
		}
		if operand > uint64(^libsampler.Address(0)>>2) {
			return stepAborted
		}
		delta := libsampler.Address(operand)<<2 + 0x204
		if delta < 0x204 {
			return stepAborted
		}
		return e.moveSP(delta, false)
	default:
		dataFault("unrecognized unwind opcode %#02x", op)
		return stepAborted
	}
}

func (e *execution) fetch(code []byte, cursor *int) byte {
	if *cursor >= len(code) {
		dataFault("unwind instructions truncated at %d", *cursor)
	}
	op := code[*cursor]
	*cursor++
	return op
}

// moveSP adjusts the stack pointer by delta with overflow and bounds
// checks.
func (e *execution) moveSP(delta libsampler.Address, down bool) stepResult {
	sp := e.ctx.StackPointer()
	var next libsampler.Address
	if down {
		next = sp - delta
		if next > sp {
			return stepAborted
		}
	} else {
		next = sp + delta
		if next < sp {
			return stepAborted
		}
	}
	return e.setSP(next)
}

// setSP installs a new stack pointer if it stays within the frame bounds.
func (e *execution) setSP(sp libsampler.Address) stepResult {
	if sp < e.frameInitialSP || sp >= e.stackTop {
		return stepAborted
	}
	e.ctx.SetStackPointer(sp)
	return stepPending
}

// popMask pops the registers selected by mask (bit n selects r4+n) from
// the stack in ascending register order. The final stack pointer is
// validated before any register is written, so an aborted pop leaves
// everything but the bounds check untouched.
func (e *execution) popMask(mask uint16) stepResult {
	sp := e.ctx.StackPointer()
	size := libsampler.Address(bits.OnesCount16(mask)) * libsampler.WordSize
	finalSP := sp + size
	if finalSP < sp || finalSP < e.frameInitialSP || finalSP >= e.stackTop {
		return stepAborted
	}

	addr := sp
	for n := 0; n < 12; n++ {
		if mask&(1<<n) == 0 {
			continue
		}
		value, ok := e.mem.Word(addr)
		if !ok {
			return stepAborted
		}
		switch reg := 4 + n; reg {
		case armRegPC:
			e.ctx.SetInstructionPointer(value)
			e.pcUpdated = true
		case armRegSP:
			// Popped below, but the final stack pointer past the
			// whole record wins.
		default:
			e.ctx.SetRegister(reg, value)
		}
		addr += libsampler.WordSize
	}
	e.ctx.SetStackPointer(finalSP)
	return stepPending
}
