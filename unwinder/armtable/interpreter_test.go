// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package armtable

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
)

// alignedStack allocates a word buffer whose base address satisfies the
// post-frame stack alignment requirement, so tests control alignment
// outcomes exactly.
type alignedStack struct {
	words  []uintptr
	bottom libsampler.Address
	top    libsampler.Address
}

func newAlignedStack(t *testing.T, nWords int) *alignedStack {
	t.Helper()
	raw := make([]uintptr, nWords+1)
	words := raw
	bottom := libsampler.Address(uintptr(unsafe.Pointer(&raw[0])))
	if !bottom.IsAligned(libsampler.StackAlignment) {
		words = raw[1:]
		bottom += libsampler.WordSize
	}
	words = words[:nWords]
	require.True(t, bottom.IsAligned(libsampler.StackAlignment))
	return &alignedStack{
		words:  words,
		bottom: bottom,
		top:    bottom + libsampler.Address(nWords)*libsampler.WordSize,
	}
}

func run(ctx *registers.Context, stackTop libsampler.Address, code []byte) stepResult {
	exec := newExecution(ctx, stackTop)
	return exec.run(code, 0)
}

func TestFinishCopiesLinkRegister(t *testing.T) {
	stack := newAlignedStack(t, 4)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetInstructionPointer(0x1000)
	ctx.SetRegister(armRegLR, 0x2000)

	result := run(&ctx, stack.top, []byte{0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, libsampler.Address(0x2000), ctx.InstructionPointer())
	assert.Equal(t, stack.bottom, ctx.StackPointer())
}

func TestSmallAdjustThenFinish(t *testing.T) {
	stack := newAlignedStack(t, 4)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(armRegLR, 0x2000)

	result := run(&ctx, stack.top, []byte{0x00, 0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, stack.bottom+4, ctx.StackPointer())
	assert.Equal(t, libsampler.Address(0x2000), ctx.InstructionPointer())
}

func TestAdjustBelowFrameStartAborts(t *testing.T) {
	stack := newAlignedStack(t, 4)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)

	// The decrement would move below the frame's initial stack pointer.
	result := run(&ctx, stack.top, []byte{0x40, 0xb0})

	assert.Equal(t, stepAborted, result)
	assert.Equal(t, stack.bottom, ctx.StackPointer())
}

func TestAdjustPastStackTopAborts(t *testing.T) {
	stack := newAlignedStack(t, 2)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)

	result := run(&ctx, stack.top, []byte{0x3f, 0xb0})

	assert.Equal(t, stepAborted, result)
}

func TestDecrementWithinFrameBounds(t *testing.T) {
	stack := newAlignedStack(t, 8)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(armRegLR, 0x2000)

	// +8 then -4 stays at or above the frame start.
	result := run(&ctx, stack.top, []byte{0x01, 0x40, 0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, stack.bottom+4, ctx.StackPointer())
}

func TestRefuseToUnwind(t *testing.T) {
	stack := newAlignedStack(t, 4)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)

	result := run(&ctx, stack.top, []byte{0x80, 0x00})

	assert.Equal(t, stepAborted, result)
}

func TestPopMask(t *testing.T) {
	stack := newAlignedStack(t, 4)
	stack.words[0] = 0x44
	stack.words[1] = 0x66
	stack.words[2] = 0x1234
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(armRegLR, 0x2000)

	// Pop {r4, r6, pc}: bits 0, 2 and 11.
	result := run(&ctx, stack.top, []byte{0x88, 0x05, 0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, libsampler.Address(0x44), ctx.Register(4))
	assert.Equal(t, libsampler.Address(0x66), ctx.Register(6))
	assert.Equal(t, stack.bottom+3*libsampler.WordSize, ctx.StackPointer())
	// The popped pc wins over the link register.
	assert.Equal(t, libsampler.Address(0x1234), ctx.InstructionPointer())
}

func TestPopContiguousThenLinkRegister(t *testing.T) {
	stack := newAlignedStack(t, 8)
	for i := 0; i < 4; i++ {
		stack.words[i] = uintptr(0x40 + i)
	}
	stack.words[4] = 0x2000
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)

	// 10101011: pop r4..r7 then r14.
	result := run(&ctx, stack.top, []byte{0xab, 0xb0})

	assert.Equal(t, stepCompleted, result)
	for i := 0; i < 4; i++ {
		assert.Equal(t, libsampler.Address(0x40+i), ctx.Register(4+i))
	}
	assert.Equal(t, libsampler.Address(0x2000), ctx.Register(armRegLR))
	assert.Equal(t, libsampler.Address(0x2000), ctx.InstructionPointer())
	assert.Equal(t, stack.bottom+5*libsampler.WordSize, ctx.StackPointer())
}

func TestPopBeyondStackTopAborts(t *testing.T) {
	stack := newAlignedStack(t, 2)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(4, 0xdead)

	// Pop {r4, r5} needs the full window; the final stack pointer would
	// land on the exclusive top bound.
	result := run(&ctx, stack.top, []byte{0x80, 0x03})

	assert.Equal(t, stepAborted, result)
	// No register was written before the bounds check failed.
	assert.Equal(t, libsampler.Address(0xdead), ctx.Register(4))
	assert.Equal(t, stack.bottom, ctx.StackPointer())
}

func TestStackPointerFromRegister(t *testing.T) {
	stack := newAlignedStack(t, 8)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(4, stack.bottom+2*libsampler.WordSize)
	ctx.SetRegister(armRegLR, 0x2000)

	result := run(&ctx, stack.top, []byte{0x94, 0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, stack.bottom+2*libsampler.WordSize, ctx.StackPointer())
}

func TestBigStackPointerUpdate(t *testing.T) {
	stack := newAlignedStack(t, 0x240/int(libsampler.WordSize))
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetRegister(armRegLR, 0x2000)

	// sp += 0x204 + (4 << 2)
	result := run(&ctx, stack.top, []byte{0xb2, 0x04, 0xb0})

	assert.Equal(t, stepCompleted, result)
	assert.Equal(t, stack.bottom+0x214, ctx.StackPointer())
}

func TestUnrecognizedOpcodeFaults(t *testing.T) {
	stack := newAlignedStack(t, 4)

	for _, op := range []byte{0xa0, 0xb1, 0xc3, 0xff} {
		var ctx registers.Context
		ctx.SetStackPointer(stack.bottom)
		assert.Panics(t, func() {
			run(&ctx, stack.top, []byte{op})
		}, "opcode %#02x", op)
	}

	// Restoring sp from sp or pc is never emitted by the generator.
	for _, op := range []byte{0x9d, 0x9f, 0x90} {
		var ctx registers.Context
		ctx.SetStackPointer(stack.bottom)
		assert.Panics(t, func() {
			run(&ctx, stack.top, []byte{op})
		}, "opcode %#02x", op)
	}
}

func TestTruncatedInstructionStreamFaults(t *testing.T) {
	stack := newAlignedStack(t, 4)
	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)

	// Pop opcode missing its second byte.
	assert.Panics(t, func() {
		run(&ctx, stack.top, []byte{0x88})
	})
}
