// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package framepointer

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/unwinder"
)

// fakeStack lays out frame records in a real buffer so the unwinder can
// dereference them like a copied stack.
type fakeStack struct {
	words  []uintptr
	bottom libsampler.Address
	top    libsampler.Address
}

func newFakeStack(nWords int) *fakeStack {
	words := make([]uintptr, nWords)
	bottom := libsampler.Address(uintptr(unsafe.Pointer(&words[0])))
	return &fakeStack{
		words:  words,
		bottom: bottom,
		top:    bottom + libsampler.Address(nWords)*libsampler.WordSize,
	}
}

func (s *fakeStack) addressOf(idx int) libsampler.Address {
	return s.bottom + libsampler.Address(idx)*libsampler.WordSize
}

// setFrameRecord stores a (saved fp, return address) pair at word idx.
func (s *fakeStack) setFrameRecord(idx int, savedFP, retAddr libsampler.Address) {
	s.words[idx] = uintptr(savedFP)
	s.words[idx+1] = uintptr(retAddr)
}

func nativeEverything(t *testing.T) *modulecache.Cache {
	t.Helper()
	cache, err := modulecache.New(func(addr libsampler.Address) *libsampler.Module {
		return &libsampler.Module{
			Base:     addr.AlignedDown(4096),
			Size:     4096,
			IsNative: true,
		}
	})
	require.NoError(t, err)
	return cache
}

func TestWalkChain(t *testing.T) {
	stack := newFakeStack(16)
	// Three chained frame records at words 0, 4 and 10; the last one has
	// a zero saved fp terminating the chain.
	stack.setFrameRecord(0, stack.addressOf(4), 0x1000111)
	stack.setFrameRecord(4, stack.addressOf(10), 0x1000222)
	stack.setFrameRecord(10, 0, 0x1000333)

	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetFramePointer(stack.addressOf(0))
	ctx.SetInstructionPointer(0x1000042)

	frames := []libsampler.Frame{{IP: 0x1000042}}
	result := New().TryUnwind(&ctx, stack.top, nativeEverything(t), &frames)

	assert.Equal(t, unwinder.Completed, result)
	require.Len(t, frames, 4)
	assert.Equal(t, libsampler.Address(0x1000111), frames[1].IP)
	assert.Equal(t, libsampler.Address(0x1000222), frames[2].IP)
	assert.Equal(t, libsampler.Address(0x1000333), frames[3].IP)
	assert.Equal(t, libsampler.Address(0), ctx.FramePointer())
	assert.Equal(t, stack.addressOf(12), ctx.StackPointer())
}

func TestFramePointerBelowStackPointer(t *testing.T) {
	stack := newFakeStack(8)

	var ctx registers.Context
	ctx.SetStackPointer(stack.addressOf(4))
	ctx.SetFramePointer(stack.addressOf(2))

	frames := []libsampler.Frame{{IP: 0x1000042}}
	result := New().TryUnwind(&ctx, stack.top, nativeEverything(t), &frames)

	assert.Equal(t, unwinder.Completed, result)
	assert.Len(t, frames, 1)
}

func TestNonIncreasingChainStops(t *testing.T) {
	stack := newFakeStack(8)
	// Frame record pointing back at itself: must terminate, not loop.
	stack.setFrameRecord(0, stack.addressOf(0), 0x1000111)

	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetFramePointer(stack.addressOf(0))

	frames := []libsampler.Frame{{IP: 0x1000042}}
	result := New().TryUnwind(&ctx, stack.top, nativeEverything(t), &frames)

	assert.Equal(t, unwinder.Completed, result)
	assert.Len(t, frames, 1)
}

func TestHandsOffToAuxiliaryUnwinder(t *testing.T) {
	stack := newFakeStack(8)
	stack.setFrameRecord(0, stack.addressOf(4), 0x2000100)
	stack.setFrameRecord(4, 0, 0x1000333)

	// 0x2000xxx resolves to a non-native module, everything else native.
	cache, err := modulecache.New(func(addr libsampler.Address) *libsampler.Module {
		return &libsampler.Module{
			Base:     addr.AlignedDown(4096),
			Size:     4096,
			IsNative: addr < 0x2000000 || addr >= 0x2001000,
		}
	})
	require.NoError(t, err)

	var ctx registers.Context
	ctx.SetStackPointer(stack.bottom)
	ctx.SetFramePointer(stack.addressOf(0))

	frames := []libsampler.Frame{{IP: 0x1000042}}
	result := New().TryUnwind(&ctx, stack.top, cache, &frames)

	assert.Equal(t, unwinder.UnrecognizedFrame, result)
	require.Len(t, frames, 2)
	assert.Equal(t, libsampler.Address(0x2000100), frames[1].IP)
	// Context reflects the deepest point reached so the next unwinder
	// can continue from here.
	assert.Equal(t, stack.addressOf(4), ctx.FramePointer())
	assert.Equal(t, stack.addressOf(2), ctx.StackPointer())
}

func TestCanUnwindFrom(t *testing.T) {
	u := New()
	native := &libsampler.Module{IsNative: true}
	alien := &libsampler.Module{IsNative: false}

	assert.True(t, u.CanUnwindFrom(&libsampler.Frame{Module: native}))
	assert.False(t, u.CanUnwindFrom(&libsampler.Frame{Module: alien}))
	assert.False(t, u.CanUnwindFrom(&libsampler.Frame{}))
}
