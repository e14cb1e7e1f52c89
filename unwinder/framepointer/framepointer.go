// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package framepointer walks the classic saved frame pointer chain: each
// frame record holds the caller's frame pointer and the return address in
// two adjacent words. This is the native unwinding strategy on platforms
// where frame pointers are guaranteed to be preserved.
package framepointer // import "github.com/threadsnap/stacksampler/unwinder/framepointer"

import (
	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/stackmem"
	"github.com/threadsnap/stacksampler/unwinder"
)

// Unwinder walks saved frame pointer chains through the copied stack.
type Unwinder struct{}

var _ unwinder.Unwinder = &Unwinder{}

// New returns a frame pointer chain unwinder.
func New() *Unwinder {
	return &Unwinder{}
}

// CanUnwindFrom claims every frame in a native module. As the native
// strategy it also acts as the fallback for frames no auxiliary unwinder
// recognizes.
func (u *Unwinder) CanUnwindFrom(frame *libsampler.Frame) bool {
	return frame.Module != nil && frame.Module.IsNative
}

// TryUnwind follows the frame pointer chain upward until it terminates,
// leaves the stack bounds, or enters a module claimed by another unwinder.
func (u *Unwinder) TryUnwind(ctx *registers.Context, stackTop libsampler.Address,
	cache *modulecache.Cache, frames *[]libsampler.Frame) unwinder.Result {
	mem := stackmem.New(ctx.StackPointer(), stackTop)

	for {
		fp := ctx.FramePointer()

		// A valid frame record lies within the remaining stack and is
		// aligned so that both words can be dereferenced.
		if fp < ctx.StackPointer() || !fp.IsAligned(libsampler.WordSize) {
			return unwinder.Completed
		}
		nextFP, ok := mem.Word(fp)
		if !ok {
			return unwinder.Completed
		}
		retAddr, ok := mem.Word(fp + libsampler.WordSize)
		if !ok || retAddr == 0 {
			return unwinder.Completed
		}
		// The chain must walk strictly toward the stack base, anything
		// else is a corrupt or terminated chain.
		if nextFP != 0 && nextFP <= fp {
			return unwinder.Completed
		}

		ctx.SetStackPointer(fp + 2*libsampler.WordSize)
		ctx.SetFramePointer(nextFP)
		ctx.SetInstructionPointer(retAddr)

		module := cache.GetModuleForAddress(retAddr)
		*frames = append(*frames, libsampler.Frame{IP: retAddr, Module: module})

		if nextFP == 0 {
			return unwinder.Completed
		}
		if !u.CanUnwindFrom(&(*frames)[len(*frames)-1]) {
			// Another unwinder is authoritative from here on.
			return unwinder.UnrecognizedFrame
		}
	}
}
