// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package armtable

import (
	"fmt"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/unwinder"
)

// Unwinder unwinds frames of a single target module using its embedded
// unwind tables. It is authoritative exactly over instruction addresses
// inside that module and hands everything else back to the orchestrator.
type Unwinder struct {
	info       *UnwindInfo
	moduleBase libsampler.Address
	textStart  libsampler.Address
}

var _ unwinder.Unwinder = &Unwinder{}

// New builds a table driven unwinder for the module loaded at moduleBase
// whose text section starts at textStart.
func New(info *UnwindInfo, moduleBase, textStart libsampler.Address) (*Unwinder, error) {
	if info == nil {
		return nil, fmt.Errorf("nil unwind info")
	}
	if err := info.validate(); err != nil {
		return nil, err
	}
	if textStart < moduleBase {
		return nil, fmt.Errorf("text start %#x before module base %#x",
			textStart, moduleBase)
	}
	return &Unwinder{
		info:       info,
		moduleBase: moduleBase,
		textStart:  textStart,
	}, nil
}

// CanUnwindFrom claims frames whose module is the configured target.
func (u *Unwinder) CanUnwindFrom(frame *libsampler.Frame) bool {
	return frame.Module != nil && frame.Module.Base == u.moduleBase
}

// TryUnwind undoes frames one at a time until the walk leaves the target
// module or fails. It never reports Completed: the walk always continues
// in, and ends in, code owned by another unwinder.
func (u *Unwinder) TryUnwind(ctx *registers.Context, stackTop libsampler.Address,
	cache *modulecache.Cache, frames *[]libsampler.Frame) unwinder.Result {
	isTopFrame := len(*frames) == 1

	for {
		if !u.CanUnwindFrom(&(*frames)[len(*frames)-1]) {
			return unwinder.UnrecognizedFrame
		}

		pc := ctx.InstructionPointer()
		if pc < u.textStart {
			return unwinder.Aborted
		}
		instrOffset := uint64(pc-u.textStart) / instructionSize
		if instrOffset > 1<<32-1 {
			return unwinder.Aborted
		}
		index, found := u.info.instructionIndexForOffset(uint32(instrOffset))
		if !found {
			return unwinder.Aborted
		}

		frameInitialSP := ctx.StackPointer()
		exec := newExecution(ctx, stackTop)
		if exec.run(u.info.UnwindInstructionTable, index) != stepCompleted {
			return unwinder.Aborted
		}

		sp := ctx.StackPointer()
		if !sp.IsAligned(libsampler.StackAlignment) {
			return unwinder.Aborted
		}
		if isTopFrame {
			// A sample can land before the frame is set up; then the
			// program counter alone must have moved, anything else is
			// a non-progressing unwind.
			if sp == frameInitialSP && ctx.InstructionPointer() == pc {
				return unwinder.Aborted
			}
		} else if sp <= frameInitialSP {
			return unwinder.Aborted
		}
		isTopFrame = false

		retAddr := ctx.InstructionPointer()
		*frames = append(*frames, libsampler.Frame{
			IP:     retAddr,
			Module: cache.GetModuleForAddress(retAddr),
		})
	}
}
