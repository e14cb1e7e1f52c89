// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package cfi unwinds native frames by driving an external call-frame
// information engine one step at a time. The engine is opaque: it owns the
// parsed ELF unwind data and the process memory map, while this package
// owns bounds, progress checks and the hand-off protocol with the walk
// orchestrator.
package cfi // import "github.com/threadsnap/stacksampler/unwinder/cfi"

import (
	log "github.com/sirupsen/logrus"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/metrics"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
	"github.com/threadsnap/stacksampler/stackmem"
	"github.com/threadsnap/stacksampler/unwinder"
)

// StepStatus is the outcome of one Stepper.Step call.
type StepStatus uint8

const (
	// StepOK recovered the caller's registers.
	StepOK StepStatus = iota
	// StepEnd means the stepper reached the root frame.
	StepEnd
	// StepFailed means the frame cannot be unwound.
	StepFailed
	// StepStaleMaps means the failure may be due to an outdated memory
	// map snapshot, e.g. a library loaded after the last parse.
	StepStaleMaps
)

// ModuleInfo describes an executable mapping known to the stepper's
// memory map but absent from the module cache, typically a non-ELF
// region such as JIT-generated code.
type ModuleInfo struct {
	Base    libsampler.Address
	Size    uint64
	Path    string
	BuildID string
}

// Stepper is the external CFI engine. Implementations restrict all stack
// access to the provided memory window; everything else they read (unwind
// tables, code bytes) comes from their own map of the process.
type Stepper interface {
	// Step recovers the caller frame of ctx's current position, mutating
	// ctx in place. name optionally carries the function name the engine
	// resolved while locating the frame's unwind data.
	Step(ctx *registers.Context, mem stackmem.Memory) (name string, status StepStatus)

	// ModuleAt reports the executable mapping containing pc, if the
	// engine's memory map knows one.
	ModuleAt(pc libsampler.Address) (ModuleInfo, bool)

	// ReloadMaps re-parses the process memory map.
	ReloadMaps() error
}

// minSamplesBeforeMapsReparse bounds how often a failing sample may pay
// for a memory map reparse. At most one reparse per sample, and only
// after this many samples ran since the previous one.
const minSamplesBeforeMapsReparse = 10

// Unwinder adapts a Stepper to the unwinder contract.
//
// It is owned by a single sampler instance and must not be shared: the
// reparse budget tracking is unsynchronized.
type Unwinder struct {
	stepper Stepper

	samplesSinceReparse uint32
	retriedThisSample   bool
	mapsReparses        uint64
}

var _ unwinder.Unwinder = &Unwinder{}

// New returns an unwinder driving the given stepper.
func New(stepper Stepper) *Unwinder {
	return &Unwinder{
		stepper: stepper,
		// The engine parsed its maps at construction time, which counts
		// as long enough ago.
		samplesSinceReparse: minSamplesBeforeMapsReparse,
	}
}

// MapsReparses returns how many memory map reparses the retry path has
// triggered so far.
func (u *Unwinder) MapsReparses() uint64 {
	return u.mapsReparses
}

// CanUnwindFrom claims frames in native modules.
func (u *Unwinder) CanUnwindFrom(frame *libsampler.Frame) bool {
	return frame.Module != nil && frame.Module.IsNative
}

// TryUnwind steps through native frames until the root frame, a failure,
// or a frame owned by another unwinder.
func (u *Unwinder) TryUnwind(ctx *registers.Context, stackTop libsampler.Address,
	cache *modulecache.Cache, frames *[]libsampler.Frame) unwinder.Result {
	if len(*frames) == 1 {
		// Topmost call of a fresh sample.
		u.samplesSinceReparse++
		u.retriedThisSample = false
	}
	mem := stackmem.New(ctx.StackPointer(), stackTop)

	for {
		prevSP := ctx.StackPointer()
		prevPC := ctx.InstructionPointer()

		name, status := u.step(ctx, mem)
		switch status {
		case StepOK:
		case StepEnd:
			return unwinder.Completed
		default:
			return unwinder.Aborted
		}

		// A step that recovers nothing new would loop forever.
		sp := ctx.StackPointer()
		if sp < prevSP || (sp == prevSP && ctx.InstructionPointer() == prevPC) {
			return unwinder.Aborted
		}

		pc := ctx.InstructionPointer()
		u.registerUnknownModule(pc, cache)
		frame := libsampler.Frame{
			IP:     pc,
			Module: cache.GetModuleForAddress(pc),
			Name:   name,
		}
		*frames = append(*frames, frame)

		if !u.CanUnwindFrom(&frame) {
			return unwinder.UnrecognizedFrame
		}
	}
}

// step invokes the stepper, retrying once after a maps reparse when the
// failure looks like map staleness and the budget allows it.
func (u *Unwinder) step(ctx *registers.Context,
	mem stackmem.Memory) (string, StepStatus) {
	name, status := u.stepper.Step(ctx, mem)
	if status != StepStaleMaps {
		return name, status
	}
	if u.retriedThisSample || u.samplesSinceReparse < minSamplesBeforeMapsReparse {
		return name, StepFailed
	}
	u.retriedThisSample = true
	u.samplesSinceReparse = 0
	u.mapsReparses++
	metrics.Add(metrics.IDMapsReparses, 1)
	if err := u.stepper.ReloadMaps(); err != nil {
		log.Debugf("Memory map reparse failed: %v", err)
		return name, StepFailed
	}
	return u.stepper.Step(ctx, mem)
}

// registerUnknownModule adds a mapping only the stepper's memory map
// knows about, so later lookups and CanUnwindFrom see a native module
// instead of a placeholder.
func (u *Unwinder) registerUnknownModule(pc libsampler.Address,
	cache *modulecache.Cache) {
	if cache.GetExistingModuleForAddress(pc) != nil {
		return
	}
	info, ok := u.stepper.ModuleAt(pc)
	if !ok {
		return
	}
	cache.AddCustomNativeModule(&libsampler.Module{
		Base:     info.Base,
		Size:     info.Size,
		BuildID:  info.BuildID,
		Path:     info.Path,
		IsNative: true,
	})
}
