// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder defines the interface implemented by every stack
// unwinding strategy. The walk orchestrator owns an ordered collection of
// Unwinders and selects, frame by frame, the one claiming authority over
// the current instruction pointer.
package unwinder // import "github.com/threadsnap/stacksampler/unwinder"

import (
	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/modulecache"
	"github.com/threadsnap/stacksampler/registers"
)

// Result is the outcome of one TryUnwind invocation.
type Result uint8

const (
	// Completed means unwinding reached the root frame. Only the native
	// unwinder for the platform may report it, since every walk starts
	// and ends in native code.
	Completed Result = iota
	// UnrecognizedFrame means the unwinder cannot handle the current
	// frame. The orchestrator hands control to the next authoritative
	// unwinder, or stops the walk when no progress was made.
	UnrecognizedFrame
	// Aborted means the sample is damaged beyond this point: bounds
	// violation, overflowing arithmetic or an explicit refuse-to-unwind
	// marker. The walk stops immediately and is never retried.
	Aborted
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case UnrecognizedFrame:
		return "unrecognized frame"
	case Aborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// Unwinder is one stack walking strategy.
//
// Implementations are stateful per sampling session but must not retain
// references to the register context or frame slice across calls.
type Unwinder interface {
	// CanUnwindFrom reports whether this unwinder is authoritative for
	// the given frame. It must be pure: the orchestrator may probe
	// without consequence.
	CanUnwindFrom(frame *libsampler.Frame) bool

	// TryUnwind appends zero or more caller frames to frames and mutates
	// ctx in place to the deepest point reached. stackTop is the first
	// address past the copied stack; all stack reads must stay below it.
	TryUnwind(ctx *registers.Context, stackTop libsampler.Address,
		cache *modulecache.Cache, frames *[]libsampler.Frame) Result
}
