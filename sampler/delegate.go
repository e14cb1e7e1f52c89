// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler contains the top half of the sampling engine: the OS
// delegate abstraction for suspending a target thread, the stack copier
// producing pointer-consistent stack snapshots, and the walk orchestrator
// chaining unwinders into a frame sequence.
package sampler // import "github.com/threadsnap/stacksampler/sampler"

import (
	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
)

// ThreadSuspension is the scoped "target thread is stopped" resource.
//
// Between Suspend and Resume the target thread holds arbitrary locks,
// including the allocator's. Implementations of all methods must therefore
// not allocate on the heap, log, or take locks the target could hold.
type ThreadSuspension interface {
	// ReadRegisters fills ctx with the stopped thread's register state.
	ReadRegisters(ctx *registers.Context) bool

	// CopyStackSegment copies len(dst) bytes of the stopped thread's
	// stack starting at addr into dst.
	CopyStackSegment(addr libsampler.Address, dst []byte) bool

	// Resume restarts the thread. Called exactly once, on every exit
	// path.
	Resume()
}

// ThreadDelegate isolates the per-OS mechanics of stopping one target
// thread and reading its state. A delegate is bound to a single thread
// for its lifetime.
type ThreadDelegate interface {
	// StackBaseAddress returns the highest address of the target
	// thread's stack. Called before suspension and free to allocate.
	StackBaseAddress() (libsampler.Address, error)

	// Suspend stops the target thread. Implementations that need state
	// for the returned suspension must preallocate it: by the time
	// Suspend returns, the no-allocation rules of ThreadSuspension are
	// already in force.
	Suspend() (ThreadSuspension, error)

	// RegistersToRewrite returns references to the context registers
	// that may hold in-stack addresses per the platform calling
	// convention. Called after resumption.
	RegistersToRewrite(ctx *registers.Context) []*libsampler.Address
}
