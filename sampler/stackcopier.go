// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"errors"
	"fmt"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
)

var (
	// ErrSuspendFailed means the target thread could not be stopped.
	ErrSuspendFailed = errors.New("thread suspension failed")
	// ErrContextUnreadable means the stopped thread's registers could
	// not be read.
	ErrContextUnreadable = errors.New("thread registers unreadable")
	// ErrInvalidStackPointer means the captured stack pointer lies
	// outside the thread's stack.
	ErrInvalidStackPointer = errors.New("stack pointer outside stack bounds")
	// ErrBufferTooSmall means the live stack exceeds the snapshot
	// buffer.
	ErrBufferTooSmall = errors.New("stack buffer too small for live stack")
	// ErrStackCopyFailed means the stack bytes could not be read.
	ErrStackCopyFailed = errors.New("stack copy failed")
)

// StackCopier produces a pointer-consistent snapshot of one thread's live
// stack: the stack bytes are copied into a caller-owned buffer, and every
// word that pointed into the original stack span is rewritten to point at
// its relocated slot, so frame records and dynamically sized frames stay
// walkable in the copy.
type StackCopier struct {
	delegate ThreadDelegate
}

// NewStackCopier returns a copier for the delegate's target thread.
func NewStackCopier(delegate ThreadDelegate) *StackCopier {
	return &StackCopier{delegate: delegate}
}

// CopyStack suspends the target thread, snapshots its registers and live
// stack into buffer, and resumes it. On success it returns the first
// address past the copied stack and leaves ctx rewritten so that all
// stack-pointing registers reference the copy.
//
// Failures skip the sample: no retry happens within the same cycle.
func (c *StackCopier) CopyStack(buffer *StackBuffer,
	ctx *registers.Context) (libsampler.Address, error) {
	// Anything that may allocate happens before the thread stops.
	stackBase, err := c.delegate.StackBaseAddress()
	if err != nil {
		return 0, fmt.Errorf("stack base address: %w", err)
	}

	suspension, err := c.delegate.Suspend()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSuspendFailed, err)
	}
	// No heap allocation and no logging until Resume: the stopped
	// thread may hold the allocator lock.
	stackTop, copyErr := c.copyWhileSuspended(buffer, ctx, stackBase, suspension)
	suspension.Resume()
	if copyErr != nil {
		return 0, copyErr
	}

	c.rewriteRegisters(ctx, stackBase, buffer)
	return stackTop, nil
}

// copyWhileSuspended runs between Suspend and Resume and returns only
// preallocated sentinel errors.
func (c *StackCopier) copyWhileSuspended(buffer *StackBuffer,
	ctx *registers.Context, stackBase libsampler.Address,
	suspension ThreadSuspension) (libsampler.Address, error) {
	if !suspension.ReadRegisters(ctx) {
		return 0, ErrContextUnreadable
	}
	sp := ctx.StackPointer()
	if sp >= stackBase {
		return 0, ErrInvalidStackPointer
	}

	// Copying from the aligned-down stack pointer keeps every slot's
	// alignment identical in the copy, including the span bottom's
	// offset within a double word.
	copyStart := sp.AlignedDown(libsampler.StackAlignment)
	size := uintptr(stackBase - copyStart)
	if size > buffer.Size() {
		return 0, ErrBufferTooSmall
	}
	if !suspension.CopyStackSegment(copyStart, buffer.bytes()[:size]) {
		return 0, ErrStackCopyFailed
	}

	rewriteStackPointers(buffer, size, sp, stackBase, copyStart)
	return buffer.Bottom() + libsampler.Address(size), nil
}

// rewriteStackPointers adjusts every word-aligned slot of the copy whose
// value falls within the original span [spanBottom, spanTop) by the copy
// displacement. Bytes outside word alignment are never reinterpreted.
func rewriteStackPointers(buffer *StackBuffer, size uintptr,
	spanBottom, spanTop, copyStart libsampler.Address) {
	delta := buffer.Bottom() - copyStart
	words := buffer.words(size / uintptr(libsampler.WordSize))

	// Skip slots below the span bottom and any partial trailing word.
	first := uintptr(spanBottom-copyStart+libsampler.WordSize-1) /
		uintptr(libsampler.WordSize)
	for i := first; i < uintptr(len(words)); i++ {
		v := libsampler.Address(words[i])
		if v >= spanBottom && v < spanTop {
			words[i] = uintptr(v + delta)
		}
	}
}

// rewriteRegisters applies the same displacement to the registers the
// platform says may hold in-stack addresses, the stack pointer included.
func (c *StackCopier) rewriteRegisters(ctx *registers.Context,
	stackBase libsampler.Address, buffer *StackBuffer) {
	spanBottom := ctx.StackPointer()
	copyStart := spanBottom.AlignedDown(libsampler.StackAlignment)
	delta := buffer.Bottom() - copyStart

	for _, reg := range c.delegate.RegistersToRewrite(ctx) {
		if *reg >= spanBottom && *reg < stackBase {
			*reg += delta
		}
	}
}
