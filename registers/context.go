// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package registers provides the architecture independent view of a sampled
// thread's CPU state. The backing register file differs per architecture,
// but the stack pointer, frame pointer and instruction pointer are always
// reachable through the same accessors, and the general purpose registers
// are addressable by index so unwinders never see the raw per-platform
// layout.
package registers // import "github.com/threadsnap/stacksampler/registers"

import (
	"github.com/threadsnap/stacksampler/libsampler"
)

// Context is a point-in-time register snapshot of one thread. It is plain
// data: unwinders advance through the stack by mutating it in place.
type Context struct {
	regs [registerCount]libsampler.Address
}

// StackPointer returns the stack pointer.
func (c *Context) StackPointer() libsampler.Address {
	return c.regs[regSP]
}

// SetStackPointer updates the stack pointer.
func (c *Context) SetStackPointer(v libsampler.Address) {
	c.regs[regSP] = v
}

// FramePointer returns the frame pointer.
func (c *Context) FramePointer() libsampler.Address {
	return c.regs[regFP]
}

// SetFramePointer updates the frame pointer.
func (c *Context) SetFramePointer(v libsampler.Address) {
	c.regs[regFP] = v
}

// InstructionPointer returns the instruction pointer.
func (c *Context) InstructionPointer() libsampler.Address {
	return c.regs[regIP]
}

// SetInstructionPointer updates the instruction pointer.
func (c *Context) SetInstructionPointer(v libsampler.Address) {
	c.regs[regIP] = v
}

// NumRegisters returns the number of addressable registers in the context,
// including the instruction pointer.
func (c *Context) NumRegisters() int {
	return registerCount
}

// Register returns the register with the architecture specific index n.
func (c *Context) Register(n int) libsampler.Address {
	return c.regs[n]
}

// SetRegister updates the register with the architecture specific index n.
func (c *Context) SetRegister(n int, v libsampler.Address) {
	c.regs[n] = v
}

// RegisterRef returns a pointer to the storage of register n. The pointer
// stays valid for the lifetime of the Context and is used for in-place
// pointer rewriting after a stack copy.
func (c *Context) RegisterRef(n int) *libsampler.Address {
	return &c.regs[n]
}

// CalleeSavedPointerRegisters returns references to the registers that may
// legitimately hold addresses into the thread's stack across a call, per
// the platform calling convention. Return-address-only registers are
// excluded. The stack copier rewrites these after copying so they stay
// valid in the copy.
func CalleeSavedPointerRegisters(c *Context) []*libsampler.Address {
	refs := make([]*libsampler.Address, 0, len(calleeSavedPointerRegs))
	for _, n := range calleeSavedPointerRegs {
		refs = append(refs, &c.regs[n])
	}
	return refs
}
