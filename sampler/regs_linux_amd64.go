// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"golang.org/x/sys/unix"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
)

// loadPtraceRegs fills ctx from the kernel's user_regs_struct.
func loadPtraceRegs(ctx *registers.Context, regs *unix.PtraceRegs) {
	set := func(n int, v uint64) {
		ctx.SetRegister(n, libsampler.Address(v))
	}
	set(registers.RAX, regs.Rax)
	set(registers.RCX, regs.Rcx)
	set(registers.RDX, regs.Rdx)
	set(registers.RBX, regs.Rbx)
	set(registers.RSP, regs.Rsp)
	set(registers.RBP, regs.Rbp)
	set(registers.RSI, regs.Rsi)
	set(registers.RDI, regs.Rdi)
	set(registers.R8, regs.R8)
	set(registers.R9, regs.R9)
	set(registers.R10, regs.R10)
	set(registers.R11, regs.R11)
	set(registers.R12, regs.R12)
	set(registers.R13, regs.R13)
	set(registers.R14, regs.R14)
	set(registers.R15, regs.R15)
	set(registers.RIP, regs.Rip)
}
