// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"golang.org/x/sys/unix"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/registers"
)

// loadPtraceRegs fills ctx from the kernel's user_pt_regs.
func loadPtraceRegs(ctx *registers.Context, regs *unix.PtraceRegs) {
	for i := range regs.Regs {
		ctx.SetRegister(registers.X0+i, libsampler.Address(regs.Regs[i]))
	}
	ctx.SetRegister(registers.SP, libsampler.Address(regs.Sp))
	ctx.SetRegister(registers.PC, libsampler.Address(regs.Pc))
}
