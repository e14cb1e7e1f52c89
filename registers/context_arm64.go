// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package registers // import "github.com/threadsnap/stacksampler/registers"

// Register indexes for ARM64: x0-x30, then sp and pc.
const (
	X0  = 0
	X19 = 19
	X28 = 28
	X29 = 29 // frame pointer
	X30 = 30 // link register
	SP  = 31
	PC  = 32

	registerCount = PC + 1

	regSP = SP
	regFP = X29
	regIP = PC
)

// AAPCS64: x19-x28, the frame pointer and the stack pointer survive calls.
// x30 (lr) holds only a return address and is excluded.
var calleeSavedPointerRegs = []int{
	X19, 20, 21, 22, 23, 24, 25, 26, 27, X28, X29, SP,
}
