// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package registers // import "github.com/threadsnap/stacksampler/registers"

// Register indexes for 32-bit ARM: r0-r15. The program counter is r15,
// so popping r15 from the stack updates the instruction pointer directly.
const (
	R0  = 0
	R4  = 4
	R7  = 7
	R11 = 11
	R13 = 13 // stack pointer
	R14 = 14 // link register
	R15 = 15 // program counter

	registerCount = R15 + 1

	regSP = R13
	regFP = R11
	regIP = R15
)

// AAPCS: r4-r11 and the stack pointer survive calls. r14 (lr) holds only a
// return address and is excluded.
var calleeSavedPointerRegs = []int{R4, 5, 6, R7, 8, 9, 10, R11, R13}
