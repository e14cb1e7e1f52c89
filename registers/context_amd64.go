// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package registers // import "github.com/threadsnap/stacksampler/registers"

// Register indexes for x86-64. The ordering follows the hardware encoding
// of the general purpose registers, with the instruction pointer appended.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP

	registerCount = RIP + 1

	regSP = RSP
	regFP = RBP
	regIP = RIP
)

// System V AMD64: rbx, rbp, rsp and r12-r15 survive calls and may hold
// in-stack addresses.
var calleeSavedPointerRegs = []int{RBX, RSP, RBP, R12, R13, R14, R15}
