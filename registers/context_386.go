// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package registers // import "github.com/threadsnap/stacksampler/registers"

// Register indexes for x86. The ordering follows the hardware encoding of
// the general purpose registers, with the instruction pointer appended.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP

	registerCount = EIP + 1

	regSP = ESP
	regFP = EBP
	regIP = EIP
)

// cdecl/System V i386: ebx, esi, edi, ebp and esp survive calls.
var calleeSavedPointerRegs = []int{EBX, ESP, EBP, ESI, EDI}
