// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64 && !arm && !386

package registers // import "github.com/threadsnap/stacksampler/registers"

// Generic register file for architectures without a dedicated layout:
// sixteen general purpose registers plus the instruction pointer, with the
// conventional sp/fp assignments of the ARM numbering.
const (
	registerCount = 17

	regSP = 13
	regFP = 11
	regIP = 16
)

var calleeSavedPointerRegs = []int{4, 5, 6, 7, 8, 9, 10, 11, regSP}
