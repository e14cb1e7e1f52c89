// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil provides allocation-free string splitting helpers for
// the hot /proc parsing paths.
package stringutil // import "github.com/threadsnap/stacksampler/stringutil"

import (
	"strings"
	"unsafe"
)

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// FieldsN splits the string s around each instance of one or more consecutive
// space characters, filling f with substrings of s.
// If s contains more fields than len(f), the last element of f is set to the
// unparsed remainder of s starting with the first non-space character.
// f stays untouched if s is empty or contains only white space.
//
// Apart from the mentioned differences, FieldsN is like an allocation-free
// strings.Fields.
func FieldsN(s string, f []string) int {
	n := len(f)
	si := 0
	for i := 0; i < n-1; i++ {
		for si < len(s) && asciiSpace[s[si]] != 0 {
			si++
		}
		fieldStart := si

		for si < len(s) && asciiSpace[s[si]] == 0 {
			si++
		}
		if fieldStart >= si {
			return i
		}

		f[i] = s[fieldStart:si]
	}

	for si < len(s) && asciiSpace[s[si]] != 0 {
		si++
	}

	if si < len(s) {
		f[n-1] = s[si:]
		return n
	}

	return n - 1
}

// SplitN splits the string around each instance of sep, filling f with
// substrings of s. If s contains more fields than len(f), the last element
// of f is set to the unparsed remainder of s.
//
// Apart from the mentioned differences, SplitN is like an allocation-free
// strings.SplitN.
func SplitN(s, sep string, f []string) int {
	n := len(f)
	i := 0
	for ; i < n-1 && s != ""; i++ {
		fieldEnd := strings.Index(s, sep)
		if fieldEnd < 0 {
			f[i] = s
			return i + 1
		}
		f[i] = s[:fieldEnd]
		s = s[fieldEnd+len(sep):]
	}

	f[i] = s
	return i + 1
}

// ByteSlice2String converts a byte slice to a string without copying.
// The byte slice must not be modified while the returned string is alive.
func ByteSlice2String(bs []byte) string {
	return unsafe.String(unsafe.SliceData(bs), len(bs))
}
