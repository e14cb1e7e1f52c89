// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package stackmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadsnap/stacksampler/libsampler"
)

func testWindow(t *testing.T, words []uintptr) (Memory, libsampler.Address) {
	t.Helper()
	require.NotEmpty(t, words)
	bottom := libsampler.Address(uintptr(unsafe.Pointer(&words[0])))
	top := bottom + libsampler.Address(len(words))*libsampler.WordSize
	return New(bottom, top), bottom
}

func TestWord(t *testing.T) {
	words := []uintptr{0x11, 0x22, 0x33}
	mem, bottom := testWindow(t, words)

	for i, want := range words {
		got, ok := mem.Word(bottom + libsampler.Address(i)*libsampler.WordSize)
		require.True(t, ok)
		assert.Equal(t, libsampler.Address(want), got)
	}

	// Unaligned and out-of-window reads fail.
	_, ok := mem.Word(bottom + 1)
	assert.False(t, ok)
	_, ok = mem.Word(mem.Top())
	assert.False(t, ok)
	_, ok = mem.Word(mem.Top() - 1)
	assert.False(t, ok)
	_, ok = mem.Word(bottom - libsampler.WordSize)
	assert.False(t, ok)
}

func TestReadAt(t *testing.T) {
	words := []uintptr{0x0807060504030201}
	mem, bottom := testWindow(t, words)

	var buf [4]byte
	n, err := mem.ReadAt(buf[:], int64(bottom))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint32(0x04030201), mem.Uint32(bottom))

	// A read crossing the top must fail entirely.
	var large [16]byte
	_, err = mem.ReadAt(large[:], int64(bottom))
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	words := []uintptr{0, 0}
	mem, bottom := testWindow(t, words)

	assert.True(t, mem.Contains(bottom, 0))
	assert.True(t, mem.Contains(mem.Top(), 0))
	assert.True(t, mem.Contains(bottom, uint(2*libsampler.WordSize)))
	assert.False(t, mem.Contains(bottom, uint(3*libsampler.WordSize)))
	assert.False(t, mem.Contains(bottom-1, 1))
}

func TestEmptyWindow(t *testing.T) {
	mem := New(0x2000, 0x1000)
	assert.Equal(t, mem.Bottom(), mem.Top())
	_, ok := mem.Word(0x1000)
	assert.False(t, ok)
}
