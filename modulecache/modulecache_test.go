// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package modulecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/procmaps"
)

func TestGetExistingModuleForAddress(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	modA := &libsampler.Module{Base: 0x10000, Size: 0x4000, Path: "/lib/a.so", IsNative: true}
	modB := &libsampler.Module{Base: 0x20000, Size: 0x1000, Path: "/lib/b.so", IsNative: true}
	c.AddCustomNativeModule(modB)
	c.AddCustomNativeModule(modA)

	assert.Same(t, modA, c.GetExistingModuleForAddress(0x10000))
	assert.Same(t, modA, c.GetExistingModuleForAddress(0x13fff))
	assert.Same(t, modB, c.GetExistingModuleForAddress(0x20800))
	assert.Nil(t, c.GetExistingModuleForAddress(0x14000))
	assert.Nil(t, c.GetExistingModuleForAddress(0x1))

	// Second lookup hits the page LRU and must agree.
	assert.Same(t, modA, c.GetExistingModuleForAddress(0x10008))
}

func TestGetModuleForAddressPlaceholder(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	module := c.GetModuleForAddress(0x7f0000001234)
	require.NotNil(t, module)
	assert.False(t, module.IsNative)
	assert.True(t, module.ContainsAddress(0x7f0000001234))

	// The placeholder is cached: the same module is returned again.
	assert.Same(t, module, c.GetModuleForAddress(0x7f0000001234))
	assert.Same(t, module, c.GetExistingModuleForAddress(0x7f0000001234))
}

func TestGetModuleForAddressProvider(t *testing.T) {
	maps := `10000-14000 r-xp 00000000 fd:01 123 /bin/target
20000-21000 rwxp 00000000 00:00 0
`
	mappings, _, err := procmaps.Parse(strings.NewReader(maps))
	require.NoError(t, err)

	c, err := New(MapsProvider(mappings))
	require.NoError(t, err)

	module := c.GetModuleForAddress(0x10abc)
	require.NotNil(t, module)
	assert.True(t, module.IsNative)
	assert.Equal(t, "/bin/target", module.Path)
	assert.Equal(t, "target", module.DebugBasename())
	assert.Equal(t, libsampler.Address(0x10000), module.Base)

	// Anonymous executable mapping resolves to a non-native module.
	jit := c.GetModuleForAddress(0x20010)
	require.NotNil(t, jit)
	assert.False(t, jit.IsNative)

	// Unmapped address still succeeds with a placeholder.
	orphan := c.GetModuleForAddress(0x900000)
	require.NotNil(t, orphan)
	assert.False(t, orphan.IsNative)
}

func TestAddCustomNativeModuleNoOverlapReplace(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	modA := &libsampler.Module{Base: 0x10000, Size: 0x1000, Path: "/lib/a.so"}
	c.AddCustomNativeModule(modA)

	dup := &libsampler.Module{Base: 0x10000, Size: 0x2000, Path: "/lib/dup.so"}
	c.AddCustomNativeModule(dup)

	// First registration wins.
	assert.Same(t, modA, c.GetExistingModuleForAddress(0x10010))
}
