// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

package libsampler // import "github.com/threadsnap/stacksampler/libsampler"

import "path"

// Module describes a binary loaded into the sampled process. Modules are
// owned by the module cache; Frame only ever holds a borrowed reference.
type Module struct {
	// Base is the load address of the module.
	Base Address
	// Size is the extent of the module's mapping in bytes.
	Size uint64
	// BuildID is an opaque identifier of the module's build, empty when
	// unknown.
	BuildID string
	// Path is the file system path of the module's debug file.
	Path string
	// IsNative indicates the module contains natively compiled code that
	// the platform unwinders understand. Synthesized modules for JIT or
	// other anonymous executable regions are non-native.
	IsNative bool
}

// ContainsAddress reports whether addr falls inside the module's mapping.
func (m *Module) ContainsAddress(addr Address) bool {
	return addr >= m.Base && addr-m.Base < Address(m.Size)
}

// DebugBasename returns the base name of the module's debug file path.
func (m *Module) DebugBasename() string {
	return path.Base(m.Path)
}

// Frame is one resolved stack level. Frames are immutable once appended to
// a sample's frame sequence; the sequence is ordered innermost first.
type Frame struct {
	// IP is the instruction pointer of the frame.
	IP Address
	// Module is a borrowed reference into the module cache, nil when no
	// module covers IP.
	Module *Module
	// Name optionally carries a pre-resolved function name. Only special
	// purpose unwinders populate it; native frames are symbolized offline.
	Name string
}
