// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package procmaps reads and parses process memory mappings from
// /proc/PID/maps. The CFI unwinder reparses the mappings when the third
// party stepper reports stale map data, and the module cache uses them to
// resolve instruction addresses to loaded binaries.
package procmaps // import "github.com/threadsnap/stacksampler/procmaps"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/stringutil"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// parseBufferSize bounds the length of a single line in /proc/PID/maps.
// Kernel paths are at most 4096 bytes, 8192 leaves comfortable headroom.
const parseBufferSize = 8192

// Mapping contains information about a single memory mapping.
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping.
	Vaddr libsampler.Address
	// Length is the length of the mapping in bytes.
	Length uint64
	// Flags contains the mapping permissions.
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start.
	FileOffset uint64
	// Device holds the device ID where the file is located.
	Device uint64
	// Inode holds the mapped file's inode number.
	Inode uint64
	// Path contains the file name for file backed mappings.
	Path string
}

// IsExecutable reports whether the mapping contains executable code.
func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

// IsAnonymous reports whether the mapping is not backed by a file.
func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || strings.HasPrefix(m.Path, "/memfd:")
}

// End returns the first address past the mapping.
func (m *Mapping) End() libsampler.Address {
	return m.Vaddr + libsampler.Address(m.Length)
}

// ContainsAddress reports whether addr falls inside the mapping.
func (m *Mapping) ContainsAddress(addr libsampler.Address) bool {
	return addr >= m.Vaddr && addr < m.End()
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero, make it anonymous.
		return ""
	}
	return path
}

// Parse reads maps-formatted data and returns the readable or executable
// mappings in address order. Unparsable lines are counted and skipped.
func Parse(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := make([]byte, parseBufferSize)
	scanner.Buffer(scanBuf, parseBufferSize)
	for scanner.Scan() {
		var fields [6]string
		var addrs [2]string
		var devs [2]string

		line := stringutil.ByteSlice2String(scanner.Bytes())
		if stringutil.FieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings.
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[3], ":", devs[:]) < 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			log.Debugf("major device: failed to convert %s to uint64: %v", devs[0], err)
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			log.Debugf("minor device: failed to convert %s to uint64: %v", devs[1], err)
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode != 0 {
			path = trimMappingPath(fields[5])
		} else if fields[5] != "" && fields[5] != "[stack]" && fields[5] != "[vdso]" {
			// Other pseudo-files are never interesting for unwinding.
			continue
		} else {
			path = fields[5]
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", addrs[0], err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			log.Debugf("vend: failed to convert %s to uint64: %v", addrs[1], err)
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      libsampler.Address(vaddr),
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// Snapshot parses the current mappings of the given process.
func Snapshot(pid int) ([]Mapping, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := Parse(mapsFile)
	if err != nil {
		return nil, err
	}
	if numParseErrors != 0 {
		log.Debugf("PID %d: %d unparsable lines in maps", pid, numParseErrors)
	}
	if len(mappings) == 0 {
		return nil, ErrNoMappings
	}
	return mappings, nil
}

// FindMapping returns the mapping containing addr, or nil. The mappings
// must be in address order as returned by Parse.
func FindMapping(mappings []Mapping, addr libsampler.Address) *Mapping {
	for idx := range mappings {
		m := &mappings[idx]
		if m.ContainsAddress(addr) {
			return m
		}
		if m.Vaddr > addr {
			break
		}
	}
	return nil
}
