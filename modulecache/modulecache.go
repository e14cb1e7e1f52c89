// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package modulecache maps instruction addresses to the binary modules
// loaded into the sampled process. Lookups from the sampling path may run
// concurrently with module registration from other threads, so the sorted
// module list is guarded by a RWMutex and fronted by a lock-free-friendly
// LRU keyed on the address page.
package modulecache // import "github.com/threadsnap/stacksampler/modulecache"

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/procmaps"
)

// lookupCacheSize is the capacity of the address page to module LRU.
// Must be a power of two.
const lookupCacheSize = 1024

// pageSize is the granularity of the lookup LRU key and of placeholder
// modules synthesized for unknown addresses.
const pageSize = 4096

// Provider resolves an address not covered by any registered module into a
// new module, or returns nil when it cannot.
type Provider func(addr libsampler.Address) *libsampler.Module

// Cache is the process wide instruction address to module mapping.
type Cache struct {
	mu sync.RWMutex
	// modules is sorted by base address and never contains overlapping
	// entries.
	modules []*libsampler.Module

	lookupCache *lru.SyncedLRU[libsampler.Address, *libsampler.Module]

	provider Provider
}

// New returns an empty Cache. The provider may be nil, in which case
// unknown addresses resolve to placeholder modules.
func New(provider Provider) (*Cache, error) {
	lookupCache, err := lru.NewSynced[libsampler.Address, *libsampler.Module](
		lookupCacheSize, libsampler.Address.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create module lookup cache: %w", err)
	}
	return &Cache{
		lookupCache: lookupCache,
		provider:    provider,
	}, nil
}

// MapsProvider returns a Provider that resolves addresses against the given
// memory mappings, synthesizing a native module per file backed executable
// mapping.
func MapsProvider(mappings []procmaps.Mapping) Provider {
	return func(addr libsampler.Address) *libsampler.Module {
		m := procmaps.FindMapping(mappings, addr)
		if m == nil || !m.IsExecutable() {
			return nil
		}
		return &libsampler.Module{
			Base:     m.Vaddr,
			Size:     m.Length,
			Path:     m.Path,
			IsNative: !m.IsAnonymous(),
		}
	}
}

// GetExistingModuleForAddress returns the module containing addr, or nil
// when no module is registered for it. It never creates modules.
func (c *Cache) GetExistingModuleForAddress(addr libsampler.Address) *libsampler.Module {
	page := addr.AlignedDown(pageSize)
	if module, ok := c.lookupCache.Get(page); ok {
		if module.ContainsAddress(addr) {
			return module
		}
		// The page straddles a module boundary, fall through to the
		// authoritative lookup.
	}

	c.mu.RLock()
	module := c.findLocked(addr)
	c.mu.RUnlock()

	if module != nil && module.ContainsAddress(page) &&
		module.ContainsAddress(page+pageSize-1) {
		c.lookupCache.Add(page, module)
	}
	return module
}

// GetModuleForAddress returns the module containing addr, creating and
// caching one when none is registered. It always succeeds: when neither the
// registered modules nor the provider cover addr, a non-native placeholder
// module for the surrounding page is synthesized.
func (c *Cache) GetModuleForAddress(addr libsampler.Address) *libsampler.Module {
	if module := c.GetExistingModuleForAddress(addr); module != nil {
		return module
	}

	var module *libsampler.Module
	if c.provider != nil {
		module = c.provider(addr)
	}
	if module == nil {
		module = &libsampler.Module{
			Base:     addr.AlignedDown(pageSize),
			Size:     pageSize,
			IsNative: false,
		}
	}

	c.mu.Lock()
	// Recheck under the write lock, another thread may have raced us.
	if existing := c.findLocked(addr); existing != nil {
		module = existing
	} else {
		c.insertLocked(module)
	}
	c.mu.Unlock()
	return module
}

// AddCustomNativeModule registers a module discovered outside the regular
// provider path, such as a non-ELF executable region found in the memory
// map by the CFI unwinder. Existing modules overlapping the new range are
// left in place and win lookups.
func (c *Cache) AddCustomNativeModule(module *libsampler.Module) {
	c.mu.Lock()
	if existing := c.findLocked(module.Base); existing != nil {
		c.mu.Unlock()
		log.Debugf("module at %#x already registered (%s)",
			module.Base, existing.Path)
		return
	}
	c.insertLocked(module)
	c.mu.Unlock()
}

// findLocked returns the registered module containing addr. Caller holds mu.
func (c *Cache) findLocked(addr libsampler.Address) *libsampler.Module {
	idx := sort.Search(len(c.modules), func(i int) bool {
		return c.modules[i].Base > addr
	})
	if idx == 0 {
		return nil
	}
	if module := c.modules[idx-1]; module.ContainsAddress(addr) {
		return module
	}
	return nil
}

// insertLocked adds module keeping the list sorted. Caller holds mu.
func (c *Cache) insertLocked(module *libsampler.Module) {
	idx := sort.Search(len(c.modules), func(i int) bool {
		return c.modules[i].Base > module.Base
	})
	c.modules = append(c.modules, nil)
	copy(c.modules[idx+1:], c.modules[idx:])
	c.modules[idx] = module
}
