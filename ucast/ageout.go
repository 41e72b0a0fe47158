// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"sync"
	"time"
)

// ageOutCache tracks destinations this layer has started talking to but
// which the membership view (bus.VIEW_CHANGE) does not currently list as a
// member. Such a destination is registered when its sender entry is created
// and its windows are torn down once the configured timeout has passed
// without it joining the view; later sends or receives do not renew its
// deadline.
type ageOutCache struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[Address]time.Time
}

func newAgeOutCache(timeout time.Duration) *ageOutCache {
	return &ageOutCache{
		timeout: timeout,
		entries: make(map[Address]time.Time),
	}
}

// touch registers addr, if absent, or renews its deadline.
func (c *ageOutCache) touch(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = time.Now().Add(c.timeout)
}

// remove drops addr, typically once it has joined the membership view and no
// longer needs age-out tracking.
func (c *ageOutCache) remove(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}

// sweep returns every address whose deadline has passed and removes them
// from the cache. Callers use this to drive the expired(addr) teardown.
func (c *ageOutCache) sweep() []Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []Address
	for addr, deadline := range c.entries {
		if now.After(deadline) {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		delete(c.entries, addr)
	}
	return expired
}
