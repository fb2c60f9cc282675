// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedDeviceSource wraps a DeviceSource with a bounded, cost-aware cache so
// CreateOutGroupKeys does not refetch a room's device list on every Megolm
// rotation check, mirroring the role dendrite's ristretto-backed caches play
// in front of its room-state lookups (internal/caching).
type CachedDeviceSource struct {
	underlying DeviceSource
	cache      *ristretto.Cache
	ttl        time.Duration
}

// NewCachedDeviceSource wraps underlying with a ristretto cache holding up to
// maxCost bytes of entries (approximated as 64 bytes per device) for ttl.
func NewCachedDeviceSource(underlying DeviceSource, maxCost int64, ttl time.Duration) (*CachedDeviceSource, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedDeviceSource{underlying: underlying, cache: cache, ttl: ttl}, nil
}

// DevicesForRoom implements DeviceSource, serving from cache when possible.
func (c *CachedDeviceSource) DevicesForRoom(roomID string) ([]Device, error) {
	if v, ok := c.cache.Get(roomID); ok {
		return v.([]Device), nil
	}
	devices, err := c.underlying.DevicesForRoom(roomID)
	if err != nil {
		return nil, err
	}
	cost := int64(len(devices))*64 + 1
	c.cache.SetWithTTL(roomID, devices, cost, c.ttl)
	return devices, nil
}

// Invalidate drops roomID's cached entry, for callers that learn of a
// membership change out of band (e.g. a join/leave/devices event). This
// only clears the cache so the next DevicesForRoom call refetches; it is
// Engine.hasRoomGroupKeyLocked re-deriving the fingerprint on every check
// that actually forces Megolm rotation once the refetched list differs —
// Invalidate alone does not touch any outbound session.
func (c *CachedDeviceSource) Invalidate(roomID string) {
	c.cache.Del(roomID)
}
