// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package crypto implements Enc, the Olm/Megolm encryption engine (spec
// §4.5): identity and pickle lifecycle, one-time key publication, room-key
// (Megolm) lifecycle, SAS device verification, and encrypted-media key
// lookup, composed on top of the black-box primitive in
// pkg/crypto/olmprim.
package crypto

import (
	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
)

// Device identifies one of a user's end-to-end devices, the unit the engine
// fans Megolm room keys out to.
type Device struct {
	UserID     string
	DeviceID   string
	Curve25519 string
	Ed25519    string
}

// DeviceSource answers "which devices currently belong to this room's
// members", the external device/membership tracker CreateOutGroupKeys
// consults before fanning out a room key (SPEC_FULL.md §3.5, supplementing
// spec.md's distilled §4.5 with the original's device-list tracking).
// Room/timeline state tracking itself stays out of scope (§1 exclusions);
// this is the narrow read-only seam the engine needs.
type DeviceSource interface {
	DevicesForRoom(roomID string) ([]Device, error)
}

// OneTimeKeyClaim is what the caller hands back after claiming a one-time
// key from the homeserver on the engine's behalf (the engine does not
// itself speak HTTP; that is pkg/transport's job).
type OneTimeKeyClaim struct {
	Device    Device
	KeyID     string
	Curve25519 string
}

// PersistenceHandle is the opaque external store the engine consults for
// data it does not itself own: the encrypted-media key descriptors recorded
// against an mxc:// URI at upload time (spec §4.5 "find_file_enc"). Pickle
// persistence is the caller's job too (GetPickle/GetPickleKey hand the
// caller bytes to store); this interface is only for the media-key lookup
// table, which is not representable as "the pickle" itself.
type PersistenceHandle interface {
	// LookupEncryptedFile returns the stored key descriptor for mxcURI, and
	// ok=false if mxcURI is unencrypted or unknown.
	LookupEncryptedFile(mxcURI string) (matrixtypes.EncryptedFileInfo, bool)
	// RecordEncryptedFile stores info for later LookupEncryptedFile calls.
	RecordEncryptedFile(info matrixtypes.EncryptedFileInfo)
}

// RoomKeyPolicy governs when HasRoomGroupKey reports an existing outbound
// session as stale and rotation is needed (spec §3 "rotation has not
// triggered", policy left unspecified there; SPEC_FULL.md §3.5 names the
// standard Megolm triggers: message count, wall-clock age, or a membership
// change reported by DeviceSource).
type RoomKeyPolicy struct {
	MaxMessages uint32
	MaxAgeMS    int64
}

// DefaultRoomKeyPolicy mirrors the widely-used Matrix client default of
// rotating every 100 messages or 7 days, whichever comes first.
var DefaultRoomKeyPolicy = RoomKeyPolicy{
	MaxMessages: 100,
	MaxAgeMS:    7 * 24 * 60 * 60 * 1000,
}
