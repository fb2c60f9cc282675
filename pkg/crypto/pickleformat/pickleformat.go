// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package pickleformat versions the engine's persistence blob. Two input
// generations must be accepted ("v2" and "v3/v4", spec §3 "Pickle"); output
// is always the newest. A deserializer that rejects an unknown version must
// leave the caller's in-memory state untouched and fail with PickleFormat
// (spec §3, §7) — callers get that guarantee here because Unmarshal never
// mutates anything; it only ever returns a fresh Envelope or an error.
package pickleformat

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is what Marshal always writes (spec §3: "output is always
// the newest version").
const CurrentVersion = "v4"

// legacyVersion is the one older generation Unmarshal still accepts
// (spec.md §9 decision: v3 and v4 share a wire shape, so the only input
// branch besides current is the pre-v3 "v2" shape).
const legacyVersion = "v2"

// SessionEntry is one pickled Olm session plus the peer it belongs to.
type SessionEntry struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	Curve25519 string `json:"curve25519_key"`
	CreatedAt  int64  `json:"created_at"`
	Pickle     []byte `json:"pickle"`
}

// OutboundGroupEntry is one pickled outbound Megolm session for a room.
type OutboundGroupEntry struct {
	RoomID    string `json:"room_id"`
	CreatedAt int64  `json:"created_at"`
	Pickle    []byte `json:"pickle"`
}

// InboundGroupEntry is one pickled inbound Megolm session, keyed by
// (room_id, sender_key, session_id) at load time by the caller.
type InboundGroupEntry struct {
	RoomID     string `json:"room_id"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	MaxIndex   uint32 `json:"max_index_seen"`
	Pickle     []byte `json:"pickle"`
}

// Envelope is the engine's whole persisted state: one Account pickle plus
// every session pool, wrapped with a version tag (spec §3 "Pickle").
type Envelope struct {
	Version                string              `json:"version"`
	AccountPickle           []byte              `json:"account"`
	Sessions                []SessionEntry      `json:"sessions,omitempty"`
	OutboundGroupSessions   []OutboundGroupEntry `json:"outbound_group_sessions,omitempty"`
	InboundGroupSessions    []InboundGroupEntry  `json:"inbound_group_sessions,omitempty"`
}

// legacyEnvelope is the v2 wire shape: same fields, but the version tag was
// implicit (absent) rather than an explicit "v2" string, and group session
// pools did not exist yet (Megolm was added to the format later).
type legacyEnvelope struct {
	Version       string         `json:"version,omitempty"`
	AccountPickle []byte         `json:"account"`
	Sessions      []SessionEntry `json:"sessions,omitempty"`
}

// Marshal serializes env at CurrentVersion regardless of what Version it
// currently holds (spec §3 "output is always the newest version").
func Marshal(env Envelope) ([]byte, error) {
	env.Version = CurrentVersion
	return json.Marshal(env)
}

// Unmarshal parses raw as either the current or the legacy envelope shape.
// An unrecognized or corrupt version tag returns a *FormatError without
// touching any caller state (it returns a zero Envelope, not a partially
// populated one).
func Unmarshal(raw []byte) (Envelope, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, &FormatError{Reason: fmt.Sprintf("not a pickle envelope: %v", err)}
	}

	switch probe.Version {
	case CurrentVersion, "v3":
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Envelope{}, &FormatError{Reason: fmt.Sprintf("malformed %s envelope: %v", probe.Version, err)}
		}
		if len(env.AccountPickle) == 0 {
			return Envelope{}, &FormatError{Reason: "envelope missing account pickle"}
		}
		env.Version = CurrentVersion
		return env, nil
	case legacyVersion, "":
		var legacy legacyEnvelope
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return Envelope{}, &FormatError{Reason: fmt.Sprintf("malformed legacy envelope: %v", err)}
		}
		if len(legacy.AccountPickle) == 0 {
			return Envelope{}, &FormatError{Reason: "legacy envelope missing account pickle"}
		}
		return Envelope{
			Version:       CurrentVersion,
			AccountPickle: legacy.AccountPickle,
			Sessions:      legacy.Sessions,
		}, nil
	default:
		return Envelope{}, &FormatError{Reason: fmt.Sprintf("unrecognized pickle version %q", probe.Version)}
	}
}

// FormatError is returned for any input Unmarshal cannot place into a known
// generation. Callers map this to merrors.KindPickleFormat.
type FormatError struct{ Reason string }

func (e *FormatError) Error() string { return "pickleformat: " + e.Reason }
