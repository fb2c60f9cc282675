// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package matrixtypes holds the plain value objects this module passes
// around: the encrypted-media key descriptor, the pusher record, the room
// message body, and the event-type taxonomy the encryption engine
// recognizes (spec §3, §4.6, §6).
package matrixtypes

import "fmt"

// EncryptedFileInfo is the immutable descriptor the Matrix media spec
// requires alongside an encrypted upload (spec §3, wire shape in §4.3).
// Once constructed it is never mutated; callers that need a different mxc
// URI (e.g. after a put_file upload resolves one) construct a new value via
// WithMXCURI.
type EncryptedFileInfo struct {
	MXCURI       string
	AESIV        string // base64, standard unpadded (spec §4.3); accepted padded too on decode
	AESKey       string // base64url, unpadded
	SHA256       string // base64, unpadded
	Algorithm    string
	Version      string
	KeyType      string
	Extractable  bool
}

// NewEncryptedFileInfo validates and constructs an EncryptedFileInfo. All of
// aesIV/aesKey/sha256 must already be base64-encoded per their documented
// encodings; this constructor does not itself decode them (mediastream does
// that at use time).
func NewEncryptedFileInfo(mxcURI, aesIV, aesKey, sha256 string) (EncryptedFileInfo, error) {
	if aesIV == "" || aesKey == "" || sha256 == "" {
		return EncryptedFileInfo{}, fmt.Errorf("matrixtypes: iv, key and sha256 are required")
	}
	return EncryptedFileInfo{
		MXCURI:      mxcURI,
		AESIV:       aesIV,
		AESKey:      aesKey,
		SHA256:      sha256,
		Algorithm:   "A256CTR",
		Version:     "v2",
		KeyType:     "oct",
		Extractable: true,
	}, nil
}

// WithMXCURI returns a copy of e with MXCURI replaced, leaving e untouched.
func (e EncryptedFileInfo) WithMXCURI(uri string) EncryptedFileInfo {
	e.MXCURI = uri
	return e
}

// KeyDescriptorJSON mirrors the exact wire shape spec §4.3 requires.
type KeyDescriptorJSON struct {
	V      string            `json:"v"`
	URL    string            `json:"url"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	Key    JWKDescriptor     `json:"key"`
}

type JWKDescriptor struct {
	KeyOps      []string `json:"key_ops"`
	Alg         string   `json:"alg"`
	Kty         string   `json:"kty"`
	K           string   `json:"k"`
	Extractable bool     `json:"ext"`
}

// ToKeyDescriptorJSON converts the descriptor to the wire shape.
func (e EncryptedFileInfo) ToKeyDescriptorJSON() KeyDescriptorJSON {
	return KeyDescriptorJSON{
		V:      e.Version,
		URL:    e.MXCURI,
		IV:     e.AESIV,
		Hashes: map[string]string{"sha256": e.SHA256},
		Key: JWKDescriptor{
			KeyOps:      []string{"encrypt", "decrypt"},
			Alg:         e.Algorithm,
			Kty:         e.KeyType,
			K:           e.AESKey,
			Extractable: e.Extractable,
		},
	}
}

// PusherKind distinguishes http vs email pushers; Matrix only really defines
// "http" today but the source kept the field open.
type PusherKind string

// Pusher is a plain record describing a push-notification target
// (spec §4.6). Validation beyond "is this URL shape a push gateway" is
// performed lazily by CheckPusherValid (in pkg/validate), not at construction.
type Pusher struct {
	Kind               PusherKind
	AppID              string
	AppDisplayName     string
	DeviceDisplayName  string
	Lang               string
	ProfileTag         string
	Pushkey            string
	URL                string
}

// RoomMessage is the minimal m.room.message content this module exchanges
// once decrypted (component table row 6, "room message" — named in spec §2
// but not fully modeled there; kept as a plain value per DESIGN NOTES §9).
type RoomMessage struct {
	MsgType       string
	Body          string
	Format        string
	FormattedBody string
}

// Validate requires a message to carry a non-empty body and a non-empty
// msgtype.
func (m RoomMessage) Validate() error {
	if m.Body == "" {
		return fmt.Errorf("matrixtypes: room message body must not be empty")
	}
	if m.MsgType == "" {
		return fmt.Errorf("matrixtypes: room message msgtype must not be empty")
	}
	return nil
}

// EventType is the tagged-union discriminator over recognized Matrix event
// types (spec §3 "Event", exhaustive taxonomy in §6).
type EventType string

const (
	EventRoomEncrypted        EventType = "m.room.encrypted"
	EventRoomKey               EventType = "m.room_key"
	EventRoomKeyRequest         EventType = "m.room_key.request"
	EventForwardedRoomKey       EventType = "m.forwarded_room_key"
	EventDummy                  EventType = "m.dummy"
	EventKeyVerificationStart   EventType = "m.key.verification.start"
	EventKeyVerificationAccept  EventType = "m.key.verification.accept"
	EventKeyVerificationKey     EventType = "m.key.verification.key"
	EventKeyVerificationMac     EventType = "m.key.verification.mac"
	EventKeyVerificationCancel  EventType = "m.key.verification.cancel"
	EventKeyVerificationRequest EventType = "m.key.verification.request"
	EventKeyVerificationReady   EventType = "m.key.verification.ready"
	EventKeyVerificationDone    EventType = "m.key.verification.done"
	EventUnknown                EventType = "Unknown"
)

// passThroughEventTypes are recognized (named in §6) but carry no crypto
// semantics for this module; they are classified then handed back to the
// caller unmodified.
var passThroughEventTypes = map[string]struct{}{
	"m.call.invite": {}, "m.call.candidates": {}, "m.call.answer": {}, "m.call.hangup": {}, "m.call.select_answer": {}, "m.call.reject": {}, "m.call.negotiate": {}, "m.call.sdp_stream_metadata_changed": {}, "m.call.replaces": {},
	"m.direct": {}, "m.fully_read": {}, "m.ignored_user_list": {}, "m.presence": {}, "m.push_rules": {}, "m.reaction": {}, "m.receipt": {},
	"m.room.aliases": {}, "m.room.avatar": {}, "m.room.canonical_alias": {}, "m.room.create": {}, "m.room.encryption": {},
	"m.room.guest_access": {}, "m.room.history_visibility": {}, "m.room.join_rules": {}, "m.room.member": {}, "m.room.message": {},
	"m.room.message.feedback": {}, "m.room.name": {}, "m.room.pinned_events": {}, "m.room.power_levels": {}, "m.room.plumbing": {},
	"m.room.redaction": {}, "m.room.related_groups": {}, "m.room.server_acl": {}, "m.room.third_party_invite": {},
	"m.room.tombstone": {}, "m.room.topic": {},
	"m.secret.request": {}, "m.secret.send": {}, "m.secret_storage.default_key": {},
	"m.space.child": {}, "m.space.parent": {}, "m.sticker": {}, "m.tag": {}, "m.typing": {},
}

// ClassifyEventType returns the EventType tag for raw, mapping recognized
// crypto-relevant types to their constant, recognized-but-opaque types to
// themselves (still typed EventType, still "known" for pass-through
// purposes), and everything else to EventUnknown (spec §3 "Event").
func ClassifyEventType(raw string) EventType {
	switch EventType(raw) {
	case EventRoomEncrypted, EventRoomKey, EventRoomKeyRequest, EventForwardedRoomKey, EventDummy,
		EventKeyVerificationStart, EventKeyVerificationAccept, EventKeyVerificationKey, EventKeyVerificationMac,
		EventKeyVerificationCancel, EventKeyVerificationRequest, EventKeyVerificationReady, EventKeyVerificationDone:
		return EventType(raw)
	}
	if _, ok := passThroughEventTypes[raw]; ok {
		return EventType(raw)
	}
	return EventUnknown
}

// IsCryptoRelevant reports whether t is one of the types the encryption
// engine itself acts on, as opposed to a pass-through or unknown type.
func IsCryptoRelevant(t EventType) bool {
	switch t {
	case EventRoomEncrypted, EventRoomKey, EventRoomKeyRequest, EventForwardedRoomKey, EventDummy,
		EventKeyVerificationStart, EventKeyVerificationAccept, EventKeyVerificationKey, EventKeyVerificationMac,
		EventKeyVerificationCancel, EventKeyVerificationRequest, EventKeyVerificationReady, EventKeyVerificationDone:
		return true
	}
	return false
}
