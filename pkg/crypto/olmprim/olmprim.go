// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package olmprim declares the Olm/Megolm primitive surface this module
// treats as an external black box (spec §6 "Crypto primitive (inbound)").
// Engine code in pkg/crypto is written entirely against these interfaces;
// see mautrix.go for the concrete adapter backed by
// maunium.net/go/mautrix/crypto/olm, the real dependency that satisfies
// them in production.
package olmprim

// IdentityKeys is the pair of long-lived keys an Account owns: Curve25519
// for ECDH session establishment, Ed25519 for signing (spec §1, §3).
type IdentityKeys struct {
	Curve25519 string
	Ed25519    string
}

// OneTimeKey is a single entry from Account.OneTimeKeys, keyed by the
// primitive's own key ID (e.g. "AAAAAQ").
type OneTimeKey struct {
	KeyID string
	Key   string
}

// Account is the black-box identity object: {create, pickle, unpickle,
// identity_keys, sign, mark_keys_as_published, generate_one_time_keys,
// one_time_keys, max_one_time_keys} (spec §6).
type Account interface {
	Pickle(key []byte) ([]byte, error)
	IdentityKeys() IdentityKeys
	Sign(message []byte) (string, error)
	MarkKeysAsPublished()
	GenerateOneTimeKeys(n uint) error
	OneTimeKeys() []OneTimeKey
	MaxOneTimeKeys() uint
}

// Session is a double-ratchet pairwise channel: {create_outbound,
// create_inbound, pickle, unpickle, matches_inbound, encrypt(type,body),
// decrypt(type,body), session_id} (spec §6, §3 "Olm session").
type Session interface {
	Pickle(key []byte) ([]byte, error)
	SessionID() string
	// MatchesInbound reports whether a received pre-key message body was
	// encrypted for this session (spec §3 "inbound from a received pre-key
	// message").
	MatchesInbound(preKeyCiphertext []byte) bool
	// Encrypt returns the Olm message type (0 = pre-key, 1 = normal) and
	// ciphertext for plaintext.
	Encrypt(plaintext []byte) (msgType int, ciphertext []byte, err error)
	Decrypt(msgType int, ciphertext []byte) ([]byte, error)
}

// OutboundGroupSession is a Megolm sender-side ratchet: {pickle, unpickle,
// create, session_id, session_key, message_index, encrypt} (spec §6, §3
// "Megolm group session").
type OutboundGroupSession interface {
	Pickle(key []byte) ([]byte, error)
	SessionID() string
	SessionKey() string
	MessageIndex() uint32
	Encrypt(plaintext []byte) ([]byte, error)
}

// InboundGroupSession is a Megolm receiver-side ratchet: {pickle, unpickle,
// create, session_id, message_index, decrypt} (spec §6).
type InboundGroupSession interface {
	Pickle(key []byte) ([]byte, error)
	SessionID() string
	// Decrypt returns the plaintext and the message index it was encrypted
	// at, so the caller can reject replayed indices (spec §4.5 "duplicate
	// message index").
	Decrypt(ciphertext []byte) (plaintext []byte, messageIndex uint32, err error)
}

// SAS is the short-authentication-string verification primitive: {public_key,
// set_their_key, generate_bytes, calculate_mac} (spec §6, §4.5 "Verification
// (SAS)").
type SAS interface {
	PublicKey() string
	SetTheirKey(theirKey string)
	GenerateBytes(info string, length int) ([]byte, error)
	CalculateMAC(input, info string) (string, error)
}

// Factory constructs and restores every primitive object the engine needs.
// It is the seam the engine is tested against; the production Factory is
// NewMautrixFactory (mautrix.go).
type Factory interface {
	NewAccount() (Account, error)
	UnpickleAccount(pickle, key []byte) (Account, error)

	NewOutboundSession(acct Account, theirIdentityCurve25519, theirOneTimeCurve25519 string) (Session, error)
	NewInboundSession(acct Account, preKeyCiphertext []byte) (Session, error)
	UnpickleSession(pickle, key []byte) (Session, error)

	NewOutboundGroupSession() (OutboundGroupSession, error)
	UnpickleOutboundGroupSession(pickle, key []byte) (OutboundGroupSession, error)

	NewInboundGroupSession(sessionKey string) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickle, key []byte) (InboundGroupSession, error)

	NewSAS() (SAS, error)
}
