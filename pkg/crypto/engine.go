// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/element-hq/libcmatrix-go/pkg/canonicaljson"
	"github.com/element-hq/libcmatrix-go/pkg/crypto/olmprim"
	"github.com/element-hq/libcmatrix-go/pkg/crypto/pickleformat"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
	"github.com/element-hq/libcmatrix-go/pkg/validate"
)

// sessionKey identifies an Olm session pool entry.
type sessionKey struct {
	UserID   string
	DeviceID string
}

// groupSessionKey identifies an inbound Megolm session.
type groupSessionKey struct {
	RoomID    string
	SenderKey string
	SessionID string
}

type outboundSessionState struct {
	session      olmprim.OutboundGroupSession
	createdAt    time.Time
	messageCount uint32
	// devices is the sorted user/device fingerprint DeviceSource reported for
	// this room when the session was set live. hasRoomGroupKeyLocked
	// recomputes it on every check and treats a mismatch as a membership
	// change, rotation trigger (c) from spec §3.
	devices string
}

// Engine is Enc (spec §4.5): owns the long-lived identity, one-time key
// pool, Olm session pool, and Megolm session pools, and knows how to
// pickle/unpickle all of it under a caller-supplied key.
type Engine struct {
	mu sync.Mutex

	factory olmprim.Factory
	account olmprim.Account

	pickleKey []byte

	userID   string
	deviceID string

	sessions      map[sessionKey]sessionEntry
	outbound      map[string]*outboundSessionState // room id -> live outbound Megolm session
	inbound       map[groupSessionKey]*inboundSessionState

	generatedUnpublished []olmprim.OneTimeKey

	persistence PersistenceHandle
	devices     DeviceSource
	policy      RoomKeyPolicy

	sasInFlight map[string]olmprim.SAS // transaction_id -> SAS
}

type sessionEntry struct {
	session   olmprim.Session
	curve25519 string
	createdAt time.Time
}

type inboundSessionState struct {
	session  olmprim.InboundGroupSession
	maxIndex uint32
}

// New constructs the engine (spec §4.5 "new(db?, pickle?, pickle_key?)"). If
// pickle is non-nil, the account and every session pool are restored from
// it under pickleKey; otherwise a fresh account is generated and persisted
// on first GetPickle call. persistence and devices may be nil if the caller
// never needs find_file_enc / create_out_group_keys.
func New(factory olmprim.Factory, pickle, pickleKey []byte, persistence PersistenceHandle, devices DeviceSource) (*Engine, error) {
	if factory == nil {
		factory = olmprim.NewMautrixFactory()
	}
	e := &Engine{
		factory:     factory,
		pickleKey:   append([]byte(nil), pickleKey...),
		sessions:    make(map[sessionKey]sessionEntry),
		outbound:    make(map[string]*outboundSessionState),
		inbound:     make(map[groupSessionKey]*inboundSessionState),
		persistence: persistence,
		devices:     devices,
		policy:      DefaultRoomKeyPolicy,
		sasInFlight: make(map[string]olmprim.SAS),
	}

	if pickle == nil {
		acct, err := factory.NewAccount()
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		e.account = acct
		return e, nil
	}

	if err := e.restore(pickle); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore(pickle []byte) error {
	env, err := pickleformat.Unmarshal(pickle)
	if err != nil {
		return merrors.New(merrors.KindPickleFormat, err)
	}

	acct, err := e.factory.UnpickleAccount(env.AccountPickle, e.pickleKey)
	if err != nil {
		return merrors.New(merrors.KindPickleFormat, err)
	}

	sessions := make(map[sessionKey]sessionEntry, len(env.Sessions))
	for _, se := range env.Sessions {
		sess, err := e.factory.UnpickleSession(se.Pickle, e.pickleKey)
		if err != nil {
			return merrors.New(merrors.KindPickleFormat, err)
		}
		key := sessionKey{UserID: se.UserID, DeviceID: se.DeviceID}
		existing, ok := sessions[key]
		if ok && existing.createdAt.UnixMilli() >= se.CreatedAt {
			continue // spec §3: newer session (by creation time) supersedes
		}
		sessions[key] = sessionEntry{session: sess, curve25519: se.Curve25519, createdAt: time.UnixMilli(se.CreatedAt)}
	}

	outbound := make(map[string]*outboundSessionState, len(env.OutboundGroupSessions))
	for _, oe := range env.OutboundGroupSessions {
		sess, err := e.factory.UnpickleOutboundGroupSession(oe.Pickle, e.pickleKey)
		if err != nil {
			return merrors.New(merrors.KindPickleFormat, err)
		}
		// The pickle carries no membership fingerprint of its own, so stamp the
		// restored session with whatever DeviceSource reports right now; a real
		// membership change since the session was pickled will still be caught
		// on the next hasRoomGroupKeyLocked check, same as any other session.
		outbound[oe.RoomID] = &outboundSessionState{
			session:      sess,
			createdAt:    time.UnixMilli(oe.CreatedAt),
			messageCount: sess.MessageIndex(),
			devices:      e.deviceFingerprintLocked(oe.RoomID),
		}
	}

	inbound := make(map[groupSessionKey]*inboundSessionState, len(env.InboundGroupSessions))
	for _, ie := range env.InboundGroupSessions {
		sess, err := e.factory.UnpickleInboundGroupSession(ie.Pickle, e.pickleKey)
		if err != nil {
			return merrors.New(merrors.KindPickleFormat, err)
		}
		inbound[groupSessionKey{RoomID: ie.RoomID, SenderKey: ie.SenderKey, SessionID: ie.SessionID}] = &inboundSessionState{session: sess, maxIndex: ie.MaxIndex}
	}

	// Nothing failed: commit the restored state atomically (spec §3 "a
	// deserializer that rejects an unknown version MUST leave the persisted
	// state untouched" implies the converse too — a successful restore
	// replaces state wholesale, never partially).
	e.account = acct
	e.sessions = sessions
	e.outbound = outbound
	e.inbound = inbound
	return nil
}

// GetPickle returns the current persistence blob at the newest version
// (spec §4.5 "get_pickle()").
func (e *Engine) GetPickle() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pickleLocked()
}

func (e *Engine) pickleLocked() ([]byte, error) {
	acctPickle, err := e.account.Pickle(e.pickleKey)
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}

	env := pickleformat.Envelope{AccountPickle: acctPickle}
	for key, entry := range e.sessions {
		sp, err := entry.session.Pickle(e.pickleKey)
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		env.Sessions = append(env.Sessions, pickleformat.SessionEntry{
			UserID: key.UserID, DeviceID: key.DeviceID, Curve25519: entry.curve25519,
			CreatedAt: entry.createdAt.UnixMilli(), Pickle: sp,
		})
	}
	for roomID, st := range e.outbound {
		sp, err := st.session.Pickle(e.pickleKey)
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		env.OutboundGroupSessions = append(env.OutboundGroupSessions, pickleformat.OutboundGroupEntry{
			RoomID: roomID, CreatedAt: st.createdAt.UnixMilli(), Pickle: sp,
		})
	}
	for key, st := range e.inbound {
		sp, err := st.session.Pickle(e.pickleKey)
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		env.InboundGroupSessions = append(env.InboundGroupSessions, pickleformat.InboundGroupEntry{
			RoomID: key.RoomID, SenderKey: key.SenderKey, SessionID: key.SessionID,
			MaxIndex: st.maxIndex, Pickle: sp,
		})
	}

	raw, err := pickleformat.Marshal(env)
	if err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}
	return raw, nil
}

// GetPickleKey returns a copy of the pickle key as a secret buffer the
// caller is responsible for wiping (spec §4.5 "get_pickle_key()").
func (e *Engine) GetPickleKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.pickleKey...)
}

// Close wipes the engine's retained pickle key. Call once the engine is no
// longer needed (spec §5, §9 secret wipe).
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	validate.WipeSecret(e.pickleKey)
}

// SetRoomKeyPolicy overrides the Megolm rotation thresholds (setup/config's
// room_keys.max_messages / room_keys.max_age_ms), replacing
// DefaultRoomKeyPolicy. Affects every room checked after the call, not just
// ones created afterwards.
func (e *Engine) SetRoomKeyPolicy(policy RoomKeyPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
}

// SetDetails fixes the identity used for signing (spec §4.5
// "set_details(user_id, device_id)"); a second call is refused.
func (e *Engine) SetDetails(userID, deviceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.userID != "" || e.deviceID != "" {
		return merrors.New(merrors.KindInvalidData, fmt.Errorf("crypto: identity already set"))
	}
	e.userID = userID
	e.deviceID = deviceID
	return nil
}

// IdentityKeys returns the account's Curve25519/Ed25519 public keys.
func (e *Engine) IdentityKeys() olmprim.IdentityKeys {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.IdentityKeys()
}

// SignString signs message under the account's Ed25519 key, base64-encoded
// (spec §4.5 "sign_string(bytes) -> base64 signature").
func (e *Engine) SignString(message []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig, err := e.account.Sign(message)
	if err != nil {
		return "", merrors.New(merrors.KindCrypto, err)
	}
	return sig, nil
}

// Verify canonicalizes obj, looks up signatures[userID]["ed25519:"+deviceID],
// and Ed25519-verifies it against ed25519Key (spec §4.5 "verify(...)").
// Returns true iff the signature is present, well-formed, and valid; never
// returns an error for "just not signed" — that is simply false.
func (e *Engine) Verify(obj map[string]interface{}, userID, deviceID, ed25519Key string) bool {
	stripped, removed := canonicaljson.Strip(obj)
	canon, err := canonicaljson.ForSigning(stripped)
	if err != nil {
		return false
	}

	sigs, _ := removed["signatures"].(map[string]interface{})
	if sigs == nil {
		return false
	}
	userSigs, _ := sigs[userID].(map[string]interface{})
	if userSigs == nil {
		return false
	}
	sigB64, _ := userSigs["ed25519:"+deviceID].(string)
	if sigB64 == "" {
		return false
	}

	sigBytes, err := decodeSignature(sigB64)
	if err != nil {
		return false
	}
	keyBytes, err := decodeSignature(ed25519Key)
	if err != nil || len(keyBytes) != 32 {
		return false
	}
	return verifyEd25519(keyBytes, canon, sigBytes)
}

// decodeSignature accepts both unpadded and padded standard base64, which
// Matrix signature/key fields are inconsistently emitted in across servers.
func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
