// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/element-hq/libcmatrix-go/pkg/crypto/olmprim"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
)

// HasRoomGroupKey reports whether a live outbound Megolm session exists for
// room and rotation has not triggered (spec §4.5 "has_room_group_key(room)").
// Rotation triggers on message count or wall-clock age exceeding policy, or
// on devices reporting the room's member/device set has changed since the
// session was set live (SPEC_FULL.md §3.5 DeviceSource supplement): every
// check recomputes the current fingerprint and compares it against the one
// recorded when the session was created, so a membership change is caught
// on first use after it happens rather than needing an explicit signal.
func (e *Engine) HasRoomGroupKey(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasRoomGroupKeyLocked(roomID)
}

func (e *Engine) hasRoomGroupKeyLocked(roomID string) bool {
	st, ok := e.outbound[roomID]
	if !ok {
		return false
	}
	if st.messageCount >= e.policy.MaxMessages {
		return false
	}
	if time.Since(st.createdAt).Milliseconds() >= e.policy.MaxAgeMS {
		return false
	}
	if e.devices != nil && e.deviceFingerprintLocked(roomID) != st.devices {
		return false
	}
	return true
}

// deviceFingerprintLocked hashes the sorted (user_id, device_id,
// curve25519) triples DeviceSource currently reports for roomID. An empty
// string is returned (and so never matches a populated fingerprint) when
// there is no DeviceSource or the lookup fails; a failed lookup therefore
// forces rotation of a session stamped with a populated fingerprint.
// hasRoomGroupKeyLocked skips the comparison entirely when there is no
// DeviceSource.
func (e *Engine) deviceFingerprintLocked(roomID string) string {
	if e.devices == nil {
		return ""
	}
	devices, err := e.devices.DevicesForRoom(roomID)
	if err != nil {
		return ""
	}
	lines := make([]string, 0, len(devices))
	for _, d := range devices {
		lines = append(lines, d.UserID+"|"+d.DeviceID+"|"+d.Curve25519)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateOutGroupKeys builds a fresh outbound Megolm session for roomID and,
// for every device DeviceSource reports as a current member, finds-or-
// creates an Olm session (claiming a one-time key from otks when none
// exists yet) and Olm-encrypts an m.room_key payload carrying the new
// session's id/key/index=0. Returns the to-device JSON payload (user ->
// device -> {ciphertext, type, sender_curve25519}) and the new session so
// the caller can SetRoomGroupKey once the to-device send has succeeded
// (spec §4.5 "create_out_group_keys").
func (e *Engine) CreateOutGroupKeys(roomID string, otks []OneTimeKeyClaim) (map[string]interface{}, olmprim.OutboundGroupSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.devices == nil {
		return nil, nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("crypto: no DeviceSource configured"))
	}

	session, err := e.factory.NewOutboundGroupSession()
	if err != nil {
		return nil, nil, merrors.New(merrors.KindCrypto, err)
	}

	devices, err := e.devices.DevicesForRoom(roomID)
	if err != nil {
		return nil, nil, merrors.New(merrors.KindTransport, err)
	}

	otkByDevice := make(map[sessionKey]OneTimeKeyClaim, len(otks))
	for _, c := range otks {
		otkByDevice[sessionKey{UserID: c.Device.UserID, DeviceID: c.Device.DeviceID}] = c
	}

	payload := make(map[string]map[string]interface{})
	roomKeyObj := map[string]interface{}{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"room_id":    roomID,
		"session_id": session.SessionID(),
		"session_key": session.SessionKey(),
		"chain_index": session.MessageIndex(),
	}
	plaintext, err := json.Marshal(map[string]interface{}{
		"type":    "m.room_key",
		"content": roomKeyObj,
	})
	if err != nil {
		return nil, nil, merrors.New(merrors.KindInvalidData, err)
	}

	for _, dev := range devices {
		key := sessionKey{UserID: dev.UserID, DeviceID: dev.DeviceID}
		sess, ok := e.sessions[key]
		if !ok {
			claim, hasClaim := otkByDevice[key]
			if !hasClaim {
				continue // no existing session and no claimed one-time key to bootstrap one
			}
			newSess, err := e.factory.NewOutboundSession(e.account, dev.Curve25519, claim.Curve25519)
			if err != nil {
				return nil, nil, merrors.New(merrors.KindCrypto, err)
			}
			sess = sessionEntry{session: newSess, curve25519: dev.Curve25519, createdAt: time.Now()}
			e.sessions[key] = sess
		}

		msgType, ciphertext, err := sess.session.Encrypt(plaintext)
		if err != nil {
			return nil, nil, merrors.New(merrors.KindCrypto, err)
		}

		byDevice, ok := payload[dev.UserID]
		if !ok {
			byDevice = make(map[string]interface{})
			payload[dev.UserID] = byDevice
		}
		identity := e.account.IdentityKeys()
		byDevice[dev.DeviceID] = map[string]interface{}{
			"ciphertext":       string(ciphertext),
			"type":             msgType,
			"sender_curve25519": identity.Curve25519,
		}
	}

	out := make(map[string]interface{}, len(payload))
	for userID, byDevice := range payload {
		out[userID] = byDevice
	}
	return out, session, nil
}

// SetRoomGroupKey installs session as the live outbound session for roomID
// (spec §4.5 "set_room_group_key(room, out_session)"). The room's current
// member/device fingerprint is stamped onto the session here, so a later
// membership change is detected the next time HasRoomGroupKey is checked.
func (e *Engine) SetRoomGroupKey(roomID string, session olmprim.OutboundGroupSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound[roomID] = &outboundSessionState{
		session:   session,
		createdAt: time.Now(),
		devices:   e.deviceFingerprintLocked(roomID),
	}
}

// RmRoomGroupKey drops the outbound session for roomID, if any (spec §4.5
// "rm_room_group_key(room)").
func (e *Engine) RmRoomGroupKey(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outbound, roomID)
}

// EncryptForChat Megolm-encrypts plaintext using the live outbound session
// for roomID (spec §4.5 "encrypt_for_chat(room, plaintext)").
func (e *Engine) EncryptForChat(roomID string, plaintext []byte) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.outbound[roomID]
	if !ok {
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("crypto: no outbound group session for room %s", roomID))
	}

	ciphertext, err := st.session.Encrypt(plaintext)
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	st.messageCount++

	identity := e.account.IdentityKeys()
	return map[string]interface{}{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"sender_key": identity.Curve25519,
		"ciphertext": string(ciphertext),
		"session_id": st.session.SessionID(),
		"device_id":  e.deviceID,
	}, nil
}

// HandleRoomEncrypted resolves the Olm session keyed by (senderUserID,
// senderDeviceID), creating one from body when none exists and msgType is 0
// (pre-key), decrypts body under msgType, and dispatches the recovered
// plaintext's inner "type": for m.room_key it installs an inbound Megolm
// session keyed by (room_id, senderCurve25519, session_id); other inner types
// are returned as decoded JSON for the caller to route (spec §4.5
// "handle_room_encrypted(object)").
func (e *Engine) HandleRoomEncrypted(senderUserID, senderDeviceID, senderCurve25519 string, msgType int, body []byte) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sessionKey{UserID: senderUserID, DeviceID: senderDeviceID}
	sess, ok := e.sessions[key]
	if !ok {
		if msgType != 0 {
			return nil, merrors.New(merrors.KindCrypto, fmt.Errorf("crypto: no session for %s/%s and message is not a pre-key message", senderUserID, senderDeviceID))
		}
		newSess, err := e.factory.NewInboundSession(e.account, body)
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		sess = sessionEntry{session: newSess, curve25519: senderCurve25519, createdAt: time.Now()}
		e.sessions[key] = sess
	}

	plaintext, err := sess.session.Decrypt(msgType, body)
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}

	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}

	var content map[string]interface{}
	if err := json.Unmarshal(inner.Content, &content); err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}

	if inner.Type == "m.room_key" {
		roomID, _ := content["room_id"].(string)
		sessionID, _ := content["session_id"].(string)
		sessionKeyStr, _ := content["session_key"].(string)
		if roomID == "" || sessionID == "" || sessionKeyStr == "" {
			return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("crypto: malformed m.room_key content"))
		}
		inSess, err := e.factory.NewInboundGroupSession(sessionKeyStr)
		if err != nil {
			return nil, merrors.New(merrors.KindCrypto, err)
		}
		e.inbound[groupSessionKey{RoomID: roomID, SenderKey: senderCurve25519, SessionID: sessionID}] = &inboundSessionState{session: inSess}
	}

	content["type"] = inner.Type
	return content, nil
}

// HandleJoinRoomEncrypted looks up the inbound Megolm session by
// (roomID, senderKey, sessionID), decrypts ciphertext, rejects a replayed
// message index, and returns the decrypted JSON string (spec §4.5
// "handle_join_room_encrypted(room, event)").
func (e *Engine) HandleJoinRoomEncrypted(roomID, senderKey, sessionID string, ciphertext []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.inbound[groupSessionKey{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}]
	if !ok {
		return "", merrors.New(merrors.KindNotFound, fmt.Errorf("crypto: no inbound group session for room %s session %s", roomID, sessionID))
	}

	plaintext, index, err := st.session.Decrypt(ciphertext)
	if err != nil {
		return "", merrors.New(merrors.KindCrypto, err)
	}
	if index < st.maxIndex {
		return "", merrors.New(merrors.KindCrypto, fmt.Errorf("crypto: duplicate message index %d (already served up to %d)", index, st.maxIndex))
	}
	st.maxIndex = index + 1
	return string(plaintext), nil
}
