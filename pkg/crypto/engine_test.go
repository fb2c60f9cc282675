// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
)

type fakeDeviceSource struct {
	devices map[string][]Device
}

func (f *fakeDeviceSource) DevicesForRoom(roomID string) ([]Device, error) {
	return f.devices[roomID], nil
}

type fakePersistence struct {
	files map[string]matrixtypes.EncryptedFileInfo
}

func (f *fakePersistence) LookupEncryptedFile(mxcURI string) (matrixtypes.EncryptedFileInfo, bool) {
	info, ok := f.files[mxcURI]
	return info, ok
}
func (f *fakePersistence) RecordEncryptedFile(info matrixtypes.EncryptedFileInfo) {
	if f.files == nil {
		f.files = make(map[string]matrixtypes.EncryptedFileInfo)
	}
	f.files[info.MXCURI] = info
}

func newTestEngine(t *testing.T, devices DeviceSource, persistence PersistenceHandle) *Engine {
	t.Helper()
	e, err := New(newFakeFactory(), nil, []byte("test-pickle-key-0123456789"), persistence, devices)
	require.NoError(t, err)
	return e
}

func TestEngineSignAndVerifyRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	require.NoError(t, e.SetDetails("@alice:example.org", "DEVICEA"))

	obj, err := e.DeviceKeysJSON()
	require.NoError(t, err)

	identity := e.IdentityKeys()
	ok := e.Verify(obj, "@alice:example.org", "DEVICEA", identity.Ed25519)
	require.True(t, ok)

	// Tampering with a signed field must invalidate the signature.
	obj["user_id"] = "@mallory:example.org"
	require.False(t, e.Verify(obj, "@alice:example.org", "DEVICEA", identity.Ed25519))
}

func TestEnginePickleRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	require.NoError(t, e.SetDetails("@alice:example.org", "DEVICEA"))
	before := e.IdentityKeys()

	pickle, err := e.GetPickle()
	require.NoError(t, err)
	key := e.GetPickleKey()

	restored, err := New(newFakeFactory(), pickle, key, nil, nil)
	require.NoError(t, err)

	after := restored.IdentityKeys()
	require.Equal(t, before.Curve25519, after.Curve25519)
	require.Equal(t, before.Ed25519, after.Ed25519)
}

func TestEngineRejectsUnknownPickleVersion(t *testing.T) {
	_, err := New(newFakeFactory(), []byte(`{"version":"v99","account":"AA=="}`), []byte("key"), nil, nil)
	require.Error(t, err)
}

func TestEngineSetDetailsRefusesSecondCall(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	require.NoError(t, e.SetDetails("@alice:example.org", "DEVICEA"))
	require.Error(t, e.SetDetails("@alice:example.org", "DEVICEB"))
}

func TestEngineOneTimeKeyLifecycle(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	require.NoError(t, e.SetDetails("@alice:example.org", "DEVICEA"))

	maxKeys := e.MaxOneTimeKeys()
	require.EqualValues(t, 50, maxKeys)

	n, err := e.CreateOneTimeKeys(1000)
	require.NoError(t, err)
	require.EqualValues(t, maxKeys/2, n)

	signed, err := e.OneTimeKeysJSON()
	require.NoError(t, err)
	require.Len(t, signed, int(n))

	e.PublishOneTimeKeys()

	signedAfter, err := e.OneTimeKeysJSON()
	require.NoError(t, err)
	require.Empty(t, signedAfter)

	// Pool is already at max/2, so no further keys should be generated.
	n2, err := e.CreateOneTimeKeys(10)
	require.NoError(t, err)
	require.Zero(t, n2)
}

func TestEngineRoomKeyLifecycleEndToEnd(t *testing.T) {
	bob := newTestEngine(t, nil, nil)
	require.NoError(t, bob.SetDetails("@bob:example.org", "DEVICEB"))
	bobIdentity := bob.IdentityKeys()

	alice := newTestEngine(t, &fakeDeviceSource{devices: map[string][]Device{
		"!room:example.org": {{UserID: "@bob:example.org", DeviceID: "DEVICEB", Curve25519: bobIdentity.Curve25519}},
	}}, nil)
	require.NoError(t, alice.SetDetails("@alice:example.org", "DEVICEA"))

	require.False(t, alice.HasRoomGroupKey("!room:example.org"))

	claim := OneTimeKeyClaim{
		Device:     Device{UserID: "@bob:example.org", DeviceID: "DEVICEB", Curve25519: bobIdentity.Curve25519},
		KeyID:      "AAAA0",
		Curve25519: nextFakeID(),
	}
	payload, outSession, err := alice.CreateOutGroupKeys("!room:example.org", []OneTimeKeyClaim{claim})
	require.NoError(t, err)
	alice.SetRoomGroupKey("!room:example.org", outSession)
	require.True(t, alice.HasRoomGroupKey("!room:example.org"))

	byDevice, ok := payload["@bob:example.org"].(map[string]interface{})
	require.True(t, ok)
	wireMsg, ok := byDevice["DEVICEB"].(map[string]interface{})
	require.True(t, ok)

	aliceIdentity := alice.IdentityKeys()
	content, err := bob.HandleRoomEncrypted(
		"@alice:example.org", "DEVICEA", aliceIdentity.Curve25519,
		wireMsg["type"].(int), []byte(wireMsg["ciphertext"].(string)),
	)
	require.NoError(t, err)
	require.Equal(t, "m.room_key", content["type"])

	ciphertext, err := alice.EncryptForChat("!room:example.org", []byte(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)

	plaintext, err := bob.HandleJoinRoomEncrypted("!room:example.org", aliceIdentity.Curve25519, ciphertext["session_id"].(string), []byte(ciphertext["ciphertext"].(string)))
	require.NoError(t, err)
	require.JSONEq(t, `{"msgtype":"m.text","body":"hi"}`, plaintext)

	// Replaying the same ciphertext (same message index) must fail.
	_, err = bob.HandleJoinRoomEncrypted("!room:example.org", aliceIdentity.Curve25519, ciphertext["session_id"].(string), []byte(ciphertext["ciphertext"].(string)))
	require.Error(t, err)
}

func TestEngineHasRoomGroupKeyRotatesOnMembershipChange(t *testing.T) {
	devices := &fakeDeviceSource{devices: map[string][]Device{
		"!room:example.org": {{UserID: "@bob:example.org", DeviceID: "DEVICEB", Curve25519: "bobcurve"}},
	}}
	alice := newTestEngine(t, devices, nil)
	require.NoError(t, alice.SetDetails("@alice:example.org", "DEVICEA"))

	session, err := alice.factory.NewOutboundGroupSession()
	require.NoError(t, err)
	alice.SetRoomGroupKey("!room:example.org", session)
	require.True(t, alice.HasRoomGroupKey("!room:example.org"))

	// Bob adds a second device: the room's member/device set changed, so the
	// existing outbound session must be treated as stale even though neither
	// messageCount nor age has crossed the policy thresholds.
	devices.devices["!room:example.org"] = append(devices.devices["!room:example.org"],
		Device{UserID: "@bob:example.org", DeviceID: "DEVICEB2", Curve25519: "bobcurve2"})

	require.False(t, alice.HasRoomGroupKey("!room:example.org"))
}

func TestEngineSetRoomKeyPolicyLowersRotationThreshold(t *testing.T) {
	alice := newTestEngine(t, nil, nil)
	require.NoError(t, alice.SetDetails("@alice:example.org", "DEVICEA"))
	alice.SetRoomKeyPolicy(RoomKeyPolicy{MaxMessages: 1, MaxAgeMS: DefaultRoomKeyPolicy.MaxAgeMS})

	session, err := alice.factory.NewOutboundGroupSession()
	require.NoError(t, err)
	alice.SetRoomGroupKey("!room:example.org", session)
	require.True(t, alice.HasRoomGroupKey("!room:example.org"))

	_, err = alice.EncryptForChat("!room:example.org", []byte(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)

	require.False(t, alice.HasRoomGroupKey("!room:example.org"))
}

func TestEngineGetSASForEventLifecycle(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	_, err := e.GetSASForEvent(matrixtypes.EventKeyVerificationAccept, map[string]interface{}{"transaction_id": "txn1"})
	require.Error(t, err) // unknown transaction and not a start event

	sas1, err := e.GetSASForEvent(matrixtypes.EventKeyVerificationStart, map[string]interface{}{"transaction_id": "txn1"})
	require.NoError(t, err)

	sas2, err := e.GetSASForEvent(matrixtypes.EventKeyVerificationAccept, map[string]interface{}{"transaction_id": "txn1"})
	require.NoError(t, err)
	require.Equal(t, sas1.PublicKey(), sas2.PublicKey())

	e.DropSASForEvent("txn1")
	_, err = e.GetSASForEvent(matrixtypes.EventKeyVerificationAccept, map[string]interface{}{"transaction_id": "txn1"})
	require.Error(t, err)
}

func TestEngineFindFileEnc(t *testing.T) {
	persistence := &fakePersistence{}
	e := newTestEngine(t, nil, persistence)

	_, ok := e.FindFileEnc("mxc://example.org/unknown")
	require.False(t, ok)

	info, err := matrixtypes.NewEncryptedFileInfo("mxc://example.org/abc", "iv==", "key", "hash")
	require.NoError(t, err)
	persistence.RecordEncryptedFile(info)

	got, ok := e.FindFileEnc("mxc://example.org/abc")
	require.True(t, ok)
	require.Equal(t, info, got)
}
