// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/element-hq/libcmatrix-go/pkg/crypto/olmprim"
)

// fakeFactory is an in-memory, non-cryptographic stand-in for the real
// maunium.net/go/mautrix/crypto/olm primitive, used only by this package's
// tests: it lets Engine's control flow (session bootstrap, pickling,
// rotation, replay rejection) be exercised deterministically without the
// real C/Go Olm implementation, which this module treats as an opaque
// external dependency (spec §1, §6).
type fakeFactory struct{}

func newFakeFactory() olmprim.Factory { return fakeFactory{} }

var fakeIDCounter int64

func nextFakeID() string {
	return fmt.Sprintf("fake-%d", atomic.AddInt64(&fakeIDCounter, 1))
}

type fakeAccountState struct {
	Ed25519Seed []byte
	Curve25519  string
	OTKs        map[string]string
	NextOTK     int
	MaxOTK      uint
	Published   map[string]bool
}

type fakeAccount struct{ st *fakeAccountState }

func (fakeFactory) NewAccount() (olmprim.Account, error) {
	_, priv, _ := ed25519.GenerateKey(nil)
	return &fakeAccount{st: &fakeAccountState{
		Ed25519Seed: priv,
		Curve25519:  nextFakeID(),
		OTKs:        make(map[string]string),
		MaxOTK:      50,
		Published:   make(map[string]bool),
	}}, nil
}

func (fakeFactory) UnpickleAccount(pickle, key []byte) (olmprim.Account, error) {
	st := &fakeAccountState{}
	if err := unfakePickle(pickle, key, st); err != nil {
		return nil, err
	}
	if st.OTKs == nil {
		st.OTKs = make(map[string]string)
	}
	if st.Published == nil {
		st.Published = make(map[string]bool)
	}
	return &fakeAccount{st: st}, nil
}

func (a *fakeAccount) Pickle(key []byte) ([]byte, error) { return fakePickle(key, a.st) }
func (a *fakeAccount) IdentityKeys() olmprim.IdentityKeys {
	return olmprim.IdentityKeys{
		Curve25519: a.st.Curve25519,
		Ed25519:    base64.RawStdEncoding.EncodeToString(ed25519.PrivateKey(a.st.Ed25519Seed).Public().(ed25519.PublicKey)),
	}
}
func (a *fakeAccount) Sign(message []byte) (string, error) {
	sig := ed25519.Sign(ed25519.PrivateKey(a.st.Ed25519Seed), message)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}
func (a *fakeAccount) MarkKeysAsPublished() {
	for id := range a.st.OTKs {
		a.st.Published[id] = true
	}
}
func (a *fakeAccount) GenerateOneTimeKeys(n uint) error {
	for i := uint(0); i < n; i++ {
		id := fmt.Sprintf("AAAA%d", a.st.NextOTK)
		a.st.NextOTK++
		a.st.OTKs[id] = nextFakeID()
	}
	return nil
}
func (a *fakeAccount) OneTimeKeys() []olmprim.OneTimeKey {
	out := make([]olmprim.OneTimeKey, 0, len(a.st.OTKs))
	for id, key := range a.st.OTKs {
		out = append(out, olmprim.OneTimeKey{KeyID: id, Key: key})
	}
	return out
}
func (a *fakeAccount) MaxOneTimeKeys() uint { return a.st.MaxOTK }

// fakeSession is an unauthenticated XOR "cipher" keyed by the concatenation
// of both parties' curve25519 identifiers and the claimed one-time key —
// sufficient to prove Engine
// wires encrypt/decrypt calls to the right peer without real Olm ratchets.
type fakeSessionState struct {
	ID      string
	KeyMat  string
	Matched bool
}

type fakeSession struct{ st *fakeSessionState }

func (fakeFactory) NewOutboundSession(acct olmprim.Account, theirIdentity, theirOTK string) (olmprim.Session, error) {
	a := acct.(*fakeAccount)
	return &fakeSession{st: &fakeSessionState{ID: nextFakeID(), KeyMat: a.st.Curve25519 + "|" + theirIdentity + "|" + theirOTK}}, nil
}
func (fakeFactory) NewInboundSession(acct olmprim.Account, preKeyCiphertext []byte) (olmprim.Session, error) {
	var env fakeSessionEnvelope
	if err := json.Unmarshal(preKeyCiphertext, &env); err != nil {
		return nil, err
	}
	return &fakeSession{st: &fakeSessionState{ID: nextFakeID(), KeyMat: env.KeyMat, Matched: true}}, nil
}
func (fakeFactory) UnpickleSession(pickle, key []byte) (olmprim.Session, error) {
	st := &fakeSessionState{}
	if err := unfakePickle(pickle, key, st); err != nil {
		return nil, err
	}
	return &fakeSession{st: st}, nil
}

type fakeSessionEnvelope struct {
	KeyMat     string `json:"key_mat"`
	Ciphertext string `json:"ciphertext"`
}

func (s *fakeSession) Pickle(key []byte) ([]byte, error) { return fakePickle(key, s.st) }
func (s *fakeSession) SessionID() string                 { return s.st.ID }
func (s *fakeSession) MatchesInbound(preKeyCiphertext []byte) bool {
	var env fakeSessionEnvelope
	if err := json.Unmarshal(preKeyCiphertext, &env); err != nil {
		return false
	}
	return env.KeyMat == s.st.KeyMat
}
func (s *fakeSession) Encrypt(plaintext []byte) (int, []byte, error) {
	env := fakeSessionEnvelope{KeyMat: s.st.KeyMat, Ciphertext: xorEncode(s.st.KeyMat, plaintext)}
	msgType := 1
	if !s.st.Matched {
		msgType = 0
	}
	raw, err := json.Marshal(env)
	return msgType, raw, err
}
func (s *fakeSession) Decrypt(msgType int, ciphertext []byte) ([]byte, error) {
	var env fakeSessionEnvelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, err
	}
	return xorDecode(s.st.KeyMat, env.Ciphertext)
}

type fakeOutboundGroupState struct {
	ID    string
	Key   string
	Index uint32
}
type fakeOutboundGroup struct{ st *fakeOutboundGroupState }

func (fakeFactory) NewOutboundGroupSession() (olmprim.OutboundGroupSession, error) {
	return &fakeOutboundGroup{st: &fakeOutboundGroupState{ID: nextFakeID(), Key: nextFakeID()}}, nil
}
func (fakeFactory) UnpickleOutboundGroupSession(pickle, key []byte) (olmprim.OutboundGroupSession, error) {
	st := &fakeOutboundGroupState{}
	if err := unfakePickle(pickle, key, st); err != nil {
		return nil, err
	}
	return &fakeOutboundGroup{st: st}, nil
}
func (s *fakeOutboundGroup) Pickle(key []byte) ([]byte, error) { return fakePickle(key, s.st) }
func (s *fakeOutboundGroup) SessionID() string                 { return s.st.ID }
func (s *fakeOutboundGroup) SessionKey() string                { return s.st.Key }
func (s *fakeOutboundGroup) MessageIndex() uint32              { return s.st.Index }
func (s *fakeOutboundGroup) Encrypt(plaintext []byte) ([]byte, error) {
	env := fakeGroupEnvelope{Index: s.st.Index, Ciphertext: xorEncode(s.st.Key, plaintext)}
	s.st.Index++
	return json.Marshal(env)
}

type fakeGroupEnvelope struct {
	Index      uint32 `json:"index"`
	Ciphertext string `json:"ciphertext"`
}

type fakeInboundGroupState struct {
	ID  string
	Key string
}
type fakeInboundGroup struct{ st *fakeInboundGroupState }

func (fakeFactory) NewInboundGroupSession(sessionKey string) (olmprim.InboundGroupSession, error) {
	return &fakeInboundGroup{st: &fakeInboundGroupState{ID: nextFakeID(), Key: sessionKey}}, nil
}
func (fakeFactory) UnpickleInboundGroupSession(pickle, key []byte) (olmprim.InboundGroupSession, error) {
	st := &fakeInboundGroupState{}
	if err := unfakePickle(pickle, key, st); err != nil {
		return nil, err
	}
	return &fakeInboundGroup{st: st}, nil
}
func (s *fakeInboundGroup) Pickle(key []byte) ([]byte, error) { return fakePickle(key, s.st) }
func (s *fakeInboundGroup) SessionID() string                 { return s.st.ID }
func (s *fakeInboundGroup) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	var env fakeGroupEnvelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, 0, err
	}
	plaintext, err := xorDecode(s.st.Key, env.Ciphertext)
	return plaintext, env.Index, err
}

type fakeSAS struct {
	pub      string
	theirKey string
}

func (fakeFactory) NewSAS() (olmprim.SAS, error) { return &fakeSAS{pub: nextFakeID()}, nil }
func (s *fakeSAS) PublicKey() string             { return s.pub }
func (s *fakeSAS) SetTheirKey(theirKey string)    { s.theirKey = theirKey }
func (s *fakeSAS) GenerateBytes(info string, length int) ([]byte, error) {
	out := make([]byte, length)
	seed := []byte(s.pub + s.theirKey + info)
	for i := range out {
		out[i] = seed[i%len(seed)]
	}
	return out, nil
}
func (s *fakeSAS) CalculateMAC(input, info string) (string, error) {
	return xorEncode(s.pub+s.theirKey, []byte(input+"|"+info)), nil
}

// fakePickle/unfakePickle give every fake primitive a pickle implementation
// that round-trips through JSON, XOR-"encrypted" under key so pickle tests
// still exercise a key-dependent transform.
func fakePickle(key []byte, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte(xorEncode(string(key), raw)), nil
}

func unfakePickle(pickle, key []byte, v interface{}) error {
	raw, err := xorDecode(string(key), string(pickle))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func xorEncode(key string, data []byte) string {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return base64.StdEncoding.EncodeToString(out)
}

func xorDecode(key string, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out, nil
}
