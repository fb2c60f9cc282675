// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package olmprim

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// mautrixFactory is the production Factory, backed by
// maunium.net/go/mautrix/crypto/olm — the same Olm/Megolm implementation
// maunium.net/go/mautrix's own OlmMachine uses for its account and session
// pools. This is the one component of this module that is deliberately a
// thin pass-through: spec §6 treats the primitive as a black box, so no
// ratchet, KDF or MAC logic is reimplemented here.
type mautrixFactory struct{}

// NewMautrixFactory returns the Factory used by Engine in production.
func NewMautrixFactory() Factory { return mautrixFactory{} }

func (mautrixFactory) NewAccount() (Account, error) {
	acct := olm.NewAccount()
	return &mautrixAccount{acct: acct}, nil
}

func (mautrixFactory) UnpickleAccount(pickle, key []byte) (Account, error) {
	acct, err := olm.AccountFromPickled(pickle, key)
	if err != nil {
		return nil, err
	}
	return &mautrixAccount{acct: acct}, nil
}

func (mautrixFactory) NewOutboundSession(acct Account, theirIdentityCurve25519, theirOneTimeCurve25519 string) (Session, error) {
	ma, ok := acct.(*mautrixAccount)
	if !ok {
		return nil, fmt.Errorf("olmprim: account not created by this factory")
	}
	sess, err := ma.acct.NewOutboundSession(id.Curve25519(theirIdentityCurve25519), id.Curve25519(theirOneTimeCurve25519))
	if err != nil {
		return nil, err
	}
	return &mautrixSession{sess: sess}, nil
}

func (mautrixFactory) NewInboundSession(acct Account, preKeyCiphertext []byte) (Session, error) {
	ma, ok := acct.(*mautrixAccount)
	if !ok {
		return nil, fmt.Errorf("olmprim: account not created by this factory")
	}
	sess, err := ma.acct.NewInboundSession(preKeyCiphertext)
	if err != nil {
		return nil, err
	}
	return &mautrixSession{sess: sess}, nil
}

func (mautrixFactory) UnpickleSession(pickle, key []byte) (Session, error) {
	sess, err := olm.SessionFromPickled(pickle, key)
	if err != nil {
		return nil, err
	}
	return &mautrixSession{sess: sess}, nil
}

func (mautrixFactory) NewOutboundGroupSession() (OutboundGroupSession, error) {
	sess := olm.NewOutboundGroupSession()
	return &mautrixOutboundGroup{sess: sess}, nil
}

func (mautrixFactory) UnpickleOutboundGroupSession(pickle, key []byte) (OutboundGroupSession, error) {
	sess, err := olm.OutboundGroupSessionFromPickled(pickle, key)
	if err != nil {
		return nil, err
	}
	return &mautrixOutboundGroup{sess: sess}, nil
}

func (mautrixFactory) NewInboundGroupSession(sessionKey string) (InboundGroupSession, error) {
	sess, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, err
	}
	return &mautrixInboundGroup{sess: sess}, nil
}

func (mautrixFactory) UnpickleInboundGroupSession(pickle, key []byte) (InboundGroupSession, error) {
	sess, err := olm.InboundGroupSessionFromPickled(pickle, key)
	if err != nil {
		return nil, err
	}
	return &mautrixInboundGroup{sess: sess}, nil
}

func (mautrixFactory) NewSAS() (SAS, error) {
	sas, err := olm.NewSAS()
	if err != nil {
		return nil, err
	}
	return &mautrixSAS{sas: sas}, nil
}

type mautrixAccount struct{ acct *olm.Account }

func (a *mautrixAccount) Pickle(key []byte) ([]byte, error) {
	return a.acct.Pickle(key), nil
}

func (a *mautrixAccount) IdentityKeys() IdentityKeys {
	keys := a.acct.IdentityKeys()
	return IdentityKeys{Curve25519: keys.Curve25519.String(), Ed25519: keys.Ed25519.String()}
}

func (a *mautrixAccount) Sign(message []byte) (string, error) {
	return string(a.acct.Sign(message)), nil
}

func (a *mautrixAccount) MarkKeysAsPublished() { a.acct.MarkKeysAsPublished() }

func (a *mautrixAccount) GenerateOneTimeKeys(n uint) error {
	return a.acct.GenOneTimeKeys(n)
}

func (a *mautrixAccount) OneTimeKeys() []OneTimeKey {
	raw := a.acct.OneTimeKeys()
	out := make([]OneTimeKey, 0, len(raw))
	for keyID, key := range raw {
		out = append(out, OneTimeKey{KeyID: string(keyID), Key: key.String()})
	}
	return out
}

func (a *mautrixAccount) MaxOneTimeKeys() uint {
	return a.acct.MaxNumberOfOneTimeKeys()
}

type mautrixSession struct{ sess *olm.Session }

func (s *mautrixSession) Pickle(key []byte) ([]byte, error) { return s.sess.Pickle(key), nil }
func (s *mautrixSession) SessionID() string                 { return s.sess.ID().String() }
func (s *mautrixSession) MatchesInbound(preKeyCiphertext []byte) bool {
	return s.sess.MatchesInboundSession(preKeyCiphertext)
}
func (s *mautrixSession) Encrypt(plaintext []byte) (int, []byte, error) {
	msgType, ciphertext := s.sess.Encrypt(plaintext)
	return int(msgType), ciphertext, nil
}
func (s *mautrixSession) Decrypt(msgType int, ciphertext []byte) ([]byte, error) {
	return s.sess.Decrypt(string(ciphertext), uint(msgType))
}

type mautrixOutboundGroup struct{ sess *olm.OutboundGroupSession }

func (s *mautrixOutboundGroup) Pickle(key []byte) ([]byte, error) { return s.sess.Pickle(key), nil }
func (s *mautrixOutboundGroup) SessionID() string                 { return s.sess.ID().String() }
func (s *mautrixOutboundGroup) SessionKey() string                { return string(s.sess.Key()) }
func (s *mautrixOutboundGroup) MessageIndex() uint32              { return s.sess.MessageIndex() }
func (s *mautrixOutboundGroup) Encrypt(plaintext []byte) ([]byte, error) {
	return s.sess.Encrypt(plaintext), nil
}

type mautrixInboundGroup struct{ sess *olm.InboundGroupSession }

func (s *mautrixInboundGroup) Pickle(key []byte) ([]byte, error) { return s.sess.Pickle(key), nil }
func (s *mautrixInboundGroup) SessionID() string                 { return s.sess.ID().String() }
func (s *mautrixInboundGroup) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	plaintext, index, err := s.sess.Decrypt(string(ciphertext))
	return plaintext, uint32(index), err
}

type mautrixSAS struct{ sas *olm.SAS }

func (s *mautrixSAS) PublicKey() string { return s.sas.GetPubkey().String() }
func (s *mautrixSAS) SetTheirKey(theirKey string) {
	s.sas.SetTheirKey([]byte(theirKey))
}
func (s *mautrixSAS) GenerateBytes(info string, length int) ([]byte, error) {
	return s.sas.GenerateBytes(info, length)
}
func (s *mautrixSAS) CalculateMAC(input, info string) (string, error) {
	mac, err := s.sas.CalculateMAC([]byte(input), []byte(info))
	return string(mac), err
}
