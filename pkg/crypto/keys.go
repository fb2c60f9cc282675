// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"errors"

	"github.com/element-hq/libcmatrix-go/pkg/canonicaljson"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
)

var errIdentityNotSet = errors.New("crypto: SetDetails has not been called")

// MaxOneTimeKeys reports the primitive's ceiling (spec §4.5
// "max_one_time_keys()").
func (e *Engine) MaxOneTimeKeys() uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.MaxOneTimeKeys()
}

// CreateOneTimeKeys generates up to n keys, clamped so that
// pool_size + n <= max/2 (spec §3 "reserve for in-flight claims"), and
// returns how many were actually generated.
func (e *Engine) CreateOneTimeKeys(n uint) (uint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxKeys := e.account.MaxOneTimeKeys()
	poolSize := uint(len(e.account.OneTimeKeys()))
	budget := maxKeys / 2
	if poolSize >= budget {
		return 0, nil
	}
	if poolSize+n > budget {
		n = budget - poolSize
	}
	if n == 0 {
		return 0, nil
	}

	before := make(map[string]struct{}, len(e.account.OneTimeKeys()))
	for _, k := range e.account.OneTimeKeys() {
		before[k.KeyID] = struct{}{}
	}

	if err := e.account.GenerateOneTimeKeys(n); err != nil {
		return 0, merrors.New(merrors.KindCrypto, err)
	}

	var generated uint
	for _, k := range e.account.OneTimeKeys() {
		if _, seen := before[k.KeyID]; !seen {
			e.generatedUnpublished = append(e.generatedUnpublished, k)
			generated++
		}
	}
	return generated, nil
}

// OneTimeKeysJSON returns the signed "signed_curve25519" payload for every
// generated-but-unpublished key (spec §4.5 "one_time_keys_json()").
func (e *Engine) OneTimeKeysJSON() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]interface{}, len(e.generatedUnpublished))
	for _, k := range e.generatedUnpublished {
		signed, err := e.signKeyLocked(k.Key)
		if err != nil {
			return nil, err
		}
		out["signed_curve25519:"+k.KeyID] = signed
	}
	return out, nil
}

func (e *Engine) signKeyLocked(curve25519Key string) (map[string]interface{}, error) {
	obj := map[string]interface{}{"key": curve25519Key}
	canon, err := canonicaljson.ForSigning(obj)
	if err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}
	sig, err := e.account.Sign(canon)
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	obj["signatures"] = map[string]interface{}{
		e.userID: map[string]interface{}{"ed25519:" + e.deviceID: sig},
	}
	return obj, nil
}

// PublishOneTimeKeys marks every generated-but-unpublished key as published
// (spec §4.5 "publish_one_time_keys()"). Must be called exactly once per
// generated batch, after a successful upload (spec §3).
func (e *Engine) PublishOneTimeKeys() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.MarkKeysAsPublished()
	e.generatedUnpublished = nil
}

// DeviceKeysJSON produces the signed device-keys object (spec §4.5
// "device_keys_json()"). SetDetails must have been called first.
func (e *Engine) DeviceKeysJSON() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == "" || e.deviceID == "" {
		return nil, merrors.New(merrors.KindInvalidData, errIdentityNotSet)
	}

	keys := e.account.IdentityKeys()
	obj := map[string]interface{}{
		"user_id":   e.userID,
		"device_id": e.deviceID,
		"algorithms": []interface{}{
			"m.olm.v1.curve25519-aes-sha2",
			"m.megolm.v1.aes-sha2",
		},
		"keys": map[string]interface{}{
			"curve25519:" + e.deviceID: keys.Curve25519,
			"ed25519:" + e.deviceID:    keys.Ed25519,
		},
	}

	stripped, _ := canonicaljson.Strip(obj)
	canon, err := canonicaljson.ForSigning(stripped)
	if err != nil {
		return nil, merrors.New(merrors.KindInvalidData, err)
	}
	sig, err := e.account.Sign(canon)
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	obj["signatures"] = map[string]interface{}{
		e.userID: map[string]interface{}{"ed25519:" + e.deviceID: sig},
	}
	return obj, nil
}
