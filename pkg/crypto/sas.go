// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"errors"

	"github.com/element-hq/libcmatrix-go/pkg/crypto/olmprim"
	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
)

var (
	errMissingTransactionID = errors.New("crypto: event missing transaction_id")
	errUnknownTransaction    = errors.New("crypto: unknown verification transaction")
)

// GetSASForEvent returns the SAS object associated with a verification
// event, keyed by the event's transaction_id. A SAS is created on the
// first recognized m.key.verification.start for an unknown transaction_id
// (spec §4.5 "Verification (SAS)").
func (e *Engine) GetSASForEvent(eventType matrixtypes.EventType, content map[string]interface{}) (olmprim.SAS, error) {
	txnID, _ := content["transaction_id"].(string)
	if txnID == "" {
		return nil, merrors.New(merrors.KindInvalidData, errMissingTransactionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sas, ok := e.sasInFlight[txnID]; ok {
		return sas, nil
	}
	if eventType != matrixtypes.EventKeyVerificationStart {
		return nil, merrors.New(merrors.KindNotFound, errUnknownTransaction)
	}

	sas, err := e.factory.NewSAS()
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	e.sasInFlight[txnID] = sas
	return sas, nil
}

// DropSASForEvent forgets a completed or cancelled verification (called on
// m.key.verification.done / m.key.verification.cancel).
func (e *Engine) DropSASForEvent(transactionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sasInFlight, transactionID)
}
