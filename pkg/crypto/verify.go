// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import "crypto/ed25519"

// verifyEd25519 is a thin wrapper over the standard library's constant-time
// verifier. Ed25519 signature checking has no ecosystem alternative worth
// reaching for over crypto/ed25519 (DESIGN.md: stdlib justification).
func verifyEd25519(pubKey, message, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}
