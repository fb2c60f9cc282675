// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import "github.com/element-hq/libcmatrix-go/pkg/matrixtypes"

// FindFileEnc consults the persistence handle for a stored EncryptedFileInfo
// whose MXCURI matches uri. ok is false if uri is unencrypted or unknown
// (spec §4.5 "find_file_enc(uri)").
func (e *Engine) FindFileEnc(uri string) (matrixtypes.EncryptedFileInfo, bool) {
	if e.persistence == nil {
		return matrixtypes.EncryptedFileInfo{}, false
	}
	return e.persistence.LookupEncryptedFile(uri)
}
