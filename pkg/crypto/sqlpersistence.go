// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crypto

import (
	"database/sql"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
)

// encryptedFileSchema follows the same upsert-by-primary-key shape as
// dendrite's federationsender_retry_state table: one row per key, an
// INSERT ... ON CONFLICT upsert, and a handful of prepared statements held
// for the lifetime of the handle.
const encryptedFileSchema = `
CREATE TABLE IF NOT EXISTS cmatrix_encrypted_files (
	mxc_uri TEXT NOT NULL PRIMARY KEY,
	aes_iv TEXT NOT NULL,
	aes_key TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	version TEXT NOT NULL,
	key_type TEXT NOT NULL,
	extractable BOOLEAN NOT NULL
);
`

const upsertEncryptedFileSQL = "" +
	"INSERT INTO cmatrix_encrypted_files (mxc_uri, aes_iv, aes_key, sha256, algorithm, version, key_type, extractable)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (mxc_uri) DO UPDATE SET aes_iv = $2, aes_key = $3, sha256 = $4, algorithm = $5, version = $6, key_type = $7, extractable = $8"

const selectEncryptedFileSQL = "" +
	"SELECT aes_iv, aes_key, sha256, algorithm, version, key_type, extractable FROM cmatrix_encrypted_files WHERE mxc_uri = $1"

// SQLPersistence is a database/sql-backed PersistenceHandle, for callers
// that would rather keep the encrypted-media key table alongside their own
// application schema than hold it in memory.
type SQLPersistence struct {
	db         *sql.DB
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

// NewSQLPersistence creates the table if missing and prepares its
// statements against db.
func NewSQLPersistence(db *sql.DB) (*SQLPersistence, error) {
	if _, err := db.Exec(encryptedFileSchema); err != nil {
		return nil, err
	}
	upsertStmt, err := db.Prepare(upsertEncryptedFileSQL)
	if err != nil {
		return nil, err
	}
	selectStmt, err := db.Prepare(selectEncryptedFileSQL)
	if err != nil {
		return nil, err
	}
	return &SQLPersistence{db: db, upsertStmt: upsertStmt, selectStmt: selectStmt}, nil
}

// LookupEncryptedFile implements PersistenceHandle.
func (p *SQLPersistence) LookupEncryptedFile(mxcURI string) (matrixtypes.EncryptedFileInfo, bool) {
	var info matrixtypes.EncryptedFileInfo
	info.MXCURI = mxcURI
	row := p.selectStmt.QueryRow(mxcURI)
	if err := row.Scan(&info.AESIV, &info.AESKey, &info.SHA256, &info.Algorithm, &info.Version, &info.KeyType, &info.Extractable); err != nil {
		return matrixtypes.EncryptedFileInfo{}, false
	}
	return info, true
}

// RecordEncryptedFile implements PersistenceHandle. Errors are swallowed
// (matching the interface's fire-and-forget contract) but would normally be
// surfaced via the caller's own logging of the *sql.DB.
func (p *SQLPersistence) RecordEncryptedFile(info matrixtypes.EncryptedFileInfo) {
	_, _ = p.upsertStmt.Exec(info.MXCURI, info.AESIV, info.AESKey, info.SHA256, info.Algorithm, info.Version, info.KeyType, info.Extractable)
}
