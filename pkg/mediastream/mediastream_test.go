// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package mediastream

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
)

func TestEncryptingStreamSizePreservedAndDigestMatches(t *testing.T) {
	src := strings.NewReader("abc")
	m, err := NewEncrypting(src)
	require.NoError(t, err)
	defer m.Close()

	out, err := io.ReadAll(m)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.True(t, m.Done())

	sum := sha256.Sum256(out)
	require.Equal(t, sum[:], m.Digest())

	desc, ok := m.KeyDescriptor()
	require.True(t, ok)
	require.Equal(t, "v2", desc.V)
	require.Equal(t, base64.RawStdEncoding.EncodeToString(sum[:]), desc.Hashes["sha256"])
}

func TestPassThroughStreamDoesNotTransformBytes(t *testing.T) {
	m := NewPassThrough(strings.NewReader("hello"), "text/plain")
	out, err := io.ReadAll(m)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
	require.Equal(t, "text/plain", m.ContentType())
	require.Nil(t, m.Digest())
}

func TestDecryptingStreamInversesEncrypting(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	enc, err := NewEncrypting(bytes.NewReader(plaintext))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(enc)
	require.NoError(t, err)

	// Take the descriptor before Close, which wipes the key and IV.
	desc, ok := enc.KeyDescriptor()
	require.True(t, ok)
	require.NoError(t, enc.Close())

	info, err := matrixtypes.NewEncryptedFileInfo("", desc.IV, desc.Key.K, desc.Hashes["sha256"])
	require.NoError(t, err)

	dec, err := NewDecrypting(bytes.NewReader(ciphertext), info)
	require.NoError(t, err)
	defer dec.Close()

	recovered, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestReadAfterErrorLatches(t *testing.T) {
	m := NewPassThrough(&erroringReader{}, "application/octet-stream")
	buf := make([]byte, 4)
	_, err1 := m.Read(buf)
	require.Error(t, err1)
	_, err2 := m.Read(buf)
	require.Equal(t, err1, err2)
}

type erroringReader struct{}

func (e *erroringReader) Read(p []byte) (int, error) {
	return 0, errBoom
}

var errBoom = boomError("boom")

type boomError string

func (e boomError) Error() string { return string(e) }
