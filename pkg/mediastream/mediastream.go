// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package mediastream implements MediaStream, the AES-256-CTR filter over a
// wrapped byte source that the Matrix media spec's encrypted-attachments
// extension requires (spec §4.3). It is the idiomatic Go substitute for the
// source's GInputStream subclass: an io.Reader wrapper rather than a
// reference-counted stream object (DESIGN NOTES §9).
package mediastream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
	"github.com/element-hq/libcmatrix-go/pkg/validate"
)

// Mode selects the cipher behavior at construction (spec §4.3).
type Mode int

const (
	ModePassThrough Mode = iota
	ModeEncrypting
	ModeDecrypting
)

// MediaStream wraps src and transparently encrypts or decrypts bytes read
// through it, folding the ciphertext into a running SHA-256 digest.
type MediaStream struct {
	src         io.Reader
	mode        Mode
	contentType string

	stream cipher.Stream
	digest interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}

	key [32]byte
	iv  [16]byte

	done       bool
	latchedErr error

	mxcURL string
}

// NewPassThrough wraps src with no cipher and no checksum; contentType is
// surfaced verbatim via ContentType.
func NewPassThrough(src io.Reader, contentType string) *MediaStream {
	return &MediaStream{src: src, mode: ModePassThrough, contentType: contentType}
}

// NewEncrypting wraps src, generating a random 256-bit AES key and a 16-byte
// initial counter whose first 8 bytes are random and last 8 bytes are zero
// (spec §4.3 mode 2).
func NewEncrypting(src io.Reader) (*MediaStream, error) {
	m := &MediaStream{src: src, mode: ModeEncrypting, contentType: "application/octet-stream"}
	if _, err := rand.Read(m.key[:]); err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	if _, err := rand.Read(m.iv[:8]); err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	// last 8 bytes of the initial counter are zero by construction (m.iv is
	// zero-valued beyond the first 8 bytes already).
	block, err := aes.NewCipher(m.key[:])
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	m.stream = cipher.NewCTR(block, m.iv[:])
	m.digest = sha256.New()
	return m, nil
}

// NewDecrypting wraps src, decrypting using the key material described by
// info (spec §4.3 mode 3). info.AESKey is unpadded base64url (32 bytes);
// info.AESIV is unpadded-or-padded base64 (16 bytes).
func NewDecrypting(src io.Reader, info matrixtypes.EncryptedFileInfo) (*MediaStream, error) {
	keyBytes, err := base64.RawURLEncoding.DecodeString(info.AESKey)
	if err != nil {
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("mediastream: bad key encoding: %w", err))
	}
	if len(keyBytes) != 32 {
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("mediastream: key must be 32 bytes, got %d", len(keyBytes)))
	}
	ivBytes, err := decodeBase64Loose(info.AESIV)
	if err != nil {
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("mediastream: bad iv encoding: %w", err))
	}
	if len(ivBytes) != 16 {
		return nil, merrors.New(merrors.KindInvalidData, fmt.Errorf("mediastream: iv must be 16 bytes, got %d", len(ivBytes)))
	}

	m := &MediaStream{src: src, mode: ModeDecrypting, contentType: "application/octet-stream", mxcURL: info.MXCURI}
	copy(m.key[:], keyBytes)
	copy(m.iv[:], ivBytes)

	block, err := aes.NewCipher(m.key[:])
	if err != nil {
		return nil, merrors.New(merrors.KindCrypto, err)
	}
	m.stream = cipher.NewCTR(block, m.iv[:])
	m.digest = sha256.New()
	return m, nil
}

func decodeBase64Loose(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// SetMXCURI records the mxc:// URL the caller has assigned this upload, used
// by KeyDescriptor's "url" field.
func (m *MediaStream) SetMXCURI(uri string) { m.mxcURL = uri }

// ContentType is the MIME type the transport should advertise: the
// underlying content type when pass-through, else application/octet-stream
// (spec §4.3 — note the source's typo "octect-stream" is NOT reproduced,
// per SPEC_FULL.md §5 Open Questions).
func (m *MediaStream) ContentType() string { return m.contentType }

// Read implements io.Reader. A read of N bytes returns N ciphertext-or-
// plaintext bytes (CTR is size-preserving); 0 bytes with io.EOF marks the
// stream complete and freezes the digest. Any error latches: subsequent
// reads return the same error until the stream is discarded (spec §4.3).
func (m *MediaStream) Read(p []byte) (int, error) {
	if m.latchedErr != nil {
		return 0, m.latchedErr
	}
	if m.done {
		return 0, io.EOF
	}

	n, err := m.src.Read(p)
	if n > 0 {
		switch m.mode {
		case ModeDecrypting:
			// Fold ciphertext into the digest before decrypting, then decrypt in place.
			m.digest.Write(p[:n])
			m.stream.XORKeyStream(p[:n], p[:n])
		case ModeEncrypting:
			m.stream.XORKeyStream(p[:n], p[:n])
			m.digest.Write(p[:n])
		case ModePassThrough:
			// no-op
		}
	}

	if err == io.EOF {
		m.done = true
		return n, io.EOF
	}
	if err != nil {
		m.latchedErr = merrors.New(merrors.KindTransport, err)
		return n, m.latchedErr
	}
	return n, nil
}

// Done reports whether the stream has reported completion.
func (m *MediaStream) Done() bool { return m.done }

// Digest returns the running SHA-256 over the ciphertext, valid to call at
// any point; the value only becomes final once Done() is true.
func (m *MediaStream) Digest() []byte {
	if m.digest == nil {
		return nil
	}
	return m.digest.Sum(nil)
}

// KeyDescriptor returns the wire-shape key descriptor for an encrypting
// stream once it has completed (spec §4.3). ok is false if the stream is
// not in encrypting mode or has not yet completed.
func (m *MediaStream) KeyDescriptor() (matrixtypes.KeyDescriptorJSON, bool) {
	if m.mode != ModeEncrypting || !m.done {
		return matrixtypes.KeyDescriptorJSON{}, false
	}
	info, err := matrixtypes.NewEncryptedFileInfo(
		m.mxcURL,
		base64.RawStdEncoding.EncodeToString(m.iv[:]),
		base64.RawURLEncoding.EncodeToString(m.key[:]),
		base64.RawStdEncoding.EncodeToString(m.Digest()),
	)
	if err != nil {
		return matrixtypes.KeyDescriptorJSON{}, false
	}
	return info.ToKeyDescriptorJSON(), true
}

// Close wipes the key material. Safe to call multiple times.
func (m *MediaStream) Close() error {
	validate.WipeSecret(m.key[:])
	validate.WipeSecret(m.iv[:])
	if closer, ok := m.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
