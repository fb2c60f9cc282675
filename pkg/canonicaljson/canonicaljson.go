// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canonicaljson produces the byte-exact canonical JSON form used as
// Matrix signing input: object keys sorted by raw codepoint, no insignificant
// whitespace, array order preserved, with "signatures" and "unsigned"
// stripped from the top level before encoding.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stripKeys are removed from the top level before canonicalizing a signable
// object and restored afterward so the caller's in-memory object is
// unchanged (spec §4.1).
var stripKeys = []string{"signatures", "unsigned"}

// Canonical returns the canonical JSON encoding of obj. obj is first
// marshalled with encoding/json (to normalize numeric/string representation
// consistently with the rest of the module), then re-serialized with sorted
// keys via gjson/sjson so nested objects of arbitrary shape don't need a
// fixed Go struct — the same ad hoc JSON-surgery idiom the teacher uses for
// to-device/event payloads it doesn't fully typed-model.
func Canonical(obj interface{}) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return CanonicalBytes(raw)
}

// CanonicalBytes canonicalizes an already-encoded JSON document.
func CanonicalBytes(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errInvalidJSON
	}
	var buf bytes.Buffer
	if err := writeCanonicalValue(&buf, gjson.ParseBytes(raw)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ForSigning strips "signatures" and "unsigned" from the top-level object
// before canonicalizing, returning the bytes to sign/verify. The caller's obj
// is read-only here; higher layers (crypto.Enc.sign_string et al.) are
// responsible for stripping/restoring on their own in-memory copies when a
// round-trip mutation-free guarantee is required (see Strip/Restore below).
func ForSigning(obj map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	for _, k := range stripKeys {
		raw, err = sjson.DeleteBytes(raw, k)
		if err != nil {
			return nil, err
		}
	}
	return CanonicalBytes(raw)
}

// Strip returns a deep copy of obj with "signatures" and "unsigned" removed,
// plus the removed values so the caller can Restore them onto the original
// object afterward without ever mutating obj itself. This mirrors the extra
// reference the original C implementation takes on its JsonObject before
// stripping, so a concurrent reader of obj never observes a half-stripped
// state (SPEC_FULL.md §3.1).
func Strip(obj map[string]interface{}) (stripped map[string]interface{}, removed map[string]interface{}) {
	stripped = make(map[string]interface{}, len(obj))
	removed = make(map[string]interface{})
	for k, v := range obj {
		isStripped := false
		for _, sk := range stripKeys {
			if k == sk {
				removed[k] = v
				isStripped = true
				break
			}
		}
		if !isStripped {
			stripped[k] = v
		}
	}
	return stripped, removed
}

// Restore re-attaches keys previously removed by Strip onto dst.
func Restore(dst map[string]interface{}, removed map[string]interface{}) {
	for k, v := range removed {
		dst[k] = v
	}
}

var errInvalidJSON = jsonError("canonicaljson: invalid JSON document")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func writeCanonicalValue(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.String:
		enc, err := json.Marshal(v.String())
		if err != nil {
			return err
		}
		buf.Write(enc)
	case gjson.Number:
		buf.WriteString(v.Raw)
	case gjson.True:
		buf.WriteString("true")
	case gjson.False:
		buf.WriteString("false")
	case gjson.Null:
		buf.WriteString("null")
	case gjson.JSON:
		if v.IsArray() {
			return writeCanonicalArray(buf, v)
		}
		return writeCanonicalObject(buf, v)
	default:
		buf.WriteString(v.Raw)
	}
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	first := true
	var outerErr error
	v.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeCanonicalValue(buf, value); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	buf.WriteByte(']')
	return outerErr
}

func writeCanonicalObject(buf *bytes.Buffer, v gjson.Result) error {
	keys := make([]string, 0)
	values := make(map[string]gjson.Result)
	var outerErr error
	v.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		keys = append(keys, k)
		values[k] = value
		return true
	})
	// Sort by raw codepoint (byte) order of the UTF-8 encoding, which for Go
	// strings is exactly the default string comparison.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		enc, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(enc)
		buf.WriteByte(':')
		if err := writeCanonicalValue(buf, values[k]); err != nil {
			outerErr = err
			break
		}
	}
	buf.WriteByte('}')
	return outerErr
}
