// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pickleformat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalAlwaysWritesCurrentVersion(t *testing.T) {
	env := Envelope{Version: "v2", AccountPickle: []byte("acct")}
	raw, err := Marshal(env)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, got.Version)
}

func TestUnmarshalAcceptsLegacyV2Shape(t *testing.T) {
	raw := []byte(`{"account":"bGVnYWN5"}`)
	env, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, env.Version)
	require.Equal(t, []byte("legacy"), env.AccountPickle)
}

func TestUnmarshalAcceptsV3AsV4Shape(t *testing.T) {
	env := Envelope{AccountPickle: []byte("acct"), Sessions: []SessionEntry{{UserID: "@a:x", DeviceID: "D1", Pickle: []byte("p")}}}
	raw, err := Marshal(env)
	require.NoError(t, err)
	raw = replaceVersion(raw, "v3")

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, got.Sessions, 1)
}

func TestUnmarshalRejectsUnknownVersionWithoutMutatingAnything(t *testing.T) {
	raw := []byte(`{"version":"v99","account":"AA=="}`)
	env, err := Unmarshal(raw)
	require.Error(t, err)
	require.Equal(t, Envelope{}, env)

	var fmtErr *FormatError
	require.ErrorAs(t, err, &fmtErr)
}

func TestUnmarshalRejectsMissingAccountPickle(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":"v4"}`))
	require.Error(t, err)
}

func replaceVersion(raw []byte, version string) []byte {
	out := make([]byte, 0, len(raw))
	marker := []byte(`"version":"v4"`)
	replacement := []byte(`"version":"` + version + `"`)
	idx := indexOf(raw, marker)
	out = append(out, raw[:idx]...)
	out = append(out, replacement...)
	out = append(out, raw[idx+len(marker):]...)
	return out
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
