// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package merrors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBodyMapsLimitExceededFixture(t *testing.T) {
	body := map[string]interface{}{
		"errcode":        "M_LIMIT_EXCEEDED",
		"error":          "slow",
		"retry_after_ms": float64(1234),
	}
	err, ok := FromBody(body)
	require.True(t, ok)
	require.Equal(t, KindMatrixError, err.Kind)
	require.Equal(t, ErrLimitExceeded, err.ErrCode)
	require.Equal(t, "slow", err.Message)
	require.EqualValues(t, 1234, err.RetryAfterMS)
}

func TestFromBodyRejectsNonMatrixErrorShape(t *testing.T) {
	_, ok := FromBody(map[string]interface{}{"content_uri": "mxc://example.org/abc"})
	require.False(t, ok)
}

func TestIsRecognizedCoversDocumentedCodes(t *testing.T) {
	require.True(t, IsRecognized(ErrForbidden))
	require.True(t, IsRecognized(ErrLimitExceeded))
	require.False(t, IsRecognized(ErrCode("M_SOMETHING_MADE_UP")))
}

func TestErrorStringIncludesRetryAfterOnlyWhenSet(t *testing.T) {
	withRetry := Matrix(ErrLimitExceeded, "slow", 1234)
	require.Contains(t, withRetry.Error(), "retry_after_ms=1234")

	withoutRetry := Matrix(ErrForbidden, "nope", 0)
	require.NotContains(t, withoutRetry.Error(), "retry_after_ms")
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errBoom
	err := New(KindTransport, cause)
	require.Equal(t, cause, err.Unwrap())
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
