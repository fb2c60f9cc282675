// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package merrors is the client-side error taxonomy for the encryption and
// transport core: a small kind enum (Transport, MatrixError, InvalidData,
// Cancelled, TimedOut, Crypto, PickleFormat, BadPushGateway, NotFound) plus
// the well-known M_* errcode set a homeserver may hand back.
package merrors

import "fmt"

// Kind is the taxonomy from the error handling design: every async boundary
// in this module surfaces one of these.
type Kind string

const (
	KindTransport      Kind = "Transport"
	KindMatrixError    Kind = "MatrixError"
	KindInvalidData    Kind = "InvalidData"
	KindCancelled      Kind = "Cancelled"
	KindTimedOut       Kind = "TimedOut"
	KindCrypto         Kind = "Crypto"
	KindPickleFormat   Kind = "PickleFormat"
	KindBadPushGateway Kind = "BadPushGateway"
	KindNotFound       Kind = "NotFound"
)

// ErrCode is one of the M_* errcodes a homeserver response may carry.
type ErrCode string

// The exact set recognized by the error mapping. An errcode outside this set
// still surfaces as a MatrixError, but with ErrCode left as given rather than
// rejected, so callers retain the original wire value for logging.
const (
	ErrForbidden                    ErrCode = "M_FORBIDDEN"
	ErrUnknownToken                 ErrCode = "M_UNKNOWN_TOKEN"
	ErrMissingToken                 ErrCode = "M_MISSING_TOKEN"
	ErrBadJSON                      ErrCode = "M_BAD_JSON"
	ErrNotJSON                      ErrCode = "M_NOT_JSON"
	ErrNotFound                     ErrCode = "M_NOT_FOUND"
	ErrLimitExceeded                ErrCode = "M_LIMIT_EXCEEDED"
	ErrUnknown                      ErrCode = "M_UNKNOWN"
	ErrUnrecognized                 ErrCode = "M_UNRECOGNIZED"
	ErrUnauthorized                 ErrCode = "M_UNAUTHORIZED"
	ErrUserDeactivated              ErrCode = "M_USER_DEACTIVATED"
	ErrUserInUse                    ErrCode = "M_USER_IN_USE"
	ErrInvalidUsername              ErrCode = "M_INVALID_USERNAME"
	ErrRoomInUse                    ErrCode = "M_ROOM_IN_USE"
	ErrInvalidRoomState             ErrCode = "M_INVALID_ROOM_STATE"
	ErrThreepidInUse                ErrCode = "M_THREEPID_IN_USE"
	ErrThreepidNotFound             ErrCode = "M_THREEPID_NOT_FOUND"
	ErrThreepidAuthFailed           ErrCode = "M_THREEPID_AUTH_FAILED"
	ErrThreepidDenied               ErrCode = "M_THREEPID_DENIED"
	ErrServerNotTrusted             ErrCode = "M_SERVER_NOT_TRUSTED"
	ErrUnsupportedRoomVersion       ErrCode = "M_UNSUPPORTED_ROOM_VERSION"
	ErrIncompatibleRoomVersion      ErrCode = "M_INCOMPATIBLE_ROOM_VERSION"
	ErrBadState                     ErrCode = "M_BAD_STATE"
	ErrGuestAccessForbidden         ErrCode = "M_GUEST_ACCESS_FORBIDDEN"
	ErrCaptchaNeeded                ErrCode = "M_CAPTCHA_NEEDED"
	ErrCaptchaInvalid               ErrCode = "M_CAPTCHA_INVALID"
	ErrMissingParam                 ErrCode = "M_MISSING_PARAM"
	ErrInvalidParam                 ErrCode = "M_INVALID_PARAM"
	ErrTooLarge                     ErrCode = "M_TOO_LARGE"
	ErrExclusive                    ErrCode = "M_EXCLUSIVE"
	ErrResourceLimitExceeded        ErrCode = "M_RESOURCE_LIMIT_EXCEEDED"
	ErrCannotLeaveServerNoticeRoom  ErrCode = "M_CANNOT_LEAVE_SERVER_NOTICE_ROOM"
)

var recognizedErrCodes = map[ErrCode]struct{}{
	ErrForbidden: {}, ErrUnknownToken: {}, ErrMissingToken: {}, ErrBadJSON: {},
	ErrNotJSON: {}, ErrNotFound: {}, ErrLimitExceeded: {}, ErrUnknown: {},
	ErrUnrecognized: {}, ErrUnauthorized: {}, ErrUserDeactivated: {},
	ErrUserInUse: {}, ErrInvalidUsername: {}, ErrRoomInUse: {},
	ErrInvalidRoomState: {}, ErrThreepidInUse: {}, ErrThreepidNotFound: {},
	ErrThreepidAuthFailed: {}, ErrThreepidDenied: {}, ErrServerNotTrusted: {},
	ErrUnsupportedRoomVersion: {}, ErrIncompatibleRoomVersion: {},
	ErrBadState: {}, ErrGuestAccessForbidden: {}, ErrCaptchaNeeded: {},
	ErrCaptchaInvalid: {}, ErrMissingParam: {}, ErrInvalidParam: {},
	ErrTooLarge: {}, ErrExclusive: {}, ErrResourceLimitExceeded: {},
	ErrCannotLeaveServerNoticeRoom: {},
}

// IsRecognized reports whether code is one of the exhaustive M_* codes this
// module maps, per spec §4.1.
func IsRecognized(code ErrCode) bool {
	_, ok := recognizedErrCodes[code]
	return ok
}

// Error is the single error type returned across every async boundary in
// this module. Kind discriminates the cause; the remaining fields are
// populated only for the kinds that carry them.
type Error struct {
	Kind Kind

	// Populated when Kind == KindMatrixError.
	ErrCode      ErrCode
	Message      string
	RetryAfterMS int64 // only meaningful when ErrCode == ErrLimitExceeded

	// Wrapped cause, if any (transport failures, JSON decode errors, ...).
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMatrixError:
		if e.RetryAfterMS > 0 {
			return fmt.Sprintf("%s: %s (retry_after_ms=%d)", e.ErrCode, e.Message, e.RetryAfterMS)
		}
		return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a bare Error of the given kind, optionally wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Matrix constructs a KindMatrixError, carrying the retry-after hint so it is
// always surfaced to the caller regardless of which code path produced it
// (see SPEC_FULL.md §5 open-question decision).
func Matrix(code ErrCode, message string, retryAfterMS int64) *Error {
	return &Error{Kind: KindMatrixError, ErrCode: code, Message: message, RetryAfterMS: retryAfterMS}
}

// homeserverErrorBody is the minimal shape of a Matrix error response body.
type homeserverErrorBody struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// FromBody converts a parsed JSON object into a *Error if it is a
// well-formed homeserver error (an object with an "errcode" starting with
// "M_"), per spec §4.1. ok is false if body does not look like a Matrix
// error at all, in which case the caller should treat the body as a normal
// response.
func FromBody(body map[string]interface{}) (err *Error, ok bool) {
	rawCode, _ := body["errcode"].(string)
	if len(rawCode) < 2 || rawCode[:2] != "M_" {
		return nil, false
	}
	msg, _ := body["error"].(string)
	var retryAfter int64
	switch v := body["retry_after_ms"].(type) {
	case float64:
		retryAfter = int64(v)
	case int64:
		retryAfter = v
	}
	return Matrix(ErrCode(rawCode), msg, retryAfter), true
}
