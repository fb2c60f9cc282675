// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package validate holds the Matrix ID / homeserver / phone / email
// validators and the well-known/version homeserver discovery probes
// (spec §4.2). Normalization follows the same trim-and-lowercase idiom
// dendrite's internal/util package uses for server names, emails and
// localparts, applied here to client-supplied identifiers before they're
// matched against the validation regexes.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/element-hq/libcmatrix-go/pkg/matrixtypes"
	"github.com/element-hq/libcmatrix-go/pkg/merrors"
)

// discoveryCache holds successful ProbeHomeserver results for 10 minutes so
// repeated login attempts against the same host don't re-probe well-known
// and /versions every time (spec §4.2 names no caching requirement; this is
// the same short-TTL, no-locking-required idiom dendrite reaches for with
// patrickmn/go-cache for request-scoped lookups, applied here client-side).
var discoveryCache = gocache.New(10*time.Minute, 15*time.Minute)

// NormalizeServerName trims whitespace and lowercases a homeserver name so
// that comparisons and regex matches are case-insensitive, mirroring
// dendrite's internal/util.NormalizeServerName.
func NormalizeServerName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeEmail trims whitespace and lowercases an email address for
// consistent matching, mirroring dendrite's internal/util.NormalizeEmail.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const maxUserIDLength = 255

var userIDPattern = regexp.MustCompile(`(?i)^@[A-Z0-9.=_-]+:(.+)$`)
var emailPattern = regexp.MustCompile(`(?i)^[[:alnum:]._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)
var phonePattern = regexp.MustCompile(`^\+[0-9]{10,15}$`)

// ValidUserName reports whether id matches the Matrix user ID grammar:
// "@localpart:homeserver", case-insensitive, total length <= 255, with a
// homeserver portion that is itself a valid homeserver host (spec §4.2 /
// §8 validator regression set).
func ValidUserName(id string) bool {
	if len(id) > maxUserIDLength {
		return false
	}
	m := userIDPattern.FindStringSubmatch(id)
	if m == nil {
		return false
	}
	host := m[1]
	// Reject a second '@' anywhere after the sigil — the regex is greedy on
	// the host portion so "@a:b@a:b" would otherwise slip through as
	// localpart="a", host="b@a:b".
	if strings.Count(id[1:], "@") > 0 {
		return false
	}
	return ValidHomeserver("https://" + host)
}

// ValidHomeserver reports whether raw parses as http(s)://host[/], with a
// non-empty host that does not end in '.' and an empty or "/" path
// (spec §4.2 / §8 homeserver validator).
func ValidHomeserver(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || strings.HasSuffix(u.Host, ".") {
		return false
	}
	if u.Path != "" && u.Path != "/" {
		return false
	}
	return true
}

// IsEmail reports whether s matches the Matrix email grammar in full
// (spec §4.2 / §8).
func IsEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// MobileIsValid reports whether s is a plausible E.164-ish phone number:
// '+' followed by 10-15 digits (spec §4.2 / §8).
func MobileIsValid(s string) bool {
	return phonePattern.MatchString(s)
}

// minProbeTimeout / maxProbeTimeout clamp caller-supplied probe timeouts
// (spec §4.2: "Both network probes share a timeout clamped to [5, 60] seconds").
const (
	minProbeTimeout = 5 * time.Second
	maxProbeTimeout = 60 * time.Second
)

func clampTimeout(d time.Duration) time.Duration {
	if d < minProbeTimeout {
		return minProbeTimeout
	}
	if d > maxProbeTimeout {
		return maxProbeTimeout
	}
	return d
}

// wellKnownClientResponse models the ".well-known/matrix/client" document
// far enough to read the base_url this module needs.
type wellKnownClientResponse struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// DiscoverHomeserver performs well-known discovery: GET
// https://<host>/.well-known/matrix/client and returns
// m.homeserver.base_url (spec §4.2).
func DiscoverHomeserver(ctx context.Context, host string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()

	wellKnownURL := "https://" + NormalizeServerName(host) + "/.well-known/matrix/client"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return "", merrors.New(merrors.KindInvalidData, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", merrors.New(merrors.KindTimedOut, ctx.Err())
		}
		return "", merrors.New(merrors.KindTransport, err)
	}
	defer resp.Body.Close()

	var doc wellKnownClientResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", merrors.New(merrors.KindInvalidData, err)
	}
	if doc.Homeserver.BaseURL == "" {
		return "", merrors.New(merrors.KindInvalidData, fmt.Errorf("well-known document missing m.homeserver.base_url"))
	}
	return doc.Homeserver.BaseURL, nil
}

var supportedVersionPrefixes = []string{"r0.5.", "r0.6.", "v1."}

type versionsResponse struct {
	Versions []string `json:"versions"`
}

// ProbeVersions GETs <server>/_matrix/client/versions and reports whether
// any advertised version begins with "r0.5.", "r0.6." or "v1." (spec §4.2).
func ProbeVersions(ctx context.Context, server string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()

	versionsURL := strings.TrimRight(server, "/") + "/_matrix/client/versions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionsURL, nil)
	if err != nil {
		return false, merrors.New(merrors.KindInvalidData, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, merrors.New(merrors.KindTimedOut, ctx.Err())
		}
		return false, merrors.New(merrors.KindTransport, err)
	}
	defer resp.Body.Close()

	var doc versionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return false, merrors.New(merrors.KindInvalidData, err)
	}
	for _, v := range doc.Versions {
		for _, prefix := range supportedVersionPrefixes {
			if strings.HasPrefix(v, prefix) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ProbeHomeserver combines well-known discovery and version probing into one
// call, returning the resolved base URL once a supported version has been
// confirmed — matching cm_utils_resolve_homeserver in the original source
// (SPEC_FULL.md §3.2).
func ProbeHomeserver(ctx context.Context, host string, timeout time.Duration) (string, error) {
	key := NormalizeServerName(host)
	if cached, ok := discoveryCache.Get(key); ok {
		return cached.(string), nil
	}

	baseURL, err := DiscoverHomeserver(ctx, host, timeout)
	if err != nil {
		return "", err
	}
	ok, err := ProbeVersions(ctx, baseURL, timeout)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", merrors.New(merrors.KindInvalidData, fmt.Errorf("homeserver %s does not advertise a supported client-server version", baseURL))
	}
	discoveryCache.SetDefault(key, baseURL)
	return baseURL, nil
}

// pusherGatewayResponse models the one shape CheckPusherValid accepts.
type pusherGatewayResponse struct {
	UnifiedPush struct {
		Gateway string `json:"gateway"`
	} `json:"unifiedpush"`
}

// CheckPusherValid performs a GET against pusher.URL; the body MUST be JSON
// containing {"unifiedpush":{"gateway":"matrix"}}, any other shape yields
// BadPushGateway (spec §4.6 "check_valid").
func CheckPusherValid(ctx context.Context, pusher matrixtypes.Pusher, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pusher.URL, nil)
	if err != nil {
		return merrors.New(merrors.KindBadPushGateway, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return merrors.New(merrors.KindBadPushGateway, err)
	}
	defer resp.Body.Close()

	var doc pusherGatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return merrors.New(merrors.KindBadPushGateway, fmt.Errorf("pusher gateway response was not valid JSON: %w", err))
	}
	if doc.UnifiedPush.Gateway != "matrix" {
		return merrors.New(merrors.KindBadPushGateway, fmt.Errorf("pusher gateway did not advertise unifiedpush.gateway=matrix"))
	}
	return nil
}

// WipeSecret overwrites buf with the recognizable byte 0xAD before release,
// matching the secret-wipe helper in DESIGN NOTES §9 / SPEC_FULL.md §3.2.
// Any buffer holding a pickle key, access token, raw AES key, or raw AES IV
// must be passed through this before it is dropped.
func WipeSecret(buf []byte) {
	for i := range buf {
		buf[i] = 0xAD
	}
}
