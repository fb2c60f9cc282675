// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProduceAVerifiableConfig(t *testing.T) {
	var c Config
	c.Homeserver.ServerName = "example.org"
	c.Defaults(DefaultOpts{Generate: true})

	var errs ConfigErrors
	c.Verify(&errs)
	require.Empty(t, errs)
	require.Equal(t, 500*time.Millisecond, c.RateLimiting.DefaultBackoff)
	require.Equal(t, uint(50), c.OneTimeKeys.TargetPoolSize)
	require.Equal(t, uint32(100), c.RoomKeys.MaxMessages)
}

func TestVerifyRejectsMissingServerName(t *testing.T) {
	var c Config
	c.Defaults(DefaultOpts{})

	var errs ConfigErrors
	c.Verify(&errs)
	require.NotEmpty(t, errs)
	require.Contains(t, errs.Error(), "homeserver.server_name")
}

func TestOneTimeKeysRejectsLowWaterMarkNotBelowTarget(t *testing.T) {
	o := OneTimeKeys{TargetPoolSize: 10, LowWaterMark: 10}
	var errs ConfigErrors
	o.Verify(&errs)
	require.NotEmpty(t, errs)
}

func TestLoadParsesYAMLAndFillsDefaults(t *testing.T) {
	raw := []byte(`
homeserver:
  server_name: example.org
  base_url: https://example.org
rate_limiting:
  default_backoff: 250ms
`)
	c, err := Load(raw)
	require.NoError(t, err)
	require.Equal(t, spec.ServerName("example.org"), c.Homeserver.ServerName)
	require.Equal(t, 250*time.Millisecond, c.RateLimiting.DefaultBackoff)
	// Untouched sections still got their defaults.
	require.Equal(t, uint(50), c.OneTimeKeys.TargetPoolSize)
}

func TestLoadReturnsAllVerifyErrorsAtOnce(t *testing.T) {
	raw := []byte(`
one_time_keys:
  target_pool_size: 5
  low_water_mark: 5
`)
	_, err := Load(raw)
	require.Error(t, err)
	var errs ConfigErrors
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 2) // missing server_name + low_water_mark >= target
}
