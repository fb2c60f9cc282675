// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config is this module's ambient configuration layer: a single
// yaml-tagged Config tree with Defaults/Verify methods, in the same shape
// dendrite's setup/config package uses for its component configs, scoped
// down to what a Matrix client library needs (homeserver connection,
// client-side rate limiting, pickle persistence, one-time-key pool policy,
// Megolm rotation, and encrypted-media defaults) rather than a homeserver's
// registration/TURN/federation surface.
package config

import (
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"
)

// ConfigErrors collects every configuration problem found during Verify so
// a caller sees the whole list in one pass instead of failing on the first
// mistake, mirroring dendrite's setup/config.ConfigErrors.
type ConfigErrors []string

// Add appends a problem description.
func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

// Error satisfies the error interface so a non-empty ConfigErrors can be
// returned directly from Load.
func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	out := e[0]
	for _, msg := range e[1:] {
		out += "\n" + msg
	}
	return out
}

// DefaultOpts selects which optional defaults Defaults() fills in, mirroring
// dendrite's setup/config.DefaultOpts (there used to distinguish "generate a
// fresh config file" from "fill in only what's required to run").
type DefaultOpts struct {
	// Generate indicates defaults are being written out for a fresh config
	// file (as opposed to filling gaps in a partially-specified one).
	Generate bool
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// Config is the root of this module's configuration tree.
type Config struct {
	Homeserver    Homeserver    `yaml:"homeserver"`
	RateLimiting  RateLimiting  `yaml:"rate_limiting"`
	Pickle        Pickle        `yaml:"pickle"`
	OneTimeKeys   OneTimeKeys   `yaml:"one_time_keys"`
	RoomKeys      RoomKeys      `yaml:"room_keys"`
	Media         Media         `yaml:"media"`
}

// Defaults fills in every field Verify would otherwise reject, so a zero
// Config plus Defaults is always runnable.
func (c *Config) Defaults(opts DefaultOpts) {
	c.Homeserver.Defaults()
	c.RateLimiting.Defaults()
	c.Pickle.Defaults()
	c.OneTimeKeys.Defaults()
	c.RoomKeys.Defaults()
	c.Media.Defaults()
}

// Verify checks the whole tree, accumulating every problem into configErrs
// rather than stopping at the first one.
func (c *Config) Verify(configErrs *ConfigErrors) {
	c.Homeserver.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
	c.Pickle.Verify(configErrs)
	c.OneTimeKeys.Verify(configErrs)
	c.RoomKeys.Verify(configErrs)
	c.Media.Verify(configErrs)
}

// Load parses raw as YAML, fills defaults for anything unset, and verifies
// the result, returning the accumulated ConfigErrors (nil if none) as err.
func Load(raw []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	c.Defaults(DefaultOpts{})

	var errs ConfigErrors
	c.Verify(&errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return &c, nil
}

// Homeserver names the server this client instance talks to, and the
// timeouts the well-known/versions discovery probes in pkg/validate use.
type Homeserver struct {
	ServerName   spec.ServerName `yaml:"server_name"`
	BaseURL      string          `yaml:"base_url"`
	ProbeTimeout time.Duration   `yaml:"probe_timeout"`
}

func (h *Homeserver) Defaults() {
	if h.ProbeTimeout == 0 {
		h.ProbeTimeout = 10 * time.Second
	}
}

func (h *Homeserver) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver.server_name", string(h.ServerName))
	checkPositive(configErrs, "homeserver.probe_timeout", int64(h.ProbeTimeout))
}

// RateLimiting governs the client-side backoff tracker in pkg/transport:
// DefaultBackoff is used when the server gives no retry_after_ms, and
// MaxBackoff caps every backoff, whether server-advertised or default.
type RateLimiting struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultBackoff  time.Duration `yaml:"default_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	PerHostQueueCap int           `yaml:"per_host_queue_cap"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	if r.DefaultBackoff == 0 {
		r.DefaultBackoff = 500 * time.Millisecond
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 60 * time.Second
	}
	if r.PerHostQueueCap == 0 {
		r.PerHostQueueCap = 4
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	checkPositive(configErrs, "rate_limiting.default_backoff", int64(r.DefaultBackoff))
	checkPositive(configErrs, "rate_limiting.max_backoff", int64(r.MaxBackoff))
	checkPositive(configErrs, "rate_limiting.per_host_queue_cap", int64(r.PerHostQueueCap))
}

// Pickle configures where the engine's encrypted account/session pickle is
// persisted between runs. The bytes themselves always come back from
// Engine.GetPickle/GetPickleKey; this just names the file the caller writes
// them to and the env var holding the pickle passphrase.
type Pickle struct {
	StorePath string `yaml:"store_path"`
	KeyEnvVar string `yaml:"key_env_var"`
}

func (p *Pickle) Defaults() {
	if p.StorePath == "" {
		p.StorePath = "./cmatrix-pickle.json"
	}
	if p.KeyEnvVar == "" {
		p.KeyEnvVar = "CMATRIX_PICKLE_KEY"
	}
}

func (p *Pickle) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "pickle.store_path", p.StorePath)
	checkNotEmpty(configErrs, "pickle.key_env_var", p.KeyEnvVar)
}

// OneTimeKeys governs how aggressively the engine tops up its one-time-key
// pool (spec §4.5 "create_one_time_keys").
type OneTimeKeys struct {
	TargetPoolSize uint `yaml:"target_pool_size"`
	LowWaterMark   uint `yaml:"low_water_mark"`
}

func (o *OneTimeKeys) Defaults() {
	if o.TargetPoolSize == 0 {
		o.TargetPoolSize = 50
	}
	if o.LowWaterMark == 0 {
		o.LowWaterMark = 10
	}
}

func (o *OneTimeKeys) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "one_time_keys.target_pool_size", int64(o.TargetPoolSize))
	if o.LowWaterMark >= o.TargetPoolSize {
		configErrs.Add("one_time_keys.low_water_mark must be less than target_pool_size")
	}
}

// RoomKeys carries the Megolm rotation policy (spec §3 rotation triggers,
// SPEC_FULL.md §3.5), configurable instead of hardcoded as
// crypto.DefaultRoomKeyPolicy.
type RoomKeys struct {
	MaxMessages uint32 `yaml:"max_messages"`
	MaxAgeMS    int64  `yaml:"max_age_ms"`
}

func (r *RoomKeys) Defaults() {
	if r.MaxMessages == 0 {
		r.MaxMessages = 100
	}
	if r.MaxAgeMS == 0 {
		r.MaxAgeMS = 7 * 24 * 60 * 60 * 1000
	}
}

func (r *RoomKeys) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_keys.max_messages", int64(r.MaxMessages))
	checkPositive(configErrs, "room_keys.max_age_ms", r.MaxAgeMS)
}

// Media configures the AES-256-CTR encrypted media stream defaults (spec
// §5) and the per-host connection cap the file transfer client uses.
type Media struct {
	MaxUploadBytes     int64 `yaml:"max_upload_bytes"`
	ConnectionsPerHost int   `yaml:"connections_per_host"`
}

func (m *Media) Defaults() {
	if m.MaxUploadBytes == 0 {
		m.MaxUploadBytes = 50 * 1024 * 1024
	}
	if m.ConnectionsPerHost == 0 {
		m.ConnectionsPerHost = 4
	}
}

func (m *Media) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "media.max_upload_bytes", m.MaxUploadBytes)
	checkPositive(configErrs, "media.connections_per_host", int64(m.ConnectionsPerHost))
}
