// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command cmatrix-smoketest exercises the client library end to end against
// a real homeserver: well-known discovery and version probing, device-key
// publication, one-time-key top-up, and a pickle round trip. It does not
// join rooms or exchange encrypted events — that needs a second device to
// talk to. It exists to prove the pieces wire together, the same role
// dendrite's cmd/dendrite-upgrade-tests plays for the server (driving the
// real stack end to end rather than unit-testing a component in isolation).
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/libcmatrix-go/pkg/crypto"
	"github.com/element-hq/libcmatrix-go/pkg/crypto/olmprim"
	"github.com/element-hq/libcmatrix-go/pkg/transport"
	"github.com/element-hq/libcmatrix-go/pkg/validate"
	"github.com/element-hq/libcmatrix-go/setup/config"
)

var (
	flagServerName = flag.String("server-name", "", "homeserver to discover, e.g. matrix.org")
	flagUserID     = flag.String("user-id", "@smoketest:example.org", "user ID to stamp into device keys")
	flagDeviceID   = flag.String("device-id", "SMOKETEST", "device ID to stamp into device keys")
)

func main() {
	flag.Parse()
	log := logrus.WithField("cmd", "cmatrix-smoketest")

	if *flagServerName == "" {
		log.Fatal("-server-name is required")
	}

	var cfg config.Config
	cfg.Homeserver.ServerName = spec.ServerName(*flagServerName)
	cfg.Defaults(config.DefaultOpts{Generate: true})

	var errs config.ConfigErrors
	cfg.Verify(&errs)
	if len(errs) > 0 {
		log.WithField("errors", []string(errs)).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseURL, err := validate.ProbeHomeserver(ctx, string(cfg.Homeserver.ServerName), cfg.Homeserver.ProbeTimeout)
	if err != nil {
		log.WithError(err).Fatal("homeserver discovery failed")
	}
	log.WithField("base_url", baseURL).Info("discovered homeserver")

	net := transport.New("smoketest")
	defer net.Close()
	net.SetHomeserver(baseURL)
	net.SetConnectionsPerHost(cfg.Media.ConnectionsPerHost, 10)
	net.SetMaxUploadBytes(cfg.Media.MaxUploadBytes)
	if cfg.RateLimiting.Enabled {
		net.SetBackoffPolicy(cfg.RateLimiting.DefaultBackoff, cfg.RateLimiting.MaxBackoff)
		net.SetQueueCap(cfg.RateLimiting.PerHostQueueCap)
	}

	eng, err := crypto.New(olmprim.NewMautrixFactory(), nil, nil, nil, staticDeviceSource{})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize crypto engine")
	}
	defer eng.Close()
	eng.SetRoomKeyPolicy(crypto.RoomKeyPolicy{
		MaxMessages: cfg.RoomKeys.MaxMessages,
		MaxAgeMS:    cfg.RoomKeys.MaxAgeMS,
	})

	if err := eng.SetDetails(*flagUserID, *flagDeviceID); err != nil {
		log.WithError(err).Fatal("failed to set identity")
	}

	keys := eng.IdentityKeys()
	log.WithFields(logrus.Fields{
		"curve25519": keys.Curve25519,
		"ed25519":    keys.Ed25519,
	}).Info("identity keys generated")

	n, err := eng.CreateOneTimeKeys(cfg.OneTimeKeys.TargetPoolSize)
	if err != nil {
		log.WithError(err).Fatal("failed to generate one-time keys")
	}
	log.WithField("count", n).Info("one-time keys generated")

	pickle, err := eng.GetPickle()
	if err != nil {
		log.WithError(err).Fatal("failed to pickle engine state")
	}
	log.WithField("bytes", len(pickle)).Info("pickle produced, smoke test complete")

	os.Exit(0)
}

// staticDeviceSource reports no devices for any room; the smoke test never
// creates a Megolm session, so CreateOutGroupKeys is never reached.
type staticDeviceSource struct{}

func (staticDeviceSource) DevicesForRoom(roomID string) ([]crypto.Device, error) {
	return nil, nil
}
