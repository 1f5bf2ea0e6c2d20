// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/kardianos/minwinsvc"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/element-hq/fedcore/setup"
	"github.com/element-hq/fedcore/setup/config"
)

var (
	configPath      = pflag.StringP("config", "c", "fedcore.yaml", "The path to the config file")
	httpBindAddr    = pflag.String("http-bind-address", ":8448", "The address to listen for federation traffic on")
	generateKeyPath = pflag.String("generate-key", "", "Write a new signing key to this path and exit")
	keyID           = pflag.String("key-id", "ed25519:auto", "The key ID to use with --generate-key")
	shutdownTimeout = pflag.Duration("shutdown-timeout", 30*time.Second, "How long to wait for components to stop")
)

func main() {
	pflag.Parse()

	if *generateKeyPath != "" {
		if err := generateKey(*generateKeyPath, *keyID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}

	server, err := setup.NewServer(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up server")
	}

	listener, err := net.Listen("tcp", *httpBindAddr)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to listen on %s", *httpBindAddr)
	}
	if err = server.Start(context.Background(), listener); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		logrus.Warnf("Received %s, shutting down", sig)
	case <-server.ProcessContext().WaitForShutdown():
	}

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err = server.Stop(ctx); err != nil {
		logrus.WithError(err).Error("Error during shutdown")
	}
	logrus.Info("Stopped")
}

func generateKey(path, keyID string) error {
	if !strings.HasPrefix(keyID, "ed25519:") {
		return fmt.Errorf("key ID %q must start with \"ed25519:\"", keyID)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close() // nolint: errcheck
	return config.WriteMatrixKey(f, gomatrixserverlib.KeyID(keyID), priv.Seed())
}
