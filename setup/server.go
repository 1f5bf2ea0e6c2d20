// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package setup wires the components of fedcore into a running server.
package setup

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/federationapi"
	"github.com/element-hq/fedcore/federationapi/client"
	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/federationapi/routing"
	"github.com/element-hq/fedcore/federationapi/statistics"
	fedstorage "github.com/element-hq/fedcore/federationapi/storage"
	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/httputil"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/producers"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/jetstream"
	"github.com/element-hq/fedcore/setup/process"
)

const (
	// HTTPServerTimeout bounds how long a response may take to write.
	HTTPServerTimeout = time.Minute * 5

	statisticsSweepInterval = time.Hour
)

// Server is a federation server built from a configuration.
type Server struct {
	processCtx   *process.ProcessContext
	cfg          *config.FedCore
	httpServer   *http.Server
	natsInstance *jetstream.NATSInstance
	tracer       io.Closer
	serverMutex  sync.Mutex
	running      bool
}

// NewServer sets up logging and error reporting for cfg. Nothing listens
// until Start is called.
func NewServer(cfg *config.FedCore) (*Server, error) {
	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)

	logrus.Infof("fedcore version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Global.Sentry.DSN,
			Environment: cfg.Global.Sentry.Environment,
			Release:     "fedcore@" + internal.VersionString(),
		}); err != nil {
			return nil, fmt.Errorf("sentry.Init: %w", err)
		}
	}

	return &Server{
		processCtx:   process.NewProcessContext(),
		cfg:          cfg,
		natsInstance: &jetstream.NATSInstance{},
	}, nil
}

// Start builds every component and serves the federation API on listener.
func (s *Server) Start(ctx context.Context, listener net.Listener) error {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()

	if s.running {
		return nil
	}

	tracer, err := internal.SetupTracing(s.cfg, "fedcore")
	if err != nil {
		return fmt.Errorf("internal.SetupTracing: %w", err)
	}
	s.tracer = tracer

	handler, err := s.build()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:         listener.Addr().String(),
		WriteTimeout: HTTPServerTimeout,
		Handler:      handler,
		BaseContext: func(_ net.Listener) context.Context {
			return s.processCtx.Context()
		},
	}

	go func() {
		logrus.Infof("Starting federation listener on %s", listener.Addr().String())
		s.processCtx.ComponentStarted()
		defer s.processCtx.ComponentFinished()

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Failed to serve HTTP")
			s.processCtx.Degraded(err)
		}
		logrus.Info("HTTP server stopped")
	}()

	s.running = true
	return nil
}

// build opens the databases and NATS, and returns the router serving the
// federation, key and metrics endpoints.
func (s *Server) build() (http.Handler, error) {
	cfg := s.cfg
	conMan := sqlutil.NewConnectionManager(s.processCtx, cfg.Global.DatabaseOptions)
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, caching.EnableMetrics)

	rsDB, err := storage.Open(conMan, &cfg.RoomServer.Database, caches, cfg.RoomServer.MaxStateDeltaHops)
	if err != nil {
		return nil, fmt.Errorf("failed to open room server database: %w", err)
	}
	fedDB, err := fedstorage.NewDatabase(conMan, &cfg.FederationAPI.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open federation database: %w", err)
	}

	js, _, err := s.natsInstance.Prepare(s.processCtx, &cfg.Global.JetStream)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	var notifier api.Notifier = &producers.RoomEventProducer{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	}

	stats := statistics.NewStatistics(
		fedDB,
		cfg.FederationAPI.FederationMaxRetries+1,
		cfg.FederationAPI.FederationRetriesUntilAssumedOffline+1,
	)
	stats.StartSweeper(s.processCtx, statisticsSweepInterval)

	fedClient, err := client.NewClient(&cfg.FederationAPI, nil, caches, stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation client: %w", err)
	}
	keyRing := keyring.NewKeyRing(
		&cfg.Global, caches,
		[]gomatrixserverlib.KeyFetcher{keyring.NewDirectKeyFetcher(&cfg.Global, fedClient)},
		cfg.FederationAPI.VerifyWorkers,
	)
	fedClient.SetKeyRing(keyRing)

	inputer := roomserver.NewInternalAPI(&cfg.RoomServer, rsDB, fedClient, notifier)
	fedAPI := federationapi.NewInternalAPI(cfg, rsDB, fedClient, keyRing, inputer, stats)
	fedAPI.StartBackfillWorker(s.processCtx)

	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	if !cfg.Global.DisableFederation {
		federationapi.AddPublicRoutes(
			s.processCtx,
			externalRouter.PathPrefix(routing.PublicFederationPathPrefix).Subrouter(),
			externalRouter.PathPrefix(routing.PublicKeyPathPrefix).Subrouter(),
			&cfg.FederationAPI, fedAPI, keyRing,
		)
	}
	if cfg.Global.Metrics.Enabled {
		externalRouter.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), cfg.Global.Metrics.BasicAuth))
	}
	return externalRouter, nil
}

// Stop shuts every component down and waits for them to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.httpServer.Shutdown(ctx)
	s.processCtx.Shutdown()
	s.processCtx.WaitForComponentsToFinish()
	if s.tracer != nil {
		internal.CloseAndLogIfError(ctx, s.tracer, "Failed to close tracer")
	}
	sentry.Flush(2 * time.Second)
	return err
}

// ProcessContext returns the process context that components of the server
// run under.
func (s *Server) ProcessContext() *process.ProcessContext {
	return s.processCtx
}
