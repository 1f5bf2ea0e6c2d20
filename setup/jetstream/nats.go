// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/process"
)

// NATSInstance holds the embedded NATS server, if one is running, and the
// shared client connection.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
}

var natsLock sync.Mutex

// DeleteAllStreams removes every stream this process declares. Used by tests
// that reuse a NATS deployment.
func DeleteAllStreams(js natsclient.JetStreamContext, cfg *config.JetStream) {
	for _, stream := range streams {
		_ = js.DeleteStream(cfg.Prefixed(stream.Name))
	}
}

// Prepare connects to NATS, starting an in-process server if no addresses
// are configured, and makes sure that the streams exist. Calling it again
// returns the existing connection.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	natsLock.Lock()
	defer natsLock.Unlock()

	if s.nc != nil {
		return s.js, s.nc, nil
	}
	if len(cfg.Addresses) != 0 {
		js, nc, err := setupNATS(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		s.js, s.nc = js, nc
		return js, nc, nil
	}

	if s.Server == nil {
		opts := &natsserver.Options{
			ServerName:      "fedcore",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
		}
		srv, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		if !cfg.NoLog {
			srv.SetLogger(NewLogAdapter(), opts.Debug, opts.Trace)
		}
		s.Server = srv
		go s.Start()
		process.ComponentStarted()
		go func() {
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Minute) {
		return nil, nil, fmt.Errorf("NATS did not start in time")
	}
	nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
	if err != nil {
		return nil, nil, fmt.Errorf("natsclient.Connect: %w", err)
	}
	js, nc, err := setupNATS(cfg, nc)
	if err != nil {
		return nil, nil, err
	}
	s.js, s.nc = js, nc
	return js, nc, nil
}

func setupNATS(cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	if nc == nil {
		var opts []natsclient.Option
		if cfg.DisableTLSValidation {
			opts = append(opts, natsclient.Secure(&tls.Config{
				InsecureSkipVerify: true,
			}))
		}
		var err error
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("natsclient.Connect: %w", err)
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			return nil, nil, fmt.Errorf("js.StreamInfo(%s): %w", name, err)
		}

		// Namespace a copy so that the shared declarations keep their
		// unprefixed names.
		namespaced := *stream
		namespaced.Name = name
		namespaced.Subjects = []string{name, name + ".>"}
		if cfg.InMemory {
			namespaced.Storage = natsclient.MemoryStorage
		}

		if info != nil {
			if info.Config.Retention == namespaced.Retention &&
				info.Config.Storage == namespaced.Storage &&
				reflect.DeepEqual(info.Config.Subjects, namespaced.Subjects) {
				continue
			}
			logrus.WithField("stream", name).Warn("Stream configuration changed, recreating it")
			if err = js.DeleteStream(name); err != nil {
				return nil, nil, fmt.Errorf("js.DeleteStream(%s): %w", name, err)
			}
		}
		if _, err = js.AddStream(&namespaced); err != nil {
			return nil, nil, fmt.Errorf("js.AddStream(%s): %w", name, err)
		}
	}
	return js, nc, nil
}
