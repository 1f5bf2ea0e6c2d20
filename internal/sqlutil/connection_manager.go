// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/process"
)

type Connections struct {
	globalConfig        config.DatabaseOptions
	processContext      *process.ProcessContext
	existingConnections map[config.DataSource]*con
	mu                  sync.Mutex
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		globalConfig:        globalConfig,
		processContext:      processCtx,
		existingConnections: make(map[config.DataSource]*con),
	}
}

// Connection returns a shared database handle and writer for dbProperties, falling
// back to the global database options when the component doesn't define its own.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		// Use the global database options instead.
		dbProperties = &c.globalConfig
	}
	if dbProperties.ConnectionString == "" {
		return nil, nil, fmt.Errorf("no database connections configured")
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.existingConnections[dbProperties.ConnectionString]; ok {
		// We found an existing connection
		return existing.db, existing.writer, nil
	}

	// Open a new database connection using the supplied config.
	db, err := Open(dbProperties, writer)
	if err != nil {
		return nil, nil, err
	}
	c.existingConnections[dbProperties.ConnectionString] = &con{db: db, writer: writer}
	if c.processContext != nil {
		go func() {
			// If we have a ProcessContext, we should close the connection on shutdown.
			<-c.processContext.WaitForShutdown()
			if err := db.Close(); err != nil {
				logrus.WithError(err).Error("Failed to close database connection")
			}
			c.processContext.ComponentFinished()
		}()
		c.processContext.ComponentStarted()
	}
	return db, writer, nil
}
