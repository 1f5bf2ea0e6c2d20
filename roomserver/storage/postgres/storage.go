// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"
	"fmt"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/shared"
	"github.com/element-hq/fedcore/setup/config"
	_ "github.com/lib/pq"
)

// Open a postgres database.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache caching.RoomServerCaches, maxStateDeltaHops int) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	if err = createTables(db); err != nil {
		return nil, err
	}
	return prepare(db, writer, cache, maxStateDeltaHops)
}

func createTables(db *sql.DB) error {
	for _, table := range []struct {
		name   string
		create func(*sql.DB) error
	}{
		{"rooms", CreateRoomsTable},
		{"events", CreateEventsTable},
		{"event edges", CreateEventEdgesTable},
		{"extremities", CreateExtremitiesTable},
		{"state groups", CreateStateGroupsTable},
		{"event state groups", CreateEventStateGroupsTable},
		// The current state migration reads roomserver_events.
		{"current state", CreateCurrentStateTable},
	} {
		if err := table.create(db); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
	}
	return nil
}

func prepare(db *sql.DB, writer sqlutil.Writer, cache caching.RoomServerCaches, maxStateDeltaHops int) (*shared.Database, error) {
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	graph, err := PrepareEventEdgesTable(db)
	if err != nil {
		return nil, err
	}
	extremities, err := PrepareExtremitiesTable(db)
	if err != nil {
		return nil, err
	}
	stateGroups, err := PrepareStateGroupsTable(db)
	if err != nil {
		return nil, err
	}
	eventStateGroups, err := PrepareEventStateGroupsTable(db)
	if err != nil {
		return nil, err
	}
	currentState, err := PrepareCurrentStateTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:                    db,
		Cache:                 cache,
		Writer:                writer,
		MaxStateDeltaHops:     maxStateDeltaHops,
		RoomsTable:            rooms,
		EventsTable:           events,
		EventGraphTable:       graph,
		ExtremitiesTable:      extremities,
		StateGroupsTable:      stateGroups,
		EventStateGroupsTable: eventStateGroups,
		CurrentStateTable:     currentState,
	}, nil
}
