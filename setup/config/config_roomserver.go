// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// The room server database stores events, state groups and the current
	// state of every room this server participates in.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// The longest chain of state group deltas that may be built before a full
	// snapshot is stored instead.
	MaxStateDeltaHops int `yaml:"max_state_delta_hops"`

	// Inbound events referencing more prev_events or auth_events than these
	// limits are rejected outright.
	MaxPrevEvents int `yaml:"max_prev_events"`
	MaxAuthEvents int `yaml:"max_auth_events"`

	// The number of events requested from /get_missing_events when filling gaps.
	MissingEventsLimit int `yaml:"missing_events_limit"`

	// Gaps are only filled from /get_missing_events when the incoming event is
	// no deeper than this many levels below the current forward extremities.
	MaxMissingEventsDepthDelta int64 `yaml:"max_missing_events_depth_delta"`

	// The number of events requested per /backfill round trip.
	BackfillLimit int `yaml:"backfill_limit"`

	// How long a join can hold a room's inbound queue before buffered events
	// are released regardless.
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.MaxStateDeltaHops = 100
	c.MaxPrevEvents = 20
	c.MaxAuthEvents = 10
	c.MissingEventsLimit = 10
	c.MaxMissingEventsDepthDelta = 20
	c.BackfillLimit = 100
	c.JoinTimeout = 5 * time.Minute
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:roomserver.db"
		}
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "room_server.max_state_delta_hops", int64(c.MaxStateDeltaHops))
	checkPositive(configErrs, "room_server.max_prev_events", int64(c.MaxPrevEvents))
	checkPositive(configErrs, "room_server.max_auth_events", int64(c.MaxAuthEvents))
	checkPositive(configErrs, "room_server.missing_events_limit", int64(c.MissingEventsLimit))
	checkPositive(configErrs, "room_server.backfill_limit", int64(c.BackfillLimit))
	checkPositive(configErrs, "room_server.join_timeout", int64(c.JoinTimeout))
}
