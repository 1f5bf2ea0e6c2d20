// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpCurrentStateMembership adds a membership column to roomserver_current_state_events
// and fills it in from the stored member events.
func UpCurrentStateMembership(ctx context.Context, tx *sql.Tx) error {
	// SQLite doesn't support IF NOT EXISTS for ADD COLUMN, so we need to check first
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('roomserver_current_state_events') WHERE name = 'membership'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if count == 0 {
		_, err = tx.ExecContext(ctx, `ALTER TABLE roomserver_current_state_events ADD COLUMN membership TEXT NOT NULL DEFAULT '';`)
		if err != nil {
			return fmt.Errorf("failed to execute upgrade: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE roomserver_current_state_events SET membership = COALESCE((
		SELECT json_extract(e.event_json, '$.content.membership') FROM roomserver_events e
		WHERE e.event_id = roomserver_current_state_events.event_id
	), '') WHERE type = 'm.room.member' AND membership = '';`)
	if err != nil {
		return fmt.Errorf("failed to backfill memberships: %w", err)
	}
	return nil
}

func DownCurrentStateMembership(ctx context.Context, tx *sql.Tx) error {
	// SQLite doesn't support DROP COLUMN in older versions, so we just leave the column
	return nil
}
