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
	_, err := tx.ExecContext(ctx, `ALTER TABLE roomserver_current_state_events ADD COLUMN IF NOT EXISTS membership TEXT NOT NULL DEFAULT '';`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE roomserver_current_state_events c SET membership = COALESCE(e.event_json::jsonb->'content'->>'membership', '')
		FROM roomserver_events e
		WHERE e.event_id = c.event_id AND c.type = 'm.room.member' AND c.membership = '';`)
	if err != nil {
		return fmt.Errorf("failed to backfill memberships: %w", err)
	}
	return nil
}

func DownCurrentStateMembership(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE roomserver_current_state_events DROP COLUMN IF EXISTS membership;`)
	if err != nil {
		return fmt.Errorf("failed to execute downgrade: %w", err)
	}
	return nil
}
