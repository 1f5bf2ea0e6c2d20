// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
)

// UpNormalizeServerNames lowercases server names in the retry state table,
// keeping the most recent backoff where two names differ only by case.
func UpNormalizeServerNames(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`DELETE FROM federationsender_retry_state a USING federationsender_retry_state b
		  WHERE LOWER(a.server_name) = LOWER(b.server_name)
		    AND a.server_name <> b.server_name
		    AND (a.retry_until < b.retry_until OR (a.retry_until = b.retry_until AND a.server_name > b.server_name))`,
		`UPDATE federationsender_retry_state SET server_name = LOWER(server_name) WHERE server_name <> LOWER(server_name)`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func DownNormalizeServerNames(ctx context.Context, tx *sql.Tx) error {
	return nil
}
