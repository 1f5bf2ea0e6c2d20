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
		`DELETE FROM federationsender_retry_state WHERE rowid NOT IN (
		   SELECT rowid FROM (
		     SELECT rowid, ROW_NUMBER() OVER (
		       PARTITION BY LOWER(server_name) ORDER BY retry_until DESC, server_name ASC
		     ) AS n FROM federationsender_retry_state
		   ) WHERE n = 1
		 )`,
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
