// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// RetryState is the persisted backoff state of a remote server.
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}
