// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package util holds small helpers shared by the federation components.
package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName returns the canonical form of a server name, used as
// the key for backoff state, key lookups and rate limits: surrounding
// whitespace and a trailing root dot are dropped and the host is lowercased.
// A port is kept as given.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	s := strings.ToLower(strings.TrimSpace(string(name)))
	host, port := s, ""
	if i := strings.LastIndexByte(s, ':'); i >= 0 && !strings.HasSuffix(s, "]") {
		host, port = s[:i], s[i:]
	}
	host = strings.TrimSuffix(host, ".")
	return spec.ServerName(host + port)
}
