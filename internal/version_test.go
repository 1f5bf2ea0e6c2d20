// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	assert.Equal(t, "0.1.0", VersionString())

	build, branch = "alpha", "main"
	defer func() { build, branch = "", "" }()
	assert.Equal(t, "0.1.0+alpha.main", VersionString())
}
