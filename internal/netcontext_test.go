// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDialerAllowDeny(t *testing.T) {
	t.Parallel()

	dialer, err := GetDialer([]string{"0.0.0.0/0"}, []string{"127.0.0.0/8", "10.0.0.0/8"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, dialer.ControlContext)

	tests := []struct {
		address string
		wantErr error
	}{
		{"127.0.0.1:8448", ErrDeniedAddress},
		{"10.1.2.3:8448", ErrDeniedAddress},
		{"203.0.113.9:8448", nil},
	}
	for _, tt := range tests {
		err := dialer.ControlContext(context.Background(), "tcp4", tt.address, nil)
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.address)
		} else {
			assert.ErrorIs(t, err, tt.wantErr, tt.address)
		}
	}

	assert.Error(t, dialer.ControlContext(context.Background(), "udp4", "203.0.113.9:8448", nil))
}

func TestGetDialerInvalidCIDR(t *testing.T) {
	t.Parallel()

	_, err := GetDialer([]string{"nonsense"}, nil, time.Second)
	assert.Error(t, err)
}

func TestGetDialerUnrestricted(t *testing.T) {
	t.Parallel()

	dialer, err := GetDialer(nil, nil, 3*time.Second)
	require.NoError(t, err)
	assert.Nil(t, dialer.ControlContext)
	assert.Equal(t, 3*time.Second, dialer.Timeout)
	assert.True(t, isAllowed(net.ParseIP("192.0.2.1"), mustCIDRs(t, "192.0.2.0/24"), nil))
}

func mustCIDRs(t *testing.T, cidrs ...string) []*net.IPNet {
	t.Helper()
	networks, err := parseCIDRs(cidrs)
	require.NoError(t, err)
	return networks
}
