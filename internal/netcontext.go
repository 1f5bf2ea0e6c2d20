// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

var ErrDeniedAddress = errors.New("address is denied")

// GetDialer returns a dialer for outbound federation connections. When either
// network list is non-empty, every resolved address is checked before the
// connection is made so that remote servers can't steer us at internal hosts.
func GetDialer(allowNetworks, denyNetworks []string, dialTimeout time.Duration) (*net.Dialer, error) {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	if len(allowNetworks) == 0 && len(denyNetworks) == 0 {
		return dialer, nil
	}
	allow, err := parseCIDRs(allowNetworks)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	deny, err := parseCIDRs(denyNetworks)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	dialer.ControlContext = allowDenyNetworksControl(allow, deny)
	return dialer, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// allowDenyNetworksControl is used to allow/deny access to certain networks
func allowDenyNetworksControl(allow, deny []*net.IPNet) func(_ context.Context, network string, address string, conn syscall.RawConn) error {
	return func(_ context.Context, network string, address string, conn syscall.RawConn) error {
		if network != "tcp4" && network != "tcp6" {
			return fmt.Errorf("%s is not a safe network type", network)
		}

		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return fmt.Errorf("%s is not a valid host/port pair: %s", address, err)
		}

		ipaddress := net.ParseIP(host)
		if ipaddress == nil {
			return fmt.Errorf("%s is not a valid IP address", host)
		}

		if !isAllowed(ipaddress, allow, deny) {
			return ErrDeniedAddress
		}

		return nil // allow connection
	}
}

func isAllowed(ip net.IP, allow, deny []*net.IPNet) bool {
	if inRange(ip, deny) {
		return false
	}
	return inRange(ip, allow)
}

func inRange(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
