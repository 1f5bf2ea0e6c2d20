// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NotRetryingDestinationError is returned when a destination is backing off
// after earlier failures and was not contacted.
type NotRetryingDestinationError struct {
	Destination spec.ServerName
	RetryAfter  time.Time
}

func (e *NotRetryingDestinationError) Error() string {
	return fmt.Sprintf("not retrying %s until %s", e.Destination, e.RetryAfter.Format(time.RFC3339))
}

// DestinationsExhaustedError is returned when no destination could serve a
// request. It holds the error of every destination that was tried.
type DestinationsExhaustedError struct {
	Description string
	Errors      map[spec.ServerName]error
}

func (e *DestinationsExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: no destinations to try", e.Description)
	}
	parts := make([]string, 0, len(e.Errors))
	for destination, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", destination, err))
	}
	return fmt.Sprintf("%s failed on all destinations (%s)", e.Description, strings.Join(parts, "; "))
}

// IsAuthoritative reports whether err is a 3xx or 4xx response, meaning the
// remote server understood the request and refused it.
func IsAuthoritative(err error) bool {
	var httpErr gomatrix.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Code >= 300 && httpErr.Code < 500
}

// MatrixErrorCode returns the errcode of a Matrix error response, if err is
// one.
func MatrixErrorCode(err error) string {
	var httpErr gomatrix.HTTPError
	if !errors.As(err, &httpErr) {
		return ""
	}
	var respErr gomatrix.RespError
	if errors.As(httpErr.WrappedError, &respErr) {
		return respErr.ErrCode
	}
	return ""
}
