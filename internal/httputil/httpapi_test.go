// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestWrapHandlerInBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, tc := range []struct {
		name     string
		auth     BasicAuth
		username string
		password string
		want     int
	}{
		{name: "disabled", want: http.StatusOK},
		{name: "username only disables auth", auth: BasicAuth{Username: "metrics"}, want: http.StatusOK},
		{name: "password only disables auth", auth: BasicAuth{Password: "secret"}, want: http.StatusOK},
		{name: "correct credentials", auth: BasicAuth{Username: "metrics", Password: "secret"}, username: "metrics", password: "secret", want: http.StatusOK},
		{name: "wrong password", auth: BasicAuth{Username: "metrics", Password: "secret"}, username: "metrics", password: "guess", want: http.StatusForbidden},
		{name: "missing credentials", auth: BasicAuth{Username: "metrics", Password: "secret"}, want: http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/metrics", nil)
			if tc.username != "" {
				req.SetBasicAuth(tc.username, tc.password)
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(ok, tc.auth)(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestURLDecodeMapValues(t *testing.T) {
	decoded, err := URLDecodeMapValues(map[string]string{
		"roomID":  "%21abc%3Aremote.example",
		"eventID": "%24event%2Fwith%2Fslashes",
		"plain":   "v1",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"roomID":  "!abc:remote.example",
		"eventID": "$event/with/slashes",
		"plain":   "v1",
	}, decoded)

	_, err = URLDecodeMapValues(map[string]string{"roomID": "%zz"})
	require.Error(t, err)
}

func TestMakeHTTPAPIRecordsDurationHistogram(t *testing.T) {
	federationAPIRequestDuration.Reset()

	handler := MakeHTTPAPI("test_http_duration", true, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/_matrix/federation/v1/version", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	metrics := make(chan prometheus.Metric, 10)
	federationAPIRequestDuration.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		labels := map[string]string{}
		for _, label := range dtoMetric.GetLabel() {
			labels[label.GetName()] = label.GetValue()
		}
		if labels["handler"] == "test_http_duration" {
			found = true
			require.Equal(t, http.StatusText(http.StatusNoContent), labels["code"])
			require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single observed request")
			require.Greater(t, dtoMetric.GetHistogram().GetSampleSum(), float64(0), "expected positive observed duration")
		}
	}
	require.True(t, found, "expected histogram metric for handler test_http_duration")
}

func TestMakeJSONAPIWritesResponse(t *testing.T) {
	handler := MakeJSONAPI("test_json", false, func(req *http.Request) util.JSONResponse {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("not in room"),
		}
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "M_FORBIDDEN")
}
