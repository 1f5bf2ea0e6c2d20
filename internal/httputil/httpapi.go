// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var federationAPIRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving federation requests",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	},
	[]string{"handler", "code"},
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// MakeHTTPAPI wraps f with tracing, a request logger and, if enabled, a
// request duration histogram labelled with metricsName.
func MakeHTTPAPI(metricsName string, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		span := opentracing.StartSpan(metricsName)
		defer span.Finish()
		ext.HTTPMethod.Set(span, req.Method)
		ext.HTTPUrl.Set(span, req.URL.Path)

		logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
			"handler": metricsName,
			"req.id":  util.RandomString(12),
		})
		ctx := util.ContextWithLogger(opentracing.ContextWithSpan(req.Context(), span), logger)
		req = req.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		f(rec, req)
		ext.HTTPStatusCode.Set(span, uint16(rec.code))
		if enableMetrics {
			federationAPIRequestDuration.
				WithLabelValues(metricsName, http.StatusText(rec.code)).
				Observe(time.Since(start).Seconds())
		}
	}
	return http.HandlerFunc(withSpan)
}

// MakeJSONAPI is MakeHTTPAPI for handlers that produce a util.JSONResponse.
func MakeJSONAPI(metricsName string, enableMetrics bool, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	return MakeHTTPAPI(metricsName, enableMetrics, h.ServeHTTP)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// routeTemplate returns the gorilla/mux path template that matched req, so
// that metrics and limits aren't split per room or event ID.
func routeTemplate(req *http.Request) string {
	route := mux.CurrentRoute(req)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(tpl, "/")
}

// URLDecodeMapValues decodes the values of a map of path variables, as
// routers are set up with UseEncodedPath.
func URLDecodeMapValues(vmap map[string]string) (map[string]string, error) {
	decoded := make(map[string]string, len(vmap))
	for key, value := range vmap {
		decodedVal, err := url.PathUnescape(value)
		if err != nil {
			return make(map[string]string), err
		}
		decoded[key] = decodedVal
	}
	return decoded, nil
}
