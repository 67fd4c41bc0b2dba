// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httptransport provides an [http.Client] that authorizes requests
// with [stsauth.Credentials].
package httptransport

import (
	"errors"
	"log/slog"
	"net/http"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options used to configure a [net/http.Client] from [NewClient].
type Options struct {
	// Credentials authorize every request made by the client. Required.
	Credentials *stsauth.Credentials
	// BaseRoundTripper overrides the base transport used for serving
	// requests. If specified, the transport is wrapped rather than replaced.
	// Optional.
	BaseRoundTripper http.RoundTripper
	// DisableTelemetry disables OpenTelemetry instrumentation of requests.
	// Optional.
	DisableTelemetry bool
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("httptransport: opts required to be non-nil")
	}
	if o.Credentials == nil {
		return errors.New("httptransport: Credentials required")
	}
	return nil
}

// NewClient returns a [net/http.Client] whose requests carry the
// Authorization and quota project headers of opts.Credentials. When the
// credentials have a Regional Access Boundary, the x-allowed-locations header
// is attached as well.
func NewClient(opts *Options) (*http.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	trans := opts.BaseRoundTripper
	if trans == nil {
		trans = internal.CloneDefaultClient().Transport
	}
	if !opts.DisableTelemetry {
		trans = otelhttp.NewTransport(trans)
	}
	return &http.Client{
		Transport: newAuthTransport(trans, opts.Credentials, opts.Logger),
	}, nil
}

// AddAuthorizationMiddleware adds a middleware to the provided client's
// transport that sets the Authorization header with the value produced by
// the provided [stsauth.Credentials]. An error is returned only if client or
// creds is nil.
func AddAuthorizationMiddleware(client *http.Client, creds *stsauth.Credentials) error {
	if client == nil || creds == nil {
		return errors.New("httptransport: client and creds must not be nil")
	}
	base := client.Transport
	if base == nil {
		if dt, ok := http.DefaultTransport.(*http.Transport); ok {
			base = dt.Clone()
		} else {
			// Directly reuse the DefaultTransport if the application has
			// replaced it with an implementation of RoundTripper other than
			// http.Transport.
			base = http.DefaultTransport
		}
	}
	client.Transport = newAuthTransport(base, creds, nil)
	return nil
}
