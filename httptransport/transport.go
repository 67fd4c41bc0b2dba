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

package httptransport

import (
	"log/slog"
	"net/http"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal/regionalaccessboundary"
	"github.com/googleapis/gax-go/v2/internallog"
)

type authTransport struct {
	creds  *stsauth.Credentials
	base   http.RoundTripper
	logger *slog.Logger
}

func newAuthTransport(base http.RoundTripper, creds *stsauth.Credentials, logger *slog.Logger) *authTransport {
	return &authTransport{
		creds:  creds,
		base:   base,
		logger: internallog.New(logger),
	}
}

// RoundTrip authorizes and makes the request. The headers added are:
//
//	Authorization: Bearer <token>
//	X-Goog-User-Project: <quota project>, when configured
//	x-allowed-locations: <boundary>, when one is cached
//
// A 403 response makes the credentials look up their boundary again.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqBodyClosed := false
	if req.Body != nil {
		defer func() {
			if !reqBodyClosed {
				req.Body.Close()
			}
		}()
	}
	ctx := req.Context()
	tok, err := t.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	md, err := t.creds.RequestMetadataFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}

	req2 := req.Clone(ctx)
	for k, v := range md {
		req2.Header[k] = v
	}
	reqURL := req.URL.String()
	rab, _ := tok.Metadata[regionalaccessboundary.ProviderKey].(*regionalaccessboundary.DataProvider)
	if rab != nil {
		if v := rab.GetHeaderValue(ctx, reqURL, tok); v != "" {
			req2.Header.Set(regionalaccessboundary.HeaderKey, v)
		}
	}

	// req.Body is assumed to be closed by the base RoundTripper.
	reqBodyClosed = true
	resp, err := t.base.RoundTrip(req2)
	if err != nil {
		return nil, err
	}
	if rab != nil && resp.StatusCode == http.StatusForbidden {
		t.logger.DebugContext(ctx, "request forbidden, refreshing regional access boundary", "url", reqURL)
		rab.OnStaleBoundary(ctx, reqURL, tok)
	}
	return resp, nil
}
