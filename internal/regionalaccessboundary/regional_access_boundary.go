// Copyright 2024 Google LLC
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

// Package regionalaccessboundary looks up, caches and attaches the Regional
// Access Boundary (the set of locations a credential may be used from) for
// outgoing requests.
package regionalaccessboundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/retry"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	// ProviderKey is the key to fetch the DataProvider from Token Metadata.
	ProviderKey = "regionalaccessboundary.ProviderKey"

	// HeaderKey is the request header carrying the encoded boundary.
	HeaderKey = "x-allowed-locations"

	// serviceAccountAllowedLocationsEndpoint is the URL for fetching allowed locations for a given service account email.
	serviceAccountAllowedLocationsEndpoint = "https://iamcredentials.%s/v1/projects/-/serviceAccounts/%s/allowedLocations"
)

var (
	isEnabled = sync.OnceValue(isRegionalAccessBoundaryEnabled)

	// for testing
	newRetryer = retry.New
)

// IsEnabled reports whether the Regional Access Boundary feature is enabled.
// The environment is only read once.
func IsEnabled() bool {
	return isEnabled()
}

// isRegionalAccessBoundaryEnabled checks the
// GOOGLE_AUTH_REGIONAL_ACCESS_BOUNDARY_ENABLE_EXPERIMENT environment variable,
// falling back to GOOGLE_AUTH_TRUST_BOUNDARY_ENABLED. "true" and "1" (case
// insensitive) enable the feature; any other value or no value disables it.
func isRegionalAccessBoundaryEnabled() bool {
	for _, env := range []string{
		"GOOGLE_AUTH_REGIONAL_ACCESS_BOUNDARY_ENABLE_EXPERIMENT",
		"GOOGLE_AUTH_TRUST_BOUNDARY_ENABLED",
	} {
		if val, ok := os.LookupEnv(env); ok {
			val = strings.ToLower(val)
			return val == "true" || val == "1"
		}
	}
	return false
}

// Data is a Regional Access Boundary lookup result.
type Data struct {
	// Locations is the list of allowed locations.
	Locations []string
	// EncodedLocations is the encoded representation of Locations sent in
	// the x-allowed-locations header.
	EncodedLocations string
}

// HeaderValue returns the value of the x-allowed-locations header and
// whether it should be sent.
func (d *Data) HeaderValue() (string, bool) {
	if d == nil || d.EncodedLocations == "" {
		return "", false
	}
	return d.EncodedLocations, true
}

// ConfigProvider provides specific configuration for Regional Access Boundary lookups.
type ConfigProvider interface {
	// GetRegionalAccessBoundaryEndpoint returns the endpoint URL for the Regional Access Boundary lookup.
	GetRegionalAccessBoundaryEndpoint(ctx context.Context) (url string, err error)
	// GetUniverseDomain returns the universe domain associated with the credential.
	GetUniverseDomain(ctx context.Context) (string, error)
}

// AllowedLocationsResponse is the structure of the response from the Regional Access Boundary API.
type AllowedLocationsResponse struct {
	Locations        []string `json:"locations"`
	EncodedLocations string   `json:"encodedLocations"`
}

// fetchData fetches the Regional Access Boundary data from the API.
func fetchData(ctx context.Context, client *http.Client, url string, token *stsauth.Token, logger *slog.Logger) (*Data, error) {
	if logger == nil {
		logger = internallog.New(nil)
	}
	if client == nil {
		return nil, errors.New("regionalaccessboundary: HTTP client is required")
	}
	if url == "" {
		return nil, errors.New("regionalaccessboundary: URL cannot be empty")
	}
	if token == nil || token.Value == "" {
		return nil, errors.New("regionalaccessboundary: access token required for lookup API authentication")
	}
	typ := token.Type
	if typ == "" {
		typ = internal.TokenTypeBearer
	}

	retryer := newRetryer()
	var (
		response *http.Response
		body     []byte
		err      error
	)
	for {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if rerr != nil {
			return nil, fmt.Errorf("regionalaccessboundary: failed to create Regional Access Boundary request: %w", rerr)
		}
		req.Header.Set("Authorization", typ+" "+token.Value)
		logger.DebugContext(ctx, "Regional Access Boundary request", "request", internallog.HTTPRequest(req, nil))

		response, body, err = internal.DoRequest(client, req)
		var statusCode int
		if response != nil {
			statusCode = response.StatusCode
		}
		pause, shouldRetry := retryer.Retry(statusCode, err)
		if !shouldRetry {
			break
		}
		if err := retry.Sleep(ctx, pause); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("regionalaccessboundary: failed to fetch Regional Access Boundary: %w", err)
	}
	logger.DebugContext(ctx, "Regional Access Boundary response", "response", internallog.HTTPResponse(response, body))

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("regionalaccessboundary: Regional Access Boundary request failed with status: %s, body: %s", response.Status, string(body))
	}
	apiResponse := AllowedLocationsResponse{}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("regionalaccessboundary: failed to unmarshal Regional Access Boundary response: %w", err)
	}
	if apiResponse.EncodedLocations == "" {
		return nil, errors.New("regionalaccessboundary: invalid API response: encodedLocations is empty")
	}
	return &Data{Locations: apiResponse.Locations, EncodedLocations: apiResponse.EncodedLocations}, nil
}

// DataProvider wraps a [stsauth.TokenProvider] and attaches itself to every
// token it returns, so transports can find the boundary for the credential
// that authorized a request.
type DataProvider struct {
	manager        *Manager
	configProvider ConfigProvider
	logger         *slog.Logger
	base           stsauth.TokenProvider
}

// NewProvider wraps base and returns a provider that looks up and caches the
// Regional Access Boundary described by configProvider using client.
func NewProvider(client *http.Client, configProvider ConfigProvider, logger *slog.Logger, base stsauth.TokenProvider) (*DataProvider, error) {
	if client == nil {
		return nil, errors.New("regionalaccessboundary: HTTP client cannot be nil for DataProvider")
	}
	if configProvider == nil {
		return nil, errors.New("regionalaccessboundary: ConfigProvider cannot be nil for DataProvider")
	}
	if base == nil {
		return nil, errors.New("regionalaccessboundary: base TokenProvider cannot be nil for DataProvider")
	}
	logger = internallog.New(logger)
	return &DataProvider{
		manager:        NewManager(client, logger),
		configProvider: configProvider,
		logger:         logger,
		base:           base,
	}, nil
}

// Token retrieves a token from the base provider and returns a copy whose
// metadata references p under [ProviderKey].
func (p *DataProvider) Token(ctx context.Context) (*stsauth.Token, error) {
	token, err := p.base.Token(ctx)
	if err != nil {
		return nil, err
	}
	t := *token
	t.Metadata = make(map[string]interface{}, len(token.Metadata)+1)
	for k, v := range token.Metadata {
		t.Metadata[k] = v
	}
	t.Metadata[ProviderKey] = p
	return &t, nil
}

// GetHeaderValue returns the cached header value for a request to reqURL, or
// an empty string if none is cached. A background lookup is started when
// nothing is cached or the cached value is close to expiry.
func (p *DataProvider) GetHeaderValue(ctx context.Context, reqURL string, accessToken *stsauth.Token) string {
	if !p.applies(ctx, reqURL) {
		return ""
	}
	val, _ := p.manager.Cached().HeaderValue()
	p.refresh(ctx, accessToken, false)
	return val
}

// OnStaleBoundary drops the cached boundary and starts a new lookup. It is
// called when a request was rejected with 403.
func (p *DataProvider) OnStaleBoundary(ctx context.Context, reqURL string, accessToken *stsauth.Token) {
	if !p.applies(ctx, reqURL) {
		return
	}
	p.refresh(ctx, accessToken, true)
}

func (p *DataProvider) refresh(ctx context.Context, accessToken *stsauth.Token, reactive bool) {
	url, err := p.configProvider.GetRegionalAccessBoundaryEndpoint(ctx)
	if err != nil {
		p.logger.InfoContext(ctx, "regionalaccessboundary: error getting the lookup endpoint", "error", err)
		return
	}
	if reactive {
		p.manager.ReactiveRefresh(ctx, url, accessToken)
		return
	}
	p.manager.TriggerAsyncRefresh(ctx, url, accessToken)
}

// applies reports whether boundaries are used for reqURL. Regional endpoints
// and non-default universes are skipped.
func (p *DataProvider) applies(ctx context.Context, reqURL string) bool {
	if strings.Contains(reqURL, "rep.googleapis.com") || strings.Contains(reqURL, "rep.sandbox.googleapis.com") {
		return false
	}
	ud, err := p.configProvider.GetUniverseDomain(ctx)
	if err == nil && ud != "" && ud != internal.DefaultUniverseDomain {
		return false
	}
	return true
}

// serviceAccountConfig holds configuration for SA Regional Access Boundary lookups.
type serviceAccountConfig struct {
	ServiceAccountEmail string
	UniverseDomain      string
}

// NewServiceAccountConfigProvider creates a new config for service accounts.
func NewServiceAccountConfigProvider(saEmail, universeDomain string) ConfigProvider {
	return &serviceAccountConfig{
		ServiceAccountEmail: saEmail,
		UniverseDomain:      universeDomain,
	}
}

func (sac *serviceAccountConfig) GetRegionalAccessBoundaryEndpoint(ctx context.Context) (string, error) {
	if sac.ServiceAccountEmail == "" {
		return "", errors.New("regionalaccessboundary: service account email cannot be empty for config")
	}
	ud, _ := sac.GetUniverseDomain(ctx)
	return fmt.Sprintf(serviceAccountAllowedLocationsEndpoint, ud, sac.ServiceAccountEmail), nil
}

func (sac *serviceAccountConfig) GetUniverseDomain(ctx context.Context) (string, error) {
	if sac.UniverseDomain == "" {
		return internal.DefaultUniverseDomain, nil
	}
	return sac.UniverseDomain, nil
}
