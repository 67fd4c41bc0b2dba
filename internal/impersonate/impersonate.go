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

// Package impersonate exchanges a federated access token for a service
// account access token and signs blobs as a service account.
package impersonate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/retry"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	defaultTokenLifetime = "3600s"
	authHeaderKey        = "Authorization"
)

var (
	// for testing
	newRetryer = retry.New
)

// Options for [NewTokenProvider].
type Options struct {
	// Tp is the source credential used to generate a token on the
	// impersonated service account. Required.
	Tp stsauth.TokenProvider

	// URL is the endpoint to call to generate a token
	// on behalf of the service account. Required.
	URL string
	// Scopes that the impersonated credential should have. Required.
	Scopes []string
	// Delegates are the service account email addresses in a delegation chain.
	// Each service account must be granted roles/iam.serviceAccountTokenCreator
	// on the next service account in the chain. Optional.
	Delegates []string
	// TokenLifetimeSeconds is the number of seconds the impersonation token will
	// be valid for. Defaults to 1 hour if unset. Optional.
	TokenLifetimeSeconds int
	// Client configures the underlying client used to make network requests
	// when fetching tokens. Required.
	Client *http.Client
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o.Tp == nil {
		return errors.New("stsauth: missing required 'source_credentials' field in impersonated credentials")
	}
	if o.URL == "" {
		return errors.New("stsauth: missing required 'service_account_impersonation_url' field in impersonated credentials")
	}
	return nil
}

// NewTokenProvider uses a source credential, stored in Tp, to request an access token to the provided URL.
// Scopes can be defined when the access token is requested.
func NewTokenProvider(opts *Options) (stsauth.TokenProvider, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// GenerateAccessToken calls the generateAccessToken endpoint at opts.URL,
// authorized by opts.Tp, and returns the service account token.
func GenerateAccessToken(ctx context.Context, opts *Options) (*stsauth.Token, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts.Token(ctx)
}

type generateAccessTokenRequest struct {
	Delegates []string `json:"delegates,omitempty"`
	Lifetime  string   `json:"lifetime,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

type generateAccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireTime  string `json:"expireTime"`
}

// Token performs the exchange to get a temporary service account token to allow access to GCP.
func (o *Options) Token(ctx context.Context) (*stsauth.Token, error) {
	lifetime := defaultTokenLifetime
	if o.TokenLifetimeSeconds != 0 {
		lifetime = fmt.Sprintf("%ds", o.TokenLifetimeSeconds)
	}
	reqBody := generateAccessTokenRequest{
		Lifetime: lifetime,
		Scope:    o.Scopes,
	}
	for _, d := range o.Delegates {
		reqBody.Delegates = append(reqBody.Delegates, internal.FormatIAMServiceAccountResource(d))
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("stsauth: unable to marshal request: %w", err)
	}
	body, err := do(ctx, o.Client, o.Logger, o.Tp, o.URL, b)
	if err != nil {
		return nil, err
	}
	var accessTokenResp generateAccessTokenResponse
	if err := json.Unmarshal(body, &accessTokenResp); err != nil {
		return nil, &stsauth.ImpersonationError{Err: fmt.Errorf("stsauth: unable to parse response: %w", err)}
	}
	expiry, err := time.Parse(time.RFC3339, accessTokenResp.ExpireTime)
	if err != nil {
		return nil, &stsauth.ImpersonationError{Err: fmt.Errorf("stsauth: unable to parse expiry: %w", err)}
	}
	return &stsauth.Token{
		Value:  accessTokenResp.AccessToken,
		Expiry: expiry,
		Type:   internal.TokenTypeBearer,
	}, nil
}

// SignBlobOptions for [SignBlob].
type SignBlobOptions struct {
	// Tp authorizes the signBlob call. Required.
	Tp stsauth.TokenProvider
	// Email of the service account that signs the payload. Required.
	Email string
	// Delegates are the service account email addresses in a delegation chain.
	// Optional.
	Delegates []string
	// Payload is the data to sign. Required.
	Payload []byte
	// UniverseDomain selects the IAM credentials endpoint. Defaults to
	// googleapis.com.
	UniverseDomain string
	// Endpoint overrides the IAM credentials endpoint derived from
	// UniverseDomain. Optional.
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

// SignBlobResponse is the result of [SignBlob].
type SignBlobResponse struct {
	KeyID      string
	SignedBlob []byte
}

type signBlobRequest struct {
	Delegates []string `json:"delegates,omitempty"`
	Payload   string   `json:"payload"`
}

type signBlobResponse struct {
	KeyID      string `json:"keyId"`
	SignedBlob string `json:"signedBlob"`
}

// SignBlob signs opts.Payload with a system-managed key of the service
// account opts.Email.
func SignBlob(ctx context.Context, opts *SignBlobOptions) (*SignBlobResponse, error) {
	if opts.Tp == nil || opts.Email == "" {
		return nil, errors.New("stsauth: a token provider and service account email are required to sign")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		ud := opts.UniverseDomain
		if ud == "" {
			ud = internal.DefaultUniverseDomain
		}
		endpoint = "https://iamcredentials." + ud
	}
	url := fmt.Sprintf("%s/v1/%s:signBlob", endpoint, internal.FormatIAMServiceAccountResource(opts.Email))

	reqBody := signBlobRequest{Payload: base64.StdEncoding.EncodeToString(opts.Payload)}
	for _, d := range opts.Delegates {
		reqBody.Delegates = append(reqBody.Delegates, internal.FormatIAMServiceAccountResource(d))
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("stsauth: unable to marshal request: %w", err)
	}
	body, err := do(ctx, opts.Client, opts.Logger, opts.Tp, url, b)
	if err != nil {
		return nil, err
	}
	var resp signBlobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &stsauth.ImpersonationError{Err: fmt.Errorf("stsauth: unable to parse response: %w", err)}
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, &stsauth.ImpersonationError{Err: fmt.Errorf("stsauth: unable to decode signature: %w", err)}
	}
	return &SignBlobResponse{KeyID: resp.KeyID, SignedBlob: sig}, nil
}

// do POSTs a JSON body to url authorized by tp, retrying transient server
// failures. Client errors are never retried.
func do(ctx context.Context, client *http.Client, l *slog.Logger, tp stsauth.TokenProvider, url string, b []byte) ([]byte, error) {
	if client == nil {
		client = internal.CloneDefaultClient()
	}
	logger := internallog.New(l)
	tok, err := tp.Token(ctx)
	if err != nil {
		return nil, err
	}
	r := newRetryer()
	for {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("stsauth: unable to create impersonation request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(authHeaderKey, internal.TokenTypeBearer+" "+tok.Value)

		logger.DebugContext(ctx, "impersonated token request", "request", internallog.HTTPRequest(req, b))
		resp, body, err := internal.DoRequest(client, req)
		var status int
		if resp != nil {
			status = resp.StatusCode
			logger.DebugContext(ctx, "impersonated token response", "response", internallog.HTTPResponse(resp, body))
		}
		if err == nil && status >= http.StatusOK && status < http.StatusMultipleChoices {
			return body, nil
		}
		clientErr := status >= http.StatusBadRequest && status < http.StatusInternalServerError
		if !clientErr {
			if pause, ok := r.Retry(status, err); ok {
				if err := retry.Sleep(ctx, pause); err != nil {
					return nil, err
				}
				continue
			}
		}
		if err != nil {
			return nil, &stsauth.ImpersonationError{Err: &stsauth.Error{
				Err:     fmt.Errorf("stsauth: unable to call impersonation endpoint: %w", err),
				Retries: r.Attempts(),
			}}
		}
		return nil, &stsauth.ImpersonationError{Err: stsauth.NewErrorFromResponse(resp, body, r.Attempts())}
	}
}
