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

// Package stsexchange performs OAuth 2.0 token exchanges (RFC 8693) against a
// Security Token Service.
package stsexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/retry"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	// GrantType for a sts exchange.
	GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
	// TokenType for a sts exchange.
	TokenType = "urn:ietf:params:oauth:token-type:access_token"
)

var (
	// for testing
	now        = time.Now
	newRetryer = retry.New
)

// Options stores the configuration for making an sts exchange request.
type Options struct {
	Client         *http.Client
	Logger         *slog.Logger
	Endpoint       string
	Request        *TokenRequest
	Authentication ClientAuthentication
	Headers        http.Header
	// ExtraOpts are optional fields marshalled into the `options` field of the
	// request body.
	ExtraOpts map[string]interface{}
}

// TokenRequest contains fields necessary to make an oauth2 token
// exchange.
type TokenRequest struct {
	ActingParty struct {
		ActorToken     string
		ActorTokenType string
	}
	GrantType          string
	Resource           string
	Audience           string
	Scope              []string
	RequestedTokenType string
	SubjectToken       string
	SubjectTokenType   string
}

// TokenResponse is used to decode the remote server response during
// an oauth2 token exchange.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`

	// Expiry is ExpiresIn converted to an absolute time when the response was
	// received. It is zero if the response carried no expires_in.
	Expiry time.Time `json:"-"`
}

// ExchangeToken performs an oauth2 token exchange with the provided endpoint.
// Requests failing with a transient status are retried with exponential
// backoff. When retries are exhausted, or the status is not transient, the
// returned error is a [*stsauth.Error].
func ExchangeToken(ctx context.Context, opts *Options) (*TokenResponse, error) {
	client := opts.Client
	if client == nil {
		client = internal.CloneDefaultClient()
	}
	data := url.Values{}
	data.Set("audience", opts.Request.Audience)
	data.Set("grant_type", GrantType)
	data.Set("requested_token_type", TokenType)
	data.Set("subject_token_type", opts.Request.SubjectTokenType)
	data.Set("subject_token", opts.Request.SubjectToken)
	data.Set("scope", strings.Join(opts.Request.Scope, " "))
	if opts.Request.ActingParty.ActorToken != "" {
		data.Set("actor_token", opts.Request.ActingParty.ActorToken)
		data.Set("actor_token_type", opts.Request.ActingParty.ActorTokenType)
	}
	if opts.ExtraOpts != nil {
		o, err := json.Marshal(opts.ExtraOpts)
		if err != nil {
			return nil, fmt.Errorf("stsauth: failed to marshal additional options: %w", err)
		}
		data.Set("options", string(o))
	}
	headers := opts.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	opts.Authentication.InjectAuthentication(data, headers)
	encodedData := data.Encode()
	logger := internallog.New(opts.Logger)

	r := newRetryer()
	for {
		req, err := http.NewRequestWithContext(ctx, "POST", opts.Endpoint, strings.NewReader(encodedData))
		if err != nil {
			return nil, fmt.Errorf("stsauth: failed to properly build http request: %w", err)
		}
		for key, list := range headers {
			for _, val := range list {
				req.Header.Add(key, val)
			}
		}
		req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

		logger.DebugContext(ctx, "sts token request", "request", internallog.HTTPRequest(req, []byte(encodedData)))
		resp, body, err := internal.DoRequest(client, req)
		var status int
		if resp != nil {
			status = resp.StatusCode
			logger.DebugContext(ctx, "sts token response", "response", internallog.HTTPResponse(resp, body))
		}
		if err == nil && status >= http.StatusOK && status < http.StatusMultipleChoices {
			return parseResponse(body)
		}
		if pause, ok := r.Retry(status, err); ok {
			if err := retry.Sleep(ctx, pause); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, &stsauth.Error{
				Err:     fmt.Errorf("stsauth: invalid response from Secure Token Server: %w", err),
				Retries: r.Attempts(),
			}
		}
		return nil, stsauth.NewErrorFromResponse(resp, body, r.Attempts())
	}
}

func parseResponse(body []byte) (*TokenResponse, error) {
	received := now()
	var stsResp TokenResponse
	if err := json.Unmarshal(body, &stsResp); err != nil {
		return nil, fmt.Errorf("stsauth: failed to unmarshal response body from Secure Token Server: %w", err)
	}
	if stsResp.AccessToken == "" {
		return nil, errors.New("stsauth: missing access token in Secure Token Server response")
	}
	if stsResp.ExpiresIn < 0 {
		return nil, errors.New("stsauth: got invalid expiry from Secure Token Server")
	}
	if stsResp.ExpiresIn > 0 {
		stsResp.Expiry = received.Add(time.Duration(stsResp.ExpiresIn) * time.Second)
	}
	return &stsResp, nil
}
