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

// Package stsauth provides the token and credential types shared by the
// external account token exchange flows in this module.
package stsauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/stsauth/internal"
)

const (
	defaultExpiryDelta = 10 * time.Second

	quotaProjectHeaderKey = "X-Goog-User-Project"
)

var (
	// for testing
	timeNow = time.Now
)

// TokenProvider specifies an interface for anything that can return a token.
type TokenProvider interface {
	// Token returns a Token or an error.
	// The Token returned must be safe to use
	// concurrently.
	// The returned Token must not be modified.
	// The context provided must be sent along to any requests that are made in
	// the implementing code.
	Token(context.Context) (*Token, error)
}

// Token holds the credential token used to authorized requests. All fields are
// considered read-only.
type Token struct {
	// Value is the token used to authorize requests. It is usually an access
	// token.
	Value string
	// Type is the type of token Value is. If uninitialized, it should be
	// assumed to be a "Bearer" token.
	Type string
	// Expiry is the time the token is set to expire. A zero Expiry means the
	// token does not expire.
	Expiry time.Time
	// Metadata may include, but is not limited to, the body of the token
	// response returned by the server.
	Metadata map[string]interface{}
}

// IsValid reports that a [Token] is non-nil, has a [Token.Value], and has not
// expired. A token is considered expired if [Token.Expiry] has passed or will
// pass in the next 10 seconds.
func (t *Token) IsValid() bool {
	return t.isValidWithEarlyExpiry(defaultExpiryDelta)
}

func (t *Token) isValidWithEarlyExpiry(earlyExpiry time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return !t.Expiry.Round(0).Add(-earlyExpiry).Before(timeNow())
}

func (t *Token) tokenType() string {
	if t.Type == "" {
		return internal.TokenTypeBearer
	}
	return t.Type
}

// CachedTokenProviderOptions provided options for configuring a
// CachedTokenProvider.
type CachedTokenProviderOptions struct {
	// DisableAutoRefresh makes the TokenProvider always return the same token,
	// even if it is expired.
	DisableAutoRefresh bool
	// ExpireEarly configures the amount of time before a token expires, that it
	// should be refreshed. If unset, the default value is 10 seconds.
	ExpireEarly time.Duration
}

func (ctpo *CachedTokenProviderOptions) autoRefresh() bool {
	if ctpo == nil {
		return true
	}
	return !ctpo.DisableAutoRefresh
}

func (ctpo *CachedTokenProviderOptions) expireEarly() time.Duration {
	if ctpo == nil || ctpo.ExpireEarly == 0 {
		return defaultExpiryDelta
	}
	return ctpo.ExpireEarly
}

// NewCachedTokenProvider wraps a [TokenProvider] to cache the tokens returned
// by the underlying provider. A cached token is refreshed synchronously once it
// is absent or within the configured early expiry window.
func NewCachedTokenProvider(tp TokenProvider, opts *CachedTokenProviderOptions) TokenProvider {
	if ctp, ok := tp.(*cachedTokenProvider); ok {
		return ctp
	}
	return &cachedTokenProvider{
		tp:          tp,
		autoRefresh: opts.autoRefresh(),
		expireEarly: opts.expireEarly(),
	}
}

type cachedTokenProvider struct {
	tp          TokenProvider
	autoRefresh bool
	expireEarly time.Duration

	mu          sync.Mutex
	cachedToken *Token
}

func (c *cachedTokenProvider) Token(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken.isValidWithEarlyExpiry(c.expireEarly) || (c.cachedToken != nil && !c.autoRefresh) {
		return c.cachedToken, nil
	}
	t, err := c.tp.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.cachedToken = t
	return t, nil
}

// Error is a error associated with retrieving a [Token]. It can hold useful
// additional details for debugging.
type Error struct {
	// Response is the HTTP response associated with error. The body will always
	// be already closed and consumed.
	Response *http.Response
	// Body is the HTTP response body.
	Body []byte
	// Err is the underlying wrapped error.
	Err error
	// Retries is the number of retries attempted before the error was
	// returned.
	Retries int

	// code returned in the token response
	code string
	// description returned in the token response
	description string
	// uri returned in the token response
	uri string
}

// NewErrorFromResponse returns an [Error] for a non-2xx response. The
// OAuth2 error fields of body, if present, are surfaced in the message.
func NewErrorFromResponse(resp *http.Response, body []byte, retries int) *Error {
	e := &Error{Response: resp, Body: body, Retries: retries}
	e.code, e.description, e.uri = internal.ParseOAuthError(body)
	return e
}

func (e *Error) Error() string {
	if e.code != "" {
		s := fmt.Sprintf("stsauth: %q", e.code)
		if e.description != "" {
			s += fmt.Sprintf(" %q", e.description)
		}
		if e.uri != "" {
			s += fmt.Sprintf(" %q", e.uri)
		}
		return s
	}
	if e.Response == nil {
		return fmt.Sprintf("stsauth: cannot fetch token: %v", e.Err)
	}
	return fmt.Sprintf("stsauth: cannot fetch token: %v\nResponse: %s", e.Response.StatusCode, e.Body)
}

// Temporary returns true if the error is considered temporary and may be able
// to be retried. Without a Response, it reports whether the failed request was
// retried, which only happens for transient network errors.
func (e *Error) Temporary() bool {
	if e.Response == nil {
		return e.Retries > 0
	}
	sc := e.Response.StatusCode
	return sc == http.StatusInternalServerError ||
		sc == http.StatusServiceUnavailable ||
		sc == http.StatusRequestTimeout ||
		sc == http.StatusTooManyRequests
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Style describes how the token endpoint wants receive the ClientID and
// ClientSecret.
type Style int

const (
	// StyleUnknown means the value has not been initiated. Sending this in
	// a request will cause the token exchange to fail.
	StyleUnknown Style = 0
	// StyleInParams sends client info in the body of a POST request.
	StyleInParams Style = 1
	// StyleInHeader sends client info using Basic Authorization header.
	StyleInHeader Style = 2
)

// CredentialsPropertyProvider provides an implementation to fetch a property
// value for [Credentials].
type CredentialsPropertyProvider interface {
	GetProperty(context.Context) (string, error)
}

// CredentialsPropertyFunc is a type adapter to allow the use of ordinary
// functions as a [CredentialsPropertyProvider].
type CredentialsPropertyFunc func(context.Context) (string, error)

// GetProperty loads the properly value provided the given context.
func (p CredentialsPropertyFunc) GetProperty(ctx context.Context) (string, error) {
	return p(ctx)
}

// CredentialsOptions are used to configure [Credentials].
type CredentialsOptions struct {
	// TokenProvider is a means of sourcing a token for the credentials.
	// Required.
	TokenProvider TokenProvider
	// JSON is the raw contents of the credentials file if sourced from a file.
	JSON []byte
	// QuotaProjectIDProvider resolves the project ID used for quota and billing
	// purposes. Optional.
	QuotaProjectIDProvider CredentialsPropertyProvider
	// UniverseDomainProvider resolves the universe domain with the credentials.
	// Optional.
	UniverseDomainProvider CredentialsPropertyProvider
}

// Credentials holds Google credentials, including a [TokenProvider] and the
// properties needed to authorize outgoing requests.
type Credentials struct {
	json           []byte
	quotaProjectID CredentialsPropertyProvider
	universeDomain CredentialsPropertyProvider

	TokenProvider
}

// NewCredentials returns new [Credentials] from the provided options.
func NewCredentials(opts *CredentialsOptions) *Credentials {
	return &Credentials{
		TokenProvider:  opts.TokenProvider,
		json:           opts.JSON,
		quotaProjectID: opts.QuotaProjectIDProvider,
		universeDomain: opts.UniverseDomainProvider,
	}
}

// JSON returns the bytes associated with the file used to source
// credentials if one was used.
func (c *Credentials) JSON() []byte {
	return c.json
}

// QuotaProjectID returns the quota project ID associated with the credentials
// or an empty string if none is configured.
func (c *Credentials) QuotaProjectID(ctx context.Context) (string, error) {
	if c.quotaProjectID == nil {
		return "", nil
	}
	return c.quotaProjectID.GetProperty(ctx)
}

// UniverseDomain returns the default service domain for a given Cloud universe.
// The default value is "googleapis.com".
func (c *Credentials) UniverseDomain(ctx context.Context) (string, error) {
	if c.universeDomain == nil {
		return internal.DefaultUniverseDomain, nil
	}
	v, err := c.universeDomain.GetProperty(ctx)
	if err != nil {
		return "", err
	}
	if v == "" {
		return internal.DefaultUniverseDomain, nil
	}
	return v, nil
}

// RequestMetadata returns the headers needed to authorize a request: an
// Authorization header carrying the current token and, when a quota project
// is configured, an X-Goog-User-Project header. The token is refreshed first
// if it is missing or about to expire.
func (c *Credentials) RequestMetadata(ctx context.Context) (http.Header, error) {
	t, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	return c.RequestMetadataFromToken(ctx, t)
}

// RequestMetadataFromToken returns the same headers as [Credentials.RequestMetadata]
// for an already fetched token t.
func (c *Credentials) RequestMetadataFromToken(ctx context.Context, t *Token) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", t.tokenType()+" "+t.Value)
	qp, err := c.QuotaProjectID(ctx)
	if err != nil {
		return nil, err
	}
	if qp != "" {
		h.Set(quotaProjectHeaderKey, qp)
	}
	return h, nil
}
