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

// Package oauth2adapt helps convert between stsauth types and their
// golang.org/x/oauth2 counterparts.
package oauth2adapt

import (
	"context"
	"errors"

	"cloud.google.com/go/stsauth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// metadataKey holds the complete [stsauth.Token.Metadata] map inside the
// extra fields of an [oauth2.Token].
const metadataKey = "stsauth.metadata"

// TokenProviderFromTokenSource converts any [golang.org/x/oauth2.TokenSource]
// into a [cloud.google.com/go/stsauth.TokenProvider].
func TokenProviderFromTokenSource(ts oauth2.TokenSource) stsauth.TokenProvider {
	return &tokenProviderAdapter{ts: ts}
}

type tokenProviderAdapter struct {
	ts oauth2.TokenSource
}

// Token fulfills the [cloud.google.com/go/stsauth.TokenProvider] interface. It
// is a light wrapper around the underlying TokenSource.
func (tp *tokenProviderAdapter) Token(context.Context) (*stsauth.Token, error) {
	tok, err := tp.ts.Token()
	if err != nil {
		var err2 *oauth2.RetrieveError
		if ok := errors.As(err, &err2); ok {
			return nil, AuthErrorFromRetrieveError(err2)
		}
		return nil, err
	}
	return AuthTokenFromOauth2Token(tok), nil
}

// TokenSourceFromTokenProvider converts any
// [cloud.google.com/go/stsauth.TokenProvider] into a
// [golang.org/x/oauth2.TokenSource].
func TokenSourceFromTokenProvider(tp stsauth.TokenProvider) oauth2.TokenSource {
	return &tokenSourceAdapter{tp: tp}
}

type tokenSourceAdapter struct {
	tp stsauth.TokenProvider
}

// Token fulfills the [golang.org/x/oauth2.TokenSource] interface. It
// is a light wrapper around the underlying TokenProvider.
func (ts *tokenSourceAdapter) Token() (*oauth2.Token, error) {
	tok, err := ts.tp.Token(context.Background())
	if err != nil {
		var err2 *stsauth.Error
		if ok := errors.As(err, &err2); ok {
			return nil, addRetrieveErrorToAuthError(err2)
		}
		return nil, err
	}
	return Oauth2TokenFromAuthToken(tok), nil
}

// Oauth2TokenFromAuthToken converts a [stsauth.Token] to an [oauth2.Token].
// Metadata entries are available through [oauth2.Token.Extra] and survive a
// conversion back with [AuthTokenFromOauth2Token].
func Oauth2TokenFromAuthToken(tok *stsauth.Token) *oauth2.Token {
	if tok == nil {
		return nil
	}
	t := &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   tok.Type,
		Expiry:      tok.Expiry,
	}
	if tok.Metadata != nil {
		extra := make(map[string]interface{}, len(tok.Metadata)+1)
		for k, v := range tok.Metadata {
			extra[k] = v
		}
		extra[metadataKey] = tok.Metadata
		t = t.WithExtra(extra)
	}
	return t
}

// AuthTokenFromOauth2Token converts an [oauth2.Token] to a [stsauth.Token].
func AuthTokenFromOauth2Token(tok *oauth2.Token) *stsauth.Token {
	if tok == nil {
		return nil
	}
	t := &stsauth.Token{
		Value:  tok.AccessToken,
		Type:   tok.TokenType,
		Expiry: tok.Expiry,
	}
	if md, ok := tok.Extra(metadataKey).(map[string]interface{}); ok {
		t.Metadata = md
	}
	return t
}

// AuthErrorFromRetrieveError converts an [oauth2.RetrieveError] into a
// [stsauth.Error] that wraps it.
func AuthErrorFromRetrieveError(err *oauth2.RetrieveError) *stsauth.Error {
	return &stsauth.Error{
		Response: err.Response,
		Body:     err.Body,
		Err:      err,
	}
}

// addRetrieveErrorToAuthError returns an error that errors.As reports as
// both the original [stsauth.Error] and an equivalent
// [oauth2.RetrieveError].
func addRetrieveErrorToAuthError(err *stsauth.Error) *errWrapper {
	return &errWrapper{
		authErr: err,
		retrieveErr: &oauth2.RetrieveError{
			Response: err.Response,
			Body:     err.Body,
		},
	}
}

type errWrapper struct {
	authErr     *stsauth.Error
	retrieveErr *oauth2.RetrieveError
}

func (e *errWrapper) Error() string {
	return e.authErr.Error()
}

func (e *errWrapper) Unwrap() error {
	return e.authErr
}

func (e *errWrapper) As(target interface{}) bool {
	if re, ok := target.(**oauth2.RetrieveError); ok {
		*re = e.retrieveErr
		return true
	}
	return false
}

// Oauth2CredentialsFromAuthCredentials converts [stsauth.Credentials] into
// [google.Credentials], for use with libraries that still consume
// golang.org/x/oauth2.
func Oauth2CredentialsFromAuthCredentials(creds *stsauth.Credentials) *google.Credentials {
	if creds == nil {
		return nil
	}
	return &google.Credentials{
		TokenSource: TokenSourceFromTokenProvider(creds),
		JSON:        creds.JSON(),
		UniverseDomainProvider: func() (string, error) {
			return creds.UniverseDomain(context.Background())
		},
	}
}

// AuthCredentialsFromOauth2Credentials converts [google.Credentials] into
// [stsauth.Credentials].
func AuthCredentialsFromOauth2Credentials(creds *google.Credentials) *stsauth.Credentials {
	if creds == nil {
		return nil
	}
	return stsauth.NewCredentials(&stsauth.CredentialsOptions{
		TokenProvider: TokenProviderFromTokenSource(creds.TokenSource),
		JSON:          creds.JSON,
		UniverseDomainProvider: stsauth.CredentialsPropertyFunc(func(context.Context) (string, error) {
			return creds.GetUniverseDomain()
		}),
	})
}
