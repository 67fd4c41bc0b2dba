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

// Package internal holds helpers shared by the packages of this module.
package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// TokenTypeBearer is the auth header prefix for bearer tokens.
	TokenTypeBearer = "Bearer"

	// DefaultUniverseDomain is the default value for universe domain.
	// Universe domain is the default service domain for a given Cloud universe.
	DefaultUniverseDomain = "googleapis.com"

	// Version is reported in the x-goog-api-client header.
	Version = "0.1.0"

	maxBodySize = 1 << 20
)

var (
	clonedTransport = sync.OnceValue(func() *http.Transport {
		return http.DefaultTransport.(*http.Transport).Clone()
	})
)

// CloneDefaultClient returns a [http.Client] with some good defaults.
func CloneDefaultClient() *http.Client {
	return &http.Client{
		Transport: clonedTransport(),
		Timeout:   30 * time.Second,
	}
}

// ReadAll consumes the whole reader and safely reads the content of its body
// with some overflow protection.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBodySize))
}

// DoRequest executes req and reads the response body. The response body is
// closed before returning. A non-nil response is returned alongside a read
// error so callers can inspect the status.
func DoRequest(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

// ParseOAuthError extracts the RFC 6749 error fields from a token endpoint
// response body. Empty strings are returned for fields that are absent or if
// the body is not JSON.
func ParseOAuthError(body []byte) (code, description, uri string) {
	var v struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
		URI         string `json:"error_uri"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", "", ""
	}
	return v.Code, v.Description, v.URI
}

// StaticCredentialsProperty is a helper for creating static credentials
// properties.
type StaticCredentialsProperty string

// GetProperty returns the property value.
func (p StaticCredentialsProperty) GetProperty(context.Context) (string, error) {
	return string(p), nil
}

// FormatIAMServiceAccountResource sets a service account name in an IAM resource
// name.
func FormatIAMServiceAccountResource(name string) string {
	return fmt.Sprintf("projects/-/serviceAccounts/%s", name)
}
