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

package stsauth

import "fmt"

// ConfigError reports a malformed or contradictory credential configuration.
// It is returned when credentials are constructed, never during a refresh.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// SubjectTokenError reports a failure to retrieve a subject token from its
// source. Source names the kind of source, for example "file" or "aws".
type SubjectTokenError struct {
	Source string
	Err    error
}

func (e *SubjectTokenError) Error() string { return e.Err.Error() }

func (e *SubjectTokenError) Unwrap() error { return e.Err }

// ImpersonationError reports a failed call to the service account
// impersonation endpoint. When the endpoint answered, Err is an [*Error].
type ImpersonationError struct {
	Err error
}

func (e *ImpersonationError) Error() string { return e.Err.Error() }

func (e *ImpersonationError) Unwrap() error { return e.Err }

// PluggableAuthError is returned when an executable reports that it could not
// produce a subject token. Code and Message are taken verbatim from the
// executable response.
type PluggableAuthError struct {
	Code    string
	Message string
}

func (e *PluggableAuthError) Error() string {
	return fmt.Sprintf("stsauth: response contains unsuccessful response: (%v) %v", e.Code, e.Message)
}
