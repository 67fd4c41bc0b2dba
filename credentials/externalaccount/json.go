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

package externalaccount

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal/credsfile"
)

// JSONOptions customizes [Credentials] created from a credential
// configuration file.
type JSONOptions struct {
	// Scopes contains the desired scopes for the returned access token.
	// Optional.
	Scopes []string
	// EarlyTokenRefresh is how long before expiry a cached token is
	// refreshed. Optional.
	EarlyTokenRefresh time.Duration
	// Client configures the underlying client used to make network requests
	// when fetching tokens. Optional.
	Client *http.Client
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

// NewCredentialsFromJSON returns [Credentials] for the external_account
// credential configuration in b, as generated by
// `gcloud iam workload-identity-pools create-cred-config`. opts may be nil.
func NewCredentialsFromJSON(b []byte, opts *JSONOptions) (*Credentials, error) {
	ft, err := credsfile.ParseFileType(b)
	if err != nil {
		return nil, &stsauth.ConfigError{Err: fmt.Errorf("stsauth: unable to parse credentials: %w", err)}
	}
	if ft != credsfile.ExternalAccountKey {
		return nil, &stsauth.ConfigError{Err: fmt.Errorf("stsauth: unsupported credential type, want %q", "external_account")}
	}
	f, err := credsfile.ParseExternalAccount(b)
	if err != nil {
		return nil, &stsauth.ConfigError{Err: fmt.Errorf("stsauth: unable to parse credentials: %w", err)}
	}
	if opts == nil {
		opts = &JSONOptions{}
	}
	o := &Options{
		Audience:                       f.Audience,
		SubjectTokenType:               f.SubjectTokenType,
		TokenURL:                       f.TokenURL,
		TokenInfoURL:                   f.TokenInfoURL,
		ServiceAccountImpersonationURL: f.ServiceAccountImpersonationURL,
		ClientSecret:                   f.ClientSecret,
		ClientID:                       f.ClientID,
		QuotaProjectID:                 f.QuotaProjectID,
		Scopes:                         opts.Scopes,
		WorkforcePoolUserProject:       f.WorkforcePoolUserProject,
		UniverseDomain:                 f.UniverseDomain,
		EarlyTokenRefresh:              opts.EarlyTokenRefresh,
		Client:                         opts.Client,
		Logger:                         opts.Logger,
	}
	if f.ServiceAccountImpersonation != nil {
		o.ServiceAccountImpersonationLifetimeSeconds = f.ServiceAccountImpersonation.TokenLifetimeSeconds
	}
	if cs := f.CredentialSource; cs != nil {
		o.CredentialSource = &CredentialSource{
			File:                        cs.File,
			URL:                         cs.URL,
			Headers:                     cs.Headers,
			EnvironmentID:               cs.EnvironmentID,
			RegionURL:                   cs.RegionURL,
			RegionalCredVerificationURL: cs.RegionalCredVerificationURL,
			IMDSv2SessionTokenURL:       cs.IMDSv2SessionTokenURL,
		}
		if cs.Executable != nil {
			o.CredentialSource.Executable = &ExecutableConfig{
				Command:       cs.Executable.Command,
				TimeoutMillis: cs.Executable.TimeoutMillis,
				OutputFile:    cs.Executable.OutputFile,
			}
		}
		if cs.Format != nil {
			o.CredentialSource.Format = &Format{
				Type:                  cs.Format.Type,
				SubjectTokenFieldName: cs.Format.SubjectTokenFieldName,
			}
		}
	}
	return newCredentials(o, b)
}
