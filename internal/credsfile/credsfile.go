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

// Package credsfile describes the JSON layout of external account credential
// files and parses them.
package credsfile

import (
	"encoding/json"
)

// CredentialType represents different credential filetypes Google credentials
// can be.
type CredentialType int

const (
	// UnknownCredType is an unidentified file type.
	UnknownCredType CredentialType = iota
	// ExternalAccountKey represents a file with a workload or workforce
	// identity pool credential configuration.
	ExternalAccountKey
)

// ExternalAccountFile is the JSON layout of an external account credential
// configuration.
type ExternalAccountFile struct {
	Type                           string                           `json:"type"`
	ClientID                       string                           `json:"client_id"`
	ClientSecret                   string                           `json:"client_secret"`
	Audience                       string                           `json:"audience"`
	SubjectTokenType               string                           `json:"subject_token_type"`
	ServiceAccountImpersonationURL string                           `json:"service_account_impersonation_url"`
	TokenURL                       string                           `json:"token_url"`
	CredentialSource               *CredentialSource                `json:"credential_source,omitempty"`
	TokenInfoURL                   string                           `json:"token_info_url"`
	ServiceAccountImpersonation    *ServiceAccountImpersonationInfo `json:"service_account_impersonation,omitempty"`
	QuotaProjectID                 string                           `json:"quota_project_id"`
	WorkforcePoolUserProject       string                           `json:"workforce_pool_user_project"`
	UniverseDomain                 string                           `json:"universe_domain"`
}

// ServiceAccountImpersonationInfo has impersonation configuration.
type ServiceAccountImpersonationInfo struct {
	TokenLifetimeSeconds int `json:"token_lifetime_seconds"`
}

// CredentialSource stores the information necessary to retrieve a subject
// token. Exactly one of File, URL, Executable or EnvironmentID is expected
// to be set.
type CredentialSource struct {
	File                        string            `json:"file"`
	URL                         string            `json:"url"`
	Headers                     map[string]string `json:"headers"`
	Executable                  *ExecutableConfig `json:"executable,omitempty"`
	EnvironmentID               string            `json:"environment_id"`
	RegionURL                   string            `json:"region_url"`
	RegionalCredVerificationURL string            `json:"regional_cred_verification_url"`
	IMDSv2SessionTokenURL       string            `json:"imdsv2_session_token_url"`
	Format                      *Format           `json:"format,omitempty"`
}

// Format describes the format of a subject token read from a file or URL.
type Format struct {
	// Type is either "text" or "json". When not provided "text" type is
	// assumed.
	Type string `json:"type"`
	// SubjectTokenFieldName is only required for JSON format. This would be
	// "access_token" for azure.
	SubjectTokenFieldName string `json:"subject_token_field_name"`
}

// ExecutableConfig represents the command to run for an executable
// credential source.
type ExecutableConfig struct {
	Command       string `json:"command"`
	TimeoutMillis int    `json:"timeout_millis"`
	OutputFile    string `json:"output_file"`
}

// ParseExternalAccount parses bytes into a [ExternalAccountFile].
func ParseExternalAccount(b []byte) (*ExternalAccountFile, error) {
	var f *ExternalAccountFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

type fileTypeChecker struct {
	Type string `json:"type"`
}

// ParseFileType determines the [CredentialType] based on bytes provided.
// Only returns error for json.Unmarshal.
// Returns UnknownCredType if no match.
func ParseFileType(b []byte) (CredentialType, error) {
	var f fileTypeChecker
	if err := json.Unmarshal(b, &f); err != nil {
		return 0, err
	}
	if f.Type == "external_account" {
		return ExternalAccountKey, nil
	}
	return UnknownCredType, nil
}
