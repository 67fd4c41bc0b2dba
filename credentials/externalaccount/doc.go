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

// Package externalaccount creates credentials for workload identity
// federation and workforce identity federation. A subject token issued by an
// external identity provider is exchanged at the Google Security Token
// Service for a federated access token, which may in turn be used to
// impersonate a service account.
//
// The subject token is read from one of several sources:
//
//   - a local file, refreshed by some other process (file-sourced);
//   - a local or metadata server GET endpoint (URL-sourced);
//   - AWS, by signing a GetCallerIdentity request with credentials from the
//     environment, the EC2 metadata server or a supplier;
//   - an executable that prints the token in a JSON envelope;
//   - a user supplied [SubjectTokenProvider].
//
// File and URL sourced tokens may be plain text or JSON; for JSON set
// [Format.SubjectTokenFieldName].
//
// Executable-sourced credentials run only when the environment variable
// GOOGLE_EXTERNAL_ACCOUNT_ALLOW_EXECUTABLES is set to 1. The executable must
// print a response of the form:
//
//	{
//	  "version": 1,
//	  "success": true,
//	  "token_type": "urn:ietf:params:oauth:token-type:id_token",
//	  "id_token": "HEADER.PAYLOAD.SIGNATURE",
//	  "expiration_time": 1620433341
//	}
//
// When an output file is configured, a still valid response cached there is
// used instead of running the executable.
//
// # Security considerations
//
// This package does not validate the token_url, token_info_url or
// service_account_impersonation_url fields of a credential configuration.
// Only use configurations you generated yourself, or verify that those URLs
// point to a googleapis.com domain.
package externalaccount
