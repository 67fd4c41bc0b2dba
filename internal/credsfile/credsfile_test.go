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

package credsfile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseExternalAccount(t *testing.T) {
	b := []byte(`{
		"type": "external_account",
		"audience": "//iam.googleapis.com/projects/123/locations/global/workloadIdentityPools/pool/providers/aws",
		"subject_token_type": "urn:ietf:params:aws:token-type:aws4_request",
		"token_url": "https://sts.googleapis.com/v1/token",
		"service_account_impersonation_url": "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/sa@p.iam.gserviceaccount.com:generateAccessToken",
		"service_account_impersonation": {"token_lifetime_seconds": 2800},
		"credential_source": {
			"environment_id": "aws1",
			"region_url": "http://169.254.169.254/latest/meta-data/placement/availability-zone",
			"url": "http://169.254.169.254/latest/meta-data/iam/security-credentials",
			"regional_cred_verification_url": "https://sts.{region}.amazonaws.com?Action=GetCallerIdentity&Version=2011-06-15",
			"imdsv2_session_token_url": "http://169.254.169.254/latest/api/token"
		},
		"quota_project_id": "qp"
	}`)
	got, err := ParseExternalAccount(b)
	if err != nil {
		t.Fatal(err)
	}
	want := &ExternalAccountFile{
		Type:                           "external_account",
		Audience:                       "//iam.googleapis.com/projects/123/locations/global/workloadIdentityPools/pool/providers/aws",
		SubjectTokenType:               "urn:ietf:params:aws:token-type:aws4_request",
		TokenURL:                       "https://sts.googleapis.com/v1/token",
		ServiceAccountImpersonationURL: "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/sa@p.iam.gserviceaccount.com:generateAccessToken",
		ServiceAccountImpersonation:    &ServiceAccountImpersonationInfo{TokenLifetimeSeconds: 2800},
		CredentialSource: &CredentialSource{
			EnvironmentID:               "aws1",
			RegionURL:                   "http://169.254.169.254/latest/meta-data/placement/availability-zone",
			URL:                         "http://169.254.169.254/latest/meta-data/iam/security-credentials",
			RegionalCredVerificationURL: "https://sts.{region}.amazonaws.com?Action=GetCallerIdentity&Version=2011-06-15",
			IMDSv2SessionTokenURL:       "http://169.254.169.254/latest/api/token",
		},
		QuotaProjectID: "qp",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseExternalAccount() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseExternalAccount_Executable(t *testing.T) {
	b := []byte(`{"type":"external_account","credential_source":{"executable":{"command":"/bin/token --flag","timeout_millis":5000,"output_file":"/tmp/out.json"}}}`)
	got, err := ParseExternalAccount(b)
	if err != nil {
		t.Fatal(err)
	}
	want := &ExecutableConfig{Command: "/bin/token --flag", TimeoutMillis: 5000, OutputFile: "/tmp/out.json"}
	if diff := cmp.Diff(want, got.CredentialSource.Executable); diff != "" {
		t.Errorf("executable mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFileType(t *testing.T) {
	tests := []struct {
		name    string
		b       string
		want    CredentialType
		wantErr bool
	}{
		{name: "external account", b: `{"type":"external_account"}`, want: ExternalAccountKey},
		{name: "service account", b: `{"type":"service_account"}`, want: UnknownCredType},
		{name: "bad json", b: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFileType([]byte(tt.b))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFileType() err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFileType() = %v, want %v", got, tt.want)
			}
		})
	}
}
