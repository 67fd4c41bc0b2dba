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

package header

import "testing"

func TestGoVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"go1.21", "1.21.0"},
		{"go1.21.3", "1.21.3"},
		{"go1.22rc1", "1.22.0-rc1"},
		{"devel +abc123 Mon Jan 1", "abc123"},
		{"weird", versionUnknown},
	}
	old := version
	defer func() { version = old }()
	for _, tt := range tests {
		version = func() string { return tt.in }
		if got := GoVersion(); got != tt.want {
			t.Errorf("GoVersion() with %q = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExternalAccountMetrics(t *testing.T) {
	old := version
	defer func() { version = old }()
	version = func() string { return "go1.23.0" }

	got := ExternalAccountMetrics("aws", true, false)
	want := "gl-go/1.23.0 auth/0.1.0 google-byoid-sdk source/aws sa-impersonation/true config-lifetime/false"
	if got != want {
		t.Errorf("ExternalAccountMetrics() = %q, want %q", got, want)
	}
}
