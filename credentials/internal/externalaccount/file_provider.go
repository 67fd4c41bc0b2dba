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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/credsfile"
)

const (
	fileProviderType = "file"
	fileTypeText     = "text"
	fileTypeJSON     = "json"
)

type fileSubjectProvider struct {
	File   string
	Format *credsfile.Format
}

func (sp *fileSubjectProvider) subjectToken(context.Context) (string, error) {
	tokenFile, err := os.Open(sp.File)
	if err != nil {
		return "", fmt.Errorf("stsauth: failed to open credential file %q: %w", sp.File, err)
	}
	defer tokenFile.Close()
	tokenBytes, err := internal.ReadAll(tokenFile)
	if err != nil {
		return "", fmt.Errorf("stsauth: failed to read credential file %q: %w", sp.File, err)
	}
	return parseFormattedToken(bytes.TrimSpace(tokenBytes), sp.Format)
}

func (sp *fileSubjectProvider) providerType() string {
	return fileProviderType
}

// parseFormattedToken extracts a subject token from the contents of a file or
// URL response. A nil format is treated as text.
func parseFormattedToken(b []byte, format *credsfile.Format) (string, error) {
	typ := fileTypeText
	if format != nil && format.Type != "" {
		typ = format.Type
	}
	switch typ {
	case fileTypeText:
		return string(b), nil
	case fileTypeJSON:
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			return "", fmt.Errorf("stsauth: failed to unmarshal subject token: %w", err)
		}
		val, ok := m[format.SubjectTokenFieldName]
		if !ok {
			return "", errors.New("stsauth: provided subject_token_field_name not found in credentials")
		}
		token, ok := val.(string)
		if !ok {
			return "", errors.New("stsauth: improperly formatted subject token")
		}
		return token, nil
	default:
		return "", fmt.Errorf("stsauth: invalid credential_source format type: %q", typ)
	}
}
