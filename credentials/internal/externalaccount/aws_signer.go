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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// emptyPayloadHash is the hex encoded SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// awsRequestSigner signs requests with AWS Signature Version 4.
type awsRequestSigner struct {
	RegionName             string
	AwsSecurityCredentials *AwsSecurityCredentials
}

// signRequest adds the X-Amz-Date, X-Amz-Security-Token (when a session token
// is present), Authorization and Host headers to req. The service name is
// taken from the first label of the request host. For a fixed clock the
// output is deterministic.
func (rs *awsRequestSigner) signRequest(ctx context.Context, req *http.Request) error {
	if rs.AwsSecurityCredentials == nil {
		return errors.New("stsauth: missing AWS security credentials")
	}
	host := requestHost(req)
	service, _, _ := strings.Cut(host, ".")
	hash, err := payloadHash(req)
	if err != nil {
		return err
	}
	creds := aws.Credentials{
		AccessKeyID:     rs.AwsSecurityCredentials.AccessKeyID,
		SecretAccessKey: rs.AwsSecurityCredentials.SecretAccessKey,
		SessionToken:    rs.AwsSecurityCredentials.SessionToken,
	}
	if err := v4.NewSigner().SignHTTP(ctx, creds, req, hash, service, rs.RegionName, Now().UTC()); err != nil {
		return fmt.Errorf("stsauth: unable to sign AWS request: %w", err)
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", host)
	}
	return nil
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// payloadHash hashes the request body and restores it for later reads.
func payloadHash(req *http.Request) (string, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return emptyPayloadHash, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return "", fmt.Errorf("stsauth: unable to read AWS request body: %w", err)
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(b))
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
