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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"github.com/googleapis/gax-go/v2/internallog"
)

var (
	// getenv aliases os.Getenv for testing
	getenv = os.Getenv
)

const (
	// The name of the header containing the session token for metadata endpoint calls
	awsIMDSv2SessionTokenHeader = "x-aws-ec2-metadata-token"

	awsIMDSv2SessionTTLHeader = "x-aws-ec2-metadata-token-ttl-seconds"

	awsIMDSv2SessionTTL = "300"

	defaultRegionalCredentialVerificationURL = "https://sts.{region}.amazonaws.com?Action=GetCallerIdentity&Version=2011-06-15"

	// Supported AWS configuration environment variables.
	awsAccessKeyIDEnvVar     = "AWS_ACCESS_KEY_ID"
	awsDefaultRegionEnvVar   = "AWS_DEFAULT_REGION"
	awsRegionEnvVar          = "AWS_REGION"
	awsSecretAccessKeyEnvVar = "AWS_SECRET_ACCESS_KEY"
	awsSessionTokenEnvVar    = "AWS_SESSION_TOKEN"

	awsProviderType = "aws"
)

type awsSubjectProvider struct {
	EnvironmentID               string
	RegionURL                   string
	RegionalCredVerificationURL string
	CredVerificationURL         string
	IMDSv2SessionTokenURL       string
	TargetResource              string
	securityCredentialsProvider AwsSecurityCredentialsProvider
	reqOpts                     *RequestOptions

	Client *http.Client
	logger *slog.Logger
}

func (sp *awsSubjectProvider) subjectToken(ctx context.Context) (string, error) {
	headers := make(map[string]string)
	if sp.shouldUseMetadataServer() {
		awsSessionToken, err := sp.getAWSSessionToken(ctx)
		if err != nil {
			return "", err
		}

		if awsSessionToken != "" {
			headers[awsIMDSv2SessionTokenHeader] = awsSessionToken
		}
	}

	awsSecurityCredentials, err := sp.getSecurityCredentials(ctx, headers)
	if err != nil {
		return "", err
	}
	region, err := sp.getRegion(ctx, headers)
	if err != nil {
		return "", err
	}
	signer := &awsRequestSigner{
		RegionName:             region,
		AwsSecurityCredentials: awsSecurityCredentials,
	}

	// Generate the signed request to AWS STS GetCallerIdentity API.
	// Use the required regional endpoint. Otherwise, the request will fail.
	callerIdentityURL := strings.Replace(sp.RegionalCredVerificationURL, "{region}", region, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callerIdentityURL, nil)
	if err != nil {
		return "", err
	}
	// The full, canonical resource name of the workload identity pool
	// provider, with or without the HTTPS prefix.
	// Including this header as part of the signature is recommended to
	// ensure data integrity.
	if sp.TargetResource != "" {
		req.Header.Set("x-goog-cloud-target-resource", sp.TargetResource)
	}
	if err := signer.signRequest(ctx, req); err != nil {
		return "", err
	}
	return encodeSignedRequest(callerIdentityURL, req)
}

// encodeSignedRequest serializes the signed GetCallerIdentity request as
// URL encoded JSON, with headers sorted by key.
func encodeSignedRequest(callerIdentityURL string, req *http.Request) (string, error) {
	awsSignedReq := awsRequest{
		URL:    callerIdentityURL,
		Method: http.MethodPost,
	}
	for headerKey, headerList := range req.Header {
		for _, headerValue := range headerList {
			awsSignedReq.Headers = append(awsSignedReq.Headers, awsRequestHeader{
				Key:   headerKey,
				Value: headerValue,
			})
		}
	}
	sort.Slice(awsSignedReq.Headers, func(i, j int) bool {
		headerCompare := strings.Compare(awsSignedReq.Headers[i].Key, awsSignedReq.Headers[j].Key)
		if headerCompare == 0 {
			return strings.Compare(awsSignedReq.Headers[i].Value, awsSignedReq.Headers[j].Value) < 0
		}
		return headerCompare < 0
	})

	result, err := json.Marshal(awsSignedReq)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(string(result)), nil
}

func (sp *awsSubjectProvider) providerType() string {
	if sp.securityCredentialsProvider != nil {
		return programmaticProviderType
	}
	return awsProviderType
}

func (sp *awsSubjectProvider) getAWSSessionToken(ctx context.Context) (string, error) {
	if sp.IMDSv2SessionTokenURL == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sp.IMDSv2SessionTokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(awsIMDSv2SessionTTLHeader, awsIMDSv2SessionTTL)
	sp.logger.DebugContext(ctx, "aws session token request", "request", internallog.HTTPRequest(req, nil))
	resp, body, err := internal.DoRequest(sp.Client, req)
	if err != nil {
		return "", err
	}
	sp.logger.DebugContext(ctx, "aws session token response", "response", internallog.HTTPResponse(resp, body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stsauth: unable to retrieve AWS session token: %s", body)
	}
	return string(body), nil
}

func (sp *awsSubjectProvider) getRegion(ctx context.Context, headers map[string]string) (string, error) {
	if sp.securityCredentialsProvider != nil {
		region, err := sp.securityCredentialsProvider.AwsRegion(ctx, sp.reqOpts)
		if err != nil {
			return "", err
		}
		if region == "" {
			return "", &stsauth.ConfigError{Err: errors.New("stsauth: AWS security credentials supplier returned an empty region")}
		}
		return region, nil
	}
	if canRetrieveRegionFromEnvironment() {
		if envAwsRegion := getenv(awsRegionEnvVar); envAwsRegion != "" {
			return envAwsRegion, nil
		}
		return getenv(awsDefaultRegionEnvVar), nil
	}

	if sp.RegionURL == "" {
		return "", errors.New("stsauth: unable to determine AWS region")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sp.RegionURL, nil)
	if err != nil {
		return "", err
	}

	for name, value := range headers {
		req.Header.Add(name, value)
	}
	sp.logger.DebugContext(ctx, "aws region request", "request", internallog.HTTPRequest(req, nil))
	resp, body, err := internal.DoRequest(sp.Client, req)
	if err != nil {
		return "", err
	}
	sp.logger.DebugContext(ctx, "aws region response", "response", internallog.HTTPResponse(resp, body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stsauth: unable to retrieve AWS region - %s", body)
	}
	region := regionFromAvailabilityZone(string(body))
	if region == "" {
		return "", errors.New("stsauth: AWS metadata server returned an empty availability zone")
	}
	return region, nil
}

// regionFromAvailabilityZone strips the trailing zone letter, so us-east-1b
// becomes us-east-1.
func regionFromAvailabilityZone(zone string) string {
	if zone == "" {
		return ""
	}
	return zone[:len(zone)-1]
}

func (sp *awsSubjectProvider) getSecurityCredentials(ctx context.Context, headers map[string]string) (result *AwsSecurityCredentials, err error) {
	if sp.securityCredentialsProvider != nil {
		return sp.securityCredentialsProvider.AwsSecurityCredentials(ctx, sp.reqOpts)
	}
	if canRetrieveSecurityCredentialFromEnvironment() {
		return &AwsSecurityCredentials{
			AccessKeyID:     getenv(awsAccessKeyIDEnvVar),
			SecretAccessKey: getenv(awsSecretAccessKeyEnvVar),
			SessionToken:    getenv(awsSessionTokenEnvVar),
		}, nil
	}

	roleName, err := sp.getMetadataRoleName(ctx, headers)
	if err != nil {
		return
	}
	credentials, err := sp.getMetadataSecurityCredentials(ctx, roleName, headers)
	if err != nil {
		return
	}

	if credentials.AccessKeyID == "" {
		return result, errors.New("stsauth: missing AccessKeyId credential")
	}
	if credentials.SecretAccessKey == "" {
		return result, errors.New("stsauth: missing SecretAccessKey credential")
	}

	return credentials, nil
}

func (sp *awsSubjectProvider) getMetadataSecurityCredentials(ctx context.Context, roleName string, headers map[string]string) (*AwsSecurityCredentials, error) {
	var result *AwsSecurityCredentials

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", sp.CredVerificationURL, roleName), nil)
	if err != nil {
		return result, err
	}
	for name, value := range headers {
		req.Header.Add(name, value)
	}
	sp.logger.DebugContext(ctx, "aws security credential request", "request", internallog.HTTPRequest(req, nil))
	resp, body, err := internal.DoRequest(sp.Client, req)
	if err != nil {
		return result, err
	}
	sp.logger.DebugContext(ctx, "aws security credential response", "response", internallog.HTTPResponse(resp, body))
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("stsauth: unable to retrieve AWS security credentials - %s", body)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (sp *awsSubjectProvider) getMetadataRoleName(ctx context.Context, headers map[string]string) (string, error) {
	if sp.CredVerificationURL == "" {
		return "", errors.New("stsauth: unable to determine the AWS metadata server security credentials endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sp.CredVerificationURL, nil)
	if err != nil {
		return "", err
	}
	for name, value := range headers {
		req.Header.Add(name, value)
	}

	sp.logger.DebugContext(ctx, "aws metadata role request", "request", internallog.HTTPRequest(req, nil))
	resp, body, err := internal.DoRequest(sp.Client, req)
	if err != nil {
		return "", err
	}
	sp.logger.DebugContext(ctx, "aws metadata role response", "response", internallog.HTTPResponse(resp, body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stsauth: unable to retrieve AWS role name - %s", body)
	}
	return string(body), nil
}

// awsRequestHeader is a key-value pair of an AWS request header.
type awsRequestHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// awsRequest is the serialized form of the signed GetCallerIdentity request.
type awsRequest struct {
	URL     string             `json:"url"`
	Method  string             `json:"method"`
	Headers []awsRequestHeader `json:"headers"`
}

// The AWS region can be provided through AWS_REGION or AWS_DEFAULT_REGION. Only one is
// required.
func canRetrieveRegionFromEnvironment() bool {
	return getenv(awsRegionEnvVar) != "" || getenv(awsDefaultRegionEnvVar) != ""
}

// Check if both AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are available.
func canRetrieveSecurityCredentialFromEnvironment() bool {
	return getenv(awsAccessKeyIDEnvVar) != "" && getenv(awsSecretAccessKeyEnvVar) != ""
}

func (sp *awsSubjectProvider) shouldUseMetadataServer() bool {
	return sp.securityCredentialsProvider == nil && (!canRetrieveRegionFromEnvironment() || !canRetrieveSecurityCredentialFromEnvironment())
}

// parseAWSVersion reads N from an "awsN" environment id.
func parseAWSVersion(environmentID string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(environmentID, "aws"))
	if err != nil {
		return 0, configErrorf("stsauth: invalid AWS environment_id %q", environmentID)
	}
	return v, nil
}
