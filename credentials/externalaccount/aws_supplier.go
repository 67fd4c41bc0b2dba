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
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// awsConfigSupplier supplies AWS credentials and region from an AWS SDK
// configuration.
type awsConfigSupplier struct {
	region string
	creds  aws.CredentialsProvider
}

// NewAwsConfigSupplier returns an [AwsSecurityCredentialsProvider] backed by
// cfg. Credentials are retrieved through cfg.Credentials on every call, so
// wrap them in an [aws.CredentialsCache] to avoid repeated lookups.
func NewAwsConfigSupplier(cfg aws.Config) AwsSecurityCredentialsProvider {
	return &awsConfigSupplier{region: cfg.Region, creds: cfg.Credentials}
}

// LoadAwsConfigSupplier loads the default AWS SDK configuration, from the
// environment, shared config files and the EC2 metadata server, and returns
// a supplier for it.
func LoadAwsConfigSupplier(ctx context.Context, optFns ...func(*config.LoadOptions) error) (AwsSecurityCredentialsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("stsauth: unable to load AWS config: %w", err)
	}
	return NewAwsConfigSupplier(cfg), nil
}

func (s *awsConfigSupplier) AwsRegion(context.Context, *RequestOptions) (string, error) {
	if s.region == "" {
		return "", errors.New("stsauth: AWS config has no region")
	}
	return s.region, nil
}

func (s *awsConfigSupplier) AwsSecurityCredentials(ctx context.Context, _ *RequestOptions) (*AwsSecurityCredentials, error) {
	if s.creds == nil {
		return nil, errors.New("stsauth: AWS config has no credentials provider")
	}
	c, err := s.creds.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	return &AwsSecurityCredentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}, nil
}
