// Copyright 2023 Google LLC
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

// Package grpctransport authorizes gRPC calls with [stsauth.Credentials].
package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal/regionalaccessboundary"
	"github.com/googleapis/gax-go/v2/internallog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpccreds "google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// Options used to configure gRPC dial options from [DialOptions].
type Options struct {
	// Credentials authorize every call. Required.
	Credentials *stsauth.Credentials
	// Metadata is extra gRPC metadata sent with every call. Optional.
	Metadata map[string]string
	// DisableTransportSecurity allows credentials to be sent over
	// connections without privacy and integrity protection. Only use it for
	// local testing. Optional.
	DisableTransportSecurity bool
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("grpctransport: opts required to be non-nil")
	}
	if o.Credentials == nil {
		return errors.New("grpctransport: Credentials required")
	}
	return nil
}

// NewPerRPCCredentials returns gRPC per-RPC credentials that send the
// request metadata of opts.Credentials with every call.
func NewPerRPCCredentials(opts *Options) (grpccreds.PerRPCCredentials, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &grpcCredentialsProvider{
		creds:    opts.Credentials,
		secure:   !opts.DisableTransportSecurity,
		metadata: opts.Metadata,
	}, nil
}

// DialOptions returns the dial options that authorize calls with
// opts.Credentials. Calls rejected with PermissionDenied make the credentials
// look up their Regional Access Boundary again.
func DialOptions(opts *Options) ([]grpc.DialOption, error) {
	pc, err := NewPerRPCCredentials(opts)
	if err != nil {
		return nil, err
	}
	i := &boundaryInterceptor{creds: opts.Credentials, logger: internallog.New(opts.Logger)}
	return []grpc.DialOption{
		grpc.WithPerRPCCredentials(pc),
		grpc.WithChainUnaryInterceptor(i.unary),
	}, nil
}

// grpcCredentialsProvider satisfies https://pkg.go.dev/google.golang.org/grpc/credentials#PerRPCCredentials.
type grpcCredentialsProvider struct {
	creds *stsauth.Credentials

	secure bool
	// Additional metadata attached as headers.
	metadata map[string]string
}

// GetRequestMetadata gets the request metadata as a map from a
// grpcCredentialsProvider. Header names are lowercased as gRPC requires.
func (c *grpcCredentialsProvider) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	if c.secure {
		ri, _ := grpccreds.RequestInfoFromContext(ctx)
		if err := grpccreds.CheckSecurityLevel(ri.AuthInfo, grpccreds.PrivacyAndIntegrity); err != nil {
			return nil, fmt.Errorf("unable to transfer credentials PerRPCCredentials: %v", err)
		}
	}
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	md, err := c.creds.RequestMetadataFromToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, len(md)+len(c.metadata)+1)
	for k, v := range c.metadata {
		metadata[k] = v
	}
	for k := range md {
		metadata[strings.ToLower(k)] = md.Get(k)
	}
	if len(uri) > 0 {
		if rab := boundaryProvider(tok); rab != nil {
			if v := rab.GetHeaderValue(ctx, uri[0], tok); v != "" {
				metadata[regionalaccessboundary.HeaderKey] = v
			}
		}
	}
	return metadata, nil
}

// RequireTransportSecurity reports whether credentials may only be sent over
// a secure connection.
func (c *grpcCredentialsProvider) RequireTransportSecurity() bool {
	return c.secure
}

type boundaryInterceptor struct {
	creds  *stsauth.Credentials
	logger *slog.Logger
}

func (i *boundaryInterceptor) unary(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	err := invoker(ctx, method, req, reply, cc, opts...)
	if status.Code(err) != codes.PermissionDenied {
		return err
	}
	tok, terr := i.creds.Token(ctx)
	if terr != nil {
		return err
	}
	if rab := boundaryProvider(tok); rab != nil {
		i.logger.DebugContext(ctx, "call denied, refreshing regional access boundary", "method", method)
		rab.OnStaleBoundary(ctx, "https://"+cc.Target()+method, tok)
	}
	return err
}

func boundaryProvider(tok *stsauth.Token) *regionalaccessboundary.DataProvider {
	rab, _ := tok.Metadata[regionalaccessboundary.ProviderKey].(*regionalaccessboundary.DataProvider)
	return rab
}
