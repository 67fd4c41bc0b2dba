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

package externalaccount

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/stsauth"
	iexacc "cloud.google.com/go/stsauth/credentials/internal/externalaccount"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/credsfile"
	"cloud.google.com/go/stsauth/internal/impersonate"
	"cloud.google.com/go/stsauth/internal/regionalaccessboundary"
	"github.com/googleapis/gax-go/v2/internallog"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Options for creating [Credentials].
type Options struct {
	// Audience is the Secure Token Service (STS) audience which contains the
	// resource name for the workload identity pool or the workforce pool and
	// the provider identifier in that pool. Required.
	Audience string
	// SubjectTokenType is the STS token type defined by OAuth 2.0 token
	// exchange (RFC 8693). Expected values include:
	// - “urn:ietf:params:oauth:token-type:jwt”
	// - “urn:ietf:params:oauth:token-type:id-token”
	// - “urn:ietf:params:oauth:token-type:saml2”
	// - “urn:ietf:params:aws:token-type:aws4_request”
	// Required.
	SubjectTokenType string
	// TokenURL is the STS token exchange endpoint. If not provided, will
	// default to https://sts.UNIVERSE_DOMAIN/v1/token, with UNIVERSE_DOMAIN set
	// to the default service domain googleapis.com unless UniverseDomain is
	// set. Optional.
	TokenURL string
	// TokenInfoURL is the token_info endpoint used to retrieve the account
	// related information. Optional.
	TokenInfoURL string
	// ServiceAccountImpersonationURL is the URL for the service account
	// impersonation request. When set, the federated token is exchanged for
	// a token of that service account. Optional.
	ServiceAccountImpersonationURL string
	// ServiceAccountImpersonationLifetimeSeconds is the number of seconds the
	// service account impersonation token will be valid for. Defaults to one
	// hour. Optional.
	ServiceAccountImpersonationLifetimeSeconds int
	// Delegates are the service account email addresses in a delegation chain
	// ending at the impersonated service account. Optional.
	Delegates []string
	// ClientSecret is sent to STS together with ClientID using basic
	// authentication. Optional.
	ClientSecret string
	// ClientID is only required in conjunction with ClientSecret, as described
	// above. Optional.
	ClientID string
	// CredentialSource contains the necessary information to retrieve the token
	// itself, as well as some environmental information. One of
	// CredentialSource, SubjectTokenProvider or AwsSecurityCredentialsProvider
	// must be provided.
	CredentialSource *CredentialSource
	// QuotaProjectID is sent in the x-goog-user-project header and overrides
	// the project associated with the credentials. Optional.
	QuotaProjectID string
	// Scopes contains the desired scopes for the returned access token.
	// Optional.
	Scopes []string
	// WorkforcePoolUserProject should be set when it is a workforce pool and
	// not a workload identity pool. The underlying principal must still have
	// serviceusage.services.use IAM permission to use the project for
	// billing/quota. Optional.
	WorkforcePoolUserProject string
	// UniverseDomain is the default service domain for a given Cloud universe.
	// This value will be used in the default STS token URL. The default value
	// is "googleapis.com". It will not be used if TokenURL is set. Optional.
	UniverseDomain string
	// SubjectTokenProvider is an optional token provider for OIDC/SAML
	// credentials.
	SubjectTokenProvider SubjectTokenProvider
	// AwsSecurityCredentialsProvider is an AWS Security Credential provider
	// for AWS credentials. See [NewAwsConfigSupplier].
	AwsSecurityCredentialsProvider AwsSecurityCredentialsProvider
	// EarlyTokenRefresh is how long before expiry a cached token is
	// refreshed. Defaults to 10 seconds. Optional.
	EarlyTokenRefresh time.Duration

	// Client configures the underlying client used to make network requests
	// when fetching tokens. Optional.
	Client *http.Client
	// Logger is used for debug logging. If not provided, logging is
	// configured through the GOOGLE_SDK_GO_LOGGING_LEVEL environment
	// variable. Optional.
	Logger *slog.Logger
}

// CredentialSource stores the information necessary to retrieve the credentials for the STS exchange.
type CredentialSource struct {
	// File is the location for file sourced credentials.
	// One field amongst File, URL, Executable, or EnvironmentID should be
	// provided, depending on the kind of credential in question.
	File string
	// URL is the URL to call for URL sourced credentials.
	URL string
	// Executable is the configuration object for executable sourced credentials.
	Executable *ExecutableConfig
	// EnvironmentID is the EnvironmentID used for AWS sourced credentials.
	// This should be "aws1".
	EnvironmentID string

	// Headers are the headers to attach to the request for URL sourced
	// credentials.
	Headers map[string]string
	// RegionURL is the metadata URL to retrieve the region from for EC2 AWS
	// credentials.
	RegionURL string
	// RegionalCredVerificationURL is the AWS regional credential verification
	// URL, will default to `https://sts.{region}.amazonaws.com?Action=GetCallerIdentity&Version=2011-06-15`
	// if not provided.
	RegionalCredVerificationURL string
	// IMDSv2SessionTokenURL is the URL to retrieve the session token when using
	// IMDSv2 in AWS.
	IMDSv2SessionTokenURL string
	// Format is the format type for the subject token. Used for File and URL
	// sourced credentials.
	Format *Format
}

// Format contains information needed to retrieve a subject token for URL or
// File sourced credentials.
type Format struct {
	// Type should be either "text" or "json". When not provided "text" type
	// is assumed.
	Type string
	// SubjectTokenFieldName is only required for JSON format. This is the field
	// name that the credentials will check for the subject token in the file or
	// URL response. This would be "access_token" for azure.
	SubjectTokenFieldName string
}

// ExecutableConfig contains information needed for executable sourced credentials.
type ExecutableConfig struct {
	// Command is the full command to run to retrieve the subject token.
	// This can include arguments. Must be an absolute path for the program. Required.
	Command string
	// TimeoutMillis is the timeout duration, in milliseconds. Must be between
	// 5000 and 120000. Defaults to 30000 milliseconds when not provided.
	// Optional.
	TimeoutMillis int
	// OutputFile is the absolute path to the output file where the executable will cache the response.
	// If specified the credentials will first check this location before running the executable. Optional.
	OutputFile string
}

// SubjectTokenProvider can be used to supply a subject token to exchange for a
// GCP access token.
type SubjectTokenProvider interface {
	// SubjectToken should return a valid subject token or an error.
	// The returned token is not cached, so caching logic should be
	// implemented in the provider to prevent multiple requests for the same
	// subject token.
	SubjectToken(ctx context.Context, opts *RequestOptions) (string, error)
}

// RequestOptions contains information about the requested subject token or AWS
// security credentials.
type RequestOptions struct {
	// Audience is the requested audience for the external account credential.
	Audience string
	// SubjectTokenType is the requested subject token type for the external
	// account credential.
	SubjectTokenType string
}

// AwsSecurityCredentialsProvider can be used to supply AwsSecurityCredentials
// and an AWS Region to exchange for a GCP access token.
type AwsSecurityCredentialsProvider interface {
	// AwsRegion should return the AWS region or an error.
	AwsRegion(ctx context.Context, opts *RequestOptions) (string, error)
	// AwsSecurityCredentials should return a valid set of
	// AwsSecurityCredentials or an error. The returned credentials are not
	// cached.
	AwsSecurityCredentials(ctx context.Context, opts *RequestOptions) (*AwsSecurityCredentials, error)
}

// AwsSecurityCredentials models AWS security credentials.
type AwsSecurityCredentials struct {
	// AccessKeyID is the AWS Access Key ID - Required.
	AccessKeyID string `json:"AccessKeyID"`
	// SecretAccessKey is the AWS Secret Access Key - Required.
	SecretAccessKey string `json:"SecretAccessKey"`
	// SessionToken is the AWS Session token. This should be provided for
	// temporary AWS security credentials - Optional.
	SessionToken string `json:"Token"`
}

// Credentials are external account credentials. The embedded
// [stsauth.Credentials] caches tokens and builds request metadata.
type Credentials struct {
	*stsauth.Credentials

	opts *Options
	// federated authorizes signBlob calls. It is nil without impersonation.
	federated stsauth.TokenProvider
}

func (o *Options) validate() error {
	if o == nil {
		return &stsauth.ConfigError{Err: errors.New("stsauth: options must be provided")}
	}
	if o.EarlyTokenRefresh < 0 {
		return &stsauth.ConfigError{Err: errors.New("stsauth: EarlyTokenRefresh must not be negative")}
	}
	return nil
}

func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return internal.CloneDefaultClient()
}

func (o *Options) toInternalOpts(client *http.Client, logger *slog.Logger) *iexacc.Options {
	iOpts := &iexacc.Options{
		Audience:                       o.Audience,
		SubjectTokenType:               o.SubjectTokenType,
		TokenURL:                       o.TokenURL,
		TokenInfoURL:                   o.TokenInfoURL,
		ServiceAccountImpersonationURL: o.ServiceAccountImpersonationURL,
		ServiceAccountImpersonationLifetimeSeconds: o.ServiceAccountImpersonationLifetimeSeconds,
		Delegates:                      o.Delegates,
		ClientSecret:                   o.ClientSecret,
		ClientID:                       o.ClientID,
		QuotaProjectID:                 o.QuotaProjectID,
		Scopes:                         o.Scopes,
		WorkforcePoolUserProject:       o.WorkforcePoolUserProject,
		UniverseDomain:                 o.UniverseDomain,
		SubjectTokenProvider:           toInternalSubjectTokenProvider(o.SubjectTokenProvider),
		AwsSecurityCredentialsProvider: toInternalAwsSecurityCredentialsProvider(o.AwsSecurityCredentialsProvider),
		Client:                         client,
		Logger:                         logger,
	}
	if o.CredentialSource != nil {
		cs := o.CredentialSource
		iOpts.CredentialSource = &credsfile.CredentialSource{
			File:                        cs.File,
			URL:                         cs.URL,
			Headers:                     cs.Headers,
			EnvironmentID:               cs.EnvironmentID,
			RegionURL:                   cs.RegionURL,
			RegionalCredVerificationURL: cs.RegionalCredVerificationURL,
			IMDSv2SessionTokenURL:       cs.IMDSv2SessionTokenURL,
		}
		if cs.Executable != nil {
			cse := cs.Executable
			iOpts.CredentialSource.Executable = &credsfile.ExecutableConfig{
				Command:       cse.Command,
				TimeoutMillis: cse.TimeoutMillis,
				OutputFile:    cse.OutputFile,
			}
		}
		if cs.Format != nil {
			csf := cs.Format
			iOpts.CredentialSource.Format = &credsfile.Format{
				Type:                  csf.Type,
				SubjectTokenFieldName: csf.SubjectTokenFieldName,
			}
		}
	}
	return iOpts
}

// NewCredentials returns [Credentials] configured with the provided options.
// Tokens are cached and refreshed once they are within
// [Options.EarlyTokenRefresh] of expiry. Configuration problems are reported
// as a [*stsauth.ConfigError].
func NewCredentials(opts *Options) (*Credentials, error) {
	return newCredentials(opts, nil)
}

func newCredentials(opts *Options, b []byte) (*Credentials, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	client := opts.client()
	logger := internallog.New(opts.Logger)

	tp, err := iexacc.NewTokenProvider(opts.toInternalOpts(client, logger))
	if err != nil {
		return nil, err
	}
	tp = stsauth.NewCachedTokenProvider(tp, &stsauth.CachedTokenProviderOptions{
		ExpireEarly: opts.EarlyTokenRefresh,
	})
	if regionalaccessboundary.IsEnabled() {
		tp = withRegionalAccessBoundary(opts, client, logger, tp)
	}

	var federated stsauth.TokenProvider
	if opts.ServiceAccountImpersonationURL != "" {
		fo := *opts
		fo.ServiceAccountImpersonationURL = ""
		fo.Scopes = []string{cloudPlatformScope}
		ftp, err := iexacc.NewTokenProvider(fo.toInternalOpts(client, logger))
		if err != nil {
			return nil, err
		}
		federated = stsauth.NewCachedTokenProvider(ftp, &stsauth.CachedTokenProviderOptions{
			ExpireEarly: opts.EarlyTokenRefresh,
		})
	}

	var udp, qpp stsauth.CredentialsPropertyProvider
	if opts.UniverseDomain != "" {
		udp = internal.StaticCredentialsProperty(opts.UniverseDomain)
	}
	if opts.QuotaProjectID != "" {
		qpp = internal.StaticCredentialsProperty(opts.QuotaProjectID)
	}
	return &Credentials{
		Credentials: stsauth.NewCredentials(&stsauth.CredentialsOptions{
			TokenProvider:          tp,
			JSON:                   b,
			UniverseDomainProvider: udp,
			QuotaProjectIDProvider: qpp,
		}),
		opts:      opts,
		federated: federated,
	}, nil
}

// withRegionalAccessBoundary wraps tp so tokens carry a Regional Access
// Boundary lookup for the principal they represent. tp is returned unchanged
// when the audience names no known pool.
func withRegionalAccessBoundary(opts *Options, client *http.Client, logger *slog.Logger, tp stsauth.TokenProvider) stsauth.TokenProvider {
	var cp regionalaccessboundary.ConfigProvider
	if email := iexacc.ImpersonatedEmail(opts.ServiceAccountImpersonationURL); email != "" {
		cp = regionalaccessboundary.NewServiceAccountConfigProvider(email, opts.UniverseDomain)
	} else {
		var err error
		if cp, err = regionalaccessboundary.NewExternalAccountConfigProvider(opts.Audience, opts.UniverseDomain); err != nil {
			logger.Debug("regional access boundary disabled", "error", err)
			return tp
		}
	}
	rab, err := regionalaccessboundary.NewProvider(client, cp, logger, tp)
	if err != nil {
		logger.Debug("regional access boundary disabled", "error", err)
		return tp
	}
	return rab
}

// Scoped returns new credentials that request scopes instead of the scopes
// of c. All other configuration is shared and c is left unchanged.
func (c *Credentials) Scoped(scopes ...string) (*Credentials, error) {
	o := *c.opts
	o.Scopes = append([]string(nil), scopes...)
	return newCredentials(&o, c.JSON())
}

// Scopes returns the scopes requested by c.
func (c *Credentials) Scopes() []string {
	return append([]string(nil), c.opts.Scopes...)
}

// SignBlob signs payload with a system-managed key of the impersonated
// service account and returns the signature. It requires
// [Options.ServiceAccountImpersonationURL] to name a service account.
func (c *Credentials) SignBlob(ctx context.Context, payload []byte) ([]byte, error) {
	email := iexacc.ImpersonatedEmail(c.opts.ServiceAccountImpersonationURL)
	if c.federated == nil || email == "" {
		return nil, errors.New("stsauth: signing requires a service account impersonation URL")
	}
	resp, err := impersonate.SignBlob(ctx, &impersonate.SignBlobOptions{
		Tp:             c.federated,
		Email:          email,
		Delegates:      c.opts.Delegates,
		Payload:        payload,
		UniverseDomain: c.opts.UniverseDomain,
		Client:         c.opts.client(),
		Logger:         c.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return resp.SignedBlob, nil
}

func toInternalSubjectTokenProvider(stp SubjectTokenProvider) iexacc.SubjectTokenProvider {
	if stp == nil {
		return nil
	}
	return &subjectTokenProviderAdapter{stp: stp}
}

func toInternalAwsSecurityCredentialsProvider(scp AwsSecurityCredentialsProvider) iexacc.AwsSecurityCredentialsProvider {
	if scp == nil {
		return nil
	}
	return &awsSecurityCredentialsAdapter{scp: scp}
}

func toInternalAwsSecurityCredentials(sc *AwsSecurityCredentials) *iexacc.AwsSecurityCredentials {
	if sc == nil {
		return nil
	}
	return &iexacc.AwsSecurityCredentials{
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		SessionToken:    sc.SessionToken,
	}
}

func toRequestOptions(opts *iexacc.RequestOptions) *RequestOptions {
	if opts == nil {
		return nil
	}
	return &RequestOptions{
		Audience:         opts.Audience,
		SubjectTokenType: opts.SubjectTokenType,
	}
}

type subjectTokenProviderAdapter struct {
	stp SubjectTokenProvider
}

func (tp *subjectTokenProviderAdapter) SubjectToken(ctx context.Context, opts *iexacc.RequestOptions) (string, error) {
	return tp.stp.SubjectToken(ctx, toRequestOptions(opts))
}

type awsSecurityCredentialsAdapter struct {
	scp AwsSecurityCredentialsProvider
}

func (sc *awsSecurityCredentialsAdapter) AwsRegion(ctx context.Context, opts *iexacc.RequestOptions) (string, error) {
	return sc.scp.AwsRegion(ctx, toRequestOptions(opts))
}

func (sc *awsSecurityCredentialsAdapter) AwsSecurityCredentials(ctx context.Context, opts *iexacc.RequestOptions) (*iexacc.AwsSecurityCredentials, error) {
	resp, err := sc.scp.AwsSecurityCredentials(ctx, toRequestOptions(opts))
	if err != nil {
		return nil, err
	}
	return toInternalAwsSecurityCredentials(resp), nil
}
