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

// Package externalaccount exchanges third-party subject tokens for Google
// access tokens through the Security Token Service, optionally followed by
// service account impersonation.
package externalaccount

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/credsfile"
	"cloud.google.com/go/stsauth/internal/header"
	"cloud.google.com/go/stsauth/internal/impersonate"
	"cloud.google.com/go/stsauth/internal/stsexchange"
	"cloud.google.com/go/stsauth/internal/trace"
	"github.com/googleapis/gax-go/v2/internallog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	timeoutMinimum = 5 * time.Second
	timeoutMaximum = 120 * time.Second

	universeDomainPlaceholder = "UNIVERSE_DOMAIN"
	defaultTokenURL           = "https://sts.UNIVERSE_DOMAIN/v1/token"
	defaultUniverseDomain     = "googleapis.com"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	tokenSpanName = "stsauth.externalaccount.Token"
)

var (
	// Now aliases time.Now for testing
	Now = func() time.Time {
		return time.Now().UTC()
	}
	validWorkforceAudiencePattern = `^//iam\.%s/locations/[^/]+/workforcePools/`
)

// Options stores the configuration for fetching tokens with external credentials.
type Options struct {
	// Audience is the Secure Token Service (STS) audience which contains the resource name for the workload
	// identity pool or the workforce pool and the provider identifier in that pool.
	Audience string
	// SubjectTokenType is the STS token type based on the OAuth 2.0 token exchange (RFC 8693)
	// e.g. `urn:ietf:params:oauth:token-type:jwt`.
	SubjectTokenType string
	// TokenURL is the STS token exchange endpoint.
	TokenURL string
	// TokenInfoURL is the token_info endpoint used to retrieve the account related information (
	// user attributes like account identifier, eg. email, username, uid, etc). This is
	// needed for gCloud session account identification.
	TokenInfoURL string
	// ServiceAccountImpersonationURL is the URL for the service account impersonation request. This is only
	// required for workload identity pools when APIs to be accessed have not integrated with UberMint.
	ServiceAccountImpersonationURL string
	// ServiceAccountImpersonationLifetimeSeconds is the number of seconds the service account impersonation
	// token will be valid for.
	ServiceAccountImpersonationLifetimeSeconds int
	// Delegates are the service accounts in a delegation chain between the
	// federated identity and the impersonated service account.
	Delegates []string
	// ClientSecret is currently only required if token_info endpoint also
	// needs to be called with the generated GCP access token. When provided, STS will be
	// called with additional basic authentication using client_id as username and client_secret as password.
	ClientSecret string
	// ClientID is only required in conjunction with ClientSecret, as described above.
	ClientID string
	// CredentialSource contains the necessary information to retrieve the token itself, as well
	// as some environmental information.
	CredentialSource *credsfile.CredentialSource
	// QuotaProjectID is injected by gCloud. If the value is non-empty, the Auth libraries
	// will set the x-goog-user-project which overrides the project associated with the credentials.
	QuotaProjectID string
	// Scopes contains the desired scopes for the returned access token.
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
	// credentials. One of SubjectTokenProvider, AWSSecurityCredentialProvider
	// or CredentialSource must be provided. Optional.
	SubjectTokenProvider SubjectTokenProvider
	// AwsSecurityCredentialsProvider is an AWS Security Credential provider
	// for AWS credentials. One of SubjectTokenProvider,
	// AWSSecurityCredentialProvider or CredentialSource must be provided. Optional.
	AwsSecurityCredentialsProvider AwsSecurityCredentialsProvider
	// Client for token request.
	Client *http.Client
	// Logger for logging.
	Logger *slog.Logger
}

// SubjectTokenProvider can be used to supply a subject token to exchange for a
// GCP access token.
type SubjectTokenProvider interface {
	// SubjectToken should return a valid subject token or an error.
	// The external account token provider does not cache the returned subject
	// token, so caching logic should be implemented in the provider to prevent
	// multiple requests for the same subject token.
	SubjectToken(ctx context.Context, opts *RequestOptions) (string, error)
}

// RequestOptions contains information about the requested subject token or AWS
// security credentials from the Google external account credential.
type RequestOptions struct {
	// Audience is the requested audience for the external account credential.
	Audience string
	// Subject token type is the requested subject token type for the external
	// account credential. Expected values include:
	// “urn:ietf:params:oauth:token-type:jwt”
	// “urn:ietf:params:oauth:token-type:id-token”
	// “urn:ietf:params:oauth:token-type:saml2”
	// “urn:ietf:params:aws:token-type:aws4_request”
	SubjectTokenType string
}

// AwsSecurityCredentialsProvider can be used to supply AwsSecurityCredentials
// and an AWS Region to exchange for a GCP access token.
type AwsSecurityCredentialsProvider interface {
	// AwsRegion should return the AWS region or an error.
	AwsRegion(ctx context.Context, opts *RequestOptions) (string, error)
	// GetAwsSecurityCredentials should return a valid set of
	// AwsSecurityCredentials or an error. The external account token provider
	// does not cache the returned security credentials, so caching logic should
	// be implemented in the provider to prevent multiple requests for the
	// same security credentials.
	AwsSecurityCredentials(ctx context.Context, opts *RequestOptions) (*AwsSecurityCredentials, error)
}

// AwsSecurityCredentials models AWS security credentials.
type AwsSecurityCredentials struct {
	// AccessKeyId is the AWS Access Key ID - Required.
	AccessKeyID string `json:"AccessKeyId"`
	// SecretAccessKey is the AWS Secret Access Key - Required.
	SecretAccessKey string `json:"SecretAccessKey"`
	// SessionToken is the AWS Session token. This should be provided for
	// temporary AWS security credentials - Optional.
	SessionToken string `json:"Token"`
}

func (o *Options) validate() error {
	if o.Audience == "" {
		return configErrorf("stsauth: Audience must be set")
	}
	if o.SubjectTokenType == "" {
		return configErrorf("stsauth: Subject token type must be set")
	}
	if o.WorkforcePoolUserProject != "" {
		if valid := o.isWorkforcePool(); !valid {
			return configErrorf("stsauth: workforce_pool_user_project should not be set for non-workforce pool credentials")
		}
	}
	count := 0
	if o.CredentialSource != nil {
		count++
	}
	if o.SubjectTokenProvider != nil {
		count++
	}
	if o.AwsSecurityCredentialsProvider != nil {
		count++
	}
	if count == 0 {
		return configErrorf("stsauth: one of CredentialSource, SubjectTokenProvider, or AwsSecurityCredentialsProvider must be set")
	}
	if count > 1 {
		return configErrorf("stsauth: only one of CredentialSource, SubjectTokenProvider, or AwsSecurityCredentialsProvider must be set")
	}
	if o.CredentialSource != nil {
		return validateCredentialSource(o.CredentialSource)
	}
	return nil
}

// validateCredentialSource checks that exactly one kind of source is
// configured. An AWS source may also carry URL as its metadata endpoint.
func validateCredentialSource(cs *credsfile.CredentialSource) error {
	count := 0
	if cs.File != "" {
		count++
	}
	if cs.Executable != nil {
		count++
	}
	if cs.EnvironmentID != "" {
		count++
	} else if cs.URL != "" {
		count++
	}
	if count != 1 {
		return configErrorf("stsauth: credential_source must set exactly one of file, url, executable or environment_id")
	}
	if cs.Format != nil {
		switch cs.Format.Type {
		case fileTypeText, "":
		case fileTypeJSON:
			if cs.Format.SubjectTokenFieldName == "" {
				return configErrorf("stsauth: subject_token_field_name is required for the json format")
			}
		default:
			return configErrorf("stsauth: invalid credential_source format type: %q", cs.Format.Type)
		}
	}
	return nil
}

// client returns the http client that should be used for the token exchange. If a non-default client
// is provided, then the client configured in the options will always be returned.
func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return internal.CloneDefaultClient()
}

// resolveTokenURL sets the default STS token endpoint with the configured
// universe domain.
func (o *Options) resolveTokenURL() {
	if o.TokenURL != "" {
		return
	} else if o.UniverseDomain != "" {
		o.TokenURL = strings.Replace(defaultTokenURL, universeDomainPlaceholder, o.UniverseDomain, 1)
	} else {
		o.TokenURL = strings.Replace(defaultTokenURL, universeDomainPlaceholder, defaultUniverseDomain, 1)
	}
}

func (o *Options) universeDomain() string {
	if o.UniverseDomain == "" {
		return defaultUniverseDomain
	}
	return o.UniverseDomain
}

// isWorkforcePool reports whether the audience names a workforce pool in the
// configured universe.
func (o *Options) isWorkforcePool() bool {
	pattern := fmt.Sprintf(validWorkforceAudiencePattern, regexp.QuoteMeta(o.universeDomain()))
	return regexp.MustCompile(pattern).MatchString(o.Audience)
}

// NewTokenProvider returns a [cloud.google.com/go/stsauth.TokenProvider]
// configured with the provided options. Configuration problems are reported
// as a [*stsauth.ConfigError].
func NewTokenProvider(opts *Options) (stsauth.TokenProvider, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.resolveTokenURL()
	logger := internallog.New(opts.Logger)
	stp, err := newSubjectTokenProvider(opts)
	if err != nil {
		return nil, err
	}

	tp := &tokenProvider{
		client: opts.client(),
		logger: logger,
		opts:   opts,
		stp:    stp,
		scopes: opts.Scopes,
	}
	if opts.ServiceAccountImpersonationURL != "" {
		// The federated token only needs to be able to call the
		// impersonation endpoint.
		tp.scopes = []string{cloudPlatformScope}
		tp.impersonation = &impersonate.Options{
			URL:                  opts.ServiceAccountImpersonationURL,
			Scopes:               opts.Scopes,
			Delegates:            opts.Delegates,
			TokenLifetimeSeconds: opts.ServiceAccountImpersonationLifetimeSeconds,
			Client:               tp.client,
			Logger:               logger,
		}
	}
	return tp, nil
}

type subjectTokenProvider interface {
	subjectToken(ctx context.Context) (string, error)
	providerType() string
}

// tokenProvider is the provider that handles external credentials. It is used to retrieve Tokens.
type tokenProvider struct {
	client *http.Client
	logger *slog.Logger
	opts   *Options
	stp    subjectTokenProvider
	// scopes requested from STS.
	scopes []string
	// impersonation is nil when no service account is impersonated.
	impersonation *impersonate.Options
}

func (tp *tokenProvider) Token(ctx context.Context) (tok *stsauth.Token, err error) {
	ctx = trace.StartSpan(ctx, tokenSpanName,
		attribute.String("stsauth.source", tp.stp.providerType()),
		attribute.Bool("stsauth.impersonation", tp.impersonation != nil),
	)
	defer func() { trace.EndSpan(ctx, err) }()

	tok, err = tp.exchange(ctx)
	if err != nil || tp.impersonation == nil {
		return tok, err
	}
	o := *tp.impersonation
	o.Tp = federatedToken{tok: tok}
	return impersonate.GenerateAccessToken(ctx, &o)
}

// exchange retrieves a subject token and trades it for a federated access
// token.
func (tp *tokenProvider) exchange(ctx context.Context) (*stsauth.Token, error) {
	subjectToken, err := tp.stp.subjectToken(ctx)
	if err != nil {
		return nil, &stsauth.SubjectTokenError{Source: tp.stp.providerType(), Err: err}
	}
	trace.TracePrintf(ctx, nil, "retrieved subject token")

	stsRequest := &stsexchange.TokenRequest{
		GrantType:          stsexchange.GrantType,
		Audience:           tp.opts.Audience,
		Scope:              tp.scopes,
		RequestedTokenType: stsexchange.TokenType,
		SubjectToken:       subjectToken,
		SubjectTokenType:   tp.opts.SubjectTokenType,
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Add(header.GoogAPIClientHeader, header.ExternalAccountMetrics(
		tp.stp.providerType(),
		tp.opts.ServiceAccountImpersonationURL != "",
		tp.opts.ServiceAccountImpersonationLifetimeSeconds != 0,
	))
	clientAuth := stsexchange.ClientAuthentication{
		AuthStyle:    stsauth.StyleInHeader,
		ClientID:     tp.opts.ClientID,
		ClientSecret: tp.opts.ClientSecret,
	}
	var options map[string]interface{}
	// Do not pass workforce_pool_user_project when client authentication is used.
	// The client ID is sufficient for determining the user project.
	if tp.opts.WorkforcePoolUserProject != "" && tp.opts.ClientID == "" {
		options = map[string]interface{}{
			"userProject": tp.opts.WorkforcePoolUserProject,
		}
	}
	stsResp, err := stsexchange.ExchangeToken(ctx, &stsexchange.Options{
		Client:         tp.client,
		Logger:         tp.logger,
		Endpoint:       tp.opts.TokenURL,
		Request:        stsRequest,
		Authentication: clientAuth,
		Headers:        h,
		ExtraOpts:      options,
	})
	if err != nil {
		return nil, err
	}
	typ := stsResp.TokenType
	if typ == "" {
		typ = internal.TokenTypeBearer
	}
	return &stsauth.Token{
		Value:  stsResp.AccessToken,
		Type:   typ,
		Expiry: stsResp.Expiry,
	}, nil
}

// federatedToken hands an already exchanged token to the impersonation call.
type federatedToken struct {
	tok *stsauth.Token
}

func (f federatedToken) Token(context.Context) (*stsauth.Token, error) {
	return f.tok, nil
}

// newSubjectTokenProvider determines the type of credsfile.CredentialSource needed to create a
// subjectTokenProvider
func newSubjectTokenProvider(o *Options) (subjectTokenProvider, error) {
	logger := internallog.New(o.Logger)
	reqOpts := &RequestOptions{Audience: o.Audience, SubjectTokenType: o.SubjectTokenType}
	if o.AwsSecurityCredentialsProvider != nil {
		return &awsSubjectProvider{
			securityCredentialsProvider: o.AwsSecurityCredentialsProvider,
			TargetResource:              o.Audience,
			RegionalCredVerificationURL: defaultRegionalCredentialVerificationURL,
			reqOpts:                     reqOpts,
			logger:                      logger,
		}, nil
	} else if o.SubjectTokenProvider != nil {
		return &programmaticProvider{stp: o.SubjectTokenProvider, opts: reqOpts}, nil
	} else if o.CredentialSource == nil {
		return nil, configErrorf("stsauth: a credential source must be provided")
	}

	cs := o.CredentialSource
	if cs.EnvironmentID != "" {
		if !strings.HasPrefix(cs.EnvironmentID, "aws") {
			return nil, configErrorf("stsauth: unsupported environment_id %q", cs.EnvironmentID)
		}
		awsVersion, err := parseAWSVersion(cs.EnvironmentID)
		if err != nil {
			return nil, err
		}
		if awsVersion != 1 {
			return nil, configErrorf("stsauth: aws version '%d' is not supported in the current build", awsVersion)
		}
		awsProvider := &awsSubjectProvider{
			EnvironmentID:               cs.EnvironmentID,
			RegionURL:                   cs.RegionURL,
			RegionalCredVerificationURL: cs.RegionalCredVerificationURL,
			CredVerificationURL:         cs.URL,
			IMDSv2SessionTokenURL:       cs.IMDSv2SessionTokenURL,
			TargetResource:              o.Audience,
			Client:                      o.client(),
			logger:                      logger,
		}
		if awsProvider.RegionalCredVerificationURL == "" {
			awsProvider.RegionalCredVerificationURL = defaultRegionalCredentialVerificationURL
		}
		return awsProvider, nil
	} else if cs.Executable != nil {
		return newExecutableSubjectProvider(o, cs.Executable)
	} else if cs.File != "" {
		return &fileSubjectProvider{File: cs.File, Format: cs.Format}, nil
	} else if cs.URL != "" {
		return &urlSubjectProvider{
			URL:     cs.URL,
			Headers: cs.Headers,
			Format:  cs.Format,
			Client:  o.client(),
			Logger:  logger,
		}, nil
	}
	return nil, configErrorf("stsauth: unable to parse credential source")
}

// ImpersonatedEmail returns the service account email named by a
// generateAccessToken URL, or "" when the URL does not name one.
func ImpersonatedEmail(impersonationURL string) string {
	matches := serviceAccountImpersonationRE.FindStringSubmatch(impersonationURL)
	if matches == nil {
		return ""
	}
	return matches[1]
}

func configErrorf(format string, args ...interface{}) error {
	return &stsauth.ConfigError{Err: fmt.Errorf(format, args...)}
}
