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
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/credsfile"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	executableSupportedMaxVersion = 1
	executableDefaultTimeout      = 30 * time.Second
	executableSource              = "response"
	executableProviderType        = "executable"
	outputFileSource              = "output file"

	allowExecutablesEnvVar = "GOOGLE_EXTERNAL_ACCOUNT_ALLOW_EXECUTABLES"

	jwtTokenType   = "urn:ietf:params:oauth:token-type:jwt"
	idTokenType    = "urn:ietf:params:oauth:token-type:id_token"
	saml2TokenType = "urn:ietf:params:oauth:token-type:saml2"
)

var (
	serviceAccountImpersonationRE = regexp.MustCompile(`https://iamcredentials\..+/v1/projects/-/serviceAccounts/(.*@.*):generateAccessToken`)
)

// executableResponse is the JSON document an executable writes to stdout or
// to its output file.
type executableResponse struct {
	Version        int    `json:"version,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	ExpirationTime int64  `json:"expiration_time,omitempty"`
	IDToken        string `json:"id_token,omitempty"`
	SamlResponse   string `json:"saml_response,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

func (sp *executableSubjectProvider) parseSubjectTokenFromSource(response []byte, source string, now int64) (string, error) {
	var result executableResponse
	if err := json.Unmarshal(response, &result); err != nil {
		return "", jsonParsingError(source, string(response))
	}
	// Validate
	if result.Version == 0 {
		return "", missingFieldError(source, "version")
	}
	if result.Success == nil {
		return "", missingFieldError(source, "success")
	}
	if !*result.Success {
		if result.Code == "" || result.Message == "" {
			return "", malformedFailureError()
		}
		return "", userDefinedError(result.Code, result.Message)
	}
	if result.Version > executableSupportedMaxVersion || result.Version < 0 {
		return "", unsupportedVersionError(source, result.Version)
	}
	if result.ExpirationTime == 0 && sp.OutputFile != "" {
		return "", missingFieldError(source, "expiration_time")
	}
	if result.TokenType == "" {
		return "", missingFieldError(source, "token_type")
	}
	if result.ExpirationTime != 0 && result.ExpirationTime < now {
		return "", tokenExpiredError()
	}

	switch result.TokenType {
	case jwtTokenType, idTokenType:
		if result.IDToken == "" {
			return "", missingFieldError(source, "id_token")
		}
		return result.IDToken, nil
	case saml2TokenType:
		if result.SamlResponse == "" {
			return "", missingFieldError(source, "saml_response")
		}
		return result.SamlResponse, nil
	default:
		return "", tokenTypeError(source)
	}
}

type executableSubjectProvider struct {
	Command    string
	Timeout    time.Duration
	OutputFile string
	client     *executableClientOptions
	env        environment
	logger     *slog.Logger
}

// executableClientOptions is the subset of [Options] passed to the
// executable through its environment.
type executableClientOptions struct {
	Audience                       string
	SubjectTokenType               string
	ServiceAccountImpersonationURL string
}

func newExecutableSubjectProvider(o *Options, ec *credsfile.ExecutableConfig) (subjectTokenProvider, error) {
	if ec.Command == "" {
		return nil, configErrorf("stsauth: missing `command` field, executable command must be provided")
	}
	sp := &executableSubjectProvider{
		Command:    ec.Command,
		OutputFile: ec.OutputFile,
		Timeout:    executableDefaultTimeout,
		client: &executableClientOptions{
			Audience:                       o.Audience,
			SubjectTokenType:               o.SubjectTokenType,
			ServiceAccountImpersonationURL: o.ServiceAccountImpersonationURL,
		},
		env:    runtimeEnvironment{},
		logger: internallog.New(o.Logger),
	}
	if ec.TimeoutMillis != 0 {
		sp.Timeout = time.Duration(ec.TimeoutMillis) * time.Millisecond
		if sp.Timeout < timeoutMinimum || sp.Timeout > timeoutMaximum {
			return nil, configErrorf("stsauth: invalid `timeout_millis` field, executable timeout must be between %v and %v seconds", timeoutMinimum.Seconds(), timeoutMaximum.Seconds())
		}
	}
	return sp, nil
}

func (sp *executableSubjectProvider) subjectToken(ctx context.Context) (string, error) {
	if token, err, ok := sp.getTokenFromOutputFile(); ok {
		return token, err
	}
	return sp.getTokenFromExecutableCommand(ctx)
}

func (sp *executableSubjectProvider) providerType() string {
	return executableProviderType
}

// getTokenFromOutputFile reports ok when the cached output file settles the
// result, successfully or not. A missing, failed or expired cache is not ok
// and the executable is run instead.
func (sp *executableSubjectProvider) getTokenFromOutputFile() (token string, err error, ok bool) {
	if sp.OutputFile == "" {
		// This ExecutableCredentialSource doesn't use an OutputFile.
		return "", nil, false
	}

	file, err := os.Open(sp.OutputFile)
	if err != nil {
		// No OutputFile found. Hasn't been created yet, so skip it.
		return "", nil, false
	}
	defer file.Close()

	data, err := internal.ReadAll(file)
	if err != nil || len(data) == 0 {
		// Cachefile exists, but no data found. Get new credential.
		return "", nil, false
	}

	token, err = sp.parseSubjectTokenFromSource(data, outputFileSource, sp.env.now().Unix())
	if err != nil {
		var pErr *stsauth.PluggableAuthError
		if errors.As(err, &pErr) || errors.Is(err, errMalformedFailure) || errors.Is(err, errTokenExpired) {
			// If the cached token is a failure or has expired, run the
			// executable instead.
			return "", nil, false
		}
		return "", err, true
	}
	return token, nil, true
}

func (sp *executableSubjectProvider) executableEnvironment() []string {
	result := sp.env.existingEnv()
	result = append(result, fmt.Sprintf("GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE=%v", sp.client.Audience))
	result = append(result, fmt.Sprintf("GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE=%v", sp.client.SubjectTokenType))
	result = append(result, "GOOGLE_EXTERNAL_ACCOUNT_INTERACTIVE=0")
	if sp.client.ServiceAccountImpersonationURL != "" {
		matches := serviceAccountImpersonationRE.FindStringSubmatch(sp.client.ServiceAccountImpersonationURL)
		if matches != nil {
			result = append(result, fmt.Sprintf("GOOGLE_EXTERNAL_ACCOUNT_IMPERSONATED_EMAIL=%v", matches[1]))
		}
	}
	if sp.OutputFile != "" {
		result = append(result, fmt.Sprintf("GOOGLE_EXTERNAL_ACCOUNT_OUTPUT_FILE=%v", sp.OutputFile))
	}
	return result
}

func (sp *executableSubjectProvider) getTokenFromExecutableCommand(ctx context.Context) (string, error) {
	// For security reasons, we need our consumers to set this environment variable to allow executables to be run.
	if sp.env.getenv(allowExecutablesEnvVar) != "1" {
		return "", errExecutablesDisallowed
	}

	ctx, cancel := context.WithDeadline(ctx, sp.env.now().Add(sp.Timeout))
	defer cancel()

	sp.logger.DebugContext(ctx, "running executable", "command", sp.Command, "timeout", sp.Timeout)
	output, err := sp.env.run(ctx, sp.Command, sp.executableEnvironment())
	if err != nil {
		return "", err
	}
	return sp.parseSubjectTokenFromSource(output, executableSource, sp.env.now().Unix())
}

// environment abstracts the process environment an executable runs in.
type environment interface {
	existingEnv() []string
	getenv(string) string
	run(ctx context.Context, command string, env []string) ([]byte, error)
	now() time.Time
}

type runtimeEnvironment struct{}

func (r runtimeEnvironment) existingEnv() []string {
	return os.Environ()
}

func (r runtimeEnvironment) getenv(key string) string {
	return os.Getenv(key)
}

func (r runtimeEnvironment) now() time.Time {
	return time.Now().UTC()
}

func (r runtimeEnvironment) run(ctx context.Context, command string, env []string) ([]byte, error) {
	splitCommand := strings.Fields(command)
	if len(splitCommand) == 0 {
		return nil, executableError(errors.New("empty command"))
	}
	cmd := exec.CommandContext(ctx, splitCommand[0], splitCommand[1:]...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return nil, exitCodeError(exitError)
		}
		return nil, executableError(err)
	}

	bytesStdout := bytes.TrimSpace(stdout.Bytes())
	if len(bytesStdout) > 0 {
		return bytesStdout, nil
	}
	return bytes.TrimSpace(stderr.Bytes()), nil
}

var (
	errExecutablesDisallowed = errors.New("stsauth: executables need to be explicitly allowed (set GOOGLE_EXTERNAL_ACCOUNT_ALLOW_EXECUTABLES to '1') to run")
	errMalformedFailure      = errors.New("stsauth: response must include `error` and `message` fields when unsuccessful")
	errTokenExpired          = errors.New("stsauth: the token returned by the executable is expired")
	errTimeout               = errors.New("stsauth: executable command timed out")
)

func jsonParsingError(source, data string) error {
	return fmt.Errorf("stsauth: unable to parse %q: %v", source, data)
}

func malformedFailureError() error {
	return errMalformedFailure
}

func userDefinedError(code, message string) error {
	return &stsauth.PluggableAuthError{Code: code, Message: message}
}

func unsupportedVersionError(source string, version int) error {
	return fmt.Errorf("stsauth: %v contains unsupported version: %v", source, version)
}

func missingFieldError(source, field string) error {
	return fmt.Errorf("stsauth: %v missing `%v` field", source, field)
}

func tokenTypeError(source string) error {
	return fmt.Errorf("stsauth: %v contains unsupported token type", source)
}

func exitCodeError(err *exec.ExitError) error {
	return fmt.Errorf("stsauth: executable command failed with exit code %v: %w", err.ExitCode(), err)
}

func executableError(err error) error {
	return fmt.Errorf("stsauth: executable command failed: %w", err)
}

func tokenExpiredError() error {
	return errTokenExpired
}
