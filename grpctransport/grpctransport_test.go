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

package grpctransport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal"
	"cloud.google.com/go/stsauth/internal/regionalaccessboundary"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
	}{
		{name: "missing options"},
		{name: "missing credentials", opts: &Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DialOptions(tt.opts); err == nil {
				t.Error("DialOptions() = nil error, want error")
			}
		})
	}
}

func TestGrpcCredentialsProvider_TokenType(t *testing.T) {
	tests := []struct {
		name string
		tok  *stsauth.Token
		want string
	}{
		{
			name: "type set",
			tok: &stsauth.Token{
				Value: "token",
				Type:  "Basic",
			},
			want: "Basic token",
		},
		{
			name: "type unset",
			tok: &stsauth.Token{
				Value: "token",
			},
			want: "Bearer token",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cp := grpcCredentialsProvider{
				creds: stsauth.NewCredentials(&stsauth.CredentialsOptions{
					TokenProvider: &staticTP{tok: tc.tok},
				}),
			}
			m, err := cp.GetRequestMetadata(context.Background(), "")
			if err != nil {
				t.Fatalf("cp.GetRequestMetadata() = %v, want nil", err)
			}
			if got := m["authorization"]; got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGrpcCredentialsProvider_GetRequestMetadata(t *testing.T) {
	cp := grpcCredentialsProvider{
		creds: stsauth.NewCredentials(&stsauth.CredentialsOptions{
			TokenProvider:          &staticTP{tok: &stsauth.Token{Value: "AT1"}},
			QuotaProjectIDProvider: internal.StaticCredentialsProperty("quota-project"),
		}),
		metadata: map[string]string{"x-goog-request-reason": "reason"},
	}
	got, err := cp.GetRequestMetadata(context.Background(), "https://example.googleapis.com/")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"authorization":         "Bearer AT1",
		"x-goog-user-project":   "quota-project",
		"x-goog-request-reason": "reason",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGrpcCredentialsProvider_FetchesTokenOnce(t *testing.T) {
	tp := &countingTP{}
	cp := grpcCredentialsProvider{
		creds: stsauth.NewCredentials(&stsauth.CredentialsOptions{TokenProvider: tp}),
	}
	got, err := cp.GetRequestMetadata(context.Background(), "https://example.googleapis.com/")
	if err != nil {
		t.Fatal(err)
	}
	if n := tp.calls.Load(); n != 1 {
		t.Errorf("Token calls = %d, want 1", n)
	}
	if diff := cmp.Diff("Bearer 1", got["authorization"]); diff != "" {
		t.Errorf("authorization mismatch (-want +got):\n%s", diff)
	}
}

func TestGrpcCredentialsProvider_RequiresSecureTransport(t *testing.T) {
	pc, err := NewPerRPCCredentials(&Options{
		Credentials: stsauth.NewCredentials(&stsauth.CredentialsOptions{
			TokenProvider: &staticTP{tok: &stsauth.Token{Value: "AT1"}},
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !pc.RequireTransportSecurity() {
		t.Error("RequireTransportSecurity() = false, want true")
	}
	if _, err := pc.GetRequestMetadata(context.Background(), "https://example.googleapis.com/"); err == nil {
		t.Error("GetRequestMetadata() without a secure connection = nil error, want error")
	}
}

func TestDialOptions_Call(t *testing.T) {
	var lookups int32
	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&lookups, 1)
		w.Write([]byte(`{"locations":["us-central1"],"encodedLocations":"0xA30"}`))
	}))
	defer lookup.Close()
	rab, err := regionalaccessboundary.NewProvider(http.DefaultClient, fakeConfig{url: lookup.URL}, nil, &staticTP{tok: &stsauth.Token{Value: "AT1"}})
	if err != nil {
		t.Fatal(err)
	}

	var deny atomic.Bool
	var lastMD atomic.Value
	lastMD.Store(metadata.MD{})
	srv := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		lastMD.Store(md)
		if deny.Load() {
			return nil, status.Error(codes.PermissionDenied, "location not allowed")
		}
		return handler(ctx, req)
	}))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	defer srv.Stop()

	dopts, err := DialOptions(&Options{
		Credentials: stsauth.NewCredentials(&stsauth.CredentialsOptions{
			TokenProvider:          rab,
			QuotaProjectIDProvider: internal.StaticCredentialsProperty("quota-project"),
		}),
		Metadata:                 map[string]string{"foo": "bar"},
		DisableTransportSecurity: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	dopts = append(dopts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(l.Addr().String(), dopts...)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	check := func() error {
		_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err
	}

	if err := check(); err != nil {
		t.Fatalf("Check() = %v", err)
	}
	md := lastMD.Load().(metadata.MD)
	for k, want := range map[string]string{
		"authorization":       "Bearer AT1",
		"x-goog-user-project": "quota-project",
		"foo":                 "bar",
	} {
		if got := md.Get(k); len(got) != 1 || got[0] != want {
			t.Errorf("metadata %s = %q, want %q", k, got, want)
		}
	}

	waitFor(t, "boundary metadata", func() bool {
		if err := check(); err != nil {
			t.Fatalf("Check() = %v", err)
		}
		got := lastMD.Load().(metadata.MD).Get(regionalaccessboundary.HeaderKey)
		return len(got) == 1 && got[0] == "0xA30"
	})
	if got := atomic.LoadInt32(&lookups); got != 1 {
		t.Errorf("lookups = %d, want 1", got)
	}

	deny.Store(true)
	if err := check(); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("Check() = %v, want PermissionDenied", err)
	}
	waitFor(t, "reactive lookup", func() bool {
		return atomic.LoadInt32(&lookups) == 2
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeConfig struct {
	url string
}

func (c fakeConfig) GetRegionalAccessBoundaryEndpoint(context.Context) (string, error) {
	return c.url, nil
}

func (c fakeConfig) GetUniverseDomain(context.Context) (string, error) {
	return internal.DefaultUniverseDomain, nil
}

type staticTP struct {
	tok *stsauth.Token
}

func (tp *staticTP) Token(context.Context) (*stsauth.Token, error) {
	return tp.tok, nil
}

// countingTP returns a new token value on every call.
type countingTP struct {
	calls atomic.Int32
}

func (tp *countingTP) Token(context.Context) (*stsauth.Token, error) {
	return &stsauth.Token{Value: strconv.Itoa(int(tp.calls.Add(1)))}, nil
}
