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

package regionalaccessboundary

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/stsauth"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitRefresh(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background refresh")
	}
}

// newTestManager returns a Manager on a fake clock whose lookups are served
// by fetch. The returned channel receives once per completed refresh.
func newTestManager(fetch fetchFunc, logger *slog.Logger) (*Manager, *fakeClock, chan struct{}) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	done := make(chan struct{}, 16)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		fetch:       fetch,
		logger:      logger,
		now:         clock.Now,
		refreshDone: func() { done <- struct{}{} },
	}
	return m, clock, done
}

var testToken = &stsauth.Token{Value: "access"}

func TestManager_ConcurrentTriggersFetchOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m, _, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		calls.Add(1)
		<-release
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			m.TriggerAsyncRefresh(context.Background(), "https://lookup", testToken)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	close(release)
	waitRefresh(t, done)

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if got := m.Cached(); got == nil || got.EncodedLocations != "0x1" {
		t.Errorf("Cached() = %v, want 0x1", got)
	}
}

func TestManager_CachedDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	m, _, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		<-release
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	m.TriggerAsyncRefresh(context.Background(), "https://lookup", testToken)
	if got := m.Cached(); got != nil {
		t.Errorf("Cached() during refresh = %v, want nil", got)
	}
	close(release)
	waitRefresh(t, done)
}

func TestManager_FreshValueSkipsRefresh(t *testing.T) {
	var calls atomic.Int32
	m, clock, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		calls.Add(1)
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)

	clock.Advance(dataTTL - softRefreshWindow - time.Minute)
	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	// Inside the soft refresh window the old value is still served while a
	// new one is fetched.
	clock.Advance(2 * time.Minute)
	if m.Cached() == nil {
		t.Fatal("Cached() = nil inside soft refresh window")
	}
	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestManager_ExpiredValueIsNotServed(t *testing.T) {
	m, clock, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)
	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)

	clock.Advance(dataTTL)
	if got := m.Cached(); got != nil {
		t.Errorf("Cached() after expiry = %v, want nil", got)
	}
}

func TestManager_FailureKeepsStaleValue(t *testing.T) {
	fail := false
	var mu sync.Mutex
	m, clock, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)

	mu.Lock()
	fail = true
	mu.Unlock()
	clock.Advance(dataTTL - softRefreshWindow + time.Minute)
	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)

	if got := m.Cached(); got == nil || got.EncodedLocations != "0x1" {
		t.Errorf("Cached() after failed refresh = %v, want 0x1", got)
	}
	if !m.IsCooldownActive() {
		t.Error("IsCooldownActive() = false after failure")
	}
}

func TestManager_CooldownProgression(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	m, clock, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("unavailable")
		}
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	want := []time.Duration{
		15 * time.Minute,
		30 * time.Minute,
		time.Hour,
		2 * time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		16 * time.Hour,
		24 * time.Hour,
		24 * time.Hour,
	}
	var got []time.Duration
	for range want {
		m.TriggerAsyncRefresh(context.Background(), "u", testToken)
		waitRefresh(t, done)
		m.mu.Lock()
		d := m.cooldownDuration
		m.mu.Unlock()
		got = append(got, d)

		// A trigger during cooldown is a no-op.
		before := calls.Load()
		clock.Advance(d - time.Second)
		m.TriggerAsyncRefresh(context.Background(), "u", testToken)
		if calls.Load() != before {
			t.Fatalf("refresh started during a %v cooldown", d)
		}
		clock.Advance(time.Second)
		if m.IsCooldownActive() {
			t.Fatalf("IsCooldownActive() = true after %v elapsed", d)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cooldown progression mismatch (-want +got):\n%s", diff)
	}

	fail.Store(false)
	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldownDuration != 0 || !m.cooldownStart.IsZero() {
		t.Errorf("cooldown after success = (%v, %v), want reset", m.cooldownStart, m.cooldownDuration)
	}
}

func TestManager_ReactiveRefresh(t *testing.T) {
	release := make(chan struct{})
	var blocking atomic.Bool
	m, _, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		if blocking.Load() {
			<-release
			return &Data{EncodedLocations: "0x2"}, nil
		}
		return &Data{EncodedLocations: "0x1"}, nil
	}, nil)

	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)
	if m.Cached() == nil {
		t.Fatal("Cached() = nil after refresh")
	}

	blocking.Store(true)
	m.ReactiveRefresh(context.Background(), "u", testToken)
	if got := m.Cached(); got != nil {
		t.Errorf("Cached() during reactive refresh = %v, want nil", got)
	}
	close(release)
	waitRefresh(t, done)
	if got := m.Cached(); got == nil || got.EncodedLocations != "0x2" {
		t.Errorf("Cached() after reactive refresh = %v, want 0x2", got)
	}
}

func TestManager_FailureLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m, _, done := newTestManager(func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
		return nil, errors.New("lookup unavailable")
	}, logger)

	m.TriggerAsyncRefresh(context.Background(), "u", testToken)
	waitRefresh(t, done)

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "lookup unavailable") {
		t.Errorf("log output = %q, want INFO entry with the lookup error", out)
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
