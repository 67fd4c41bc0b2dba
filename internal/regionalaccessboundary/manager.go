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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/stsauth"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	dataTTL           = 6 * time.Hour
	softRefreshWindow = 1 * time.Hour

	minCooldown = 15 * time.Minute
	maxCooldown = 24 * time.Hour
)

type fetchFunc func(ctx context.Context, url string, token *stsauth.Token) (*Data, error)

type entry struct {
	data   *Data
	expiry time.Time
}

// Manager caches Regional Access Boundary data and refreshes it in the
// background. Reads never block: the cached entry lives in a single atomic
// slot, and at most one refresh runs at a time. Failed refreshes start a
// cooldown that doubles on every consecutive failure, from 15 minutes up to
// 24 hours, and is cleared by the next success. A Manager is safe for
// concurrent use.
type Manager struct {
	fetch  fetchFunc
	logger *slog.Logger
	now    func() time.Time

	cache      atomic.Pointer[entry]
	refreshing atomic.Bool

	mu               sync.Mutex
	cooldownStart    time.Time
	cooldownDuration time.Duration

	// refreshDone is called after every background refresh. Used in tests.
	refreshDone func()
}

// NewManager returns a Manager that looks up boundaries with client.
func NewManager(client *http.Client, logger *slog.Logger) *Manager {
	logger = internallog.New(logger)
	return &Manager{
		fetch: func(ctx context.Context, url string, token *stsauth.Token) (*Data, error) {
			return fetchData(ctx, client, url, token, logger)
		},
		logger: logger,
		now:    time.Now,
	}
}

// Cached returns the cached boundary, or nil if there is none or it has
// expired. It never performs I/O.
func (m *Manager) Cached() *Data {
	e := m.cache.Load()
	if e == nil || !m.now().Before(e.expiry) {
		return nil
	}
	return e.data
}

// TriggerAsyncRefresh starts a background lookup of url authorized by token,
// unless a cooldown is active, the cached boundary is still fresh, or a
// refresh is already in flight. It returns immediately.
func (m *Manager) TriggerAsyncRefresh(ctx context.Context, url string, token *stsauth.Token) {
	if m.IsCooldownActive() || m.isFresh() {
		return
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	go m.refresh(context.WithoutCancel(ctx), url, token)
}

// ReactiveRefresh drops the cached boundary and triggers a refresh. Callers
// use it when a request was rejected in a way that suggests the boundary is
// out of date.
func (m *Manager) ReactiveRefresh(ctx context.Context, url string, token *stsauth.Token) {
	m.cache.Store(nil)
	m.TriggerAsyncRefresh(ctx, url, token)
}

// IsCooldownActive reports whether lookups are currently suppressed after a
// failure.
func (m *Manager) IsCooldownActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldownStart.IsZero() {
		return false
	}
	return m.now().Before(m.cooldownStart.Add(m.cooldownDuration))
}

// isFresh reports whether the cached entry exists and is outside the soft
// refresh window.
func (m *Manager) isFresh() bool {
	e := m.cache.Load()
	return e != nil && m.now().Before(e.expiry.Add(-softRefreshWindow))
}

func (m *Manager) refresh(ctx context.Context, url string, token *stsauth.Token) {
	defer func() {
		m.refreshing.Store(false)
		if m.refreshDone != nil {
			m.refreshDone()
		}
	}()
	data, err := m.fetch(ctx, url, token)
	if err != nil {
		d := m.recordFailure()
		m.logger.InfoContext(ctx, "regionalaccessboundary: lookup failed, keeping previous value", "error", err, "cooldown", d)
		return
	}
	m.cache.Store(&entry{data: data, expiry: m.now().Add(dataTTL)})
	m.recordSuccess()
}

func (m *Manager) recordFailure() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.cooldownDuration == 0:
		m.cooldownDuration = minCooldown
	case m.cooldownDuration*2 > maxCooldown:
		m.cooldownDuration = maxCooldown
	default:
		m.cooldownDuration *= 2
	}
	m.cooldownStart = m.now()
	return m.cooldownDuration
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownStart = time.Time{}
	m.cooldownDuration = 0
}
