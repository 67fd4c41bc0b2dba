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

// Package retry implements the retry policy shared by the token exchange and
// impersonation endpoints.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

const (
	maxRetryAttempts = 3

	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	multiplier     = 2
	jitter         = 0.1
)

type backoff interface {
	Pause() time.Duration
}

// defaultBackoff is basic backoff implementation with ±10% jitter around an
// exponentially growing base delay.
type defaultBackoff struct {
	cur time.Duration
	max time.Duration
	mul float64
}

func (b *defaultBackoff) Pause() time.Duration {
	d := time.Duration(float64(b.cur) * (1 - jitter + 2*jitter*rand.Float64()))
	b.cur = time.Duration(float64(b.cur) * b.mul)
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Retryer decides whether a request should be retried and how long to wait
// before the next attempt. A Retryer is not safe for concurrent use and should
// be created per logical request.
type Retryer struct {
	bo       backoff
	attempts int
}

// New returns a Retryer configured with the default policy: three retries
// with exponential backoff starting at one second.
func New() *Retryer {
	return NewWithBackoff(initialBackoff)
}

// NewWithBackoff returns a Retryer with the default policy whose first pause
// is initial instead of one second.
func NewWithBackoff(initial time.Duration) *Retryer {
	return &Retryer{bo: &defaultBackoff{
		cur: initial,
		max: maxBackoff,
		mul: multiplier,
	}}
}

// Retry reports whether the request that produced status and err should be
// retried, and if so the pause to wait beforehand.
func (r *Retryer) Retry(status int, err error) (time.Duration, bool) {
	if status == http.StatusOK {
		return 0, false
	}
	if r.attempts >= maxRetryAttempts {
		return 0, false
	}
	if !shouldRetry(status, err) {
		return 0, false
	}
	r.attempts++
	return r.bo.Pause(), true
}

// Attempts returns the number of retries granted so far.
func (r *Retryer) Attempts() int {
	return r.attempts
}

// RetryableStatus reports whether an HTTP status is in the transient allow
// list: 500, 503, 408 and 429.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

func shouldRetry(status int, err error) bool {
	if RetryableStatus(status) {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// Sleep waits for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) error {
	return gax.Sleep(ctx, d)
}
