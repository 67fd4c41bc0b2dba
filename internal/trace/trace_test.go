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

package trace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"testing"

	"cloud.google.com/go/stsauth"
	"cloud.google.com/go/stsauth/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.opentelemetry.io/otel/attribute"
	otcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	ignoreEventFields = cmpopts.IgnoreFields(trace.Event{}, "Time")
	ignoreValueFields = cmpopts.IgnoreFields(attribute.Value{}, "vtype", "numeric", "stringly", "slice")
)

func TestStartSpan(t *testing.T) {
	ctx := context.Background()
	te := testutil.NewOpenTelemetryTestExporter()
	t.Cleanup(func() {
		te.Unregister(ctx)
	})

	ctx = StartSpan(ctx, "test-span", attribute.String("source", "file"))

	TracePrintf(ctx, annotationData(), "subject token %s", "retrieved")

	err := &stsauth.Error{Response: &http.Response{StatusCode: http.StatusBadRequest}}
	EndSpan(ctx, err)
	spans := te.Spans()
	if len(spans) != 1 {
		t.Fatalf("got %d, want 1", len(spans))
	}
	if got, want := spans[0].Name, "test-span"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if want := otcodes.Error; spans[0].Status.Code != want {
		t.Errorf("got %v, want %v", spans[0].Status.Code, want)
	}
	if want := "http status 400"; spans[0].Status.Description != want {
		t.Errorf("got %v, want %v", spans[0].Status.Description, want)
	}
	if got, want := spans[0].Attributes, []attribute.KeyValue{attribute.String("source", "file")}; !cmp.Equal(got, want, ignoreValueFields) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := spans[0].Events[0].Name, "subject token retrieved"; got != want {
		t.Errorf("got event %q, want %q", got, want)
	}

	want := []attribute.KeyValue{
		attribute.Key("my_bool").Bool(true),
		attribute.Key("my_float").String("0.9"),
		attribute.Key("my_int").Int(123),
		attribute.Key("my_int64").Int64(int64(456)),
		attribute.Key("my_string").String("my string"),
	}
	got := spans[0].Events[0].Attributes
	// Sorting is required since the TracePrintf parameter is a map.
	sort.Slice(got, func(i, j int) bool {
		return got[i].Key < got[j].Key
	})
	if !cmp.Equal(got, want, ignoreEventFields, ignoreValueFields) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := spans[0].Events[1].Name; got != "exception" {
		t.Errorf("got event %q, want %q", got, "exception")
	}
}

func TestToStatus(t *testing.T) {
	for _, tc := range []struct {
		input error
		want  string
	}{
		{
			errors.New("some random error"),
			"some random error",
		},
		{
			fmt.Errorf("wrapped: %w", &stsauth.Error{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}),
			"http status 503",
		},
		{
			&stsauth.PluggableAuthError{Code: "401", Message: "denied"},
			"401",
		},
	} {
		if _, got := toStatus(tc.input); got != tc.want {
			t.Errorf("got %s, want %s", got, tc.want)
		}
	}
}

func annotationData() map[string]interface{} {
	attrMap := make(map[string]interface{})
	attrMap["my_string"] = "my string"
	attrMap["my_bool"] = true
	attrMap["my_int"] = 123
	attrMap["my_int64"] = int64(456)
	attrMap["my_float"] = 0.9
	return attrMap
}
