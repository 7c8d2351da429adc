package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/models"
)

// noSleep records requested delays without waiting.
type noSleep struct {
	delays []time.Duration
}

func (n *noSleep) sleep(_ context.Context, d time.Duration) error {
	n.delays = append(n.delays, d)
	return nil
}

func newTestClient(url string, sleeper *noSleep) *Client {
	c := NewClient(config.TextInConfig{
		Endpoint:    url,
		AppID:       "app",
		SecretCode:  "secret",
		ParseMode:   "auto",
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		MaxDelay:    16 * time.Second,
	})
	c.policy.Sleep = sleeper.sleep
	c.policy.Backoff = ExponentialBackoff(4*time.Second, 16*time.Second, 0)
	return c
}

func successBody(t *testing.T) []byte {
	t.Helper()
	body := map[string]any{
		"code":    200,
		"message": "success",
		"result": map[string]any{
			"markdown":          "# Report\n\nRevenue grew.",
			"total_page_number": 3,
			"valid_page_number": 3,
			"duration":          1200,
			"request_id":        "req-1",
			"excel":             base64.StdEncoding.EncodeToString([]byte("xlsx-bytes")),
			"pages":             []map[string]any{{"page_id": 1}, {"page_id": 2}, {"page_id": 3}},
			"detail": []map[string]any{
				{"type": "paragraph", "sub_type": "text_title", "text": "Report", "page_id": 1, "position": []int{0, 0, 10, 0, 10, 5, 0, 5}, "outline_level": 1},
				{"type": "paragraph", "text": "Revenue grew.", "page_id": 1, "char_pos": []int{10, 23}, "content": 0},
				{"type": "table", "text": "<table></table>", "page_id": 2, "cells": []map[string]any{{"row": 0, "col": 0, "text": "a"}}},
				{"type": "image", "sub_type": "chart", "page_id": 3, "image_url": "https://img/1.png"},
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return b
}

func TestExtractSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("x-ti-app-id") != "app" || r.Header.Get("x-ti-secret-code") != "secret" {
			t.Error("Expected auth headers")
		}
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			t.Errorf("Expected octet-stream, got %s", r.Header.Get("Content-Type"))
		}
		if got := r.URL.Query().Get("pdf_parse_mode"); got != "scan" {
			t.Errorf("Expected pdf_parse_mode=scan, got %q", got)
		}
		w.Write(successBody(t))
	}))
	defer server.Close()

	sleeper := &noSleep{}
	c := newTestClient(server.URL, sleeper)
	res, err := c.Extract(context.Background(), []byte("%PDF-1.7"), c.Params(Overrides{ParseMode: "scan"}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Calls != 1 {
		t.Errorf("Expected 1 call, got %d", res.Calls)
	}
	if res.TotalPages != 3 || res.RequestID != "req-1" || res.DurationMs != 1200 {
		t.Errorf("Unexpected result fields: %+v", res)
	}
	if string(res.Workbook) != "xlsx-bytes" {
		t.Errorf("Expected decoded workbook, got %q", res.Workbook)
	}
	if !res.HasChart {
		t.Error("Expected HasChart")
	}
	if len(res.Elements) != 4 {
		t.Fatalf("Expected 4 elements, got %d", len(res.Elements))
	}

	want := []models.ElementKind{models.KindHeading, models.KindText, models.KindTable, models.KindImage}
	for i, el := range res.Elements {
		if el.Kind != want[i] {
			t.Errorf("element %d: expected kind %s, got %s", i, want[i], el.Kind)
		}
		if el.Seq != i {
			t.Errorf("element %d: expected seq %d, got %d", i, i, el.Seq)
		}
	}
	if res.Elements[0].PageNumber != 1 || len(res.Elements[0].Position) != 8 {
		t.Errorf("Expected page 1 with 8-point box, got %+v", res.Elements[0])
	}
	if res.Elements[1].CharStart == nil || *res.Elements[1].CharStart != 10 || res.Elements[1].ContentFlag != "0" {
		t.Errorf("Expected char span and content flag, got %+v", res.Elements[1])
	}
	if len(res.Elements[2].TableCells) == 0 {
		t.Error("Expected table cells on table element")
	}
	if res.Elements[0].TableCells != nil {
		t.Error("Expected no table cells on non-table element")
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("Expected no sleeps, got %v", sleeper.delays)
	}
}

func TestExtractRetryBound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sleeper := &noSleep{}
	c := newTestClient(server.URL, sleeper)
	_, err := c.Extract(context.Background(), []byte("x"), c.Params(Overrides{}))
	if err == nil {
		t.Fatal("Expected error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected exactly 3 calls, got %d", got)
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if !e.Transient || e.StatusCode != http.StatusServiceUnavailable || e.Calls != 3 {
		t.Errorf("Unexpected error fields: %+v", e)
	}
	wantDelays := []time.Duration{4 * time.Second, 8 * time.Second}
	if len(sleeper.delays) != len(wantDelays) {
		t.Fatalf("Expected delays %v, got %v", wantDelays, sleeper.delays)
	}
	for i, d := range wantDelays {
		if sleeper.delays[i] != d {
			t.Errorf("delay %d: expected %v, got %v", i, d, sleeper.delays[i])
		}
	}
}

func TestExtractRecoversAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(successBody(t))
	}))
	defer server.Close()

	c := newTestClient(server.URL, &noSleep{})
	res, err := c.Extract(context.Background(), []byte("x"), c.Params(Overrides{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Calls != 3 {
		t.Errorf("Expected 3 calls, got %d", res.Calls)
	}
}

func TestExtractPermanentErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
	}{
		{
			name: "client error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad request", http.StatusBadRequest)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
		{
			name: "service error code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"code":40101,"message":"invalid app id"}`))
			},
			code: 40101,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer server.Close()

			c := newTestClient(server.URL, &noSleep{})
			_, err := c.Extract(context.Background(), []byte("x"), c.Params(Overrides{}))
			if err == nil {
				t.Fatal("Expected error")
			}
			if IsTransient(err) {
				t.Errorf("Expected permanent error, got %v", err)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("Expected 1 call, got %d", got)
			}
			if Calls(err) != 1 {
				t.Errorf("Expected error to report 1 call, got %d", Calls(err))
			}
			var e *Error
			if errors.As(err, &e) && e.Code != tt.code {
				t.Errorf("Expected code %d, got %d", tt.code, e.Code)
			}
		})
	}
}

func TestExtractConnectionErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(url, &noSleep{})
	_, err := c.Extract(context.Background(), []byte("x"), c.Params(Overrides{}))
	if !IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if Calls(err) != 3 {
		t.Errorf("Expected 3 calls, got %d", Calls(err))
	}
}

func TestExtractCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(server.URL, &noSleep{})
	c.policy.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := c.Extract(ctx, []byte("x"), c.Params(Overrides{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if IsTransient(err) {
		t.Error("Expected cancellation to be permanent")
	}
	if Calls(err) != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", Calls(err))
	}
}

func TestExtractCancelledDuringBackoffKeepsLastCause(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(server.URL, &noSleep{})
	sleeps := 0
	c.policy.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	_, err := c.Extract(ctx, []byte("x"), c.Params(Overrides{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if e.StatusCode != http.StatusServiceUnavailable || e.Calls != 2 || e.Transient {
		t.Errorf("Expected permanent error keeping http 503 after 2 calls, got %+v", e)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("Expected last response body in error, got %v", err)
	}
}
