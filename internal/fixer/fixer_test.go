package fixer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitSendsSessionPayload(t *testing.T) {
	var gotPath, gotKey string
	var gotBody sessionPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret-key", time.Second, testLogger())
	err := c.Submit(context.Background(), FixRequest{
		RepoURL:     "https://github.com/acme/web.git",
		Branch:      "main",
		Title:       "Build failure in acme/web",
		Description: "npm install exited 1",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if gotPath != "/sessions" {
		t.Errorf("request path = %q, want /sessions", gotPath)
	}
	if gotKey != "secret-key" {
		t.Errorf("X-Api-Key = %q, want secret-key", gotKey)
	}
	if gotBody.Prompt != "npm install exited 1" {
		t.Errorf("prompt = %q", gotBody.Prompt)
	}
	if gotBody.SourceContext.Source != "https://github.com/acme/web.git" {
		t.Errorf("sourceContext.source = %q", gotBody.SourceContext.Source)
	}
	if gotBody.SourceContext.StartingBranch != "main" {
		t.Errorf("sourceContext.startingBranch = %q", gotBody.SourceContext.StartingBranch)
	}
}

func TestSubmitExhaustsRetriesOnPersistentError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second, testLogger())
	err := c.Submit(context.Background(), FixRequest{Title: "t", Description: "d"})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestSubmitClientErrorIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second, testLogger())
	if err := c.Submit(context.Background(), FixRequest{Title: "t", Description: "d"}); err == nil {
		t.Fatal("expected error for 4xx response")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSubmitRecoversFromTransientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second, testLogger())
	if err := c.Submit(context.Background(), FixRequest{Title: "t", Description: "d"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestSubmitDisabledWithoutEndpoint(t *testing.T) {
	c := New("", "k", time.Second, testLogger())
	if c.Enabled() {
		t.Fatal("client without endpoint should be disabled")
	}
	if err := c.Submit(context.Background(), FixRequest{}); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
