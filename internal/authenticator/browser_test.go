package authenticator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()

	b, err := NewBrowser("127.0.0.1:9780", time.Second)
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}
	return b
}

func TestNewBrowser(t *testing.T) {
	b := newTestBrowser(t)

	if b.templates == nil {
		t.Error("expected templates to be loaded")
	}
	if b.httpServer == nil {
		t.Error("expected http server to be configured")
	}
}

func TestHealthEndpoint(t *testing.T) {
	b := newTestBrowser(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	b.httpServer.Handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestCeremonyFlow(t *testing.T) {
	b := newTestBrowser(t)

	type assertResult struct {
		assertion string
		err       error
	}
	done := make(chan assertResult, 1)
	go func() {
		assertion, err := b.Assert(context.Background(), []byte(`{"publicKey":{"challenge":"dGVzdA"}}`))
		done <- assertResult{assertion, err}
	}()

	// Wait for Assert to register the ceremony.
	var id string
	deadline := time.Now().Add(time.Second)
	for id == "" {
		if time.Now().After(deadline) {
			t.Fatal("ceremony was never registered")
		}
		b.mu.Lock()
		for registered := range b.ceremonies {
			id = registered
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	// The ceremony page renders with the payload embedded.
	req := httptest.NewRequest("GET", "/ceremony/"+id, nil)
	w := httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)

	pageResp := w.Result()
	defer func() { _ = pageResp.Body.Close() }()
	if pageResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for ceremony page, got %d", pageResp.StatusCode)
	}

	// The browser posts the signed assertion back.
	body := strings.NewReader(`{"assertion":"signed-assertion"}`)
	req = httptest.NewRequest("POST", "/ceremony/"+id+"/assertion", body)
	w = httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)

	postResp := w.Result()
	defer func() { _ = postResp.Body.Close() }()
	if postResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for assertion post, got %d", postResp.StatusCode)
	}

	result := <-done
	if result.err != nil {
		t.Fatalf("Assert failed: %v", result.err)
	}
	if result.assertion != "signed-assertion" {
		t.Errorf("expected assertion 'signed-assertion', got '%s'", result.assertion)
	}

	// The ceremony is gone once the outcome is delivered.
	if _, ok := b.lookup(id); ok {
		t.Error("expected ceremony to be removed after completion")
	}
}

func TestCeremonyDeclined(t *testing.T) {
	b := newTestBrowser(t)

	done := make(chan error, 1)
	go func() {
		_, err := b.Assert(context.Background(), []byte(`{}`))
		done <- err
	}()

	var id string
	deadline := time.Now().Add(time.Second)
	for id == "" {
		if time.Now().After(deadline) {
			t.Fatal("ceremony was never registered")
		}
		b.mu.Lock()
		for registered := range b.ceremonies {
			id = registered
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	body := strings.NewReader(`{"declined":true,"error":"NotAllowedError"}`)
	req := httptest.NewRequest("POST", "/ceremony/"+id+"/assertion", body)
	w := httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)
	_ = w.Result().Body.Close()

	err := <-done
	if !errors.Is(err, ErrDeclined) {
		t.Errorf("expected ErrDeclined, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "NotAllowedError") {
		t.Errorf("expected decline reason in error, got %v", err)
	}
}

func TestCeremonyTimeout(t *testing.T) {
	b := newTestBrowser(t)
	b.timeout = 10 * time.Millisecond

	_, err := b.Assert(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrDeclined) {
		t.Errorf("expected ErrDeclined on timeout, got %v", err)
	}
}

func TestAssertContextCanceled(t *testing.T) {
	b := newTestBrowser(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Assert(ctx, []byte(`{}`))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestUnknownCeremonyPage(t *testing.T) {
	b := newTestBrowser(t)

	req := httptest.NewRequest("GET", "/ceremony/nonexistent", nil)
	w := httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown ceremony, got %d", resp.StatusCode)
	}
}

func TestUnknownCeremonyAssertion(t *testing.T) {
	b := newTestBrowser(t)

	req := httptest.NewRequest("POST", "/ceremony/nonexistent/assertion", strings.NewReader(`{"assertion":"x"}`))
	w := httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	b := newTestBrowser(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	b.httpServer.Handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %s", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected X-Content-Type-Options nosniff, got %s", got)
	}
}
