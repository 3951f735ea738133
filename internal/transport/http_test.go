package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransport_ClassifiesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{SendURL: srv.URL}, srv.Client())
	outcome := tr.Send(context.Background(), "recipient-1", "hello")
	if outcome != Success {
		t.Fatalf("expected Success, got %v", outcome)
	}
}

func TestHTTPTransport_ClassifiesPermanentFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{SendURL: srv.URL}, srv.Client())
	outcome := tr.Send(context.Background(), "recipient-1", "hello")
	if outcome != PermanentFail {
		t.Fatalf("expected PermanentFail, got %v", outcome)
	}
}

func TestHTTPTransport_ClassifiesTransientFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{SendURL: srv.URL}, srv.Client())
	outcome := tr.Send(context.Background(), "recipient-1", "hello")
	if outcome != TransientFail {
		t.Fatalf("expected TransientFail, got %v", outcome)
	}
}

func TestHTTPTransport_ConnectionErrorIsTransient(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{SendURL: "http://127.0.0.1:1"}, http.DefaultClient)
	outcome := tr.Send(context.Background(), "recipient-1", "hello")
	if outcome != TransientFail {
		t.Fatalf("expected TransientFail for connection error, got %v", outcome)
	}
}

func TestHTTPTransport_TypingNoopWhenURLUnset(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{SendURL: "http://example.invalid"}, http.DefaultClient)
	if err := tr.Typing(context.Background(), "recipient-1"); err != nil {
		t.Fatalf("expected no-op Typing to succeed, got %v", err)
	}
}

func TestHTTPTransport_TypingPostsToTypingURL(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{SendURL: srv.URL, TypingURL: srv.URL}, srv.Client())
	if err := tr.Typing(context.Background(), "recipient-1"); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	if !hit {
		t.Fatal("expected typing request to hit the server")
	}
}
