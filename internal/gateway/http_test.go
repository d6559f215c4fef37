package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPBroker_CreateConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/connections" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Gateway-Auth") != "shared-key" {
			t.Fatalf("missing gateway auth header")
		}
		var payload createConnectionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.SessionID != "ses_1" || payload.Address != "10.0.0.11" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"url":"https://gw/connect/ses_1","protocol":"rdp"}`))
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, "shared-key")
	raw, err := b.CreateConnection(context.Background(), ConnectionRequest{
		SessionID:   "ses_1",
		UserID:      "usr_1",
		Address:     "10.0.0.11",
		Credentials: "secret",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("decode connection info: %v", err)
	}
	if info["url"] == "" {
		t.Fatal("expected connection url")
	}
}

func TestHTTPBroker_ServerErrorIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, "shared-key")
	_, err := b.CreateConnection(context.Background(), ConnectionRequest{SessionID: "ses_1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPBroker_ConnectionRefusedIsUnreachable(t *testing.T) {
	b := NewHTTPBroker("http://127.0.0.1:1", "shared-key")
	_, err := b.CreateConnection(context.Background(), ConnectionRequest{SessionID: "ses_1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPBroker_DeleteToleratesMissingRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/connections/ses_gone" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, "shared-key")
	if err := b.DeleteConnection(context.Background(), "ses_gone"); err != nil {
		t.Fatalf("expected delete of missing route to succeed, got %v", err)
	}
}
