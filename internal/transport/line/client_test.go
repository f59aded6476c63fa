package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func TestMulticastPayload(t *testing.T) {
	var (
		got struct {
			To       []string         `json:"to"`
			Messages []map[string]any `json:"messages"`
		}
		retryKey string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/multicast" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		retryKey = r.Header.Get("X-Line-Retry-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{AccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	units := []transport.Unit{transport.Text("hello"), transport.Image("https://img.example/a.png")}
	if err := c.Multicast(context.Background(), []string{"U1", "U2"}, units); err != nil {
		t.Fatalf("Multicast: %v", err)
	}
	if len(got.To) != 2 || len(got.Messages) != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.Messages[0]["type"] != "text" || got.Messages[0]["text"] != "hello" {
		t.Fatalf("first message = %+v", got.Messages[0])
	}
	if got.Messages[1]["type"] != "image" || got.Messages[1]["previewImageUrl"] != "https://img.example/a.png" {
		t.Fatalf("second message = %+v", got.Messages[1])
	}
	if retryKey == "" {
		t.Fatal("multicast sent without a retry key")
	}
}

func TestPostFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{AccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	err := c.Reply(context.Background(), "rt", transport.Text("x"))
	var te *transport.Error
	if !errors.As(err, &te) || te.Status != http.StatusTooManyRequests || te.Op != "reply" {
		t.Fatalf("expected reply transport error with 429, got %v", err)
	}
}

func TestUnconfiguredClientShortCircuits(t *testing.T) {
	c := New(Config{}, logx.Nop())
	if c.Configured() {
		t.Fatal("client without token must not be configured")
	}
	if err := c.Multicast(context.Background(), []string{"U1"}, nil); err != nil {
		t.Fatalf("Multicast should be a silent no-op, got %v", err)
	}
	if _, err := c.Profile(context.Background(), "U1"); !errors.Is(err, transport.ErrNotConfigured) {
		t.Fatalf("Profile err = %v", err)
	}
}

func TestDisplayNameFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/bot/profile/U1" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"userId":"U1","displayName":"Sato"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{AccessToken: "tok", BaseURL: srv.URL}, logx.Nop())
	if res := c.DisplayName(context.Background(), "U1", FallbackName); res.Name != "Sato" || res.Fallback || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	res := c.DisplayName(context.Background(), "U2", FallbackName)
	if res.Name != FallbackName || !res.Fallback || res.Err == nil {
		t.Fatalf("expected fallback, got %+v", res)
	}
	var te *transport.Error
	if !errors.As(res.Err, &te) || te.Status != http.StatusNotFound {
		t.Fatalf("fallback error = %v", res.Err)
	}
}
