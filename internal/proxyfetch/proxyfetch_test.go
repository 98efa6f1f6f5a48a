package proxyfetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_UnknownRouteIsStructured404(t *testing.T) {
	c := &Client{Routes: DefaultRoutes("https://example.invalid/api")}

	out, err := c.Request(context.Background(), "crypto-miner", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var rej NotFound
	if err := json.Unmarshal(out, &rej); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rej.Status != 404 {
		t.Fatalf("status = %d", rej.Status)
	}
}

func TestClient_BadgesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/badges" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("username") != "sal" {
			t.Errorf("username = %q", r.URL.Query().Get("username"))
		}
		_, _ = w.Write([]byte(`{"badges":[]}`))
	}))
	defer srv.Close()

	c := &Client{Routes: DefaultRoutes(srv.URL)}
	out, err := c.Request(context.Background(), "badges", []string{"sal"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(out) != `{"badges":[]}` {
		t.Fatalf("out = %q", out)
	}
}

func TestClient_ProfileRouteSelectsKaidField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Variables map[string]string `json:"variables"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("body: %v", err)
		}
		if body.Variables["kaid"] != "kaid_12345" {
			t.Errorf("variables = %v", body.Variables)
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c := &Client{Routes: DefaultRoutes(srv.URL)}
	if _, err := c.Request(context.Background(), "profile", []string{"kaid_12345"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestClient_MissingParameter(t *testing.T) {
	c := &Client{Routes: DefaultRoutes("https://example.invalid")}
	if _, err := c.Request(context.Background(), "badges", nil); err == nil {
		t.Fatalf("expected error for missing parameter")
	}
}

func TestClient_ResponseBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := &Client{Routes: DefaultRoutes(srv.URL), MaxResponseBytes: 10}
	out, err := c.Request(context.Background(), "badges", []string{"sal"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("len = %d", len(out))
	}
}
