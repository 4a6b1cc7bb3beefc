package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientStreamEmitsTokensAndDone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q, want Bearer test-key", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Hello", " world"}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, APIKey: "test-key", Model: "m"})

	var tokens []string
	var firstTokenSeen, doneSeen bool
	err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(d Delta) {
		if d.FirstToken {
			firstTokenSeen = true
		}
		if d.Token != "" {
			tokens = append(tokens, d.Token)
		}
		if d.Done {
			doneSeen = true
		}
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(tokens, "") != "Hello world" {
		t.Fatalf("tokens = %v, want [Hello,  world]", tokens)
	}
	if !firstTokenSeen {
		t.Fatalf("expected a first-token delta")
	}
	if !doneSeen {
		t.Fatalf("expected a done delta")
	}
}

func TestClientStreamSurfacesClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, APIKey: "bad"})
	err := c.Stream(context.Background(), nil, func(Delta) {})
	if err == nil {
		t.Fatalf("expected an error for a 401 response")
	}
}

func TestClientStreamSurfacesUpstreamTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL})
	err := c.Stream(context.Background(), nil, func(Delta) {})
	if err == nil {
		t.Fatalf("expected an error for a 503 response")
	}
}

func TestSSEScannerSkipsBlankLines(t *testing.T) {
	r := strings.NewReader("\n\ndata: a\n\ndata: b\n\n")
	s := NewSSEScanner(r)
	var got []string
	for s.Scan() {
		got = append(got, s.Data())
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got = %v, want [a b]", got)
	}
}
