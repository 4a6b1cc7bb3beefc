package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voiced/internal/auth"
	"github.com/antoniostano/voiced/internal/config"
	"github.com/antoniostano/voiced/internal/llm"
	"github.com/antoniostano/voiced/internal/observability"
	"github.com/antoniostano/voiced/internal/protocol"
	"github.com/antoniostano/voiced/internal/session"
)

func newTestServer(t *testing.T, verifier *auth.Verifier) (*Server, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_"))
	if verifier == nil {
		verifier = auth.NewVerifier(auth.Config{Bypass: true})
	}
	srv := New(Deps{
		Config:   config.Config{SampleRate: 16000, VADMode: 2, ASRWarmupMs: 50, BargeInEnabled: true},
		Sessions: sessions,
		Verifier: verifier,
		Metrics:  metrics,
		LLM:      llm.NewClient(llm.Config{BaseURL: "http://unused.invalid", Model: "test-model"}),
	})
	return srv, sessions
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
}

func TestSummaryAndEndSessionEndpoints(t *testing.T) {
	srv, sessions := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create("")
	sess.AppendTurn(session.Turn{Role: "user", Text: "hello there"})

	endRes, err := http.Post(ts.URL+"/v1/voice/sessions/"+sess.ID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want 200", endRes.StatusCode)
	}

	sumRes, err := http.Get(ts.URL + "/v1/voice/sessions/" + sess.ID + "/summary")
	if err != nil {
		t.Fatalf("summary request error = %v", err)
	}
	defer sumRes.Body.Close()
	if sumRes.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, want 200", sumRes.StatusCode)
	}
	var summary session.SummaryResponse
	if err := json.NewDecoder(sumRes.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Summary == "" {
		t.Fatalf("expected non-empty summary after ending a session with turns")
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	srv.metrics.ObserveTurnStage("turn_total", 120*time.Millisecond)

	res, err := http.Get(ts.URL + "/v1/voice/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/voice/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var snap observability.TurnStageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	found := false
	for _, stage := range snap.Stages {
		if stage.Stage == "turn_total" && stage.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a turn_total stage with one sample, got %+v", snap.Stages)
	}

	resetRes, err := http.Post(ts.URL+"/v1/voice/perf/latency/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset error = %v", err)
	}
	defer resetRes.Body.Close()
	if resetRes.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resetRes.StatusCode)
	}
}

func TestSummaryUnknownSessionReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/voice/sessions/does-not-exist/summary")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestVoiceWSHandshakeAndTestInjection(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/v1/voice/ws", nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	handshake, _ := json.Marshal(protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}})
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	injection, _ := json.Marshal(protocol.ClientTestInjection{Type: protocol.TypeFinal, Text: "hello from the harness"})
	if err := conn.WriteMessage(websocket.TextMessage, injection); err != nil {
		t.Fatalf("write test injection: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawReady := false
	sawFinal := false
	for i := 0; i < 20 && !(sawReady && sawFinal); i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case string(protocol.TypeReady):
			sawReady = true
		case string(protocol.TypeFinal):
			sawFinal = true
		}
	}
	if !sawReady {
		t.Fatalf("expected a ready message")
	}
	if !sawFinal {
		t.Fatalf("expected a final message after test injection")
	}
}

func TestVoiceWSRejectsMissingAuthToken(t *testing.T) {
	verifier := auth.NewVerifier(auth.Config{Secret: "s3cret", Issuer: "voiced", Audience: "voice-ws"})
	srv, _ := newTestServer(t, verifier)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/v1/voice/ws", nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 4001 {
		t.Fatalf("close code = %d, want 4001", closeErr.Code)
	}
}
