// Package httpapi is the WebSocket/HTTP transport: a chi router exposing
// health and session-summary endpoints, and a gorilla websocket upgrader
// that wires each accepted connection to a fresh internal/conn.Connection,
// per spec §5 and §6.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voiced/internal/asr"
	"github.com/antoniostano/voiced/internal/auth"
	"github.com/antoniostano/voiced/internal/conn"
	"github.com/antoniostano/voiced/internal/config"
	"github.com/antoniostano/voiced/internal/dialoglog"
	"github.com/antoniostano/voiced/internal/llm"
	"github.com/antoniostano/voiced/internal/observability"
	"github.com/antoniostano/voiced/internal/protocol"
	"github.com/antoniostano/voiced/internal/session"
	"github.com/antoniostano/voiced/internal/tts"
	"github.com/antoniostano/voiced/internal/turn"
	"github.com/antoniostano/voiced/internal/vad"
)

// RecognizerFactory builds a fresh, per-connection ASR Recognizer: real
// engines carry per-connection decode state and must never be shared
// across sessions.
type RecognizerFactory func() asr.Recognizer

// SynthesizerFactory builds a fresh, per-connection TTS Synthesizer.
type SynthesizerFactory func() tts.Synthesizer

// Deps are the collaborators Server wires into every accepted connection.
type Deps struct {
	Config    config.Config
	Sessions  *session.Manager
	Verifier  *auth.Verifier
	Metrics   *observability.Metrics
	DialogLog *dialoglog.Sink
	LLM       *llm.Client

	NewRecognizer  RecognizerFactory
	NewSynthesizer SynthesizerFactory
}

// Server is the HTTP/WS transport layer.
type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	verifier  *auth.Verifier
	metrics   *observability.Metrics
	dialogLog *dialoglog.Sink
	llmClient *llm.Client

	newRecognizer  RecognizerFactory
	newSynthesizer SynthesizerFactory

	upgrader websocket.Upgrader
}

// New builds a Server. NewRecognizer/NewSynthesizer default to the mock
// providers when left nil.
func New(deps Deps) *Server {
	newRecognizer := deps.NewRecognizer
	if newRecognizer == nil {
		newRecognizer = func() asr.Recognizer { return asr.NewMockRecognizer() }
	}
	newSynthesizer := deps.NewSynthesizer
	if newSynthesizer == nil {
		newSynthesizer = func() tts.Synthesizer { return tts.NewMockSynthesizer() }
	}

	cfg := deps.Config
	return &Server{
		cfg:            cfg,
		sessions:       deps.Sessions,
		verifier:       deps.Verifier,
		metrics:        deps.Metrics,
		dialogLog:      deps.DialogLog,
		llmClient:      deps.LLM,
		newRecognizer:  newRecognizer,
		newSynthesizer: newSynthesizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow same-origin browser connections. This
				// keeps another site from driving a user's mic session if the
				// service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients (CLI harnesses, test injection)
					// often omit Origin entirely; allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Router returns the complete chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/sessions/{id}/summary", s.handleSummary)
	r.Post("/v1/voice/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/perf/latency", s.handlePerfLatency)
	r.Post("/v1/voice/perf/latency/reset", s.handlePerfLatencyReset)
	return r
}

// handlePerfLatency reports the rolling per-stage latency window (sample
// count, last/avg/p50/p95/p99, and each stage's target p95) alongside the
// live Prometheus histograms, so an operator can inspect recent turns
// without scraping /metrics.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnStageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handlePerfLatencyReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.sessions.GetSnapshot(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.SummaryResponse{
		OK:        true,
		SessionID: snap.ID,
		Summary:   snap.Summary,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, session.SummaryResponse{
		OK:        true,
		SessionID: snap.ID,
		Summary:   snap.Summary,
	})
}

// handleVoiceWS verifies the handshake token, upgrades the connection, and
// wires a fresh internal/conn.Connection with its own VAD/ASR/TTS/turn
// state to the socket's reader/writer goroutines. A verification failure
// upgrades anyway (the close handshake cannot precede the HTTP 101) and
// immediately closes with the code spec §6 documents, before any frame is
// read.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.verifier.Verify(r)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	if authErr != nil {
		code := auth.CloseCodeForError(authErr)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, authErr.Error()),
			time.Now().Add(time.Second))
		s.metrics.SessionEvents.WithLabelValues("ws_auth_rejected").Inc()
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	sess := s.sessions.Create(sessionID)

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	connection := conn.New(conn.Deps{
		Session:     sess,
		Detector:    vad.NewRMSDetector(s.cfg.VADMode),
		Recognizer:  s.newRecognizer(),
		Synth:       s.newSynthesizer(),
		LLM:         s.llmClient,
		Metrics:     s.metrics,
		DialogLog:   s.dialogLog,
		SampleRate:  s.cfg.SampleRate,
		ASRWarmupMs: s.cfg.ASRWarmupMs,
		TurnConfig: turn.Config{
			BargeInEnabled:          s.cfg.BargeInEnabled,
			BargeInMinVoiceMs:       int64(s.cfg.BargeInMinVoiceMs),
			BargeInCooldownMs:       int64(s.cfg.BargeInCooldownMs),
			BargeInIgnoreAfterTTSMs: int64(s.cfg.BargeInIgnoreAfterTTSMs),
			BargeInArmSilenceMs:     int64(s.cfg.BargeInArmSilenceMs),
		},
	})
	_ = claims // reserved for per-agent authorization; not spec'd further

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = connection.Run(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = wsConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				var werr error
				switch v := msg.(type) {
				case []byte:
					werr = wsConn.WriteMessage(websocket.BinaryMessage, v)
				default:
					werr = wsConn.WriteJSON(v)
				}
				if werr != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}()

	wsConn.SetReadLimit(2 << 20)
	_ = wsConn.SetReadDeadline(time.Now().Add(120 * time.Second))
	wsConn.SetPongHandler(func(string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			if !protocol.IsValidPCMFrame(data) {
				s.metrics.WSMessages.WithLabelValues("inbound", "invalid_pcm_frame").Inc()
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", "pcm_frame").Inc()
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- data:
			}
		case websocket.TextMessage:
			parsed, perr := protocol.ParseClientMessage(data)
			if perr != nil {
				s.metrics.WSMessages.WithLabelValues("inbound", "invalid_message").Inc()
				continue
			}
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
			}
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- parsed:
			}
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

// messageTypeOf extracts the "event"/"type" discriminator from an
// inbound-parsed or outbound protocol value, for the WSMessages counter.
func messageTypeOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.ClientConfig:
		return "config", true
	case protocol.ClientReset:
		return "reset", true
	case protocol.ClientEOF:
		return "eof", true
	case protocol.ClientPing:
		return "ping", true
	case protocol.ClientChat:
		return "chat", true
	case protocol.ClientEndSession:
		return string(m.Type), true
	case protocol.ClientTestInjection:
		return string(m.Type), true
	case protocol.Ready:
		return string(m.Event), true
	case protocol.Reconfigured:
		return string(m.Event), true
	case protocol.Warning:
		return string(m.Event), true
	case protocol.Partial:
		return string(m.Event), true
	case protocol.Final:
		return string(m.Event), true
	case protocol.NLUStart:
		return string(m.Event), true
	case protocol.LLMStart:
		return string(m.Event), true
	case protocol.LLMDelta:
		return string(m.Event), true
	case protocol.LLMEnd:
		return string(m.Event), true
	case protocol.LLMError:
		return string(m.Event), true
	case protocol.TTSStart:
		return string(m.Event), true
	case protocol.TTSAudio:
		return string(m.Event), true
	case protocol.TTSEnd:
		return string(m.Event), true
	case protocol.TTSError:
		return string(m.Event), true
	case protocol.Abort:
		return string(m.Event), true
	case protocol.SessionEnd:
		return string(m.Event), true
	case protocol.Pong:
		return string(m.Event), true
	case protocol.ChatStart:
		return string(m.Event), true
	case protocol.ChatDelta:
		return string(m.Event), true
	case protocol.ChatEnd:
		return string(m.Event), true
	case protocol.ChatError:
		return string(m.Event), true
	case []byte:
		return "audio_frame", true
	default:
		return "", false
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
