package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antoniostano/voiced/internal/asr"
	"github.com/antoniostano/voiced/internal/llm"
	"github.com/antoniostano/voiced/internal/observability"
	"github.com/antoniostano/voiced/internal/protocol"
	"github.com/antoniostano/voiced/internal/session"
	"github.com/antoniostano/voiced/internal/tts"
	"github.com/antoniostano/voiced/internal/turn"
	"github.com/antoniostano/voiced/internal/vad"
)

// contentDetector classifies a frame as voice iff it contains any non-zero
// byte, bypassing RMSDetector's energy threshold and hysteresis so
// barge-in tests can drive voice/silence deterministically frame-by-frame.
type contentDetector struct{}

func (contentDetector) Classify(frame []byte) bool {
	for _, b := range frame {
		if b != 0 {
			return true
		}
	}
	return false
}

// scriptedRecognizer emits a queued sequence of events, one per Poll call
// after a matching PushFrame.
type scriptedRecognizer struct {
	events []asr.Event
	i      int
}

func (r *scriptedRecognizer) PushFrame(context.Context, []byte) error { return nil }

func (r *scriptedRecognizer) Poll(context.Context) (asr.Event, bool, error) {
	if r.i >= len(r.events) {
		return asr.Event{}, false, nil
	}
	ev := r.events[r.i]
	r.i++
	return ev, true, nil
}

func newTestConnection(t *testing.T, llmURL string, rec *scriptedRecognizer) (*Connection, *session.Manager, *session.Session) {
	t.Helper()
	return newTestConnectionWithTurnConfig(t, llmURL, rec, turn.DefaultConfig())
}

func newTestConnectionWithTurnConfig(t *testing.T, llmURL string, rec *scriptedRecognizer, turnCfg turn.Config) (*Connection, *session.Manager, *session.Session) {
	t.Helper()
	mgr := session.NewManager(time.Minute)
	sess := mgr.Create("")

	llmClient := llm.NewClient(llm.Config{BaseURL: llmURL, Model: "test-model"})

	deps := Deps{
		Session:     sess,
		Detector:    vad.NewRMSDetector(2),
		Recognizer:  rec,
		Synth:       tts.NewMockSynthesizer(),
		LLM:         llmClient,
		Metrics:     observability.NewMetrics("voiced_test_" + sess.ID[:8]),
		SampleRate:  16000,
		ASRWarmupMs: 50,
		TurnConfig:  turnCfg,
	}
	return New(deps), mgr, sess
}

func newSilentFrame() []byte {
	return make([]byte, vad.FrameBytes)
}

func sseServer(chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func drainOutbound(t *testing.T, outbound <-chan any, timeout time.Duration) []any {
	t.Helper()
	var got []any
	deadline := time.After(timeout)
	for {
		select {
		case v := <-outbound:
			got = append(got, v)
		case <-deadline:
			return got
		}
	}
}

func TestHandshakeSendsReady(t *testing.T) {
	c, _, _ := newTestConnection(t, "http://unused.invalid", &scriptedRecognizer{})

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 4)
	outbound := make(chan any, 16)

	inbound <- protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}}
	close(inbound)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, inbound, outbound) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return")
	}
	cancel()

	msgs := drainOutbound(t, outbound, 10*time.Millisecond)
	found := false
	for _, m := range msgs {
		if ready, ok := m.(protocol.Ready); ok {
			found = true
			if ready.SampleRate != 16000 || ready.FrameMS != 20 {
				t.Fatalf("unexpected Ready payload: %+v", ready)
			}
		}
	}
	if !found {
		t.Fatalf("expected a Ready message, got %#v", msgs)
	}
}

func TestSimpleTurnFlowsThroughLLMAndTTS(t *testing.T) {
	ts := sseServer([]string{"Hi", " there"})
	defer ts.Close()

	rec := &scriptedRecognizer{events: []asr.Event{
		{Type: asr.EventFinal, Text: "hello assistant"},
	}}
	c, _, sess := newTestConnection(t, ts.URL, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inbound := make(chan any, 8)
	outbound := make(chan any, 64)

	inbound <- protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}}
	inbound <- newSilentFrame()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, inbound, outbound) }()

	var sawFinal, sawLLMStart, sawLLMEnd, sawTTSStart, sawTTSEnd, sawAudio bool
	deadline := time.After(time.Second)
	for !(sawFinal && sawLLMStart && sawLLMEnd && sawTTSStart && sawTTSEnd && sawAudio) {
		select {
		case m := <-outbound:
			switch v := m.(type) {
			case protocol.Final:
				sawFinal = true
			case protocol.LLMStart:
				sawLLMStart = true
			case protocol.LLMEnd:
				sawLLMEnd = true
			case protocol.TTSStart:
				sawTTSStart = true
			case protocol.TTSEnd:
				sawTTSEnd = true
			case []byte:
				sawAudio = true
				_ = v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for full turn; final=%v llmStart=%v llmEnd=%v ttsStart=%v ttsEnd=%v audio=%v",
				sawFinal, sawLLMStart, sawLLMEnd, sawTTSStart, sawTTSEnd, sawAudio)
		}
	}

	close(inbound)
	cancel()
	<-errCh

	history := sess.History(0)
	if len(history) == 0 {
		t.Fatalf("expected at least one turn recorded in session history")
	}
}

func TestBargeInAbortsActiveOutput(t *testing.T) {
	ts := sseServer([]string{"This is a long reply that keeps streaming for a while so TTS has time to start. "})
	defer ts.Close()

	rec := &scriptedRecognizer{events: []asr.Event{
		{Type: asr.EventFinal, Text: "tell me a long story"},
	}}
	// BargeInArmSilenceMs/BargeInMinVoiceMs are counted in simulated 20ms
	// frame-ticks regardless of real elapsed time, but BargeInCooldownMs and
	// BargeInIgnoreAfterTTSMs gate on wall-clock time since the real frames
	// below are pushed back-to-back in microseconds; zero them out so this
	// test isn't racing the real clock.
	turnCfg := turn.DefaultConfig()
	turnCfg.BargeInArmSilenceMs = 200
	turnCfg.BargeInMinVoiceMs = 200
	turnCfg.BargeInCooldownMs = 0
	turnCfg.BargeInIgnoreAfterTTSMs = 0
	c, _, _ := newTestConnectionWithTurnConfig(t, ts.URL, rec, turnCfg)
	c.deps.Detector = contentDetector{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inbound := make(chan any, 128)
	outbound := make(chan any, 256)

	inbound <- protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}}
	inbound <- newSilentFrame()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, inbound, outbound) }()

	var sawTTSStart bool
	deadline := time.After(time.Second)
wait:
	for {
		select {
		case m := <-outbound:
			if _, ok := m.(protocol.TTSStart); ok {
				sawTTSStart = true
				break wait
			}
		case <-deadline:
			t.Fatalf("timed out waiting for tts_start")
		}
	}
	if !sawTTSStart {
		t.Fatalf("expected tts_start before driving barge-in")
	}

	// BargeInTick requires a silent run >= BargeInArmSilenceMs to arm,
	// then a voice run >= BargeInMinVoiceMs to fire. Drive both.
	for i := 0; i < 60; i++ {
		inbound <- newSilentFrameVoiced(false)
	}
	for i := 0; i < 60; i++ {
		inbound <- newSilentFrameVoiced(true)
	}

	var sawAbort bool
	deadline = time.After(time.Second)
	for !sawAbort {
		select {
		case m := <-outbound:
			if a, ok := m.(protocol.Abort); ok && a.Reason == "barge_in" {
				sawAbort = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for barge_in abort")
		}
	}

	close(inbound)
	cancel()
	<-errCh
}

func newSilentFrameVoiced(voice bool) []byte {
	frame := make([]byte, vad.FrameBytes)
	if !voice {
		return frame
	}
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 0x7f
		} else {
			frame[i] = 0x7f
		}
	}
	return frame
}

// gatedSSEServer streams an initial chunk immediately (ending in a period
// so the TTS chunker cuts a ready chunk right away), then blocks until the
// test sends on release, letting the test drive exactly when tts_start has
// fired before triggering a restart.
func gatedSSEServer(release <-chan struct{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", "First sentence. ")
		if flusher != nil {
			flusher.Flush()
		}
		<-release
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", "more content that never needed to arrive")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestRestartAbortsPreviousUtteranceOutputWindow(t *testing.T) {
	release := make(chan struct{})
	ts := gatedSSEServer(release)
	defer ts.Close()
	defer close(release)

	// Anti-echo's recent_tts_chunk gate is wall-clock based
	// (BargeInIgnoreAfterTTSMs); zero it so the restart final isn't dropped
	// for arriving shortly after the first chunk's send in real time.
	turnCfg := turn.DefaultConfig()
	turnCfg.BargeInIgnoreAfterTTSMs = 0
	c, _, _ := newTestConnectionWithTurnConfig(t, ts.URL, &scriptedRecognizer{}, turnCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inbound := make(chan any, 8)
	outbound := make(chan any, 64)

	inbound <- protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, inbound, outbound) }()

	inbound <- protocol.ClientTestInjection{Type: protocol.TypeFinal, Text: "tell me a short story"}

	// Wait for the one chunk the gated server's first delta produces: both
	// tts_start and the binary audio frame, so OnTTSChunkSent has cleared
	// ttsPlaying and the output window is held open only by outputActive
	// (the gated server sends nothing further until release), matching the
	// gap HandleFinalText's restart decision requires.
	var sawTTSStart, sawAudio bool
	deadline := time.After(time.Second)
	for !(sawTTSStart && sawAudio) {
		select {
		case m := <-outbound:
			switch m.(type) {
			case protocol.TTSStart:
				sawTTSStart = true
			case []byte:
				sawAudio = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for first turn's tts_start/audio")
		}
	}
	time.Sleep(10 * time.Millisecond)

	inbound <- protocol.ClientTestInjection{
		Type: protocol.TypeFinal,
		Text: "actually forget that, tell me instead a completely different and much longer story about something else entirely",
	}

	var sawLLMAbort, sawTTSAbort, sawTTSEnd, sawSecondLLMStart bool
	deadline = time.After(time.Second)
	for !(sawLLMAbort && sawTTSAbort && sawTTSEnd && sawSecondLLMStart) {
		select {
		case m := <-outbound:
			switch v := m.(type) {
			case protocol.Abort:
				if v.UtteranceID != 1 {
					t.Fatalf("abort for unexpected utterance id: %+v", v)
				}
				switch v.Scope {
				case protocol.AbortScopeLLM:
					sawLLMAbort = true
				case protocol.AbortScopeTTS:
					sawTTSAbort = true
				}
			case protocol.TTSEnd:
				if v.UtteranceID == 1 {
					sawTTSEnd = true
				}
			case protocol.LLMStart:
				if v.UtteranceID == 2 {
					sawSecondLLMStart = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for restart to close utterance 1's output window; llmAbort=%v ttsAbort=%v ttsEnd=%v llmStart2=%v",
				sawLLMAbort, sawTTSAbort, sawTTSEnd, sawSecondLLMStart)
		}
	}

	close(inbound)
	cancel()
	<-errCh
}

func TestEndSessionReturnsSentinelError(t *testing.T) {
	c, _, _ := newTestConnection(t, "http://unused.invalid", &scriptedRecognizer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan any, 4)
	outbound := make(chan any, 16)

	inbound <- protocol.ClientConfig{Config: protocol.ConfigHandshake{SampleRate: 16000}}
	inbound <- protocol.ClientEndSession{Type: protocol.TypeEndSession}

	err := c.Run(ctx, inbound, outbound)
	if !errors.Is(err, ErrClientEndSession) {
		t.Fatalf("Run() error = %v, want ErrClientEndSession", err)
	}
}
