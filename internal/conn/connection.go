// Package conn wires vad, asr, endpointing, turn, llm, and tts together
// into the per-connection realtime pipeline, grounded on the teacher's
// internal/voice/orchestrator.go RunConnection read-loop shape, per
// spec §4 and §5.
package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voiced/internal/asr"
	"github.com/antoniostano/voiced/internal/dialoglog"
	"github.com/antoniostano/voiced/internal/endpointing"
	"github.com/antoniostano/voiced/internal/llm"
	"github.com/antoniostano/voiced/internal/observability"
	"github.com/antoniostano/voiced/internal/protocol"
	"github.com/antoniostano/voiced/internal/reliability"
	"github.com/antoniostano/voiced/internal/session"
	"github.com/antoniostano/voiced/internal/tts"
	"github.com/antoniostano/voiced/internal/turn"
	"github.com/antoniostano/voiced/internal/vad"
	"github.com/antoniostano/voiced/internal/voiceerr"
)

// ErrClientEndSession is returned by Run when the client sent an
// end_session message; the caller should close the socket normally.
var ErrClientEndSession = errors.New("conn: client requested end_session")

const defaultSystemPrompt = "You are a helpful, concise voice assistant. Keep replies short and conversational."

// Deps are the collaborators one Connection wires together. DialogLog may
// be nil (its methods are nil-receiver safe); every other field is
// required.
type Deps struct {
	Session    *session.Session
	Detector   vad.Detector
	Recognizer asr.Recognizer
	Synth      tts.Synthesizer
	LLM        *llm.Client
	Metrics    *observability.Metrics
	DialogLog  *dialoglog.Sink

	SampleRate  int
	ASRWarmupMs int

	TurnConfig   turn.Config
	SystemPrompt string
}

// Connection runs one session's realtime voice pipeline. Binary []byte
// values received on inbound are raw 20ms PCM frames; everything else is
// one of the protocol.Client* message types produced by
// protocol.ParseClientMessage.
type Connection struct {
	deps Deps

	demux   *vad.Demuxer
	stats   *vad.SpeechStats
	feeder  *asr.Feeder
	fsm     *endpointing.FSM
	turnCtl *turn.Controller

	ctx      context.Context
	outbound chan<- any

	configured      bool
	lastPartialText string
	lastFinalText   string

	mu        sync.Mutex
	activeU   uint32
	llmCancel context.CancelFunc
	taskWG    sync.WaitGroup
}

// New builds a Connection from its collaborators.
func New(deps Deps) *Connection {
	return &Connection{
		deps:    deps,
		demux:   vad.NewDemuxer(),
		stats:   vad.NewSpeechStats(),
		feeder:  asr.NewFeeder(deps.Recognizer),
		fsm:     endpointing.New(),
		turnCtl: turn.New(deps.TurnConfig),
	}
}

// Run drives the connection until ctx is canceled, inbound closes, or a
// fatal error occurs. On client-initiated end it returns
// ErrClientEndSession.
func (c *Connection) Run(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	c.ctx = ctx
	c.outbound = outbound
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := c.handleInbound(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	cancel := c.llmCancel
	c.llmCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.taskWG.Wait()
}

func (c *Connection) handleInbound(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case []byte:
		return c.handleAudioFrame(ctx, m)
	case protocol.ClientConfig:
		return c.handleConfig(m)
	case protocol.ClientReset:
		c.handleReset()
		return nil
	case protocol.ClientEOF:
		c.handleEOF(ctx)
		return nil
	case protocol.ClientPing:
		c.sendJSON(protocol.Pong{Event: protocol.TypePong, Value: m.Ping})
		return nil
	case protocol.ClientChat:
		c.taskWG.Add(1)
		go func() {
			defer c.taskWG.Done()
			c.handleChat(ctx, m.Chat)
		}()
		return nil
	case protocol.ClientEndSession:
		c.sendJSON(protocol.SessionEnd{Event: protocol.TypeSessionEnd, SessionID: c.deps.Session.ID})
		return ErrClientEndSession
	case protocol.ClientTestInjection:
		return c.handleTestInjection(ctx, m)
	default:
		c.sendJSON(protocol.Warning{Event: protocol.TypeWarning, Text: fmt.Sprintf("unhandled message type %T", msg)})
		return nil
	}
}

func (c *Connection) handleConfig(m protocol.ClientConfig) error {
	if c.configured {
		c.sendJSON(protocol.Warning{Event: protocol.TypeWarning, Text: "config already received, ignoring"})
		return nil
	}
	c.configured = true
	if m.Config.SampleRate != 0 && m.Config.SampleRate != 16000 {
		c.sendJSON(protocol.Reconfigured{Event: protocol.TypeReconfigured, SampleRate: 16000})
	}
	c.sendJSON(protocol.Ready{Event: protocol.TypeReady, SampleRate: 16000, FrameMS: vad.FrameMS})
	return nil
}

func (c *Connection) handleAudioFrame(ctx context.Context, raw []byte) error {
	if !c.configured {
		c.sendJSON(protocol.Warning{Event: protocol.TypeWarning, Text: "audio received before config handshake"})
		return nil
	}
	if !protocol.IsValidPCMFrame(raw) {
		c.sendJSON(protocol.Warning{Event: protocol.TypeWarning, Text: "dropped malformed PCM frame"})
		return nil
	}
	for _, frame := range c.demux.Push(raw) {
		c.processFrame(ctx, frame)
	}
	return nil
}

func (c *Connection) processFrame(ctx context.Context, frame []byte) {
	voice := c.deps.Detector.Classify(frame)
	c.stats.OnFrame(voice)

	if c.turnCtl.BargeInTick(voice) {
		c.onBargeIn()
	}

	_ = c.feeder.PushFrame(ctx, frame)
	now := time.Now()

	if ev, ok, _ := c.feeder.Poll(ctx); ok {
		switch ev.Type {
		case asr.EventPartial:
			c.lastPartialText = ev.Text
			c.stats.OnPartialWordCount(len(strings.Fields(ev.Text)), now.UnixMilli())
			c.sendJSON(protocol.Partial{Event: protocol.TypePartial, Text: ev.Text})
		case asr.EventFinal:
			c.fsm.Finalize()
			text := ev.Text
			if strings.TrimSpace(text) == "" {
				text = c.lastPartialText
			}
			c.onFinalText(ctx, text)
			return
		}
	}

	state := c.fsm.Update(now, voice, c.lastPartialText, c.stats.Pause.Value(), c.stats.WPS.Value())
	if state == endpointing.StateFinal {
		c.onFinalText(ctx, c.lastPartialText)
	}
}

func (c *Connection) handleReset() {
	if r, ok := c.deps.Recognizer.(interface{ Reset() }); ok {
		r.Reset()
	}
	c.resetEndpointing()
}

func (c *Connection) handleEOF(ctx context.Context) {
	if strings.TrimSpace(c.lastPartialText) != "" {
		c.onFinalText(ctx, c.lastPartialText)
	}
}

func (c *Connection) handleTestInjection(ctx context.Context, m protocol.ClientTestInjection) error {
	switch m.Type {
	case protocol.TypePartial:
		c.lastPartialText = m.Text
		c.sendJSON(protocol.Partial{Event: protocol.TypePartial, Text: m.Text})
	case protocol.TypeFinal:
		c.onFinalText(ctx, m.Text)
	}
	return nil
}

func (c *Connection) resetEndpointing() {
	c.fsm.Reset()
	c.lastPartialText = ""
}

// onFinalText applies the anti-echo gate and run-vs-restart decision,
// then either drops the text or starts a new LLM/TTS turn for it, per
// spec §4.4.
func (c *Connection) onFinalText(ctx context.Context, text string) {
	defer c.resetEndpointing()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	c.mu.Lock()
	llmRunning := c.llmCancel != nil
	c.mu.Unlock()

	decision := c.turnCtl.HandleFinalText(trimmed, llmRunning, c.lastFinalText)
	if decision.Dropped {
		return
	}
	if llmRunning && !decision.Restart {
		return
	}
	if llmRunning && decision.Restart {
		c.mu.Lock()
		cancel := c.llmCancel
		prevU := c.activeU
		c.mu.Unlock()

		// Close out the previous utterance's output window before signaling
		// cancellation, the same ordering onBargeIn uses: once OnTTSEnd
		// clears outputActive/hasTTSAllowed, the still-winding-down
		// runLLMAndTTS goroutine's next guard-before-send check (it returns
		// on ctx.Err() without emitting its own closing events, so the
		// restart itself must emit them) fails closed instead of racing a
		// last chunk out before the cancel takes effect.
		active, activeU := c.turnCtl.OutputActive()
		ttsWasOpen := active && activeU == prevU
		if ttsWasOpen {
			c.turnCtl.OnTTSEnd()
		}
		if cancel != nil {
			cancel()
		}

		c.sendJSON(protocol.Abort{Event: protocol.TypeAbort, Scope: protocol.AbortScopeLLM, Reason: "restart", UtteranceID: prevU})
		if ttsWasOpen {
			c.sendJSON(protocol.Abort{Event: protocol.TypeAbort, Scope: protocol.AbortScopeTTS, Reason: "restart", UtteranceID: prevU})
			c.sendJSON(protocol.TTSEnd{Event: protocol.TypeTTSEnd, UtteranceID: prevU})
			c.feeder.Unmute(0)
		}
		c.deps.Session.DropBuffer(prevU)
	}

	c.lastFinalText = trimmed
	c.startTurn(ctx, trimmed)
}

func (c *Connection) startTurn(ctx context.Context, text string) {
	res := c.turnCtl.StartOrRestartLLM(true)
	u := res.UtteranceID
	epoch := res.Epoch

	c.mu.Lock()
	c.activeU = u
	c.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	c.deps.Session.AppendTurn(session.Turn{Role: "user", Text: text, TimestampMs: nowMs})
	c.deps.Session.StartUtteranceBuffer(u)
	c.feeder.Mute()

	c.sendJSON(protocol.Final{Event: protocol.TypeFinal, Text: text})
	c.sendJSON(protocol.NLUStart{Event: protocol.TypeNLUStart, UtteranceID: u, Text: text})
	c.observeSessionEvent("final")
	go c.deps.DialogLog.Push(ctx, dialoglog.Event{
		SessionID: c.deps.Session.ID, Role: "user", Text: text, TimestampMs: nowMs, UtteranceID: u,
	})

	llmCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.llmCancel = cancel
	c.mu.Unlock()

	c.taskWG.Add(1)
	go func() {
		defer c.taskWG.Done()
		c.runLLMAndTTS(llmCtx, u, epoch, text)
	}()
}

func (c *Connection) buildMessages(userText string) []llm.Message {
	prompt := c.deps.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	messages := []llm.Message{{Role: "system", Content: prompt}}
	for _, t := range c.deps.Session.History(12) {
		role := t.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Text})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userText})
	return messages
}

// runLLMAndTTS streams the LLM response, chunking it into TTS-ready
// segments synthesized and sent as they become available, guarding every
// chunk against a concurrent abort before it is sent (spec §4.6).
func (c *Connection) runLLMAndTTS(ctx context.Context, u uint32, epoch uint64, text string) {
	defer func() {
		c.mu.Lock()
		c.llmCancel = nil
		c.mu.Unlock()
	}()

	startedAt := time.Now()
	c.sendJSON(protocol.LLMStart{Event: protocol.TypeLLMStart, UtteranceID: u})

	messages := c.buildMessages(text)
	chunker := tts.NewChunker()
	ttsStarted := false
	firstTextSeen := false

	onDelta := func(d llm.Delta) {
		if d.FirstToken {
			c.deps.Metrics.ObserveLLMFirstToken(time.Duration(d.FirstTokenMs) * time.Millisecond)
			return
		}
		if d.Token != "" {
			if !firstTextSeen {
				firstTextSeen = true
				c.deps.Metrics.ObserveTurnStage("commit_to_first_text", time.Since(startedAt))
			}
			c.deps.Session.AppendToBuffer(u, d.Token)
			c.sendJSON(protocol.LLMDelta{Event: protocol.TypeLLMDelta, UtteranceID: u, Delta: d.Token})
			for _, chunk := range chunker.Feed(d.Token) {
				c.synthesizeAndSend(ctx, u, epoch, chunk, startedAt, &ttsStarted)
			}
			return
		}
		if d.Done {
			if rest := chunker.Flush(); rest != "" {
				c.synthesizeAndSend(ctx, u, epoch, rest, startedAt, &ttsStarted)
			}
		}
	}

	err := c.streamWithRetry(ctx, messages, onDelta)

	if ctx.Err() != nil {
		return
	}

	if err != nil {
		c.deps.Metrics.ObserveProviderError("llm", errCode(err))
		c.sendJSON(protocol.LLMError{Event: protocol.TypeLLMError, UtteranceID: u, Error: err.Error()})
		c.deps.Session.DropBuffer(u)
		if ttsStarted {
			c.sendJSON(protocol.TTSEnd{Event: protocol.TypeTTSEnd, UtteranceID: u})
			c.turnCtl.OnTTSEnd()
			c.feeder.Unmute(time.Duration(c.deps.ASRWarmupMs) * time.Millisecond)
		}
		c.deps.Metrics.ObserveTurnStage("turn_total", time.Since(startedAt))
		return
	}

	c.sendJSON(protocol.LLMEnd{Event: protocol.TypeLLMEnd, UtteranceID: u})
	nowMs := time.Now().UnixMilli()
	c.deps.Session.CommitBuffer(u, nowMs)
	if last, ok := c.deps.Session.LastAssistantTurn(); ok && last.UtteranceID == u {
		c.turnCtl.SetLastAssistantTurn(last.Text)
		go c.deps.DialogLog.Push(ctx, dialoglog.Event{
			SessionID: c.deps.Session.ID, Role: "assistant", Text: last.Text, TimestampMs: nowMs, UtteranceID: u,
		})
	}

	if ttsStarted {
		c.sendJSON(protocol.TTSEnd{Event: protocol.TypeTTSEnd, UtteranceID: u})
	}
	c.turnCtl.OnTTSEnd()
	c.feeder.Unmute(time.Duration(c.deps.ASRWarmupMs) * time.Millisecond)
	c.deps.Metrics.ObserveTurnStage("turn_total", time.Since(startedAt))
}

// streamWithRetry attempts c.deps.LLM.Stream once, retrying exactly once
// after a capped backoff on a retryable upstream-transient failure, per
// spec §7's error taxonomy.
func (c *Connection) streamWithRetry(ctx context.Context, messages []llm.Message, onDelta func(llm.Delta)) error {
	err := c.deps.LLM.Stream(ctx, messages, onDelta)
	if err == nil || ctx.Err() != nil {
		return err
	}

	var verr *voiceerr.Error
	if !errors.As(err, &verr) || !verr.Retryable {
		return err
	}

	delay := reliability.ExponentialBackoff(1, 200*time.Millisecond, 400*time.Millisecond)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.deps.LLM.Stream(ctx, messages, onDelta)
}

func errCode(err error) string {
	var verr *voiceerr.Error
	if errors.As(err, &verr) {
		return verr.Code
	}
	return "unknown"
}

// synthesizeAndSend renders text to audio and sends it, re-checking the
// guard immediately before the send so an abort racing with a slow
// synthesis call drops the result silently instead of sending stale
// audio.
func (c *Connection) synthesizeAndSend(ctx context.Context, u uint32, epoch uint64, text string, startedAt time.Time, ttsStarted *bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !c.turnCtl.SnapshotGuard(u, epoch).Allowed() {
		return
	}

	pcm, err := c.deps.Synth.Synthesize(ctx, text)
	if err != nil {
		c.deps.Metrics.ObserveProviderError("tts", "synthesize_error")
		c.sendJSON(protocol.TTSError{Event: protocol.TypeTTSError, UtteranceID: u, Error: err.Error()})
		return
	}

	if !c.turnCtl.SnapshotGuard(u, epoch).Allowed() {
		return
	}

	if !*ttsStarted {
		*ttsStarted = true
		c.turnCtl.OnTTSStart(u, epoch)
		c.sendJSON(protocol.TTSStart{Event: protocol.TypeTTSStart, UtteranceID: u})
		c.deps.Metrics.ObserveFirstAudioLatency(time.Since(startedAt))
	}

	wav, err := tts.EncodeWAVPCM16LE(pcm, c.deps.SampleRate)
	if err != nil {
		return
	}
	c.turnCtl.OnTTSChunkBegin()
	c.sendJSON(protocol.TTSAudio{Event: protocol.TypeTTSAudio, UtteranceID: u, Bytes: len(wav)})
	c.sendBinary(protocol.EncodeAudioFrame(u, protocol.MimeWAV, wav))
	c.turnCtl.OnTTSChunkSent()
}

// onBargeIn cancels the in-flight LLM/TTS output and notifies the client,
// per spec §4.7.
func (c *Connection) onBargeIn() {
	c.turnCtl.AbortOutput()

	c.mu.Lock()
	cancel := c.llmCancel
	c.llmCancel = nil
	u := c.activeU
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.sendJSON(protocol.Abort{Event: protocol.TypeAbort, Scope: protocol.AbortScopeLLM, Reason: "barge_in", UtteranceID: u})
	c.sendJSON(protocol.Abort{Event: protocol.TypeAbort, Scope: protocol.AbortScopeTTS, Reason: "barge_in", UtteranceID: u})
	c.sendJSON(protocol.TTSEnd{Event: protocol.TypeTTSEnd, UtteranceID: u})
	c.deps.Session.DropBuffer(u)
	c.feeder.Unmute(0)
	c.turnCtl.OnTTSEnd()
	c.deps.Metrics.ObserveBargeIn("aborted")
}

// handleChat drives the non-voice {"chat": "..."} path directly: no
// ASR/VAD/endpointing/barge-in, a single fixed utterance id, per
// spec §11.
func (c *Connection) handleChat(ctx context.Context, question string) {
	const chatUtteranceID uint32 = 1
	question = strings.TrimSpace(question)
	if question == "" {
		return
	}

	c.sendJSON(protocol.ChatStart{Event: protocol.TypeChatStart, Question: question})

	messages := c.buildMessages(question)
	var answer strings.Builder
	err := c.deps.LLM.Stream(ctx, messages, func(d llm.Delta) {
		if d.Token != "" {
			answer.WriteString(d.Token)
			c.sendJSON(protocol.ChatDelta{Event: protocol.TypeChatDelta, Delta: d.Token})
		}
	})
	if err != nil {
		c.deps.Metrics.ObserveProviderError("llm", errCode(err))
		c.sendJSON(protocol.ChatError{Event: protocol.TypeChatError, Error: err.Error()})
		return
	}

	c.sendJSON(protocol.ChatEnd{Event: protocol.TypeChatEnd, Question: question, Answer: answer.String()})
	nowMs := time.Now().UnixMilli()
	c.deps.Session.AppendTurn(session.Turn{Role: "user", Text: question, TimestampMs: nowMs, UtteranceID: chatUtteranceID})
	c.deps.Session.AppendTurn(session.Turn{Role: "assistant", Text: answer.String(), TimestampMs: nowMs, UtteranceID: chatUtteranceID})
}

func (c *Connection) observeSessionEvent(event string) {
	if c.deps.Metrics == nil {
		return
	}
	c.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (c *Connection) sendJSON(v any) {
	select {
	case c.outbound <- v:
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveOutboundMessage(messageTypeOf(v), "sent")
		}
	case <-c.ctx.Done():
	}
}

func (c *Connection) sendBinary(frame []byte) {
	select {
	case c.outbound <- frame:
	case <-c.ctx.Done():
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.Ready:
		return string(m.Event)
	case protocol.Reconfigured:
		return string(m.Event)
	case protocol.Warning:
		return string(m.Event)
	case protocol.Partial:
		return string(m.Event)
	case protocol.Final:
		return string(m.Event)
	case protocol.NLUStart:
		return string(m.Event)
	case protocol.LLMStart:
		return string(m.Event)
	case protocol.LLMDelta:
		return string(m.Event)
	case protocol.LLMEnd:
		return string(m.Event)
	case protocol.LLMError:
		return string(m.Event)
	case protocol.TTSStart:
		return string(m.Event)
	case protocol.TTSAudio:
		return string(m.Event)
	case protocol.TTSEnd:
		return string(m.Event)
	case protocol.TTSError:
		return string(m.Event)
	case protocol.Abort:
		return string(m.Event)
	case protocol.Metric:
		return string(m.Event)
	case protocol.SessionSummary:
		return string(m.Event)
	case protocol.SessionEnd:
		return string(m.Event)
	case protocol.Pong:
		return string(m.Event)
	case protocol.ChatStart:
		return string(m.Event)
	case protocol.ChatDelta:
		return string(m.Event)
	case protocol.ChatEnd:
		return string(m.Event)
	case protocol.ChatError:
		return string(m.Event)
	case []byte:
		return "audio_frame"
	default:
		return "unknown"
	}
}
