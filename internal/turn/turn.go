// Package turn implements the turn controller: the three-state voice
// machine (IDLE/USER_SPEAKING/ASSISTANT_TTS), the monotonic utterance-id
// and tts_epoch counters, the anti-echo gate on final ASR text, and the
// barge-in arming state machine, per spec §4.4 and §4.7.
//
// The epoch/generation pattern mirrors the "invalidate stale callbacks"
// idiom used for cancellation across the example corpus: every abort
// bumps an integer the owning goroutine captured at start, and any
// in-flight callback that observes a mismatch drops its result silently.
package turn

import (
	"strings"
	"sync"
	"time"
)

// VoiceState is one of the three top-level states; exactly one holds at
// all times.
type VoiceState string

const (
	StateIdle         VoiceState = "IDLE"
	StateUserSpeaking VoiceState = "USER_SPEAKING"
	StateAssistantTTS VoiceState = "ASSISTANT_TTS"
)

// Config holds the millisecond thresholds governing anti-echo and
// barge-in, all sourced from environment variables at bootstrap.
type Config struct {
	BargeInEnabled          bool
	BargeInMinVoiceMs       int64
	BargeInCooldownMs       int64
	BargeInIgnoreAfterTTSMs int64
	BargeInArmSilenceMs     int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BargeInEnabled:          true,
		BargeInMinVoiceMs:       1000,
		BargeInCooldownMs:       2000,
		BargeInIgnoreAfterTTSMs: 500,
		BargeInArmSilenceMs:     1000,
	}
}

// Controller owns the turn-level state machine for one session/connection.
// All public methods are safe for concurrent use: final-text handling runs
// on the receive loop, epoch bumps can be triggered by the barge-in tick
// or by a new user turn arriving mid-assistant-speech.
type Controller struct {
	mu sync.Mutex

	cfg Config

	voiceState VoiceState

	utteranceID   uint32
	ttsEpoch      uint64
	activeOutputU uint32
	ttsAllowedU   uint32
	hasTTSAllowed bool

	ttsPlaying   bool
	outputActive bool

	lastTTSChunkAt time.Time
	lastAbortAt    time.Time

	bargeArmed  bool
	silentRunMs int64
	voiceRunMs  int64

	lastUserText string

	lastAssistantTurnPrefix string
}

// New returns a Controller starting in IDLE.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, voiceState: StateIdle}
}

// VoiceState returns the current top-level state.
func (c *Controller) VoiceState() VoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceState
}

// SetLastAssistantTurn records the text of the most recently committed
// assistant turn, used by the echo-likeness check.
func (c *Controller) SetLastAssistantTurn(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAssistantTurnPrefix = echoPrefix(text)
}

func echoPrefix(text string) string {
	n := normalizeEcho(text)
	if len(n) > 40 {
		return n[:40]
	}
	return n
}

func normalizeEcho(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// FinalDecision is the outcome of HandleFinalText's anti-echo and
// significant-revision checks.
type FinalDecision struct {
	Dropped    bool
	DropReason string
	// Restart is true when an LLM run is already in flight and the new
	// text is a significant-enough revision to cancel and restart it.
	Restart bool
}

// HandleFinalText applies step 1-2 of spec §4.4's handleFinalText: the
// empty-text drop and the anti-echo gate. Step 4's run-vs-restart
// decision is folded in via llmRunning/previousText so callers get one
// decision object back; StartOrRestartLLM still performs the actual
// state mutation the decision authorizes.
func (c *Controller) HandleFinalText(text string, llmRunning bool, previousText string) FinalDecision {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return FinalDecision{Dropped: true, DropReason: "empty"}
	}

	c.mu.Lock()
	ttsPlaying := c.ttsPlaying
	sinceLastChunk := time.Since(c.lastTTSChunkAt)
	assistantPrefix := c.lastAssistantTurnPrefix
	c.mu.Unlock()

	if ttsPlaying {
		return FinalDecision{Dropped: true, DropReason: "tts_playing"}
	}
	if !c.lastTTSChunkIsZero() && sinceLastChunk < time.Duration(c.cfg.BargeInIgnoreAfterTTSMs)*time.Millisecond {
		return FinalDecision{Dropped: true, DropReason: "recent_tts_chunk"}
	}
	if n := normalizeEcho(trimmed); assistantPrefix != "" && (strings.Contains(n, assistantPrefix) || strings.Contains(assistantPrefix, n)) {
		return FinalDecision{Dropped: true, DropReason: "echo_likeness"}
	}

	if !llmRunning {
		return FinalDecision{}
	}
	return FinalDecision{Restart: isSignificantRevision(previousText, trimmed)}
}

func (c *Controller) lastTTSChunkIsZero() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTTSChunkAt.IsZero()
}

// isSignificantRevision reports whether next is a large enough rewrite of
// prev to justify cancel-and-restart: either >=30% longer, or its common
// word-prefix with prev covers less than half of prev's words.
func isSignificantRevision(prev, next string) bool {
	prev = strings.TrimSpace(prev)
	next = strings.TrimSpace(next)
	if prev == "" {
		return true
	}
	if float64(len(next)) >= float64(len(prev))*1.3 {
		return true
	}
	prevWords := strings.Fields(prev)
	nextWords := strings.Fields(next)
	common := 0
	for i := 0; i < len(prevWords) && i < len(nextWords); i++ {
		if prevWords[i] != nextWords[i] {
			break
		}
		common++
	}
	return float64(common) < float64(len(prevWords))/2
}

// StartResult carries the allocated identifiers callers need to spawn the
// LLM streamer and open an ack-tone TTS window.
type StartResult struct {
	UtteranceID uint32
	Epoch       uint64
	AllowTTS    bool
}

// StartOrRestartLLM implements spec §4.4's startOrRestartLLM steps 1-2:
// disarm barge-in, allocate a new utterance id, bump tts_epoch, and
// record tts_allowed_u if allowTts. Cancelling the previous LLM task and
// draining the LLM→TTS channel is the caller's responsibility (it owns
// those goroutines/channels); this call only advances the authoritative
// counters those collaborators check against.
func (c *Controller) StartOrRestartLLM(allowTTS bool) StartResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarmBargeInLocked()

	c.utteranceID++
	c.activeOutputU = c.utteranceID
	c.ttsEpoch++
	c.hasTTSAllowed = allowTTS
	if allowTTS {
		c.ttsAllowedU = c.utteranceID
	}

	return StartResult{UtteranceID: c.utteranceID, Epoch: c.ttsEpoch, AllowTTS: allowTTS}
}

// AbortOutput implements spec §4.4's abortOutput: bump the epoch so any
// in-flight synthesis/LLM callback observing the old epoch is dropped,
// reset barge-in state, and clear the TTS allowance. Returns the new
// epoch for the caller to pass to cancellation of the LLM task.
func (c *Controller) AbortOutput() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttsEpoch++
	c.hasTTSAllowed = false
	c.ttsAllowedU = 0
	c.disarmBargeInLocked()
	c.lastAbortAt = time.Now()
	return c.ttsEpoch
}

func (c *Controller) disarmBargeInLocked() {
	c.bargeArmed = false
	c.silentRunMs = 0
	c.voiceRunMs = 0
}

// OnTTSStart marks the beginning of an assistant-speech window for
// utterance u at the given epoch, transitioning voice_state to
// ASSISTANT_TTS.
func (c *Controller) OnTTSStart(u uint32, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceState = StateAssistantTTS
	c.ttsPlaying = true
	c.outputActive = true
	c.activeOutputU = u
	_ = epoch
}

// OnTTSChunkBegin marks the instant just before a chunk's audio is sent,
// re-arming the assistant's-own-speech guard so a voice frame observed
// while this chunk is in flight is never mistaken for the user
// interrupting (spec §4.7).
func (c *Controller) OnTTSChunkBegin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttsPlaying = true
}

// OnTTSChunkSent records the wall-clock time of the most recent audio
// chunk send, consulted by the anti-echo gate and barge-in's
// ignore-after-tts window, and clears tts_playing: the gap until the next
// chunk begins is where a genuine barge-in can be detected.
func (c *Controller) OnTTSChunkSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTTSChunkAt = time.Now()
	c.ttsPlaying = false
}

// OnTTSEnd closes the assistant-speech window, transitioning back to
// IDLE and clearing all output-window state.
func (c *Controller) OnTTSEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceState = StateIdle
	c.ttsPlaying = false
	c.outputActive = false
	c.hasTTSAllowed = false
	c.ttsAllowedU = 0
	c.disarmBargeInLocked()
}

// OutputActive reports whether an assistant-speech window is currently
// open and, if so, which utterance it belongs to — consulted by a
// significant-revision restart so it can close a previous utterance's
// dangling tts_start window before opening a new one (spec §3's
// tts_start/tts_end pairing invariant).
func (c *Controller) OutputActive() (bool, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputActive, c.activeOutputU
}

// Guard is the guard-before-send snapshot (spec §4.6) a TTS chunk
// synthesized under localEpoch/currentU should be checked against before
// sending.
type Guard struct {
	OutputActive  bool
	CurrentU      uint32
	ActiveOutputU uint32
	LocalEpoch    uint64
	TTSEpoch      uint64
	TTSAllowedU   uint32
	HasTTSAllowed bool
}

// Allowed reports whether a chunk synthesized under this snapshot may
// still be sent.
func (g Guard) Allowed() bool {
	return g.OutputActive &&
		g.CurrentU == g.ActiveOutputU &&
		g.LocalEpoch == g.TTSEpoch &&
		g.HasTTSAllowed &&
		g.TTSAllowedU == g.CurrentU
}

// SnapshotGuard returns the current Guard state for currentU/localEpoch.
func (c *Controller) SnapshotGuard(currentU uint32, localEpoch uint64) Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Guard{
		OutputActive:  c.outputActive,
		CurrentU:      currentU,
		ActiveOutputU: c.activeOutputU,
		LocalEpoch:    localEpoch,
		TTSEpoch:      c.ttsEpoch,
		TTSAllowedU:   c.ttsAllowedU,
		HasTTSAllowed: c.hasTTSAllowed,
	}
}

// BargeInTick folds one 20ms VAD tick into the barge-in arming state
// machine, per spec §4.7. It returns true exactly once, the instant
// voice_run_ms crosses BargeInMinVoiceMs, signaling the caller to invoke
// AbortOutput("barge_in").
func (c *Controller) BargeInTick(voice bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.outputActive {
		c.disarmBargeInLocked()
		return false
	}
	if !c.cfg.BargeInEnabled {
		return false
	}

	const frameMs = 20

	if !voice {
		c.silentRunMs += frameMs
		if c.silentRunMs >= c.cfg.BargeInArmSilenceMs {
			c.bargeArmed = true
		}
		c.voiceRunMs = 0
		return false
	}

	if c.ttsPlaying {
		c.voiceRunMs = 0
		return false
	}
	if !c.bargeArmed {
		c.voiceRunMs = 0
		return false
	}
	if !c.lastAbortAt.IsZero() && time.Since(c.lastAbortAt) < time.Duration(c.cfg.BargeInCooldownMs)*time.Millisecond {
		return false
	}
	if !c.lastTTSChunkAt.IsZero() && time.Since(c.lastTTSChunkAt) < time.Duration(c.cfg.BargeInIgnoreAfterTTSMs)*time.Millisecond {
		c.voiceRunMs = 0
		return false
	}

	c.voiceRunMs += frameMs
	return c.voiceRunMs >= c.cfg.BargeInMinVoiceMs
}
