// Package asr implements the ASR feeder: the narrow frame-in/partial-or-
// final-out contract between the orchestrator and the recognizer, per
// spec §4.2. It rate-limits partials, suppresses tail-jitter so residual
// recognizer noise doesn't look like forward progress to the endpointer,
// and mutes the recognizer entirely while the assistant is speaking plus
// a short post-TTS warmup window.
package asr

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType distinguishes a partial (non-final) hypothesis from a final,
// phrase-boundary transcription.
type EventType string

const (
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
)

// Event is what the feeder emits toward the endpointing FSM.
type Event struct {
	Type       EventType
	Text       string
	Confidence float64
	TimestampMs int64
}

// Recognizer is the external collaborator: frame-in, partial/final JSON
// out. It is modeled as a push/pull pair rather than a single call so the
// feeder can offload decode to a worker without stalling the event loop.
type Recognizer interface {
	// PushFrame submits one 20ms frame for decoding. Implementations may
	// batch internally; PushFrame must not block on decode.
	PushFrame(ctx context.Context, frame []byte) error
	// Poll returns the most recent hypothesis produced since the last
	// Poll call, if any changed.
	Poll(ctx context.Context) (Event, bool, error)
}

// tailJitterMaxRunes is the common-suffix-divergence budget under which a
// partial update is treated as jitter, not progress.
const tailJitterMaxRunes = 3

// minPartialInterval is the floor between emitted partials.
const minPartialInterval = 150 * time.Millisecond

// Feeder wraps a Recognizer with the rate-limiting, tail-jitter
// suppression, and mute/warmup gating spec'd for the ASR stage.
type Feeder struct {
	rec Recognizer

	muted       bool
	warmupUntil time.Time

	lastEmittedText string
	lastEmitAt      time.Time
	lastStableAt    time.Time
}

// NewFeeder wraps rec with feeder-stage gating. The warmup delay before
// frames reach the recognizer again (ASR_WARMUP_MS, default 200ms) is
// passed to Unmute.
func NewFeeder(rec Recognizer) *Feeder {
	return &Feeder{rec: rec}
}

// Mute stops frames from reaching the recognizer, e.g. while
// ASSISTANT_TTS is active. Buffered audio between Mute and the following
// Unmute's warmup expiry is simply dropped: the recognizer resyncs on
// fresh audio rather than a backlog of stale frames.
func (f *Feeder) Mute() {
	f.muted = true
}

// Unmute re-arms the recognizer after warmup has elapsed from now.
func (f *Feeder) Unmute(warmup time.Duration) {
	f.muted = false
	if warmup < 0 {
		warmup = 0
	}
	f.warmupUntil = time.Now().Add(warmup)
}

// Muted reports whether frames are currently being dropped (either
// explicitly muted, or still inside the post-unmute warmup window).
func (f *Feeder) Muted() bool {
	if f.muted {
		return true
	}
	return time.Now().Before(f.warmupUntil)
}

// PushFrame forwards frame to the recognizer unless the feeder is muted
// or inside its warmup window.
func (f *Feeder) PushFrame(ctx context.Context, frame []byte) error {
	if f.Muted() {
		return nil
	}
	return f.rec.PushFrame(ctx, frame)
}

// Poll drains the recognizer for a new hypothesis and applies the
// rate-limit and tail-jitter gates. It returns ok=false when the
// recognizer has nothing new, or when the new hypothesis was suppressed.
func (f *Feeder) Poll(ctx context.Context) (Event, bool, error) {
	ev, ok, err := f.rec.Poll(ctx)
	if err != nil || !ok {
		return Event{}, false, err
	}

	if ev.Type == EventFinal {
		f.lastEmittedText = ""
		f.lastEmitAt = time.Time{}
		return ev, true, nil
	}

	return f.gatePartial(ev)
}

func (f *Feeder) gatePartial(ev Event) (Event, bool, error) {
	now := time.Now()
	if !f.lastEmitAt.IsZero() && now.Sub(f.lastEmitAt) < minPartialInterval {
		return Event{}, false, nil
	}
	if !shouldEmitPartial(f.lastEmittedText, ev.Text) {
		return Event{}, false, nil
	}
	f.lastEmittedText = ev.Text
	f.lastEmitAt = now
	return ev, true, nil
}

// shouldEmitPartial decides whether next is forward progress over prev,
// or tail jitter/regression that must not reset the endpointer's
// stable-ms clock.
func shouldEmitPartial(prev, next string) bool {
	prev = strings.TrimSpace(prev)
	next = strings.TrimSpace(next)
	if next == "" {
		return false
	}
	if prev == "" {
		return true
	}
	if prev == next {
		return false
	}
	if strings.HasPrefix(prev, next) {
		// next is a strict truncation of prev: regression, not progress.
		return false
	}
	if strings.HasPrefix(next, prev) {
		delta := utf8.RuneCountInString(next) - utf8.RuneCountInString(prev)
		return delta > tailJitterMaxRunes
	}
	return !sharesStablePrefix(prev, next)
}

// sharesStablePrefix reports whether prev and next agree on everything
// except their last tailJitterMaxRunes runes, i.e. the edit is confined
// to the common-suffix region and must be treated as jitter rather than
// forward progress.
func sharesStablePrefix(prev, next string) bool {
	rp := []rune(prev)
	rn := []rune(next)
	stableP := len(rp) - tailJitterMaxRunes
	stableN := len(rn) - tailJitterMaxRunes
	n := stableP
	if stableN < n {
		n = stableN
	}
	if n <= 0 {
		return false
	}
	return string(rp[:n]) == string(rn[:n])
}
