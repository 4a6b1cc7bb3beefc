// Package endpointing implements the adaptive turn-endpointing FSM: the
// listening -> tentative -> confirmed -> final state machine driven by
// VAD voice/silence frames, partial-ASR text stability, and the
// pause/wps exponential moving averages, per spec §4.3.
package endpointing

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// State is one of the four endpointing states.
type State string

const (
	StateListening State = "listening"
	StateTentative State = "tentative"
	StateConfirmed State = "confirmed"
	StateFinal     State = "final"
)

var (
	continuationTailRe = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for)\s*$`)
	badEndingWordRe    = regexp.MustCompile(`(?i)^(and|but|because|so|then|which|that|if|when|while|as|to|for|a|an|the|of|in|on|at|is|it|um|uh|er|ah)$`)
	digitWordRe        = regexp.MustCompile(`^[0-9]+$`)
)

// FSM tracks one in-flight utterance's endpointing state.
type FSM struct {
	state State

	text          string
	textChangedAt time.Time

	inSilence      bool
	silenceStarted time.Time
}

// New returns an FSM in the listening state.
func New() *FSM {
	return &FSM{state: StateListening}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Text returns the partial text currently tracked by the FSM.
func (f *FSM) Text() string { return f.text }

// Reset returns the FSM to listening with no tracked text.
func (f *FSM) Reset() {
	f.state = StateListening
	f.text = ""
	f.textChangedAt = time.Time{}
	f.inSilence = false
	f.silenceStarted = time.Time{}
}

// Thresholds is the set of adaptive millisecond thresholds computed for
// the current tick, per spec §4.3's threshold table.
type Thresholds struct {
	TentMs float64
	ConfMs float64
	FinMs  float64
}

// ComputeThresholds derives tent_ms/conf_ms/fin_ms from the current
// partial text, the pause EMA, and the wps EMA.
func ComputeThresholds(text string, pauseEmaMs, wpsEma float64) Thresholds {
	words := strings.Fields(text)
	wc := len(words)

	tent := pauseEmaMs * 1.2
	if tent < 300 {
		tent = 300
	}

	conf := pauseEmaMs * 2.5
	if conf < 900 {
		conf = 900
	}
	if wc < 4 {
		conf += 200
	}
	if isBadEnding(words) {
		conf += 300
	}
	if wpsEma > 2.5 {
		conf += 100
	}
	conf += continuationPenalty(words)

	return Thresholds{TentMs: tent, ConfMs: conf, FinMs: conf + 500}
}

// isBadEnding reports whether the last word is a conjunction, preposition,
// particle, filler, short (<=2 char) function word, or a digit.
func isBadEnding(words []string) bool {
	if len(words) == 0 {
		return true
	}
	last := strings.ToLower(strings.Trim(words[len(words)-1], ".,!?;:\"'"))
	if last == "" {
		return true
	}
	if digitWordRe.MatchString(last) {
		return true
	}
	if badEndingWordRe.MatchString(last) {
		return true
	}
	if len([]rune(last)) <= 2 {
		return true
	}
	return false
}

// isGoodEnd requires >= 3 words and a non-bad ending.
func isGoodEnd(words []string) bool {
	return len(words) >= 3 && !isBadEnding(words)
}

// continuationPenalty adds up to 450ms to conf_ms when the tail signals
// the speaker intends to continue.
func continuationPenalty(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	joined := strings.ToLower(strings.Join(words, " "))
	if continuationTailRe.MatchString(joined) {
		return 450
	}
	return 0
}

// isMeaningful guards every forward transition: the text must carry at
// least 3 trimmed characters and 1 word.
func isMeaningful(text string) bool {
	trimmed := strings.TrimSpace(text)
	return utf8.RuneCountInString(trimmed) >= 3 && len(strings.Fields(trimmed)) >= 1
}

// Update feeds one tick of (voice/silence, partial text, EMA readings)
// into the FSM and returns the resulting state. now drives all internal
// clocks; callers pass wall-clock or a monotonic substitute consistently.
func (f *FSM) Update(now time.Time, voice bool, partialText string, pauseEmaMs, wpsEma float64) State {
	if partialText != f.text {
		f.text = partialText
		f.textChangedAt = now
		if f.state != StateListening {
			f.state = StateListening
		}
	}
	if voice {
		if f.inSilence && f.state != StateListening {
			f.state = StateListening
		}
		f.inSilence = false
		f.silenceStarted = time.Time{}
	} else if !f.inSilence {
		f.inSilence = true
		f.silenceStarted = now
	}

	stableMs := float64(now.Sub(f.textChangedAt).Milliseconds())
	var silentMs float64
	if f.inSilence && !f.silenceStarted.IsZero() {
		silentMs = float64(now.Sub(f.silenceStarted).Milliseconds())
	}

	if !isMeaningful(f.text) {
		return f.state
	}

	th := ComputeThresholds(f.text, pauseEmaMs, wpsEma)
	words := strings.Fields(f.text)

	switch f.state {
	case StateListening:
		if stableMs >= 300 && silentMs >= th.TentMs {
			f.state = StateTentative
		}
	case StateTentative:
		if silentMs >= th.ConfMs && stableMs >= 500 && isGoodEnd(words) {
			f.state = StateConfirmed
		}
	case StateConfirmed:
		if silentMs >= th.FinMs {
			f.state = StateFinal
		}
	}
	return f.state
}

// Finalize forces the final state directly, for the recognizer's own
// "final" event, which short-circuits the FSM per spec §4.3.
func (f *FSM) Finalize() {
	f.state = StateFinal
}
