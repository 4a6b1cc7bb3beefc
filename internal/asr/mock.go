package asr

import (
	"context"
	"sync"
	"time"
)

// MockRecognizer is the Recognizer that cmd/voiced and httpapi.New's default
// use; no real ASR engine is wired in, and MODEL_PATH does not change the
// choice. It accumulates pushed frames and emits a
// growing simulated partial every few frames, committing a final once a
// long enough run of frames has been pushed without a Reset, mirroring the
// commit-on-chunk-count behavior of the teacher's mock STT session.
type MockRecognizer struct {
	mu        sync.Mutex
	frames    int
	words     []string
	lastEvent *Event
	hasEvent  bool
}

// NewMockRecognizer returns an empty MockRecognizer.
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{words: []string{"simulated", "voice", "input", "detected", "here"}}
}

func (m *MockRecognizer) PushFrame(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
	wordCount := m.frames / 8
	if wordCount > len(m.words) {
		wordCount = len(m.words)
	}
	if wordCount == 0 {
		return nil
	}
	text := joinWords(m.words[:wordCount])
	evType := EventPartial
	if wordCount == len(m.words) {
		evType = EventFinal
	}
	m.lastEvent = &Event{Type: evType, Text: text, Confidence: 0.6, TimestampMs: time.Now().UnixMilli()}
	m.hasEvent = true
	if evType == EventFinal {
		m.frames = 0
	}
	return nil
}

func (m *MockRecognizer) Poll(_ context.Context) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasEvent {
		return Event{}, false, nil
	}
	ev := *m.lastEvent
	m.hasEvent = false
	return ev, true, nil
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

// Reset clears accumulated frame/word state, e.g. after ClientReset.
func (m *MockRecognizer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = 0
	m.hasEvent = false
	m.lastEvent = nil
}
