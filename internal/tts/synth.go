package tts

import (
	"context"
	"math"
)

// Synthesizer is the external collaborator: text in, raw PCM16 mono audio
// out. Spec §1 treats TTS as a narrow synthesis contract, never a specific
// vendor API.
type Synthesizer interface {
	// Synthesize renders text to 16kHz mono PCM16 little-endian samples.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// MockSynthesizer is the Synthesizer that cmd/voiced and httpapi.New's
// default use; no real TTS engine is wired in, and TTS_PROVIDER does not
// change the choice. It renders a short
// sine tone whose duration scales with the input text length, so tests and
// local runs exercise the full chunk->AUD0 pipeline without a real model.
type MockSynthesizer struct {
	SampleRate int
}

// NewMockSynthesizer returns a MockSynthesizer at 16kHz.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{SampleRate: 16000}
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	sampleRate := m.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	msPerChar := 40
	durationMs := len(text) * msPerChar
	if durationMs < 150 {
		durationMs = 150
	}
	if durationMs > 4000 {
		durationMs = 4000
	}
	n := sampleRate * durationMs / 1000
	pcm := make([]byte, n*2)
	const freq = 220.0
	const amplitude = 3000.0
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(amplitude * math.Sin(2*math.Pi*freq*t))
		pcm[2*i] = byte(sample)
		pcm[2*i+1] = byte(sample >> 8)
	}
	return pcm, nil
}
