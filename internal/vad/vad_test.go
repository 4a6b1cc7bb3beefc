package vad

import (
	"math"
	"testing"
)

func silentFrame() []byte { return make([]byte, FrameBytes) }

func loudFrame() []byte {
	f := make([]byte, FrameBytes)
	for i := 0; i < len(f); i += 2 {
		f[i] = 0xff
		f[i+1] = 0x7f // max positive int16, every sample
	}
	return f
}

func TestDemuxerBuffersUndersizedBytes(t *testing.T) {
	d := NewDemuxer()
	frames := d.Push(make([]byte, 100))
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}
	if d.Pending() != 100 {
		t.Fatalf("Pending() = %d, want 100", d.Pending())
	}

	frames = d.Push(make([]byte, FrameBytes*2+50-100))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if d.Pending() != 50 {
		t.Fatalf("Pending() = %d, want 50", d.Pending())
	}
}

func TestRMSDetectorHysteresis(t *testing.T) {
	d := NewRMSDetector(2)
	if d.Classify(silentFrame()) {
		t.Fatalf("silent frame should not be voice")
	}
	// A single loud frame should not yet flip to speaking (minConfirmed=2).
	if d.Classify(loudFrame()) {
		t.Fatalf("single loud frame should not confirm speech yet")
	}
	if !d.Classify(loudFrame()) {
		t.Fatalf("second consecutive loud frame should confirm speech")
	}
	if d.Classify(silentFrame()) {
		t.Fatalf("silence should immediately drop speaking state")
	}
}

func TestPauseEMASeedAndFold(t *testing.T) {
	p := NewPauseEMA()
	if p.Value() != 350 {
		t.Fatalf("seed = %v, want 350", p.Value())
	}
	p.Observe(400)
	want := 0.15*400 + 0.85*350
	if math.Abs(p.Value()-want) > 1e-9 {
		t.Fatalf("Value() = %v, want %v", p.Value(), want)
	}
}

func TestPauseEMAIgnoresLongSilence(t *testing.T) {
	p := NewPauseEMA()
	before := p.Value()
	p.Observe(900)
	if p.Value() != before {
		t.Fatalf("long silence should not be folded in, got %v want %v", p.Value(), before)
	}
}

func TestWPSEMASeedAndFold(t *testing.T) {
	w := NewWPSEMA()
	if w.Value() != 2.2 {
		t.Fatalf("seed = %v, want 2.2", w.Value())
	}
	w.Observe(2, 500) // 4 words/sec instantaneous
	want := 0.2*4 + 0.8*2.2
	if math.Abs(w.Value()-want) > 1e-9 {
		t.Fatalf("Value() = %v, want %v", w.Value(), want)
	}
}

func TestSpeechStatsFoldsOnVoiceSilenceVoiceCycle(t *testing.T) {
	s := NewSpeechStats()
	before := s.Pause.Value()
	s.OnFrame(true)
	for i := 0; i < 10; i++ { // 200ms of silence
		s.OnFrame(false)
	}
	s.OnFrame(true)
	if s.Pause.Value() == before {
		t.Fatalf("expected pause EMA to update after voice-silence-voice cycle")
	}
}

func TestSpeechStatsSkipsLongSilence(t *testing.T) {
	s := NewSpeechStats()
	before := s.Pause.Value()
	s.OnFrame(true)
	for i := 0; i < 50; i++ { // 1000ms silence, > 800ms cap
		s.OnFrame(false)
	}
	s.OnFrame(true)
	if s.Pause.Value() != before {
		t.Fatalf("long silence should not be folded, got %v want %v", s.Pause.Value(), before)
	}
}
