package asr

import (
	"context"
	"testing"
)

func TestMockRecognizerEmitsGrowingPartialsThenFinal(t *testing.T) {
	ctx := context.Background()
	rec := NewMockRecognizer()

	var lastPartial Event
	sawFinal := false
	for i := 0; i < 50 && !sawFinal; i++ {
		if err := rec.PushFrame(ctx, make([]byte, 640)); err != nil {
			t.Fatalf("PushFrame() error = %v", err)
		}
		ev, ok, err := rec.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if !ok {
			continue
		}
		if ev.Type == EventFinal {
			sawFinal = true
			continue
		}
		lastPartial = ev
	}
	if !sawFinal {
		t.Fatalf("expected a final event within 50 frames")
	}
	if lastPartial.Text == "" {
		t.Fatalf("expected at least one non-empty partial before the final")
	}
}

func TestMockRecognizerResetClearsState(t *testing.T) {
	ctx := context.Background()
	rec := NewMockRecognizer()
	for i := 0; i < 10; i++ {
		_ = rec.PushFrame(ctx, make([]byte, 640))
	}
	rec.Reset()
	_, ok, _ := rec.Poll(ctx)
	if ok {
		t.Fatalf("expected no pending event after Reset")
	}
}
