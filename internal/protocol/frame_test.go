package protocol

import "testing"

func TestEncodeDecodeAudioFrameRoundTrip(t *testing.T) {
	payload := []byte("RIFF....WAVEfmt ")
	raw := EncodeAudioFrame(7, MimeWAV, payload)

	if len(raw) != FrameHeaderSize+len(payload) {
		t.Fatalf("len(raw) = %d, want %d", len(raw), FrameHeaderSize+len(payload))
	}
	if string(raw[0:4]) != "AUD0" {
		t.Fatalf("magic = %q, want AUD0", raw[0:4])
	}

	frame, err := DecodeAudioFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAudioFrame() error = %v", err)
	}
	if frame.UtteranceID != 7 || frame.Mime != MimeWAV {
		t.Fatalf("unexpected frame header: %+v", frame)
	}
	if string(frame.Payload) != string(payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}
}

func TestDecodeAudioFrameShort(t *testing.T) {
	_, err := DecodeAudioFrame([]byte{1, 2, 3})
	if err != ErrShortFrame {
		t.Fatalf("error = %v, want ErrShortFrame", err)
	}
}

func TestDecodeAudioFrameBadMagic(t *testing.T) {
	raw := EncodeAudioFrame(1, MimeWAV, []byte("x"))
	raw[0] = 'X'
	if _, err := DecodeAudioFrame(raw); err != ErrBadMagic {
		t.Fatalf("error = %v, want ErrBadMagic", err)
	}
}

func TestDecodeAudioFrameLengthMismatch(t *testing.T) {
	raw := EncodeAudioFrame(1, MimeWAV, []byte("hello"))
	truncated := raw[:len(raw)-1]
	if _, err := DecodeAudioFrame(truncated); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestIsValidPCMFrame(t *testing.T) {
	if IsValidPCMFrame(make([]byte, 639)) {
		t.Fatalf("639 bytes should be invalid")
	}
	if !IsValidPCMFrame(make([]byte, PCMFrameBytes)) {
		t.Fatalf("640 bytes should be valid")
	}
	if IsValidPCMFrame(make([]byte, 641)) {
		t.Fatalf("641 bytes should be invalid")
	}
}
