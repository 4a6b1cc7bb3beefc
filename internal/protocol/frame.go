package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AudioMagic is the 4-byte magic prefixing every binary audio frame.
var AudioMagic = [4]byte{'A', 'U', 'D', '0'}

// MimeWAV is the only mime code currently defined for AUD0 payloads.
const MimeWAV uint16 = 1

// FrameHeaderSize is the fixed size of an AUD0 header: magic(4) +
// utterance_id(4) + mime(2) + length(4).
const FrameHeaderSize = 14

// PCMFrameBytes is the fixed inbound frame size: 20ms of 16kHz mono PCM16.
const PCMFrameBytes = 640

var (
	// ErrShortFrame is returned when a binary message is too small to
	// contain a complete AUD0 header.
	ErrShortFrame = errors.New("protocol: frame shorter than AUD0 header")
	// ErrBadMagic is returned when the leading 4 bytes are not "AUD0".
	ErrBadMagic = errors.New("protocol: bad AUD0 magic")
	// ErrLengthMismatch is returned when the declared payload length does
	// not match the bytes actually present.
	ErrLengthMismatch = errors.New("protocol: AUD0 payload length mismatch")
)

// AudioFrame is a decoded AUD0 binary frame: a chunk of synthesized WAV
// audio for one utterance.
type AudioFrame struct {
	UtteranceID uint32
	Mime        uint16
	Payload     []byte
}

// EncodeAudioFrame serializes an AudioFrame to the wire format: 4-byte
// magic, little-endian uint32 utterance id, little-endian uint16 mime,
// little-endian uint32 payload length, then the payload bytes.
func EncodeAudioFrame(utteranceID uint32, mime uint16, payload []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(payload))
	copy(out[0:4], AudioMagic[:])
	binary.LittleEndian.PutUint32(out[4:8], utteranceID)
	binary.LittleEndian.PutUint16(out[8:10], mime)
	binary.LittleEndian.PutUint32(out[10:14], uint32(len(payload)))
	copy(out[14:], payload)
	return out
}

// DecodeAudioFrame parses a raw binary websocket message into an AudioFrame.
// It is only used where binary frames other than raw 640-byte PCM are
// expected (test harnesses replaying server output); the inbound
// client->server path is always raw PCM, validated with IsValidPCMFrame.
func DecodeAudioFrame(raw []byte) (AudioFrame, error) {
	if len(raw) < FrameHeaderSize {
		return AudioFrame{}, ErrShortFrame
	}
	if raw[0] != AudioMagic[0] || raw[1] != AudioMagic[1] || raw[2] != AudioMagic[2] || raw[3] != AudioMagic[3] {
		return AudioFrame{}, ErrBadMagic
	}
	uID := binary.LittleEndian.Uint32(raw[4:8])
	mime := binary.LittleEndian.Uint16(raw[8:10])
	length := binary.LittleEndian.Uint32(raw[10:14])
	payload := raw[14:]
	if uint32(len(payload)) != length {
		return AudioFrame{}, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, length, len(payload))
	}
	return AudioFrame{UtteranceID: uID, Mime: mime, Payload: payload}, nil
}

// IsValidPCMFrame reports whether raw is exactly one 20ms 16kHz mono PCM16
// frame. Any other size is a protocol violation per spec §4.1.
func IsValidPCMFrame(raw []byte) bool {
	return len(raw) == PCMFrameBytes
}
