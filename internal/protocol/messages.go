// Package protocol defines the JSON message vocabulary and binary audio
// framing exchanged over the voice websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the "type"/"event" discriminator of a JSON message.
type MessageType string

const (
	TypeReady          MessageType = "ready"
	TypeReconfigured   MessageType = "reconfigured"
	TypeWarning        MessageType = "warning"
	TypePartial        MessageType = "partial"
	TypeFinal          MessageType = "final"
	TypeNLUStart       MessageType = "nlu_start"
	TypeLLMStart       MessageType = "llm_start"
	TypeLLMDelta       MessageType = "llm_delta"
	TypeLLMEnd         MessageType = "llm_end"
	TypeLLMError       MessageType = "llm_error"
	TypeTTSStart       MessageType = "tts_start"
	TypeTTSAudio       MessageType = "tts_audio"
	TypeTTSEnd         MessageType = "tts_end"
	TypeTTSError       MessageType = "tts_error"
	TypeAbort          MessageType = "abort"
	TypeMetric         MessageType = "metric"
	TypeSessionSummary MessageType = "session_summary"
	TypeSessionEnd     MessageType = "session_end"
	TypePong           MessageType = "pong"
	TypeChatStart      MessageType = "chat_start"
	TypeChatDelta      MessageType = "chat_delta"
	TypeChatEnd        MessageType = "chat_end"
	TypeChatError      MessageType = "chat_error"
	TypeEndSession     MessageType = "end_session"
)

// AbortScope is the subsystem an abort event targets.
type AbortScope string

const (
	AbortScopeLLM AbortScope = "llm"
	AbortScopeTTS AbortScope = "tts"
)

// Ready is sent once the handshake is accepted.
type Ready struct {
	Event      MessageType `json:"event"`
	SampleRate int         `json:"sample_rate"`
	FrameMS    int         `json:"frame_ms"`
}

// Reconfigured is sent when the client's requested sample rate is forced
// back to 16000.
type Reconfigured struct {
	Event      MessageType `json:"event"`
	SampleRate int         `json:"sample_rate"`
}

// Warning carries a non-fatal protocol notice.
type Warning struct {
	Event MessageType `json:"event"`
	Text  string      `json:"text"`
}

// Partial is an incremental, non-final ASR hypothesis.
type Partial struct {
	Event MessageType `json:"event"`
	Text  string      `json:"text"`
}

// Final is an ASR-committed phrase handed to the turn controller.
type Final struct {
	Event MessageType `json:"event"`
	Text  string      `json:"text"`
}

// NLUStart announces that a final text is being dispatched to the LLM.
type NLUStart struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
	Text        string      `json:"text"`
}

type LLMStart struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
}

type LLMDelta struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
	Delta       string      `json:"delta"`
}

type LLMEnd struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
}

type LLMError struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
	Error       string      `json:"error"`
}

type TTSStart struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
}

// TTSAudio precedes the binary AUD0 frame; it carries only metadata.
type TTSAudio struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
	Bytes       int         `json:"bytes"`
}

type TTSEnd struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
}

type TTSError struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id"`
	Error       string      `json:"error"`
}

// Abort notifies the client that the named scope was cancelled for an
// utterance; the matching tts_end still follows.
type Abort struct {
	Event       MessageType `json:"event"`
	Scope       AbortScope  `json:"scope"`
	Reason      string      `json:"reason"`
	UtteranceID uint32      `json:"utterance_id"`
}

// Metric carries a single named latency sample in milliseconds.
type Metric struct {
	Event       MessageType `json:"event"`
	UtteranceID uint32      `json:"utterance_id,omitempty"`
	Name        string      `json:"name"`
	ValueMS     int64       `json:"value_ms"`
}

type SessionSummary struct {
	Event     MessageType `json:"event"`
	SessionID string      `json:"session_id"`
	Summary   string      `json:"summary"`
}

type SessionEnd struct {
	Event     MessageType `json:"event"`
	SessionID string      `json:"session_id"`
}

type Pong struct {
	Event MessageType `json:"event"`
	Value any         `json:"value,omitempty"`
}

type ChatStart struct {
	Event    MessageType `json:"event"`
	Question string      `json:"question"`
}

type ChatDelta struct {
	Event MessageType `json:"event"`
	Delta string      `json:"delta"`
}

type ChatEnd struct {
	Event    MessageType `json:"event"`
	Question string      `json:"question"`
	Answer   string      `json:"answer"`
}

type ChatError struct {
	Event MessageType `json:"event"`
	Error string      `json:"error"`
}

// --- client -> server ---

// ErrUnsupportedType is returned by ParseClientMessage for an unrecognized
// "type" discriminator (or a message that is neither a config handshake nor
// one of the recognized control shapes).
var ErrUnsupportedType = errors.New("protocol: unsupported client message type")

// ConfigHandshake is the mandatory first client message.
type ConfigHandshake struct {
	SampleRate int      `json:"sample_rate"`
	Words      bool     `json:"words"`
	PhraseList []string `json:"phrase_list"`
}

// ClientConfig is the envelope carrying ConfigHandshake.
type ClientConfig struct {
	Config ConfigHandshake `json:"config"`
}

// ClientReset requests the recognizer state be cleared.
type ClientReset struct {
	Reset int `json:"reset"`
}

// ClientEOF signals end of the input stream.
type ClientEOF struct {
	EOF int `json:"eof"`
}

// ClientPing is an application-level keepalive; server replies with Pong.
type ClientPing struct {
	Ping any `json:"ping"`
}

// ClientEndSession requests the session be marked ended.
type ClientEndSession struct {
	Type MessageType `json:"type"`
}

// ClientChat streams an LLM reply to typed text directly, bypassing
// ASR/VAD/endpointing and the turn controller.
type ClientChat struct {
	Chat string `json:"chat"`
}

// ClientTestInjection lets a harness drive the pipeline with a synthetic
// partial/final without real audio.
type ClientTestInjection struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type clientEnvelope struct {
	Config *ConfigHandshake `json:"config"`
	Reset  *int             `json:"reset"`
	EOF    *int             `json:"eof"`
	Ping   json.RawMessage  `json:"ping"`
	Chat   *string          `json:"chat"`
	Type   MessageType      `json:"type"`
	Text   string           `json:"text"`
}

// ParseClientMessage dispatches a raw client JSON message to its concrete
// type. Binary PCM frames never reach this function; the transport layer
// validates them with IsValidPCMFrame instead.
func ParseClientMessage(raw []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode client message: %w", err)
	}

	switch {
	case env.Config != nil:
		return ClientConfig{Config: *env.Config}, nil
	case env.Reset != nil:
		return ClientReset{Reset: *env.Reset}, nil
	case env.EOF != nil:
		return ClientEOF{EOF: *env.EOF}, nil
	case env.Ping != nil:
		var v any
		_ = json.Unmarshal(env.Ping, &v)
		return ClientPing{Ping: v}, nil
	case env.Chat != nil:
		return ClientChat{Chat: *env.Chat}, nil
	case env.Type == TypeEndSession:
		return ClientEndSession{Type: env.Type}, nil
	case env.Type == TypePartial || env.Type == TypeFinal:
		return ClientTestInjection{Type: env.Type, Text: env.Text}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
