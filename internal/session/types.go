package session

import "time"

// Turn is a single dialog utterance: role, text, and the utterance-id that
// produced it (0 for voice-path user turns; the chat path tags both its user
// and assistant turns with its fixed utterance-id).
type Turn struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
	UtteranceID uint32 `json:"utterance_id,omitempty"`
}

// CreateResponse is the session-creation payload: the new session's id and
// start time. No handler in this module returns it.
type CreateResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// SummaryResponse is the payload for GET /v1/voice/sessions/{id}/summary and
// POST /v1/voice/sessions/{id}/end.
type SummaryResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}
