// Package dialoglog pushes normalized turn events to an external dialog
// log sink (VOICE_CONTROL_URL) on a best-effort basis: a short timeout, a
// redaction pass over free text, and an error that never propagates back
// into the realtime path, per spec §5/§7.
package dialoglog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// pushTimeout bounds every outbound push; a slow or dead control-plane
// endpoint must never stall the voice connection.
const pushTimeout = 2 * time.Second

// Event is one normalized turn record pushed to the dialog log.
type Event struct {
	SessionID   string `json:"session_id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
	UtteranceID uint32 `json:"utterance_id,omitempty"`
}

// Sink pushes Events to an HTTP endpoint. A zero-value Sink (empty URL)
// is a no-op, so callers can construct one unconditionally and only pay
// for the feature when VOICE_CONTROL_URL is configured.
type Sink struct {
	url        string
	internalKey string
	client     *http.Client
}

// New returns a Sink posting to url with internalKey as the
// X-Internal-Key header. An empty url makes every Push a no-op.
func New(url, internalKey string) *Sink {
	return &Sink{
		url:         strings.TrimSpace(url),
		internalKey: internalKey,
		client:      &http.Client{Timeout: pushTimeout},
	}
}

// Push fires a best-effort POST of ev to the sink's URL. It never returns
// an error to the caller; failures are swallowed at the call site since
// event-to-log delivery is explicitly out of the realtime critical path.
func (s *Sink) Push(ctx context.Context, ev Event) {
	if s == nil || s.url == "" {
		return
	}
	ev.Text, _ = RedactPII(ev.Text)

	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.internalKey != "" {
		req.Header.Set("X-Internal-Key", s.internalKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns before a turn leaves the
// process boundary.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}
