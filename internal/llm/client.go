// Package llm implements the streaming chat-completion client: an
// OpenAI-compatible Bearer-authenticated POST against a pooled
// *http.Client, decoding the response as a sequence of SSE `data: ` lines
// and surfacing each token delta to the caller, per spec §4.5.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voiced/internal/reliability"
	"github.com/antoniostano/voiced/internal/voiceerr"
)

// Message is one chat-completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures the upstream chat-completions endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client is a pooled, reusable streaming chat-completion client.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a Client backed by a connection-pooled http.Client,
// matching the idle-connection tuning spec §5 calls out.
func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     60 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport},
	}
}

// Delta is one streamed event: either a token, the first-token latency
// metric, or stream completion.
type Delta struct {
	Token       string
	FirstToken  bool
	FirstTokenMs int64
	Done        bool
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream opens a streaming chat-completion request and invokes onDelta
// for every token, the first-token metric, and the terminal Done event.
// It returns when the upstream stream ends (data: [DONE] or HTTP body
// close) or ctx is canceled.
func (c *Client) Stream(ctx context.Context, messages []Message, onDelta func(Delta)) error {
	startedAt := time.Now()

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return voiceerr.New(voiceerr.Internal, "llm_marshal", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return voiceerr.New(voiceerr.Internal, "llm_request_build", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return voiceerr.Retryable(voiceerr.UpstreamTransient, "llm_dial", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		statusErr := fmt.Errorf("llm upstream status %d: %s", resp.StatusCode, b)
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return voiceerr.Retryable(voiceerr.UpstreamTransient, "llm_status", statusErr)
		}
		return voiceerr.New(voiceerr.UpstreamClientError, "llm_status", statusErr)
	}

	scanner := NewSSEScanner(resp.Body)
	firstTokenSent := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		data := strings.TrimSpace(scanner.Data())
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		if !firstTokenSent {
			firstTokenSent = true
			onDelta(Delta{FirstToken: true, FirstTokenMs: time.Since(startedAt).Milliseconds()})
		}
		onDelta(Delta{Token: token})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return voiceerr.Retryable(voiceerr.UpstreamTransient, "llm_stream_read", err)
	}

	onDelta(Delta{Done: true})
	return nil
}

// SSEScanner scans an SSE byte stream for "data: " lines, skipping blank
// event-boundary lines and anything else.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

// NewSSEScanner wraps r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{scanner: bufio.NewScanner(r)}
}

// Scan advances to the next "data: " line, returning false at EOF/error.
func (s *SSEScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data: ")))
			return true
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data:")))
			return true
		}
	}
	s.err = s.scanner.Err()
	return false
}

// Data returns the current event's data payload.
func (s *SSEScanner) Data() string { return s.data }

// Err returns any scanning error encountered.
func (s *SSEScanner) Err() error { return s.err }
