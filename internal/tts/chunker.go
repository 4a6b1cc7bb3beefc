// Package tts implements the TTS chunker, WAV framing, and the
// guard-before-send check that lets barge-in cancel in-flight synthesis
// without races, per spec §4.6.
package tts

import "strings"

// minChunkChars is the floor below which a chunk is deferred unless it
// ends a sentence.
const minChunkChars = 10

// hardCutChars is the length at which the chunker cuts even without a
// sentence boundary.
const hardCutChars = 120

// spaceSearchFloor is the earliest position in the buffer from which a
// space/comma break is accepted as a cut point.
const spaceSearchFloor = 50

// Chunker accumulates streamed LLM tokens and greedily cuts TTS-ready
// text chunks out of the growing buffer.
type Chunker struct {
	buf       strings.Builder
	lastToken string
}

// NewChunker returns an empty chunker.
func NewChunker() *Chunker { return &Chunker{} }

// Feed appends token to the buffer (suppressing an immediately-repeated
// long word, a known artifact of some token streams) and returns every
// chunk now ready to synthesize, in order.
func (c *Chunker) Feed(token string) []string {
	if token != "" {
		trimmed := strings.TrimSpace(token)
		repeatedLongWord := trimmed != "" && trimmed == c.lastToken && len([]rune(trimmed)) > 4
		if !repeatedLongWord {
			c.buf.WriteString(token)
		}
		if trimmed != "" {
			c.lastToken = trimmed
		}
	}

	var chunks []string
	for {
		chunk, rest, ok := cutOneChunk(c.buf.String())
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
		c.buf.Reset()
		c.buf.WriteString(rest)
	}
	return chunks
}

// Flush drains and returns whatever remains in the buffer, regardless of
// length, for the end-of-utterance sentinel.
func (c *Chunker) Flush() string {
	rest := c.buf.String()
	c.buf.Reset()
	c.lastToken = ""
	return strings.TrimSpace(rest)
}

// cutOneChunk applies the chunking rule to buf: earliest sentence-ending
// punctuation (cut inclusive), else a length>=120 cut preferring the
// latest space/comma past char 50, else a hard cut at 120. Chunks
// shorter than minChunkChars are deferred unless they end a sentence.
func cutOneChunk(buf string) (chunk, rest string, ok bool) {
	if buf == "" {
		return "", "", false
	}

	if idx := strings.IndexAny(buf, ".!?\n"); idx >= 0 {
		return buf[:idx+1], buf[idx+1:], true
	}

	if len(buf) < hardCutChars {
		return "", "", false
	}

	window := buf[:hardCutChars]
	cut := -1
	if sp := strings.LastIndexAny(window, " ,"); sp >= spaceSearchFloor {
		cut = sp + 1
	}
	if cut < 0 {
		cut = hardCutChars
	}

	chunk = buf[:cut]
	if len(strings.TrimSpace(chunk)) < minChunkChars {
		return "", "", false
	}
	return chunk, buf[cut:], true
}
