package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSONStreamParser incrementally decodes the Gemini streaming body, which is
// either a JSON array or a bare concatenation of JSON objects. Leading
// whitespace, commas, brackets and parentheses between objects are skipped.
// The buffer is private to one request.
type JSONStreamParser struct {
	buf []byte
}

// Feed appends data and returns every complete JSON object now available.
func (p *JSONStreamParser) Feed(data []byte) [][]byte {
	p.buf = append(p.buf, data...)
	var objects [][]byte
	for {
		p.buf = bytes.TrimLeft(p.buf, " \t\r\n,[(")
		if len(p.buf) == 0 {
			break
		}
		if p.buf[0] == ']' || p.buf[0] == ')' {
			p.buf = p.buf[1:]
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(p.buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// Not enough bytes for a complete object yet.
			break
		}
		objects = append(objects, []byte(raw))
		p.buf = p.buf[dec.InputOffset():]
	}
	return objects
}

// ChunkDecoder turns upstream stream bytes into canonical chunks. A decoder
// is private to one request.
type ChunkDecoder interface {
	// Feed consumes raw upstream bytes and returns the canonical chunks
	// completed by them. Malformed frames are skipped.
	Feed(data []byte) []*StreamChunk
	// Done reports whether the upstream signalled end of stream.
	Done() bool
}

// NewChunkDecoder builds the decoder for the upstream provider's framing.
func NewChunkDecoder(upstream Format, model string) ChunkDecoder {
	switch upstream {
	case FormatGemini:
		return &geminiChunkDecoder{model: model}
	case FormatClaude:
		return &claudeChunkDecoder{model: model}
	default:
		return &openAIChunkDecoder{model: model}
	}
}

type geminiChunkDecoder struct {
	parser JSONStreamParser
	model  string
	done   bool
}

func (d *geminiChunkDecoder) Feed(data []byte) []*StreamChunk {
	var chunks []*StreamChunk
	for _, obj := range d.parser.Feed(data) {
		chunk, err := GeminiChunkToCanonical(obj, d.model)
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (d *geminiChunkDecoder) Done() bool { return d.done }

type openAIChunkDecoder struct {
	buf   []byte
	model string
	done  bool
}

func (d *openAIChunkDecoder) Feed(data []byte) []*StreamChunk {
	d.buf = append(d.buf, data...)
	var chunks []*StreamChunk
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(d.buf[:idx]), "\r")
		d.buf = d.buf[idx+1:]
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			d.done = true
			break
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		chunks = append(chunks, &chunk)
	}
	return chunks
}

func (d *openAIChunkDecoder) Done() bool { return d.done }

type claudeChunkDecoder struct {
	buf   []byte
	event string
	model string
	done  bool
}

func (d *claudeChunkDecoder) Feed(data []byte) []*StreamChunk {
	d.buf = append(d.buf, data...)
	var chunks []*StreamChunk
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(d.buf[:idx]), "\r")
		d.buf = d.buf[idx+1:]
		switch {
		case strings.HasPrefix(line, "event: "):
			d.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if d.event == "message_stop" {
				d.done = true
				continue
			}
			chunk, err := ClaudeEventToCanonical(d.event, []byte(payload), d.model)
			if err != nil || chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func (d *claudeChunkDecoder) Done() bool { return d.done }

// ChunkEncoder frames canonical chunks in the client format. An encoder is
// private to one request; the Claude encoder in particular carries the
// message_start state.
type ChunkEncoder interface {
	// Encode frames one canonical chunk for the wire.
	Encode(chunk *StreamChunk) []byte
	// Trailer returns the terminal frame(s) for the format, if any.
	Trailer() []byte
	// ContentType returns the response Content-Type for the framing.
	ContentType() string
}

// NewChunkEncoder builds the encoder for the client's framing.
func NewChunkEncoder(client Format, model string) ChunkEncoder {
	switch client {
	case FormatGemini:
		return &geminiChunkEncoder{}
	case FormatClaude:
		return &claudeChunkEncoder{model: model}
	default:
		return &openAIChunkEncoder{}
	}
}

type openAIChunkEncoder struct{}

func (openAIChunkEncoder) Encode(chunk *StreamChunk) []byte {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(data) + "\n\n")
}

func (openAIChunkEncoder) Trailer() []byte     { return []byte("data: [DONE]\n\n") }
func (openAIChunkEncoder) ContentType() string { return "text/event-stream" }

// geminiChunkEncoder emits the JSON-array framing of streamGenerateContent.
type geminiChunkEncoder struct {
	started bool
}

func (e *geminiChunkEncoder) Encode(chunk *StreamChunk) []byte {
	data, err := ChunkToGemini(chunk)
	if err != nil {
		return nil
	}
	if !e.started {
		e.started = true
		return append([]byte("["), data...)
	}
	return append([]byte(",\r\n"), data...)
}

func (e *geminiChunkEncoder) Trailer() []byte {
	if !e.started {
		return []byte("[]")
	}
	return []byte("]")
}

func (geminiChunkEncoder) ContentType() string { return "application/json" }

type claudeChunkEncoder struct {
	model   string
	started bool
	output  int
}

func (e *claudeChunkEncoder) Encode(chunk *StreamChunk) []byte {
	var out bytes.Buffer
	if !e.started {
		e.started = true
		msg := &ClaudeResponse{
			ID:      "msg_" + time.Now().Format("20060102150405"),
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []ClaudeBlock{},
		}
		writeClaudeEvent(&out, "message_start", ClaudeStreamEvent{Type: "message_start", Message: msg})
		zero := 0
		writeClaudeEvent(&out, "content_block_start", ClaudeStreamEvent{
			Type:         "content_block_start",
			Index:        &zero,
			ContentBlock: &ClaudeBlock{Type: "text", Text: ""},
		})
	}
	if text := chunk.DeltaText(); text != "" {
		zero := 0
		e.output += len(text)
		writeClaudeEvent(&out, "content_block_delta", ClaudeStreamEvent{
			Type:  "content_block_delta",
			Index: &zero,
			Delta: &ClaudeDelta{Type: "text_delta", Text: text},
		})
	}
	return out.Bytes()
}

func (e *claudeChunkEncoder) Trailer() []byte {
	var out bytes.Buffer
	if !e.started {
		// Nothing streamed; still emit a well-formed event sequence.
		out.Write(e.Encode(newChunk(e.model, "", nil)))
	}
	zero := 0
	writeClaudeEvent(&out, "content_block_stop", ClaudeStreamEvent{Type: "content_block_stop", Index: &zero})
	writeClaudeEvent(&out, "message_delta", ClaudeStreamEvent{
		Type:  "message_delta",
		Delta: &ClaudeDelta{StopReason: "end_turn"},
		Usage: &ClaudeUsage{OutputTokens: e.output / 4},
	})
	writeClaudeEvent(&out, "message_stop", ClaudeStreamEvent{Type: "message_stop"})
	return out.Bytes()
}

func (claudeChunkEncoder) ContentType() string { return "text/event-stream" }

func writeClaudeEvent(out *bytes.Buffer, event string, payload ClaudeStreamEvent) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "event: %s\ndata: %s\n\n", event, data)
}
