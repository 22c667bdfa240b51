package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/openai"
)

// relayStream pipes the upstream SSE byte stream to the client verbatim
// while a frame parser accumulates streamed content for token accounting.
// Hop-by-hop headers are stripped and the standard SSE headers set.
func (e *Engine) relayStream(w http.ResponseWriter, resp *http.Response) (int, error) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	acc := &sseAccumulator{}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				// Client went away; the caller cancels the upstream and
				// no usage is recorded for this request.
				return 0, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
			acc.feed(chunk)
		}
		if readErr != nil {
			break
		}
	}
	acc.finish()

	return acc.tokens(), nil
}

// sseAccumulator parses `data: ` frames out of the relayed byte stream and
// accumulates the streamed content length. When a final frame carries an
// explicit usage block, that total wins over the character estimate.
type sseAccumulator struct {
	pending     []byte
	chars       int
	usageTokens int
}

func (a *sseAccumulator) feed(chunk []byte) {
	a.pending = append(a.pending, chunk...)
	for {
		idx := bytes.IndexByte(a.pending, '\n')
		if idx < 0 {
			return
		}
		line := a.pending[:idx]
		a.pending = a.pending[idx+1:]
		a.processLine(line)
	}
}

func (a *sseAccumulator) finish() {
	if len(a.pending) > 0 {
		a.processLine(a.pending)
		a.pending = nil
	}
}

func (a *sseAccumulator) processLine(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if !strings.HasPrefix(text, "data: ") {
		return
	}
	payload := strings.TrimPrefix(text, "data: ")
	if payload == "[DONE]" {
		return
	}

	var chunk openai.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}
	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			a.chars += len(choice.Delta.Content)
		}
	}
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		a.usageTokens = chunk.Usage.TotalTokens
	}
}

// tokens returns the explicit usage total when the stream carried one, and
// the ⌈chars/4⌉ estimate otherwise.
func (a *sseAccumulator) tokens() int {
	if a.usageTokens > 0 {
		return a.usageTokens
	}
	return utils.EstimateTokens(a.chars)
}
