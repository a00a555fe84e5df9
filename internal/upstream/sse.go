package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/sigil-ai/sigil/internal"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// newScanner returns a bufio.Scanner sized for SSE lines.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseSSELine extracts the data payload of one SSE line. Comments, empty
// lines and non-data fields return ok=false.
func parseSSELine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key != "data" {
		return "", false
	}
	return strings.TrimPrefix(value, " "), true
}

// readStream pumps SSE chunks from resp into ch, tagging the usage-bearing
// chunk. No JSON decoding happens on the hot path beyond the usage probe.
func readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := newScanner(resp.Body)
	for scanner.Scan() {
		data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("upstream: read stream: %w", err)}
		return
	}
	ch <- gateway.StreamChunk{Done: true}
}
