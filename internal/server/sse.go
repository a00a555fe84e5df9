package server

import "net/http"

// Pre-allocated SSE framing bytes and header value slices. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates, and the
// byte slices avoid per-write heap escapes in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")

	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders commits the response as an event stream. X-Accel-Buffering
// tells fronting proxies not to buffer the chunked body.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes one data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseFrameEnd)
}

// writeSSEDone writes the stream termination sentinel.
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEKeepAlive writes a comment frame so idle connections stay open
// through proxies.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
