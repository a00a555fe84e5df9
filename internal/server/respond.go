package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/sigil-ai/sigil/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

// writeError maps a pipeline error onto its HTTP response, attaching the
// auth challenge on 401 and the reset hint on 429.
func writeError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	status := gateway.HTTPStatus(err)
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case http.StatusTooManyRequests:
		var rle *gateway.RateLimitedError
		if errors.As(err, &rle) {
			// Milliseconds until the denied bucket resets, matching the
			// value clients receive in the denial body.
			w.Header().Set("Retry-After", strconv.FormatInt(rle.RetryAfter, 10))
		}
	}
	msg := err.Error()
	if status >= 500 {
		// Internal details stay in the server log.
		msg = http.StatusText(status)
	}
	writeDetail(w, status, msg)
}
