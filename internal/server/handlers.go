package server

import (
	"net/http"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status: "healthy",
		Uptime: time.Since(s.start).String(),
	})
}

type readyzResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReadyz runs every configured dependency probe and reports each
// outcome; any failure makes the whole endpoint 503.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{
		Status: "ready",
		Checks: make(map[string]string, len(s.deps.ReadyChecks)),
	}
	status := http.StatusOK
	for name, check := range s.deps.ReadyChecks {
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.start).Round(time.Second).String(),
	})
}

// handleListModels returns the live registrations with their model cards.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Models.Discover(r.Context(), "", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	data := make([]gateway.ModelMetadata, len(models))
	for i, m := range models {
		data[i] = m.Metadata
	}
	writeJSON(w, http.StatusOK, data)
}

// handleUsage reports the caller's accumulated token totals.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ac := gateway.AuthFromContext(r.Context())
	if ac == nil {
		writeDetail(w, http.StatusUnauthorized, "missing bearer credential")
		return
	}
	usage, err := s.deps.Usage.SumUsage(r.Context(), ac.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleAttestation returns fresh hardware evidence bound to the service
// verifying key.
func (s *server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Attestation.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	report.VerifyingKey = s.deps.PublicKey
	writeJSON(w, http.StatusOK, report)
}

type delegationResponse struct {
	Token string `json:"token"`
	DID   string `json:"did"`
}

// handleDelegation mints a short-lived vault capability for the audience
// DID named in the query string.
func (s *server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	audience := r.URL.Query().Get("prompt_delegation_request")
	if audience == "" {
		writeDetail(w, http.StatusBadRequest, "prompt_delegation_request query parameter is required")
		return
	}
	token, err := s.deps.Vault.DelegationToken(audience)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delegationResponse{Token: token, DID: s.deps.DID})
}

// handlePublicKey returns the verifying key as a bare JSON string.
func (s *server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.PublicKey)
}
