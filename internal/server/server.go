// Package server implements the HTTP transport layer for the Sigil gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/app"
	"github.com/sigil-ai/sigil/internal/attestation"
	"github.com/sigil-ai/sigil/internal/auth"
	"github.com/sigil-ai/sigil/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// ChatRunner executes one chat completion request.
type ChatRunner interface {
	Complete(ctx context.Context, req *gateway.ChatRequest) (*app.Result, error)
}

// ModelLister enumerates live model registrations.
type ModelLister interface {
	Discover(ctx context.Context, name string, features []string) ([]*gateway.ModelEndpoint, error)
}

// UsageSummer aggregates a principal's historical token usage.
type UsageSummer interface {
	SumUsage(ctx context.Context, userID string) (*gateway.Usage, error)
}

// AttestationProvider fetches hardware attestation evidence.
type AttestationProvider interface {
	Report(ctx context.Context) (*attestation.Report, error)
}

// DelegationIssuer mints short-lived capability tokens for a requesting
// audience, letting clients store prompts in the vault on their own.
type DelegationIssuer interface {
	DelegationToken(audienceDID string) (string, error)
}

const (
	defaultMaxBodyBytes   = 10 << 20
	defaultRequestTimeout = 60 * time.Second
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        auth.Authenticator
	Chat        ChatRunner
	Models      ModelLister
	Usage       UsageSummer
	Attestation AttestationProvider
	Vault       DelegationIssuer
	PublicKey   string // base64 compressed service verifying key
	DID         string // service identity, did:nil:<pubkey hex>

	ReadyChecks map[string]ReadyChecker // nil = always ready (for tests)
	Metrics     *telemetry.Metrics      // nil = no metrics
	PromGather  prometheus.Gatherer

	MaxBodyBytes   int64
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}
	s := &server{deps: deps, start: time.Now()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(securityHeaders)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/v1/public_key", s.handlePublicKey)
	if deps.PromGather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.PromGather, promhttp.HandlerOpts{}))
	}

	// Client-facing API (auth required) -- OpenAI-compatible surface plus
	// the attestation and delegation extensions.
	r.Group(func(r chi.Router) {
		r.Use(s.bodyLimit)
		r.Use(s.authenticate)
		r.Use(s.timeout)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/usage", s.handleUsage)
		r.Get("/v1/health", s.handleHealth)
		r.Get("/v1/attestation/report", s.handleAttestation)
		r.Get("/v1/delegation", s.handleDelegation)
	})

	return r
}

type server struct {
	deps  Deps
	start time.Time
}
