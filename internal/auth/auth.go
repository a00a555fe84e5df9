// Package auth resolves bearer credentials into an AuthContext. Two
// interchangeable strategies exist: opaque API credentials checked against
// the credit service, and capability-token chains checked locally.
// Capability extraction results are cached in a W-TinyLFU cache keyed by
// the token string; expiry and audience are still re-checked on every hit.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/nuc"
)

const (
	cacheTTL    = 5 * time.Minute // extraction is deterministic per token string
	cacheMaxLen = 10_000
)

// DocsUserID is the synthetic principal for the documentation bypass.
const DocsUserID = "docs"

// UserStore loads per-principal rate limit overrides.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*gateway.User, error)
}

// CreditValidator checks a credential's standing with the credit service.
type CreditValidator interface {
	ValidateCredential(ctx context.Context, credential string, isPublic bool) (string, error)
}

// Authenticator turns a bearer string into an authenticated caller.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*gateway.AuthContext, error)
}

// Config assembles an authenticator.
type Config struct {
	Strategy      string // "api_key" or "nuc"
	DocsToken     string
	ServiceDID    nuc.DID
	TrustedRoots  []nuc.DID
	Credit        CreditValidator
	Users         UserStore
	DefaultLimits gateway.RateLimits
}

// New selects the configured strategy.
func New(cfg Config) (Authenticator, error) {
	base := baseAuth{cfg: cfg}
	switch cfg.Strategy {
	case "api_key":
		return &credentialAuth{baseAuth: base}, nil
	case "nuc":
		cache, err := otter.New(&otter.Options[string, *capabilityClaims]{
			MaximumSize:      cacheMaxLen,
			ExpiryCalculator: otter.ExpiryWriting[string, *capabilityClaims](cacheTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("create token cache: %w", err)
		}
		return &capabilityAuth{
			baseAuth:  base,
			validator: nuc.NewValidator(cfg.ServiceDID, cfg.TrustedRoots),
			cache:     cache,
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth strategy %q", cfg.Strategy)
	}
}

type baseAuth struct {
	cfg Config
}

// docsBypass returns the synthetic unlimited caller when the bearer equals
// the configured docs token. Comparison is constant-time.
func (b *baseAuth) docsBypass(bearer string) *gateway.AuthContext {
	if b.cfg.DocsToken == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(b.cfg.DocsToken)) != 1 {
		return nil
	}
	return &gateway.AuthContext{UserID: DocsUserID, Token: bearer, DocsToken: true}
}

// effectiveLimits loads the principal's stored overrides and merges the
// process defaults. A missing user row simply means no overrides.
func (b *baseAuth) effectiveLimits(ctx context.Context, userID string) gateway.RateLimits {
	if b.cfg.Users != nil {
		if u, err := b.cfg.Users.GetUser(ctx, userID); err == nil && u != nil {
			return u.RateLimits.Merge(b.cfg.DefaultLimits)
		}
	}
	return gateway.RateLimits{}.Merge(b.cfg.DefaultLimits)
}

// credentialAuth treats the bearer as an opaque credential owned by the
// credit service.
type credentialAuth struct {
	baseAuth
}

func (a *credentialAuth) Authenticate(ctx context.Context, bearer string) (*gateway.AuthContext, error) {
	if bearer == "" {
		return nil, fmt.Errorf("%w: missing bearer credential", gateway.ErrUnauthorized)
	}
	if auth := a.docsBypass(bearer); auth != nil {
		return auth, nil
	}
	userID, err := a.cfg.Credit.ValidateCredential(ctx, bearer, false)
	if err != nil {
		return nil, err
	}
	return &gateway.AuthContext{
		UserID:     userID,
		Token:      bearer,
		RateLimits: a.effectiveLimits(ctx, userID),
	}, nil
}

// capabilityClaims is the cacheable part of token processing: everything
// deterministic in the token string.
type capabilityClaims struct {
	env                *nuc.Envelope
	subscriptionHolder string
	userDID            string
	limits             []gateway.TokenLimit
	document           *gateway.DocumentBinding
}

// capabilityAuth validates delegation chains minted under /nil/ai.
type capabilityAuth struct {
	baseAuth
	validator *nuc.Validator
	cache     *otter.Cache[string, *capabilityClaims]
}

func (a *capabilityAuth) Authenticate(ctx context.Context, bearer string) (*gateway.AuthContext, error) {
	if bearer == "" {
		return nil, fmt.Errorf("%w: missing bearer token", gateway.ErrUnauthorized)
	}
	if auth := a.docsBypass(bearer); auth != nil {
		return auth, nil
	}

	claims, err := a.claims(bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnauthorized, err)
	}
	// Expiry and audience are time- and deployment-dependent; never served
	// from cache.
	if err := a.validator.Validate(claims.env); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnauthorized, err)
	}

	if _, err := a.cfg.Credit.ValidateCredential(ctx, claims.subscriptionHolder, true); err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("validate subscription: %w", err)
	}

	return &gateway.AuthContext{
		UserID:      claims.subscriptionHolder,
		UserDID:     claims.userDID,
		Token:       bearer,
		RateLimits:  a.effectiveLimits(ctx, claims.subscriptionHolder),
		TokenLimits: claims.limits,
		Document:    claims.document,
	}, nil
}

func (a *capabilityAuth) claims(bearer string) (*capabilityClaims, error) {
	if c, ok := a.cache.GetIfPresent(bearer); ok {
		return c, nil
	}

	env, err := nuc.Parse(bearer)
	if err != nil {
		return nil, err
	}
	limits, err := nuc.ExtractLimits(env)
	if err != nil {
		return nil, err
	}
	document, err := nuc.ExtractDocumentBinding(env)
	if err != nil {
		return nil, err
	}
	root := env.Root()
	c := &capabilityClaims{
		env:                env,
		subscriptionHolder: root.Subject.PublicKeyHex,
		userDID:            root.Issuer.PublicKeyHex,
		limits:             limits,
		document:           document,
	}
	a.cache.Set(bearer, c)
	return c, nil
}
