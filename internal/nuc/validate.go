package nuc

import (
	"errors"
	"fmt"
	"time"
)

// RootCommand is the capability namespace this service accepts. Every node
// in a presented chain must carry this command or an attenuation of it.
const RootCommand = Command("/nil/ai")

var (
	ErrUntrustedRoot  = errors.New("root issuer not trusted")
	ErrWrongAudience  = errors.New("invocation not addressed to this service")
	ErrCommandScope   = errors.New("command outside service namespace")
	ErrTokenExpired   = errors.New("token expired")
)

// Validator checks parsed envelopes against this service's identity and an
// optional allow-list of trusted root issuers.
type Validator struct {
	service      DID
	trustedRoots []DID
	now          func() time.Time
}

// NewValidator builds a validator. An empty trustedRoots list accepts any
// root issuer; the invocation is still fully validated.
func NewValidator(service DID, trustedRoots []DID) *Validator {
	return &Validator{service: service, trustedRoots: trustedRoots, now: time.Now}
}

// Validate checks root trust, invocation audience, command attenuation and
// expiry. The envelope's signatures and linkage were verified at parse time.
func (v *Validator) Validate(env *Envelope) error {
	if len(v.trustedRoots) > 0 {
		root := env.Root()
		trusted := false
		for _, d := range v.trustedRoots {
			if d.Equal(root.Issuer) {
				trusted = true
				break
			}
		}
		if !trusted {
			return fmt.Errorf("%w: %s", ErrUntrustedRoot, root.Issuer)
		}
	}

	if !env.Invocation.Audience.Equal(v.service) {
		return fmt.Errorf("%w: audience %s", ErrWrongAudience, env.Invocation.Audience)
	}

	now := v.now()
	for _, tok := range append(env.ProofsRootToLeaf(), env.Invocation) {
		if !tok.Command.IsAttenuationOf(RootCommand) {
			return fmt.Errorf("%w: %s", ErrCommandScope, tok.Command)
		}
		if !tok.ExpiresAt.IsZero() && !tok.ExpiresAt.After(now) {
			return fmt.Errorf("%w: at %s", ErrTokenExpired, tok.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	return nil
}
