package nuc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Builder constructs chain nodes: roots, delegations extending an existing
// envelope, and invocations. The zero value is not usable; start from
// NewBuilder or Extending.
type Builder struct {
	parent    *Envelope
	audience  DID
	subject   *DID
	command   Command
	expiresAt time.Time
	meta      map[string]any
	body      map[string]any
}

// NewBuilder starts a root token.
func NewBuilder() *Builder { return &Builder{command: RootCommand} }

// Extending starts a node that appends to an existing chain. The new node
// inherits the parent's subject and command unless overridden.
func Extending(parent *Envelope) *Builder {
	return &Builder{
		parent:  parent,
		subject: &parent.Invocation.Subject,
		command: parent.Invocation.Command,
	}
}

// Audience sets the node's audience (the next holder, or the service for
// an invocation).
func (b *Builder) Audience(d DID) *Builder { b.audience = d; return b }

// Subject sets the chain subject. Roots default it to the issuer.
func (b *Builder) Subject(d DID) *Builder { b.subject = &d; return b }

// Command sets the node's capability path.
func (b *Builder) Command(c Command) *Builder { b.command = c; return b }

// ExpiresAt sets the node's expiry.
func (b *Builder) ExpiresAt(t time.Time) *Builder { b.expiresAt = t; return b }

// Meta attaches attenuation metadata (usage_limit, document binding).
func (b *Builder) Meta(m map[string]any) *Builder { b.meta = m; return b }

// Invocation marks the node as an invocation with the given arguments.
func (b *Builder) Invocation(args map[string]any) *Builder {
	if args == nil {
		args = map[string]any{}
	}
	b.body = map[string]any{"args": args}
	return b
}

// Build signs the node with the issuer key and returns the serialized
// envelope: the new node followed by the parent chain, if any.
func (b *Builder) Build(issuer *secp256k1.PrivateKey) (string, error) {
	issuerDID := DIDFromPublicKey(issuer.PubKey())
	if b.audience.PublicKeyHex == "" {
		return "", fmt.Errorf("nuc: builder requires an audience")
	}
	subject := issuerDID
	if b.subject != nil {
		subject = *b.subject
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nuc: nonce: %w", err)
	}

	p := payload{
		Issuer:   issuerDID.String(),
		Audience: b.audience.String(),
		Subject:  subject.String(),
		Command:  string(b.command),
		Meta:     b.meta,
		Body:     b.body,
		Nonce:    base64.RawURLEncoding.EncodeToString(nonce),
	}
	if !b.expiresAt.IsZero() {
		p.Expires = b.expiresAt.Unix()
	}

	hdrJSON, err := json.Marshal(header{Alg: tokenAlg, Typ: "nuc"})
	if err != nil {
		return "", fmt.Errorf("nuc: marshal header: %w", err)
	}
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("nuc: marshal payload: %w", err)
	}

	signingInput := b64.EncodeToString(hdrJSON) + "." + b64.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))
	sig := ecdsa.Sign(issuer, digest[:])

	token := signingInput + "." + b64.EncodeToString(sig.Serialize())
	if b.parent != nil {
		return token + "/" + b.parent.Serialize(), nil
	}
	return token, nil
}
