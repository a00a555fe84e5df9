package nuc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Parse and chain errors. The auth layer maps all of these to a single
// unauthorized response; they stay distinct here for tests and logs.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrBrokenChain      = errors.New("broken delegation chain")
)

var b64 = base64.RawURLEncoding

const tokenAlg = "ES256K"

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type payload struct {
	Issuer   string         `json:"iss"`
	Audience string         `json:"aud"`
	Subject  string         `json:"sub"`
	Command  string         `json:"cmd"`
	Expires  int64          `json:"exp,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Body     map[string]any `json:"body,omitempty"`
	Nonce    string         `json:"nonce,omitempty"`
}

// Token is one decoded, signature-verified node of a chain.
type Token struct {
	Issuer    DID
	Audience  DID
	Subject   DID
	Command   Command
	ExpiresAt time.Time // zero when the node carries no expiry
	Meta      map[string]any
	Body      map[string]any

	// Signature is the DER-encoded ECDSA signature over the node's
	// serialized header and payload. Its hex form keys the per-proof
	// rate-limit buckets.
	Signature []byte

	raw string // serialized three-segment form
}

// Serialize returns the node's wire form.
func (t *Token) Serialize() string { return t.raw }

// Envelope is a full chain: the invocation plus its proofs ordered from
// the invocation's direct parent up to the root (root last).
type Envelope struct {
	Invocation *Token
	Proofs     []*Token

	raw string
}

// Root returns the chain's root node.
func (e *Envelope) Root() *Token {
	if len(e.Proofs) == 0 {
		return e.Invocation
	}
	return e.Proofs[len(e.Proofs)-1]
}

// ProofsRootToLeaf returns the proofs reordered root first.
func (e *Envelope) ProofsRootToLeaf() []*Token {
	out := make([]*Token, len(e.Proofs))
	for i, p := range e.Proofs {
		out[len(e.Proofs)-1-i] = p
	}
	return out
}

// Serialize returns the envelope's wire form: nodes joined by "/", the
// invocation first.
func (e *Envelope) Serialize() string { return e.raw }

// Parse decodes an envelope string, verifying every node's signature
// against its issuer key and the issuer/audience linkage between nodes.
func Parse(s string) (*Envelope, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedToken)
	}
	parts := strings.Split(s, "/")
	nodes := make([]*Token, 0, len(parts))
	for _, part := range parts {
		tok, err := parseToken(part)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, tok)
	}

	// Each node's issuer must equal its parent's audience.
	for i := 0; i < len(nodes)-1; i++ {
		if !nodes[i].Issuer.Equal(nodes[i+1].Audience) {
			return nil, fmt.Errorf("%w: node %d issuer %s does not match parent audience %s",
				ErrBrokenChain, i, nodes[i].Issuer, nodes[i+1].Audience)
		}
	}

	return &Envelope{Invocation: nodes[0], Proofs: nodes[1:], raw: s}, nil
}

func parseToken(s string) (*Token, error) {
	segs := strings.Split(s, ".")
	if len(segs) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformedToken, len(segs))
	}
	hdrRaw, err := b64.DecodeString(segs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var hdr header
	if err := json.Unmarshal(hdrRaw, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if hdr.Alg != tokenAlg {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformedToken, hdr.Alg)
	}

	payloadRaw, err := b64.DecodeString(segs[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	var p payload
	dec := json.NewDecoder(bytes.NewReader(payloadRaw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	sig, err := b64.DecodeString(segs[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	issuer, err := ParseDID(p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	audience, err := ParseDID(p.Audience)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	subject, err := ParseDID(p.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	cmd, err := ParseCommand(p.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if err := verifySignature(issuer, segs[0]+"."+segs[1], sig); err != nil {
		return nil, err
	}

	tok := &Token{
		Issuer:    issuer,
		Audience:  audience,
		Subject:   subject,
		Command:   cmd,
		Meta:      p.Meta,
		Body:      p.Body,
		Signature: sig,
		raw:       s,
	}
	if p.Expires != 0 {
		tok.ExpiresAt = time.Unix(p.Expires, 0)
	}
	return tok, nil
}

func verifySignature(issuer DID, signingInput string, sig []byte) error {
	pub, err := issuer.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: issuer key: %v", ErrMalformedToken, err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256([]byte(signingInput))
	if !parsed.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}
