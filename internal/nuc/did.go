// Package nuc implements parsing, validation and construction of delegable
// capability token chains. A chain is a root token minted by an authority,
// zero or more delegations, and a leaf invocation addressed to a service.
package nuc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const didPrefix = "did:nil:"

// DID identifies a principal by its compressed secp256k1 public key.
type DID struct {
	// PublicKeyHex is the lowercase hex of the 33-byte compressed key.
	PublicKeyHex string
}

// DIDFromPublicKey derives the DID of a public key.
func DIDFromPublicKey(pub *secp256k1.PublicKey) DID {
	return DID{PublicKeyHex: hex.EncodeToString(pub.SerializeCompressed())}
}

// ParseDID parses a "did:nil:<66 hex>" string.
func ParseDID(s string) (DID, error) {
	raw, ok := strings.CutPrefix(s, didPrefix)
	if !ok {
		return DID{}, fmt.Errorf("did %q: missing %q prefix", s, didPrefix)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return DID{}, fmt.Errorf("did %q: %w", s, err)
	}
	if len(b) != 33 {
		return DID{}, fmt.Errorf("did %q: key is %d bytes, want 33", s, len(b))
	}
	return DID{PublicKeyHex: strings.ToLower(raw)}, nil
}

// String renders the canonical did:nil form.
func (d DID) String() string { return didPrefix + d.PublicKeyHex }

// Equal compares two DIDs.
func (d DID) Equal(other DID) bool { return d.PublicKeyHex == other.PublicKeyHex }

// PublicKey decodes the embedded compressed public key.
func (d DID) PublicKey() (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(d.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("did key hex: %w", err)
	}
	return secp256k1.ParsePubKey(b)
}

// Command is a hierarchical capability path such as "/nil/ai/generate".
type Command string

// ParseCommand validates the path shape: leading slash, non-empty segments.
func ParseCommand(s string) (Command, error) {
	if s == "/" {
		return Command(s), nil
	}
	if !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("command %q: must start with /", s)
	}
	for seg := range strings.SplitSeq(s[1:], "/") {
		if seg == "" {
			return "", fmt.Errorf("command %q: empty segment", s)
		}
	}
	return Command(s), nil
}

// IsAttenuationOf reports whether c equals root or extends it by whole
// segments. "/nil/ai/generate" attenuates "/nil/ai"; "/nil/aix" does not.
func (c Command) IsAttenuationOf(root Command) bool {
	if root == "/" || c == root {
		return true
	}
	return strings.HasPrefix(string(c), string(root)+"/")
}
