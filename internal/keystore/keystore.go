// Package keystore manages the service's long-lived secp256k1 signing key.
package keystore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/gofrs/flock"

	"github.com/sigil-ai/sigil/internal/nuc"
)

// KeyStore holds the loaded signing key. Read-only after Load.
type KeyStore struct {
	priv *secp256k1.PrivateKey
}

// Load opens or creates the key file at path. An exclusive lock on a
// sidecar ".lock" file serializes concurrent starts so exactly one process
// generates the key. An existing non-empty file must hold a valid key;
// a corrupt file is fatal rather than silently overwritten.
func Load(path string) (*KeyStore, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("keystore: lock %s: %w", lock.Path(), err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil && len(raw) > 0:
		return parseKey(path, raw)
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	enc := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(path, []byte(enc+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return &KeyStore{priv: priv}, nil
}

func parseKey(path string, raw []byte) (*KeyStore, error) {
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("keystore: %s is corrupt: %w", path, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("keystore: %s is corrupt: key is %d bytes, want 32", path, len(b))
	}
	return &KeyStore{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign returns a DER-encoded ECDSA signature over the SHA-256 of data.
func (k *KeyStore) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// Verify checks a DER signature against the given compressed public key.
func Verify(pubCompressed, data, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubCompressed)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], pub)
}

// PublicKeyB64 returns the base64 of the compressed public key. This is the
// verifying_key clients use to check response signatures.
func (k *KeyStore) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// DID returns the service identity used as capability-token audience.
func (k *KeyStore) DID() nuc.DID {
	return nuc.DIDFromPublicKey(k.priv.PubKey())
}

// PrivateKey exposes the key for minting delegation tokens.
func (k *KeyStore) PrivateKey() *secp256k1.PrivateKey { return k.priv }
