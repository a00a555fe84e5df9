package nuc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/sigil-ai/sigil/internal"
)

var (
	ErrInconsistentUsageLimit = errors.New("inconsistent usage limit in delegation chain")
	ErrInvalidUsageLimitType  = errors.New("usage limit must be an integer")
	ErrDocumentOwnerMismatch  = errors.New("document owner does not match proof issuer")
)

const (
	metaUsageLimit  = "usage_limit"
	metaDocumentID  = "document_id"
	metaDocumentDID = "document_owner_did"
)

// ExtractLimits walks the proofs root to leaf and collects each usage_limit
// attenuation. Limits must be positive integers and must not grow down the
// chain; null entries are skipped without resetting the bound. The
// invocation never contributes a limit since the caller mints it.
func ExtractLimits(env *Envelope) ([]gateway.TokenLimit, error) {
	var out []gateway.TokenLimit
	prev := -1
	for _, proof := range env.ProofsRootToLeaf() {
		raw, ok := proof.Meta[metaUsageLimit]
		if !ok || raw == nil {
			continue
		}
		limit, err := intFromMeta(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUsageLimitType, raw)
		}
		if limit <= 0 || (prev >= 0 && limit > prev) {
			return nil, fmt.Errorf("%w: %d after %d", ErrInconsistentUsageLimit, limit, prev)
		}
		prev = limit
		out = append(out, gateway.TokenLimit{
			Signature:  hex.EncodeToString(proof.Signature),
			ExpiresAt:  proof.ExpiresAt,
			UsageLimit: limit,
		})
	}
	return out, nil
}

func intFromMeta(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %T", v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

// ExtractDocumentBinding returns the stored-prompt grant carried by the
// chain: the first proof from the root down naming both a document and its
// owner. The owner DID must be the proof's own issuer, so only a document's
// owner can bind it into a delegation.
func ExtractDocumentBinding(env *Envelope) (*gateway.DocumentBinding, error) {
	for _, proof := range env.ProofsRootToLeaf() {
		id, _ := proof.Meta[metaDocumentID].(string)
		owner, _ := proof.Meta[metaDocumentDID].(string)
		if id == "" || owner == "" {
			continue
		}
		ownerDID, err := ParseDID(owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		if !ownerDID.Equal(proof.Issuer) {
			return nil, fmt.Errorf("%w: owner %s, issuer %s", ErrDocumentOwnerMismatch, ownerDID, proof.Issuer)
		}
		return &gateway.DocumentBinding{DocumentID: id, OwnerDID: ownerDID.String()}, nil
	}
	return nil, nil
}
