// Package vault reads stored-prompt documents from the secret vault and
// mints short-lived delegation tokens for writing new ones.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/keystore"
	"github.com/sigil-ai/sigil/internal/nuc"
)

// DelegationTTL bounds how long a minted prompt-write grant stays valid.
const DelegationTTL = 60 * time.Second

// WriteCommand is the capability minted for prompt uploads.
const WriteCommand = nuc.Command("/nil/db/data/create")

// Client reads documents over HTTP and signs delegations with the
// service key.
type Client struct {
	baseURL string
	http    *http.Client
	keys    *keystore.KeyStore
}

// New builds a vault client.
func New(baseURL string, timeout time.Duration, keys *keystore.KeyStore) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}, keys: keys}
}

type document struct {
	DocumentID string `json:"document_id"`
	OwnerDID   string `json:"owner_did"`
	Prompt     string `json:"prompt"`
}

// ReadPrompt fetches the bound document and returns its prompt text. The
// document must belong to the binding's owner and must carry a non-empty
// prompt; every failure is a Forbidden since the caller presented a grant
// it cannot honor.
func (c *Client) ReadPrompt(ctx context.Context, binding *gateway.DocumentBinding) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/documents/"+binding.DocumentID, nil)
	if err != nil {
		return "", fmt.Errorf("vault: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: vault unreachable: %v", gateway.ErrForbidden, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: document %s: vault returned %d",
			gateway.ErrForbidden, binding.DocumentID, resp.StatusCode)
	}
	var doc document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: document %s: %v", gateway.ErrForbidden, binding.DocumentID, err)
	}
	if doc.OwnerDID != binding.OwnerDID {
		return "", fmt.Errorf("%w: document %s owned by %s, grant names %s",
			gateway.ErrForbidden, binding.DocumentID, doc.OwnerDID, binding.OwnerDID)
	}
	if doc.Prompt == "" {
		return "", fmt.Errorf("%w: document %s has no prompt", gateway.ErrForbidden, binding.DocumentID)
	}
	return doc.Prompt, nil
}

// DelegationToken mints a 60-second grant allowing audienceDID to create a
// prompt document in the vault on this service's behalf.
func (c *Client) DelegationToken(audienceDID string) (string, error) {
	did, err := nuc.ParseDID(audienceDID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	token, err := nuc.NewBuilder().
		Audience(did).
		Command(WriteCommand).
		ExpiresAt(time.Now().Add(DelegationTTL)).
		Build(c.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("vault: mint delegation: %w", err)
	}
	return token, nil
}
