package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/keystore"
	"github.com/sigil-ai/sigil/internal/nuc"
)

func newKeys(t *testing.T) *keystore.KeyStore {
	t.Helper()
	ks, err := keystore.Load(filepath.Join(t.TempDir(), "svc.key"))
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestReadPrompt(t *testing.T) {
	t.Parallel()

	docs := map[string]document{
		"doc-1": {DocumentID: "doc-1", OwnerDID: "did:nil:02aa", Prompt: "You are a pirate."},
		"doc-2": {DocumentID: "doc-2", OwnerDID: "did:nil:02aa", Prompt: ""},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/documents/"):]
		doc, ok := docs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second, newKeys(t))
	ctx := context.Background()

	t.Run("owned document with prompt", func(t *testing.T) {
		t.Parallel()
		prompt, err := c.ReadPrompt(ctx, &gateway.DocumentBinding{DocumentID: "doc-1", OwnerDID: "did:nil:02aa"})
		if err != nil {
			t.Fatalf("ReadPrompt: %v", err)
		}
		if prompt != "You are a pirate." {
			t.Errorf("prompt = %q", prompt)
		}
	})

	tests := []struct {
		name    string
		binding gateway.DocumentBinding
	}{
		{name: "missing document", binding: gateway.DocumentBinding{DocumentID: "doc-x", OwnerDID: "did:nil:02aa"}},
		{name: "owner mismatch", binding: gateway.DocumentBinding{DocumentID: "doc-1", OwnerDID: "did:nil:02bb"}},
		{name: "empty prompt", binding: gateway.DocumentBinding{DocumentID: "doc-2", OwnerDID: "did:nil:02aa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name+" is forbidden", func(t *testing.T) {
			t.Parallel()
			if _, err := c.ReadPrompt(ctx, &tt.binding); !errors.Is(err, gateway.ErrForbidden) {
				t.Errorf("err = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestDelegationToken(t *testing.T) {
	t.Parallel()

	ks := newKeys(t)
	c := New("http://unused", time.Second, ks)

	userKeyDID := ks.DID() // any valid DID works as audience

	token, err := c.DelegationToken(userKeyDID.String())
	if err != nil {
		t.Fatalf("DelegationToken: %v", err)
	}

	env, err := nuc.Parse(token)
	if err != nil {
		t.Fatalf("minted token does not parse: %v", err)
	}
	tok := env.Invocation
	if !tok.Issuer.Equal(ks.DID()) {
		t.Errorf("issuer = %s, want service DID", tok.Issuer)
	}
	if !tok.Audience.Equal(userKeyDID) {
		t.Errorf("audience = %s, want requester", tok.Audience)
	}
	if tok.Command != WriteCommand {
		t.Errorf("command = %s, want %s", tok.Command, WriteCommand)
	}
	if until := time.Until(tok.ExpiresAt); until <= 0 || until > DelegationTTL+time.Second {
		t.Errorf("expiry %v out of range", until)
	}

	if _, err := c.DelegationToken("not-a-did"); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}
