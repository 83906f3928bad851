// Package credbridge issues the one-time bridging credential that lets
// the browser sign in to the primary session provider as the account the
// federation exchange resolved. The credential is rotated on every
// login, so a leaked handoff payload is only usable until the next one.
package credbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmaekawa/votebridge/internal/autherr"
	"github.com/tmaekawa/votebridge/internal/crypto"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/sessionprovider"
	"github.com/tmaekawa/votebridge/internal/storage"
)

// ErrMalformedHandoff is returned by DecodeHandoff for payloads that are
// not valid base64url JSON.
var ErrMalformedHandoff = errors.New("malformed handoff payload")

// Handoff is the opaque payload carried to the browser on the handoff
// redirect. The bootstrap page consumes it and signs in with it.
type Handoff struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect,omitempty"`
}

// Encode serializes the handoff for a single query parameter.
func (h Handoff) Encode() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding handoff: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeHandoff reverses Encode. Any failure is ErrMalformedHandoff.
func DecodeHandoff(s string) (Handoff, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Handoff{}, ErrMalformedHandoff
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return Handoff{}, ErrMalformedHandoff
	}
	if h.Email == "" || h.Password == "" {
		return Handoff{}, ErrMalformedHandoff
	}
	return h, nil
}

// Bridge sets bridging credentials on the session provider and owns the
// delete-and-recreate recovery when that fails.
type Bridge struct {
	store storage.Store
	admin sessionprovider.CredentialAdmin
}

func NewBridge(store storage.Store, admin sessionprovider.CredentialAdmin) *Bridge {
	return &Bridge{store: store, admin: admin}
}

// Issue generates a fresh credential and sets it as the account's
// provider password. When the provider call fails the account may be in
// a half-updated state (it exists, but with an unknown password), which
// is worse than a clean slate: the account and its mapping are deleted,
// recreated, and the credential reissued once. The returned account is
// the one the handoff signs in as; on the recovery path it differs from
// the input.
func (b *Bridge) Issue(ctx context.Context, account storage.Account, mapping storage.Mapping, redirect string) (Handoff, storage.Account, error) {
	credential, err := crypto.GenerateCredential()
	if err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "generating credential", err)
	}

	if err := b.admin.SetCredential(ctx, account.ID, account.Email, credential); err != nil {
		log.LogWarnWithFields("credbridge", "Credential set failed, recreating account", map[string]any{
			"accountID": account.ID,
			"error":     err.Error(),
		})
		return b.recover(ctx, account, mapping, redirect)
	}

	return Handoff{Email: account.Email, Password: credential, Redirect: redirect}, account, nil
}

func (b *Bridge) recover(ctx context.Context, stale storage.Account, mapping storage.Mapping, redirect string) (Handoff, storage.Account, error) {
	if err := b.store.DeleteAccount(ctx, stale.ID); err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "deleting half-updated account", err)
	}
	if err := b.store.DeleteMapping(ctx, mapping.ExternalID); err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "deleting identity mapping", err)
	}

	account, err := b.store.CreateAccount(ctx, stale.Email)
	if err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "recreating account", err)
	}

	mapping.AccountID = account.ID
	if err := b.store.UpsertMapping(ctx, mapping); err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "reissuing identity mapping", err)
	}

	credential, err := crypto.GenerateCredential()
	if err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "generating credential", err)
	}
	if err := b.admin.SetCredential(ctx, account.ID, account.Email, credential); err != nil {
		return Handoff{}, storage.Account{}, autherr.Wrap(autherr.CodeCredentialFailed, "setting credential after recreate", err)
	}

	log.LogInfoWithFields("credbridge", "Recovered via account recreate", map[string]any{
		"accountID": account.ID,
	})
	return Handoff{Email: account.Email, Password: credential, Redirect: redirect}, account, nil
}
