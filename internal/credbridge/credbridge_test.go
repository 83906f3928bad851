package credbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmaekawa/votebridge/internal/autherr"
	"github.com/tmaekawa/votebridge/internal/sessionprovider"
	"github.com/tmaekawa/votebridge/internal/storage"
)

// flakyAdmin fails SetCredential a configurable number of times before
// delegating to the wrapped admin.
type flakyAdmin struct {
	sessionprovider.CredentialAdmin
	failures int
	calls    int
}

func (a *flakyAdmin) SetCredential(ctx context.Context, accountID, email, password string) error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("provider unavailable")
	}
	return a.CredentialAdmin.SetCredential(ctx, accountID, email, password)
}

func setup(t *testing.T) (context.Context, *storage.MemoryStore, *sessionprovider.MemoryProvider, storage.Account, storage.Mapping) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	provider := sessionprovider.NewMemoryProvider("testref", sessionprovider.NewMemoryKV())

	account, err := store.CreateAccount(ctx, "line_u1@line.users.votebridge.invalid")
	require.NoError(t, err)
	mapping := storage.Mapping{ExternalID: "U1", AccountID: account.ID, DisplayName: "Taro"}
	require.NoError(t, store.UpsertMapping(ctx, mapping))

	return ctx, store, provider, account, mapping
}

func TestIssueSetsCredential(t *testing.T) {
	ctx, store, provider, account, mapping := setup(t)

	handoff, issued, err := NewBridge(store, provider).Issue(ctx, account, mapping, "/vote/pro-1?token=t")
	require.NoError(t, err)

	assert.Equal(t, account, issued)
	assert.Equal(t, account.Email, handoff.Email)
	assert.NotEmpty(t, handoff.Password)
	assert.Equal(t, "/vote/pro-1?token=t", handoff.Redirect)

	// The credential signs in as the issued account.
	session, err := provider.SignIn(ctx, handoff.Email, handoff.Password)
	require.NoError(t, err)
	assert.Equal(t, account.ID, session.User.ID)
}

func TestIssueRotatesCredential(t *testing.T) {
	ctx, store, provider, account, mapping := setup(t)
	bridge := NewBridge(store, provider)

	first, _, err := bridge.Issue(ctx, account, mapping, "")
	require.NoError(t, err)
	second, _, err := bridge.Issue(ctx, account, mapping, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.Password, second.Password)

	// The old credential no longer signs in.
	_, err = provider.SignIn(ctx, first.Email, first.Password)
	assert.ErrorIs(t, err, sessionprovider.ErrInvalidCredentials)
	_, err = provider.SignIn(ctx, second.Email, second.Password)
	assert.NoError(t, err)
}

func TestIssueRecoversByRecreating(t *testing.T) {
	ctx, store, provider, account, mapping := setup(t)
	admin := &flakyAdmin{CredentialAdmin: provider, failures: 1}

	handoff, issued, err := NewBridge(store, admin).Issue(ctx, account, mapping, "")
	require.NoError(t, err)

	// The half-updated account was replaced.
	assert.NotEqual(t, account.ID, issued.ID)
	assert.Equal(t, account.Email, issued.Email)
	_, err = store.GetAccount(ctx, account.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The mapping was reissued against the new account.
	got, err := store.LookupMapping(ctx, mapping.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, got.AccountID)
	assert.Equal(t, "Taro", got.DisplayName)

	session, err := provider.SignIn(ctx, handoff.Email, handoff.Password)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, session.User.ID)
}

func TestIssueTerminalWhenRecoveryFails(t *testing.T) {
	ctx, store, provider, account, mapping := setup(t)
	admin := &flakyAdmin{CredentialAdmin: provider, failures: 2}

	_, _, err := NewBridge(store, admin).Issue(ctx, account, mapping, "")
	require.Error(t, err)
	assert.Equal(t, autherr.CodeCredentialFailed, autherr.CodeOf(err))
	assert.Equal(t, 2, admin.calls)
}

func TestHandoffRoundTrip(t *testing.T) {
	h := Handoff{Email: "user@example.com", Password: "cred+with/specials", Redirect: "/vote/pro-1?token=t"}
	encoded, err := h.Encode()
	require.NoError(t, err)
	assert.NotContains(t, encoded, "=")

	decoded, err := DecodeHandoff(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHandoffMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not base64url", "!!!"},
		{"not json", "bm90LWpzb24"},
		{"missing credential", "eyJlbWFpbCI6InVzZXJAZXhhbXBsZS5jb20ifQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHandoff(tt.payload)
			assert.ErrorIs(t, err, ErrMalformedHandoff)
		})
	}
}
