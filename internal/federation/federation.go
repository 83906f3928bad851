// Package federation resolves a federated callback into a local account
// and a signed-in handoff for the browser. It owns the identity mapping
// lifecycle: lookup, stale-mapping self-heal, account adoption on email
// collision, and profile refresh.
package federation

import (
	"context"
	"errors"
	"time"

	"github.com/tmaekawa/votebridge/internal/autherr"
	"github.com/tmaekawa/votebridge/internal/credbridge"
	"github.com/tmaekawa/votebridge/internal/emailutil"
	"github.com/tmaekawa/votebridge/internal/idp"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/routing"
	"github.com/tmaekawa/votebridge/internal/state"
	"github.com/tmaekawa/votebridge/internal/storage"
)

// Outcome is the routing decision for a completed callback.
type Outcome struct {
	// Handoff carries the bridging credential for the bootstrap page.
	Handoff credbridge.Handoff

	// LikelySignedIn marks the duplicate-callback branch: the code was
	// already consumed, which means a concurrent first attempt most
	// likely succeeded. The browser goes to the default authenticated
	// destination instead of an error page.
	LikelySignedIn bool
}

// Exchanger drives one federation callback end to end. It is stateless
// between requests; correctness under duplicate callbacks relies on the
// provider's single-use authorization codes and the store's idempotent
// upserts, not on any lock held here.
type Exchanger struct {
	store    storage.Store
	provider idp.Provider
	bridge   *credbridge.Bridge

	now func() time.Time
}

func NewExchanger(store storage.Store, provider idp.Provider, bridge *credbridge.Bridge) *Exchanger {
	return &Exchanger{
		store:    store,
		provider: provider,
		bridge:   bridge,
		now:      time.Now,
	}
}

// Exchange resolves an authorization code and state token into an
// Outcome. Every terminal failure is a typed autherr; the HTTP layer
// turns the code into a login redirect.
func (e *Exchanger) Exchange(ctx context.Context, kind idp.CallbackKind, code, stateToken string) (Outcome, error) {
	token, err := state.Decode(stateToken)
	if err != nil {
		return Outcome{}, autherr.Wrap(autherr.CodeExpiredState, "decoding state", err)
	}
	if token.Expired(e.now()) {
		return Outcome{}, autherr.New(autherr.CodeExpiredState, "state past TTL")
	}

	accessToken, err := e.provider.ExchangeCode(ctx, code, kind)
	if err != nil {
		if errors.Is(err, idp.ErrCodeConsumed) {
			log.LogInfoWithFields("federation", "Duplicate callback, assuming concurrent success", map[string]any{
				"intent": string(token.Context.Intent),
			})
			return Outcome{LikelySignedIn: true}, nil
		}
		return Outcome{}, autherr.Wrap(autherr.CodeExchangeFailed, "exchanging code", err)
	}

	profile, err := e.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		return Outcome{}, autherr.Wrap(autherr.CodeExchangeFailed, "fetching profile", err)
	}

	email := profile.Email
	if email == "" {
		email = emailutil.Synthetic(profile.ExternalID)
	}

	account, err := e.resolveAccount(ctx, profile.ExternalID, email)
	if err != nil {
		return Outcome{}, err
	}

	mapping := storage.Mapping{
		ExternalID:  profile.ExternalID,
		AccountID:   account.ID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Email:       profile.Email,
	}
	if err := e.store.UpsertMapping(ctx, mapping); err != nil {
		return Outcome{}, autherr.Wrap(autherr.CodeExchangeFailed, "refreshing identity mapping", err)
	}

	handoff, issued, err := e.bridge.Issue(ctx, account, mapping, redirectFor(token.Context))
	if err != nil {
		return Outcome{}, err
	}

	// Role records are keyed by the account the handoff signs in as,
	// which differs from the resolved one when credential issuance went
	// through the recreate recovery.
	if err := e.provisionRole(ctx, token.Context.Intent, issued, profile); err != nil {
		return Outcome{}, err
	}

	return Outcome{Handoff: handoff}, nil
}

// resolveAccount maps the external identity to a local account, healing
// stale mappings and adopting existing accounts on email collision.
func (e *Exchanger) resolveAccount(ctx context.Context, externalID, email string) (storage.Account, error) {
	mapping, err := e.store.LookupMapping(ctx, externalID)
	if err == nil {
		account, err := e.store.GetAccount(ctx, mapping.AccountID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Account{}, autherr.Wrap(autherr.CodeExchangeFailed, "verifying mapped account", err)
		}
		// The mapped account is gone. Purge the stale mapping and fall
		// through to the fresh-registration path.
		log.LogWarnWithFields("federation", "Purging stale identity mapping", map[string]any{
			"externalID": externalID,
			"accountID":  mapping.AccountID,
		})
		if err := e.store.DeleteMapping(ctx, externalID); err != nil {
			return storage.Account{}, autherr.Wrap(autherr.CodeExchangeFailed, "purging stale mapping", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Account{}, autherr.Wrap(autherr.CodeExchangeFailed, "looking up identity mapping", err)
	}

	account, err := e.store.CreateAccount(ctx, email)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return storage.Account{}, autherr.Wrap(autherr.CodeExchangeFailed, "creating account", err)
	}

	// Genuine email collision: the address is registered under another
	// account. Adopt it instead of failing the flow.
	account, err = e.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return storage.Account{}, autherr.Wrap(autherr.CodeExchangeFailed, "adopting existing account", err)
	}
	log.LogInfoWithFields("federation", "Adopted existing account for federated email", map[string]any{
		"accountID": account.ID,
	})
	return account, nil
}

// provisionRole creates the minimal role record the intent calls for.
// Creation only happens when no record exists: an existing record keeps
// its fields, so a repeat login never flips a deactivated professional
// back to active or rewrites their display name.
func (e *Exchanger) provisionRole(ctx context.Context, intent state.Intent, account storage.Account, profile *idp.Profile) error {
	switch intent {
	case state.IntentProRegister:
		if _, err := e.store.GetProfessional(ctx, account.ID); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return autherr.Wrap(autherr.CodeExchangeFailed, "checking professional record", err)
		}
		err := e.store.UpsertProfessional(ctx, storage.Professional{
			AccountID:   account.ID,
			DisplayName: profile.DisplayName,
		})
		if err != nil {
			return autherr.Wrap(autherr.CodeExchangeFailed, "provisioning professional record", err)
		}
	case state.IntentClientLogin:
		if _, err := e.store.GetClient(ctx, account.ID); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return autherr.Wrap(autherr.CodeExchangeFailed, "checking client record", err)
		}
		if err := e.store.UpsertClient(ctx, storage.Client{AccountID: account.ID}); err != nil {
			return autherr.Wrap(autherr.CodeExchangeFailed, "provisioning client record", err)
		}
	}
	return nil
}

// redirectFor computes the explicit destination carried into the handoff.
// An explicit redirect in the state wins; a vote intent continues the
// pending vote; otherwise the bootstrap falls back to role-based routing.
func redirectFor(c state.Context) string {
	if c.Redirect != "" {
		return c.Redirect
	}
	if c.Intent == state.IntentVote {
		return string(routing.VotePath(c.TargetProID, c.VoteToken))
	}
	return ""
}
