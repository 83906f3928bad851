package idp

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// CallbackKind selects which of the two fixed callback paths an
// authorization round-trip uses. The vote flow returns to its own path so
// the callback handler can keep vote continuation separate from ordinary
// logins.
type CallbackKind string

const (
	CallbackStandard CallbackKind = "standard"
	CallbackVote     CallbackKind = "vote"
)

// Path returns the registered redirect path for the callback kind.
func (k CallbackKind) Path() string {
	if k == CallbackVote {
		return "/auth/line/vote-callback"
	}
	return "/auth/line/callback"
}

// ErrCodeConsumed is returned when the token endpoint rejects an
// authorization code that was already exchanged. Browsers deliver the
// same callback twice often enough that callers treat this as likely
// success of a concurrent first attempt, not as a failure.
var ErrCodeConsumed = errors.New("authorization code already consumed")

// Profile is the normalized federated identity fetched after a code
// exchange. Email is empty when the provider has no email claim for the
// user.
type Profile struct {
	ExternalID  string
	DisplayName string
	AvatarURL   string
	Email       string
}

// Provider abstracts the federation provider's OAuth surface.
type Provider interface {
	// AuthURL builds the authorization redirect for the given state and
	// callback kind.
	AuthURL(state string, kind CallbackKind) string

	// ExchangeCode exchanges an authorization code for tokens. The
	// redirect URI sent must match the one used in AuthURL, so the same
	// callback kind is required. Returns ErrCodeConsumed when the code
	// was already used.
	ExchangeCode(ctx context.Context, code string, kind CallbackKind) (*oauth2.Token, error)

	// FetchProfile fetches the federated profile for an exchanged token.
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}
