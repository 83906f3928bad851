// Package sessionprovider is the boundary to the primary auth/session
// provider. The bridge server uses the admin surface to manage bridging
// credentials; the client shell uses the session surface to sign in and
// observe session state.
package sessionprovider

import (
	"context"
	"errors"
)

// ErrNoSession is returned by CurrentSession when no session exists
var ErrNoSession = errors.New("no current session")

// ErrInvalidCredentials is returned when a sign-in is rejected
var ErrInvalidCredentials = errors.New("invalid credentials")

// User identifies the provider-side account inside a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the provider's session object. AccessToken is a JWT; the
// manual persistence fallback reconstructs the stored value from its
// claims when the provider library cannot write storage itself.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	User         User   `json:"user"`
}

// Client is the session-facing surface consumed by the browser-side
// bootstrap.
type Client interface {
	// SignIn exchanges an email and bridging credential for a session.
	SignIn(ctx context.Context, email, password string) (*Session, error)

	// CurrentSession is the point-in-time session query. Returns
	// ErrNoSession when the provider knows of none.
	CurrentSession(ctx context.Context) (*Session, error)

	// Events is the provider's auth-state stream; a session is emitted
	// whenever the provider discovers one.
	Events() <-chan *Session

	// Persist writes the session into the provider library's own durable
	// storage slot. Callers fall back to a manual write when it fails.
	Persist(ctx context.Context, s *Session) error
}

// CredentialAdmin is the admin surface used server-side by the
// credential bridge. The provider holds exactly one password per email;
// SetCredential replaces any previous value. accountID becomes the user
// id embedded in sessions, keeping provider sessions and the local
// account store on one id space.
type CredentialAdmin interface {
	SetCredential(ctx context.Context, accountID, email, password string) error
	RemoveCredential(ctx context.Context, email string) error
}

// KVStore is the durable, domain-scoped client storage the provider
// library reads on subsequent page loads. Reads may be denied right
// after a write on some browsers, so Get is best-effort.
type KVStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
}

// StorageKey is the provider library's storage naming convention for a
// deployment ref. The manual persistence fallback depends on it and must
// be revisited if the provider changes the convention.
func StorageKey(ref string) string {
	return "sp-" + ref + "-auth-token"
}

// BackupStorageKey is our secondary, independently-keyed copy of the
// session. Downstream readers consult it when the provider library has
// discarded the primary key.
func BackupStorageKey(ref string) string {
	return StorageKey(ref) + "-backup"
}
