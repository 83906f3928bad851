// Package state encodes the context of an outbound federation request
// into the opaque value carried through the provider's `state` query
// parameter and back on callback.
//
// Tokens are self-contained: nothing is stored server-side, so a captured
// authorization-redirect URL can be replayed until the token expires.
// That window is bounded by TTL and accepted; single-use nonce tracking
// would require shared state the flow otherwise does not need.
package state

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/tmaekawa/votebridge/internal/crypto"
)

// TTL is the maximum age of a state token at verification time.
const TTL = 10 * time.Minute

// ErrMalformed is returned when a state token cannot be decoded.
// Callers must treat any decode failure identically to a missing token.
var ErrMalformed = errors.New("malformed state token")

// Intent describes the purpose of an outbound federation request.
type Intent string

const (
	// IntentVote is a vote-cast login: the visitor authenticates in order
	// to cast a pending vote for a professional.
	IntentVote Intent = "vote"
	// IntentProRegister is a professional signing up.
	IntentProRegister Intent = "pro_register"
	// IntentProLogin is a professional logging back in.
	IntentProLogin Intent = "pro_login"
	// IntentClientLogin is a client logging in.
	IntentClientLogin Intent = "client_login"
)

// Context is the immutable purpose of one authorization round-trip.
type Context struct {
	Intent Intent `json:"intent"`

	// Vote intent only.
	TargetProID string          `json:"target_pro_id,omitempty"`
	VoteToken   string          `json:"vote_token,omitempty"`
	PendingVote json.RawMessage `json:"pending_vote,omitempty"`

	// Optional explicit post-auth destination. Takes precedence over
	// role-based routing when set.
	Redirect string `json:"redirect,omitempty"`
}

// Token is a decoded state value.
type Token struct {
	Context  Context
	Nonce    string
	IssuedAt int64 // unix milliseconds
}

// wireToken is the serialized shape: the context fields flattened next to
// the nonce and issue timestamp.
type wireToken struct {
	Context
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// Encode serializes a context with a fresh nonce and the current time into
// a URL-safe, padding-free token that survives an OAuth redirect query
// parameter unescaped.
func Encode(ctx Context) (string, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(wireToken{
		Context: ctx,
		Nonce:   nonce,
		TS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decode parses a token produced by Encode. Expiry is not checked here;
// callers evaluate Token.Expired once per callback.
func Decode(s string) (Token, error) {
	if s == "" {
		return Token{}, ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, ErrMalformed
	}

	var wire wireToken
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Token{}, ErrMalformed
	}

	return Token{
		Context:  wire.Context,
		Nonce:    wire.Nonce,
		IssuedAt: wire.TS,
	}, nil
}

// Expired reports whether the token is older than TTL at the given time.
func (t Token) Expired(now time.Time) bool {
	return now.UnixMilli()-t.IssuedAt > TTL.Milliseconds()
}
