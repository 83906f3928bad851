package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/tmaekawa/votebridge/internal/autherr"
	"github.com/tmaekawa/votebridge/internal/federation"
	"github.com/tmaekawa/votebridge/internal/idp"
	jsonwriter "github.com/tmaekawa/votebridge/internal/json"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/routing"
	"github.com/tmaekawa/votebridge/internal/state"
	"github.com/tmaekawa/votebridge/internal/urlutil"
)

// BootstrapPath is the client page that consumes the handoff payload.
const BootstrapPath = "/auth/bootstrap"

var (
	errUnknownIntent      = errors.New("unknown or missing intent")
	errInvalidVoteRequest = errors.New("vote login requires pro_id and vote_token")
)

// AuthHandlers provides the federation HTTP handlers with dependency injection
type AuthHandlers struct {
	provider   idp.Provider
	exchanger  *federation.Exchanger
	appBaseURL string
}

// NewAuthHandlers creates new auth handlers. appBaseURL is the client
// application's base URL; the login page, the bootstrap page, and every
// destination path are resolved against it.
func NewAuthHandlers(provider idp.Provider, exchanger *federation.Exchanger, appBaseURL string) *AuthHandlers {
	return &AuthHandlers{
		provider:   provider,
		exchanger:  exchanger,
		appBaseURL: appBaseURL,
	}
}

func (h *AuthHandlers) loginURL() string {
	return urlutil.MustJoinPath(h.appBaseURL, string(routing.DestLogin))
}

// LoginHandler builds the authorization redirect to the federation
// provider. The request's intent and vote parameters are sealed into the
// state token so the callback can recover them.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	q := r.URL.Query()
	authCtx, err := contextFromQuery(q)
	if err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	stateToken, err := state.Encode(authCtx)
	if err != nil {
		log.LogErrorWithFields("server", "Failed to encode state", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "failed to start login")
		return
	}

	kind := idp.CallbackStandard
	if authCtx.Intent == state.IntentVote {
		kind = idp.CallbackVote
	}

	http.Redirect(w, r, h.provider.AuthURL(stateToken, kind), http.StatusFound)
}

// CallbackHandler handles the standard federation callback.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, idp.CallbackStandard)
}

// VoteCallbackHandler handles the vote-flow federation callback.
func (h *AuthHandlers) VoteCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, idp.CallbackVote)
}

func (h *AuthHandlers) handleCallback(w http.ResponseWriter, r *http.Request, kind idp.CallbackKind) {
	q := r.URL.Query()

	// The provider reported an error (user canceled, consent denied).
	// No exchange is attempted.
	if providerErr := q.Get("error"); providerErr != "" {
		log.LogInfoWithFields("server", "Provider returned error on callback", map[string]any{
			"error": providerErr,
		})
		autherr.RedirectWithCode(w, r, h.loginURL(), autherr.CodeProviderDenied)
		return
	}

	outcome, err := h.exchanger.Exchange(r.Context(), kind, q.Get("code"), q.Get("state"))
	if err != nil {
		log.LogWarnWithFields("server", "Federation exchange failed", map[string]any{
			"code":  string(autherr.CodeOf(err)),
			"error": err.Error(),
		})
		autherr.RedirectWithCode(w, r, h.loginURL(), autherr.CodeOf(err))
		return
	}

	if outcome.LikelySignedIn {
		http.Redirect(w, r, urlutil.MustJoinPath(h.appBaseURL, string(routing.DestClient)), http.StatusFound)
		return
	}

	payload, err := outcome.Handoff.Encode()
	if err != nil {
		autherr.RedirectWithCode(w, r, h.loginURL(), autherr.CodeCredentialFailed)
		return
	}

	target := urlutil.MustJoinPath(h.appBaseURL, BootstrapPath) + "?payload=" + url.QueryEscape(payload)
	http.Redirect(w, r, target, http.StatusFound)
}

// contextFromQuery validates and builds the auth request context.
func contextFromQuery(q url.Values) (state.Context, error) {
	intent := state.Intent(q.Get("intent"))
	switch intent {
	case state.IntentVote:
		if q.Get("pro_id") == "" || q.Get("vote_token") == "" {
			return state.Context{}, errInvalidVoteRequest
		}
	case state.IntentProRegister, state.IntentProLogin, state.IntentClientLogin:
	default:
		return state.Context{}, errUnknownIntent
	}

	authCtx := state.Context{
		Intent:      intent,
		TargetProID: q.Get("pro_id"),
		VoteToken:   q.Get("vote_token"),
		Redirect:    q.Get("redirect"),
	}
	if pending := q.Get("pending_vote"); pending != "" {
		if !json.Valid([]byte(pending)) {
			return state.Context{}, errInvalidVoteRequest
		}
		authCtx.PendingVote = json.RawMessage(pending)
	}
	return authCtx, nil
}
