package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tmaekawa/votebridge/internal/credbridge"
	"github.com/tmaekawa/votebridge/internal/federation"
	"github.com/tmaekawa/votebridge/internal/idp"
	"github.com/tmaekawa/votebridge/internal/sessionprovider"
	"github.com/tmaekawa/votebridge/internal/state"
	"github.com/tmaekawa/votebridge/internal/storage"
)

type stubProvider struct {
	profile     idp.Profile
	exchangeErr error
}

func (p *stubProvider) AuthURL(stateToken string, kind idp.CallbackKind) string {
	return "https://access.line.example/authorize?state=" + url.QueryEscape(stateToken) + "&redirect=" + url.QueryEscape(kind.Path())
}

func (p *stubProvider) ExchangeCode(_ context.Context, code string, _ idp.CallbackKind) (*oauth2.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &oauth2.Token{AccessToken: "at-" + code}, nil
}

func (p *stubProvider) FetchProfile(_ context.Context, _ *oauth2.Token) (*idp.Profile, error) {
	profile := p.profile
	return &profile, nil
}

func newHandlers(t *testing.T, provider *stubProvider) *AuthHandlers {
	t.Helper()
	store := storage.NewMemoryStore()
	sessions := sessionprovider.NewMemoryProvider("testref", sessionprovider.NewMemoryKV())
	exchanger := federation.NewExchanger(store, provider, credbridge.NewBridge(store, sessions))
	return NewAuthHandlers(provider, exchanger, "https://app.example.com")
}

func TestLoginHandlerBuildsAuthorizeRedirect(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/auth/line/login?intent=vote&pro_id=pro-42&vote_token=vt-1", nil)
	rec := httptest.NewRecorder()
	handlers.LoginHandler(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access.line.example", location.Host)
	assert.Contains(t, location.Query().Get("redirect"), "/auth/line/vote-callback")

	// The state round-trips through the codec with the vote context.
	token, err := state.Decode(location.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, state.IntentVote, token.Context.Intent)
	assert.Equal(t, "pro-42", token.Context.TargetProID)
	assert.Equal(t, "vt-1", token.Context.VoteToken)
}

func TestLoginHandlerValidation(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{})

	tests := []struct {
		name  string
		query string
	}{
		{"missing intent", ""},
		{"unknown intent", "intent=admin"},
		{"vote without pro_id", "intent=vote&vote_token=vt-1"},
		{"vote without token", "intent=vote&pro_id=pro-42"},
		{"vote with invalid pending payload", "intent=vote&pro_id=pro-42&vote_token=vt-1&pending_vote=not-json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/line/login?"+tt.query, nil)
			rec := httptest.NewRecorder()
			handlers.LoginHandler(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCallbackHandlerProviderError(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/auth/line/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	handlers.CallbackHandler(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", location.Path)
	assert.Equal(t, "provider_denied", location.Query().Get("auth_error"))
}

func TestCallbackHandlerBadState(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/auth/line/callback?code=c1&state=garbage", nil)
	rec := httptest.NewRecorder()
	handlers.CallbackHandler(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "expired_state", location.Query().Get("auth_error"))
}

func TestCallbackHandlerHandoffRedirect(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{profile: idp.Profile{ExternalID: "U100", DisplayName: "Taro"}})

	stateToken, err := state.Encode(state.Context{
		Intent:      state.IntentVote,
		TargetProID: "pro-42",
		VoteToken:   "vt-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/line/vote-callback?code=c1&state="+url.QueryEscape(stateToken), nil)
	rec := httptest.NewRecorder()
	handlers.VoteCallbackHandler(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, BootstrapPath, location.Path)

	handoff, err := credbridge.DecodeHandoff(location.Query().Get("payload"))
	require.NoError(t, err)
	assert.Equal(t, "line_u100@line.users.votebridge.invalid", handoff.Email)
	assert.Equal(t, "/vote/pro-42?token=vt-1", handoff.Redirect)
}

func TestCallbackHandlerDuplicateCallback(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{exchangeErr: idp.ErrCodeConsumed})

	stateToken, err := state.Encode(state.Context{Intent: state.IntentClientLogin})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/line/callback?code=c1&state="+url.QueryEscape(stateToken), nil)
	rec := httptest.NewRecorder()
	handlers.CallbackHandler(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/home", location.Path)
	assert.Empty(t, location.Query().Get("auth_error"))
}

func TestLoginHandlerRejectsPost(t *testing.T) {
	handlers := newHandlers(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/auth/line/login?intent=client_login", nil)
	rec := httptest.NewRecorder()
	handlers.LoginHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
