package sessionprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageKeyConvention(t *testing.T) {
	assert.Equal(t, "sp-abcd1234-auth-token", StorageKey("abcd1234"))
	assert.Equal(t, "sp-abcd1234-auth-token-backup", BackupStorageKey("abcd1234"))
}

func TestMemoryProviderSignIn(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider("testref", NewMemoryKV())

	require.NoError(t, provider.SetCredential(ctx, "acct-1", "line_u1@line.users.votebridge.invalid", "secret-cred"))

	t.Run("valid credentials", func(t *testing.T) {
		session, err := provider.SignIn(ctx, "line_u1@line.users.votebridge.invalid", "secret-cred")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", session.User.ID)
		assert.NotEmpty(t, session.AccessToken)
		assert.NotEmpty(t, session.RefreshToken)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := provider.SignIn(ctx, "line_u1@line.users.votebridge.invalid", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := provider.SignIn(ctx, "nobody@example.com", "secret-cred")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("email lookup is case-insensitive", func(t *testing.T) {
		session, err := provider.SignIn(ctx, "LINE_U1@line.users.votebridge.invalid", "secret-cred")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", session.User.ID)
	})
}

func TestMemoryProviderSetCredentialReplaces(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider("testref", NewMemoryKV())

	require.NoError(t, provider.SetCredential(ctx, "acct-1", "user@example.com", "first"))
	require.NoError(t, provider.SetCredential(ctx, "acct-1", "user@example.com", "second"))

	_, err := provider.SignIn(ctx, "user@example.com", "first")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = provider.SignIn(ctx, "user@example.com", "second")
	assert.NoError(t, err)
}

func TestMemoryProviderRemoveCredential(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider("testref", NewMemoryKV())

	require.NoError(t, provider.SetCredential(ctx, "acct-1", "user@example.com", "secret"))
	require.NoError(t, provider.RemoveCredential(ctx, "user@example.com"))
	// Removing again is a no-op.
	require.NoError(t, provider.RemoveCredential(ctx, "user@example.com"))

	_, err := provider.SignIn(ctx, "user@example.com", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMemoryProviderFabricatedTokenClaims(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider("testref", NewMemoryKV())

	require.NoError(t, provider.SetCredential(ctx, "acct-9", "user@example.com", "secret"))
	session, err := provider.SignIn(ctx, "user@example.com", "secret")
	require.NoError(t, err)

	parts := strings.Split(session.AccessToken, ".")
	require.Len(t, parts, 3)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Exp   int64  `json:"exp"`
	}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "acct-9", claims.Sub)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, session.ExpiresAt, claims.Exp)
}

func TestMemoryProviderCurrentSession(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	provider := NewMemoryProvider("testref", kv)

	t.Run("no session", func(t *testing.T) {
		_, err := provider.CurrentSession(ctx)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("from storage slot", func(t *testing.T) {
		stored := &Session{
			AccessToken: "tok",
			User:        User{ID: "acct-2", Email: "user@example.com"},
		}
		data, err := json.Marshal(stored)
		require.NoError(t, err)
		require.NoError(t, kv.Set(StorageKey("testref"), string(data)))

		session, err := provider.CurrentSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, "acct-2", session.User.ID)
	})

	t.Run("in-memory wins after sign-in", func(t *testing.T) {
		require.NoError(t, provider.SetCredential(ctx, "acct-3", "other@example.com", "secret"))
		_, err := provider.SignIn(ctx, "other@example.com", "secret")
		require.NoError(t, err)

		session, err := provider.CurrentSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, "acct-3", session.User.ID)
	})
}

func TestMemoryProviderPersist(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	provider := NewMemoryProvider("testref", kv)

	session := &Session{AccessToken: "tok", User: User{ID: "acct-1"}}
	require.NoError(t, provider.Persist(ctx, session))

	raw, ok := kv.Get(StorageKey("testref"))
	require.True(t, ok)
	var stored Session
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "acct-1", stored.User.ID)

	provider.PersistErr = errors.New("storage denied")
	assert.Error(t, provider.Persist(ctx, session))
}

func TestMemoryProviderEvents(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider("testref", NewMemoryKV())

	require.NoError(t, provider.SetCredential(ctx, "acct-1", "user@example.com", "secret"))
	_, err := provider.SignIn(ctx, "user@example.com", "secret")
	require.NoError(t, err)

	select {
	case session := <-provider.Events():
		assert.Equal(t, "acct-1", session.User.ID)
	default:
		t.Fatal("expected a session event after sign-in")
	}
}

func TestHTTPClientSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("success emits and caches session", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/auth/v1/token", r.URL.Path)
			assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
			assert.Equal(t, "anon-key", r.Header.Get("apikey"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user@example.com", body["email"])

			json.NewEncoder(w).Encode(Session{
				AccessToken: "tok",
				TokenType:   "bearer",
				User:        User{ID: "acct-1", Email: "user@example.com"},
			})
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
		session, err := client.SignIn(ctx, "user@example.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", session.User.ID)

		cached, err := client.CurrentSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.AccessToken, cached.AccessToken)

		select {
		case got := <-client.Events():
			assert.Equal(t, "acct-1", got.User.ID)
		default:
			t.Fatal("expected a session event after sign-in")
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
		_, err := client.SignIn(ctx, "user@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
		_, err := client.SignIn(ctx, "user@example.com", "secret")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestHTTPClientSetCredential(t *testing.T) {
	ctx := context.Background()

	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/auth/v1/admin/credentials", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
	require.NoError(t, client.SetCredential(ctx, "acct-1", "user@example.com", "secret"))
	assert.Equal(t, "acct-1", gotBody["id"])
	assert.Equal(t, "user@example.com", gotBody["email"])
	assert.Equal(t, "secret", gotBody["password"])
}

func TestHTTPClientRemoveCredential(t *testing.T) {
	ctx := context.Background()

	t.Run("tolerates missing credential", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
		assert.NoError(t, client.RemoveCredential(ctx, "user@example.com"))
	})

	t.Run("surfaces server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "testref", "anon-key", "service-key", NewMemoryKV())
		assert.Error(t, client.RemoveCredential(ctx, "user@example.com"))
	})
}

func TestHTTPClientPersistAndFallback(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	client := NewHTTPClient("http://provider.invalid", "testref", "anon-key", "service-key", kv)

	session := &Session{AccessToken: "tok", User: User{ID: "acct-1"}}
	require.NoError(t, client.Persist(ctx, session))

	// A fresh client with no in-memory session reads the storage slot.
	fresh := NewHTTPClient("http://provider.invalid", "testref", "anon-key", "service-key", kv)
	got, err := fresh.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.User.ID)
}
