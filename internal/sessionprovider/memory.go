package sessionprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tmaekawa/votebridge/internal/crypto"
	"github.com/tmaekawa/votebridge/internal/emailutil"
)

type memoryCredential struct {
	accountID string
	hash      []byte
}

// MemoryProvider is an in-memory provider for development and tests. It
// stores bcrypt-hashed credentials and fabricates unsigned session
// tokens, so it behaves like the real provider at the interface boundary
// without any network.
type MemoryProvider struct {
	ref     string
	storage KVStore

	mu          sync.Mutex
	credentials map[string]memoryCredential // normalized email -> credential
	current     *Session
	events      chan *Session

	// PersistErr, when set, makes Persist fail. Tests use it to drive
	// the manual persistence fallback.
	PersistErr error
}

var _ Client = (*MemoryProvider)(nil)
var _ CredentialAdmin = (*MemoryProvider)(nil)

// NewMemoryProvider creates an in-memory provider using ref for the
// storage key convention.
func NewMemoryProvider(ref string, storage KVStore) *MemoryProvider {
	return &MemoryProvider{
		ref:         ref,
		storage:     storage,
		credentials: make(map[string]memoryCredential),
		events:      make(chan *Session, 4),
	}
}

func (m *MemoryProvider) SignIn(_ context.Context, email, password string) (*Session, error) {
	m.mu.Lock()
	cred, ok := m.credentials[emailutil.Normalize(email)]
	m.mu.Unlock()

	if !ok || !crypto.VerifyCredential(cred.hash, password) {
		return nil, ErrInvalidCredentials
	}

	refresh, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(time.Hour).Unix()
	session := &Session{
		AccessToken:  fabricateToken(cred.accountID, email, expiresAt),
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		User:         User{ID: cred.accountID, Email: email},
	}

	m.mu.Lock()
	m.current = session
	m.mu.Unlock()
	m.Emit(session)

	return session, nil
}

func (m *MemoryProvider) CurrentSession(_ context.Context) (*Session, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current != nil {
		return current, nil
	}

	raw, ok := m.storage.Get(StorageKey(m.ref))
	if !ok {
		return nil, ErrNoSession
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, ErrNoSession
	}
	return &session, nil
}

func (m *MemoryProvider) Events() <-chan *Session {
	return m.events
}

func (m *MemoryProvider) Persist(_ context.Context, s *Session) error {
	if m.PersistErr != nil {
		return m.PersistErr
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.storage.Set(StorageKey(m.ref), string(data))
}

// Emit pushes a session onto the event stream, dropping when nobody is
// listening. Exported so tests can stage provider-initiated events.
func (m *MemoryProvider) Emit(s *Session) {
	select {
	case m.events <- s:
	default:
	}
}

func (m *MemoryProvider) SetCredential(_ context.Context, accountID, email, password string) error {
	hash, err := crypto.HashCredential(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.credentials[emailutil.Normalize(email)] = memoryCredential{accountID: accountID, hash: hash}
	m.mu.Unlock()
	return nil
}

func (m *MemoryProvider) RemoveCredential(_ context.Context, email string) error {
	m.mu.Lock()
	delete(m.credentials, emailutil.Normalize(email))
	m.mu.Unlock()
	return nil
}

// fabricateToken builds an unsigned JWT-shaped token carrying the claims
// the manual persistence fallback reads.
func fabricateToken(accountID, email string, expiresAt int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]any{
		"sub":   accountID,
		"email": email,
		"exp":   expiresAt,
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return fmt.Sprintf("%s.%s.", header, payload)
}

// MemoryKV is an in-memory KVStore.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string

	// SetErr, when set, makes Set fail. Tests use it to simulate denied
	// client storage writes.
	SetErr error
}

var _ KVStore = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string]string)}
}

func (kv *MemoryKV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.m[key]
	return v, ok
}

func (kv *MemoryKV) Set(key, value string) error {
	if kv.SetErr != nil {
		return kv.SetErr
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.m[key] = value
	return nil
}

func (kv *MemoryKV) Remove(key string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
}
