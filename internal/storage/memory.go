package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/tmaekawa/votebridge/internal/emailutil"
)

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-memory Store used in development mode and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]Account // by id
	accountEmails map[string]string  // normalized email -> id
	mappings      map[string]Mapping // by external id
	professionals map[string]Professional
	clients       map[string]Client
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]Account),
		accountEmails: make(map[string]string),
		mappings:      make(map[string]Mapping),
		professionals: make(map[string]Professional),
		clients:       make(map[string]Client),
	}
}

func newAccountID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *MemoryStore) CreateAccount(_ context.Context, email string) (Account, error) {
	key := emailutil.Normalize(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountEmails[key]; exists {
		return Account{}, ErrAlreadyExists
	}

	account := Account{
		ID:        newAccountID(),
		Email:     key,
		CreatedAt: time.Now(),
	}
	s.accounts[account.ID] = account
	s.accountEmails[key] = account.ID
	return account, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) GetAccountByEmail(_ context.Context, email string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountEmails[emailutil.Normalize(email)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil // delete is idempotent
	}
	delete(s.accounts, id)
	delete(s.accountEmails, account.Email)
	return nil
}

func (s *MemoryStore) LookupMapping(_ context.Context, externalID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[externalID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) UpsertMapping(_ context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.UpdatedAt = time.Now()
	s.mappings[m.ExternalID] = m
	return nil
}

func (s *MemoryStore) DeleteMapping(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mappings, externalID)
	return nil
}

func (s *MemoryStore) GetProfessional(_ context.Context, accountID string) (Professional, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.professionals[accountID]
	if !ok {
		return Professional{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpsertProfessional(_ context.Context, p Professional) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.professionals[p.AccountID]; ok {
		// Keep the original creation time; upsert refreshes the rest.
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.professionals[p.AccountID] = p
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, accountID string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[accountID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpsertClient(_ context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clients[c.AccountID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.clients[c.AccountID] = c
	return nil
}
