package sessionprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tmaekawa/votebridge/internal/ioutil"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/urlutil"
)

// requestTimeout bounds every provider call so a hung provider cannot
// stall a callback or the bootstrap poll.
const requestTimeout = 5 * time.Second

// HTTPClient talks to the provider's REST API. It keeps the session
// obtained by SignIn in memory, mirroring how the provider's own client
// library resolves CurrentSession locally instead of issuing a network
// round-trip.
type HTTPClient struct {
	baseURL    string
	anonKey    string
	serviceKey string
	ref        string
	httpClient *http.Client
	storage    KVStore

	mu      sync.Mutex
	current *Session
	events  chan *Session
}

var _ Client = (*HTTPClient)(nil)
var _ CredentialAdmin = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client. ref is the deployment ref used
// in the storage key convention; storage is the durable client storage the
// provider library persists sessions into.
func NewHTTPClient(baseURL, ref, anonKey, serviceKey string, storage KVStore) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		anonKey:    anonKey,
		serviceKey: serviceKey,
		ref:        ref,
		httpClient: &http.Client{Timeout: requestTimeout},
		storage:    storage,
		events:     make(chan *Session, 4),
	}
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	endpoint := urlutil.MustJoinPath(c.baseURL, "/auth/v1/token") + "?grant_type=password"

	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing in: status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	c.mu.Lock()
	c.current = &session
	c.mu.Unlock()
	c.emit(&session)

	return &session, nil
}

func (c *HTTPClient) CurrentSession(_ context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current != nil {
		return current, nil
	}

	// Fall back to the storage slot the library persists into.
	raw, ok := c.storage.Get(StorageKey(c.ref))
	if !ok {
		return nil, ErrNoSession
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, ErrNoSession
	}
	return &session, nil
}

func (c *HTTPClient) Events() <-chan *Session {
	return c.events
}

func (c *HTTPClient) Persist(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.storage.Set(StorageKey(c.ref), string(data))
}

// emit delivers a session event without blocking the caller. A full
// channel means the sole subscriber is gone or slow; dropping is safe
// because it can always fall back to the session query.
func (c *HTTPClient) emit(s *Session) {
	select {
	case c.events <- s:
	default:
		log.LogWarnWithFields("sessionprovider", "Dropped session event", map[string]any{
			"accountID": s.User.ID,
		})
	}
}

func (c *HTTPClient) SetCredential(ctx context.Context, accountID, email, password string) error {
	endpoint := urlutil.MustJoinPath(c.baseURL, "/auth/v1/admin/credentials")

	body, err := json.Marshal(map[string]string{
		"id":       accountID,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("setting credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("setting credential: status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}
	return nil
}

func (c *HTTPClient) RemoveCredential(ctx context.Context, email string) error {
	endpoint := urlutil.MustJoinPath(c.baseURL, "/auth/v1/admin/credentials", email)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("removing credential: status %d", resp.StatusCode)
	}
	return nil
}
