// Package bootstrap drives the client-side session bootstrap: consume an
// optional handoff payload, wait for the session provider to confirm a
// session, persist it into the provider's storage slot, verify the
// write, and route to a destination.
//
// Two independent signals can announce the session: the provider's
// auth-state stream and a delayed explicit session query. Whichever
// fires first wins; the loser and the absolute timeout become no-ops
// through a single-assignment guard.
package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tmaekawa/votebridge/internal/autherr"
	"github.com/tmaekawa/votebridge/internal/credbridge"
	"github.com/tmaekawa/votebridge/internal/log"
	"github.com/tmaekawa/votebridge/internal/routing"
	"github.com/tmaekawa/votebridge/internal/sessionprovider"
)

type State string

const (
	StateIdle            State = "idle"
	StateAwaitingSession State = "awaiting_session"
	StatePersisting      State = "persisting"
	StateVerifying       State = "verifying"
	StateRouted          State = "routed"
	StateTimedOut        State = "timed_out"
)

// Config tunes the machine's timers. Zero values fall back to defaults.
type Config struct {
	// Ref scopes the provider storage key convention.
	Ref string

	// SessionTimeout is the absolute wall-clock budget for acquiring a
	// session, started at entry.
	SessionTimeout time.Duration

	// PollDelay is how long to wait before issuing the explicit session
	// query that backs up the event stream.
	PollDelay time.Duration

	// VerifyAttempts and VerifyInterval bound the read-after-write
	// verification poll.
	VerifyAttempts int
	VerifyInterval time.Duration
}

const (
	defaultSessionTimeout = 15 * time.Second
	defaultPollDelay      = 500 * time.Millisecond
	defaultVerifyAttempts = 10
	defaultVerifyInterval = 200 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.PollDelay <= 0 {
		c.PollDelay = defaultPollDelay
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = defaultVerifyAttempts
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = defaultVerifyInterval
	}
	return c
}

// Result is the terminal outcome of one bootstrap run.
type Result struct {
	Destination routing.Destination
	Err         error
}

// Machine is a single-use bootstrap state machine. Construct one per
// page entry; Run may be called once.
type Machine struct {
	client   sessionprovider.Client
	storage  sessionprovider.KVStore
	resolver *routing.Resolver
	cfg      Config

	// claimed is the single-assignment guard: exactly one of the event
	// signal, the poll signal, and the timeout transitions the machine
	// out of AwaitingSession.
	claimed atomic.Bool

	state  atomic.Value // State
	result chan Result
}

func NewMachine(client sessionprovider.Client, storage sessionprovider.KVStore, resolver *routing.Resolver, cfg Config) *Machine {
	m := &Machine{
		client:   client,
		storage:  storage,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		result:   make(chan Result, 1),
	}
	m.state.Store(StateIdle)
	return m
}

// CurrentState reports the machine's state for logging and tests.
func (m *Machine) CurrentState() State {
	return m.state.Load().(State)
}

func (m *Machine) setState(s State) {
	m.state.Store(s)
	log.LogDebugWithFields("bootstrap", "State transition", map[string]any{
		"state": string(s),
	})
}

// Run executes the bootstrap to its terminal state. handoff is nil on
// the provider-native flow where the provider itself emits the session
// event.
func (m *Machine) Run(ctx context.Context, handoff *credbridge.Handoff) Result {
	m.setState(StateAwaitingSession)

	var redirect string
	if handoff != nil {
		redirect = handoff.Redirect
		// Sign in with the bridging credential. A failure is not
		// terminal here: the provider may still emit a session through
		// its own flow, and the absolute timeout bounds the wait.
		go func() {
			if _, err := m.client.SignIn(ctx, handoff.Email, handoff.Password); err != nil {
				log.LogWarnWithFields("bootstrap", "Handoff sign-in failed", map[string]any{
					"error": err.Error(),
				})
			}
		}()
	}

	timeout := time.NewTimer(m.cfg.SessionTimeout)
	defer timeout.Stop()
	poll := time.NewTimer(m.cfg.PollDelay)
	defer poll.Stop()

	polled := make(chan *sessionprovider.Session, 1)

	for {
		select {
		case session := <-m.client.Events():
			m.OnSession(ctx, session, redirect)
		case <-poll.C:
			go func() {
				session, err := m.client.CurrentSession(ctx)
				if err != nil {
					if !errors.Is(err, sessionprovider.ErrNoSession) {
						log.LogDebugWithFields("bootstrap", "Session poll failed", map[string]any{
							"error": err.Error(),
						})
					}
					return
				}
				polled <- session
			}()
		case session := <-polled:
			m.OnSession(ctx, session, redirect)
		case <-timeout.C:
			m.OnTimeout()
		case <-ctx.Done():
			m.OnTimeout()
		case result := <-m.result:
			return result
		}
	}
}

// OnSession handles a session-available signal. Late arrivals after the
// machine has been claimed are no-ops.
func (m *Machine) OnSession(ctx context.Context, session *sessionprovider.Session, redirect string) {
	if session == nil || !m.claimed.CompareAndSwap(false, true) {
		return
	}

	m.persist(ctx, session)
	m.verify(session)

	destination := m.route(ctx, session, redirect)
	m.setState(StateRouted)
	m.result <- Result{Destination: destination}
}

// OnTimeout handles the absolute timeout. A no-op if a session signal
// already claimed the machine.
func (m *Machine) OnTimeout() {
	if !m.claimed.CompareAndSwap(false, true) {
		return
	}
	m.setState(StateTimedOut)
	m.result <- Result{
		Destination: routing.DestLogin,
		Err:         autherr.New(autherr.CodeSessionTimeout, "no session before timeout"),
	}
}

// persist writes the session where the provider library reads it on the
// next page load. The library call is the primary path; on failure, a
// manual write of the conventional storage key is reconstructed from the
// token claims. The backup key is written in both cases so downstream
// readers survive the library independently discarding the primary key.
func (m *Machine) persist(ctx context.Context, session *sessionprovider.Session) {
	m.setState(StatePersisting)

	stored := session
	if err := m.client.Persist(ctx, session); err != nil {
		log.LogWarnWithFields("bootstrap", "Library persist failed, writing storage key directly", map[string]any{
			"error": err.Error(),
		})
		stored = reconstructSession(session)
		if data, err := json.Marshal(stored); err == nil {
			if err := m.storage.Set(sessionprovider.StorageKey(m.cfg.Ref), string(data)); err != nil {
				log.LogErrorWithFields("bootstrap", "Manual session write failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}

	if data, err := json.Marshal(stored); err == nil {
		if err := m.storage.Set(sessionprovider.BackupStorageKey(m.cfg.Ref), string(data)); err != nil {
			log.LogWarnWithFields("bootstrap", "Backup session write failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// verify polls the storage slot until the written value carries the
// access token. Some browsers deny reads right after a write, so
// exhausting the budget is logged and routing proceeds.
func (m *Machine) verify(session *sessionprovider.Session) {
	m.setState(StateVerifying)

	for attempt := 0; attempt < m.cfg.VerifyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.cfg.VerifyInterval)
		}
		raw, ok := m.storage.Get(sessionprovider.StorageKey(m.cfg.Ref))
		if !ok {
			continue
		}
		var stored sessionprovider.Session
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			continue
		}
		if stored.AccessToken != "" {
			return
		}
	}

	log.LogWarnWithFields("bootstrap", "PersistenceUnverified", map[string]any{
		"accountID": session.User.ID,
		"attempts":  m.cfg.VerifyAttempts,
	})
}

// route computes the destination: an explicit redirect wins over
// role-based resolution; resolver errors degrade to onboarding rather
// than failing a user who already holds a session.
func (m *Machine) route(ctx context.Context, session *sessionprovider.Session, redirect string) routing.Destination {
	if redirect != "" {
		return routing.Destination(redirect)
	}

	decision, err := m.resolver.Resolve(ctx, session.User.ID)
	if err != nil {
		log.LogErrorWithFields("bootstrap", "Role resolution failed", map[string]any{
			"accountID": session.User.ID,
			"error":     err.Error(),
		})
		return routing.DestOnboarding
	}
	return decision.Destination
}

// reconstructSession rebuilds the stored session shape from the access
// token's claims, for the manual write path where the library-provided
// session object may be partial.
func reconstructSession(session *sessionprovider.Session) *sessionprovider.Session {
	claims, err := parseClaims(session.AccessToken)
	if err != nil {
		return session
	}

	rebuilt := *session
	if rebuilt.User.ID == "" {
		rebuilt.User.ID = claims.Sub
	}
	if rebuilt.User.Email == "" {
		rebuilt.User.Email = claims.Email
	}
	if rebuilt.ExpiresAt == 0 {
		rebuilt.ExpiresAt = claims.Exp
	}
	if rebuilt.TokenType == "" {
		rebuilt.TokenType = "bearer"
	}
	return &rebuilt
}

type tokenClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Exp   int64  `json:"exp"`
}

// parseClaims decodes the JWT payload without verifying the signature.
// The token came from the provider over the sign-in response; only its
// claims are needed to name the storage value.
func parseClaims(accessToken string) (tokenClaims, error) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return tokenClaims{}, errors.New("not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, err
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}, err
	}
	return claims, nil
}
