// Package engine implements the delegated-session authentication state
// machine.
//
// The engine owns the lifecycle state, sequences the session key provider,
// remote authority client, external authenticator, delegation codec, and
// persistence adapter, and enforces single-flight login. One login attempt
// runs on the calling goroutine with cooperative suspension at each network
// round trip and at the authenticator hand-off; the in-flight guard is
// checked and set synchronously under the state lock before the first
// suspension point, so concurrent callers cannot slip past it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/passkey-delegate/internal/authenticator"
	"github.com/al-bashkir/passkey-delegate/internal/authority"
	"github.com/al-bashkir/passkey-delegate/internal/delegation"
	"github.com/al-bashkir/passkey-delegate/internal/sessionkey"
	"github.com/al-bashkir/passkey-delegate/internal/store"
)

// ErrConcurrentLogin is returned when a login is requested while another
// attempt of the same kind is still in flight. The in-flight attempt is
// unaffected.
var ErrConcurrentLogin = errors.New("login already in progress")

// SessionStore is the persistence adapter consumed by the engine.
type SessionStore interface {
	Save(identifier string, kp *sessionkey.KeyPair, chain *delegation.Chain) error
	Load() (string, *sessionkey.KeyPair, *delegation.Chain, error)
	Clear() error
}

// AuthorityClient is the remote authority boundary consumed by the engine.
type AuthorityClient interface {
	PrepareChallenge(ctx context.Context, identifier string) (*authority.Challenge, error)
	SubmitAssertion(ctx context.Context, req authority.SubmitRequest) (*authority.BindingDetails, error)
	FetchDelegation(ctx context.Context, identifier string, sessionPublicKey []byte, expiration int64) (*delegation.SignedDelegation, error)
	WithIdentity(id *delegation.Identity) *authority.Client
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Identifier string
	Identity   *delegation.Identity
}

// Engine is the authentication state machine.
type Engine struct {
	mu    sync.Mutex
	state State

	// externalInFlight is the separate single-flight slot for
	// LoginWithSessionKey, so it does not collide with Login's guard.
	externalInFlight bool

	store  SessionStore
	client AuthorityClient
	authn  authenticator.Authenticator

	// authed is the request-capable channel bound to the current identity.
	// Reconstructed on restore and replaced on every successful login.
	authed *authority.Client

	// generate mints a session keypair per attempt; injectable for tests.
	generate func() (*sessionkey.KeyPair, error)

	initDone chan struct{}
}

// New creates the engine and runs initialization: the unauthenticated
// channel is taken as constructed (its construction cannot fail; an
// unconfigured one is a disabled channel), and the storage restore runs on
// its own goroutine. The two touch disjoint state fields, so they may race
// freely. WaitInit blocks until the restore has finished.
func New(s SessionStore, client AuthorityClient, authn authenticator.Authenticator) *Engine {
	e := &Engine{
		state:    initialState(),
		store:    s,
		client:   client,
		authn:    authn,
		generate: sessionkey.Generate,
		initDone: make(chan struct{}),
	}

	go e.restore()

	return e
}

// restore attempts to load a persisted session. Absent or corrupt records
// are recovered locally: the engine proceeds unauthenticated and the root
// cause is only logged, never surfaced as a user-facing error.
func (e *Engine) restore() {
	defer close(e.initDone)

	identifier, kp, chain, err := e.store.Load()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoStoredSession):
			slog.Debug("no stored session, starting unauthenticated")
		case errors.Is(err, store.ErrCorruptStoredSession):
			slog.Warn("stored session is corrupt, starting unauthenticated", "error", err)
		default:
			slog.Warn("failed to load stored session, starting unauthenticated", "error", err)
		}

		e.apply(func(s *State) {
			s.Initializing = false
		})
		return
	}

	identity := delegation.NewIdentity(kp, chain)

	e.mu.Lock()
	e.state.Initializing = false
	e.state.Identifier = identifier
	e.state.Identity = identity
	e.state.Chain = chain
	e.authed = e.client.WithIdentity(identity)
	e.mu.Unlock()

	slog.Info("session restored",
		"identifier", identifier,
		"session_key", kp.PublicText(),
		"expires", chain.Expiration().Format(time.RFC3339),
	)
}

// WaitInit blocks until the startup restore has finished or ctx is done.
func (e *Engine) WaitInit(ctx context.Context) error {
	select {
	case <-e.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a read-only copy of the engine state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AuthenticatedClient returns the request-capable channel bound to the
// current identity, or nil when unauthenticated.
func (e *Engine) AuthenticatedClient() *authority.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authed
}

// apply is the single state-transition function. It runs the mutation under
// the lock, so fields not touched by fn are retained and snapshots never
// observe a partially-applied update.
func (e *Engine) apply(fn func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Login runs the full delegated-session login sequence: prepare a challenge,
// hand it to the external authenticator, submit the signed assertion with a
// freshly minted session key, fetch the delegation, compose and persist the
// identity.
//
// An empty identifier selects discoverable mode; the authority resolves the
// identifier from the authenticator's response, and the returned identifier
// is authoritative either way.
//
// Every failure is surfaced twice and consistently: the call returns the
// error, and the state snapshot shows status error with LastError populated.
// After any failure the engine is retryable.
func (e *Engine) Login(ctx context.Context, identifier string) (*LoginResult, error) {
	// Guard and first transition happen synchronously, before any
	// suspension point.
	e.mu.Lock()
	if e.state.PrepareStatus == StatusPreparing || e.state.LoginStatus == StatusLoggingIn {
		e.mu.Unlock()
		return nil, ErrConcurrentLogin
	}
	e.state.PrepareStatus = StatusPreparing
	e.state.LoginStatus = StatusIdle
	e.state.LastError = nil
	e.mu.Unlock()

	attemptID := uuid.NewString()
	slog.Info("login attempt started",
		"attempt_id", attemptID,
		"discoverable", identifier == "",
	)

	challenge, err := e.client.PrepareChallenge(ctx, identifier)
	if err != nil {
		return nil, e.failPrepare(attemptID, fmt.Errorf("failed to prepare challenge: %w", err))
	}

	e.apply(func(s *State) {
		s.PrepareStatus = StatusSuccess
		s.LoginStatus = StatusLoggingIn
	})

	assertion, err := e.authn.Assert(ctx, challenge.Payload)
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("authenticator ceremony failed: %w", err))
	}

	// Fresh keypair per attempt; never reused, never shared.
	kp, err := e.generate()
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to mint session key: %w", err))
	}

	details, err := e.client.SubmitAssertion(ctx, authority.SubmitRequest{
		Assertion:        assertion,
		SessionPublicKey: kp.Public,
		AuthState:        challenge.AuthState,
		Identifier:       identifier,
	})
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to submit assertion: %w", err))
	}

	signed, err := e.client.FetchDelegation(ctx, details.Identifier, kp.Public, details.Expiration)
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to fetch delegation: %w", err))
	}

	chain, err := delegation.NewChain(*signed, details.RootPublicKey, kp.Public)
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to build delegation chain: %w", err))
	}

	identity := delegation.NewIdentity(kp, chain)

	if err := e.store.Save(details.Identifier, kp, chain); err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to persist session: %w", err))
	}

	e.mu.Lock()
	e.state.LoginStatus = StatusSuccess
	e.state.Identifier = details.Identifier
	e.state.Identity = identity
	e.state.Chain = chain
	e.authed = e.client.WithIdentity(identity)
	e.mu.Unlock()

	slog.Info("login attempt succeeded",
		"attempt_id", attemptID,
		"identifier", details.Identifier,
		"session_key", kp.PublicText(),
	)

	return &LoginResult{
		Identifier: details.Identifier,
		Identity:   identity,
	}, nil
}

// LoginWithSessionKey runs the prepare/submit sequence for an externally
// managed session key. The caller performs its own delegation fetch out of
// band, so no identity is composed or persisted. The single-flight guard is
// a separate slot from Login's.
func (e *Engine) LoginWithSessionKey(ctx context.Context, sessionPublicKey []byte, identifier string) (*authority.BindingDetails, error) {
	e.mu.Lock()
	if e.externalInFlight {
		e.mu.Unlock()
		return nil, ErrConcurrentLogin
	}
	e.externalInFlight = true
	e.state.LastError = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.externalInFlight = false
		e.mu.Unlock()
	}()

	attemptID := uuid.NewString()
	slog.Info("external-key login attempt started", "attempt_id", attemptID)

	challenge, err := e.client.PrepareChallenge(ctx, identifier)
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to prepare challenge: %w", err))
	}

	assertion, err := e.authn.Assert(ctx, challenge.Payload)
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("authenticator ceremony failed: %w", err))
	}

	details, err := e.client.SubmitAssertion(ctx, authority.SubmitRequest{
		Assertion:        assertion,
		SessionPublicKey: sessionPublicKey,
		AuthState:        challenge.AuthState,
		Identifier:       identifier,
	})
	if err != nil {
		return nil, e.failLogin(attemptID, fmt.Errorf("failed to submit assertion: %w", err))
	}

	slog.Info("external-key login attempt succeeded",
		"attempt_id", attemptID,
		"identifier", details.Identifier,
	)

	return details, nil
}

// FetchDelegationFor fetches a delegation for an externally managed session
// key and validates it into a chain rooted at rootKey.
func (e *Engine) FetchDelegationFor(ctx context.Context, identifier string, sessionPublicKey []byte, expiration int64, rootKey []byte) (*delegation.Chain, error) {
	signed, err := e.client.FetchDelegation(ctx, identifier, sessionPublicKey, expiration)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delegation: %w", err)
	}

	chain, err := delegation.NewChain(*signed, rootKey, sessionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build delegation chain: %w", err)
	}

	return chain, nil
}

// Clear resets the engine to its initial idle shape and removes the
// persisted session. It is synchronous and always succeeds; a storage
// removal failure is only logged.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.state = State{
		PrepareStatus: StatusIdle,
		LoginStatus:   StatusIdle,
	}
	e.authed = nil
	e.mu.Unlock()

	if err := e.store.Clear(); err != nil {
		slog.Warn("failed to clear stored session", "error", err)
	}

	slog.Info("session cleared")
}

// failPrepare records a failure in the challenge phase. The attempt is
// terminal but the engine is immediately retryable.
func (e *Engine) failPrepare(attemptID string, err error) error {
	slog.Warn("login attempt failed while preparing", "attempt_id", attemptID, "error", err)

	e.apply(func(s *State) {
		s.PrepareStatus = StatusError
		s.LoginStatus = StatusError
		s.LastError = err
	})
	return err
}

// failLogin records a failure in the exchange phase.
func (e *Engine) failLogin(attemptID string, err error) error {
	slog.Warn("login attempt failed", "attempt_id", attemptID, "error", err)

	e.apply(func(s *State) {
		s.LoginStatus = StatusError
		s.LastError = err
	})
	return err
}
