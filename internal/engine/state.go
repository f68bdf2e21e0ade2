package engine

import "github.com/al-bashkir/passkey-delegate/internal/delegation"

// Status is the lifecycle status of one sub-machine phase.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPreparing Status = "preparing"
	StatusLoggingIn Status = "logging-in"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// State is the engine's observable state. External observers only ever see
// read-only snapshots; all mutation goes through the engine's single update
// function, so a snapshot never exposes a half-applied transition.
type State struct {
	// Initializing is true until the startup restore attempt has finished.
	Initializing bool

	// PrepareStatus tracks the challenge-preparation phase of the current
	// login attempt.
	PrepareStatus Status

	// LoginStatus tracks the assertion-exchange phase of the current login
	// attempt.
	LoginStatus Status

	// LastError is the failure that terminated the most recent attempt.
	// Cleared when a new attempt starts.
	LastError error

	// Identifier is the identifier of the current authenticated session.
	Identifier string

	// Identity is the current delegated identity, nil when unauthenticated.
	Identity *delegation.Identity

	// Chain is the current delegation chain, nil when unauthenticated.
	Chain *delegation.Chain
}

// initialState is the idle shape the engine starts in and returns to on Clear.
func initialState() State {
	return State{
		Initializing:  true,
		PrepareStatus: StatusIdle,
		LoginStatus:   StatusIdle,
	}
}

// IsInitializing reports whether the startup restore is still running.
func (s State) IsInitializing() bool { return s.Initializing }

// IsPreparing reports whether a login attempt is in the challenge phase.
func (s State) IsPreparing() bool { return s.PrepareStatus == StatusPreparing }

// IsPrepareError reports whether the last attempt failed while preparing.
func (s State) IsPrepareError() bool { return s.PrepareStatus == StatusError }

// IsLoggingIn reports whether a login attempt is in the exchange phase.
func (s State) IsLoggingIn() bool { return s.LoginStatus == StatusLoggingIn }

// IsLoginError reports whether the last attempt ended in error.
func (s State) IsLoginError() bool { return s.LoginStatus == StatusError }

// IsLoginSuccess reports whether the last attempt succeeded.
func (s State) IsLoginSuccess() bool { return s.LoginStatus == StatusSuccess }

// Authenticated reports whether a delegated identity is currently held.
func (s State) Authenticated() bool { return s.Identity != nil }
