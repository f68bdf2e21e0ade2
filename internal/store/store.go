// Package store persists the delegated session across process restarts.
//
// One record lives at a well-known path under the configured state
// directory, holding the identifier, the serialized session keypair, and the
// serialized delegation chain. Absence or any structural deviation is
// treated as "no session", never as a fatal error: the engine recovers by
// starting unauthenticated.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/al-bashkir/passkey-delegate/internal/delegation"
	"github.com/al-bashkir/passkey-delegate/internal/sessionkey"
)

// recordFile is the well-known name of the session record inside the
// state directory.
const recordFile = "session.json"

var (
	// ErrNoStoredSession is returned by Load when no record exists.
	ErrNoStoredSession = errors.New("no stored session")

	// ErrCorruptStoredSession is returned by Load when a record exists but
	// is structurally invalid.
	ErrCorruptStoredSession = errors.New("corrupt stored session")
)

// record is the on-disk shape of the persisted session.
type record struct {
	Identifier      string              `json:"identifier"`
	SessionKey      *sessionkey.Encoded `json:"session_key"`
	DelegationChain string              `json:"delegation_chain"`
}

// Store reads and writes the persisted session record.
type Store struct {
	path string
}

// New creates a store rooted at the given state directory.
func New(stateDir string) *Store {
	return &Store{
		path: filepath.Join(stateDir, recordFile),
	}
}

// Save serializes the session to the record file, overwriting any prior
// record. The file is written with 0600 permissions since it contains the
// session private key.
func (s *Store) Save(identifier string, kp *sessionkey.KeyPair, chain *delegation.Chain) error {
	chainText, err := delegation.EncodeChainText(chain)
	if err != nil {
		return fmt.Errorf("failed to serialize delegation chain: %w", err)
	}

	enc := kp.Encode()
	data, err := json.Marshal(record{
		Identifier:      identifier,
		SessionKey:      &enc,
		DelegationChain: chainText,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize session record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}

	slog.Debug("session record saved", "path", s.path)
	return nil
}

// Load reads the persisted session back.
//
// It performs no expiry check: an expired-but-structurally-valid session is
// returned as-is, and the caller treats an expired delegation as
// unauthenticated at first use.
func (s *Store) Load() (string, *sessionkey.KeyPair, *delegation.Chain, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil, ErrNoStoredSession
		}
		return "", nil, nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrCorruptStoredSession, err)
	}

	if rec.Identifier == "" || rec.SessionKey == nil || rec.DelegationChain == "" {
		return "", nil, nil, fmt.Errorf("%w: record is missing fields", ErrCorruptStoredSession)
	}

	kp, err := sessionkey.Decode(*rec.SessionKey)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrCorruptStoredSession, err)
	}

	chain, err := delegation.DecodeChainText(rec.DelegationChain)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrCorruptStoredSession, err)
	}

	return rec.Identifier, kp, chain, nil
}

// Clear removes the session record. Removing an absent record is not an
// error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session record: %w", err)
	}
	return nil
}
