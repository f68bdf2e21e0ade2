// Package delegation validates and assembles signed delegations into
// verifiable chains, and composes delegated identities from a chain plus
// the session keypair it vouches for.
package delegation

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/al-bashkir/passkey-delegate/internal/sessionkey"
)

// ErrMalformedDelegation is returned when a delegation fails an integrity
// check, e.g. its embedded public key does not match the session key that
// requested it.
var ErrMalformedDelegation = errors.New("malformed delegation")

// Delegation is a statement that a public key may act on behalf of the
// signing authority until the given expiration.
type Delegation struct {
	// PublicKey is the key being delegated to (the session public key).
	PublicKey []byte `cbor:"pubkey" json:"pubkey"`

	// Expiration is when the delegation ceases to be valid, in nanoseconds
	// since the Unix epoch.
	Expiration int64 `cbor:"expiration" json:"expiration"`

	// Targets optionally scopes the delegation to specific services.
	// Empty means unscoped.
	Targets [][]byte `cbor:"targets,omitempty" json:"targets,omitempty"`
}

// SignedDelegation is one link of a delegation chain: a delegation plus the
// authority's signature over it.
type SignedDelegation struct {
	Delegation Delegation `cbor:"delegation" json:"delegation"`
	Signature  []byte     `cbor:"signature" json:"signature"`
}

// Chain is an ordered sequence of signed delegations linking an ephemeral
// session key to the authority's long-term root key.
type Chain struct {
	Delegations []SignedDelegation `cbor:"delegations" json:"delegations"`

	// PublicKey is the root public key the chain is anchored at.
	PublicKey []byte `cbor:"public_key" json:"public_key"`
}

// NewChain wraps a single signed delegation into a chain rooted at rootKey.
//
// It rejects delegations whose embedded public key differs from the session
// public key that requested them. The authority signs whatever key it was
// given, so a mismatch here means the delegation was issued for a key we do
// not hold: tampering, a transport bug, or a confused authority.
func NewChain(sd SignedDelegation, rootKey, sessionPublicKey []byte) (*Chain, error) {
	if len(sd.Delegation.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: delegation has no public key", ErrMalformedDelegation)
	}
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("%w: chain has no root key", ErrMalformedDelegation)
	}
	if !bytes.Equal(sd.Delegation.PublicKey, sessionPublicKey) {
		return nil, fmt.Errorf("%w: delegation public key does not match session key", ErrMalformedDelegation)
	}

	return &Chain{
		Delegations: []SignedDelegation{sd},
		PublicKey:   rootKey,
	}, nil
}

// Expiration returns the earliest expiration across the chain's delegations.
func (c *Chain) Expiration() time.Time {
	var earliest int64
	for _, sd := range c.Delegations {
		if earliest == 0 || sd.Delegation.Expiration < earliest {
			earliest = sd.Delegation.Expiration
		}
	}
	return time.Unix(0, earliest)
}

// RootText returns the base58 text form of the chain's root key.
func (c *Chain) RootText() string {
	return base58.Encode(c.PublicKey)
}

// Identity is a delegated identity: the session keypair capable of signing
// requests, plus the chain proving the authority vouches for it.
type Identity struct {
	KeyPair *sessionkey.KeyPair
	Chain   *Chain
}

// NewIdentity composes a delegated identity from a session keypair and a
// validated chain. The chain is assumed to have been built by NewChain;
// composition itself cannot fail.
func NewIdentity(kp *sessionkey.KeyPair, chain *Chain) *Identity {
	return &Identity{
		KeyPair: kp,
		Chain:   chain,
	}
}

// Sign signs a request payload with the session key.
func (id *Identity) Sign(msg []byte) []byte {
	return id.KeyPair.Sign(msg)
}

// Expired reports whether the identity's delegation chain has expired at the
// given instant. Expiry is checked lazily at first authenticated use, not at
// load time, so a restored-but-expired session surfaces as unauthenticated on
// its first request rather than during initialization.
func (id *Identity) Expired(now time.Time) bool {
	return now.After(id.Chain.Expiration())
}
