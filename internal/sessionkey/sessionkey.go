// Package sessionkey generates and encodes ephemeral session keypairs.
//
// A session keypair is minted fresh for every login attempt and lives only as
// long as the delegated identity built around it. It is never reused across
// attempts: reuse would let the authority (or anyone observing delegations)
// link otherwise independent sessions.
package sessionkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
)

// KeyPair is an ephemeral Ed25519 session keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 session keypair.
// Each call returns new key material; callers must not cache the result
// beyond the login attempt it was minted for.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session keypair: %w", err)
	}

	return &KeyPair{
		Public:  pub,
		Private: priv,
	}, nil
}

// Sign signs msg with the session private key.
func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// PublicText returns the base58 text form of the public key, used for
// display and log output.
func (kp *KeyPair) PublicText() string {
	return base58.Encode(kp.Public)
}

// Encoded is the JSON-safe serialized form of a KeyPair, embedded in the
// persisted session record.
type Encoded struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// Encode serializes the keypair for persistence.
func (kp *KeyPair) Encode() Encoded {
	return Encoded{
		Public:  base64.StdEncoding.EncodeToString(kp.Public),
		Private: base64.StdEncoding.EncodeToString(kp.Private),
	}
}

// Decode reconstructs a KeyPair from its serialized form.
// It fails if either field is missing, undecodable, or the wrong length
// for an Ed25519 key.
func Decode(e Encoded) (*KeyPair, error) {
	if e.Public == "" || e.Private == "" {
		return nil, fmt.Errorf("session key record is missing key material")
	}

	pub, err := base64.StdEncoding.DecodeString(e.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(pub))
	}

	priv, err := base64.StdEncoding.DecodeString(e.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}

	return &KeyPair{
		Public:  ed25519.PublicKey(pub),
		Private: ed25519.PrivateKey(priv),
	}, nil
}
