// Package authenticator defines the boundary to the external passkey
// authenticator and provides a browser-based implementation of it.
//
// The engine treats the authenticator as a single suspend point: it hands
// over the challenge payload, waits, and gets back a signed assertion or a
// declined error. Retries are the user's business, not the engine's.
package authenticator

import (
	"context"
	"errors"
)

// ErrDeclined is returned when the authenticator ceremony is canceled or
// fails, e.g. the user dismisses the passkey prompt.
var ErrDeclined = errors.New("authenticator declined")

// Authenticator performs the passkey ceremony for a challenge payload and
// returns the signed assertion. The payload is an opaque JSON-encoded
// public-key-credential request; the assertion is forwarded to the authority
// verbatim.
type Authenticator interface {
	Assert(ctx context.Context, payload []byte) (string, error)
}

// Func adapts a plain function to the Authenticator interface.
type Func func(ctx context.Context, payload []byte) (string, error)

// Assert implements Authenticator.
func (f Func) Assert(ctx context.Context, payload []byte) (string, error) {
	return f(ctx, payload)
}
