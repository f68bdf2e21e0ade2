// Package authority implements the request/response client for the remote
// delegation authority.
//
// The authority exposes three endpoints, each a single round trip:
// prepare-challenge, submit-assertion, and fetch-delegation. Responses use an
// explicit ok/err envelope; translating that envelope into the local error
// taxonomy happens here, so callers only ever see the package's sentinel
// errors. The client holds no mutable protocol state.
package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/al-bashkir/passkey-delegate/internal/delegation"
)

// Endpoint paths on the authority.
const (
	challengePath  = "/v1/challenge"
	loginPath      = "/v1/login"
	delegationPath = "/v1/delegation"
)

// Challenge is an authority-issued login challenge.
type Challenge struct {
	// Payload is the opaque JSON-encoded public-key-credential request
	// handed to the external authenticator.
	Payload []byte

	// AuthState is the correlation token returned in discoverable mode.
	// Empty for identified challenges.
	AuthState string
}

// Discoverable reports whether this challenge was issued without a claimed
// identifier, i.e. the authority will resolve the identifier from the
// authenticator's response.
func (c *Challenge) Discoverable() bool {
	return c.AuthState != ""
}

// BindingDetails is the authority's response to a submitted assertion: the
// resolved identifier, the root public key the delegation will be anchored
// at, and the expiration granted to the session.
type BindingDetails struct {
	Identifier    string `json:"identifier"`
	RootPublicKey []byte `json:"root_public_key"`
	Expiration    int64  `json:"expiration"`
}

// SubmitRequest carries an authenticator assertion to the authority.
// Exactly one of AuthState or Identifier must be set; which one determines
// the authority-side variant used to resolve the account.
type SubmitRequest struct {
	Assertion        string
	SessionPublicKey []byte
	AuthState        string
	Identifier       string
	ExpirationHint   int64
}

// Client is the HTTP client for the remote authority.
//
// A Client with no base URL is a disabled channel: construction never fails,
// and every operation returns ErrChannelNotReady. An identity-bound Client
// (see WithIdentity) signs each request with the session key and attaches
// the delegation chain.
type Client struct {
	baseURL  string
	http     *http.Client
	identity *delegation.Identity
}

// New creates an authority client. An empty baseURL yields a disabled
// channel rather than an error.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ready reports whether the client has an authority endpoint configured.
func (c *Client) Ready() bool {
	return c.baseURL != ""
}

// WithIdentity derives a request-capable client bound to a delegated
// identity. The receiver is unchanged.
func (c *Client) WithIdentity(id *delegation.Identity) *Client {
	return &Client{
		baseURL:  c.baseURL,
		http:     c.http,
		identity: id,
	}
}

// challengeResponse is the ok-payload of a prepare-challenge response.
type challengeResponse struct {
	Payload   json.RawMessage `json:"payload"`
	AuthState string          `json:"auth_state,omitempty"`
}

// PrepareChallenge requests a login challenge. An empty identifier selects
// discoverable mode, where the authority returns an AuthState token to be
// echoed back on submission.
func (c *Client) PrepareChallenge(ctx context.Context, identifier string) (*Challenge, error) {
	body := map[string]string{}
	if identifier != "" {
		body["identifier"] = identifier
	}

	ok, err := c.post(ctx, challengePath, body)
	if err != nil {
		var appErr *appError
		if errors.As(err, &appErr) {
			return nil, fmt.Errorf("%w: %s", ErrAuthorityUnavailable, appErr.message)
		}
		return nil, err
	}

	var resp challengeResponse
	if err := json.Unmarshal(ok, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallengeShape, err)
	}

	if len(resp.Payload) == 0 {
		return nil, fmt.Errorf("%w: response has no challenge payload", ErrInvalidChallengeShape)
	}

	// Discoverable challenges must carry the correlation token; without it
	// the assertion cannot be submitted later.
	if identifier == "" && resp.AuthState == "" {
		return nil, fmt.Errorf("%w: discoverable response has no auth state", ErrInvalidChallengeShape)
	}

	// The payload is opaque to the rest of the engine, but it must at least
	// be a decodable credential request or the authenticator ceremony is
	// guaranteed to fail.
	var ca protocol.CredentialAssertion
	if err := json.Unmarshal(resp.Payload, &ca); err != nil {
		return nil, fmt.Errorf("%w: payload is not a credential request: %v", ErrInvalidChallengeShape, err)
	}
	if len(ca.Response.Challenge) == 0 {
		return nil, fmt.Errorf("%w: credential request has no challenge", ErrInvalidChallengeShape)
	}

	return &Challenge{
		Payload:   resp.Payload,
		AuthState: resp.AuthState,
	}, nil
}

// SubmitAssertion submits a signed authenticator assertion together with the
// session public key it should be bound to.
func (c *Client) SubmitAssertion(ctx context.Context, req SubmitRequest) (*BindingDetails, error) {
	if req.AuthState == "" && req.Identifier == "" {
		return nil, fmt.Errorf("submit assertion: either auth state or identifier is required")
	}

	body := map[string]interface{}{
		"assertion":          req.Assertion,
		"session_public_key": base64.StdEncoding.EncodeToString(req.SessionPublicKey),
	}
	if req.AuthState != "" {
		body["auth_state"] = req.AuthState
	} else {
		body["identifier"] = req.Identifier
	}
	if req.ExpirationHint > 0 {
		body["expiration_hint"] = req.ExpirationHint
	}

	ok, err := c.post(ctx, loginPath, body)
	if err != nil {
		var appErr *appError
		if errors.As(err, &appErr) {
			return nil, fmt.Errorf("%w: %s", ErrLoginRejected, appErr.message)
		}
		return nil, err
	}

	var details BindingDetails
	if err := json.Unmarshal(ok, &details); err != nil {
		return nil, fmt.Errorf("%w: undecodable binding details: %v", ErrAuthorityUnavailable, err)
	}

	return &details, nil
}

// delegationResponse is the ok-payload of a fetch-delegation response.
type delegationResponse struct {
	Delegation delegation.Delegation `json:"delegation"`
	Signature  []byte                `json:"signature"`
}

// FetchDelegation fetches the signed delegation binding sessionPublicKey to
// the authority's root key until expiration.
func (c *Client) FetchDelegation(ctx context.Context, identifier string, sessionPublicKey []byte, expiration int64) (*delegation.SignedDelegation, error) {
	body := map[string]interface{}{
		"identifier":         identifier,
		"session_public_key": base64.StdEncoding.EncodeToString(sessionPublicKey),
		"expiration":         expiration,
	}

	ok, err := c.post(ctx, delegationPath, body)
	if err != nil {
		var appErr *appError
		if errors.As(err, &appErr) {
			return nil, fmt.Errorf("%w: %s", ErrDelegationUnavailable, appErr.message)
		}
		return nil, err
	}

	var resp delegationResponse
	if err := json.Unmarshal(ok, &resp); err != nil {
		return nil, fmt.Errorf("%w: undecodable delegation: %v", ErrAuthorityUnavailable, err)
	}

	return &delegation.SignedDelegation{
		Delegation: resp.Delegation,
		Signature:  resp.Signature,
	}, nil
}

// envelope is the authority's explicit ok/err response wrapper.
type envelope struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// appError is an application-level refusal from the authority. The message
// is the authority's opaque err string, surfaced verbatim. Each operation
// maps it onto its own sentinel.
type appError struct {
	message string
}

func (e *appError) Error() string {
	return e.message
}

// post performs one round trip and unpacks the ok/err envelope. Transport
// failures and malformed envelopes are ErrAuthorityUnavailable; envelope
// err values come back as *appError for per-operation mapping.
func (c *Client) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	if !c.Ready() {
		return nil, ErrChannelNotReady
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	c.attachIdentity(req, payload)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	slog.Debug("authority round trip",
		"path", path,
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable response envelope: %v", ErrAuthorityUnavailable, err)
	}

	if env.Err != nil {
		return nil, &appError{message: *env.Err}
	}

	if env.Ok == nil {
		return nil, fmt.Errorf("%w: response envelope has neither ok nor err", ErrAuthorityUnavailable)
	}

	return env.Ok, nil
}

// attachIdentity signs the request body with the bound identity's session
// key and attaches the delegation chain, turning the unauthenticated channel
// into a request-capable one. No-op on unbound clients.
func (c *Client) attachIdentity(req *http.Request, payload []byte) {
	if c.identity == nil {
		return
	}

	chainText, err := delegation.EncodeChainText(c.identity.Chain)
	if err != nil {
		slog.Warn("failed to encode delegation chain for request", "error", err)
		return
	}

	req.Header.Set("X-Sender-Key", base64.StdEncoding.EncodeToString(c.identity.KeyPair.Public))
	req.Header.Set("X-Sender-Delegation", chainText)
	req.Header.Set("X-Sender-Signature", base64.StdEncoding.EncodeToString(c.identity.Sign(payload)))
}
