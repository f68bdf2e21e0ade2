package delegation

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeChain serializes a chain to its CBOR wire form.
func EncodeChain(c *Chain) ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delegation chain: %w", err)
	}
	return data, nil
}

// DecodeChain deserializes a chain from its CBOR wire form.
// It fails on undecodable data and on chains with no delegations.
func DecodeChain(data []byte) (*Chain, error) {
	var c Chain
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode delegation chain: %w", err)
	}

	if len(c.Delegations) == 0 {
		return nil, fmt.Errorf("%w: chain has no delegations", ErrMalformedDelegation)
	}

	return &c, nil
}

// EncodeChainText serializes a chain to base64 CBOR, the form embedded in
// the persisted session record.
func EncodeChainText(c *Chain) (string, error) {
	data, err := EncodeChain(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeChainText deserializes a chain from base64 CBOR.
func DecodeChainText(s string) (*Chain, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode delegation chain text: %w", err)
	}
	return DecodeChain(data)
}
