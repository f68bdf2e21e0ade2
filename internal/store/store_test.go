package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/al-bashkir/passkey-delegate/internal/delegation"
	"github.com/al-bashkir/passkey-delegate/internal/sessionkey"
)

func testSession(t *testing.T) (*sessionkey.KeyPair, *delegation.Chain) {
	t.Helper()

	kp, err := sessionkey.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sd := delegation.SignedDelegation{
		Delegation: delegation.Delegation{
			PublicKey:  kp.Public,
			Expiration: time.Now().Add(time.Hour).UnixNano(),
		},
		Signature: []byte("sig-bytes"),
	}

	chain, err := delegation.NewChain(sd, []byte("root-key"), kp.Public)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	return kp, chain
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	kp, chain := testSession(t)

	if err := s.Save("alice", kp, chain); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	identifier, loadedKP, loadedChain, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if identifier != "alice" {
		t.Errorf("identifier = %q, want %q", identifier, "alice")
	}

	if !bytes.Equal(loadedKP.Public, kp.Public) {
		t.Error("loaded public key differs from saved key")
	}

	if !bytes.Equal(loadedChain.PublicKey, chain.PublicKey) {
		t.Error("loaded root key differs from saved chain")
	}

	if !bytes.Equal(loadedChain.Delegations[0].Signature, chain.Delegations[0].Signature) {
		t.Error("loaded signature differs from saved chain")
	}

	if !bytes.Equal(loadedChain.Delegations[0].Delegation.PublicKey, chain.Delegations[0].Delegation.PublicKey) {
		t.Error("loaded delegation public key differs from saved chain")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := New(t.TempDir())

	kp1, chain1 := testSession(t)
	if err := s.Save("alice", kp1, chain1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	kp2, chain2 := testSession(t)
	if err := s.Save("bob", kp2, chain2); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	identifier, loadedKP, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if identifier != "bob" {
		t.Errorf("identifier = %q, want %q", identifier, "bob")
	}

	if !bytes.Equal(loadedKP.Public, kp2.Public) {
		t.Error("load returned the first session's key after overwrite")
	}
}

func TestLoadNoSession(t *testing.T) {
	s := New(t.TempDir())

	_, _, _, err := s.Load()
	if !errors.Is(err, ErrNoStoredSession) {
		t.Errorf("Load error = %v, want ErrNoStoredSession", err)
	}
}

func TestClearThenLoad(t *testing.T) {
	s := New(t.TempDir())
	kp, chain := testSession(t)

	if err := s.Save("alice", kp, chain); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	_, _, _, err := s.Load()
	if !errors.Is(err, ErrNoStoredSession) {
		t.Errorf("Load after Clear = %v, want ErrNoStoredSession", err)
	}

	// Clear is idempotent.
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestLoadCorruptRecords(t *testing.T) {
	kp, _ := testSession(t)
	enc := kp.Encode()

	missingChain, err := json.Marshal(map[string]interface{}{
		"identifier":  "alice",
		"session_key": enc,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{{{{")},
		{"empty object", []byte("{}")},
		{"missing delegation chain", missingChain},
		{"bad key material", []byte(`{"identifier":"alice","session_key":{"public":"!","private":"!"},"delegation_chain":"x"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "session.json"), tt.data, 0600); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			_, _, _, err := New(dir).Load()
			if !errors.Is(err, ErrCorruptStoredSession) {
				t.Errorf("Load error = %v, want ErrCorruptStoredSession", err)
			}
		})
	}
}
