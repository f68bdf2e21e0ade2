package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientServerCommunication(t *testing.T) {
	// Create temp directory for socket
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	// Create handler that returns an authenticated status
	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		return &CommandResponse{
			Status:        StatusOK,
			Authenticated: true,
			Identifier:    "alice",
			SessionKey:    "2xR7fakekey",
			Expiration:    "2026-08-30T12:00:00Z",
		}, nil
	}

	// Create and start server
	server := NewServer(socketPath, handler)
	ctx := context.Background()

	if err := server.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Create client
	client := NewClient(socketPath)

	// Send request
	req := &CommandRequest{
		Command: CommandStatus,
	}

	resp, err := client.Send(ctx, req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Validate response
	if resp.Type != MessageTypeCommandResponse {
		t.Errorf("expected type %s, got %s", MessageTypeCommandResponse, resp.Type)
	}
	if resp.Status != StatusOK {
		t.Errorf("expected status %s, got %s", StatusOK, resp.Status)
	}
	if !resp.Authenticated {
		t.Error("expected authenticated response")
	}
	if resp.Identifier != "alice" {
		t.Errorf("expected identifier alice, got %s", resp.Identifier)
	}
}

func TestServerHandlerError(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	// Create handler that reports a failed login
	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		return &CommandResponse{
			Status: StatusError,
			Error:  "unable to login",
		}, nil
	}

	server := NewServer(socketPath, handler)
	ctx := context.Background()

	if err := server.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewClient(socketPath)

	req := &CommandRequest{
		Command:    CommandLogin,
		Identifier: "alice",
	}

	resp, err := client.Send(ctx, req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if resp.Status != StatusError {
		t.Errorf("expected status error, got %s", resp.Status)
	}
	if resp.Error == "" {
		t.Error("expected error message to be set")
	}
}

func TestClientConnectionFailure(t *testing.T) {
	// Try to connect to non-existent socket
	client := NewClient("/nonexistent/path/test.sock")

	req := &CommandRequest{
		Command: CommandStatus,
	}

	_, err := client.Send(context.Background(), req)
	if err == nil {
		t.Error("expected error when connecting to non-existent socket")
	}
}

func TestServerSocketPermissions(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		return &CommandResponse{Status: StatusOK}, nil
	}

	server := NewServer(socketPath, handler)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	}()

	// Check socket permissions
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("failed to stat socket: %v", err)
	}

	mode := info.Mode()
	expectedMode := os.FileMode(0600) | os.ModeSocket

	if mode != expectedMode {
		t.Errorf("expected socket mode %v, got %v", expectedMode, mode)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	// Handler that takes a bit of time
	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		time.Sleep(200 * time.Millisecond)
		return &CommandResponse{Status: StatusOK}, nil
	}

	server := NewServer(socketPath, handler)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// Start a request in background
	go func() {
		client := NewClient(socketPath)
		req := &CommandRequest{Command: CommandStatus}
		_, _ = client.Send(context.Background(), req)
	}()

	time.Sleep(50 * time.Millisecond)

	// Stop server - should wait for request to complete
	if err := server.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	// Socket should be removed
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after stop")
	}
}

func TestMultipleConcurrentRequests(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	// Handler that echoes the requested identifier
	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		return &CommandResponse{
			Status:     StatusOK,
			Identifier: req.Identifier,
		}, nil
	}

	server := NewServer(socketPath, handler)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	// Send multiple concurrent requests
	numRequests := 10
	results := make(chan *CommandResponse, numRequests)
	errors := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		go func(n int) {
			client := NewClient(socketPath)
			req := &CommandRequest{
				Command:    CommandStatus,
				Identifier: string(rune('A' + n)),
			}

			resp, err := client.Send(context.Background(), req)
			if err != nil {
				errors <- err
				return
			}
			results <- resp
		}(i)
	}

	// Collect results
	for i := 0; i < numRequests; i++ {
		select {
		case err := <-errors:
			t.Errorf("request failed: %v", err)
		case resp := <-results:
			if resp.Status != StatusOK {
				t.Errorf("expected status ok, got %s", resp.Status)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for responses")
		}
	}
}

func TestClientTimeout(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "test.sock")

	// Handler that sleeps longer than client timeout
	handler := func(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
		time.Sleep(2 * time.Second)
		return &CommandResponse{Status: StatusOK}, nil
	}

	server := NewServer(socketPath, handler)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewClient(socketPath)
	client.SetTimeout(500 * time.Millisecond)

	req := &CommandRequest{Command: CommandStatus}

	_, err = client.Send(context.Background(), req)
	if err == nil {
		t.Error("expected timeout error")
	}
}
