// Package daemon orchestrates all the components of the passkey delegate daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/passkey-delegate/internal/authenticator"
	"github.com/al-bashkir/passkey-delegate/internal/authority"
	"github.com/al-bashkir/passkey-delegate/internal/config"
	"github.com/al-bashkir/passkey-delegate/internal/engine"
	"github.com/al-bashkir/passkey-delegate/internal/ipc"
	"github.com/al-bashkir/passkey-delegate/internal/store"
)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg       *config.Config
	engine    *engine.Engine
	browser   *authenticator.Browser
	ipcServer *ipc.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	sessions := store.New(cfg.Storage.StateDir)

	slog.Info("session store initialized",
		"state_dir", cfg.Storage.StateDir,
	)

	client := authority.New(cfg.Authority.URL, cfg.Authority.Timeout())

	slog.Info("authority client initialized",
		"url", cfg.Authority.URL,
		"ready", client.Ready(),
	)

	browser, err := authenticator.NewBrowser(cfg.Authenticator.Listen, cfg.Authenticator.CeremonyTimeout())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ceremony server: %w", err)
	}

	slog.Info("ceremony server initialized",
		"listen", cfg.Authenticator.Listen,
	)

	eng := engine.New(sessions, client, browser)

	d := &Daemon{
		cfg:     cfg,
		engine:  eng,
		browser: browser,
	}

	d.ipcServer = ipc.NewServer(cfg.Agent.Socket, d.handleCommand)

	slog.Info("IPC server initialized",
		"socket", cfg.Agent.Socket,
	)

	return d, nil
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting passkey delegate daemon")

	// Wait for the engine to finish restoring any persisted session before
	// accepting commands.
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := d.engine.WaitInit(initCtx); err != nil {
		cancel()
		return fmt.Errorf("engine initialization timed out: %w", err)
	}
	cancel()

	if state := d.engine.Snapshot(); state.Authenticated() {
		slog.Info("restored persisted session", "identifier", state.Identifier)
	}

	// Start IPC server synchronously to catch startup errors
	ctx := context.Background()
	if err := d.ipcServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	// Start ceremony server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.browser.Start(); err != nil && err.Error() != "http: Server closed" {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Wait for shutdown signal or startup error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("ceremony server failed to start", "error", err)
			if stopErr := d.ipcServer.Stop(); stopErr != nil {
				slog.Error("error stopping IPC server after ceremony server startup failure", "error", stopErr)
			}
			return fmt.Errorf("ceremony server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop IPC server
	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	// Stop ceremony server
	if err := d.browser.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping ceremony server", "error", err)
	}

	slog.Info("daemon shutdown complete")
	return nil
}

// handleCommand dispatches agent socket commands to the engine.
func (d *Daemon) handleCommand(ctx context.Context, req *ipc.CommandRequest) (*ipc.CommandResponse, error) {
	switch req.Command {
	case ipc.CommandStatus:
		return d.handleStatus(), nil
	case ipc.CommandLogin:
		return d.handleLogin(ctx, req.Identifier), nil
	case ipc.CommandLogout:
		d.engine.Clear()
		return &ipc.CommandResponse{Status: ipc.StatusOK}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", req.Command)
	}
}

// handleStatus reports the current authentication state.
func (d *Daemon) handleStatus() *ipc.CommandResponse {
	state := d.engine.Snapshot()

	resp := &ipc.CommandResponse{
		Status:        ipc.StatusOK,
		Authenticated: state.Authenticated(),
	}
	if state.Authenticated() {
		resp.Identifier = state.Identifier
		resp.SessionKey = state.Identity.KeyPair.PublicText()
		resp.Expiration = state.Identity.Chain.Expiration().UTC().Format(time.RFC3339)
	}
	if state.LastError != nil {
		resp.Error = state.LastError.Error()
	}

	return resp
}

// handleLogin runs a full login through the engine. The call blocks for the
// whole passkey ceremony; the CLI raises its socket timeout accordingly.
func (d *Daemon) handleLogin(ctx context.Context, identifier string) *ipc.CommandResponse {
	// The ceremony outlives the socket read deadline budget of short
	// commands, so bound it explicitly instead of inheriting a bare ctx.
	loginCtx, cancel := context.WithTimeout(ctx, d.cfg.Authenticator.CeremonyTimeout()+d.cfg.Authority.Timeout())
	defer cancel()

	result, err := d.engine.Login(loginCtx, identifier)
	if err != nil {
		return &ipc.CommandResponse{
			Status: ipc.StatusError,
			Error:  err.Error(),
		}
	}

	return &ipc.CommandResponse{
		Status:        ipc.StatusOK,
		Authenticated: true,
		Identifier:    result.Identifier,
		SessionKey:    result.Identity.KeyPair.PublicText(),
		Expiration:    result.Identity.Chain.Expiration().UTC().Format(time.RFC3339),
	}
}
