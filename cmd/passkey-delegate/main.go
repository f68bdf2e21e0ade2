package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/passkey-delegate/internal/config"
	"github.com/al-bashkir/passkey-delegate/internal/daemon"
	"github.com/al-bashkir/passkey-delegate/internal/ipc"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitNoAuth  = 2 // Special: status command when no session is active
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "passkey-delegate",
	Short: "Passkey-backed delegated session agent",
	Long: `Agent that holds a delegated session obtained through a passkey login.

This binary operates in two modes:
  - serve:  Run as daemon holding the session and the passkey ceremony server
  - login / status / logout: one-shot commands talking to the daemon over
    its Unix socket

A login generates a fresh session keypair, runs the passkey ceremony in the
browser, and exchanges the signed assertion for a delegation chain from the
remote authority. The chain is persisted so the session survives restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Long: `Start the daemon that holds the delegated session.

The daemon:
  - Restores a persisted session from the state directory, if any
  - Listens on a Unix socket for login/status/logout commands
  - Runs a local HTTP server for the browser passkey ceremony
  - Exchanges assertions for delegation chains with the remote authority

This mode is typically run as a systemd user service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (status, check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var loginIdentifier string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with a passkey",
	Long: `Ask the daemon to run a passkey login.

Without --identifier the login is discoverable: the browser's credential
picker chooses the account. With --identifier the authority issues a
challenge scoped to that account.

The command blocks until the ceremony completes, is declined, or times out.`,
	RunE: runLogin,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long: `Query the daemon for the current session state.

Exit codes:
  0 = An authenticated session is active
  2 = No active session`,
	RunE: runStatus,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the current session",
	Long:  `Ask the daemon to discard the in-memory session and the persisted record.`,
	RunE:  runLogout,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and paths
  - Logical consistency

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/passkey-delegate/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	loginCmd.Flags().StringVar(&loginIdentifier, "identifier", "",
		"Account identifier to log in as (omit for discoverable login)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	return cfg, nil
}

// agentClient builds an IPC client for the daemon socket. When the config
// file cannot be loaded the default socket path is used so one-shot commands
// still work on a stock install.
func agentClient() (*ipc.Client, *config.Config) {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return ipc.NewClient(cfg.Agent.Socket), cfg
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	slog.Info("starting passkey delegate daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	// Create and run daemon
	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runLogin asks the daemon for a passkey login and waits for the outcome
func runLogin(cmd *cobra.Command, args []string) error {
	client, cfg := agentClient()

	// The login blocks for the whole passkey ceremony.
	client.SetTimeout(cfg.Authenticator.CeremonyTimeout() + cfg.Authority.Timeout() + 5*time.Second)

	resp, err := client.Send(context.Background(), &ipc.CommandRequest{
		Command:    ipc.CommandLogin,
		Identifier: loginIdentifier,
	})
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}

	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("login failed: %s", resp.Error)
	}

	fmt.Printf("Logged in as %s\n", resp.Identifier)
	fmt.Printf("  Session key: %s\n", resp.SessionKey)
	fmt.Printf("  Expires:     %s\n", resp.Expiration)
	return nil
}

// runStatus queries the daemon for the session state
func runStatus(cmd *cobra.Command, args []string) error {
	client, _ := agentClient()

	resp, err := client.Send(context.Background(), &ipc.CommandRequest{Command: ipc.CommandStatus})
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}

	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("status failed: %s", resp.Error)
	}

	if !resp.Authenticated {
		fmt.Println("No active session")
		if resp.Error != "" {
			fmt.Printf("  Last error: %s\n", resp.Error)
		}
		overrideExitCode = ExitNoAuth
		return nil
	}

	fmt.Printf("Authenticated as %s\n", resp.Identifier)
	fmt.Printf("  Session key: %s\n", resp.SessionKey)
	fmt.Printf("  Expires:     %s\n", resp.Expiration)
	return nil
}

// runLogout asks the daemon to drop the session
func runLogout(cmd *cobra.Command, args []string) error {
	client, _ := agentClient()

	resp, err := client.Send(context.Background(), &ipc.CommandRequest{Command: ipc.CommandLogout})
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}

	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("logout failed: %s", resp.Error)
	}

	fmt.Println("Session cleared")
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("passkey-delegate version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	if cfg.Authority.URL != "" {
		fmt.Printf("  Authority URL:    %s\n", cfg.Authority.URL)
	} else {
		fmt.Println("  Authority URL:    [NOT SET] (remote channel disabled)")
	}
	fmt.Printf("  Request Timeout:  %d seconds\n", cfg.Authority.TimeoutSeconds)
	fmt.Printf("  State Directory:  %s\n", cfg.Storage.StateDir)
	fmt.Printf("  Ceremony Listen:  %s\n", cfg.Authenticator.Listen)
	fmt.Printf("  Ceremony Timeout: %d seconds\n", cfg.Authenticator.CeremonyTimeoutSeconds)
	fmt.Printf("  Agent Socket:     %s\n", cfg.Agent.Socket)
	fmt.Printf("  Log Level:        %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:       %s\n", cfg.Log.Format)

	fmt.Println("\n✅ Ready to start daemon")

	return nil
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
