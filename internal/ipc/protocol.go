package ipc

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeCommandRequest is sent from the CLI to the daemon
	MessageTypeCommandRequest MessageType = "command_request"
	// MessageTypeCommandResponse is sent from the daemon back to the CLI
	MessageTypeCommandResponse MessageType = "command_response"
)

// Command names accepted by the daemon.
const (
	CommandStatus = "status"
	CommandLogin  = "login"
	CommandLogout = "logout"
)

// CommandRequest is sent from the CLI to the daemon over the agent socket.
// Identifier is only meaningful for the login command; when empty the login
// runs discoverable and the authenticator picks the account.
type CommandRequest struct {
	Type       MessageType `json:"type"`
	Command    string      `json:"command"`
	Identifier string      `json:"identifier,omitempty"`
}

// CommandResponse is sent from the daemon back to the CLI.
type CommandResponse struct {
	Type          MessageType `json:"type"`
	Status        string      `json:"status"` // "ok" or "error"
	Authenticated bool        `json:"authenticated"`
	Identifier    string      `json:"identifier,omitempty"`
	SessionKey    string      `json:"session_key,omitempty"`
	Expiration    string      `json:"expiration,omitempty"`
	CeremonyURL   string      `json:"ceremony_url,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)
