package ipc

import "github.com/al-bashkir/passkey-delegate/internal/logsanitize"

// sanitizeLog sanitizes a string for safe inclusion in structured log output
// before logging values received over the agent socket.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}
