package types

import (
	"context"
	"io"
	"strings"
)

// SessionState is the connection state of a Session.
type SessionState string

const (
	// SessionUnconnected is a session that has not been dialed or was closed.
	SessionUnconnected SessionState = "Unconnected"
	// SessionConnected is a session ready to run commands.
	SessionConnected SessionState = "Connected"
	// SessionFailed is a session whose transport was lost.
	SessionFailed SessionState = "Failed"
)

// Session is an authenticated command channel to a single host. A Session is
// never shared between nodes or used concurrently.
type Session interface {
	// Address returns the address of the remote host.
	Address() string
	// State returns the current connection state.
	State() SessionState
	// Run executes a command without privileges. A non-zero exit status is
	// reported in the result, not as an error. Errors are reserved for transport
	// failures and timeouts.
	Run(ctx context.Context, command string) (*CommandResult, error)
	// RunPrivileged executes a command with sudo, answering the password prompt
	// over a pseudo-terminal.
	RunPrivileged(ctx context.Context, command, password string) (*CommandResult, error)
	// Download writes the contents of the remote file to w.
	Download(ctx context.Context, remotePath string, w io.Writer) error
	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// Connector dials a new Session with the given options.
type Connector func(ctx context.Context, opts *ConnectOptions) (Session, error)

// CommandResult is the outcome of a single remote command.
type CommandResult struct {
	// The command as it was sent
	Command string
	// Contents of the standard output stream
	Stdout string
	// Contents of the standard error stream. Empty for privileged commands,
	// whose streams are merged by the terminal.
	Stderr string
	// The exit status reported by the remote end
	ExitStatus int
	// The signal that terminated the command, if any
	Signal string
}

// Succeeded returns true if the command exited zero.
func (c *CommandResult) Succeeded() bool { return c.ExitStatus == 0 }

// Output returns stdout and stderr joined and trimmed, for messages.
func (c *CommandResult) Output() string {
	return strings.TrimSpace(strings.TrimSpace(c.Stdout) + "\n" + strings.TrimSpace(c.Stderr))
}
