package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned when a node cannot be reached over the network.
	// The node is skipped rather than failed.
	ErrUnreachable = errors.New("node is unreachable")
	// ErrUnexpectedDisconnect is returned when the transport is lost outside of
	// an intentional reboot.
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")
	// ErrReconnectTimeout is returned when a node did not come back after a reboot.
	ErrReconnectTimeout = errors.New("node did not come back after reboot")
	// ErrCommandTimeout is returned when a command exceeds the configured timeout.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrSessionNotConnected is returned when a command is issued on a session
	// that is not connected.
	ErrSessionNotConnected = errors.New("session is not connected")
)

// ConnectionError is returned when a transport could not be established for
// a reason other than the node being unreachable, e.g. authentication.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to %s: %s", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LocalError is a failure of the local environment, e.g. an unreadable key
// file. It is not specific to any node and stops the whole run.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }

func (e *LocalError) Unwrap() error { return e.Err }

// StepFailure is returned when a command required by a provisioning step
// reported a non-zero exit status.
type StepFailure struct {
	Step       StepName
	Command    string
	ExitStatus int
	Output     string
}

func (e *StepFailure) Error() string {
	msg := fmt.Sprintf("%q exited with status %d", e.Command, e.ExitStatus)
	if e.Output != "" {
		msg = msg + ": " + e.Output
	}
	return msg
}
