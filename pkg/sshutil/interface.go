package sshutil

import (
	"io"
	"time"
)

// SSHClient defines the interface for SSH command execution against a
// single remote host. Both the real Client and the mock implementation
// in pkg/sshutil/testing satisfy this interface, so higher-level
// packages (host, rpc, node) never depend on a live SSH connection to
// be testable.
type SSHClient interface {
	// ExecSimple runs a command to completion and returns stdout, stderr,
	// and exit code. Exit code is -1 if the command couldn't be run at
	// all. A non-zero exit code with nil error means the command ran but
	// failed. A zero or negative timeout falls back to a default.
	ExecSimple(cmd string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error)

	// ExecStream starts a long-running command and streams its output to
	// the provided writers without waiting for it to finish. The
	// returned StreamSession's Done channel closes when the remote
	// command exits, whether that's a clean exit, a signal, or the
	// underlying connection dropping out from under it.
	ExecStream(cmd string, stdout, stderr io.Writer) (StreamSession, error)

	// Close closes the SSH connection.
	Close() error

	// GetHost returns the original host label used to dial.
	GetHost() string

	// GetAddress returns the resolved host:port address.
	GetAddress() string
}

// StreamSession represents an in-flight streamed remote command.
type StreamSession interface {
	// Done is closed once the remote command has exited or the
	// connection carrying it has gone away.
	Done() <-chan struct{}

	// Err returns the reason the session ended, populated only after
	// Done is closed. nil means a clean exit (status 0).
	Err() error

	// Close tears down the underlying SSH session. Safe to call more
	// than once and safe to call after Done has already fired.
	Close() error
}
