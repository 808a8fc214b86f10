package sshutil

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaywire/beamctl/internal/errors"
	"golang.org/x/crypto/ssh"
)

const defaultExecTimeout = 10 * time.Second

// ExecSimple runs a command on the remote host and waits for it to
// finish. Exit code is -1 if the command couldn't be run at all. A
// non-zero exit code with a nil error means the command ran but
// failed; the caller decides whether that's an error for its purposes.
func (c *Client) ExecSimple(cmd string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	session, err := c.newSSHSession()
	if err != nil {
		return nil, nil, -1, errors.WrapWithCode(err, errors.ErrSSHSpawn,
			"failed to open SSH session",
			"the connection may have dropped, try reconnecting")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case runErr := <-done:
		if runErr == nil {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		return nil, nil, -1, errors.WrapWithCode(runErr, errors.ErrSSHSpawn,
			fmt.Sprintf("command failed: %s", truncateCmd(cmd)),
			"check that the command exists on the remote host")
	case <-time.After(timeout):
		session.Close()
		return nil, nil, -1, errors.New(errors.ErrSSHTimeout,
			fmt.Sprintf("command timed out after %s: %s", timeout, truncateCmd(cmd)),
			"increase the timeout or check whether the remote host is overloaded")
	}
}

// ExecStream starts a long-running command and streams its output to
// the given writers without blocking for it to finish. Used to launch
// a BEAM node and keep the session open for its lifetime.
func (c *Client) ExecStream(cmd string, stdout, stderr io.Writer) (StreamSession, error) {
	session, err := c.newSSHSession()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSHSpawn,
			"failed to open SSH session",
			"the connection may have dropped, try reconnecting")
	}

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSHSpawn,
			fmt.Sprintf("failed to start command: %s", truncateCmd(cmd)),
			"check that the interpreter path is correct on the remote host")
	}

	ss := &streamSession{session: session, done: make(chan struct{})}
	go func() {
		runErr := session.Wait()
		ss.mu.Lock()
		ss.err = runErr
		ss.mu.Unlock()
		close(ss.done)
	}()

	return ss, nil
}

// streamSession implements StreamSession over a live *ssh.Session.
type streamSession struct {
	session *ssh.Session
	done    chan struct{}
	mu      sync.Mutex
	err     error
	once    sync.Once
}

func (s *streamSession) Done() <-chan struct{} { return s.done }

func (s *streamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSession) Close() error {
	s.once.Do(func() {
		s.session.Close()
	})
	return nil
}

func truncateCmd(cmd string) string {
	const max = 80
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max] + "..."
}
