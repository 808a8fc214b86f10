// Package testing provides an in-memory stand-in for sshutil.Client so
// packages that dial and run commands over SSH can be exercised
// without a live connection.
package testing

import (
	"errors"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/relaywire/beamctl/pkg/sshutil"
)

// CommandResponse defines a canned response for a command or command
// pattern registered on a MockClient.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
}

// MockClient simulates a single SSH connection. Command matching is
// exact-match first, then registered regex patterns in most-recently-
// registered-first order, so a test can set a broad baseline pattern
// and override it for specific commands by registering afterward;
// anything unmatched exits 0 with no output, which is enough for
// tests that only care about a handful of specific commands.
type MockClient struct {
	mu       sync.Mutex
	host     string
	address  string
	closed   bool
	exact    map[string]CommandResponse
	patterns []patternResponse
	streams  []*mockStreamSession
}

type patternResponse struct {
	re   *regexp.Regexp
	resp CommandResponse
}

// NewMockClient creates a mock client for the given host label.
func NewMockClient(host string) *MockClient {
	return &MockClient{
		host:    host,
		address: host + ":22",
		exact:   make(map[string]CommandResponse),
	}
}

// SetCommandResponse registers a canned response for an exact command
// string.
func (m *MockClient) SetCommandResponse(cmd string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact[cmd] = resp
}

// SetPatternResponse registers a canned response for any command
// matching the given regular expression, checked after exact matches
// fail in most-recently-registered-first order.
func (m *MockClient) SetPatternResponse(pattern string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, patternResponse{re: regexp.MustCompile(pattern), resp: resp})
}

// ExecSimple looks up a canned response for cmd and returns it,
// ignoring the timeout since nothing here actually blocks.
func (m *MockClient) ExecSimple(cmd string, _ time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, -1, errors.New("connection closed")
	}

	if resp, ok := m.exact[cmd]; ok {
		return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Error
	}
	for i := len(m.patterns) - 1; i >= 0; i-- {
		p := m.patterns[i]
		if p.re.MatchString(cmd) {
			return p.resp.Stdout, p.resp.Stderr, p.resp.ExitCode, p.resp.Error
		}
	}
	return nil, nil, 0, nil
}

// ExecStream returns a mockStreamSession that a test drives explicitly
// via Exit(err), standing in for a remote node exiting on its own or
// the connection dropping mid-command.
func (m *MockClient) ExecStream(cmd string, stdout, stderr io.Writer) (sshutil.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("connection closed")
	}

	stdout.Write(m.exact[cmd].Stdout)
	stderr.Write(m.exact[cmd].Stderr)

	ss := &mockStreamSession{done: make(chan struct{})}
	m.streams = append(m.streams, ss)
	return ss, nil
}

// Streams returns every StreamSession handed out by ExecStream, most
// recent last, so a test can reach in and simulate the remote node
// dying without threading a reference through the code under test.
func (m *MockClient) Streams() []*mockStreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mockStreamSession, len(m.streams))
	copy(out, m.streams)
	return out
}

// Close marks the connection closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetHost returns the host label.
func (m *MockClient) GetHost() string { return m.host }

// GetAddress returns the host:port address.
func (m *MockClient) GetAddress() string { return m.address }

// mockStreamSession is a test double for sshutil.StreamSession that a
// test drives explicitly instead of it resolving on its own.
type mockStreamSession struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
	once   sync.Once
}

func (s *mockStreamSession) Done() <-chan struct{} { return s.done }

func (s *mockStreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mockStreamSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// Exit simulates the remote command exiting with the given error (nil
// for a clean exit), closing Done exactly once.
func (s *mockStreamSession) Exit(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
