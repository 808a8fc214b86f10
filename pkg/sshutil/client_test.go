package sshutil

import (
	"bytes"
	"os"
	"testing"
	"time"
)

// skipIfNoSSH skips the test unless a live target host was explicitly
// configured. Most environments don't have one, so these are skipped
// by default and only run against a deliberately provisioned box.
func skipIfNoSSH(t *testing.T) {
	t.Helper()
	if os.Getenv("BEAMCTL_TEST_SSH_HOST") == "" {
		t.Skip("skipping SSH test: BEAMCTL_TEST_SSH_HOST not set")
	}
}

func testDialConfig() DialConfig {
	return DialConfig{
		Host:     os.Getenv("BEAMCTL_TEST_SSH_HOST"),
		Hostname: os.Getenv("BEAMCTL_TEST_SSH_HOST"),
		Port:     "22",
		User:     os.Getenv("USER"),
	}
}

func TestDial_Success(t *testing.T) {
	skipIfNoSSH(t)

	cfg := testDialConfig()
	client, err := Dial(cfg, 10*time.Second)
	if err != nil {
		t.Fatalf("Dial(%+v) failed: %v", cfg, err)
	}
	defer client.Close()

	if client.Host != cfg.Host {
		t.Errorf("client.Host = %q, want %q", client.Host, cfg.Host)
	}
	if client.Address == "" {
		t.Error("client.Address is empty")
	}
}

func TestDial_InvalidHost(t *testing.T) {
	skipIfNoSSH(t)

	cfg := DialConfig{Host: "unreachable", Hostname: "192.0.2.1", Port: "22", User: "nobody"}
	if _, err := Dial(cfg, 1*time.Second); err == nil {
		t.Fatal("Dial to a non-routable host should fail")
	}
}

func TestExecSimple_SimpleCommand(t *testing.T) {
	skipIfNoSSH(t)

	client, err := Dial(testDialConfig(), 10*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	stdout, _, exitCode, err := client.ExecSimple("echo hello", 0)
	if err != nil {
		t.Fatalf("ExecSimple failed: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if !bytes.Contains(stdout, []byte("hello")) {
		t.Errorf("stdout = %q, want to contain 'hello'", stdout)
	}
}

func TestExecSimple_NonZeroExit(t *testing.T) {
	skipIfNoSSH(t)

	client, err := Dial(testDialConfig(), 10*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	_, _, exitCode, err := client.ExecSimple("exit 42", 0)
	if err != nil {
		t.Fatalf("ExecSimple failed unexpectedly: %v", err)
	}
	if exitCode != 42 {
		t.Errorf("exitCode = %d, want 42", exitCode)
	}
}

func TestExecSimple_Timeout(t *testing.T) {
	skipIfNoSSH(t)

	client, err := Dial(testDialConfig(), 10*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	_, _, _, err = client.ExecSimple("sleep 5", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestExecStream_Success(t *testing.T) {
	skipIfNoSSH(t)

	client, err := Dial(testDialConfig(), 10*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	var stdout, stderr bytes.Buffer
	ss, err := client.ExecStream("echo hello; echo error >&2", &stdout, &stderr)
	if err != nil {
		t.Fatalf("ExecStream failed: %v", err)
	}
	defer ss.Close()

	select {
	case <-ss.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream never completed")
	}

	if err := ss.Err(); err != nil {
		t.Errorf("ss.Err() = %v, want nil", err)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("hello")) {
		t.Errorf("stdout = %q, want to contain 'hello'", stdout.String())
	}
	if !bytes.Contains(stderr.Bytes(), []byte("error")) {
		t.Errorf("stderr = %q, want to contain 'error'", stderr.String())
	}
}

func TestSuggestionForDialError(t *testing.T) {
	tests := []struct {
		errMsg   string
		contains string
	}{
		{"connection refused", "SSH running"},
		{"no route to host", "route"},
		{"i/o timeout", "timed out"},
		{"something else entirely", "reachable"},
	}

	for _, tt := range tests {
		got := suggestionForDialError(stringError(tt.errMsg))
		if got == "" {
			t.Errorf("suggestionForDialError(%q) returned empty string", tt.errMsg)
		}
		if !bytes.Contains([]byte(got), []byte(tt.contains)) {
			t.Errorf("suggestionForDialError(%q) = %q, want to contain %q", tt.errMsg, got, tt.contains)
		}
	}
}

func TestSuggestionForHandshakeError(t *testing.T) {
	tests := []struct {
		errMsg   string
		contains string
	}{
		{"unable to authenticate", "auth failed"},
		{"host key verification failed", "host key"},
		{"something else entirely", "handshake"},
	}

	for _, tt := range tests {
		got := suggestionForHandshakeError(stringError(tt.errMsg))
		if got == "" {
			t.Errorf("suggestionForHandshakeError(%q) returned empty string", tt.errMsg)
		}
		if !bytes.Contains([]byte(got), []byte(tt.contains)) {
			t.Errorf("suggestionForHandshakeError(%q) = %q, want to contain %q", tt.errMsg, got, tt.contains)
		}
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }
