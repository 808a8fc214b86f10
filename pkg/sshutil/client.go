package sshutil

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/beamctl/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client wraps an SSH connection with the metadata the rest of the
// control plane keys off: the label the operator used for this host
// and the address that was actually dialed.
type Client struct {
	*ssh.Client
	Host    string
	Address string
}

// DialConfig carries everything Dial needs to reach a single host.
// Fields are expected to already be fully resolved by internal/config
// (SSH_HOSTS grammar plus ~/.ssh/config enrichment) before Dial sees
// them; Dial itself does no alias lookup.
type DialConfig struct {
	Host         string // the SSH_HOSTS label, used only for error messages
	Hostname     string
	Port         string
	User         string
	PrivateKey   []byte // PEM-encoded process-wide key, may be empty
	IdentityFile string // fallback path when PrivateKey is empty
}

func (c DialConfig) address() string {
	return net.JoinHostPort(c.Hostname, c.Port)
}

// KnownHostsEnv is the environment variable that opts a fleet into
// strict host key checking. Unset (the default) means
// InsecureIgnoreHostKey, since these hosts are dialed unattended and
// there is no terminal to prompt for a trust decision.
const KnownHostsEnv = "BEAMCTL_KNOWN_HOSTS"

// Dial establishes an SSH connection to a single fully-resolved host.
func Dial(cfg DialConfig, timeout time.Duration) (*Client, error) {
	sshConfig, err := buildSSHConfig(cfg)
	if err != nil {
		var beamErr *errors.Error
		if stderrors.As(err, &beamErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSHDial,
			fmt.Sprintf("couldn't set up SSH for '%s'", cfg.Host),
			"check SSH_PRIVATE_KEY / SSH_PRIVATE_KEY_B64 or that ssh-agent has a key loaded")
	}

	address := cfg.address()
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSHDial,
			fmt.Sprintf("can't reach '%s' at %s", cfg.Host, address),
			suggestionForDialError(err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.New(errors.ErrSSHDial, hostKeyErr.Error(), hostKeyErr.Suggestion())
		}

		return nil, errors.WrapWithCode(err, errors.ErrSSHDial,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", cfg.Host),
			suggestionForHandshakeError(err))
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Client{
		Client:  client,
		Host:    cfg.Host,
		Address: address,
	}, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetHost returns the original host label used to dial.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

func (c *Client) newSSHSession() (*ssh.Session, error) {
	return c.Client.NewSession()
}

// buildSSHConfig assembles auth methods and the host key policy for a
// single dial. Auth is tried in order: process-wide private key, then
// an on-disk identity file fallback, then ssh-agent.
func buildSSHConfig(cfg DialConfig) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing configured SSH private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	} else if cfg.IdentityFile != "" {
		if keyAuth, err := keyFileAuth(cfg.IdentityFile); err == nil {
			authMethods = append(authMethods, keyAuth)
		}
	}

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	if len(authMethods) == 0 {
		return nil, errors.New(errors.ErrSSHDial,
			"no SSH auth methods available",
			"set SSH_PRIVATE_KEY or SSH_PRIVATE_KEY_B64, or load a key into ssh-agent")
	}

	hostKeyCallback, err := hostKeyPolicy()
	if err != nil {
		return nil, fmt.Errorf("setting up host key policy: %w", err)
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}, nil
}

func hostKeyPolicy() (ssh.HostKeyCallback, error) {
	knownHostsPath := os.Getenv(KnownHostsEnv)
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // unattended fleet automation, opt into strict mode via BEAMCTL_KNOWN_HOSTS
	}
	return createHostKeyCallback(knownHostsPath)
}

// agentConn holds the reusable SSH agent connection, established at
// most once per process.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open. Called by
// the shutdown coordinator on the way out.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return "is SSH running on that host? try: ssh <host>"
	case strings.Contains(errStr, "no route to host"), strings.Contains(errStr, "network is unreachable"):
		return "can't route to the host, check the network"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "i/o timeout"):
		return "connection timed out, host might be offline or blocked by a firewall"
	default:
		return "make sure the host is reachable: ping <host>"
	}
}

func suggestionForHandshakeError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "unable to authenticate"), strings.Contains(errStr, "no supported methods"):
		return "auth failed, check SSH_PRIVATE_KEY / SSH_PRIVATE_KEY_B64 or ssh-add -l"
	case strings.Contains(errStr, "host key"):
		return "host key issue, check BEAMCTL_KNOWN_HOSTS or try connecting manually: ssh <host>"
	default:
		return "something went wrong during the SSH handshake"
	}
}

// HostKeyMismatchError provides actionable context when known_hosts
// verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"the server's host key doesn't match what's in known_hosts\n"+
			"  known types: %s\n"+
			"  server sent: %s\n\n"+
			"  update known_hosts with all key types:\n"+
			"    ssh-keyscan -t rsa,ecdsa,ed25519 %s >> %s\n\n"+
			"  or remove the old entry:\n"+
			"    ssh-keygen -R %s",
		wantStr, e.ReceivedType, host, e.KnownHosts, host)
}

// createHostKeyCallback wraps the knownhosts callback to surface a
// HostKeyMismatchError with actionable detail instead of the raw
// knownhosts.KeyError.
func createHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		dir := filepath.Dir(knownHostsPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating known_hosts directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if stderrors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{
					Hostname:     hostname,
					ReceivedType: key.Type(),
					KnownHosts:   knownHostsPath,
					Want:         keyErr.Want,
				}
			}
		}
		return err
	}, nil
}
