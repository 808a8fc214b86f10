// Package host manages SSH connections to the configured fleet: one
// connection per host, dialed lazily on first use and reused for
// every operation after that.
package host

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/internal/logger"
	"github.com/relaywire/beamctl/pkg/sshutil"
)

// DefaultDialTimeout bounds how long a single dial attempt waits
// before giving up.
const DefaultDialTimeout = 10 * time.Second

// entry holds everything the registry tracks for a single configured
// host. Its own mutex guards client/shortHost/dial state; the
// registry's mutex only ever protects the top-level map, so it never
// has to be held while a dial or an SSH round trip is in flight.
type entry struct {
	spec config.HostSpec

	mu        sync.Mutex
	client    sshutil.SSHClient
	shortHost string
	dialCh    chan struct{} // non-nil while a dial is in flight
	dialErr   error
}

// dialFunc matches sshutil.Dial's signature but returns the interface
// type, so tests can substitute a function that hands back a
// sshutil/testing.MockClient instead of dialing for real.
type dialFunc func(cfg sshutil.DialConfig, timeout time.Duration) (sshutil.SSHClient, error)

// Registry resolves host labels to live SSH connections, dialing at
// most once per host concurrently regardless of how many callers ask
// for it at the same time.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*entry
	privateKey  []byte
	dialTimeout time.Duration
	dial        dialFunc
	log         logger.Logger
}

// New builds a Registry from the resolved fleet configuration. The
// private key, if any, is shared across every host dial.
func New(hosts []config.HostSpec, privateKey []byte, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Noop()
	}

	entries := make(map[string]*entry, len(hosts))
	for _, h := range hosts {
		entries[h.Label] = &entry{spec: h}
	}

	return &Registry{
		entries:     entries,
		privateKey:  privateKey,
		dialTimeout: DefaultDialTimeout,
		dial: func(cfg sshutil.DialConfig, timeout time.Duration) (sshutil.SSHClient, error) {
			return sshutil.Dial(cfg, timeout)
		},
		log: log,
	}
}

// SetDialFunc overrides how the registry dials a host. Exported for
// tests that need to substitute a mock SSH client; production callers
// never need it.
func (r *Registry) SetDialFunc(fn func(cfg sshutil.DialConfig, timeout time.Duration) (sshutil.SSHClient, error)) {
	r.dial = fn
}

// SetDialTimeout overrides the per-dial timeout, mainly for tests.
func (r *Registry) SetDialTimeout(d time.Duration) {
	r.dialTimeout = d
}

// Labels returns every configured host label, in no particular order.
func (r *Registry) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	labels := make([]string, 0, len(r.entries))
	for label := range r.entries {
		labels = append(labels, label)
	}
	return labels
}

// SoleLabel returns the single configured host label, for callers that
// let a host argument default when the fleet has only one. It fails
// with ErrUnknownHost when more than one host is configured, since the
// choice would otherwise be ambiguous.
func (r *Registry) SoleLabel() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 1 {
		for label := range r.entries {
			return label, nil
		}
	}
	return "", errors.New(errors.ErrUnknownHost,
		fmt.Sprintf("no host specified and %d hosts are configured", len(r.entries)),
		"pass --host explicitly; check SSH_HOSTS for the available labels")
}

// Spec returns the resolved configuration for a host label.
func (r *Registry) Spec(label string) (config.HostSpec, error) {
	e, err := r.lookup(label)
	if err != nil {
		return config.HostSpec{}, err
	}
	return e.spec, nil
}

func (r *Registry) lookup(label string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[label]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.ErrUnknownHost,
			fmt.Sprintf("host '%s' is not configured", label),
			"check SSH_HOSTS for the correct label")
	}
	return e, nil
}

// Get returns a live SSH connection for the given host label, dialing
// it if this is the first request. Concurrent callers for the same
// host all block on the single in-flight dial and share its result;
// no lock is held across the dial itself.
func (r *Registry) Get(label string) (sshutil.SSHClient, error) {
	e, err := r.lookup(label)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.client != nil {
		client := e.client
		e.mu.Unlock()
		return client, nil
	}
	if e.dialCh != nil {
		wait := e.dialCh
		e.mu.Unlock()
		<-wait
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.client, e.dialErr
	}

	dialCh := make(chan struct{})
	e.dialCh = dialCh
	e.mu.Unlock()

	r.log.Debug("dialing host %s (%s@%s:%s)", label, e.spec.User, e.spec.Hostname, e.spec.Port)
	client, dialErr := r.dial(sshutil.DialConfig{
		Host:         label,
		Hostname:     e.spec.Hostname,
		Port:         e.spec.Port,
		User:         e.spec.User,
		PrivateKey:   r.privateKey,
		IdentityFile: e.spec.IdentityFile,
	}, r.dialTimeout)

	e.mu.Lock()
	if dialErr == nil {
		e.client = client
	} else {
		r.log.Warn("dial to host %s failed: %v", label, dialErr)
	}
	e.dialErr = dialErr
	e.dialCh = nil
	e.mu.Unlock()
	close(dialCh)

	if dialErr != nil {
		return nil, dialErr
	}
	return client, nil
}

// Invalidate drops the cached connection for a host, closing it if
// present, so the next Get dials fresh. No other package calls it: a
// cached client whose connection has dropped stays cached until
// Invalidate or CloseAll is called.
func (r *Registry) Invalidate(label string) {
	e, err := r.lookup(label)
	if err != nil {
		return
	}

	e.mu.Lock()
	client := e.client
	e.client = nil
	e.shortHost = ""
	e.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// ShortHost returns the short hostname a BEAM node on this host would
// register under (the `host` half of `name@host`). It's queried once
// per host via `hostname -s` on the remote and cached; if that fails
// for any reason, it falls back to the leftmost label of the
// configured hostname, which is right often enough to be a reasonable
// default and never blocks node startup on a diagnostic command.
func (r *Registry) ShortHost(label string) (string, error) {
	e, err := r.lookup(label)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.shortHost != "" {
		short := e.shortHost
		e.mu.Unlock()
		return short, nil
	}
	e.mu.Unlock()

	client, err := r.Get(label)
	if err != nil {
		return "", err
	}

	short := leftmostLabel(e.spec.Hostname)
	if stdout, _, exitCode, execErr := client.ExecSimple("hostname -s", 5*time.Second); execErr == nil && exitCode == 0 {
		if trimmed := strings.TrimSpace(string(stdout)); trimmed != "" {
			short = trimmed
		}
	}

	e.mu.Lock()
	e.shortHost = short
	e.mu.Unlock()

	return short, nil
}

func leftmostLabel(hostname string) string {
	if idx := strings.Index(hostname, "."); idx > 0 {
		return hostname[:idx]
	}
	return hostname
}

// CloseAll closes every dialed connection. Called by the shutdown
// coordinator; safe to call even if some hosts were never dialed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		client := e.client
		e.client = nil
		e.mu.Unlock()
		if client != nil {
			client.Close()
		}
	}
}
