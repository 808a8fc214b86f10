// Package node tracks managed BEAM nodes and drives their
// starting/running/error/stopped state machine, reacting to both
// explicit stop requests and spontaneous remote channel closure.
package node

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/beamctl/internal/beam/escape"
	"github.com/relaywire/beamctl/internal/beam/host"
	"github.com/relaywire/beamctl/internal/beam/rpc"
	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/internal/logger"
	"github.com/relaywire/beamctl/pkg/sshutil"
)

// Status is a ManagedNode's position in the starting/running/error/
// stopped state machine.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Type selects which BEAM launcher a node is started with.
type Type string

const (
	TypeErlang Type = "erlang"
	TypeElixir Type = "elixir"
)

const (
	// ProbeDelay is how long start() waits before checking whether the
	// freshly spawned node has finished registering its short name.
	ProbeDelay = 2 * time.Second

	fallbackCookie      = "beamctl"
	cookieReadTimeout   = 5 * time.Second
)

// ManagedNode is a snapshot of one tracked BEAM node. Values returned
// from the registry are copies; mutating them has no effect on the
// tracked state.
type ManagedNode struct {
	Name            string
	HostLabel       string
	RemoteShortHost string
	Type            Type
	Cookie          string
	StartedAt       int64
	Status          Status
}

// FQName returns the fully qualified short name (name@shortHostname)
// used to address this node over BEAM distribution.
func (n ManagedNode) FQName() string {
	return n.Name + "@" + n.RemoteShortHost
}

// entry is the registry's internal bookkeeping for one node. Its own
// mutex guards node/generation/stream so the registry's map mutex
// never has to be held across a probe or a close wait.
type entry struct {
	mu         sync.Mutex
	node       ManagedNode
	generation uint64
	stream     sshutil.StreamSession
}

// Registry tracks every managed node across the fleet.
type Registry struct {
	mu          sync.Mutex
	nodes       map[string]*entry
	generations map[string]uint64 // monotonic per name, survives entry removal
	hosts       *host.Registry
	eval        *rpc.Evaluator
	log         logger.Logger
	probeDelay  time.Duration
}

// New builds a node Registry backed by the given host registry and
// RPC evaluator.
func New(hosts *host.Registry, eval *rpc.Evaluator, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Noop()
	}
	return &Registry{
		nodes:       make(map[string]*entry),
		generations: make(map[string]uint64),
		hosts:       hosts,
		eval:        eval,
		log:         log,
		probeDelay:  ProbeDelay,
	}
}

// SetProbeDelay overrides the start-probe delay, mainly for tests.
func (r *Registry) SetProbeDelay(d time.Duration) {
	r.probeDelay = d
}

// Start launches a new node under name on hostLabel. It fails with
// NameTaken if name is already tracked, checked and reserved
// atomically so two concurrent starts under the same name can't both
// proceed to dial.
func (r *Registry) Start(name string, typ Type, cookie, hostLabel string) (ManagedNode, error) {
	if err := escape.ValidateAtom(name); err != nil {
		return ManagedNode{}, err
	}

	r.mu.Lock()
	if _, exists := r.nodes[name]; exists {
		r.mu.Unlock()
		return ManagedNode{}, errors.New(errors.ErrNameTaken,
			fmt.Sprintf("node '%s' already exists", name),
			"stop it first, or choose a different name")
	}
	r.generations[name]++
	e := &entry{generation: r.generations[name]}
	r.nodes[name] = e
	r.mu.Unlock()

	spec, err := r.hosts.Spec(hostLabel)
	if err != nil {
		r.removeIfMatches(name, e)
		return ManagedNode{}, err
	}
	client, err := r.hosts.Get(hostLabel)
	if err != nil {
		r.removeIfMatches(name, e)
		return ManagedNode{}, err
	}
	shortHost, err := r.hosts.ShortHost(hostLabel)
	if err != nil {
		r.removeIfMatches(name, e)
		return ManagedNode{}, err
	}

	resolvedCookie := resolveCookie(client, cookie, r.log)
	launchCmd := launchCommand(spec, typ, name, resolvedCookie)

	session, err := client.ExecStream(launchCmd, io.Discard, io.Discard)
	if err != nil {
		r.removeIfMatches(name, e)
		return ManagedNode{}, err
	}

	mn := ManagedNode{
		Name:            name,
		HostLabel:       hostLabel,
		RemoteShortHost: shortHost,
		Type:            typ,
		Cookie:          resolvedCookie,
		StartedAt:       time.Now().UnixMilli(),
		Status:          StatusStarting,
	}

	e.mu.Lock()
	e.node = mn
	e.stream = session
	generation := e.generation
	e.mu.Unlock()

	go r.watchClose(name, generation, session)
	time.AfterFunc(r.probeDelay, func() { r.probe(name, generation) })

	r.log.Info("started node %s (%s) on %s", name, typ, hostLabel)
	return mn, nil
}

// Stop closes name's channel and removes it from the registry. A
// concurrent probe or close callback for this node is invalidated by
// the generation bump, so it becomes a silent no-op.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	e, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	r.mu.Unlock()
	if !ok {
		return unknownNode(name)
	}

	e.mu.Lock()
	e.generation++
	session := e.stream
	e.mu.Unlock()

	if session != nil {
		session.Close()
	}
	r.log.Info("stopped node %s", name)
	return nil
}

// Restart stops name and starts it again with the same host, type,
// and cookie.
func (r *Registry) Restart(name string) (ManagedNode, error) {
	r.mu.Lock()
	e, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return ManagedNode{}, unknownNode(name)
	}

	e.mu.Lock()
	mn := e.node
	e.mu.Unlock()

	if err := r.Stop(name); err != nil {
		return ManagedNode{}, err
	}
	return r.Start(name, mn.Type, mn.Cookie, mn.HostLabel)
}

// Get returns a snapshot of a tracked node.
func (r *Registry) Get(name string) (ManagedNode, error) {
	r.mu.Lock()
	e, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return ManagedNode{}, unknownNode(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node, nil
}

// List returns a snapshot of every tracked node.
func (r *Registry) List() []ManagedNode {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	nodes := make([]ManagedNode, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		nodes = append(nodes, e.node)
		e.mu.Unlock()
	}
	return nodes
}

func (r *Registry) removeIfMatches(name string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.nodes[name]; ok && cur == e {
		delete(r.nodes, name)
	}
	r.mu.Unlock()
}

// watchClose blocks until the node's streamed session ends, then
// reports the closure to the registry under the generation it was
// launched with.
func (r *Registry) watchClose(name string, generation uint64, session sshutil.StreamSession) {
	<-session.Done()
	r.handleClose(name, generation)
}

// handleClose implements invariant 3: a channel close sets status to
// stopped exactly once, and does so by removing the entry entirely so
// a subsequent explicit stop finds nothing and returns NodeUnknown.
func (r *Registry) handleClose(name string, generation uint64) {
	r.mu.Lock()
	e, ok := r.nodes[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.mu.Lock()
	if e.generation != generation {
		e.mu.Unlock()
		r.mu.Unlock()
		return
	}
	e.node.Status = StatusStopped
	e.mu.Unlock()
	delete(r.nodes, name)
	r.mu.Unlock()

	r.log.Info("node %s channel closed", name)
}

// probe resolves a node out of the starting state: running on a
// successful ping, error otherwise. A probe whose generation has
// moved on, or that lands on a node no longer starting, is discarded.
func (r *Registry) probe(name string, generation uint64) {
	r.mu.Lock()
	e, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.generation != generation || e.node.Status != StatusStarting {
		e.mu.Unlock()
		return
	}
	mn := e.node
	e.mu.Unlock()

	pingErr := r.eval.Ping(mn.HostLabel, mn.FQName(), mn.Cookie, rpc.DefaultTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != generation || e.node.Status != StatusStarting {
		return
	}
	if pingErr == nil {
		e.node.Status = StatusRunning
		r.log.Debug("node %s probe succeeded, now running", name)
	} else {
		e.node.Status = StatusError
		r.log.Warn("node %s probe failed: %v", name, pingErr)
	}
}

func resolveCookie(client sshutil.SSHClient, cookie string, log logger.Logger) string {
	if cookie != "" {
		return cookie
	}
	stdout, _, exitCode, err := client.ExecSimple("cat ~/.erlang.cookie", cookieReadTimeout)
	if err == nil && exitCode == 0 {
		if trimmed := strings.TrimSpace(string(stdout)); trimmed != "" {
			return trimmed
		}
	}
	log.Debug("could not read remote ~/.erlang.cookie, using fallback cookie")
	return fallbackCookie
}

func launchCommand(spec config.HostSpec, typ Type, name, cookie string) string {
	if typ == TypeElixir {
		return fmt.Sprintf("%s --sname %s --cookie %s --no-halt", spec.ElixirPath, name, escape.Quote(cookie))
	}
	return fmt.Sprintf("%s -sname %s -setcookie %s -noshell", spec.ErlPath, name, escape.Quote(cookie))
}

func unknownNode(name string) error {
	return errors.New(errors.ErrNodeUnknown,
		fmt.Sprintf("node '%s' does not exist", name),
		"check list-nodes for the current fleet")
}
