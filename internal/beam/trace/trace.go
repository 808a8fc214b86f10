// Package trace supervises per-node message-trace polling: once a
// node has tracing turned on, a background ticker asks it for the
// (from, to, count) edges seen since the previous tick and caches the
// latest result for callers to read.
package trace

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/beamctl/internal/beam/node"
	"github.com/relaywire/beamctl/internal/beam/rpc"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/internal/logger"
)

// PollInterval is how often the background poller refreshes a node's
// edge cache.
const PollInterval = 3 * time.Second

// Edge is one observed (from, to) message-send pair and how many
// times it was seen in the most recent poll window.
type Edge struct {
	From  string
	To    string
	Count int
}

// TraceState is the latest known tracing state for one node.
type TraceState struct {
	Active bool
	Edges  []Edge
}

type traceEntry struct {
	mu     sync.Mutex
	active bool
	edges  []Edge
	stop   chan struct{}
}

// Supervisor tracks which nodes have tracing turned on and runs their
// pollers.
type Supervisor struct {
	mu           sync.Mutex
	traces       map[string]*traceEntry
	nodes        *node.Registry
	eval         *rpc.Evaluator
	log          logger.Logger
	pollInterval time.Duration
}

// New builds a Supervisor over the given node registry and RPC
// evaluator.
func New(nodes *node.Registry, eval *rpc.Evaluator, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Noop()
	}
	return &Supervisor{
		traces:       make(map[string]*traceEntry),
		nodes:        nodes,
		eval:         eval,
		log:          log,
		pollInterval: PollInterval,
	}
}

// SetPollInterval overrides the poller's tick interval, mainly for
// tests.
func (s *Supervisor) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Start turns tracing on for name. Calling it again on an already
// traced node is a no-op; the existing poller keeps running.
func (s *Supervisor) Start(name string) error {
	mn, err := s.nodes.Get(name)
	if err != nil {
		return err
	}
	if mn.Status != node.StatusRunning {
		return badState(name)
	}

	s.mu.Lock()
	if _, exists := s.traces[name]; exists {
		s.mu.Unlock()
		return nil
	}
	te := &traceEntry{active: true, stop: make(chan struct{})}
	s.traces[name] = te
	s.mu.Unlock()

	if err := s.eval.StartTrace(mn.HostLabel, mn.FQName(), mn.Cookie, rpc.DefaultTimeout); err != nil {
		s.mu.Lock()
		delete(s.traces, name)
		s.mu.Unlock()
		return err
	}

	go s.pollLoop(name, te, mn)
	s.log.Info("started tracing on node %s", name)
	return nil
}

// Stop turns tracing off for name, tearing down the remote collector
// and clearing the cached edge view.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	te, ok := s.traces[name]
	if ok {
		delete(s.traces, name)
	}
	s.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrNodeUnknown,
			fmt.Sprintf("node '%s' has no active trace", name),
			"call start-trace before stop-trace")
	}
	close(te.stop)

	if mn, err := s.nodes.Get(name); err == nil {
		if err := s.eval.StopTrace(mn.HostLabel, mn.FQName(), mn.Cookie, rpc.DefaultTimeout); err != nil {
			s.log.Warn("failed to unregister trace collector on node %s: %v", name, err)
		}
	}

	s.log.Info("stopped tracing on node %s", name)
	return nil
}

// Poll returns the most recently cached trace state for name. It
// never itself triggers a remote round trip; that happens on the
// poller's own 3s cadence.
func (s *Supervisor) Poll(name string) (TraceState, error) {
	s.mu.Lock()
	te, ok := s.traces[name]
	s.mu.Unlock()
	if !ok {
		return TraceState{}, errors.New(errors.ErrNodeUnknown,
			fmt.Sprintf("node '%s' has no active trace", name),
			"call start-trace before poll-trace")
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	edges := make([]Edge, len(te.edges))
	copy(edges, te.edges)
	return TraceState{Active: te.active, Edges: edges}, nil
}

func (s *Supervisor) pollLoop(name string, te *traceEntry, mn node.ManagedNode) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-te.stop:
			return
		case <-ticker.C:
			raw, err := s.eval.PollTrace(mn.HostLabel, mn.FQName(), mn.Cookie, rpc.DefaultTimeout)
			if err != nil {
				s.log.Warn("trace poll failed for node %s: %v", name, err)
				continue
			}
			te.mu.Lock()
			te.edges = parseEdges(raw)
			te.mu.Unlock()
		}
	}
}

// parseEdges parses the collector's `from|to|count` lines, silently
// dropping malformed ones the way inspect-node drops malformed
// process rows.
func parseEdges(raw string) []Edge {
	var edges []Edge
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 3 {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			continue
		}
		edges = append(edges, Edge{From: fields[0], To: fields[1], Count: count})
	}
	return edges
}

func badState(name string) error {
	return errors.New(errors.ErrNodeBadState,
		fmt.Sprintf("node '%s' is not running", name),
		"start it and wait for it to reach the running state before tracing")
}
