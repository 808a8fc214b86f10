// Package core assembles the host, RPC, node, and trace layers into a
// single value the operation surface is built on, and owns graceful
// shutdown.
package core

import (
	"encoding/json"

	"github.com/relaywire/beamctl/internal/beam/host"
	"github.com/relaywire/beamctl/internal/beam/lifecycle"
	"github.com/relaywire/beamctl/internal/beam/node"
	"github.com/relaywire/beamctl/internal/beam/rpc"
	"github.com/relaywire/beamctl/internal/beam/trace"
	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/logger"
	"github.com/relaywire/beamctl/pkg/sshutil"
)

// Result is the discriminated `{ok: Text} | {err: Reason}` shape
// every operation returns, with an optional structured View for
// widget consumers.
type Result struct {
	OK   bool
	Text string
	View any
	Err  error
}

// Ok builds a successful Result, view may be nil.
func Ok(text string, view any) Result {
	return Result{OK: true, Text: text, View: view}
}

// Fail builds a failed Result from err.
func Fail(err error) Result {
	return Result{OK: false, Err: err}
}

// MarshalJSON renders {"ok": Text, "view": ...} or {"err": Reason},
// matching the operation surface's OperationResult shape.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK {
		return json.Marshal(struct {
			OK   string `json:"ok"`
			View any    `json:"view,omitempty"`
		}{OK: r.Text, View: r.View})
	}
	reason := ""
	if r.Err != nil {
		reason = r.Err.Error()
	}
	return json.Marshal(struct {
		Err string `json:"err"`
	}{Err: reason})
}

// Core owns every long-lived component and is the receiver the
// operation surface (internal/cli) calls into.
type Core struct {
	Lifecycle *lifecycle.Lifecycle

	hosts *host.Registry
	nodes *node.Registry
	trace *trace.Supervisor
	log   logger.Logger
}

// New wires up a Core from resolved configuration.
func New(cfg *config.Config, log logger.Logger) *Core {
	if log == nil {
		log = logger.Default()
	}

	hosts := host.New(cfg.Hosts, cfg.SSHKey, log)
	eval := rpc.New(hosts, log)
	nodes := node.New(hosts, eval, log)
	tr := trace.New(nodes, eval, log)
	lc := lifecycle.New(hosts, nodes, eval, tr, len(cfg.SSHKey) > 0, log)

	return &Core{
		Lifecycle: lc,
		hosts:     hosts,
		nodes:     nodes,
		trace:     tr,
		log:       log,
	}
}

// Shutdown implements the Shutdown Coordinator: close every managed
// node's channel (best-effort, individual failures logged and
// ignored), then end every cached SSH client and the shared agent
// connection. No attempt is made to cleanly stop the remote BEAMs via
// RPC; closing the streamed channel is what terminates them.
func (c *Core) Shutdown() {
	for _, mn := range c.nodes.List() {
		if err := c.nodes.Stop(mn.Name); err != nil {
			c.log.Warn("shutdown: failed to close node %s: %v", mn.Name, err)
		}
	}

	c.hosts.CloseAll()
	sshutil.CloseAgent()

	c.log.Info("shutdown complete")
}
