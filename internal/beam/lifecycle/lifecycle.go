// Package lifecycle composes the host registry, RPC evaluator, node
// registry, and trace supervisor into the operation surface an outer
// tool-dispatch framework calls: start/stop/restart/list/inspect a
// node, deploy a module, drive gen_server processes, and control
// message tracing.
package lifecycle

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaywire/beamctl/internal/beam/escape"
	"github.com/relaywire/beamctl/internal/beam/host"
	"github.com/relaywire/beamctl/internal/beam/node"
	"github.com/relaywire/beamctl/internal/beam/rpc"
	"github.com/relaywire/beamctl/internal/beam/trace"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/internal/logger"
	"github.com/relaywire/beamctl/internal/view"
)

const (
	minCallTimeout = 1
	maxCallTimeout = 60000
	defaultCallMs  = 5000
)

// Lifecycle is the operation surface. Every method preconditions on
// configuration (a key and at least one host) and, where the
// operation targets a running node, on that node's existence and
// status.
type Lifecycle struct {
	hosts  *host.Registry
	nodes  *node.Registry
	eval   *rpc.Evaluator
	trace  *trace.Supervisor
	hasKey bool
	log    logger.Logger
}

// New builds a Lifecycle over its component registries. hasKey
// reflects whether a process-wide SSH private key was resolved at
// startup.
func New(hosts *host.Registry, nodes *node.Registry, eval *rpc.Evaluator, tr *trace.Supervisor, hasKey bool, log logger.Logger) *Lifecycle {
	if log == nil {
		log = logger.Noop()
	}
	return &Lifecycle{hosts: hosts, nodes: nodes, eval: eval, trace: tr, hasKey: hasKey, log: log}
}

func (l *Lifecycle) configGuard() error {
	if !l.hasKey {
		return errors.New(errors.ErrConfigMissing,
			"no SSH private key configured",
			"set SSH_PRIVATE_KEY or SSH_PRIVATE_KEY_B64")
	}
	if len(l.hosts.Labels()) == 0 {
		return errors.New(errors.ErrConfigMissing,
			"no hosts configured",
			"set SSH_HOSTS to at least one label:user@host entry")
	}
	return nil
}

func (l *Lifecycle) requireRunning(name string) (node.ManagedNode, error) {
	mn, err := l.nodes.Get(name)
	if err != nil {
		return node.ManagedNode{}, err
	}
	if mn.Status != node.StatusRunning {
		return node.ManagedNode{}, errors.New(errors.ErrNodeBadState,
			fmt.Sprintf("node '%s' is %s, not running", name, mn.Status),
			"wait for the node to finish starting, or check list-nodes for its status")
	}
	return mn, nil
}

// StartNode launches a fresh node under name on hostLabel. hostLabel
// may be empty, in which case it defaults to the sole configured host;
// with more than one host configured, omitting it is ambiguous and
// fails with ErrUnknownHost.
func (l *Lifecycle) StartNode(name string, typ node.Type, cookie, hostLabel string) (node.ManagedNode, error) {
	if err := l.configGuard(); err != nil {
		return node.ManagedNode{}, err
	}
	if hostLabel == "" {
		resolved, err := l.hosts.SoleLabel()
		if err != nil {
			return node.ManagedNode{}, err
		}
		hostLabel = resolved
	}
	return l.nodes.Start(name, typ, cookie, hostLabel)
}

// StopNode closes name's channel and removes it from the registry.
func (l *Lifecycle) StopNode(name string) error {
	if err := l.configGuard(); err != nil {
		return err
	}
	return l.nodes.Stop(name)
}

// RestartNode stops and re-starts name with its prior configuration.
func (l *Lifecycle) RestartNode(name string) (node.ManagedNode, error) {
	if err := l.configGuard(); err != nil {
		return node.ManagedNode{}, err
	}
	return l.nodes.Restart(name)
}

// ListNodes returns a summary of every tracked node, querying process
// counts for the ones currently running. A count that fails to
// resolve is left null; it never flips the node's status, since a
// single transient RPC failure isn't authoritative about liveness.
func (l *Lifecycle) ListNodes() ([]view.NodeSummary, error) {
	if err := l.configGuard(); err != nil {
		return nil, err
	}

	nodes := l.nodes.List()
	summaries := make([]view.NodeSummary, 0, len(nodes))
	for _, mn := range nodes {
		s := view.NodeSummary{
			Name:      mn.Name,
			Type:      string(mn.Type),
			Status:    string(mn.Status),
			StartedAt: mn.StartedAt,
		}
		if mn.Status == node.StatusRunning {
			if out, err := l.eval.RpcPrinted(mn.HostLabel, mn.FQName(), mn.Cookie, "erlang:system_info(process_count)", rpc.DefaultTimeout); err == nil {
				if n, convErr := strconv.Atoi(strings.TrimSpace(out)); convErr == nil {
					s.ProcessCount = &n
				}
			} else {
				l.log.Warn("process count query failed for node %s: %v", mn.Name, err)
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

const inspectExpr = `io:format("~s", [lists:flatten([io_lib:format("~s|~p|~p|~p|~p:~p/~p~n", [N, S, Q, M, Mo, Fu, Ar]) ||
	N <- erlang:registered(),
	P <- [whereis(N)], P =/= undefined,
	{status, S} <- [process_info(P, status)],
	{message_queue_len, Q} <- [process_info(P, message_queue_len)],
	{memory, M} <- [process_info(P, memory)],
	{current_function, {Mo, Fu, Ar}} <- [process_info(P, current_function)]])])`

// InspectNode returns per-process detail for every registered process
// on a running node, parsed from pipe-delimited lines the remote fold
// prints; malformed lines are silently dropped.
func (l *Lifecycle) InspectNode(name string) (view.NodeInspection, error) {
	if err := l.configGuard(); err != nil {
		return view.NodeInspection{}, err
	}
	mn, err := l.requireRunning(name)
	if err != nil {
		return view.NodeInspection{}, err
	}

	out, err := l.eval.RpcRaw(mn.HostLabel, mn.FQName(), mn.Cookie, inspectExpr, rpc.DefaultTimeout)
	if err != nil {
		return view.NodeInspection{}, err
	}

	return view.NodeInspection{
		NodeName:  mn.Name,
		NodeType:  string(mn.Type),
		Uptime:    time.Now().UnixMilli() - mn.StartedAt,
		Processes: parseProcesses(out),
	}, nil
}

func parseProcesses(raw string) []view.ProcessInfo {
	var procs []view.ProcessInfo
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 5 {
			continue
		}
		queueLen, err1 := strconv.Atoi(fields[2])
		memory, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			continue
		}
		procs = append(procs, view.ProcessInfo{
			Name:            fields[0],
			Status:          fields[1],
			MessageQueueLen: queueLen,
			Memory:          memory,
			CurrentFunction: fields[4],
		})
	}
	return procs
}

// DeployModule uploads code via a base64 round trip to a
// /tmp/mcp_deploy_<ts>.<ext> temp file, compiles and hot-loads it,
// and always deletes the temp file regardless of compile outcome.
func (l *Lifecycle) DeployModule(name, code, language string) (string, error) {
	if err := l.configGuard(); err != nil {
		return "", err
	}
	mn, err := l.requireRunning(name)
	if err != nil {
		return "", err
	}

	client, err := l.hosts.Get(mn.HostLabel)
	if err != nil {
		return "", err
	}

	ext := ".erl"
	if language == "elixir" {
		ext = ".ex"
	}
	tmpPath := fmt.Sprintf("/tmp/mcp_deploy_%d%s", time.Now().UnixMilli(), ext)
	b64 := base64.StdEncoding.EncodeToString([]byte(code))

	writeCmd := fmt.Sprintf("printf %s | base64 -d > %s", escape.Quote(b64), escape.Quote(tmpPath))
	if _, stderr, exitCode, execErr := client.ExecSimple(writeCmd, rpc.DefaultTimeout); execErr != nil || exitCode != 0 {
		return "", errors.New(errors.ErrSSHSpawn,
			fmt.Sprintf("failed to write module source to the remote host: %s", strings.TrimSpace(string(stderr))),
			"check disk space and permissions on /tmp")
	}
	defer client.ExecSimple(fmt.Sprintf("rm -f %s", escape.Quote(tmpPath)), 5*time.Second)

	compileExpr := erlangCompileExpr(tmpPath)
	if language == "elixir" {
		compileExpr = elixirCompileExpr(tmpPath)
	}

	return l.eval.RpcRaw(mn.HostLabel, mn.FQName(), mn.Cookie, compileExpr, rpc.DefaultTimeout)
}

func erlangCompileExpr(path string) string {
	quoted := escape.Quote(path)
	return fmt.Sprintf(`case compile:file(%s, [binary, return_errors]) of
	{ok, Mod, Bin} -> code:load_binary(Mod, %s, Bin), io:format("~p", [{ok, Mod}]);
	Error -> io:format("~p", [Error])
end`, quoted, quoted)
}

func elixirCompileExpr(path string) string {
	// Code.compile_file/1 wants a binary path, not an Erlang atom, so
	// the path is spliced in as a string literal and converted rather
	// than reusing the shell-quoting helper (which produces an atom).
	pathTerm := fmt.Sprintf("list_to_binary(%q)", path)
	return fmt.Sprintf(`try
	Result = 'Elixir.Code':compile_file(%s),
	io:format("~p", [{ok, Result}])
catch
	Class:Reason -> io:format("~p", [{error, {Class, Reason}}])
end`, pathTerm)
}

// StartGenServer starts a gen_server on name with `start`, not
// `start_link`, so the bootstrap's own exit never propagates to it.
func (l *Lifecycle) StartGenServer(name, module, args, registerAs string) (string, error) {
	if err := l.configGuard(); err != nil {
		return "", err
	}
	mn, err := l.requireRunning(name)
	if err != nil {
		return "", err
	}
	if err := escape.ValidateAtom(module); err != nil {
		return "", err
	}
	if registerAs != "" {
		if err := escape.ValidateAtom(registerAs); err != nil {
			return "", err
		}
	}
	if args == "" {
		args = "[]"
	}

	var expr string
	if registerAs != "" {
		expr = fmt.Sprintf(`io:format("~p", [gen_server:start({local, %s}, %s, %s, [])])`, registerAs, module, args)
	} else {
		expr = fmt.Sprintf(`io:format("~p", [gen_server:start(%s, %s, [])])`, module, args)
	}
	return l.eval.RpcRaw(mn.HostLabel, mn.FQName(), mn.Cookie, expr, rpc.DefaultTimeout)
}

// CallGenServer issues a synchronous gen_server:call. The outer SSH
// timeout is padded past the callee's own timeout so the transport
// never cuts the RPC off before the callee's timeout fires.
func (l *Lifecycle) CallGenServer(name, server, message string, timeoutMs int) (string, error) {
	if err := l.configGuard(); err != nil {
		return "", err
	}
	mn, err := l.requireRunning(name)
	if err != nil {
		return "", err
	}
	if err := escape.ValidateAtom(server); err != nil {
		return "", err
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultCallMs
	}
	if timeoutMs < minCallTimeout || timeoutMs > maxCallTimeout {
		return "", errors.New(errors.ErrRemoteEval,
			fmt.Sprintf("call-genserver timeout must be within [%d, %d] ms", minCallTimeout, maxCallTimeout),
			"pass a timeout in that range")
	}

	expr := fmt.Sprintf(`io:format("~p", [gen_server:call(%s, %s, %d)])`, server, message, timeoutMs)
	sshTimeout := time.Duration(timeoutMs)*time.Millisecond + 5*time.Second
	if sshTimeout < rpc.DefaultTimeout {
		sshTimeout = rpc.DefaultTimeout
	}
	return l.eval.RpcRaw(mn.HostLabel, mn.FQName(), mn.Cookie, expr, sshTimeout)
}

// StopGenServer issues a normal gen_server:stop with a 5s grace
// period.
func (l *Lifecycle) StopGenServer(name, server string) (string, error) {
	if err := l.configGuard(); err != nil {
		return "", err
	}
	mn, err := l.requireRunning(name)
	if err != nil {
		return "", err
	}
	if err := escape.ValidateAtom(server); err != nil {
		return "", err
	}

	expr := fmt.Sprintf(`io:format("~p", [gen_server:stop(%s, normal, 5000)])`, server)
	return l.eval.RpcRaw(mn.HostLabel, mn.FQName(), mn.Cookie, expr, rpc.DefaultTimeout)
}

// StartTrace turns on message tracing for a running node.
func (l *Lifecycle) StartTrace(name string) error {
	if err := l.configGuard(); err != nil {
		return err
	}
	return l.trace.Start(name)
}

// StopTrace turns off message tracing for name.
func (l *Lifecycle) StopTrace(name string) error {
	if err := l.configGuard(); err != nil {
		return err
	}
	return l.trace.Stop(name)
}

// PollTrace returns the latest cached trace edges for name.
func (l *Lifecycle) PollTrace(name string) (view.TraceView, error) {
	if err := l.configGuard(); err != nil {
		return view.TraceView{}, err
	}
	state, err := l.trace.Poll(name)
	if err != nil {
		return view.TraceView{}, err
	}

	edges := make([]view.TraceEdge, len(state.Edges))
	for i, e := range state.Edges {
		edges[i] = view.TraceEdge{From: e.From, To: e.To, Count: e.Count}
	}
	return view.TraceView{Active: state.Active, Edges: edges}, nil
}
