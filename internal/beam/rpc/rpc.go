// Package rpc synthesizes and runs the ephemeral "bootstrap node"
// evaluations that let a control-plane with no BEAM runtime of its
// own reach into a managed node: connect over BEAM distribution, run
// one call, print the result, exit.
package rpc

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaywire/beamctl/internal/beam/escape"
	"github.com/relaywire/beamctl/internal/beam/host"
	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/internal/logger"
)

const (
	// PrefixEval names bootstraps spawned for lifecycle evaluations.
	PrefixEval = "mcptmp_"
	// PrefixProbe names bootstraps spawned purely to probe liveness.
	PrefixProbe = "mcpchk_"

	nodeUnreachableSentinel = "error:node_unreachable"

	// DefaultTimeout matches the SSH transport's own default so a
	// caller that doesn't override it gets one consistent number.
	DefaultTimeout = 10 * time.Second

	shortNameRandChars = "abcdefghijklmnopqrstuvwxyz0123456789"
	shortNameRandLen   = 6
)

// Evaluator runs bootstrap evaluations against managed nodes over the
// shared host registry's connections.
type Evaluator struct {
	hosts *host.Registry
	log   logger.Logger
}

// New builds an Evaluator over the given host registry.
func New(hosts *host.Registry, log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Noop()
	}
	return &Evaluator{hosts: hosts, log: log}
}

// GenerateShortName builds a unique bootstrap node name of the form
// `<prefix><ms-epoch>_<6-random-base36>`.
func GenerateShortName(prefix string) string {
	buf := make([]byte, shortNameRandLen)
	for i := range buf {
		buf[i] = shortNameRandChars[rand.Intn(len(shortNameRandChars))]
	}
	return fmt.Sprintf("%s%d_%s", prefix, time.Now().UnixMilli(), string(buf))
}

// RpcPrinted evaluates expr on target and returns its pretty-printed
// textual representation.
func (e *Evaluator) RpcPrinted(hostLabel, target, cookie, expr string, timeout time.Duration) (string, error) {
	return e.eval(hostLabel, target, cookie, expr, timeout, true)
}

// RpcRaw fires a side-effectful expr and returns whatever the
// bootstrap printed; used when expr controls its own output
// formatting (gen_server calls, deploy results, and the like).
func (e *Evaluator) RpcRaw(hostLabel, target, cookie, expr string, timeout time.Duration) (string, error) {
	return e.eval(hostLabel, target, cookie, expr, timeout, false)
}

func (e *Evaluator) eval(hostLabel, target, cookie, expr string, timeout time.Duration, printed bool) (string, error) {
	spec, err := e.hosts.Spec(hostLabel)
	if err != nil {
		return "", err
	}
	client, err := e.hosts.Get(hostLabel)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	bootName := GenerateShortName(PrefixEval)
	cmd := buildBootstrapCommand(spec, bootName, target, cookie, expr, printed)

	e.log.Debug("evaluating on %s via bootstrap %s: %s", target, bootName, expr)
	stdout, stderr, exitCode, err := client.ExecSimple(cmd, timeout)
	if err != nil {
		return "", err
	}

	out := strings.TrimSpace(string(stdout))
	if strings.Contains(out, nodeUnreachableSentinel) {
		return "", errors.New(errors.ErrNodeUnreachable,
			fmt.Sprintf("target node %s did not respond to ping", target),
			"check the node is running and its cookie matches")
	}
	if exitCode != 0 {
		return "", errors.New(errors.ErrRemoteEval,
			fmt.Sprintf("remote evaluation exited %d: %s", exitCode, firstNonEmptyLine(out, string(stderr))),
			"check the evaluated expression for errors")
	}

	return out, nil
}

// Ping runs a bare net_adm:ping probe against target without invoking
// rpc:call, used by the node registry's start-probe.
func (e *Evaluator) Ping(hostLabel, target, cookie string, timeout time.Duration) error {
	spec, err := e.hosts.Spec(hostLabel)
	if err != nil {
		return err
	}
	client, err := e.hosts.Get(hostLabel)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	bootName := GenerateShortName(PrefixProbe)
	body := fmt.Sprintf(`case net_adm:ping(%s) of pong -> io:format("pong"); pang -> io:format("%s") end.`,
		target, nodeUnreachableSentinel)
	cmd := launcherCommand(spec, bootName, cookie, body)

	stdout, _, exitCode, err := client.ExecSimple(cmd, timeout)
	if err != nil {
		return err
	}
	out := strings.TrimSpace(string(stdout))
	if exitCode != 0 || strings.Contains(out, nodeUnreachableSentinel) || !strings.Contains(out, "pong") {
		return errors.New(errors.ErrNodeUnreachable,
			fmt.Sprintf("target node %s did not respond to ping", target),
			"the node may still be starting or may have crashed")
	}
	return nil
}

func buildBootstrapCommand(spec config.HostSpec, bootName, target, cookie, expr string, printed bool) string {
	formatCall := fmt.Sprintf(`R = rpc:call(%s, erlang, apply, [fun() -> %s end, []]), io:format("~p", [R])`, target, expr)
	if !printed {
		formatCall = fmt.Sprintf(`rpc:call(%s, erlang, apply, [fun() -> %s end, []])`, target, expr)
	}

	body := fmt.Sprintf(`case net_adm:ping(%s) of pang -> io:format("%s"); pong -> %s end.`,
		target, nodeUnreachableSentinel, formatCall)

	return launcherCommand(spec, bootName, cookie, body)
}

// launcherCommand wraps an -eval body in the erl launcher invocation
// shared by every bootstrap, PATH-prefixed so an absolute erlPath
// still leaves erl's own sibling tools (epmd, etc.) reachable.
func launcherCommand(spec config.HostSpec, bootName, cookie, body string) string {
	pathPrefix := ""
	if strings.Contains(spec.ErlPath, "/") {
		pathPrefix = fmt.Sprintf("PATH=%s:$PATH ", filepath.Dir(spec.ErlPath))
	}

	return fmt.Sprintf("%s%s -noshell -sname %s -setcookie %s -eval %s -s init stop",
		pathPrefix, spec.ErlPath, bootName, escape.Quote(cookie), escape.Quote(body))
}

const traceCollectorName = "beamctl_trace_collector"

// registerTraceExpr spawns a named collector process that tallies
// send-event traces by (from, to) pid pair, resolving each pid to its
// registered name where one exists, and turns on message-send tracing
// for the whole node with that collector as the tracer.
const registerTraceExpr = `
Regname = fun(P) -> case process_info(P, registered_name) of {registered_name, N} -> N; _ -> P end end,
Collector = spawn(fun() ->
	Loop = fun Loop(Tally) ->
		receive
			{trace, From, send, _Msg, To} ->
				Key = {Regname(From), Regname(To)},
				Loop(maps:update_with(Key, fun(C) -> C + 1 end, 1, Tally));
			{dump, Caller} ->
				Caller ! {tally, Tally},
				Loop(#{})
		end
	end,
	Loop(#{})
end),
register(` + traceCollectorName + `, Collector),
erlang:trace(all, true, [send, {tracer, Collector}]),
ok`

// drainTraceExpr asks the collector for its accumulated tally since
// the last drain and prints it as pipe-delimited `from|to|count`
// lines, clearing the tally as a side effect so the next poll reports
// only the delta since this one.
const drainTraceExpr = `
` + traceCollectorName + ` ! {dump, self()},
receive
	{tally, Tally} ->
		io:format("~s", [lists:flatten([io_lib:format("~p|~p|~p~n", [F, T, C]) || {{F, T}, C} <- maps:to_list(Tally)])])
after 2000 ->
	ok
end`

const unregisterTraceExpr = `
erlang:trace(all, false, []),
case whereis(` + traceCollectorName + `) of
	undefined -> ok;
	Pid -> unregister(` + traceCollectorName + `), exit(Pid, kill), ok
end`

// StartTrace registers the message-trace collector on target.
func (e *Evaluator) StartTrace(hostLabel, target, cookie string, timeout time.Duration) error {
	_, err := e.RpcRaw(hostLabel, target, cookie, registerTraceExpr, timeout)
	return err
}

// PollTrace drains the collector's tally since the previous call and
// returns it as raw pipe-delimited lines for the trace supervisor to
// parse.
func (e *Evaluator) PollTrace(hostLabel, target, cookie string, timeout time.Duration) (string, error) {
	return e.RpcRaw(hostLabel, target, cookie, drainTraceExpr, timeout)
}

// StopTrace turns off tracing and tears down the collector process.
func (e *Evaluator) StopTrace(hostLabel, target, cookie string, timeout time.Duration) error {
	_, err := e.RpcRaw(hostLabel, target, cookie, unregisterTraceExpr, timeout)
	return err
}

func firstNonEmptyLine(candidates ...string) string {
	for _, c := range candidates {
		for _, line := range strings.Split(c, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				return trimmed
			}
		}
	}
	return "unknown error"
}
