package cli

import (
	"github.com/spf13/cobra"

	"github.com/relaywire/beamctl/internal/beam/core"
	"github.com/relaywire/beamctl/internal/beam/node"
)

var (
	startNodeName   string
	startNodeType   string
	startNodeCookie string
	startNodeHost   string
)

var startNodeCmd = &cobra.Command{
	Use:   "start-node",
	Short: "Launch a fresh named BEAM node on a host",
	RunE: func(cmd *cobra.Command, args []string) error {
		mn, err := beamCore.Lifecycle.StartNode(startNodeName, node.Type(startNodeType), startNodeCookie, startNodeHost)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("node "+mn.FQName()+" is starting", mn))
	},
}

var stopNodeName string

var stopNodeCmd = &cobra.Command{
	Use:   "stop-node",
	Short: "Stop a managed node and remove it from the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := beamCore.Lifecycle.StopNode(stopNodeName); err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("node "+stopNodeName+" stopped", nil))
	},
}

var restartNodeName string

var restartNodeCmd = &cobra.Command{
	Use:   "restart-node",
	Short: "Stop and re-start a node with its prior configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mn, err := beamCore.Lifecycle.RestartNode(restartNodeName)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("node "+mn.FQName()+" is restarting", mn))
	},
}

var listNodesCmd = &cobra.Command{
	Use:   "list-nodes",
	Short: "List every tracked node and its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := beamCore.Lifecycle.ListNodes()
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("ok", summaries))
	},
}

var inspectNodeName string

var inspectNodeCmd = &cobra.Command{
	Use:   "inspect-node",
	Short: "List registered processes on a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		inspection, err := beamCore.Lifecycle.InspectNode(inspectNodeName)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("ok", inspection))
	},
}

var (
	deployModuleName     string
	deployModuleCode     string
	deployModuleLanguage string
)

var deployModuleCmd = &cobra.Command{
	Use:   "deploy-module",
	Short: "Compile and hot-load a source module on a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := beamCore.Lifecycle.DeployModule(deployModuleName, deployModuleCode, deployModuleLanguage)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok(out, nil))
	},
}

var (
	startGenServerName       string
	startGenServerModule     string
	startGenServerArgs       string
	startGenServerRegisterAs string
)

var startGenServerCmd = &cobra.Command{
	Use:   "start-genserver",
	Short: "Start a gen_server process on a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := beamCore.Lifecycle.StartGenServer(startGenServerName, startGenServerModule, startGenServerArgs, startGenServerRegisterAs)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok(out, nil))
	},
}

var (
	callGenServerName    string
	callGenServerServer  string
	callGenServerMessage string
	callGenServerTimeout int
)

var callGenServerCmd = &cobra.Command{
	Use:   "call-genserver",
	Short: "Issue a synchronous gen_server:call",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := beamCore.Lifecycle.CallGenServer(callGenServerName, callGenServerServer, callGenServerMessage, callGenServerTimeout)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok(out, nil))
	},
}

var (
	stopGenServerName   string
	stopGenServerServer string
)

var stopGenServerCmd = &cobra.Command{
	Use:   "stop-genserver",
	Short: "Stop a gen_server process on a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := beamCore.Lifecycle.StopGenServer(stopGenServerName, stopGenServerServer)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok(out, nil))
	},
}

var startTraceName string

var startTraceCmd = &cobra.Command{
	Use:   "start-trace",
	Short: "Turn on message tracing for a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := beamCore.Lifecycle.StartTrace(startTraceName); err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("tracing started on "+startTraceName, nil))
	},
}

var stopTraceName string

var stopTraceCmd = &cobra.Command{
	Use:   "stop-trace",
	Short: "Turn off message tracing for a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := beamCore.Lifecycle.StopTrace(stopTraceName); err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("tracing stopped on "+stopTraceName, nil))
	},
}

var pollTraceName string

var pollTraceCmd = &cobra.Command{
	Use:   "poll-trace",
	Short: "Read the latest message-trace edges for a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := beamCore.Lifecycle.PollTrace(pollTraceName)
		if err != nil {
			return printResult(core.Fail(err))
		}
		return printResult(core.Ok("ok", view))
	},
}

func init() {
	startNodeCmd.Flags().StringVar(&startNodeName, "name", "", "short name for the new node")
	startNodeCmd.Flags().StringVar(&startNodeType, "type", "erlang", "erlang or elixir")
	startNodeCmd.Flags().StringVar(&startNodeCookie, "cookie", "", "distribution cookie (defaults to the remote ~/.erlang.cookie)")
	startNodeCmd.Flags().StringVar(&startNodeHost, "host", "", "configured host label to launch on (defaults to the sole configured host)")
	startNodeCmd.MarkFlagRequired("name")

	stopNodeCmd.Flags().StringVar(&stopNodeName, "name", "", "node to stop")
	stopNodeCmd.MarkFlagRequired("name")

	restartNodeCmd.Flags().StringVar(&restartNodeName, "name", "", "node to restart")
	restartNodeCmd.MarkFlagRequired("name")

	inspectNodeCmd.Flags().StringVar(&inspectNodeName, "name", "", "node to inspect")
	inspectNodeCmd.MarkFlagRequired("name")

	deployModuleCmd.Flags().StringVar(&deployModuleName, "name", "", "target node")
	deployModuleCmd.Flags().StringVar(&deployModuleCode, "code", "", "module source text")
	deployModuleCmd.Flags().StringVar(&deployModuleLanguage, "language", "erlang", "erlang or elixir")
	deployModuleCmd.MarkFlagRequired("name")
	deployModuleCmd.MarkFlagRequired("code")

	startGenServerCmd.Flags().StringVar(&startGenServerName, "name", "", "target node")
	startGenServerCmd.Flags().StringVar(&startGenServerModule, "module", "", "gen_server callback module (atom)")
	startGenServerCmd.Flags().StringVar(&startGenServerArgs, "args", "[]", "Erlang term source for the init argument")
	startGenServerCmd.Flags().StringVar(&startGenServerRegisterAs, "register-as", "", "optional local registration name (atom)")
	startGenServerCmd.MarkFlagRequired("name")
	startGenServerCmd.MarkFlagRequired("module")

	callGenServerCmd.Flags().StringVar(&callGenServerName, "name", "", "target node")
	callGenServerCmd.Flags().StringVar(&callGenServerServer, "server", "", "registered gen_server name (atom)")
	callGenServerCmd.Flags().StringVar(&callGenServerMessage, "message", "", "Erlang term source for the call message")
	callGenServerCmd.Flags().IntVar(&callGenServerTimeout, "timeout", 5000, "call timeout in ms, 1-60000")
	callGenServerCmd.MarkFlagRequired("name")
	callGenServerCmd.MarkFlagRequired("server")
	callGenServerCmd.MarkFlagRequired("message")

	stopGenServerCmd.Flags().StringVar(&stopGenServerName, "name", "", "target node")
	stopGenServerCmd.Flags().StringVar(&stopGenServerServer, "server", "", "registered gen_server name (atom)")
	stopGenServerCmd.MarkFlagRequired("name")
	stopGenServerCmd.MarkFlagRequired("server")

	startTraceCmd.Flags().StringVar(&startTraceName, "name", "", "target node")
	startTraceCmd.MarkFlagRequired("name")

	stopTraceCmd.Flags().StringVar(&stopTraceName, "name", "", "target node")
	stopTraceCmd.MarkFlagRequired("name")

	pollTraceCmd.Flags().StringVar(&pollTraceName, "name", "", "target node")
	pollTraceCmd.MarkFlagRequired("name")
}
