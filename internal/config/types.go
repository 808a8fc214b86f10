// Package config loads the control plane's configuration from the
// process environment. There is no config file: every setting is an
// environment variable, per the deployment model of a tool meant to
// run unattended next to whatever is dispatching operations to it.
package config

// HostSpec describes one fleet member resolved from SSH_HOSTS, with
// interpreter paths defaulted and connection settings enriched from
// ~/.ssh/config where the entry itself left them blank.
type HostSpec struct {
	Label        string // the name operations reference this host by
	User         string
	Hostname     string
	Port         string
	IdentityFile string // from ~/.ssh/config, SSH_HOSTS has no syntax for this
	ErlPath      string // defaults to "erl"
	ElixirPath   string // defaults to "elixir"
}

// Config is the fully resolved configuration for one control plane
// process.
type Config struct {
	Port    int
	MCPURL  string
	Hosts   []HostSpec
	SSHKey  []byte // PEM-encoded process-wide private key, may be empty
}

// scalars is the subset of Config that maps directly onto environment
// variables via envconfig; SSH_HOSTS and the two private key
// variables need custom handling and are folded in by Load.
type scalars struct {
	Port             int    `envconfig:"PORT" default:"4369"`
	MCPURL           string `envconfig:"MCP_URL" default:""`
	SSHPrivateKey    string `envconfig:"SSH_PRIVATE_KEY" default:""`
	SSHPrivateKeyB64 string `envconfig:"SSH_PRIVATE_KEY_B64" default:""`
	SSHHosts         string `envconfig:"SSH_HOSTS" default:""`
}
