package config

import (
	"encoding/base64"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/relaywire/beamctl/internal/errors"
	"github.com/relaywire/beamctl/pkg/sshutil"
)

const (
	defaultErlPath    = "erl"
	defaultElixirPath = "elixir"
	defaultSSHPort    = "22"
)

// Load reads the process environment into a Config. SSH_HOSTS must
// name at least one host, encoded as a comma-separated list of
// label:user@host[:port[:erlPath[:elixirPath]]] entries; entries that
// don't fit that grammar are skipped rather than failing the whole
// load, since one operator typo in a ten-host fleet shouldn't take the
// other nine down with it.
func Load() (*Config, error) {
	var s scalars
	if err := envconfig.Process("", &s); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfigMissing,
			"failed to read configuration from the environment",
			"check PORT, MCP_URL, and SSH_HOSTS are set correctly")
	}

	key, err := resolvePrivateKey(s.SSHPrivateKey, s.SSHPrivateKeyB64)
	if err != nil {
		return nil, err
	}

	hosts := parseHosts(s.SSHHosts)
	if len(hosts) == 0 {
		return nil, errors.New(errors.ErrConfigMissing,
			"no valid hosts configured",
			"set SSH_HOSTS to a comma-separated list of label:user@host entries")
	}

	for i := range hosts {
		enrichFromSSHConfig(&hosts[i])
	}

	return &Config{
		Port:   s.Port,
		MCPURL: s.MCPURL,
		Hosts:  hosts,
		SSHKey: key,
	}, nil
}

func resolvePrivateKey(raw, b64 string) ([]byte, error) {
	if b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfigMissing,
				"SSH_PRIVATE_KEY_B64 is not valid base64",
				"re-encode the key with base64 -w0")
		}
		return decoded, nil
	}
	if raw != "" {
		return []byte(raw), nil
	}
	return nil, nil
}

// parseHosts parses the SSH_HOSTS grammar:
//
//	label:user@host[:port[:erlPath[:elixirPath]]]
//
// separated by commas. Malformed entries are skipped, not fatal.
func parseHosts(raw string) []HostSpec {
	var hosts []HostSpec

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		spec, ok := parseHostEntry(entry)
		if !ok {
			continue
		}
		hosts = append(hosts, spec)
	}

	return hosts
}

func parseHostEntry(entry string) (HostSpec, bool) {
	labelSplit := strings.SplitN(entry, ":", 2)
	if len(labelSplit) != 2 {
		return HostSpec{}, false
	}
	label := strings.TrimSpace(labelSplit[0])
	rest := labelSplit[1]

	atSplit := strings.SplitN(rest, "@", 2)
	if len(atSplit) != 2 {
		return HostSpec{}, false
	}
	user := strings.TrimSpace(atSplit[0])
	rest = atSplit[1]

	if label == "" || user == "" {
		return HostSpec{}, false
	}

	fields := strings.Split(rest, ":")
	if fields[0] == "" {
		return HostSpec{}, false
	}

	spec := HostSpec{
		Label:      label,
		User:       user,
		Hostname:   fields[0],
		Port:       defaultSSHPort,
		ErlPath:    defaultErlPath,
		ElixirPath: defaultElixirPath,
	}

	if len(fields) > 1 && fields[1] != "" {
		spec.Port = fields[1]
	}
	if len(fields) > 2 && fields[2] != "" {
		spec.ErlPath = fields[2]
	}
	if len(fields) > 3 && fields[3] != "" {
		spec.ElixirPath = fields[3]
	}

	return spec, true
}

// enrichFromSSHConfig fills in settings from a same-named Host block
// in ~/.ssh/config: the port when the entry's port is 22 (given or
// defaulted), the hostname when the entry's hostname equals its label,
// and the identity file always. The user always comes from SSH_HOSTS.
func enrichFromSSHConfig(spec *HostSpec) {
	entry := sshutil.LookupSSHConfig(spec.Label)

	if spec.Port == defaultSSHPort && entry.Port != "" {
		spec.Port = entry.Port
	}
	if entry.Hostname != "" && spec.Hostname == spec.Label {
		spec.Hostname = entry.Hostname
	}
	spec.IdentityFile = entry.IdentityFile
}
