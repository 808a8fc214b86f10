package sshutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// ConfigEntry holds whatever ~/.ssh/config knows about a host alias.
// Any field left empty means the config had nothing to say about it;
// callers fall back to their own defaults.
type ConfigEntry struct {
	Hostname     string
	Port         string
	User         string
	IdentityFile string
}

// LookupSSHConfig enriches a host alias from the user's default
// ~/.ssh/config. Used by internal/config to fill in the port, hostname
// and identity file of SSH_HOSTS entries.
func LookupSSHConfig(alias string) ConfigEntry {
	return LookupSSHConfigFile(filepath.Join(homeDir(), ".ssh", "config"), alias)
}

// LookupSSHConfigFile is LookupSSHConfig against an explicit config
// path, split out for testing. A missing or unparseable file is not
// an error: enrichment is best-effort, never a hard dependency.
func LookupSSHConfigFile(configPath, alias string) ConfigEntry {
	var entry ConfigEntry

	content, _, err := preprocessSSHConfig(configPath)
	if err != nil {
		return entry
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return entry
	}

	if hostname, _ := cfg.Get(alias, "HostName"); hostname != "" {
		entry.Hostname = hostname
	}
	if port, _ := cfg.Get(alias, "Port"); port != "" {
		entry.Port = port
	}
	if user, _ := cfg.Get(alias, "User"); user != "" {
		entry.User = user
	}
	if identity, _ := cfg.Get(alias, "IdentityFile"); identity != "" {
		entry.IdentityFile = expandPath(identity)
	}

	return entry
}

// preprocessSSHConfig reads the SSH config and returns content up to
// the first Match directive, which kevinburke/ssh_config can't parse.
// Also returns the 1-indexed line the Match directive started at, 0 if
// none was found.
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
