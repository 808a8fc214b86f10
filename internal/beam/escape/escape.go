// Package escape provides the two pieces of string handling every
// other beam package needs before it can safely hand something to a
// remote shell or a remote BEAM node: POSIX shell quoting and atom
// name validation.
package escape

import (
	"regexp"
	"strings"

	"github.com/relaywire/beamctl/internal/errors"
)

// Quote wraps a string in single quotes, escaping any existing single
// quotes, so it is safe to splice into a remote shell command
// unmodified regardless of what it contains.
func Quote(s string) string {
	escaped := strings.ReplaceAll(s, "'", `'\''`)
	return "'" + escaped + "'"
}

// atomPattern matches the subset of Erlang atom syntax this control
// plane accepts for node names, gen_server names, and module names:
// an identifier starting with a letter or underscore, optionally
// containing dots and colons for qualified names like Elixir modules.
var atomPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:]*$`)

// ValidateAtom rejects any name that isn't safe to interpolate
// directly into an Erlang expression as a bare atom. Quoted atoms
// ('like this') and anything containing shell metacharacters are
// rejected rather than escaped, since the taxonomy in spec.md treats a
// bad atom name as a caller error, not something to sanitize around.
func ValidateAtom(name string) error {
	if name == "" {
		return errors.New(errors.ErrBadAtomName, "atom name is empty", "pass a non-empty name")
	}
	if !atomPattern.MatchString(name) {
		return errors.New(errors.ErrBadAtomName,
			"'"+name+"' is not a valid atom name",
			"names must start with a letter or underscore and contain only letters, digits, '_', '.', or ':'")
	}
	return nil
}
