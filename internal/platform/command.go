package platform

import (
	"os/exec"
	"strings"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand turns a configured command string into an *exec.Cmd.
// It avoids a shell unless the string needs one, and honors an explicit
// "sh -c '...'" prefix without wrapping it in a second shell.
func BuildCommand(command string) (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return nil, ErrEmptyCommand
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(script), nil
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return shellCommand(cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- commands come from the operator's configuration
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
