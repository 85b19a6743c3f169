package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/logger"
)

// Spec describes the single worker process vigil keeps alive.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
	PIDFile string   `json:"pid_file" mapstructure:"pid_file"`
	// MinStableUptime is the run time after which an exit stops counting as
	// a crash. Exits below it are treated as failures regardless of code.
	MinStableUptime time.Duration `json:"min_stable_uptime" mapstructure:"min_stable_uptime"`
	// GraceTimeout bounds the TERM-to-KILL escalation window on stop.
	GraceTimeout time.Duration `json:"grace_timeout" mapstructure:"grace_timeout"`
	Log          logger.Config `json:"log" mapstructure:"log"`
}

func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("worker name is required")
	}
	if strings.ContainsAny(s.Name, " \t\n/\\") {
		return fmt.Errorf("worker name %q contains invalid characters", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("worker %s requires a command", s.Name)
	}
	if s.MinStableUptime < 0 {
		return fmt.Errorf("worker %s: min_stable_uptime cannot be negative", s.Name)
	}
	if s.GraceTimeout < 0 {
		return fmt.Errorf("worker %s: grace_timeout cannot be negative", s.Name)
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for Spec.Command. A command that
// already invokes a shell explicitly ("sh -c '...'") is honored without
// wrapping it in a second shell; commands containing shell metacharacters
// fall back to /bin/sh -c; everything else is exec'd directly.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := stripExplicitShell(cmdStr); ok {
		// Absolute shell path avoids PATH dependence under an overridden Env.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// stripExplicitShell detects "sh -c <SCRIPT>" prefixes and returns the script
// with one surrounding quote pair removed, so the script text reaches the
// shell intact instead of as a single quoted word.
func stripExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		script := trim[len(p):]
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
