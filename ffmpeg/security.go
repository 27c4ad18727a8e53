package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand splits a configured argument string without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateGlobalArgs rejects global options that would add inputs or outputs
// behind the engine's back, or that smuggle shell metacharacters.
func ValidateGlobalArgs(args []string) error {
	for _, arg := range args {
		switch arg {
		case "-i", "-f", "-map", "-y", "-n":
			return fmt.Errorf("option %s is managed by the engine", arg)
		}
		if !strings.HasPrefix(arg, "-") && strings.ContainsAny(arg, "/\\") {
			return fmt.Errorf("path-like argument not allowed: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
