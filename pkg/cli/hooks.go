package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/pace"
)

// CommandHook returns a hook that runs commandLine as a program. The line is split using shell
// quoting rules but isn't passed to a shell. An empty line yields a nil hook.
func CommandHook(commandLine string) (pace.Hook, error) {
	args, err := shlex.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("invalid hook command '%s': %w", commandLine, err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return func(ctx context.Context) error {
		log.Debug("Starting hook %s", args[0])
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}, nil
}
