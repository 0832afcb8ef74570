// Package processutil starts the ffmpeg child processes of a recording.
package processutil

import (
	"context"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process was
// killed, so a grandchild holding a pipe cannot block shutdown.
const waitDelay = 3 * time.Second

// Command returns a context-bound command with no console window on Windows.
func Command(ctx context.Context, path string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = waitDelay
	hideConsoleWindow(cmd)
	return cmd
}
