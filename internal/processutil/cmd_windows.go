//go:build windows

package processutil

import (
	"os/exec"
	"syscall"
)

// hideConsoleWindow keeps a console from flashing up for every ffmpeg run
// when screenrec is started from a GUI.
func hideConsoleWindow(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}
