//go:build windows

package executor

import (
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// configureProcess passes cmd's arguments through verbatim. cmd.exe parses
// its own command line and the default quoting breaks /C "CALL "script"".
func configureProcess(cmd *exec.Cmd) {
	base := strings.ToLower(filepath.Base(cmd.Path))
	if base != "cmd.exe" && base != "cmd" {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: `"` + cmd.Path + `" ` + strings.Join(cmd.Args[1:], " "),
	}
}
