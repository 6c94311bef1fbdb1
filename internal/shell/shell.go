// Package shell maps a step's shell identifier and target platform to the
// interpreter invocation that executes the step's script file.
package shell

import (
	"fmt"
	"runtime"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

type ID string

const (
	Default    ID = "default"
	Bash       ID = "bash"
	Pwsh       ID = "pwsh"
	Python     ID = "python"
	Sh         ID = "sh"
	Cmd        ID = "cmd"
	PowerShell ID = "powershell"
)

// ScriptPlaceholder marks where the materialized script path goes in an
// invocation's arguments.
const ScriptPlaceholder = "{script}"

// ComSpec is replaced by the value of the ComSpec environment variable
// when building the argv for cmd.
const ComSpec = "%ComSpec%"

var ids = []ID{Default, Bash, Pwsh, Python, Sh, Cmd, PowerShell}

// Parse accepts a shell identifier as written in a workflow. An empty
// string selects the platform default.
func Parse(s string) (ID, error) {
	if s == "" {
		return Default, nil
	}
	for _, id := range ids {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown shell %q", s)
}

type Platform string

const (
	Linux   Platform = "linux"
	MacOS   Platform = "darwin"
	Windows Platform = "windows"
)

func HostPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return Windows
	case "darwin":
		return MacOS
	default:
		return Linux
	}
}

// PlatformFromLabel derives the platform of a runs-on label. Labels that do
// not name an operating system (self-hosted, local, custom agent labels)
// resolve to the host platform.
func PlatformFromLabel(label string) Platform {
	if p, ok := LabelPlatform(label); ok {
		return p
	}
	return HostPlatform()
}

// LabelPlatform reports the platform a label names, if it names one.
func LabelPlatform(label string) (Platform, bool) {
	l := strings.ToLower(label)
	switch {
	case strings.HasPrefix(l, "windows"):
		return Windows, true
	case strings.HasPrefix(l, "macos"), strings.HasPrefix(l, "darwin"), strings.HasPrefix(l, "osx"):
		return MacOS, true
	case strings.HasPrefix(l, "ubuntu"), strings.HasPrefix(l, "linux"), strings.HasPrefix(l, "debian"),
		strings.HasPrefix(l, "fedora"), strings.HasPrefix(l, "alpine"):
		return Linux, true
	}
	return "", false
}

// RunnerOS is the value exposed to steps as RUNNER_OS.
func (p Platform) RunnerOS() string {
	switch p {
	case Windows:
		return "Windows"
	case MacOS:
		return "macOS"
	default:
		return "Linux"
	}
}

type Invocation struct {
	Shell     ID
	Program   string
	Args      []string
	Extension string
	// Template is the invocation as documented, for display.
	Template string
}

type UnsupportedShellError struct {
	Shell    ID
	Platform Platform
}

func (e *UnsupportedShellError) Error() string {
	return fmt.Sprintf("shell %q is not supported on %s", e.Shell, e.Platform)
}

// Resolve returns the invocation for id on platform p.
func Resolve(id ID, p Platform) (Invocation, error) {
	if id == "" || id == Default {
		if p == Windows {
			id = Pwsh
		} else {
			return Invocation{
				Shell:     Default,
				Program:   "bash",
				Args:      []string{"-e", ScriptPlaceholder},
				Extension: ".sh",
				Template:  "bash -e {script}",
			}, nil
		}
	}

	switch id {
	case Bash:
		return Invocation{
			Shell:     Bash,
			Program:   "bash",
			Args:      []string{"--noprofile", "--norc", "-eo", "pipefail", ScriptPlaceholder},
			Extension: ".sh",
			Template:  "bash --noprofile --norc -eo pipefail {script}",
		}, nil
	case Pwsh:
		return Invocation{
			Shell:     Pwsh,
			Program:   "pwsh",
			Args:      []string{"-command", ". '" + ScriptPlaceholder + "'"},
			Extension: ".ps1",
			Template:  `pwsh -command ". '{script}'"`,
		}, nil
	case Python:
		return Invocation{
			Shell:     Python,
			Program:   "python",
			Args:      []string{ScriptPlaceholder},
			Extension: ".py",
			Template:  "python {script}",
		}, nil
	case Sh:
		if p == Windows {
			return Invocation{}, &UnsupportedShellError{Shell: id, Platform: p}
		}
		return Invocation{
			Shell:     Sh,
			Program:   "sh",
			Args:      []string{"-e", ScriptPlaceholder},
			Extension: ".sh",
			Template:  "sh -e {script}",
		}, nil
	case Cmd:
		if p != Windows {
			return Invocation{}, &UnsupportedShellError{Shell: id, Platform: p}
		}
		return Invocation{
			Shell:     Cmd,
			Program:   ComSpec,
			Args:      []string{"/D", "/E:ON", "/V:OFF", "/S", "/C", `"CALL "` + ScriptPlaceholder + `""`},
			Extension: ".cmd",
			Template:  `%ComSpec% /D /E:ON /V:OFF /S /C "CALL "{script}""`,
		}, nil
	case PowerShell:
		if p != Windows {
			return Invocation{}, &UnsupportedShellError{Shell: id, Platform: p}
		}
		return Invocation{
			Shell:     PowerShell,
			Program:   "powershell",
			Args:      []string{"-command", ". '" + ScriptPlaceholder + "'"},
			Extension: ".ps1",
			Template:  `powershell -command ". '{script}'"`,
		}, nil
	}
	return Invocation{}, &UnsupportedShellError{Shell: id, Platform: p}
}

// Argv substitutes the script path into the invocation. getenv resolves
// %ComSpec% for cmd; when it yields nothing cmd.exe is used.
func (i Invocation) Argv(script string, getenv func(string) string) []string {
	program := i.Program
	if program == ComSpec {
		program = ""
		if getenv != nil {
			program = getenv("ComSpec")
		}
		if program == "" {
			program = "cmd.exe"
		}
	}
	argv := make([]string, 0, len(i.Args)+1)
	argv = append(argv, program)
	for _, a := range i.Args {
		argv = append(argv, strings.ReplaceAll(a, ScriptPlaceholder, script))
	}
	return argv
}

// CommandLine renders the invocation as a single POSIX shell command line,
// for execution contexts that only accept a command string.
func (i Invocation) CommandLine(script string) (string, error) {
	argv := i.Argv(script, nil)
	quoted := make([]string, len(argv))
	for n, a := range argv {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quoting %q: %w", a, err)
		}
		quoted[n] = q
	}
	return strings.Join(quoted, " "), nil
}

// WrapScript adjusts a script body before it is written to disk so the
// interpreter reports failures through its exit code.
func (i Invocation) WrapScript(body string) string {
	switch i.Shell {
	case Pwsh, PowerShell:
		return body + "\nif ((Test-Path -LiteralPath variable:\\LASTEXITCODE)) { exit $LASTEXITCODE }\n"
	case Cmd:
		return strings.ReplaceAll(body, "\n", "\r\n")
	}
	return body
}
