package container

import "fmt"

// Well-known process exit codes.
const (
	// ExitCodeInterrupt is SIGINT; expected when the user stops the agent.
	ExitCodeInterrupt = 130
	// ExitCodeKilled is SIGKILL, most often the OOM killer.
	ExitCodeKilled = 137
	// ExitCodeSegfault is SIGSEGV.
	ExitCodeSegfault = 139
	// ExitCodeTerminated is SIGTERM.
	ExitCodeTerminated = 143
)

// DescribeExitCode renders an exit code the way it is surfaced in
// user-visible error messages.
func DescribeExitCode(code int) string {
	switch code {
	case 0:
		return "success"
	case ExitCodeInterrupt:
		return "interrupted (exit code 130)"
	case ExitCodeKilled:
		return "killed, likely out of memory (exit code 137)"
	case ExitCodeSegfault:
		return "segmentation fault (exit code 139)"
	case ExitCodeTerminated:
		return "terminated (exit code 143)"
	}
	if code > 128 && code < 165 {
		return fmt.Sprintf("killed by signal %d (exit code %d)", code-128, code)
	}
	return fmt.Sprintf("error code %d", code)
}
