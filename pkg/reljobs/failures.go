// Job executors: per-kind work bodies and the failure taxonomy they report.
package reljobs

import (
	"errors"
	"strconv"
	"strings"

	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/samber/lo"
)

// Stored failure-cause kinds. User-visible verbatim, so treat them as API.
const (
	FailureRepositoryDoesNotExist = "repository-does-not-exist"
	FailureRepositoryCheckNeeded  = "repository-check-needed"
	FailureRepositoryEnospc       = "repository-enospc"
	FailureCacheLockTimeout       = "cache-lock-timeout"
	FailureRepositoryLockTimeout  = "repository-lock-timeout"
	FailureCacheLockFailed        = "cache-lock-failed"
	FailureRepositoryLockFailed   = "repository-lock-failed"
	FailureLockError              = "lock-error"
	FailureRepositoryIDMismatch   = "repository-id-mismatch"
	FailureClientConnectionFailed = "client-connection-failed"
	FailureClientBorgOutdated     = "client-borg-outdated"
	FailureCheckFoundProblems     = "check-found-problems"
	FailureInternalError          = "internal-error"

	// startup recovery: the daemon died while this job was live
	FailureDaemonRestart = "borgrelayd-restart"
)

// ClassifyError maps an error from repository/cache plumbing to a stored
// failure cause. Lock faults are discriminated by whether the lock path lives
// under the cache directory.
func ClassifyError(err error, cacheDir string) (string, map[string]string) {
	var lockTimeout *relrepo.LockTimeoutError
	var lockFailed *relrepo.LockFailedError
	var idMismatch *relrepo.IDMismatchError

	switch {
	case errors.Is(err, reltypes.ErrRepositoryNotFound):
		return FailureRepositoryDoesNotExist, nil
	case errors.Is(err, reltypes.ErrCheckNeeded):
		return FailureRepositoryCheckNeeded, nil
	case errors.Is(err, reltypes.ErrInsufficientSpace):
		return FailureRepositoryEnospc, nil
	case errors.As(err, &lockTimeout):
		if pathUnder(lockTimeout.Path, cacheDir) {
			return FailureCacheLockTimeout, nil
		}

		return FailureRepositoryLockTimeout, nil
	case errors.As(err, &lockFailed):
		details := map[string]string{"error": lockFailed.Err.Error()}

		if pathUnder(lockFailed.Path, cacheDir) {
			return FailureCacheLockFailed, details
		}

		return FailureRepositoryLockFailed, details
	case errors.As(err, &idMismatch):
		return FailureRepositoryIDMismatch, map[string]string{
			"repository_id": idMismatch.Reported,
			"saved_id":      idMismatch.Expected,
		}
	default:
		return FailureInternalError, map[string]string{"error": err.Error()}
	}
}

// exit codes rsync uses for "could not reach / talk to the other end"
var rsyncConnectionExitCodes = []int{2, 3, 5, 6, 10, 11, 12, 13, 14, 21, 22, 23, 24, 25, 30, 35}

const borgOutdatedMarker = "A newer version is required to access this repository."

// ClassifyRemoteExit maps a remote command's exit to a failure cause.
// Returns ok=false when the exit carries no known signature.
func ClassifyRemoteExit(command string, exitCode int, output string) (string, map[string]string, bool) {
	tool := commandTool(command)

	connectionFailed := func() (string, map[string]string, bool) {
		return FailureClientConnectionFailed, map[string]string{
			"command":   command,
			"exit_code": strconv.Itoa(exitCode),
		}, true
	}

	switch tool {
	case "ssh":
		// 255 is ssh's own "could not connect"; everything else is the
		// remote command's status
		if exitCode == 255 {
			return connectionFailed()
		}
	case "rsync":
		if lo.Contains(rsyncConnectionExitCodes, exitCode) {
			return connectionFailed()
		}
	case "borg":
		if exitCode == 2 && strings.Contains(output, borgOutdatedMarker) {
			return FailureClientBorgOutdated, map[string]string{"output": lastLines(output, 20)}, true
		}

		// borg over ssh: transport death surfaces as ssh's 255
		if exitCode == 255 {
			return connectionFailed()
		}
	}

	return "", nil, false
}

func commandTool(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}

	tool := fields[0]
	if idx := strings.LastIndex(tool, "/"); idx != -1 {
		tool = tool[idx+1:]
	}

	// "ssh host borg create ..." classifies by the remote tool
	if tool == "ssh" {
		for _, field := range fields[1:] {
			if strings.HasSuffix(field, "borg") || field == "borg" {
				return "borg"
			}
		}
	}

	return tool
}

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}

func pathUnder(path string, dir string) bool {
	if dir == "" {
		return false
	}

	return strings.HasPrefix(path, strings.TrimRight(dir, "/")+"/")
}
