package reljobs

import (
	"context"
	"log"
	"os/exec"
	"strings"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
)

// RemoteShell runs commands on a client machine over its configured remote
// shell, and pushes directories there with rsync.
type RemoteShell struct {
	conn reltypes.RshConnection
	logl *logex.Leveled
}

func NewRemoteShell(conn reltypes.RshConnection, logger *log.Logger) *RemoteShell {
	return &RemoteShell{
		conn: conn,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

func (r *RemoteShell) rsh() []string {
	parts := []string{r.conn.Rsh}
	if r.conn.Rsh == "" {
		parts = []string{"ssh"}
	}

	if r.conn.RshOptions != "" {
		parts = append(parts, strings.Fields(r.conn.RshOptions)...)
	}

	if r.conn.SSHIdentityFile != "" {
		parts = append(parts, "-i", r.conn.SSHIdentityFile)
	}

	return parts
}

// Run executes remoteArgs on the client. Returns combined output and the exit
// code; err is non-nil only for failures to even launch the process.
func (r *RemoteShell) Run(ctx context.Context, remoteArgs ...string) (string, int, error) {
	argv := append(r.rsh(), r.conn.Remote)
	argv = append(argv, remoteArgs...)

	r.logl.Debug.Printf("run: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(output), exitErr.ProcessState.ExitCode(), nil
		}

		return string(output), -1, err
	}

	return string(output), 0, nil
}

// CommandLine renders the full command for failure-cause details.
func (r *RemoteShell) CommandLine(remoteArgs ...string) string {
	argv := append(r.rsh(), r.conn.Remote)
	return strings.Join(append(argv, remoteArgs...), " ")
}

// RsyncPush mirrors localDir to remoteDir on the client. "/files" is excluded
// because the client maintains its own files cache locally; -I because cache
// content changes without size/mtime telling the whole story.
func (r *RemoteShell) RsyncPush(ctx context.Context, localDir string, remoteDir string) (string, string, int, error) {
	if _, code, err := r.Run(ctx, "mkdir", "-p", remoteDir); err != nil || code != 0 {
		return r.CommandLine("mkdir", "-p", remoteDir), "", code, err
	}

	argv := []string{
		"rsync",
		"-rI",
		"--delete",
		"--exclude", "/files",
		"-e", strings.Join(r.rsh(), " "),
		strings.TrimRight(localDir, "/") + "/",
		r.conn.Remote + ":" + strings.TrimRight(remoteDir, "/") + "/",
	}

	r.logl.Debug.Printf("run: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	command := strings.Join(argv, " ")

	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return command, string(output), exitErr.ProcessState.ExitCode(), nil
		}

		return command, string(output), -1, err
	}

	return command, string(output), 0, nil
}
