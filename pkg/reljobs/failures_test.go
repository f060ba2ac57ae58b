package reljobs

import (
	"errors"
	"testing"

	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
)

func TestClassifyErrorRepositoryFaults(t *testing.T) {
	kind, _ := ClassifyError(reltypes.ErrRepositoryNotFound, "/var/cache/borgrelay")
	assert.EqualString(t, kind, "repository-does-not-exist")

	kind, _ = ClassifyError(reltypes.ErrInsufficientSpace, "/var/cache/borgrelay")
	assert.EqualString(t, kind, "repository-enospc")

	kind, _ = ClassifyError(reltypes.ErrCheckNeeded, "/var/cache/borgrelay")
	assert.EqualString(t, kind, "repository-check-needed")
}

func TestClassifyErrorLockPathDiscrimination(t *testing.T) {
	cacheDir := "/var/cache/borgrelay"

	kind, _ := ClassifyError(&relrepo.LockTimeoutError{Path: "/var/cache/borgrelay/repo1/lock"}, cacheDir)
	assert.EqualString(t, kind, "cache-lock-timeout")

	kind, _ = ClassifyError(&relrepo.LockTimeoutError{Path: "/data0/repository/lock"}, cacheDir)
	assert.EqualString(t, kind, "repository-lock-timeout")

	kind, details := ClassifyError(&relrepo.LockFailedError{
		Path: "/var/cache/borgrelay/repo1/lock",
		Err:  errors.New("permission denied"),
	}, cacheDir)
	assert.EqualString(t, kind, "cache-lock-failed")
	assert.EqualString(t, details["error"], "permission denied")

	kind, _ = ClassifyError(&relrepo.LockFailedError{
		Path: "/data0/repository/lock",
		Err:  errors.New("permission denied"),
	}, cacheDir)
	assert.EqualString(t, kind, "repository-lock-failed")
}

func TestClassifyErrorIDMismatch(t *testing.T) {
	kind, details := ClassifyError(&relrepo.IDMismatchError{
		Reported: "aaaa",
		Expected: "bbbb",
	}, "")

	assert.EqualString(t, kind, "repository-id-mismatch")
	assert.EqualString(t, details["repository_id"], "aaaa")
	assert.EqualString(t, details["saved_id"], "bbbb")
}

func TestClassifyRemoteExitSSH(t *testing.T) {
	kind, details, ok := ClassifyRemoteExit("ssh root@web1 mkdir -p /root/.cache", 255, "")
	assert.Assert(t, ok)
	assert.EqualString(t, kind, "client-connection-failed")
	assert.EqualString(t, details["exit_code"], "255")

	// remote command's own failure is not a connection failure
	_, _, ok = ClassifyRemoteExit("ssh root@web1 mkdir -p /root/.cache", 1, "")
	assert.Assert(t, !ok)
}

func TestClassifyRemoteExitRsync(t *testing.T) {
	for _, code := range []int{5, 10, 30, 35} {
		kind, _, ok := ClassifyRemoteExit("rsync -rI --delete /src web1:/dst", code, "")
		assert.Assert(t, ok)
		assert.EqualString(t, kind, "client-connection-failed")
	}

	// 1 = rsync syntax error, not a connection signature
	_, _, ok := ClassifyRemoteExit("rsync -rI --delete /src web1:/dst", 1, "")
	assert.Assert(t, !ok)
}

func TestClassifyRemoteExitBorgOutdated(t *testing.T) {
	output := "borg create ...\nA newer version is required to access this repository.\n"

	kind, details, ok := ClassifyRemoteExit("ssh root@web1 borg create ::web1-x /etc", 2, output)
	assert.Assert(t, ok)
	assert.EqualString(t, kind, "client-borg-outdated")
	assert.Assert(t, details["output"] != "")

	// exit 2 without the marker carries no signature
	_, _, ok = ClassifyRemoteExit("ssh root@web1 borg create ::web1-x /etc", 2, "something else")
	assert.Assert(t, !ok)
}
