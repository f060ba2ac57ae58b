package relutils

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/cryptorandombytes"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

// there's gonna be lots of these
var NewJobID = longID
var NewArchiveRecordID = longID

// comparatively few of these
var NewJobConfigID = shortID
var NewCheckConfigID = shortID
var NewPruneConfigID = shortID
var NewRetentionPolicyID = shortID
var NewRepositoryRecordID = shortID

// daemon-wide secret used to derive per-job session tokens
var NewServerSecret = cryptoLongID

func shortID() string {
	return cryptorandombytes.Base64UrlWithoutLeadingDash(3)
}

func longID() string {
	return cryptorandombytes.Base64UrlWithoutLeadingDash(8)
}

func cryptoLongID() string {
	return cryptorandombytes.Base64UrlWithoutLeadingDash(32)
}

// DaemonSocketAddr returns the control socket address unique to the effective
// user, so multiple users can run their own daemon on one machine.
func DaemonSocketAddr() string {
	return "domainsocket://" + filepath.Join(runDir(), "borgrelayd.sock")
}

// ProxySocketAddr is where the daemon serves the repository protocol; the
// ssh-forced serve command bridges a client's stdio to this socket.
func ProxySocketAddr() string {
	return "domainsocket://" + filepath.Join(runDir(), "borgrelayd-proxy.sock")
}

func runDir() string {
	runDir := os.Getenv("XDG_RUNTIME_DIR")
	if runDir == "" {
		runDir = fmt.Sprintf("/run/user/%d", os.Geteuid())
	}

	if stat, err := os.Stat(runDir); err != nil || !stat.IsDir() {
		runDir = filepath.Join(os.TempDir(), fmt.Sprintf("borgrelay-%d", os.Geteuid()))
	}

	return runDir
}

func CreateTCPOrDomainSocketListener(addr string, logl *logex.Leveled) (net.Listener, error) {
	domainSocketPath := ParseDomainSocketPath(addr)

	if domainSocketPath != "" {
		return createDomainSocketListener(domainSocketPath, logl)
	}

	return net.Listen("tcp", addr)
}

func createDomainSocketListener(domainSocketPath string, logl *logex.Leveled) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(domainSocketPath), 0700); err != nil {
		return nil, err
	}

	exists, err := fileexists.Exists(domainSocketPath)
	if err != nil {
		return nil, err
	}

	if exists {
		logl.Info.Println("removing previous socket")

		if err := os.Remove(domainSocketPath); err != nil {
			return nil, err
		}
	}

	return net.Listen("unix", domainSocketPath)
}

func ParseDomainSocketPath(baseURL string) string {
	if strings.HasPrefix(baseURL, "domainsocket://") {
		return baseURL[len("domainsocket://"):]
	}

	return ""
}
