// Re-encrypting repository proxy: the only door through which clients reach
// the real repository.
package relproxy

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/minio/sha256-simd"
	"go.etcd.io/bbolt"
)

const tokenPurpose = "backup-job-revloc"

var ErrUnknownToken = errors.New("no live backup session for token")

// SessionToken mints the unguessable path under which exactly one job's
// backup session is reachable. Deterministic, so it never needs storing.
func SessionToken(serverSecret string, jobID string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret+tokenPurpose))
	_, _ = mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// RepoURL is what the client puts in BORG_REPO.
func RepoURL(relayURL string, token string) string {
	return strings.TrimRight(relayURL, "/") + "/./" + token
}

// FindJobByToken resolves a session token to its job. Only jobs in
// client_prepared (first contact) or client_in_progress (reconnect) are
// reachable; everything else does not exist as far as the client knows.
func FindJobByToken(tx *bolt.Tx, serverSecret string, token string) (*reltypes.Job, error) {
	states := []reltypes.JobState{
		reltypes.JobStateClientPrepared,
		reltypes.JobStateClientInProgress,
	}

	for _, state := range states {
		var match *reltypes.Job

		if err := reldb.JobsByStateIndex.Query([]byte(state), func(id []byte) error {
			expected := SessionToken(serverSecret, string(id))

			if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
				job, err := reldb.Read(tx).Job(string(id))
				if err != nil {
					return err
				}

				match = job
				return reldb.StopIteration
			}

			return nil
		}, tx); err != nil {
			return nil, err
		}

		if match != nil {
			return match, nil
		}
	}

	return nil, ErrUnknownToken
}

// IsCheckpointOf reports whether candidate is a checkpoint archive of the
// named final archive, e.g. "web1-xyz.checkpoint" or "web1-xyz.checkpoint2".
func IsCheckpointOf(archiveName string, candidate string) bool {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(archiveName) + `\.checkpoint(\d+)?$`)
	return re.MatchString(candidate)
}
