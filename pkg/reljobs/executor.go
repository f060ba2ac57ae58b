package reljobs

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

// Deps carries what a job run needs. One instance is shared by all runs; it
// holds no per-job state.
type Deps struct {
	DB          *bolt.DB
	CacheDir    string
	RelayURL    string // what clients put in BORG_REPO, e.g. ssh://backup@relay.example.com
	Hostname    string // this relay's hostname, used in archive names
	LockTimeout time.Duration
	Logger      *log.Logger
}

func (d *Deps) JobCachesDir() string {
	return filepath.Join(d.CacheDir, "jobs")
}

// Executor is one job kind's behavior. CanRun and Prefork execute inside the
// supervisor's control loop; Run executes in a supervised goroutine and is
// the only part allowed to block.
type Executor interface {
	Kind() string

	// blocking predicate; reason explains a false verdict
	CanRun(job *reltypes.Job, tx *bolt.Tx) (bool, string, error)

	// first transition out of job_created; must be fast, errors are fatal
	// for the job and never retried
	Prefork(job *reltypes.Job, db *bolt.DB) error

	Run(ctx context.Context, jobID string, deps *Deps) error
}

var registry = map[string]Executor{}

func registerExecutor(e Executor) {
	registry[e.Kind()] = e
}

func ExecutorFor(kind string) (Executor, error) {
	executor, found := registry[kind]
	if !found {
		return nil, fmt.Errorf("no executor for job kind %s", kind)
	}

	return executor, nil
}

func init() {
	registerExecutor(&backupExecutor{})
	registerExecutor(&checkExecutor{})
	registerExecutor(&pruneExecutor{})
}

// repositoryIdle: default blocking predicate. A job is blocked while any
// other job on the same repository is live.
func repositoryIdle(job *reltypes.Job, tx *bolt.Tx) (bool, string, error) {
	blocker := ""

	if err := reldb.JobsByRepositoryIndex.Query([]byte(job.Repository), func(id []byte) error {
		if string(id) == job.ID {
			return nil
		}

		other, err := reldb.Read(tx).Job(string(id))
		if err != nil {
			return err
		}

		if !other.Stable() {
			blocker = other.ID
			return reldb.StopIteration
		}

		return nil
	}, tx); err != nil {
		return false, "", err
	}

	if blocker != "" {
		return false, "blocked by job " + blocker, nil
	}

	return true, "", nil
}

// failJob records the classified cause and forces failed. Used at the
// executor boundary so the worker can still exit cleanly.
func failJob(db *bolt.DB, jobID string, kind string, details map[string]string, logger *log.Logger) {
	if err := reldb.SetJobFailureCause(db, jobID, kind, details); err != nil {
		logex.Levels(logex.NonNil(logger)).Error.Printf("failJob %s: %v", jobID, err)
	}
}
