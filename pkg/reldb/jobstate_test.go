package reldb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
	"go.etcd.io/bbolt"
)

func TestUpdateJobState(t *testing.T) {
	db, done := testDB(t)
	defer done()

	createJob(t, db, "job1", reltypes.JobKindBackup)

	// wrong expected state => conflict, job untouched
	err := UpdateJobState(db, "job1", reltypes.JobStateClientPrepared, reltypes.JobStateClientInProgress)
	assert.EqualString(t, err.Error(), "job job1: state conflict: expected client_prepared, found job_created")
	assert.EqualString(t, string(jobState(t, db, "job1")), "job_created")

	assert.Ok(t, UpdateJobState(db, "job1", reltypes.JobStateCreated, reltypes.JobStateClientPreparing))
	assert.EqualString(t, string(jobState(t, db, "job1")), "client_preparing")

	// the transition that just happened cannot happen again
	err = UpdateJobState(db, "job1", reltypes.JobStateCreated, reltypes.JobStateClientPreparing)
	_, isConflict := err.(*ErrStateConflict)
	assert.Assert(t, isConflict)
}

func TestTimestampsSetOnce(t *testing.T) {
	db, done := testDB(t)
	defer done()

	createJob(t, db, "job1", reltypes.JobKindBackup)

	job := openJob(t, db, "job1")
	assert.Assert(t, job.Started == nil)
	assert.Assert(t, job.Finished == nil)

	// leaving job_created stamps Started
	assert.Ok(t, UpdateJobState(db, "job1", reltypes.JobStateCreated, reltypes.JobStateClientPreparing))
	job = openJob(t, db, "job1")
	assert.Assert(t, job.Started != nil)
	assert.Assert(t, job.Finished == nil)
	startedAt := *job.Started

	// entering a terminal state stamps Finished
	assert.Ok(t, UpdateJobState(db, "job1", reltypes.JobStateClientPreparing, reltypes.JobStateDone))
	job = openJob(t, db, "job1")
	assert.Assert(t, job.Finished != nil)

	finishedAt := *job.Finished

	// forcing out of a terminal state keeps both timestamps
	changed, err := ForceJobState(db, "job1", reltypes.JobStateClientCleanup)
	assert.Ok(t, err)
	assert.Assert(t, changed)

	job = openJob(t, db, "job1")
	assert.Assert(t, job.Started.Equal(startedAt))
	assert.Assert(t, job.Finished.Equal(finishedAt))
}

func TestForceJobStateIdempotent(t *testing.T) {
	db, done := testDB(t)
	defer done()

	createJob(t, db, "job1", reltypes.JobKindBackup)

	changed, err := ForceJobState(db, "job1", reltypes.JobStateFailed)
	assert.Ok(t, err)
	assert.Assert(t, changed)

	changed, err = ForceJobState(db, "job1", reltypes.JobStateFailed)
	assert.Ok(t, err)
	assert.Assert(t, !changed)
}

func TestSetJobFailureCause(t *testing.T) {
	db, done := testDB(t)
	defer done()

	createJob(t, db, "job1", reltypes.JobKindBackup)

	assert.Ok(t, SetJobFailureCause(db, "job1", "client-connection-failed", map[string]string{
		"command": "ssh root@web1",
	}))

	job := openJob(t, db, "job1")
	assert.EqualString(t, string(job.State), "failed")
	assert.EqualString(t, job.Data.FailureCause.Kind, "client-connection-failed")
	assert.Assert(t, job.Finished != nil)

	// first cause sticks
	assert.Ok(t, SetJobFailureCause(db, "job1", "lock-error", nil))

	job = openJob(t, db, "job1")
	assert.EqualString(t, job.Data.FailureCause.Kind, "client-connection-failed")
}

func TestJobsByStateIndex(t *testing.T) {
	db, done := testDB(t)
	defer done()

	createJob(t, db, "job1", reltypes.JobKindBackup)
	createJob(t, db, "job2", reltypes.JobKindBackup)

	assert.Ok(t, UpdateJobState(db, "job2", reltypes.JobStateCreated, reltypes.JobStateClientPreparing))

	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		queued, err := Read(tx).JobsByState(reltypes.JobStateCreated)
		assert.Ok(t, err)
		assert.Assert(t, len(queued) == 1)
		assert.EqualString(t, queued[0].ID, "job1")

		preparing, err := Read(tx).JobsByState(reltypes.JobStateClientPreparing)
		assert.Ok(t, err)
		assert.Assert(t, len(preparing) == 1)
		assert.EqualString(t, preparing[0].ID, "job2")

		return nil
	}))
}

func testDB(t *testing.T) (*bolt.DB, func()) {
	dir, err := os.MkdirTemp("", "reldb")
	assert.Ok(t, err)

	db, err := Open(filepath.Join(dir, "test.db"))
	assert.Ok(t, err)

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		return BootstrapRepos(tx)
	}))

	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func createJob(t *testing.T, db *bolt.DB, id string, kind string) {
	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		return JobRepository.Update(&reltypes.Job{
			ID:      id,
			Kind:    kind,
			Created: time.Now().UTC(),
			State:   reltypes.JobStateCreated,
		}, tx)
	}))
}

func openJob(t *testing.T, db *bolt.DB, id string) *reltypes.Job {
	var job *reltypes.Job
	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = Read(tx).Job(id)
		return err
	}))

	return job
}
