package reldb

import (
	"fmt"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
	"go.etcd.io/bbolt"
)

// ErrStateConflict: a compare-and-set transition found the job in a different
// state than the caller expected. The job was not modified.
type ErrStateConflict struct {
	JobID    string
	Expected reltypes.JobState
	Actual   reltypes.JobState
}

func (e *ErrStateConflict) Error() string {
	return fmt.Sprintf(
		"job %s: state conflict: expected %s, found %s",
		e.JobID,
		e.Expected,
		e.Actual)
}

// UpdateJobStateTx moves a job from one state to another, failing with
// *ErrStateConflict if somebody else got there first. The read-compare-write
// happens inside the caller's write transaction, so a successful return means
// the transition is the transition.
func UpdateJobStateTx(jobID string, from reltypes.JobState, to reltypes.JobState, tx *bolt.Tx) error {
	job, err := Read(tx).Job(jobID)
	if err != nil {
		return err
	}

	if job.State != from {
		return &ErrStateConflict{JobID: jobID, Expected: from, Actual: job.State}
	}

	applyTransition(job, to)

	return JobRepository.Update(job, tx)
}

func UpdateJobState(db *bolt.DB, jobID string, from reltypes.JobState, to reltypes.JobState) error {
	return db.Update(func(tx *bolt.Tx) error {
		return UpdateJobStateTx(jobID, from, to, tx)
	})
}

// ForceJobStateTx sets the state unconditionally. Idempotent: forcing a job
// into the state it is already in reports changed=false and writes nothing.
func ForceJobStateTx(jobID string, to reltypes.JobState, tx *bolt.Tx) (bool, error) {
	job, err := Read(tx).Job(jobID)
	if err != nil {
		return false, err
	}

	if job.State == to {
		return false, nil
	}

	applyTransition(job, to)

	return true, JobRepository.Update(job, tx)
}

func ForceJobState(db *bolt.DB, jobID string, to reltypes.JobState) (bool, error) {
	changed := false
	return changed, db.Update(func(tx *bolt.Tx) error {
		var err error
		changed, err = ForceJobStateTx(jobID, to, tx)
		return err
	})
}

// SetJobFailureCauseTx records why a job failed and forces it into failed.
// Only the first cause sticks; a job that already has one keeps it, because
// downstream failures are usually just fallout from the original.
func SetJobFailureCauseTx(jobID string, kind string, details map[string]string, tx *bolt.Tx) error {
	job, err := Read(tx).Job(jobID)
	if err != nil {
		return err
	}

	if job.Data.FailureCause == nil {
		job.Data.FailureCause = &reltypes.FailureCause{
			Kind:    kind,
			Details: details,
		}
	}

	if job.State != reltypes.JobStateFailed {
		applyTransition(job, reltypes.JobStateFailed)
	}

	return JobRepository.Update(job, tx)
}

func SetJobFailureCause(db *bolt.DB, jobID string, kind string, details map[string]string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return SetJobFailureCauseTx(jobID, kind, details, tx)
	})
}

// Timestamps are set-once: leaving job_created stamps Started, entering a
// terminal state stamps Finished. Forcing a job back out of a terminal state
// intentionally does not clear Finished, so the historical record of the first
// completion survives operator intervention.
func applyTransition(job *reltypes.Job, to reltypes.JobState) {
	now := time.Now().UTC()

	if job.State == reltypes.JobStateCreated && to != reltypes.JobStateCreated && job.Started == nil {
		job.Started = &now
	}

	if to.Stable() && to != reltypes.JobStateCreated && job.Finished == nil {
		job.Finished = &now
	}

	job.State = to
}
