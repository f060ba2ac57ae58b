package reltypes

type JobState string

const (
	JobStateCreated JobState = "job_created"
	JobStateDone    JobState = "done"
	JobStateFailed  JobState = "failed"

	// explicit operator cancellation; stable like failed but distinguishable
	JobStateCancelled JobState = "cancelled"

	// backup lineage
	JobStateClientPreparing  JobState = "client_preparing"
	JobStateClientPrepared   JobState = "client_prepared"
	JobStateClientInProgress JobState = "client_in_progress"
	JobStateClientDone       JobState = "client_done"
	JobStateClientCleanup    JobState = "client_cleanup"

	// check lineage
	JobStateRepositoryCheck JobState = "repository_check"
	JobStateVerifyData      JobState = "verify_data"
	JobStateArchivesCheck   JobState = "archives_check"

	// prune lineage
	JobStateDiscovering JobState = "discovering"
	JobStatePrune       JobState = "prune"
)

const (
	JobKindBackup = "backup"
	JobKindCheck  = "check"
	JobKindPrune  = "prune"
)

// Stable states are terminal for queueing purposes: a job in a stable state
// holds no resources and blocks nothing. job_created counts as stable because
// the job has not been dispatched yet.
func (s JobState) Stable() bool {
	switch s {
	case JobStateCreated, JobStateDone, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// StateSequence returns a job kind's happy path. failed/cancelled are reachable
// from any state and are not part of the sequence.
func StateSequence(kind string) []JobState {
	switch kind {
	case JobKindBackup:
		return []JobState{
			JobStateCreated,
			JobStateClientPreparing,
			JobStateClientPrepared,
			JobStateClientInProgress,
			JobStateClientDone,
			JobStateClientCleanup,
			JobStateDone,
		}
	case JobKindCheck:
		return []JobState{
			JobStateCreated,
			JobStateRepositoryCheck,
			JobStateVerifyData,
			JobStateArchivesCheck,
			JobStateDone,
		}
	case JobKindPrune:
		return []JobState{
			JobStateCreated,
			JobStateDiscovering,
			JobStatePrune,
			JobStateDone,
		}
	default:
		return nil
	}
}
