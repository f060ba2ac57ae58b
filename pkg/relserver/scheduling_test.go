package relserver

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

func TestSchedulesFire(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		return reldb.JobConfigRepository.Update(&reltypes.JobConfig{
			ID:         "cfg1",
			Client:     "box",
			Repository: "repo1",
			Schedule:   "0 3 * * *",
		}, tx)
	}))

	sched := newSchedules()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		return sched.reload(tx, now)
	}))

	entry := sched.entries["backup/cfg1"]
	assert.Assert(t, entry != nil)
	assert.EqualString(t, entry.nextRun.Format(time.RFC3339), "2026-03-15T03:00:00Z")

	// not due yet
	assert.Assert(t, len(sched.due(now)) == 0)

	// due exactly at the window, and advances to the next one
	fired := sched.due(entry.nextRun)
	assert.Assert(t, len(fired) == 1)
	assert.EqualString(t, fired[0].configID, "cfg1")
	assert.EqualString(t, entry.nextRun.Format(time.RFC3339), "2026-03-16T03:00:00Z")
}

func TestSchedulesReloadTracksConfigEdits(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	putSchedule := func(spec string) {
		assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
			return reldb.CheckConfigRepository.Update(&reltypes.CheckConfig{
				ID:         "chk1",
				Repository: "repo1",
				Schedule:   spec,
			}, tx)
		}))
	}

	reload := func(sched *schedules, now time.Time) {
		assert.Ok(t, db.View(func(tx *bolt.Tx) error {
			return sched.reload(tx, now)
		}))
	}

	sched := newSchedules()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	putSchedule("30 4 * * 0")
	reload(sched, now)
	assert.EqualString(t, sched.entries["check/chk1"].nextRun.Format(time.RFC3339), "2026-03-15T04:30:00Z")

	// editing the spec reparses; an unchanged spec keeps its fire time
	putSchedule("0 6 * * *")
	reload(sched, now)
	assert.EqualString(t, sched.entries["check/chk1"].nextRun.Format(time.RFC3339), "2026-03-15T06:00:00Z")

	// clearing the schedule drops the entry
	putSchedule("")
	reload(sched, now)
	assert.Assert(t, sched.entries["check/chk1"] == nil)
}

func TestCreateJobsPruneFansOutPerRepository(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		for _, id := range []string{"repo1", "repo2"} {
			if err := reldb.RepositoryRepository.Update(&reltypes.Repository{
				ID:       id,
				Location: "/tmp/" + id,
			}, tx); err != nil {
				return err
			}
		}

		return reldb.PruneConfigRepository.Update(&reltypes.PruneConfig{
			ID:              "prune1",
			RetentionPolicy: "default",
			ClientRe:        ".*",
		}, tx)
	}))

	jobIDs, err := CreateJobs(db, reltypes.JobKindPrune, "prune1")
	assert.Ok(t, err)
	assert.Assert(t, len(jobIDs) == 2)

	repositories := map[string]bool{}
	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		for _, id := range jobIDs {
			job, err := reldb.Read(tx).Job(id)
			if err != nil {
				return err
			}

			assert.EqualString(t, job.Kind, reltypes.JobKindPrune)
			assert.EqualString(t, string(job.State), "job_created")
			repositories[job.Repository] = true
		}

		return nil
	}))

	assert.Assert(t, repositories["repo1"] && repositories["repo2"])
}

func TestCreateJobsBackup(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		return reldb.JobConfigRepository.Update(&reltypes.JobConfig{
			ID:         "cfg1",
			Client:     "box",
			Repository: "repo1",
		}, tx)
	}))

	jobIDs, err := CreateJobs(db, reltypes.JobKindBackup, "cfg1")
	assert.Ok(t, err)
	assert.Assert(t, len(jobIDs) == 1)

	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		job, err := reldb.Read(tx).Job(jobIDs[0])
		if err != nil {
			return err
		}

		assert.EqualString(t, job.Client, "box")
		assert.EqualString(t, job.Repository, "repo1")
		assert.EqualString(t, job.Config, "cfg1")
		return nil
	}))

	// unknown config is an error, not an empty result
	_, err = CreateJobs(db, reltypes.JobKindBackup, "no-such")
	assert.Assert(t, err != nil)
}

func TestConfigHasLiveJob(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		if err := reldb.JobRepository.Update(&reltypes.Job{
			ID:         "job1",
			Kind:       reltypes.JobKindBackup,
			State:      reltypes.JobStateClientInProgress,
			Repository: "repo1",
			Config:     "cfg1",
		}, tx); err != nil {
			return err
		}

		return reldb.JobRepository.Update(&reltypes.Job{
			ID:         "job2",
			Kind:       reltypes.JobKindBackup,
			State:      reltypes.JobStateDone,
			Repository: "repo1",
			Config:     "cfg2",
		}, tx)
	}))

	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		live, err := configHasLiveJob(tx, reltypes.JobKindBackup, "cfg1")
		assert.Ok(t, err)
		assert.Assert(t, live)

		// a finished job does not count
		live, err = configHasLiveJob(tx, reltypes.JobKindBackup, "cfg2")
		assert.Ok(t, err)
		assert.Assert(t, !live)

		// kind is part of the match
		live, err = configHasLiveJob(tx, reltypes.JobKindCheck, "cfg1")
		assert.Ok(t, err)
		assert.Assert(t, !live)

		return nil
	}))
}

func TestMatchBackupConfigs(t *testing.T) {
	db, done := testServerDB(t)
	defer done()

	assert.Ok(t, db.Update(func(tx *bolt.Tx) error {
		configs := []reltypes.JobConfig{
			{ID: "cfg1", Label: "system", Client: "web1", Repository: "repo1"},
			{ID: "cfg2", Label: "system", Client: "web2", Repository: "repo1"},
			{ID: "cfg3", Label: "databases", Client: "web1", Repository: "repo1"},
		}
		for i := range configs {
			if err := reldb.JobConfigRepository.Update(&configs[i], tx); err != nil {
				return err
			}
		}

		return nil
	}))

	assert.Ok(t, db.View(func(tx *bolt.Tx) error {
		matched, err := MatchBackupConfigs(tx, "web.*", "system")
		assert.Ok(t, err)
		assert.Assert(t, len(matched) == 2)

		matched, err = MatchBackupConfigs(tx, "web1", ".*")
		assert.Ok(t, err)
		assert.Assert(t, len(matched) == 2)

		// regexes are anchored: "web" alone matches nothing
		matched, err = MatchBackupConfigs(tx, "web", ".*")
		assert.Ok(t, err)
		assert.Assert(t, len(matched) == 0)

		_, err = MatchBackupConfigs(tx, "(", ".*")
		assert.Assert(t, err != nil)

		return nil
	}))
}

func testServerDB(t *testing.T) (*bolt.DB, func()) {
	db, err := reldb.Open(filepath.Join(t.TempDir(), "relay.db"))
	assert.Ok(t, err)

	assert.Ok(t, reldb.Bootstrap(db, logex.Discard))

	return db, func() { db.Close() }
}
