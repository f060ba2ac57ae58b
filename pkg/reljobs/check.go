package reljobs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

type checkExecutor struct{}

func (c *checkExecutor) Kind() string {
	return reltypes.JobKindCheck
}

func (c *checkExecutor) CanRun(job *reltypes.Job, tx *bolt.Tx) (bool, string, error) {
	return repositoryIdle(job, tx)
}

func (c *checkExecutor) Prefork(job *reltypes.Job, db *bolt.DB) error {
	return reldb.UpdateJobState(db, job.ID, reltypes.JobStateCreated, reltypes.JobStateRepositoryCheck)
}

func (c *checkExecutor) Run(ctx context.Context, jobID string, deps *Deps) error {
	logger := logex.Prefix("check/"+jobID, deps.Logger)
	logl := logex.Levels(logger)

	var job *reltypes.Job
	var config *reltypes.CheckConfig
	var repoRecord *reltypes.Repository

	if err := deps.DB.View(func(tx *bolt.Tx) error {
		var err error

		if job, err = reldb.Read(tx).Job(jobID); err != nil {
			return err
		}

		if config, err = reldb.Read(tx).CheckConfig(job.Config); err != nil {
			return err
		}

		repoRecord, err = reldb.Read(tx).Repository(job.Repository)
		return err
	}); err != nil {
		return err
	}

	repo, err := relrepo.Open(
		ctx,
		repoRecord.Location,
		repoRecord.RepositoryID,
		deps.LockTimeout,
		logex.Prefix("repo", logger))
	if err != nil {
		kind, details := ClassifyError(err, deps.CacheDir)
		failJob(deps.DB, jobID, kind, details, deps.Logger)
		return nil
	}
	defer repo.Close()

	problems := []string{}

	if config.CheckRepository {
		stats, err := repo.CheckStructure(ctx)
		if err != nil {
			return err
		}

		logl.Info.Printf("structure: %d chunk(s), %d problem(s)", stats.ChunksSeen, len(stats.Problems))
		problems = append(problems, stats.Problems...)
	}

	if err := reldb.UpdateJobState(deps.DB, jobID, reltypes.JobStateRepositoryCheck, reltypes.JobStateVerifyData); err != nil {
		return err
	}

	if config.VerifyData {
		stats, err := repo.VerifyData(ctx, func(seen int) {
			if seen%10000 == 0 {
				logl.Info.Printf("verified %d chunk(s)", seen)
			}
		})
		if err != nil {
			return err
		}

		problems = append(problems, stats.Problems...)
	}

	if err := reldb.UpdateJobState(deps.DB, jobID, reltypes.JobStateVerifyData, reltypes.JobStateArchivesCheck); err != nil {
		return err
	}

	if config.CheckArchives {
		var onlyAfter *time.Time
		if config.CheckOnlyNewArchives {
			onlyAfter = c.lastSuccessfulCheck(jobID, job.Repository, deps)
		}

		stats, err := repo.CheckArchives(ctx, onlyAfter)
		if err != nil {
			return err
		}

		logl.Info.Printf("checked %d archive(s), %d problem(s)", stats.ArchivesChecked, len(stats.Problems))
		problems = append(problems, stats.Problems...)
	}

	if len(problems) > 0 {
		failJob(deps.DB, jobID, FailureCheckFoundProblems, map[string]string{
			"count":    strconv.Itoa(len(problems)),
			"problems": strings.Join(truncateList(problems, 20), "\n"),
		}, deps.Logger)
		return nil
	}

	return reldb.UpdateJobState(deps.DB, jobID, reltypes.JobStateArchivesCheck, reltypes.JobStateDone)
}

// archives older than the previous clean check of this repository were
// already validated back then
func (c *checkExecutor) lastSuccessfulCheck(selfID string, repositoryID string, deps *Deps) *time.Time {
	var last *time.Time

	_ = deps.DB.View(func(tx *bolt.Tx) error {
		jobs, err := reldb.Read(tx).JobsByRepository(repositoryID)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.ID == selfID || job.Kind != reltypes.JobKindCheck {
				continue
			}

			if job.State != reltypes.JobStateDone || job.Finished == nil {
				continue
			}

			if last == nil || job.Finished.After(*last) {
				finished := *job.Finished
				last = &finished
			}
		}

		return nil
	})

	return last
}

func truncateList(list []string, max int) []string {
	if len(list) > max {
		return list[:max]
	}

	return list
}
