package relserver

import (
	"fmt"
	"regexp"
	"time"

	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/borgrelay/pkg/relutils"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

type scheduleEntry struct {
	kind     string // job kind the config belongs to
	configID string
	spec     string
	schedule cron.Schedule
	nextRun  time.Time
}

// schedules is the in-memory fire plan, rebuilt from config records on every
// idle tick so config edits take effect without a restart. Fire times are not
// persisted: a window missed while the daemon was down does not fire
// retroactively.
type schedules struct {
	entries map[string]*scheduleEntry // kind + "/" + configID
}

func newSchedules() *schedules {
	return &schedules{entries: map[string]*scheduleEntry{}}
}

func (s *schedules) reload(tx *bolt.Tx, now time.Time) error {
	seen := map[string]bool{}

	observe := func(kind string, configID string, spec string) error {
		if spec == "" {
			return nil
		}

		key := kind + "/" + configID
		seen[key] = true

		if existing, found := s.entries[key]; found && existing.spec == spec {
			return nil
		}

		schedule, err := cronParser.Parse(spec)
		if err != nil {
			return fmt.Errorf("schedule of %s: %v", key, err)
		}

		s.entries[key] = &scheduleEntry{
			kind:     kind,
			configID: configID,
			spec:     spec,
			schedule: schedule,
			nextRun:  schedule.Next(now),
		}

		return nil
	}

	jobConfigs := []reltypes.JobConfig{}
	if err := reldb.JobConfigRepository.Each(reldb.JobConfigAppender(&jobConfigs), tx); err != nil {
		return err
	}
	for _, cfg := range jobConfigs {
		if err := observe(reltypes.JobKindBackup, cfg.ID, cfg.Schedule); err != nil {
			return err
		}
	}

	checkConfigs := []reltypes.CheckConfig{}
	if err := reldb.CheckConfigRepository.Each(reldb.CheckConfigAppender(&checkConfigs), tx); err != nil {
		return err
	}
	for _, cfg := range checkConfigs {
		if err := observe(reltypes.JobKindCheck, cfg.ID, cfg.Schedule); err != nil {
			return err
		}
	}

	pruneConfigs := []reltypes.PruneConfig{}
	if err := reldb.PruneConfigRepository.Each(reldb.PruneConfigAppender(&pruneConfigs), tx); err != nil {
		return err
	}
	for _, cfg := range pruneConfigs {
		if err := observe(reltypes.JobKindPrune, cfg.ID, cfg.Schedule); err != nil {
			return err
		}
	}

	for key := range s.entries {
		if !seen[key] {
			delete(s.entries, key)
		}
	}

	return nil
}

// due returns the entries whose fire time has passed and advances them to
// their next window.
func (s *schedules) due(now time.Time) []*scheduleEntry {
	fired := []*scheduleEntry{}

	for _, entry := range s.entries {
		if entry.nextRun.After(now) {
			continue
		}

		fired = append(fired, entry)
		entry.nextRun = entry.schedule.Next(now)
	}

	return fired
}

// configHasLiveJob reports whether a job minted from this config is still in
// flight (job_created counts: it is queued). Schedules consult this so a slow
// run spanning its next window does not pile up duplicates.
func configHasLiveJob(tx *bolt.Tx, kind string, configID string) (bool, error) {
	live := false

	err := reldb.JobRepository.Each(func(record any) error {
		job := record.(*reltypes.Job)

		if job.Kind == kind && job.Config == configID && !job.State.Stable() {
			live = true
			return reldb.StopIteration
		}

		return nil
	}, tx)

	return live, err
}

// MatchBackupConfigs resolves bulk-trigger selectors to backup config ids.
// Both regexes are anchored; clientRe matches the config's client hostname,
// configRe its label.
func MatchBackupConfigs(tx *bolt.Tx, clientRe string, configRe string) ([]string, error) {
	clientMatcher, err := regexp.Compile("^(?:" + clientRe + ")$")
	if err != nil {
		return nil, fmt.Errorf("bad client regex: %v", err)
	}

	configMatcher, err := regexp.Compile("^(?:" + configRe + ")$")
	if err != nil {
		return nil, fmt.Errorf("bad config regex: %v", err)
	}

	matched := []string{}

	if err := reldb.JobConfigRepository.Each(func(record any) error {
		cfg := record.(*reltypes.JobConfig)

		if clientMatcher.MatchString(cfg.Client) && configMatcher.MatchString(cfg.Label) {
			matched = append(matched, cfg.ID)
		}

		return nil
	}, tx); err != nil {
		return nil, err
	}

	return matched, nil
}

// CreateJobs makes job records for one config. Backup and check configs make
// one job; a prune config fans out to one job per repository, because its
// client selection spans repositories but each run locks just one.
func CreateJobs(db *bolt.DB, kind string, configID string) ([]string, error) {
	created := []string{}

	err := db.Update(func(tx *bolt.Tx) error {
		newJob := func(repository string, client string) error {
			job := &reltypes.Job{
				ID:         relutils.NewJobID(),
				Kind:       kind,
				Created:    time.Now().UTC(),
				State:      reltypes.JobStateCreated,
				Repository: repository,
				Client:     client,
				Config:     configID,
			}

			if err := reldb.JobRepository.Update(job, tx); err != nil {
				return err
			}

			created = append(created, job.ID)
			return nil
		}

		switch kind {
		case reltypes.JobKindBackup:
			cfg, err := reldb.Read(tx).JobConfig(configID)
			if err != nil {
				return err
			}

			return newJob(cfg.Repository, cfg.Client)
		case reltypes.JobKindCheck:
			cfg, err := reldb.Read(tx).CheckConfig(configID)
			if err != nil {
				return err
			}

			return newJob(cfg.Repository, "")
		case reltypes.JobKindPrune:
			if _, err := reldb.Read(tx).PruneConfig(configID); err != nil {
				return err
			}

			repositories := []reltypes.Repository{}
			if err := reldb.RepositoryRepository.Each(reldb.RepositoryAppender(&repositories), tx); err != nil {
				return err
			}

			for _, repo := range repositories {
				if err := newJob(repo.ID, ""); err != nil {
					return err
				}
			}

			return nil
		default:
			return fmt.Errorf("unknown job kind: %s", kind)
		}
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}
