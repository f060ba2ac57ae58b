package reljobs

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/function61/borgrelay/pkg/relcache"
	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
	"go.etcd.io/bbolt"
)

type pruneExecutor struct{}

func (p *pruneExecutor) Kind() string {
	return reltypes.JobKindPrune
}

// CanRun relaxes the default predicate: another live prune over the same
// repository does not block us if our client selections are disjoint, because
// the archive sets we touch cannot overlap.
func (p *pruneExecutor) CanRun(job *reltypes.Job, tx *bolt.Tx) (bool, string, error) {
	ourClients, err := pruneSelection(job.Config, tx)
	if err != nil {
		return false, "", err
	}

	blockReason := ""

	if err := reldb.JobsByRepositoryIndex.Query([]byte(job.Repository), func(id []byte) error {
		if string(id) == job.ID {
			return nil
		}

		other, err := reldb.Read(tx).Job(string(id))
		if err != nil {
			return err
		}

		if other.Stable() {
			return nil
		}

		if other.Kind == reltypes.JobKindPrune {
			theirClients, err := pruneSelection(other.Config, tx)
			if err != nil {
				return err
			}

			if len(lo.Intersect(ourClients, theirClients)) == 0 {
				return nil
			}
		}

		blockReason = "blocked by job " + other.ID
		return reldb.StopIteration
	}, tx); err != nil {
		return false, "", err
	}

	if blockReason != "" {
		return false, blockReason, nil
	}

	return true, "", nil
}

func (p *pruneExecutor) Prefork(job *reltypes.Job, db *bolt.DB) error {
	return reldb.UpdateJobState(db, job.ID, reltypes.JobStateCreated, reltypes.JobStateDiscovering)
}

func (p *pruneExecutor) Run(ctx context.Context, jobID string, deps *Deps) error {
	logger := logex.Prefix("prune/"+jobID, deps.Logger)
	logl := logex.Levels(logger)

	var job *reltypes.Job
	var config *reltypes.PruneConfig
	var policy *reltypes.RetentionPolicy
	var repoRecord *reltypes.Repository
	var clients []string

	if err := deps.DB.View(func(tx *bolt.Tx) error {
		var err error

		if job, err = reldb.Read(tx).Job(jobID); err != nil {
			return err
		}

		if config, err = reldb.Read(tx).PruneConfig(job.Config); err != nil {
			return err
		}

		if policy, err = reldb.Read(tx).RetentionPolicy(config.RetentionPolicy); err != nil {
			return err
		}

		if repoRecord, err = reldb.Read(tx).Repository(job.Repository); err != nil {
			return err
		}

		clients, err = pruneSelection(job.Config, tx)
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

	// discovery: per selected client, retention math over its archives
	victims := []string{}

	for _, hostname := range clients {
		entries := []ArchiveEntry{}

		for name, info := range repo.Manifest().Archives {
			if strings.HasPrefix(name, hostname+"-") {
				entries = append(entries, ArchiveEntry{Name: name, Time: info.Time})
			}
		}

		keep, prune := ApplyRetention(*policy, entries)

		logl.Info.Printf("%s: keeping %d, pruning %d", hostname, len(keep), len(prune))

		for _, entry := range prune {
			victims = append(victims, entry.Name)
		}
	}

	if err := reldb.UpdateJobState(deps.DB, jobID, reltypes.JobStateDiscovering, reltypes.JobStatePrune); err != nil {
		return err
	}

	if len(victims) > 0 {
		if err := p.executePrune(ctx, repo, repoRecord, victims, deps, logger); err != nil {
			kind, details := ClassifyError(err, deps.CacheDir)
			failJob(deps.DB, jobID, kind, details, deps.Logger)
			return nil
		}
	}

	return reldb.UpdateJobState(deps.DB, jobID, reltypes.JobStatePrune, reltypes.JobStateDone)
}

func (p *pruneExecutor) executePrune(
	ctx context.Context,
	repo *relrepo.Repository,
	repoRecord *reltypes.Repository,
	victims []string,
	deps *Deps,
	logger *log.Logger,
) error {
	logl := logex.Levels(logger)

	// metas must be captured before deletion for the refcount rollbacks
	type victimMeta struct {
		meta    *relrepo.ArchiveMeta
		metaRef reltypes.ChunkRef
	}
	metas := map[string]victimMeta{}

	for _, name := range victims {
		info, found := repo.Manifest().Archives[name]
		if !found {
			continue
		}

		metaRef, err := reltypes.ChunkRefFromBytes(info.ID)
		if err != nil {
			return err
		}

		sealed, err := repo.Get(ctx, *metaRef)
		if err != nil {
			return err
		}

		meta, err := relrepo.DecodeArchiveMeta(*metaRef, sealed, repo.Key())
		if err != nil {
			return err
		}

		metas[name] = victimMeta{meta: meta, metaRef: *metaRef}
	}

	deleted, err := repo.DeleteArchives(ctx, victims)
	if err != nil {
		return err
	}

	if err := repo.Commit(ctx); err != nil {
		return err
	}

	logl.Info.Printf("pruned %d archive(s), %d chunk(s)", len(victims), deleted)

	cache, err := relcache.Open(deps.CacheDir, repo.RepositoryID(), deps.LockTimeout, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	for _, victim := range metas {
		if err := cache.DropArchive(victim.meta, victim.metaRef); err != nil {
			return err
		}
	}

	// retire the bookkeeping records too
	return deps.DB.Update(func(tx *bolt.Tx) error {
		archives, err := reldb.Read(tx).ArchivesByRepository(repoRecord.ID)
		if err != nil {
			return err
		}

		for _, archive := range archives {
			if lo.Contains(victims, archive.Name) {
				if err := reldb.ArchiveRepository.Delete(&archive, tx); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// pruneSelection resolves a prune config's client regex to concrete hostnames.
func pruneSelection(configID string, tx *bolt.Tx) ([]string, error) {
	config, err := reldb.Read(tx).PruneConfig(configID)
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile("^(?:" + config.ClientRe + ")$")
	if err != nil {
		return nil, fmt.Errorf("prune config %s: bad client regex: %v", configID, err)
	}

	selected := []string{}

	if err := reldb.ClientRepository.Each(func(record any) error {
		client := record.(*reltypes.Client)

		if re.MatchString(client.Hostname) {
			selected = append(selected, client.Hostname)
		}

		return nil
	}, tx); err != nil {
		return nil, err
	}

	return selected, nil
}
