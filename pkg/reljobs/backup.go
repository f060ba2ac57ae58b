package reljobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/function61/borgrelay/pkg/relcache"
	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/relkeys"
	"github.com/function61/borgrelay/pkg/relproxy"
	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

type backupExecutor struct{}

func (b *backupExecutor) Kind() string {
	return reltypes.JobKindBackup
}

func (b *backupExecutor) CanRun(job *reltypes.Job, tx *bolt.Tx) (bool, string, error) {
	return repositoryIdle(job, tx)
}

func (b *backupExecutor) Prefork(job *reltypes.Job, db *bolt.DB) error {
	return reldb.UpdateJobState(db, job.ID, reltypes.JobStateCreated, reltypes.JobStateClientPreparing)
}

func (b *backupExecutor) Run(ctx context.Context, jobID string, deps *Deps) error {
	logger := logex.Prefix("backup/"+jobID, deps.Logger)
	logl := logex.Levels(logger)

	env, err := loadBackupEnv(jobID, deps)
	if err != nil {
		return err
	}
	env.logger = logger

	if err := b.prepare(ctx, env, deps); err != nil {
		if err != errAlreadyFailed {
			kind, details := ClassifyError(err, deps.CacheDir)
			failJob(deps.DB, jobID, kind, details, deps.Logger)
		}
		return nil
	}

	if failed := b.runClient(ctx, env, deps, logl); failed {
		return nil
	}

	if err := b.cleanup(ctx, env, deps, logl); err != nil {
		kind, details := ClassifyError(err, deps.CacheDir)
		failJob(deps.DB, jobID, kind, details, deps.Logger)
		return nil
	}

	logl.Info.Printf("archive %s committed", env.archiveName)

	return nil
}

type backupEnv struct {
	job          *reltypes.Job
	config       *reltypes.JobConfig
	client       *reltypes.Client
	repoRecord   *reltypes.Repository
	serverSecret string
	archiveName  string
	logger       *log.Logger
}

func loadBackupEnv(jobID string, deps *Deps) (*backupEnv, error) {
	env := &backupEnv{}

	if err := deps.DB.View(func(tx *bolt.Tx) error {
		var err error

		if env.job, err = reldb.Read(tx).Job(jobID); err != nil {
			return err
		}

		if env.config, err = reldb.Read(tx).JobConfig(env.job.Config); err != nil {
			return err
		}

		if env.client, err = reldb.Read(tx).Client(env.job.Client); err != nil {
			return err
		}

		if env.repoRecord, err = reldb.Read(tx).Repository(env.job.Repository); err != nil {
			return err
		}

		env.serverSecret, err = reldb.CfgServerSecret.GetRequired(tx)
		return err
	}); err != nil {
		return nil, err
	}

	env.archiveName = env.client.Hostname + "-" + env.job.ID

	return env, nil
}

// prepare synthesizes client crypto, builds and ships the transfer cache, and
// advances the job to client_prepared. Holds the repository lock only for the
// duration of this phase; the proxy session takes its own lock later.
func (b *backupExecutor) prepare(ctx context.Context, env *backupEnv, deps *Deps) error {
	repo, err := relrepo.Open(
		ctx,
		env.repoRecord.Location,
		env.repoRecord.RepositoryID,
		deps.LockTimeout,
		logex.Prefix("repo", env.logger))
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := b.synthesizeCrypto(env, repo, deps); err != nil {
		return err
	}

	cache, err := relcache.Open(deps.CacheDir, repo.RepositoryID(), deps.LockTimeout, env.logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	if err := cache.SetManifestID(env.job.Data.ClientManifestID); err != nil {
		return err
	}

	previousLocation, err := cache.PreviousLocation()
	if err != nil {
		return err
	}

	if err := cache.SetPreviousLocation(env.repoRecord.Location); err != nil {
		return err
	}

	jobDir := filepath.Join(deps.JobCachesDir(), env.job.ID)

	if err := cache.MaterializeJobCache(jobDir, relcache.JobCacheConfig{
		Repository:       relproxy.RepoURL(deps.RelayURL, relproxy.SessionToken(env.serverSecret, env.job.ID)),
		ManifestID:       env.job.Data.ClientManifestID,
		PreviousLocation: previousLocation,
	}); err != nil {
		return err
	}

	// lock must not straddle the client session
	if err := repo.Close(); err != nil {
		return err
	}

	if env.client.Connection.RemoteCacheDir != "" {
		if err := b.pushCache(ctx, env, deps, jobDir); err != nil {
			return err
		}
	}

	return reldb.UpdateJobState(
		deps.DB,
		env.job.ID,
		reltypes.JobStateClientPreparing,
		reltypes.JobStateClientPrepared)
}

// synthesizeCrypto mints the client's key and manifest. Idempotent: a job
// already carrying key material keeps it, so a retried prepare cannot hand
// the client a different key than the cache was built for.
func (b *backupExecutor) synthesizeCrypto(env *backupEnv, repo *relrepo.Repository, deps *Deps) error {
	if env.job.Data.ClientKeyData != nil {
		return nil
	}

	synthetic, err := relkeys.Synthesize(repo.Key(), repo.Key().RepositoryID)
	if err != nil {
		return err
	}

	keyData, err := synthetic.KeyData()
	if err != nil {
		return err
	}

	clientManifest := relkeys.NewManifest(synthetic)

	// the client sees only its own archives
	for name, info := range repo.Manifest().Archives {
		if strings.HasPrefix(name, env.client.Hostname+"-") {
			clientManifest.Add(name, info.ID, info.Time)
		}
	}

	manifestData, manifestID, err := clientManifest.Write()
	if err != nil {
		return err
	}

	return updateJobData(deps.DB, env.job, func(data *reltypes.JobData) {
		data.ClientKeyData = keyData
		data.ClientKeyType = string(synthetic.Type)
		data.ClientManifestData = manifestData
		data.ClientManifestID = manifestID.AsHex()
	})
}

func (b *backupExecutor) pushCache(
	ctx context.Context,
	env *backupEnv,
	deps *Deps,
	jobDir string,
) error {
	rsh := NewRemoteShell(env.client.Connection, env.logger)

	remoteDir := path.Join(env.client.Connection.RemoteCacheDir, env.repoRecord.RepositoryID)

	command, output, exitCode, err := rsh.RsyncPush(ctx, jobDir, remoteDir)
	if err != nil {
		return err
	}

	if exitCode != 0 {
		if kind, details, ok := ClassifyRemoteExit(command, exitCode, output); ok {
			failJob(deps.DB, env.job.ID, kind, details, deps.Logger)
			return errAlreadyFailed
		}

		return fmt.Errorf("cache transfer: %s: exit code %d", command, exitCode)
	}

	return nil
}

// runClient drives borg on the client machine. The heavy lifting happens in
// the proxy session the client opens back at us; this side just watches the
// remote command. Returns true when the job was failed.
func (b *backupExecutor) runClient(ctx context.Context, env *backupEnv, deps *Deps, logl *logex.Leveled) bool {
	rsh := NewRemoteShell(env.client.Connection, env.logger)

	args := b.borgCreateArgs(env, deps)

	output, exitCode, err := rsh.Run(ctx, args...)
	if err != nil {
		failJob(deps.DB, env.job.ID, FailureInternalError, map[string]string{"error": err.Error()}, deps.Logger)
		return true
	}

	command := rsh.CommandLine(args...)

	switch {
	case exitCode == 0:
		// fallthrough to state verification
	case exitCode == 1:
		logl.Info.Printf("borg reported warnings")

		if err := updateJobData(deps.DB, env.job, func(data *reltypes.JobData) {
			data.BorgWarning = true
		}); err != nil {
			failJob(deps.DB, env.job.ID, FailureInternalError, map[string]string{"error": err.Error()}, deps.Logger)
			return true
		}
	default:
		if kind, details, ok := ClassifyRemoteExit(command, exitCode, output); ok {
			failJob(deps.DB, env.job.ID, kind, details, deps.Logger)
			return true
		}

		failJob(deps.DB, env.job.ID, FailureInternalError, map[string]string{
			"error":  fmt.Sprintf("borg create: exit code %d", exitCode),
			"output": lastLines(output, 20),
		}, deps.Logger)
		return true
	}

	// the proxy session must have advanced the job to client_done by
	// committing the final archive; a clean borg exit without that means the
	// client never committed
	job, err := b.reloadJob(env.job.ID, deps)
	if err != nil {
		failJob(deps.DB, env.job.ID, FailureInternalError, map[string]string{"error": err.Error()}, deps.Logger)
		return true
	}

	if job.State != reltypes.JobStateClientDone {
		failJob(deps.DB, env.job.ID, FailureInternalError, map[string]string{
			"error": fmt.Sprintf("client finished without committing (state %s)", job.State),
		}, deps.Logger)
		return true
	}

	return false
}

func (b *backupExecutor) borgCreateArgs(env *backupEnv, deps *Deps) []string {
	borgBin := env.client.Connection.RemoteBorg
	if borgBin == "" {
		borgBin = "borg"
	}

	repoURL := relproxy.RepoURL(deps.RelayURL, relproxy.SessionToken(env.serverSecret, env.job.ID))

	args := []string{
		"BORG_REPO=" + repoURL,
		"BORG_PASSPHRASE=",
		borgBin, "create",
	}

	if env.config.CheckpointInterval > 0 {
		args = append(args, "--checkpoint-interval", strconv.Itoa(env.config.CheckpointInterval))
	}

	if env.config.Compression != "" {
		args = append(args, "--compression", env.config.Compression)
	}

	if env.config.OneFileSystem {
		args = append(args, "--one-file-system")
	}

	if env.config.ReadSpecial {
		args = append(args, "--read-special")
	}

	if env.config.IgnoreInode {
		args = append(args, "--ignore-inode")
	}

	for _, exclude := range env.config.Excludes {
		args = append(args, "--exclude", exclude)
	}

	if env.config.ExtraOptions != "" {
		args = append(args, strings.Fields(env.config.ExtraOptions)...)
	}

	args = append(args, "::"+env.archiveName)
	args = append(args, env.config.Paths...)

	return args
}

// cleanup erases transient secrets, sweeps leftover checkpoint archives and
// retires the local job cache.
func (b *backupExecutor) cleanup(ctx context.Context, env *backupEnv, deps *Deps, logl *logex.Leveled) error {
	if err := reldb.UpdateJobState(
		deps.DB,
		env.job.ID,
		reltypes.JobStateClientDone,
		reltypes.JobStateClientCleanup); err != nil {
		return err
	}

	job, err := b.reloadJob(env.job.ID, deps)
	if err != nil {
		return err
	}

	if len(job.Data.CheckpointArchiveIDs) > 0 {
		if err := b.sweepCheckpoints(ctx, env, deps, logl); err != nil {
			return err
		}
	}

	if err := updateJobData(deps.DB, env.job, func(data *reltypes.JobData) {
		data.ClientKeyData = nil
		data.ClientKeyType = ""
		data.ClientManifestData = nil
		data.ClientManifestID = ""
		data.CheckpointArchiveIDs = nil
	}); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(deps.JobCachesDir(), env.job.ID)); err != nil {
		logl.Error.Printf("removing job cache: %v", err)
	}

	return reldb.UpdateJobState(
		deps.DB,
		env.job.ID,
		reltypes.JobStateClientCleanup,
		reltypes.JobStateDone)
}

// checkpoint archives that the final commit did not supersede would leak
// repository space forever; delete them
func (b *backupExecutor) sweepCheckpoints(ctx context.Context, env *backupEnv, deps *Deps, logl *logex.Leveled) error {
	repo, err := relrepo.Open(
		ctx,
		env.repoRecord.Location,
		env.repoRecord.RepositoryID,
		deps.LockTimeout,
		logex.Prefix("repo", env.logger))
	if err != nil {
		return err
	}
	defer repo.Close()

	leftovers := []string{}
	for name := range repo.Manifest().Archives {
		if relproxy.IsCheckpointOf(env.archiveName, name) {
			leftovers = append(leftovers, name)
		}
	}

	if len(leftovers) == 0 {
		return nil
	}

	logl.Info.Printf("sweeping %d leftover checkpoint archive(s)", len(leftovers))

	if _, err := repo.DeleteArchives(ctx, leftovers); err != nil {
		return err
	}

	return repo.Commit(ctx)
}

func (b *backupExecutor) reloadJob(jobID string, deps *Deps) (*reltypes.Job, error) {
	var job *reltypes.Job
	return job, deps.DB.View(func(tx *bolt.Tx) error {
		var err error
		job, err = reldb.Read(tx).Job(jobID)
		return err
	})
}

// sentinel for "failure cause already recorded, just unwind"
var errAlreadyFailed = failedSentinel{}

type failedSentinel struct{}

func (failedSentinel) Error() string { return "job already failed" }

// updateJobData mutates only the job's data bag, re-reading the record inside
// the write transaction so state transitions racing us are not clobbered.
func updateJobData(db *bolt.DB, job *reltypes.Job, mutate func(data *reltypes.JobData)) error {
	return db.Update(func(tx *bolt.Tx) error {
		fresh, err := reldb.Read(tx).Job(job.ID)
		if err != nil {
			return err
		}

		mutate(&fresh.Data)

		job.Data = fresh.Data

		return reldb.JobRepository.Update(fresh, tx)
	})
}
