package relproxy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/borgrelay/pkg/relcache"
	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/relkeys"
	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"github.com/golang/groupcache/lru"
	"github.com/samber/lo"
	"go.etcd.io/bbolt"
)

// plaintext chunks this session decrypted recently; saves double decryption
// when the client re-reads what it just wrote
const plaintextCacheEntries = 256

type Options struct {
	CacheDir    string
	LockTimeout time.Duration
	Logger      *log.Logger
}

// Session is one client's live backup transaction against the real
// repository. Strictly sequential: one operation at a time, matching the
// single-client nature of the transport.
//
// Error policy is doom-on-exception: any failure outside the not-found /
// integrity whitelist permanently dooms the session. A doomed session fails
// every further call fast, and its transaction is rolled back on close,
// because continuing after an unclassified fault risks a second inconsistent
// mutation.
type Session struct {
	job         *reltypes.Job
	archiveName string
	db          *bolt.DB
	repo        *relrepo.Repository
	clientKey   *relkeys.Key
	manifest    *relkeys.Manifest // client's committed view
	pending     *relkeys.Manifest // manifest written but not yet committed
	plaintexts  *lru.Cache
	opts        Options
	doomed      error
	finished    bool // final archive committed; session refuses everything else
	logl        *logex.Leveled
}

var errSessionFinished = errors.New("session finished: final archive already committed")

// OpenSession resolves the token, advances the job to client_in_progress and
// opens the repository transaction.
func OpenSession(ctx context.Context, db *bolt.DB, token string, opts Options) (*Session, error) {
	logl := logex.Levels(logex.NonNil(opts.Logger))

	var job *reltypes.Job
	var client *reltypes.Client
	var repoRecord *reltypes.Repository

	if err := db.View(func(tx *bolt.Tx) error {
		serverSecret, err := reldb.CfgServerSecret.GetRequired(tx)
		if err != nil {
			return err
		}

		if job, err = FindJobByToken(tx, serverSecret, token); err != nil {
			return err
		}

		if client, err = reldb.Read(tx).Client(job.Client); err != nil {
			return err
		}

		repoRecord, err = reldb.Read(tx).Repository(job.Repository)
		return err
	}); err != nil {
		return nil, err
	}

	if job.State == reltypes.JobStateClientPrepared {
		if err := reldb.UpdateJobState(db, job.ID, reltypes.JobStateClientPrepared, reltypes.JobStateClientInProgress); err != nil {
			return nil, err
		}
	}

	repo, err := relrepo.Open(ctx, repoRecord.Location, repoRecord.RepositoryID, opts.LockTimeout, opts.Logger)
	if err != nil {
		return nil, err
	}

	repoID, err := hex.DecodeString(repoRecord.RepositoryID)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	clientKey, err := relkeys.KeyFromData(job.Data.ClientKeyData, repoID)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	manifest, err := relkeys.LoadManifest(job.Data.ClientManifestData, clientKey)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	logl.Info.Printf("session open for job %s (client %s)", job.ID, client.Hostname)

	return &Session{
		job:         job,
		archiveName: client.Hostname + "-" + job.ID,
		db:          db,
		repo:        repo,
		clientKey:   clientKey,
		manifest:    manifest,
		plaintexts:  lru.New(plaintextCacheEntries),
		opts:        opts,
		logl:        logl,
	}, nil
}

// whitelisted faults are the client's problem, not grounds for dooming the
// transaction
func whitelisted(err error) bool {
	return errors.Is(err, reltypes.ErrChunkNotFound) || errors.Is(err, reltypes.ErrIntegrity)
}

func (s *Session) guard(op string, fn func() error) error {
	if s.doomed != nil {
		return s.doomed
	}

	if s.finished {
		return errSessionFinished
	}

	if err := fn(); err != nil {
		if !whitelisted(err) {
			s.doomed = fmt.Errorf("session doomed by %s: %v", op, err)
			s.logl.Error.Printf("%v", s.doomed)
		}

		return err
	}

	return nil
}

// Get fetches one chunk re-encrypted under the client's key. The client's
// manifest reads never hit the repository; the synthetic manifest is the
// client's whole world view.
func (s *Session) Get(ctx context.Context, ref reltypes.ChunkRef) ([]byte, error) {
	var result []byte

	err := s.guard("get", func() error {
		var err error
		result, err = s.get(ctx, ref)
		return err
	})

	return result, err
}

func (s *Session) get(ctx context.Context, ref reltypes.ChunkRef) ([]byte, error) {
	if ref.IsManifest() {
		return s.manifestBytes()
	}

	plaintext, err := s.plaintext(ctx, ref)
	if err != nil {
		return nil, err
	}

	return s.clientKey.Encrypt(plaintext)
}

func (s *Session) plaintext(ctx context.Context, ref reltypes.ChunkRef) ([]byte, error) {
	if cached, found := s.plaintexts.Get(lru.Key(ref.AsHex())); found {
		return cached.([]byte), nil
	}

	sealed, err := s.repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.repo.Key().Decrypt(ref, sealed)
	if err != nil {
		return nil, err
	}

	s.plaintexts.Add(lru.Key(ref.AsHex()), plaintext)

	return plaintext, nil
}

func (s *Session) GetMany(ctx context.Context, refs []reltypes.ChunkRef) ([][]byte, error) {
	results := [][]byte{}

	for _, ref := range refs {
		result, err := s.Get(ctx, ref)
		if err != nil {
			return nil, err
		}

		results = append(results, result)
	}

	return results, nil
}

// Put stores one client-sealed chunk, re-encrypted under the real key. A
// manifest put is intercepted: it mutates the client's view and is validated
// against the archive-naming rules instead of touching the store directly.
func (s *Session) Put(ctx context.Context, ref reltypes.ChunkRef, data []byte) error {
	return s.guard("put", func() error {
		if ref.IsManifest() {
			return s.putManifest(data)
		}

		// authenticates and enforces ref == id-of-plaintext, so a client
		// cannot poison foreign refs with garbage
		plaintext, err := s.clientKey.Decrypt(ref, data)
		if err != nil {
			return err
		}

		sealed, err := s.repo.Key().Encrypt(plaintext)
		if err != nil {
			return err
		}

		if err := s.repo.Put(ctx, ref, sealed); err != nil {
			return err
		}

		s.plaintexts.Add(lru.Key(ref.AsHex()), plaintext)

		return nil
	})
}

// archive-naming rules: a backup session may only create its own archive and
// checkpoints thereof, and may only drop checkpoints
func (s *Session) putManifest(data []byte) error {
	pending, err := relkeys.LoadManifest(data, s.clientKey)
	if err != nil {
		return err
	}

	for name := range pending.Archives {
		if _, existed := s.manifest.Archives[name]; existed {
			continue
		}

		if name != s.archiveName && !IsCheckpointOf(s.archiveName, name) {
			return fmt.Errorf("refusing manifest with foreign archive name: %s", name)
		}
	}

	for name := range s.manifest.Archives {
		if _, stillThere := pending.Archives[name]; stillThere {
			continue
		}

		if !IsCheckpointOf(s.archiveName, name) {
			return fmt.Errorf("refusing manifest dropping non-checkpoint archive: %s", name)
		}
	}

	s.pending = pending

	return nil
}

// Delete is allowed only for ids recorded as this job's checkpoint archives.
// Everything else is off limits: data chunks are content-addressed and may be
// shared with archives the client cannot see, so even a chunk the client just
// re-uploaded must survive.
func (s *Session) Delete(ctx context.Context, ref reltypes.ChunkRef) error {
	return s.guard("delete", func() error {
		if !lo.Contains(s.job.Data.CheckpointArchiveIDs, ref.AsHex()) {
			return fmt.Errorf("refusing delete of foreign chunk %s", ref.AsHex())
		}

		if err := s.repo.Delete(ctx, ref); err != nil {
			return err
		}

		s.plaintexts.Remove(lru.Key(ref.AsHex()))

		return nil
	})
}

// Commit makes the transaction durable. If the pending manifest introduced
// the session's final archive, this is the finalization point: cache sync,
// archive record and the client_done transition all land, then the session
// stops accepting operations, and only then does the repository transaction
// commit. The shutoff precedes the repository commit so a client cannot race
// one more mutation into a transaction it already finalized.
func (s *Session) Commit(ctx context.Context) error {
	return s.guard("commit", func() error {
		finalMeta, finalRef, err := s.applyPending(ctx)
		if err != nil {
			return err
		}

		if err := s.persistClientManifest(); err != nil {
			return err
		}

		if finalMeta != nil {
			if err := s.finalize(ctx, finalMeta, *finalRef); err != nil {
				return err
			}

			s.finished = true
		}

		return s.repo.Commit(ctx)
	})
}

// applyPending mirrors the client-manifest diff onto the real manifest.
// Chunk-id coercion guarantees the archive metadata ref is identical in both
// worlds, so entries carry over as-is.
func (s *Session) applyPending(ctx context.Context) (*relrepo.ArchiveMeta, *reltypes.ChunkRef, error) {
	if s.pending == nil {
		return nil, nil, nil
	}

	var finalMeta *relrepo.ArchiveMeta
	var finalRef *reltypes.ChunkRef

	checkpointIDs := append([]string{}, s.job.Data.CheckpointArchiveIDs...)

	for name, info := range s.pending.Archives {
		_, existed := s.manifest.Archives[name]
		if existed {
			continue
		}

		metaRef, err := reltypes.ChunkRefFromBytes(info.ID)
		if err != nil {
			return nil, nil, err
		}

		// the metadata must be well-formed before it becomes reachable
		sealed, err := s.repo.Get(ctx, *metaRef)
		if err != nil {
			return nil, nil, err
		}

		meta, err := relrepo.DecodeArchiveMeta(*metaRef, sealed, s.repo.Key())
		if err != nil {
			return nil, nil, err
		}

		s.repo.Manifest().Add(name, info.ID, info.Time)

		if name == s.archiveName {
			finalMeta = meta
			finalRef = metaRef
		} else {
			checkpointIDs = append(checkpointIDs, metaRef.AsHex())
		}
	}

	for name := range s.manifest.Archives {
		if _, stillThere := s.pending.Archives[name]; !stillThere {
			s.repo.Manifest().Delete(name)
		}
	}

	if err := s.updateJobData(func(data *reltypes.JobData) {
		data.CheckpointArchiveIDs = lo.Uniq(checkpointIDs)
	}); err != nil {
		return nil, nil, err
	}

	s.manifest = s.pending
	s.pending = nil

	return finalMeta, finalRef, nil
}

func (s *Session) persistClientManifest() error {
	manifestData, manifestID, err := s.manifest.Write()
	if err != nil {
		return err
	}

	return s.updateJobData(func(data *reltypes.JobData) {
		data.ClientManifestData = manifestData
		data.ClientManifestID = manifestID.AsHex()
	})
}

func (s *Session) finalize(ctx context.Context, meta *relrepo.ArchiveMeta, metaRef reltypes.ChunkRef) error {
	// cache commit strictly precedes archive record creation
	cache, err := relcache.Open(s.opts.CacheDir, s.repo.RepositoryID(), s.opts.LockTimeout, s.opts.Logger)
	if err != nil {
		return err
	}

	if err := cache.SyncArchive(meta, metaRef); err != nil {
		_ = cache.Close()
		return err
	}

	if err := cache.Close(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := reldb.Read(tx).Job(s.job.ID)
		if err != nil {
			return err
		}

		archive := &reltypes.Archive{
			ID:               metaRef.AsHex(),
			Name:             meta.Name,
			Repository:       job.Repository,
			Job:              job.ID,
			Client:           job.Client,
			Time:             meta.Time,
			Duration:         meta.Duration,
			NFiles:           meta.NFiles,
			OriginalSize:     meta.OriginalSize,
			CompressedSize:   meta.CompressedSize,
			DeduplicatedSize: meta.DeduplicatedSize,
		}

		if err := reldb.ArchiveRepository.Update(archive, tx); err != nil {
			return err
		}

		job.Archive = archive.ID
		if err := reldb.JobRepository.Update(job, tx); err != nil {
			return err
		}

		return reldb.UpdateJobStateTx(
			s.job.ID,
			reltypes.JobStateClientInProgress,
			reltypes.JobStateClientDone,
			tx)
	})
}

// Rollback abandons the backup: the job is forced to failed, the session is
// doomed, and every chunk written since the last commit is removed. The doom
// is what makes the failure sticky; a client cannot roll back and then keep
// mutating.
func (s *Session) Rollback(ctx context.Context) error {
	return s.guard("rollback", func() error {
		s.pending = nil

		if err := s.repo.Rollback(ctx); err != nil {
			return err
		}

		if err := reldb.SetJobFailureCause(s.db, s.job.ID, "client-rollback", map[string]string{
			"error": "client rolled back the backup transaction",
		}); err != nil {
			return err
		}

		s.doomed = errors.New("session doomed by rollback")

		return nil
	})
}

func (s *Session) LoadKey() ([]byte, error) {
	var result []byte

	err := s.guard("load_key", func() error {
		result = s.job.Data.ClientKeyData
		return nil
	})

	return result, err
}

// nonce management is not meaningful behind the relay (AES-CTR IVs are
// derived, not reserved), but the client protocol insists
func (s *Session) GetFreeNonce() uint64 {
	return 0
}

func (s *Session) CommitNonceReservation(next uint64) {
	// no-op
}

// Close tears the session down. A doomed session rolls its transaction back
// and fails the job; an orderly close after final commit leaves the job in
// client_done for the executor to pick up.
func (s *Session) Close(ctx context.Context) error {
	defer s.repo.Close()

	if s.doomed != nil {
		if err := s.repo.Rollback(ctx); err != nil {
			s.logl.Error.Printf("close of doomed session: rollback: %v", err)
		}

		return reldb.SetJobFailureCause(s.db, s.job.ID, "internal-error", map[string]string{
			"error": s.doomed.Error(),
		})
	}

	return nil
}

func (s *Session) Doomed() error {
	return s.doomed
}

// RepositoryID is the real repository's identity (hex), disclosed to the
// client at open.
func (s *Session) RepositoryID() string {
	return s.repo.RepositoryID()
}

func (s *Session) updateJobData(mutate func(data *reltypes.JobData)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		fresh, err := reldb.Read(tx).Job(s.job.ID)
		if err != nil {
			return err
		}

		mutate(&fresh.Data)

		s.job.Data = fresh.Data

		return reldb.JobRepository.Update(fresh, tx)
	})
}

func (s *Session) manifestBytes() ([]byte, error) {
	data, _, err := s.manifest.Write()
	return data, err
}
