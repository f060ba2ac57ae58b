package relrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
)

func TestCreateAndOpen(t *testing.T) {
	dir, ctx, done := testEnv(t)
	defer done()

	repoID, err := Create(ctx, dir, nil)
	assert.Ok(t, err)
	assert.Assert(t, len(repoID) == 64)

	repo, err := Open(ctx, dir, repoID, DefaultLockTimeout, nil)
	assert.Ok(t, err)
	defer repo.Close()

	assert.EqualString(t, repo.RepositoryID(), repoID)
	assert.Assert(t, len(repo.Manifest().Archives) == 0)
}

func TestOpenDetectsIDMismatch(t *testing.T) {
	dir, ctx, done := testEnv(t)
	defer done()

	_, err := Create(ctx, dir, nil)
	assert.Ok(t, err)

	wrongID := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	_, err = Open(ctx, dir, wrongID, DefaultLockTimeout, nil)
	mismatch, is := err.(*IDMismatchError)
	assert.Assert(t, is)
	assert.EqualString(t, mismatch.Expected, wrongID)

	// lock was released on the failed open
	_, err = os.Stat(filepath.Join(dir, "lock"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestOpenMissingRepository(t *testing.T) {
	dir, ctx, done := testEnv(t)
	defer done()

	_, err := Open(ctx, dir, "", DefaultLockTimeout, nil)
	assert.Assert(t, err == reltypes.ErrRepositoryNotFound)
}

func TestRollbackUndoesWrites(t *testing.T) {
	repo, ctx, done := testRepo(t)
	defer done()

	content := []byte("chunk content")
	ref := repo.Key().ChunkID(content)

	sealed, err := repo.Key().Encrypt(content)
	assert.Ok(t, err)

	assert.Ok(t, repo.Put(ctx, ref, sealed))

	_, err = repo.Get(ctx, ref)
	assert.Ok(t, err)

	assert.Ok(t, repo.Rollback(ctx))

	_, err = repo.Get(ctx, ref)
	assert.Assert(t, err == reltypes.ErrChunkNotFound)
}

func TestRollbackKeepsCommittedChunks(t *testing.T) {
	repo, ctx, done := testRepo(t)
	defer done()

	content := []byte("chunk content")
	ref := repo.Key().ChunkID(content)

	sealed, err := repo.Key().Encrypt(content)
	assert.Ok(t, err)

	assert.Ok(t, repo.Put(ctx, ref, sealed))
	assert.Ok(t, repo.Commit(ctx))

	// re-storing an already committed chunk must not enter it into the
	// transaction journal; rolling back would otherwise destroy it
	assert.Ok(t, repo.Put(ctx, ref, sealed))
	assert.Ok(t, repo.Rollback(ctx))

	_, err = repo.Get(ctx, ref)
	assert.Ok(t, err)
}

func TestCommitPersistsManifest(t *testing.T) {
	dir, ctx, done := testEnv(t)
	defer done()

	repoID, err := Create(ctx, dir, nil)
	assert.Ok(t, err)

	repo, err := Open(ctx, dir, repoID, DefaultLockTimeout, nil)
	assert.Ok(t, err)

	sealed, metaRef := storeArchive(t, ctx, repo, "web1-abc", []string{"one", "two"})

	repo.Manifest().Add("web1-abc", metaRef.AsBytes(), time.Now().UTC())
	assert.Ok(t, repo.Commit(ctx))
	assert.Ok(t, repo.Close())
	_ = sealed

	reopened, err := Open(ctx, dir, repoID, DefaultLockTimeout, nil)
	assert.Ok(t, err)
	defer reopened.Close()

	_, found := reopened.Manifest().Archives["web1-abc"]
	assert.Assert(t, found)
}

func TestDeleteArchivesKeepsSharedChunks(t *testing.T) {
	repo, ctx, done := testRepo(t)
	defer done()

	// both archives reference "shared"; only one references "unique"
	_, aRef := storeArchive(t, ctx, repo, "web1-a", []string{"shared", "unique"})
	_, bRef := storeArchive(t, ctx, repo, "web1-b", []string{"shared"})

	repo.Manifest().Add("web1-a", aRef.AsBytes(), time.Now().UTC())
	repo.Manifest().Add("web1-b", bRef.AsBytes(), time.Now().UTC())
	assert.Ok(t, repo.Commit(ctx))

	_, err := repo.DeleteArchives(ctx, []string{"web1-a"})
	assert.Ok(t, err)
	assert.Ok(t, repo.Commit(ctx))

	sharedRef := repo.Key().ChunkID([]byte("shared"))
	uniqueRef := repo.Key().ChunkID([]byte("unique"))

	_, err = repo.Get(ctx, sharedRef)
	assert.Ok(t, err)

	_, err = repo.Get(ctx, uniqueRef)
	assert.Assert(t, err == reltypes.ErrChunkNotFound)

	_, found := repo.Manifest().Archives["web1-a"]
	assert.Assert(t, !found)
}

func TestChecks(t *testing.T) {
	repo, ctx, done := testRepo(t)
	defer done()

	_, metaRef := storeArchive(t, ctx, repo, "web1-a", []string{"alpha", "beta"})
	repo.Manifest().Add("web1-a", metaRef.AsBytes(), time.Now().UTC())
	assert.Ok(t, repo.Commit(ctx))

	structure, err := repo.CheckStructure(ctx)
	assert.Ok(t, err)
	assert.Assert(t, structure.Passed())

	verified, err := repo.VerifyData(ctx, nil)
	assert.Ok(t, err)
	assert.Assert(t, verified.Passed())

	archives, err := repo.CheckArchives(ctx, nil)
	assert.Ok(t, err)
	assert.Assert(t, archives.Passed())
	assert.Assert(t, archives.ArchivesChecked == 1)

	// removing a data chunk behind the repository's back must be caught
	assert.Ok(t, repo.Delete(ctx, repo.Key().ChunkID([]byte("beta"))))

	archives, err = repo.CheckArchives(ctx, nil)
	assert.Ok(t, err)
	assert.Assert(t, !archives.Passed())
}

func TestLockContention(t *testing.T) {
	dir, _, done := testEnv(t)
	defer done()

	lockPath := filepath.Join(dir, "lock")

	held, err := TakeLock(lockPath, DefaultLockTimeout)
	assert.Ok(t, err)

	_, err = TakeLock(lockPath, 200*time.Millisecond)
	timeout, is := err.(*LockTimeoutError)
	assert.Assert(t, is)
	assert.EqualString(t, timeout.Path, lockPath)

	assert.Ok(t, held.Release())

	reheld, err := TakeLock(lockPath, DefaultLockTimeout)
	assert.Ok(t, err)
	assert.Ok(t, reheld.Release())
}

// stores data chunks plus the archive metadata chunk; returns the meta chunk
func storeArchive(
	t *testing.T,
	ctx context.Context,
	repo *Repository,
	name string,
	contents []string,
) ([]byte, reltypes.ChunkRef) {
	items := []ArchiveItem{}

	for _, content := range contents {
		ref := repo.Key().ChunkID([]byte(content))

		sealed, err := repo.Key().Encrypt([]byte(content))
		assert.Ok(t, err)
		assert.Ok(t, repo.Put(ctx, ref, sealed))

		items = append(items, ArchiveItem{
			Path:   "/data/" + content,
			Chunks: [][]byte{ref.AsBytes()},
			Size:   int64(len(content)),
		})
	}

	meta := &ArchiveMeta{
		Name:   name,
		Time:   time.Now().UTC(),
		Items:  items,
		NFiles: int64(len(items)),
	}

	sealed, metaRef, err := EncodeArchiveMeta(meta, repo.Key())
	assert.Ok(t, err)
	assert.Ok(t, repo.Put(ctx, metaRef, sealed))

	return sealed, metaRef
}

func testEnv(t *testing.T) (string, context.Context, func()) {
	dir, err := os.MkdirTemp("", "relrepo")
	assert.Ok(t, err)

	return dir, context.Background(), func() {
		os.RemoveAll(dir)
	}
}

func testRepo(t *testing.T) (*Repository, context.Context, func()) {
	dir, ctx, cleanup := testEnv(t)

	repoID, err := Create(ctx, dir, nil)
	assert.Ok(t, err)

	repo, err := Open(ctx, dir, repoID, DefaultLockTimeout, nil)
	assert.Ok(t, err)

	return repo, ctx, func() {
		repo.Close()
		cleanup()
	}
}
