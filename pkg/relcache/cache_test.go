package relcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
)

func TestRefcounts(t *testing.T) {
	cache, done := testCache(t)
	defer done()

	metaA := archiveMeta("web1-a", [][]byte{chunkID(1), chunkID(2)})
	metaB := archiveMeta("web1-b", [][]byte{chunkID(2)})

	assert.Ok(t, cache.SyncArchive(metaA, reltypes.ChunkRef(chunkID(10))))
	assert.Ok(t, cache.SyncArchive(metaB, reltypes.ChunkRef(chunkID(11))))

	known, err := cache.KnownChunks()
	assert.Ok(t, err)

	assert.Assert(t, known[reltypes.ChunkRef(chunkID(1)).AsHex()] == 1)
	assert.Assert(t, known[reltypes.ChunkRef(chunkID(2)).AsHex()] == 2)
	assert.Assert(t, known[reltypes.ChunkRef(chunkID(10)).AsHex()] == 1)

	assert.Ok(t, cache.DropArchive(metaA, reltypes.ChunkRef(chunkID(10))))

	known, err = cache.KnownChunks()
	assert.Ok(t, err)

	_, chunk1Known := known[reltypes.ChunkRef(chunkID(1)).AsHex()]
	assert.Assert(t, !chunk1Known)
	assert.Assert(t, known[reltypes.ChunkRef(chunkID(2)).AsHex()] == 1)
}

func TestSyncArchiveRejectsCorruptMetadata(t *testing.T) {
	cache, done := testCache(t)
	defer done()

	corrupt := archiveMeta("web1-a", [][]byte{{0x01}}) // truncated chunk id

	err := cache.SyncArchive(corrupt, reltypes.ChunkRef(chunkID(10)))
	assert.EqualString(t, err.Error(), "archive metadata: item /data/f: malformed chunk id")
}

func TestCacheLockContention(t *testing.T) {
	dir, err := os.MkdirTemp("", "relcache")
	assert.Ok(t, err)
	defer os.RemoveAll(dir)

	cache, err := Open(dir, "repo1", 1*time.Second, nil)
	assert.Ok(t, err)

	_, err = Open(dir, "repo1", 100*time.Millisecond, nil)
	_, isTimeout := err.(*relrepo.LockTimeoutError)
	assert.Assert(t, isTimeout)

	assert.Ok(t, cache.Close())

	reopened, err := Open(dir, "repo1", 1*time.Second, nil)
	assert.Ok(t, err)
	assert.Ok(t, reopened.Close())
}

func TestMaterializeJobCache(t *testing.T) {
	cache, done := testCache(t)
	defer done()

	assert.Ok(t, cache.SyncArchive(
		archiveMeta("web1-a", [][]byte{chunkID(1)}),
		reltypes.ChunkRef(chunkID(10))))

	jobDir, err := os.MkdirTemp("", "jobcache")
	assert.Ok(t, err)
	defer os.RemoveAll(jobDir)

	assert.Ok(t, cache.MaterializeJobCache(jobDir, JobCacheConfig{
		Repository: "proxy://web1",
		ManifestID: "abcd",
	}))

	config, err := ReadJobCacheConfig(jobDir)
	assert.Ok(t, err)
	assert.EqualString(t, config.Repository, "proxy://web1")

	index, err := ReadJobCacheIndex(jobDir)
	assert.Ok(t, err)
	assert.Assert(t, len(index) == 2)
	assert.Assert(t, index[reltypes.ChunkRef(chunkID(1)).AsHex()] == 1)
}

func TestHousekeeping(t *testing.T) {
	dir, err := os.MkdirTemp("", "jobcaches")
	assert.Ok(t, err)
	defer os.RemoveAll(dir)

	staleDir := filepath.Join(dir, "job-stale")
	assert.Ok(t, os.MkdirAll(staleDir, 0700))

	// no config.json and a fresh directory: young, must survive
	removed, err := Housekeeping(dir, 1*time.Hour, nil)
	assert.Ok(t, err)
	assert.Assert(t, removed == 0)

	// with zero max age everything qualifies
	removed, err = Housekeeping(dir, 0, nil)
	assert.Ok(t, err)
	assert.Assert(t, removed == 1)

	_, err = os.Stat(staleDir)
	assert.Assert(t, os.IsNotExist(err))
}

func testCache(t *testing.T) (*Cache, func()) {
	dir, err := os.MkdirTemp("", "relcache")
	assert.Ok(t, err)

	cache, err := Open(dir, "repo1", 1*time.Second, nil)
	assert.Ok(t, err)

	return cache, func() {
		cache.Close()
		os.RemoveAll(dir)
	}
}

func chunkID(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, reltypes.ChunkRefLen)
}

func archiveMeta(name string, chunks [][]byte) *relrepo.ArchiveMeta {
	items := []relrepo.ArchiveItem{}
	for _, chunk := range chunks {
		items = append(items, relrepo.ArchiveItem{
			Path:   "/data/f",
			Chunks: [][]byte{chunk},
			Size:   1,
		})
	}

	return &relrepo.ArchiveMeta{
		Version: 1,
		Name:    name,
		Time:    time.Now().UTC(),
		Items:   items,
		NFiles:  int64(len(items)),
	}
}
