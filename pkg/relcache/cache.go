// Server-side chunk cache: per-repository refcounts that get materialized
// into per-job transfer caches for clients.
package relcache

import (
	"encoding/binary"
	"log"
	"path/filepath"
	"time"

	"github.com/function61/borgrelay/pkg/relrepo"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

var (
	chunksBucket = []byte("chunks")
	metaBucket   = []byte("meta")

	manifestIDKey       = []byte("manifestID")
	previousLocationKey = []byte("previousLocation")
)

// Cache tracks, for one repository, how many archives reference each chunk.
// Clients get this knowledge shipped to them so they can skip re-uploading
// chunks the repository already has.
type Cache struct {
	db   *bolt.DB
	dir  string
	lock *relrepo.Lock
	logl *logex.Leveled
}

// Open locks and opens the cache for one repository. The lock is separate from
// the repository lock and has its own failure taxonomy upstream.
func Open(cacheDir string, repositoryID string, lockTimeout time.Duration, logger *log.Logger) (*Cache, error) {
	dir := filepath.Join(cacheDir, repositoryID)

	if err := mkdirAllIfMissing(dir); err != nil {
		return nil, err
	}

	lock, err := relrepo.TakeLock(filepath.Join(dir, "lock"), lockTimeout)
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dir, "cache.db"), 0700, nil)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		db.Close()
		_ = lock.Release()
		return nil, err
	}

	return &Cache{
		db:   db,
		dir:  dir,
		lock: lock,
		logl: logex.Levels(logex.NonNil(logger)),
	}, nil
}

func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		_ = c.lock.Release()
		return err
	}

	return c.lock.Release()
}

// SyncArchive incorporates a committed archive: every chunk it references gets
// its refcount bumped. The metadata is validated first so a corrupt archive
// cannot poison the cache.
func (c *Cache) SyncArchive(meta *relrepo.ArchiveMeta, metaRef reltypes.ChunkRef) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunksBucket)

		seen := map[string]bool{}
		bump := func(ref reltypes.ChunkRef) error {
			if seen[ref.AsHex()] {
				return nil
			}
			seen[ref.AsHex()] = true

			return chunks.Put(ref.AsBytes(), u32Bytes(u32FromBytes(chunks.Get(ref.AsBytes()))+1))
		}

		for _, ref := range meta.ChunkRefs() {
			if err := bump(ref); err != nil {
				return err
			}
		}

		return bump(metaRef)
	})
}

// DropArchive is SyncArchive's inverse; chunks reaching refcount zero are
// forgotten entirely.
func (c *Cache) DropArchive(meta *relrepo.ArchiveMeta, metaRef reltypes.ChunkRef) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunksBucket)

		seen := map[string]bool{}
		drop := func(ref reltypes.ChunkRef) error {
			if seen[ref.AsHex()] {
				return nil
			}
			seen[ref.AsHex()] = true

			count := u32FromBytes(chunks.Get(ref.AsBytes()))
			if count <= 1 {
				return chunks.Delete(ref.AsBytes())
			}

			return chunks.Put(ref.AsBytes(), u32Bytes(count-1))
		}

		for _, ref := range meta.ChunkRefs() {
			if err := drop(ref); err != nil {
				return err
			}
		}

		return drop(metaRef)
	})
}

// KnownChunks returns refcounts keyed by hex ref.
func (c *Cache) KnownChunks() (map[string]uint32, error) {
	known := map[string]uint32{}

	return known, c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).ForEach(func(ref []byte, count []byte) error {
			known[reltypes.ChunkRef(ref).AsHex()] = u32FromBytes(count)
			return nil
		})
	})
}

func (c *Cache) SetManifestID(id string) error {
	return c.setMeta(manifestIDKey, id)
}

func (c *Cache) ManifestID() (string, error) {
	return c.getMeta(manifestIDKey)
}

func (c *Cache) SetPreviousLocation(location string) error {
	return c.setMeta(previousLocationKey, location)
}

func (c *Cache) PreviousLocation() (string, error) {
	return c.getMeta(previousLocationKey)
}

func (c *Cache) setMeta(key []byte, value string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, []byte(value))
	})
}

func (c *Cache) getMeta(key []byte) (string, error) {
	value := ""
	return value, c.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(metaBucket).Get(key))
		return nil
	})
}

func u32Bytes(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func u32FromBytes(buf []byte) uint32 {
	if len(buf) != 4 {
		return 0
	}

	return binary.BigEndian.Uint32(buf)
}
