// Access to the real backup repository: chunk transactions, manifest, locking.
package relrepo

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/borgrelay/pkg/chunkstore"
	"github.com/function61/borgrelay/pkg/relkeys"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
)

const descriptorVersion = 1

// the descriptor lives at the all-ones ref: like the manifest's all-zeroes
// ref, unreachable by content addressing
var descriptorRef = reltypes.ChunkRef(bytes.Repeat([]byte{0xff}, reltypes.ChunkRefLen))

// DefaultLockTimeout mirrors the short wait a non-interactive job can afford.
const DefaultLockTimeout = 1 * time.Second

type repoDescriptor struct {
	Version      int
	RepositoryID []byte
	KeyData      []byte
}

// IDMismatchError: the store at the configured location identifies as a
// different repository than our records say. Fatal, never retried: it means
// somebody swapped or restored the store behind our back.
type IDMismatchError struct {
	Reported string // hex, what the store says
	Expected string // hex, what our records say
}

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("repository id mismatch: store reports %s, records say %s", e.Reported, e.Expected)
}

func (e *IDMismatchError) Is(target error) bool {
	return target == reltypes.ErrRepositoryIDMismatch
}

type Repository struct {
	driver   chunkstore.Driver
	key      *relkeys.Key
	repoID   []byte
	manifest *relkeys.Manifest
	lock     *Lock
	journal  []reltypes.ChunkRef
	logl     *logex.Leveled
}

// Create initializes a brand new repository at location: fresh identity, fresh
// key, empty manifest. Returns the new repository id as hex.
func Create(ctx context.Context, location string, logger *log.Logger) (string, error) {
	if isLocalLocation(location) {
		if err := os.MkdirAll(location, 0700); err != nil {
			return "", err
		}
	}

	driver, err := chunkstore.New(location, logger)
	if err != nil {
		return "", err
	}

	if existing, err := driver.RawFetch(ctx, descriptorRef); !os.IsNotExist(err) {
		if err != nil {
			return "", err
		}

		_ = existing.Close()
		return "", fmt.Errorf("location %s already contains a repository", location)
	}

	repoID := make([]byte, 32)
	if _, err := rand.Read(repoID); err != nil {
		return "", err
	}

	key, err := relkeys.NewRepoKey(repoID)
	if err != nil {
		return "", err
	}

	keyData, err := key.KeyData()
	if err != nil {
		return "", err
	}

	descriptor, err := msgpack.Codec.Marshal(&repoDescriptor{
		Version:      descriptorVersion,
		RepositoryID: repoID,
		KeyData:      keyData,
	})
	if err != nil {
		return "", err
	}

	if err := driver.RawStore(ctx, descriptorRef, bytes.NewReader(descriptor)); err != nil {
		return "", err
	}

	manifestSealed, _, err := relkeys.NewManifest(key).Write()
	if err != nil {
		return "", err
	}

	if err := driver.RawStore(ctx, reltypes.ManifestID, bytes.NewReader(manifestSealed)); err != nil {
		return "", err
	}

	return hex.EncodeToString(repoID), nil
}

// Open mounts, locks and validates the repository. expectedRepoID (hex) is
// what our records say the store's identity must be; pass "" on first contact.
func Open(
	ctx context.Context,
	location string,
	expectedRepoID string,
	lockTimeout time.Duration,
	logger *log.Logger,
) (*Repository, error) {
	driver, err := chunkstore.New(location, logger)
	if err != nil {
		return nil, err
	}

	if err := driver.Mountable(ctx); err != nil {
		return nil, err
	}

	var lock *Lock
	if isLocalLocation(location) {
		lock, err = TakeLock(filepath.Join(location, "lock"), lockTimeout)
		if err != nil {
			return nil, err
		}
	}

	repo, err := openLocked(ctx, driver, expectedRepoID, lock, logger)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}

		return nil, err
	}

	return repo, nil
}

func openLocked(
	ctx context.Context,
	driver chunkstore.Driver,
	expectedRepoID string,
	lock *Lock,
	logger *log.Logger,
) (*Repository, error) {
	descriptorStream, err := driver.RawFetch(ctx, descriptorRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reltypes.ErrRepositoryNotFound
		}

		return nil, err
	}
	defer descriptorStream.Close()

	descriptorRaw, err := ioutil.ReadAll(descriptorStream)
	if err != nil {
		return nil, err
	}

	descriptor := repoDescriptor{}
	if err := msgpack.Codec.Unmarshal(descriptorRaw, &descriptor); err != nil {
		return nil, fmt.Errorf("corrupt repository descriptor: %v", err)
	}

	if descriptor.Version != descriptorVersion || len(descriptor.RepositoryID) != 32 {
		return nil, fmt.Errorf("corrupt repository descriptor")
	}

	reportedID := hex.EncodeToString(descriptor.RepositoryID)

	if expectedRepoID != "" && reportedID != expectedRepoID {
		return nil, &IDMismatchError{Reported: reportedID, Expected: expectedRepoID}
	}

	key, err := relkeys.KeyFromData(descriptor.KeyData, descriptor.RepositoryID)
	if err != nil {
		return nil, err
	}

	manifest, err := loadManifest(ctx, driver, key)
	if err != nil {
		return nil, err
	}

	return &Repository{
		driver:   driver,
		key:      key,
		repoID:   descriptor.RepositoryID,
		manifest: manifest,
		lock:     lock,
		journal:  []reltypes.ChunkRef{},
		logl:     logex.Levels(logex.NonNil(logger)),
	}, nil
}

func loadManifest(ctx context.Context, driver chunkstore.Driver, key *relkeys.Key) (*relkeys.Manifest, error) {
	stream, err := driver.RawFetch(ctx, reltypes.ManifestID)
	if err != nil {
		if os.IsNotExist(err) {
			return relkeys.NewManifest(key), nil
		}

		return nil, err
	}
	defer stream.Close()

	sealed, err := ioutil.ReadAll(stream)
	if err != nil {
		return nil, err
	}

	return relkeys.LoadManifest(sealed, key)
}

func (r *Repository) RepositoryID() string {
	return hex.EncodeToString(r.repoID)
}

func (r *Repository) Key() *relkeys.Key {
	return r.key
}

func (r *Repository) Manifest() *relkeys.Manifest {
	return r.manifest
}

// Get returns the sealed chunk bytes as stored.
func (r *Repository) Get(ctx context.Context, ref reltypes.ChunkRef) ([]byte, error) {
	if ref.Equal(descriptorRef) {
		return nil, reltypes.ErrChunkNotFound
	}

	stream, err := r.driver.RawFetch(ctx, ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reltypes.ErrChunkNotFound
		}

		return nil, err
	}
	defer stream.Close()

	return ioutil.ReadAll(stream)
}

// Put stores a sealed chunk and journals the write so Rollback() can undo it.
// A chunk that already exists is not journaled: it predates the transaction,
// so rolling back must not remove it.
func (r *Repository) Put(ctx context.Context, ref reltypes.ChunkRef, sealed []byte) error {
	if ref.Equal(descriptorRef) || ref.IsManifest() {
		return reltypes.ErrBadChunkRef
	}

	exists, err := r.driver.RawExists(ctx, ref)
	if err != nil {
		return err
	}

	if exists {
		// idempotent by content addressing: same ref = same bytes
		return nil
	}

	if err := r.driver.RawStore(ctx, ref, bytes.NewReader(sealed)); err != nil {
		return err
	}

	r.journal = append(r.journal, ref)

	return nil
}

func (r *Repository) Delete(ctx context.Context, ref reltypes.ChunkRef) error {
	if ref.Equal(descriptorRef) || ref.IsManifest() {
		return reltypes.ErrBadChunkRef
	}

	if err := r.driver.RawDelete(ctx, ref); err != nil {
		if os.IsNotExist(err) {
			return reltypes.ErrChunkNotFound
		}

		return err
	}

	return nil
}

// Commit persists the manifest and forgets the journal: everything written in
// this transaction is now permanent.
func (r *Repository) Commit(ctx context.Context) error {
	sealed, _, err := r.manifest.Write()
	if err != nil {
		return err
	}

	// manifest ref is constant but content changes, so replace instead of the
	// idempotent store path
	if err := r.driver.RawDelete(ctx, reltypes.ManifestID); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := r.driver.RawStore(ctx, reltypes.ManifestID, bytes.NewReader(sealed)); err != nil {
		return err
	}

	r.journal = []reltypes.ChunkRef{}

	return nil
}

// Rollback deletes every chunk written since the last Commit and restores the
// manifest from the store.
func (r *Repository) Rollback(ctx context.Context) error {
	for _, ref := range r.journal {
		if err := r.driver.RawDelete(ctx, ref); err != nil && !os.IsNotExist(err) {
			r.logl.Error.Printf("rollback: deleting %s: %v", ref.AsHex(), err)
		}
	}

	r.journal = []reltypes.ChunkRef{}

	manifest, err := loadManifest(ctx, r.driver, r.key)
	if err != nil {
		return err
	}

	r.manifest = manifest

	return nil
}

// idempotent; release the lock exactly once
func (r *Repository) Close() error {
	if r.lock != nil {
		lock := r.lock
		r.lock = nil
		return lock.Release()
	}

	return nil
}

func isLocalLocation(location string) bool {
	return !strings.Contains(location, "://")
}
