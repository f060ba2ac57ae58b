package relrepo

import (
	"errors"
	"fmt"
	"time"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/borgrelay/pkg/relkeys"
	"github.com/function61/borgrelay/pkg/reltypes"
)

const archiveMetaVersion = 1

// ArchiveItem is one backed-up file entry inside an archive.
type ArchiveItem struct {
	Path   string
	Chunks [][]byte // data chunk ids, in order
	Size   int64
	Mode   uint32
	MTime  time.Time
}

// ArchiveMeta is the archive's metadata chunk: the durable root from which
// every data chunk of one backup run is reachable.
type ArchiveMeta struct {
	Version          int
	Name             string
	Hostname         string
	Time             time.Time
	Duration         time.Duration
	Items            []ArchiveItem
	NFiles           int64
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
}

// ChunkRefs returns every data chunk the archive references. The same chunk
// may appear multiple times; callers wanting a set must dedupe.
func (a *ArchiveMeta) ChunkRefs() []reltypes.ChunkRef {
	refs := []reltypes.ChunkRef{}
	for _, item := range a.Items {
		for _, chunk := range item.Chunks {
			refs = append(refs, reltypes.ChunkRef(chunk))
		}
	}

	return refs
}

// Validate does structural validation only. It deliberately does not verify
// that referenced chunks exist; that is a check-job concern.
func (a *ArchiveMeta) Validate() error {
	if a.Version != archiveMetaVersion {
		return fmt.Errorf("archive metadata: unsupported version %d", a.Version)
	}

	if a.Name == "" {
		return errors.New("archive metadata: empty name")
	}

	for _, item := range a.Items {
		if item.Path == "" {
			return errors.New("archive metadata: item with empty path")
		}

		for _, chunk := range item.Chunks {
			if len(chunk) != reltypes.ChunkRefLen {
				return fmt.Errorf("archive metadata: item %s: malformed chunk id", item.Path)
			}
		}
	}

	return nil
}

// EncodeArchiveMeta seals the metadata into a content-addressed chunk.
func EncodeArchiveMeta(meta *ArchiveMeta, key *relkeys.Key) ([]byte, reltypes.ChunkRef, error) {
	meta.Version = archiveMetaVersion

	if err := meta.Validate(); err != nil {
		return nil, nil, err
	}

	plaintext, err := msgpack.Codec.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}

	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}

	return sealed, key.ChunkID(plaintext), nil
}

func DecodeArchiveMeta(ref reltypes.ChunkRef, sealed []byte, key *relkeys.Key) (*ArchiveMeta, error) {
	plaintext, err := key.Decrypt(ref, sealed)
	if err != nil {
		return nil, err
	}

	meta := &ArchiveMeta{}
	if err := msgpack.Codec.Unmarshal(plaintext, meta); err != nil {
		return nil, err
	}

	if err := meta.Validate(); err != nil {
		return nil, err
	}

	return meta, nil
}
