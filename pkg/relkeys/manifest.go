package relkeys

import (
	"time"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/borgrelay/pkg/reltypes"
)

// ArchiveInfo is one manifest entry: the archive's metadata chunk and its
// creation time.
type ArchiveInfo struct {
	ID   []byte
	Time time.Time
}

// Manifest is a detached archive directory: it lives at the well-known
// manifest ref when stored in a repository, but can equally be held purely in
// memory as the per-client view the relay fabricates for a backup session.
type Manifest struct {
	Archives  map[string]ArchiveInfo
	Timestamp time.Time

	key *Key
}

type manifestPayload struct {
	Version   int
	Archives  map[string]ArchiveInfo
	Timestamp time.Time
}

func NewManifest(key *Key) *Manifest {
	return &Manifest{
		Archives:  map[string]ArchiveInfo{},
		Timestamp: time.Now().UTC(),
		key:       key,
	}
}

// LoadManifest opens a serialized manifest with the given key. The key need
// not be the one that wrote it, as long as the chunk authenticates (this is
// what lets a client manifest written under a synthetic key be read back
// server-side from stored bytes).
func LoadManifest(data []byte, key *Key) (*Manifest, error) {
	plaintext, err := key.Decrypt(reltypes.ManifestID, data)
	if err != nil {
		return nil, err
	}

	payload := manifestPayload{}
	if err := msgpack.Codec.Unmarshal(plaintext, &payload); err != nil {
		return nil, err
	}

	archives := payload.Archives
	if archives == nil {
		archives = map[string]ArchiveInfo{}
	}

	return &Manifest{
		Archives:  archives,
		Timestamp: payload.Timestamp,
		key:       key,
	}, nil
}

// Write serializes and seals the manifest, returning the sealed bytes and the
// content id of the serialized form. The content id changes whenever the
// archive set changes, so it serves as a cheap staleness check.
func (m *Manifest) Write() ([]byte, reltypes.ChunkRef, error) {
	m.Timestamp = time.Now().UTC()

	plaintext, err := msgpack.Codec.Marshal(&manifestPayload{
		Version:   1,
		Archives:  m.Archives,
		Timestamp: m.Timestamp,
	})
	if err != nil {
		return nil, nil, err
	}

	sealed, err := m.key.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}

	return sealed, m.key.ChunkID(plaintext), nil
}

func (m *Manifest) Add(name string, id []byte, ts time.Time) {
	m.Archives[name] = ArchiveInfo{ID: id, Time: ts}
}

func (m *Manifest) Delete(name string) bool {
	if _, found := m.Archives[name]; !found {
		return false
	}
	delete(m.Archives, name)
	return true
}

func (m *Manifest) Names() []string {
	names := []string{}
	for name := range m.Archives {
		names = append(names, name)
	}
	return names
}
