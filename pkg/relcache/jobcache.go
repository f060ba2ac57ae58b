package relcache

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/gokit/jsonfile"
)

const jobCacheReadme = `This is a backup cache materialized by borgrelay.
It is synced to the client before a backup run so the client can deduplicate
against what the repository already contains. Do not edit by hand.
`

// JobCacheConfig is what the client-side tooling reads to wire the transfer
// cache to the right (proxied) repository.
type JobCacheConfig struct {
	Repository       string `json:"repository"`
	ManifestID       string `json:"manifest_id"`
	PreviousLocation string `json:"previous_location,omitempty"`
}

// MaterializeJobCache exports the repository cache into a directory that can
// be rsynced to the client as its borg-style cache. The chunk index is a
// snapshot: concurrent cache mutation after materialization is fine, the
// client just deduplicates slightly suboptimally.
func (c *Cache) MaterializeJobCache(jobDir string, config JobCacheConfig) error {
	if err := mkdirAllIfMissing(jobDir); err != nil {
		return err
	}

	if err := ioutil.WriteFile(filepath.Join(jobDir, "README"), []byte(jobCacheReadme), 0644); err != nil {
		return err
	}

	if err := jsonfile.Write(filepath.Join(jobDir, "config.json"), &config); err != nil {
		return err
	}

	known, err := c.KnownChunks()
	if err != nil {
		return err
	}

	index, err := msgpack.Codec.Marshal(known)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(filepath.Join(jobDir, "chunks.idx"), index, 0644)
}

// ReadJobCacheConfig loads a materialized cache's config back, used when
// validating what a finished job's client cache pointed at.
func ReadJobCacheConfig(jobDir string) (*JobCacheConfig, error) {
	config := &JobCacheConfig{}
	if err := jsonfile.Read(filepath.Join(jobDir, "config.json"), config, true); err != nil {
		return nil, err
	}

	return config, nil
}

func ReadJobCacheIndex(jobDir string) (map[string]uint32, error) {
	raw, err := ioutil.ReadFile(filepath.Join(jobDir, "chunks.idx"))
	if err != nil {
		return nil, err
	}

	known := map[string]uint32{}
	if err := msgpack.Codec.Unmarshal(raw, &known); err != nil {
		return nil, err
	}

	return known, nil
}

func mkdirAllIfMissing(dir string) error {
	return os.MkdirAll(dir, 0700)
}
