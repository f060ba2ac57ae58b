package relrepo

import (
	"context"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
)

// CheckStats accumulates findings over the three check phases. An empty
// Problems slice means the phase passed.
type CheckStats struct {
	ChunksSeen      int
	ArchivesChecked int
	Problems        []string
}

func (s *CheckStats) Passed() bool {
	return len(s.Problems) == 0
}

// CheckStructure verifies repository-level invariants: every stored object
// parses as a chunk and the manifest's archive entries point at well-formed
// refs. Cheap; does not read chunk contents.
func (r *Repository) CheckStructure(ctx context.Context) (*CheckStats, error) {
	stats := &CheckStats{}

	if err := r.driver.RawList(ctx, func(ref reltypes.ChunkRef) error {
		stats.ChunksSeen++
		return nil
	}); err != nil {
		return nil, err
	}

	for name, info := range r.manifest.Archives {
		if len(info.ID) != reltypes.ChunkRefLen {
			stats.Problems = append(stats.Problems, "manifest entry with malformed id: "+name)
		}
	}

	return stats, nil
}

// VerifyData reads and authenticates every chunk in the store. Expensive:
// cost is proportional to total repository size.
func (r *Repository) VerifyData(ctx context.Context, onProgress func(seen int)) (*CheckStats, error) {
	stats := &CheckStats{}

	if err := r.driver.RawList(ctx, func(ref reltypes.ChunkRef) error {
		if ref.Equal(descriptorRef) {
			return nil // not sealed under the chunk format
		}

		stats.ChunksSeen++

		sealed, err := r.Get(ctx, ref)
		if err != nil {
			stats.Problems = append(stats.Problems, "unreadable chunk: "+ref.AsHex())
			return nil
		}

		if _, err := r.key.Decrypt(ref, sealed); err != nil {
			stats.Problems = append(stats.Problems, "corrupt chunk: "+ref.AsHex())
		}

		if onProgress != nil {
			onProgress(stats.ChunksSeen)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return stats, nil
}

// CheckArchives walks every manifest archive (or only those newer than
// onlyAfter) and verifies that all referenced chunks exist.
func (r *Repository) CheckArchives(ctx context.Context, onlyAfter *time.Time) (*CheckStats, error) {
	stats := &CheckStats{}

	for name, info := range r.manifest.Archives {
		if onlyAfter != nil && !info.Time.After(*onlyAfter) {
			continue
		}

		stats.ArchivesChecked++

		metaRef, err := reltypes.ChunkRefFromBytes(info.ID)
		if err != nil {
			stats.Problems = append(stats.Problems, "archive with malformed id: "+name)
			continue
		}

		sealed, err := r.Get(ctx, *metaRef)
		if err != nil {
			stats.Problems = append(stats.Problems, "archive metadata missing: "+name)
			continue
		}

		meta, err := DecodeArchiveMeta(*metaRef, sealed, r.key)
		if err != nil {
			stats.Problems = append(stats.Problems, "archive metadata corrupt: "+name)
			continue
		}

		for _, ref := range meta.ChunkRefs() {
			if _, err := r.Get(ctx, ref); err != nil {
				stats.Problems = append(stats.Problems, "archive "+name+" references missing chunk: "+ref.AsHex())
			}
		}
	}

	return stats, nil
}

// DeleteArchives removes the named archives and garbage-collects chunks no
// surviving archive references. Caller must Commit() to persist the manifest.
func (r *Repository) DeleteArchives(ctx context.Context, names []string) (int, error) {
	victims := map[string]bool{}
	for _, name := range names {
		victims[name] = true
	}

	// chunks reachable from surviving archives must not be touched
	keep := map[string]bool{}
	for name, info := range r.manifest.Archives {
		if victims[name] {
			continue
		}

		refs, err := r.archiveRefs(ctx, name, info.ID)
		if err != nil {
			return 0, err
		}

		for _, ref := range refs {
			keep[ref.AsHex()] = true
		}
		keep[reltypes.ChunkRef(info.ID).AsHex()] = true
	}

	deleted := 0

	for name := range victims {
		info, found := r.manifest.Archives[name]
		if !found {
			continue
		}

		refs, err := r.archiveRefs(ctx, name, info.ID)
		if err != nil {
			return deleted, err
		}

		for _, ref := range refs {
			if keep[ref.AsHex()] {
				continue
			}
			keep[ref.AsHex()] = true // dedupe within the victim itself

			if err := r.Delete(ctx, ref); err != nil && err != reltypes.ErrChunkNotFound {
				return deleted, err
			}
			deleted++
		}

		if !keep[reltypes.ChunkRef(info.ID).AsHex()] {
			if err := r.Delete(ctx, reltypes.ChunkRef(info.ID)); err != nil && err != reltypes.ErrChunkNotFound {
				return deleted, err
			}
			deleted++
		}

		r.manifest.Delete(name)
	}

	return deleted, nil
}

func (r *Repository) archiveRefs(ctx context.Context, name string, id []byte) ([]reltypes.ChunkRef, error) {
	metaRef, err := reltypes.ChunkRefFromBytes(id)
	if err != nil {
		return nil, err
	}

	sealed, err := r.Get(ctx, *metaRef)
	if err != nil {
		return nil, err
	}

	meta, err := DecodeArchiveMeta(*metaRef, sealed, r.key)
	if err != nil {
		return nil, err
	}

	return meta.ChunkRefs(), nil
}
