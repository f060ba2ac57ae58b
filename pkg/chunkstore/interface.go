// Interface for writing chunk store adapters to the relay
package chunkstore

import (
	"context"
	"io"
	"log"
	"strings"

	"github.com/function61/borgrelay/pkg/reltypes"
)

type Driver interface {
	// backing store must be idempotent, i.e. writing same chunk again must not change
	// outcome. write also must be atomic. RawFetch() must not return anything before
	// store is completed succesfully.
	RawStore(ctx context.Context, ref reltypes.ChunkRef, content io.Reader) error

	// raw = driver doesn't do any encryption/integrity verifications, they are done
	//       at a higher level.
	// if chunk is not found, error must report os.IsNotExist(err) == true
	RawFetch(ctx context.Context, ref reltypes.ChunkRef) (io.ReadCloser, error)

	RawDelete(ctx context.Context, ref reltypes.ChunkRef) error

	// existence check without fetching; content addressing makes "exists" mean
	// "these exact bytes are already stored"
	RawExists(ctx context.Context, ref reltypes.ChunkRef) (bool, error)

	// enumerates every stored chunk. fn errors abort the walk.
	RawList(ctx context.Context, fn func(ref reltypes.ChunkRef) error) error

	Mountable(ctx context.Context) error
}

// location format:
//
//	/data0/repository             local filesystem
//	s3://bucket:region:key:secret AWS S3
func New(location string, logger *log.Logger) (Driver, error) {
	if strings.HasPrefix(location, "s3://") {
		return NewS3(strings.TrimPrefix(location, "s3://"), logger)
	}

	return NewLocalFs(location, logger), nil
}
