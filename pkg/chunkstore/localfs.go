package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

func NewLocalFs(path string, logger *log.Logger) *localFs {
	return &localFs{
		path: path,
		log:  logex.Levels(logex.NonNil(logger)),
	}
}

type localFs struct {
	path string
	log  *logex.Leveled
}

func (l *localFs) RawStore(ctx context.Context, ref reltypes.ChunkRef, content io.Reader) error {
	filename := l.getPath(ref)

	// does not error if already exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return mapEnospc(err)
	}

	chunkExists, err := fileexists.Exists(filename)
	if err != nil {
		return err
	}

	if chunkExists {
		// idempotent by content addressing: same ref = same bytes
		return nil
	}

	return mapEnospc(atomicfilewrite.Write(filename, func(writer io.Writer) error {
		_, err := io.Copy(writer, content)
		return err
	}))
}

func (l *localFs) RawFetch(ctx context.Context, ref reltypes.ChunkRef) (io.ReadCloser, error) {
	return os.Open(l.getPath(ref))
}

func (l *localFs) RawDelete(ctx context.Context, ref reltypes.ChunkRef) error {
	return os.Remove(l.getPath(ref))
}

func (l *localFs) RawExists(ctx context.Context, ref reltypes.ChunkRef) (bool, error) {
	return fileexists.Exists(l.getPath(ref))
}

func (l *localFs) RawList(ctx context.Context, fn func(ref reltypes.ChunkRef) error) error {
	return filepath.Walk(l.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !strings.HasSuffix(path, ".chunk") {
			return nil
		}

		// reassemble the hex that getPath() split into fanout components
		rel, err := filepath.Rel(l.path, path)
		if err != nil {
			return err
		}

		hexHash := strings.ReplaceAll(strings.TrimSuffix(rel, ".chunk"), string(filepath.Separator), "")

		ref, err := reltypes.ChunkRefFromHex(hexHash)
		if err != nil {
			return fmt.Errorf("unrecognized file in chunk store: %s", rel)
		}

		return fn(*ref)
	})
}

func (l *localFs) Mountable(ctx context.Context) error {
	exists, err := fileexists.Exists(l.path)
	if err != nil {
		return err
	}

	if !exists {
		return reltypes.ErrRepositoryNotFound
	}

	return nil
}

func (l *localFs) getPath(ref reltypes.ChunkRef) string {
	hexHash := ref.AsHex()

	// this should yield 4 096 directories as maximum
	return filepath.Join(
		l.path,
		hexHash[0:2],
		hexHash[2:3],
		hexHash[3:]+".chunk")
}

func mapEnospc(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return reltypes.ErrInsufficientSpace
	}

	return err
}
