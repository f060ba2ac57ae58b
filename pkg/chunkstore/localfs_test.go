package chunkstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
)

func TestPath(t *testing.T) {
	driver := NewLocalFs("/tmp/", nil)

	ref, _ := reltypes.ChunkRefFromHex("d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592")

	assert.EqualString(t,
		driver.getPath(*ref),
		"/tmp/d7/a/8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592.chunk")
}

func TestStoreFetchDeleteList(t *testing.T) {
	dir, err := os.MkdirTemp("", "chunkstore")
	assert.Ok(t, err)
	defer os.RemoveAll(dir)

	ctx := context.Background()
	driver := NewLocalFs(dir, nil)

	ref, _ := reltypes.ChunkRefFromHex("d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592")

	exists, err := driver.RawExists(ctx, *ref)
	assert.Ok(t, err)
	assert.Assert(t, !exists)

	assert.Ok(t, driver.RawStore(ctx, *ref, bytes.NewReader([]byte("hello"))))

	// storing same content again is a no-op
	assert.Ok(t, driver.RawStore(ctx, *ref, bytes.NewReader([]byte("hello"))))

	exists, err = driver.RawExists(ctx, *ref)
	assert.Ok(t, err)
	assert.Assert(t, exists)

	stream, err := driver.RawFetch(ctx, *ref)
	assert.Ok(t, err)
	content, err := ioutil.ReadAll(stream)
	assert.Ok(t, err)
	assert.Ok(t, stream.Close())
	assert.EqualString(t, string(content), "hello")

	refs := []string{}
	assert.Ok(t, driver.RawList(ctx, func(listed reltypes.ChunkRef) error {
		refs = append(refs, listed.AsHex())
		return nil
	}))
	assert.Assert(t, len(refs) == 1)
	assert.EqualString(t, refs[0], ref.AsHex())

	assert.Ok(t, driver.RawDelete(ctx, *ref))

	_, err = driver.RawFetch(ctx, *ref)
	assert.Assert(t, os.IsNotExist(err))
}
