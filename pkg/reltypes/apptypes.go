package reltypes

import (
	"bytes"
	"encoding/hex"
)

const (
	ChunkRefLen = 32
)

// ManifestID is the well-known chunk id under which a repository's manifest
// lives. The zero ref can never collide with a content-addressed chunk.
var ManifestID = ChunkRef(make([]byte, ChunkRefLen))

type ChunkRef []byte

func ChunkRefFromHex(serialized string) (*ChunkRef, error) {
	raw, err := hex.DecodeString(serialized)
	if err != nil {
		return nil, ErrBadChunkRef
	}

	return ChunkRefFromBytes(raw)
}

func ChunkRefFromBytes(raw []byte) (*ChunkRef, error) {
	if len(raw) != ChunkRefLen {
		return nil, ErrBadChunkRef
	}

	ref := ChunkRef(raw)
	return &ref, nil
}

func (c ChunkRef) AsHex() string {
	return hex.EncodeToString(c)
}

func (c ChunkRef) AsBytes() []byte {
	return c
}

func (c ChunkRef) Equal(other ChunkRef) bool {
	return bytes.Equal(c, other)
}

func (c ChunkRef) IsManifest() bool {
	return c.Equal(ManifestID)
}
