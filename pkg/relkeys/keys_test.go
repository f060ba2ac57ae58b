package relkeys

import (
	"bytes"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestSyntheticKeyYieldsSameChunkIDs(t *testing.T) {
	real, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	synthetic, err := Synthesize(real, real.RepositoryID)
	assert.Ok(t, err)

	assert.Assert(t, synthetic.Type == KeyTypeSyntheticRepoKey)
	assert.Assert(t, !bytes.Equal(synthetic.EncryptionKey, real.EncryptionKey))
	assert.Assert(t, !bytes.Equal(synthetic.MACKey, real.MACKey))

	content := []byte("office documents")

	assert.Assert(t, synthetic.ChunkID(content).Equal(real.ChunkID(content)))
}

func TestSynthesizePlaintext(t *testing.T) {
	synthetic, err := Synthesize(&Key{Type: KeyTypePlaintext}, []byte("repo1"))
	assert.Ok(t, err)

	assert.Assert(t, synthetic.Type == KeyTypePlaintext)
	assert.Assert(t, synthetic.EncryptionKey == nil)

	content := []byte("hello")

	// plaintext family addresses by plain hash
	assert.EqualString(
		t,
		synthetic.ChunkID(content).AsHex(),
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
}

func TestSynthesizeAuthenticated(t *testing.T) {
	real, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)
	real.Type = KeyTypeAuthenticated
	real.EncryptionKey = nil

	synthetic, err := Synthesize(real, real.RepositoryID)
	assert.Ok(t, err)

	assert.Assert(t, synthetic.Type == KeyTypeSyntheticAuthenticated)
	assert.Assert(t, synthetic.EncryptionKey == nil)

	content := []byte("hello")
	assert.Assert(t, synthetic.ChunkID(content).Equal(real.ChunkID(content)))

	// authenticated chunks carry the plaintext in the clear
	sealed, err := synthetic.Encrypt(content)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Contains(sealed, content))

	opened, err := synthetic.Decrypt(synthetic.ChunkID(content), sealed)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(opened, content))
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	content := []byte("top secret payroll")
	ref := key.ChunkID(content)

	sealed, err := key.Encrypt(content)
	assert.Ok(t, err)
	assert.Assert(t, !bytes.Contains(sealed, content))

	opened, err := key.Decrypt(ref, sealed)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(opened, content))
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	content := []byte("top secret payroll")
	ref := key.ChunkID(content)

	sealed, err := key.Encrypt(content)
	assert.Ok(t, err)

	sealed[len(sealed)-1] ^= 0xff

	_, err = key.Decrypt(ref, sealed)
	assert.EqualString(t, err.Error(), "integrity error: data does not authenticate")
}

func TestDecryptRejectsWrongRef(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	sealed, err := key.Encrypt([]byte("content a"))
	assert.Ok(t, err)

	_, err = key.Decrypt(key.ChunkID([]byte("content b")), sealed)
	assert.EqualString(t, err.Error(), "integrity error: data does not authenticate")
}

func TestKeyDataRoundtrip(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	synthetic, err := Synthesize(key, key.RepositoryID)
	assert.Ok(t, err)

	data, err := synthetic.KeyData()
	assert.Ok(t, err)

	restored, err := KeyFromData(data, key.RepositoryID)
	assert.Ok(t, err)

	assert.Assert(t, restored.Type == KeyTypeSyntheticRepoKey)
	assert.Assert(t, bytes.Equal(restored.EncryptionKey, synthetic.EncryptionKey))
	assert.Assert(t, bytes.Equal(restored.IDKey, key.IDKey))
	assert.Assert(t, restored.ChunkSeed == key.ChunkSeed)

	// a chunk sealed before serialization opens after it
	content := []byte("survives process boundary")
	sealed, err := synthetic.Encrypt(content)
	assert.Ok(t, err)

	opened, err := restored.Decrypt(restored.ChunkID(content), sealed)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(opened, content))
}

func TestKeyDataRejectsCorruption(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	data, err := key.KeyData()
	assert.Ok(t, err)

	data[40] ^= 0xff

	_, err = KeyFromData(data, key.RepositoryID)
	assert.EqualString(t, err.Error(), "key data does not authenticate")
}

func TestManifestRoundtrip(t *testing.T) {
	key, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)

	manifest := NewManifest(key)
	manifest.Add("web1-aBcDeF12", []byte{0x01, 0x02}, time.Date(2020, 2, 20, 6, 0, 0, 0, time.UTC))

	sealed, id, err := manifest.Write()
	assert.Ok(t, err)
	assert.Assert(t, len(id.AsBytes()) == 32)

	restored, err := LoadManifest(sealed, key)
	assert.Ok(t, err)

	info, found := restored.Archives["web1-aBcDeF12"]
	assert.Assert(t, found)
	assert.Assert(t, bytes.Equal(info.ID, []byte{0x01, 0x02}))
	assert.Assert(t, info.Time.Equal(time.Date(2020, 2, 20, 6, 0, 0, 0, time.UTC)))

	assert.Assert(t, restored.Delete("web1-aBcDeF12"))
	assert.Assert(t, !restored.Delete("web1-aBcDeF12"))
}

func TestManifestRejectsWrongKey(t *testing.T) {
	keyA, err := NewRepoKey([]byte("repo1"))
	assert.Ok(t, err)
	keyB, err := NewRepoKey([]byte("repo2"))
	assert.Ok(t, err)

	sealed, _, err := NewManifest(keyA).Write()
	assert.Ok(t, err)

	_, err = LoadManifest(sealed, keyB)
	assert.EqualString(t, err.Error(), "integrity error: data does not authenticate")
}
