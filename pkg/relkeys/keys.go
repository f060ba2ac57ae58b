// Key synthesis: client-facing keys that preserve chunk-id compatibility with
// the real repository key without exposing real secrets.
package relkeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
)

type KeyType string

const (
	// real key families
	KeyTypePlaintext     KeyType = "plaintext"
	KeyTypeRepoKey       KeyType = "repokey"
	KeyTypeKeyfile       KeyType = "keyfile"
	KeyTypeAuthenticated KeyType = "authenticated"

	// synthesized families handed to clients
	KeyTypeSyntheticRepoKey       KeyType = "synthetic-repokey"
	KeyTypeSyntheticAuthenticated KeyType = "synthetic-authenticated"
)

const (
	keyMaterialLen = 32

	// chunk wire format discriminators
	formatPlaintext     = 0x00
	formatEncrypted     = 0x01
	formatAuthenticated = 0x02
)

var (
	ErrUnknownKeyType = errors.New("unknown key type")
	ErrBadKeyData     = errors.New("key data does not authenticate")
)

// Key is a tagged union over the key families. Only the fields a family needs
// are set; chunk-id derivation inputs (IDKey, ChunkSeed) are shared across all
// non-plaintext families so content addressing survives re-encryption.
type Key struct {
	Type          KeyType
	RepositoryID  []byte
	EncryptionKey []byte // AES-256-CTR
	MACKey        []byte // HMAC-SHA256 over iv+ciphertext
	IDKey         []byte // chunk-id HMAC key; nil = plain SHA-256 ids
	ChunkSeed     int32
}

func (k *Key) Synthetic() bool {
	return k.Type == KeyTypeSyntheticRepoKey || k.Type == KeyTypeSyntheticAuthenticated
}

// ChunkID derives the content-addressed id for plaintext. This must yield the
// exact same id under a real key and the synthetic key coerced from it.
func (k *Key) ChunkID(plaintext []byte) reltypes.ChunkRef {
	if k.IDKey == nil {
		sum := sha256.Sum256(plaintext)
		return reltypes.ChunkRef(sum[:])
	}

	mac := hmac.New(sha256.New, k.IDKey)
	_, _ = mac.Write(plaintext)
	return reltypes.ChunkRef(mac.Sum(nil))
}

func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	switch k.Type {
	case KeyTypePlaintext:
		return append([]byte{formatPlaintext}, plaintext...), nil
	case KeyTypeAuthenticated, KeyTypeSyntheticAuthenticated:
		mac := computeMAC(k.MACKey, plaintext)
		out := make([]byte, 0, 1+len(mac)+len(plaintext))
		out = append(out, formatAuthenticated)
		out = append(out, mac...)
		return append(out, plaintext...), nil
	case KeyTypeRepoKey, KeyTypeKeyfile, KeyTypeSyntheticRepoKey:
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}

		ciphertext, err := aesCTR(k.EncryptionKey, iv, plaintext)
		if err != nil {
			return nil, err
		}

		mac := computeMAC(k.MACKey, append(append([]byte{}, iv...), ciphertext...))

		out := make([]byte, 0, 1+len(mac)+len(iv)+len(ciphertext))
		out = append(out, formatEncrypted)
		out = append(out, mac...)
		out = append(out, iv...)
		return append(out, ciphertext...), nil
	default:
		return nil, ErrUnknownKeyType
	}
}

// Decrypt authenticates and opens one chunk. For content-addressed chunks the
// plaintext is additionally verified against ref; the manifest chunk is exempt
// because it is not content-addressed.
func (k *Key) Decrypt(ref reltypes.ChunkRef, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, reltypes.ErrIntegrity
	}

	var plaintext []byte

	switch data[0] {
	case formatPlaintext:
		plaintext = append([]byte{}, data[1:]...)
	case formatAuthenticated:
		if len(data) < 1+sha256.Size {
			return nil, reltypes.ErrIntegrity
		}
		mac, payload := data[1:1+sha256.Size], data[1+sha256.Size:]
		if !verifyMAC(k.MACKey, payload, mac) {
			return nil, reltypes.ErrIntegrity
		}
		plaintext = append([]byte{}, payload...)
	case formatEncrypted:
		if len(data) < 1+sha256.Size+aes.BlockSize {
			return nil, reltypes.ErrIntegrity
		}
		mac := data[1 : 1+sha256.Size]
		ivAndCiphertext := data[1+sha256.Size:]
		if !verifyMAC(k.MACKey, ivAndCiphertext, mac) {
			return nil, reltypes.ErrIntegrity
		}

		iv := ivAndCiphertext[:aes.BlockSize]
		var err error
		plaintext, err = aesCTR(k.EncryptionKey, iv, ivAndCiphertext[aes.BlockSize:])
		if err != nil {
			return nil, err
		}
	default:
		return nil, reltypes.ErrIntegrity
	}

	if !ref.IsManifest() && !k.ChunkID(plaintext).Equal(ref) {
		return nil, reltypes.ErrIntegrity
	}

	return plaintext, nil
}

// Synthesize derives a client-usable key from the real repository key:
//
//   - a plaintext key maps to an equivalent plaintext key (no secret material)
//   - symmetric repository-stored families map to a fresh synthetic repo key
//   - authentication-only families map to a synthetic authenticated key, which
//     confers no ability to decrypt server data
//
// The synthetic key's chunk-id inputs are then overwritten with the real key's
// so a client-encrypted chunk carries the exact id the real repository would
// assign. This is the load-bearing invariant of the relay.
func Synthesize(real *Key, repositoryID []byte) (*Key, error) {
	switch real.Type {
	case KeyTypePlaintext:
		return &Key{Type: KeyTypePlaintext, RepositoryID: repositoryID}, nil
	case KeyTypeRepoKey, KeyTypeKeyfile:
		synthetic, err := generate(KeyTypeSyntheticRepoKey, repositoryID)
		if err != nil {
			return nil, err
		}
		synthetic.coerceChunkIDs(real)
		return synthetic, nil
	case KeyTypeAuthenticated:
		synthetic, err := generate(KeyTypeSyntheticAuthenticated, repositoryID)
		if err != nil {
			return nil, err
		}
		synthetic.coerceChunkIDs(real)
		return synthetic, nil
	default:
		return nil, fmt.Errorf("synthesize: %w: %s", ErrUnknownKeyType, real.Type)
	}
}

// NewRepoKey generates a full real repository key. Used at repository
// initialization and by tests.
func NewRepoKey(repositoryID []byte) (*Key, error) {
	key, err := generate(KeyTypeRepoKey, repositoryID)
	if err != nil {
		return nil, err
	}

	key.IDKey = make([]byte, keyMaterialLen)
	if _, err := rand.Read(key.IDKey); err != nil {
		return nil, err
	}

	seed := make([]byte, 4)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	key.ChunkSeed = int32(binary.BigEndian.Uint32(seed))

	return key, nil
}

func generate(typ KeyType, repositoryID []byte) (*Key, error) {
	key := &Key{Type: typ, RepositoryID: repositoryID}

	key.MACKey = make([]byte, keyMaterialLen)
	if _, err := rand.Read(key.MACKey); err != nil {
		return nil, err
	}

	if typ != KeyTypeAuthenticated && typ != KeyTypeSyntheticAuthenticated {
		key.EncryptionKey = make([]byte, keyMaterialLen)
		if _, err := rand.Read(key.EncryptionKey); err != nil {
			return nil, err
		}
	}

	return key, nil
}

func (k *Key) coerceChunkIDs(coerceTo *Key) {
	k.IDKey = append([]byte{}, coerceTo.IDKey...)
	k.ChunkSeed = coerceTo.ChunkSeed
}

func computeMAC(macKey []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

func verifyMAC(macKey []byte, data []byte, expected []byte) bool {
	return subtle.ConstantTimeCompare(computeMAC(macKey, data), expected) == 1
}

func aesCTR(key []byte, iv []byte, in []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(in))
	cipher.NewCTR(blockCipher, iv).XORKeyStream(out, in)
	return out, nil
}

// serialized payload inside the key-data envelope
type keyPayload struct {
	Type          string
	EncryptionKey []byte
	MACKey        []byte
	IDKey         []byte
	ChunkSeed     int32
}

const keyDataIterations = 100000

// KeyData serializes the key to opaque bytes so it can be stored on a job
// record and reconstructed in a separate process. The envelope is sealed under
// a blank passphrase: the client needs no entered secret to use it.
func (k *Key) KeyData() ([]byte, error) {
	payload, err := msgpack.Codec.Marshal(&keyPayload{
		Type:          string(k.Type),
		EncryptionKey: k.EncryptionKey,
		MACKey:        k.MACKey,
		IDKey:         k.IDKey,
		ChunkSeed:     k.ChunkSeed,
	})
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	encKey, macKey := deriveEnvelopeKeys(salt)

	ciphertext, err := aesCTR(encKey, salt[:aes.BlockSize], payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+sha256.Size+len(ciphertext))
	out = append(out, salt...)
	out = append(out, computeMAC(macKey, ciphertext)...)
	return append(out, ciphertext...), nil
}

// KeyFromData is the inverse of KeyData.
func KeyFromData(data []byte, repositoryID []byte) (*Key, error) {
	if len(data) < 32+sha256.Size {
		return nil, ErrBadKeyData
	}

	salt, mac, ciphertext := data[:32], data[32:32+sha256.Size], data[32+sha256.Size:]

	encKey, macKey := deriveEnvelopeKeys(salt)

	if !verifyMAC(macKey, ciphertext, mac) {
		return nil, ErrBadKeyData
	}

	payloadRaw, err := aesCTR(encKey, salt[:aes.BlockSize], ciphertext)
	if err != nil {
		return nil, err
	}

	payload := keyPayload{}
	if err := msgpack.Codec.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, ErrBadKeyData
	}

	return &Key{
		Type:          KeyType(payload.Type),
		RepositoryID:  repositoryID,
		EncryptionKey: payload.EncryptionKey,
		MACKey:        payload.MACKey,
		IDKey:         payload.IDKey,
		ChunkSeed:     payload.ChunkSeed,
	}, nil
}

func deriveEnvelopeKeys(salt []byte) ([]byte, []byte) {
	// blank passphrase on purpose; secrecy of stored key data is provided by
	// the job record's access control, not by a passphrase
	derived := pbkdf2.Key([]byte(""), salt, keyDataIterations, 64, sha256.New)
	return derived[:32], derived[32:]
}
