// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"errors"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound       = errors.New("database: record not found")
	ErrBucketNotFound = errors.New("database: bucket not found")

	// return this from an Each()/Query() callback to stop iteration early.
	// not reported as an error to the caller.
	StopIteration = errors.New("blorm: stop iteration")
)

type Repository interface {
	Bootstrap(tx *bolt.Tx) error
	OpenByPrimaryKey(id []byte, record any, tx *bolt.Tx) error
	Update(record any, tx *bolt.Tx) error
	Delete(record any, tx *bolt.Tx) error
	Each(fn func(record any) error, tx *bolt.Tx) error
	Alloc() any
}

type SimpleRepository struct {
	bucketName  []byte
	alloc       func() any
	idExtractor func(record any) []byte
	indices     []*valueIndex
}

func NewSimpleRepo(bucketName string, allocator func() any, idExtractor func(any) []byte) *SimpleRepository {
	return &SimpleRepository{
		bucketName:  []byte(bucketName),
		alloc:       allocator,
		idExtractor: idExtractor,
	}
}

func (r *SimpleRepository) Bootstrap(tx *bolt.Tx) error {
	_, err := tx.CreateBucket(r.bucketName)
	return err
}

func (r *SimpleRepository) Alloc() any {
	return r.alloc()
}

func (r *SimpleRepository) OpenByPrimaryKey(id []byte, record any, tx *bolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	data := bucket.Get(id)
	if data == nil {
		return ErrNotFound
	}

	return msgpack.Codec.Unmarshal(data, record)
}

func (r *SimpleRepository) Update(record any, tx *bolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	id := r.idExtractor(record)

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	// index maintenance needs the old image to know which entries to drop
	oldImage := r.alloc()
	errOpenOld := r.OpenByPrimaryKey(id, oldImage, tx)
	if errOpenOld != nil && errOpenOld != ErrNotFound {
		return errOpenOld
	}

	for _, idx := range r.indices {
		if errOpenOld != ErrNotFound {
			if err := idx.drop(oldImage, id, tx); err != nil {
				return err
			}
		}

		if err := idx.put(record, id, tx); err != nil {
			return err
		}
	}

	return bucket.Put(id, data)
}

func (r *SimpleRepository) Delete(record any, tx *bolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	id := r.idExtractor(record)

	if bucket.Get(id) == nil { // bucket.Delete() does not error for missing keys
		return errors.New("record to delete does not exist")
	}

	for _, idx := range r.indices {
		if err := idx.drop(record, id, tx); err != nil {
			return err
		}
	}

	return bucket.Delete(id)
}

func (r *SimpleRepository) Each(fn func(record any) error, tx *bolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return ErrBucketNotFound
	}

	all := bucket.Cursor()
	for key, value := all.First(); key != nil; key, value = all.Next() {
		record := r.alloc()

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return err
		}

		if err := fn(record); err != nil {
			if err == StopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}
