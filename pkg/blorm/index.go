package blorm

import (
	"go.etcd.io/bbolt"
)

// valueIndex stores (partitionValue, recordId) = nil, bucketed as
// <repoBucket>:<indexName>/<partitionValue>. Example: jobs:repository/<repoId>.
type valueIndex struct {
	indexName []byte
	evaluator func(record any, push func(partition []byte))
	repo      *SimpleRepository
}

type ValueIndexAPI interface {
	// fn rules as with Repository.Each: return StopIteration to stop early
	Query(partition []byte, fn func(id []byte) error, tx *bolt.Tx) error
}

func NewValueIndex(name string, repo *SimpleRepository, evaluator func(record any, push func(partition []byte))) ValueIndexAPI {
	idx := &valueIndex{
		indexName: []byte(string(repo.bucketName) + ":" + name),
		evaluator: evaluator,
		repo:      repo,
	}

	repo.indices = append(repo.indices, idx)

	return idx
}

func (v *valueIndex) Query(partition []byte, fn func(id []byte) error, tx *bolt.Tx) error {
	indexBucket := tx.Bucket(v.indexName)
	if indexBucket == nil {
		return nil // index doesn't exist => no matching entries
	}

	partitionBucket := indexBucket.Bucket(partition)
	if partitionBucket == nil {
		return nil
	}

	cur := partitionBucket.Cursor()
	for id, _ := cur.First(); id != nil; id, _ = cur.Next() {
		if err := fn(makeCopy(id)); err != nil {
			if err == StopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}

func (v *valueIndex) put(record any, id []byte, tx *bolt.Tx) error {
	return v.eachPartition(record, func(partition []byte) error {
		indexBucket, err := tx.CreateBucketIfNotExists(v.indexName)
		if err != nil {
			return err
		}

		partitionBucket, err := indexBucket.CreateBucketIfNotExists(partition)
		if err != nil {
			return err
		}

		return partitionBucket.Put(id, nil)
	})
}

func (v *valueIndex) drop(record any, id []byte, tx *bolt.Tx) error {
	return v.eachPartition(record, func(partition []byte) error {
		indexBucket := tx.Bucket(v.indexName)
		if indexBucket == nil {
			return nil
		}

		partitionBucket := indexBucket.Bucket(partition)
		if partitionBucket == nil {
			return nil
		}

		return partitionBucket.Delete(id)
	})
}

func (v *valueIndex) eachPartition(record any, fn func(partition []byte) error) error {
	var firstErr error
	v.evaluator(record, func(partition []byte) {
		if len(partition) == 0 {
			panic("cannot index by empty value")
		}

		if firstErr == nil {
			firstErr = fn(partition)
		}
	})

	return firstErr
}

// https://github.com/boltdb/bolt/issues/658#issuecomment-277898467
func makeCopy(from []byte) []byte {
	copied := make([]byte, len(from))
	copy(copied, from)
	return copied
}
