package reldb

import (
	"github.com/function61/borgrelay/pkg/reltypes"
	"go.etcd.io/bbolt"
)

type dbQueries struct {
	tx *bolt.Tx
}

func Read(tx *bolt.Tx) *dbQueries {
	return &dbQueries{tx}
}

func (d *dbQueries) Repository(id string) (*reltypes.Repository, error) {
	record := &reltypes.Repository{}
	if err := RepositoryRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Client(hostname string) (*reltypes.Client, error) {
	record := &reltypes.Client{}
	if err := ClientRepository.OpenByPrimaryKey([]byte(hostname), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) JobConfig(id string) (*reltypes.JobConfig, error) {
	record := &reltypes.JobConfig{}
	if err := JobConfigRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) CheckConfig(id string) (*reltypes.CheckConfig, error) {
	record := &reltypes.CheckConfig{}
	if err := CheckConfigRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) PruneConfig(id string) (*reltypes.PruneConfig, error) {
	record := &reltypes.PruneConfig{}
	if err := PruneConfigRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) RetentionPolicy(id string) (*reltypes.RetentionPolicy, error) {
	record := &reltypes.RetentionPolicy{}
	if err := RetentionPolicyRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Job(id string) (*reltypes.Job, error) {
	record := &reltypes.Job{}
	if err := JobRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Archive(id string) (*reltypes.Archive, error) {
	record := &reltypes.Archive{}
	if err := ArchiveRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) JobsByState(state reltypes.JobState) ([]reltypes.Job, error) {
	jobs := []reltypes.Job{}

	return jobs, JobsByStateIndex.Query([]byte(state), func(id []byte) error {
		job, err := d.Job(string(id))
		if err != nil {
			return err
		}

		jobs = append(jobs, *job)

		return nil
	}, d.tx)
}

func (d *dbQueries) JobsByRepository(repoID string) ([]reltypes.Job, error) {
	jobs := []reltypes.Job{}

	return jobs, JobsByRepositoryIndex.Query([]byte(repoID), func(id []byte) error {
		job, err := d.Job(string(id))
		if err != nil {
			return err
		}

		jobs = append(jobs, *job)

		return nil
	}, d.tx)
}

func (d *dbQueries) ArchivesByRepository(repoID string) ([]reltypes.Archive, error) {
	archives := []reltypes.Archive{}

	return archives, ArchivesByRepositoryIndex.Query([]byte(repoID), func(id []byte) error {
		archive, err := d.Archive(string(id))
		if err != nil {
			return err
		}

		archives = append(archives, *archive)

		return nil
	}, d.tx)
}
