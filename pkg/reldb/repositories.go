// Encapsulates access to the metadata database
package reldb

import (
	"github.com/function61/borgrelay/pkg/blorm"
	"github.com/function61/borgrelay/pkg/reltypes"
)

// re-export so not all reldb-importing packages have to import blorm
var (
	StopIteration = blorm.StopIteration
	ErrNotFound   = blorm.ErrNotFound
)

var RepositoryRepository = register("Repository", blorm.NewSimpleRepo(
	"repositories",
	func() any { return &reltypes.Repository{} },
	func(record any) []byte { return []byte(record.(*reltypes.Repository).ID) }))

var ClientRepository = register("Client", blorm.NewSimpleRepo(
	"clients",
	func() any { return &reltypes.Client{} },
	func(record any) []byte { return []byte(record.(*reltypes.Client).Hostname) }))

var JobConfigRepository = register("JobConfig", blorm.NewSimpleRepo(
	"jobconfigs",
	func() any { return &reltypes.JobConfig{} },
	func(record any) []byte { return []byte(record.(*reltypes.JobConfig).ID) }))

var CheckConfigRepository = register("CheckConfig", blorm.NewSimpleRepo(
	"checkconfigs",
	func() any { return &reltypes.CheckConfig{} },
	func(record any) []byte { return []byte(record.(*reltypes.CheckConfig).ID) }))

var PruneConfigRepository = register("PruneConfig", blorm.NewSimpleRepo(
	"pruneconfigs",
	func() any { return &reltypes.PruneConfig{} },
	func(record any) []byte { return []byte(record.(*reltypes.PruneConfig).ID) }))

var RetentionPolicyRepository = register("RetentionPolicy", blorm.NewSimpleRepo(
	"retentionpolicies",
	func() any { return &reltypes.RetentionPolicy{} },
	func(record any) []byte { return []byte(record.(*reltypes.RetentionPolicy).ID) }))

var JobRepository = register("Job", blorm.NewSimpleRepo(
	"jobs",
	func() any { return &reltypes.Job{} },
	func(record any) []byte { return []byte(record.(*reltypes.Job).ID) }))

var JobsByStateIndex = blorm.NewValueIndex("state", JobRepository, func(record any, index func(val []byte)) {
	job := record.(*reltypes.Job)

	index([]byte(job.State))
})

var JobsByRepositoryIndex = blorm.NewValueIndex("repository", JobRepository, func(record any, index func(val []byte)) {
	job := record.(*reltypes.Job)

	if job.Repository != "" {
		index([]byte(job.Repository))
	}
})

var ArchiveRepository = register("Archive", blorm.NewSimpleRepo(
	"archives",
	func() any { return &reltypes.Archive{} },
	func(record any) []byte { return []byte(record.(*reltypes.Archive).ID) }))

var ArchivesByRepositoryIndex = blorm.NewValueIndex("repository", ArchiveRepository, func(record any, index func(val []byte)) {
	archive := record.(*reltypes.Archive)

	index([]byte(archive.Repository))
})

var configRepository = register("Config", blorm.NewSimpleRepo(
	"config",
	func() any { return &reltypes.Config{} },
	func(record any) []byte { return []byte(record.(*reltypes.Config).Key) }))

var RepoByRecordType = map[string]blorm.Repository{}

func register(name string, repo *blorm.SimpleRepository) *blorm.SimpleRepository {
	RepoByRecordType[name] = repo
	return repo
}

// appenders. Go surely would need some generic love..

func ClientAppender(slice *[]reltypes.Client) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.Client))
		return nil
	}
}

func RepositoryAppender(slice *[]reltypes.Repository) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.Repository))
		return nil
	}
}

func JobAppender(slice *[]reltypes.Job) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.Job))
		return nil
	}
}

func JobConfigAppender(slice *[]reltypes.JobConfig) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.JobConfig))
		return nil
	}
}

func CheckConfigAppender(slice *[]reltypes.CheckConfig) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.CheckConfig))
		return nil
	}
}

func PruneConfigAppender(slice *[]reltypes.PruneConfig) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.PruneConfig))
		return nil
	}
}

func ArchiveAppender(slice *[]reltypes.Archive) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*reltypes.Archive))
		return nil
	}
}
