package reldb

import (
	"fmt"
	"log"
	"time"

	"github.com/function61/borgrelay/pkg/relutils"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

// opens BoltDB database
func Open(dbLocation string) (*bolt.DB, error) {
	return bolt.Open(dbLocation, 0700, nil)
}

func Bootstrap(db *bolt.DB, logger *log.Logger) error {
	logl := logex.Levels(logger)

	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer func() { ignoreError(tx.Rollback()) }()

	// be extra safe and scan the DB to see that it is totally empty
	if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		return fmt.Errorf("DB not empty, found bucket: %s", name)
	}); err != nil {
		return err
	}

	if err := BootstrapRepos(tx); err != nil {
		return err
	}

	serverSecret := relutils.NewServerSecret()

	results := []error{
		RetentionPolicyRepository.Update(&reltypes.RetentionPolicy{
			ID:          "default",
			Name:        "Default retention",
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 6,
		}, tx),
		CfgServerSecret.Set(serverSecret, tx),
	}

	if err := allOk(results); err != nil {
		return err
	}

	logl.Info.Printf("bootstrapped database at %s", time.Now().UTC().Format(time.RFC3339))

	return tx.Commit()
}

func BootstrapRepos(tx *bolt.Tx) error {
	for _, repo := range RepoByRecordType {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}
	}

	return nil
}

func allOk(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func ignoreError(err error) {
	// no-op
}
