package relcache

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/djherbis/times"
	"github.com/function61/gokit/logex"
)

// Housekeeping removes materialized job caches that nothing has touched within
// maxAge. Last use is judged by access time where the filesystem records it,
// falling back to modification time.
func Housekeeping(jobCachesDir string, maxAge time.Duration, logger *log.Logger) (int, error) {
	logl := logex.Levels(logex.NonNil(logger))

	entries, err := ioutil.ReadDir(jobCachesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(jobCachesDir, entry.Name())

		lastUse, err := lastUseTime(filepath.Join(dir, "config.json"))
		if err != nil {
			// half-materialized cache; age by the directory itself
			lastUse, err = lastUseTime(dir)
			if err != nil {
				continue
			}
		}

		if lastUse.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			logl.Error.Printf("housekeeping %s: %v", entry.Name(), err)
			continue
		}

		logl.Info.Printf("removed stale job cache %s (last use %s)", entry.Name(), lastUse.Format(time.RFC3339))
		removed++
	}

	return removed, nil
}

func lastUseTime(path string) (time.Time, error) {
	stat, err := times.Stat(path)
	if err != nil {
		return time.Time{}, err
	}

	if stat.HasChangeTime() && stat.ChangeTime().After(stat.AccessTime()) {
		return stat.ChangeTime(), nil
	}

	return stat.AccessTime(), nil
}
