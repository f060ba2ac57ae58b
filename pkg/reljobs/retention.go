package reljobs

import (
	"fmt"
	"sort"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
)

// ArchiveEntry is the minimal view of an archive that retention math needs.
type ArchiveEntry struct {
	Name string
	Time time.Time
}

type retentionRule struct {
	keep   int
	bucket func(t time.Time) string
}

// ApplyRetention partitions archives into kept and prunable per the policy.
// Per granularity, the newest archive of each period bucket is kept, for the
// configured number of buckets; -1 means unlimited buckets. An archive kept by
// any granularity is kept, everything else is prunable.
func ApplyRetention(policy reltypes.RetentionPolicy, archives []ArchiveEntry) ([]ArchiveEntry, []ArchiveEntry) {
	rules := []retentionRule{
		{policy.KeepSecondly, func(t time.Time) string { return t.Format("2006-01-02 15:04:05") }},
		{policy.KeepMinutely, func(t time.Time) string { return t.Format("2006-01-02 15:04") }},
		{policy.KeepHourly, func(t time.Time) string { return t.Format("2006-01-02 15") }},
		{policy.KeepDaily, func(t time.Time) string { return t.Format("2006-01-02") }},
		{policy.KeepWeekly, func(t time.Time) string {
			year, week := t.ISOWeek()
			return fmt.Sprintf("%d-W%02d", year, week)
		}},
		{policy.KeepMonthly, func(t time.Time) string { return t.Format("2006-01") }},
		{policy.KeepYearly, func(t time.Time) string { return t.Format("2006") }},
	}

	newestFirst := append([]ArchiveEntry{}, archives...)
	sort.Slice(newestFirst, func(i, j int) bool {
		return newestFirst[i].Time.After(newestFirst[j].Time)
	})

	keptNames := map[string]bool{}

	for _, rule := range rules {
		if rule.keep == 0 {
			continue
		}

		seenBuckets := map[string]bool{}

		for _, archive := range newestFirst {
			bucket := rule.bucket(archive.Time)
			if seenBuckets[bucket] {
				continue
			}

			if rule.keep != -1 && len(seenBuckets) >= rule.keep {
				break
			}

			seenBuckets[bucket] = true
			keptNames[archive.Name] = true
		}
	}

	keep := []ArchiveEntry{}
	prune := []ArchiveEntry{}

	for _, archive := range newestFirst {
		if keptNames[archive.Name] {
			keep = append(keep, archive)
		} else {
			prune = append(prune, archive)
		}
	}

	return keep, prune
}
