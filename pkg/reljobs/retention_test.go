package reljobs

import (
	"fmt"
	"testing"
	"time"

	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/assert"
)

func TestKeepDaily(t *testing.T) {
	// 10 days of daily backups at 03:00
	archives := []ArchiveEntry{}
	for day := 1; day <= 10; day++ {
		archives = append(archives, ArchiveEntry{
			Name: fmt.Sprintf("web1-day%02d", day),
			Time: time.Date(2020, 2, day, 3, 0, 0, 0, time.UTC),
		})
	}

	keep, prune := ApplyRetention(reltypes.RetentionPolicy{KeepDaily: 3}, archives)

	assert.Assert(t, len(keep) == 3)
	assert.Assert(t, len(prune) == 7)

	// newest three days survive
	assert.EqualString(t, keep[0].Name, "web1-day10")
	assert.EqualString(t, keep[1].Name, "web1-day09")
	assert.EqualString(t, keep[2].Name, "web1-day08")
}

func TestMultipleArchivesSameDay(t *testing.T) {
	archives := []ArchiveEntry{
		{Name: "web1-morning", Time: time.Date(2020, 2, 1, 6, 0, 0, 0, time.UTC)},
		{Name: "web1-evening", Time: time.Date(2020, 2, 1, 18, 0, 0, 0, time.UTC)},
		{Name: "web1-nextday", Time: time.Date(2020, 2, 2, 6, 0, 0, 0, time.UTC)},
	}

	keep, prune := ApplyRetention(reltypes.RetentionPolicy{KeepDaily: 2}, archives)

	// only the newest archive of each day counts for the daily rule
	assert.Assert(t, len(keep) == 2)
	assert.EqualString(t, keep[0].Name, "web1-nextday")
	assert.EqualString(t, keep[1].Name, "web1-evening")
	assert.Assert(t, len(prune) == 1)
	assert.EqualString(t, prune[0].Name, "web1-morning")
}

func TestRulesUnion(t *testing.T) {
	archives := []ArchiveEntry{
		{Name: "jan", Time: time.Date(2020, 1, 31, 3, 0, 0, 0, time.UTC)},
		{Name: "feb1", Time: time.Date(2020, 2, 1, 3, 0, 0, 0, time.UTC)},
		{Name: "feb2", Time: time.Date(2020, 2, 2, 3, 0, 0, 0, time.UTC)},
	}

	keep, _ := ApplyRetention(reltypes.RetentionPolicy{KeepDaily: 1, KeepMonthly: 2}, archives)

	// daily keeps feb2; monthly keeps feb2 (already) and jan
	names := []string{}
	for _, entry := range keep {
		names = append(names, entry.Name)
	}

	assert.EqualString(t, fmt.Sprintf("%v", names), "[feb2 jan]")
}

func TestUnlimitedKeep(t *testing.T) {
	archives := []ArchiveEntry{
		{Name: "a", Time: time.Date(2020, 2, 1, 3, 0, 0, 0, time.UTC)},
		{Name: "b", Time: time.Date(2020, 2, 2, 3, 0, 0, 0, time.UTC)},
		{Name: "c", Time: time.Date(2020, 2, 3, 3, 0, 0, 0, time.UTC)},
	}

	keep, prune := ApplyRetention(reltypes.RetentionPolicy{KeepDaily: -1}, archives)

	assert.Assert(t, len(keep) == 3)
	assert.Assert(t, len(prune) == 0)
}

func TestZeroPolicyPrunesEverything(t *testing.T) {
	archives := []ArchiveEntry{
		{Name: "a", Time: time.Date(2020, 2, 1, 3, 0, 0, 0, time.UTC)},
	}

	keep, prune := ApplyRetention(reltypes.RetentionPolicy{}, archives)

	assert.Assert(t, len(keep) == 0)
	assert.Assert(t, len(prune) == 1)
}
