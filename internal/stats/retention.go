package stats

import (
	"math"
	"sort"
	"time"

	"github.com/aura-webinar/engagement/internal/period"
)

// Activity is one actor being active at a point in time.
type Activity struct {
	Actor string
	At    time.Time
}

// CohortRow is the retention of the actors whose first activity fell in Cohort.
// Retention is keyed by period offset; offset 0 is always 100 and offsets past
// the end of the range are absent.
type CohortRow struct {
	Cohort     string      `json:"cohort"`
	CohortSize int         `json:"cohort_size"`
	Retention  map[int]int `json:"retention"`
}

type actorTrail struct {
	first   int
	periods map[int]struct{}
}

// ComputeRetention groups actors by the period of their first activity in r
// and reports, for each later period of r, the rounded share of the cohort
// active in it. All events are grouped in one pass.
func ComputeRetention(events []Activity, cal *period.Calendar, r period.Range, g period.Granularity) []CohortRow {
	keys := cal.EnumeratePeriods(r, g)
	if len(keys) == 0 {
		return nil
	}
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	trails := make(map[string]*actorTrail)
	for _, e := range events {
		if e.Actor == "" || e.At.Before(r.Start) || e.At.After(r.End) {
			continue
		}
		idx, ok := index[cal.PeriodKeyOf(e.At, g)]
		if !ok {
			continue
		}
		t, ok := trails[e.Actor]
		if !ok {
			t = &actorTrail{first: idx, periods: make(map[int]struct{})}
			trails[e.Actor] = t
		}
		if idx < t.first {
			t.first = idx
		}
		t.periods[idx] = struct{}{}
	}

	sizes := make(map[int]int)
	returning := make(map[int]map[int]int) // cohort index -> offset -> actors
	for _, t := range trails {
		sizes[t.first]++
		for idx := range t.periods {
			o := idx - t.first
			if o <= 0 {
				continue
			}
			if returning[t.first] == nil {
				returning[t.first] = make(map[int]int)
			}
			returning[t.first][o]++
		}
	}

	cohorts := make([]int, 0, len(sizes))
	for idx := range sizes {
		cohorts = append(cohorts, idx)
	}
	sort.Ints(cohorts)

	last := len(keys) - 1
	rows := make([]CohortRow, 0, len(cohorts))
	for _, idx := range cohorts {
		size := sizes[idx]
		row := CohortRow{Cohort: keys[idx], CohortSize: size, Retention: map[int]int{0: 100}}
		for o := 1; o <= last-idx; o++ {
			row.Retention[o] = int(math.Round(float64(returning[idx][o]) / float64(size) * 100))
		}
		rows = append(rows, row)
	}
	return rows
}
