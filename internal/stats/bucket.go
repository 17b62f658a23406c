// Package stats folds timestamped events into zero-filled period buckets and
// derives growth and cohort-retention figures from them.
package stats

import (
	"math"
	"time"
)

// Reducer selects what a bucket reports.
type Reducer int

const (
	Count Reducer = iota
	Sum
	Average
	DistinctCount
)

func (r Reducer) String() string {
	switch r {
	case Sum:
		return "sum"
	case Average:
		return "average"
	case DistinctCount:
		return "distinct_count"
	default:
		return "count"
	}
}

// Point is one event to be bucketed. Actor is only needed for DistinctCount.
type Point struct {
	At    time.Time
	Value float64
	Actor string
}

// PeriodBucket accumulates the events of one period. Count and Sum are tracked
// together so averages are only divided at read time.
type PeriodBucket struct {
	Key    string
	Count  int
	Sum    float64
	actors map[string]struct{}
}

// Distinct returns the number of distinct actors seen in the bucket.
func (b *PeriodBucket) Distinct() int { return len(b.actors) }

// Value reads the bucket through r. Empty buckets read as 0 for every reducer.
func (b *PeriodBucket) Value(r Reducer) float64 {
	switch r {
	case Sum:
		return b.Sum
	case Average:
		if b.Count == 0 {
			return 0
		}
		return b.Sum / float64(b.Count)
	case DistinctCount:
		return float64(len(b.actors))
	default:
		return float64(b.Count)
	}
}

func (b *PeriodBucket) add(p Point) {
	b.Count++
	b.Sum += p.Value
	if p.Actor != "" {
		if b.actors == nil {
			b.actors = make(map[string]struct{})
		}
		b.actors[p.Actor] = struct{}{}
	}
}

// Series is an ordered, gap-free set of buckets.
type Series struct {
	kind    Reducer
	keys    []string
	buckets map[string]*PeriodBucket
	// Dropped counts points whose period was outside the series.
	Dropped int
}

// NewSeries pre-populates one empty bucket per period, in order.
func NewSeries(periods []string, kind Reducer) *Series {
	s := &Series{
		kind:    kind,
		keys:    make([]string, 0, len(periods)),
		buckets: make(map[string]*PeriodBucket, len(periods)),
	}
	for _, k := range periods {
		if _, dup := s.buckets[k]; dup {
			continue
		}
		s.keys = append(s.keys, k)
		s.buckets[k] = &PeriodBucket{Key: k}
	}
	return s
}

// Add folds p into the bucket named key. It reports false (and counts the point
// as dropped) when key is not one of the series periods.
func (s *Series) Add(key string, p Point) bool {
	b, ok := s.buckets[key]
	if !ok {
		s.Dropped++
		return false
	}
	b.add(p)
	return true
}

// Aggregate buckets points by keyOf(point.At) over periods.
func Aggregate(points []Point, periods []string, keyOf func(time.Time) string, kind Reducer) *Series {
	s := NewSeries(periods, kind)
	for _, p := range points {
		s.Add(keyOf(p.At), p)
	}
	return s
}

// Keys returns the period keys in order.
func (s *Series) Keys() []string { return s.keys }

// Len returns the number of periods.
func (s *Series) Len() int { return len(s.keys) }

// Bucket returns the bucket for key.
func (s *Series) Bucket(key string) (*PeriodBucket, bool) {
	b, ok := s.buckets[key]
	return b, ok
}

// Buckets returns a copy of every bucket in period order.
func (s *Series) Buckets() []PeriodBucket {
	out := make([]PeriodBucket, len(s.keys))
	for i, k := range s.keys {
		out[i] = *s.buckets[k]
	}
	return out
}

// Values reads every bucket through the series reducer.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.keys))
	for i, k := range s.keys {
		out[i] = s.buckets[k].Value(s.kind)
	}
	return out
}

// Round rounds x to the given number of decimal places, halves away from zero.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
