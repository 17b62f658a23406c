package stats

// GrowthRow is one period of a growth-rate series.
type GrowthRow struct {
	Period        string  `json:"period"`
	Count         int     `json:"count"`
	PreviousCount int     `json:"previous_count"`
	GrowthRate    float64 `json:"growth_rate"`
}

// GrowthRate computes period-over-period change in percent. The first period
// compares against itself (0%). A zero baseline yields 100% when activity
// appears and 0% otherwise; other rates are rounded to 2 decimals.
func GrowthRate(periods []string, counts []int) []GrowthRow {
	n := len(periods)
	if len(counts) < n {
		n = len(counts)
	}
	rows := make([]GrowthRow, n)
	for i := 0; i < n; i++ {
		c := counts[i]
		prev := c
		if i > 0 {
			prev = counts[i-1]
		}
		rows[i] = GrowthRow{Period: periods[i], Count: c, PreviousCount: prev, GrowthRate: growth(prev, c)}
	}
	return rows
}

// GrowthRateOf runs GrowthRate over a series read through its reducer.
func GrowthRateOf(s *Series) []GrowthRow {
	vals := s.Values()
	counts := make([]int, len(vals))
	for i, v := range vals {
		counts[i] = int(v)
	}
	return GrowthRate(s.Keys(), counts)
}

func growth(prev, cur int) float64 {
	if prev == 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	return Round(float64(cur-prev)/float64(prev)*100, 2)
}
