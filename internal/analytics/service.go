// Package analytics turns login, session and watch history into time-bucketed
// engagement reports.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/internal/events"
	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/period"
	"github.com/aura-webinar/engagement/internal/stats"
	"github.com/aura-webinar/engagement/internal/telemetry"
)

// Watch completion thresholds, in percent.
const (
	CompletionThreshold = 70
	DropOffThreshold    = 30
)

// Query is the common input of every report. Nil bounds fall back to the
// calendar defaults for the granularity.
type Query struct {
	Start       *time.Time
	End         *time.Time
	Granularity period.Granularity
}

// Window identifies the canonical range a report covers.
type Window struct {
	Start       string             `json:"start"`
	End         string             `json:"end"`
	Granularity period.Granularity `json:"granularity"`
}

type ActiveUserCount struct {
	Period      string             `json:"period"`
	Granularity period.Granularity `json:"granularity"`
	Count       int                `json:"count"`
}

type PeriodCount struct {
	Period string `json:"period"`
	Count  int    `json:"count"`
}

type ActiveUserTrend struct {
	Window
	Series []PeriodCount `json:"series"`
	// UniqueUsers counts each user once over the whole range.
	UniqueUsers int `json:"unique_users"`
}

type GrowthTrend struct {
	Window
	Series     []stats.GrowthRow `json:"series"`
	LatestRate float64           `json:"latest_rate"`
}

type RetentionReport struct {
	Window
	Cohorts []stats.CohortRow `json:"cohorts"`
	// AverageNextPeriod is the mean offset-1 retention over cohorts that have one.
	AverageNextPeriod float64 `json:"average_next_period_retention"`
}

type DurationRow struct {
	Period         string  `json:"period"`
	Sessions       int     `json:"sessions"`
	AverageMinutes float64 `json:"average_minutes"`
}

type DurationReport struct {
	Window
	Series         []DurationRow `json:"series"`
	Sessions       int           `json:"sessions"`
	AverageMinutes float64       `json:"average_minutes"`
	TotalMinutes   float64       `json:"total_minutes"`
}

type CompletionRow struct {
	Period         string  `json:"period,omitempty"`
	Total          int     `json:"total_sessions"`
	Completed      int     `json:"completed_sessions"`
	Partial        int     `json:"partial_sessions"`
	DroppedOff     int     `json:"dropped_off_sessions"`
	CompletionRate float64 `json:"completion_rate"`
	PartialRate    float64 `json:"partial_rate"`
	DropOffRate    float64 `json:"drop_off_rate"`
}

type CompletionReport struct {
	Window
	VideoID *uuid.UUID      `json:"video_id,omitempty"`
	Series  []CompletionRow `json:"series"`
	Overall CompletionRow   `json:"overall"`
}

type ViewsReport struct {
	Window
	VideoID *uuid.UUID    `json:"video_id,omitempty"`
	Series  []PeriodCount `json:"series"`
	Total   int           `json:"total_views"`
}

type PercentRow struct {
	Period         string  `json:"period"`
	Views          int     `json:"views"`
	AveragePercent float64 `json:"average_percent_watched"`
}

type AveragePercentReport struct {
	Window
	VideoID        *uuid.UUID   `json:"video_id,omitempty"`
	Series         []PercentRow `json:"series"`
	Views          int          `json:"views"`
	AveragePercent float64      `json:"average_percent_watched"`
}

type EngagementRow struct {
	Period          string  `json:"period"`
	Sessions        int     `json:"sessions"`
	EngagedSessions int     `json:"engaged_sessions"`
	EngagementRate  float64 `json:"engagement_rate"`
}

type EngagementReport struct {
	Window
	Series          []EngagementRow `json:"series"`
	Sessions        int             `json:"sessions"`
	EngagedSessions int             `json:"engaged_sessions"`
	EngagementRate  float64         `json:"engagement_rate"`
}

// Service composes the event reader with calendar and bucket math.
type Service struct {
	reader events.Reader
	cal    *period.Calendar
	logger *zap.Logger
}

// NewService creates an analytics service.
func NewService(reader events.Reader, cal *period.Calendar, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cal == nil {
		cal = period.New(time.UTC)
	}
	return &Service{reader: reader, cal: cal, logger: logger}
}

func (s *Service) window(q Query, opts period.Options) (period.Range, []string, error) {
	g := granularity(q)
	r, err := s.cal.CanonicalizeRange(q.Start, q.End, g, opts)
	if err != nil {
		return period.Range{}, nil, err
	}
	return r, s.cal.EnumeratePeriods(r, g), nil
}

func (s *Service) keyOf(g period.Granularity) func(time.Time) string {
	return func(t time.Time) string { return s.cal.PeriodKeyOf(t, g) }
}

func granularity(q Query) period.Granularity {
	if q.Granularity == "" {
		return period.Daily
	}
	return q.Granularity
}

func windowOf(keys []string, g period.Granularity) Window {
	w := Window{Granularity: g}
	if len(keys) > 0 {
		w.Start, w.End = keys[0], keys[len(keys)-1]
	}
	return w
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return stats.Round(float64(part)/float64(total)*100, 2)
}

func loginPoints(logins []stats.Activity) []stats.Point {
	points := make([]stats.Point, 0, len(logins))
	for _, a := range logins {
		points = append(points, stats.Point{At: a.At, Value: 1, Actor: a.Actor})
	}
	return points
}

func (s *Service) activity(ctx context.Context, r period.Range) ([]stats.Activity, error) {
	logins, err := s.reader.SuccessfulLogins(ctx, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("load logins: %w", err)
	}
	list := make([]stats.Activity, 0, len(logins))
	for _, l := range logins {
		list = append(list, stats.Activity{Actor: l.UserID.String(), At: l.Timestamp})
	}
	return list, nil
}

// ActiveUserCount counts distinct users with a successful login in the unit containing date.
func (s *Service) ActiveUserCount(ctx context.Context, date time.Time, g period.Granularity) (*ActiveUserCount, error) {
	defer telemetry.TrackReport("active_users").ObserveDuration()
	if g == "" {
		g = period.Daily
	}
	r, keys, err := s.window(Query{Start: &date, End: &date, Granularity: g}, period.Options{})
	if err != nil {
		return nil, err
	}
	acts, err := s.activity(ctx, r)
	if err != nil {
		return nil, err
	}
	series := stats.Aggregate(loginPoints(acts), keys, s.keyOf(g), stats.DistinctCount)
	out := &ActiveUserCount{Period: keys[0], Granularity: g}
	if b, ok := series.Bucket(keys[0]); ok {
		out.Count = b.Distinct()
	}
	return out, nil
}

// ActiveUserTrend reports distinct active users per period.
func (s *Service) ActiveUserTrend(ctx context.Context, q Query) (*ActiveUserTrend, error) {
	defer telemetry.TrackReport("active_users_trend").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	acts, err := s.activity(ctx, r)
	if err != nil {
		return nil, err
	}
	series := stats.Aggregate(loginPoints(acts), keys, s.keyOf(g), stats.DistinctCount)
	out := &ActiveUserTrend{Window: windowOf(keys, g), Series: make([]PeriodCount, 0, len(keys))}
	for _, b := range series.Buckets() {
		out.Series = append(out.Series, PeriodCount{Period: b.Key, Count: b.Distinct()})
	}
	unique := make(map[string]struct{})
	for _, a := range acts {
		unique[a.Actor] = struct{}{}
	}
	out.UniqueUsers = len(unique)
	return out, nil
}

// GrowthRateTrend reports period-over-period growth of active users. One extra
// period is loaded before the range so the first reported period has a real rate.
func (s *Service) GrowthRateTrend(ctx context.Context, q Query) (*GrowthTrend, error) {
	defer telemetry.TrackReport("growth").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{IncludePrior: true})
	if err != nil {
		return nil, err
	}
	acts, err := s.activity(ctx, r)
	if err != nil {
		return nil, err
	}
	series := stats.Aggregate(loginPoints(acts), keys, s.keyOf(g), stats.DistinctCount)
	rows := stats.GrowthRateOf(series)
	if len(rows) > 1 {
		rows = rows[1:]
		keys = keys[1:]
	}
	out := &GrowthTrend{Window: windowOf(keys, g), Series: rows}
	if len(rows) > 0 {
		out.LatestRate = rows[len(rows)-1].GrowthRate
	}
	return out, nil
}

// RetentionCohorts groups users by the period of their first login in the range.
func (s *Service) RetentionCohorts(ctx context.Context, q Query) (*RetentionReport, error) {
	defer telemetry.TrackReport("retention").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	acts, err := s.activity(ctx, r)
	if err != nil {
		return nil, err
	}
	rows := stats.ComputeRetention(acts, s.cal, r, g)
	if rows == nil {
		rows = []stats.CohortRow{}
	}
	out := &RetentionReport{Window: windowOf(keys, g), Cohorts: rows}
	var sum float64
	var n int
	for _, row := range rows {
		if v, ok := row.Retention[1]; ok {
			sum += float64(v)
			n++
		}
	}
	if n > 0 {
		out.AverageNextPeriod = stats.Round(sum/float64(n), 2)
	}
	return out, nil
}

// SessionDurationStats averages completed session length per period, in minutes.
// Sessions outside (0, 24h] are ignored.
func (s *Service) SessionDurationStats(ctx context.Context, q Query) (*DurationReport, error) {
	defer telemetry.TrackReport("session_duration").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	spans, err := s.reader.CompletedSessions(ctx, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	spans = events.CleanSessionSpans(spans)

	points := make([]stats.Point, 0, len(spans))
	for _, sp := range spans {
		points = append(points, stats.Point{At: sp.StartTime, Value: sp.EndTime.Sub(sp.StartTime).Minutes()})
	}
	series := stats.Aggregate(points, keys, s.keyOf(g), stats.Average)

	out := &DurationReport{Window: windowOf(keys, g), Series: make([]DurationRow, 0, len(keys))}
	for _, b := range series.Buckets() {
		out.Series = append(out.Series, DurationRow{
			Period:         b.Key,
			Sessions:       b.Count,
			AverageMinutes: stats.Round(b.Value(stats.Average), 1),
		})
		out.Sessions += b.Count
		out.TotalMinutes += b.Sum
	}
	if out.Sessions > 0 {
		out.AverageMinutes = stats.Round(out.TotalMinutes/float64(out.Sessions), 1)
	}
	out.TotalMinutes = stats.Round(out.TotalMinutes, 1)
	return out, nil
}

func classify(percent float64) (completed, partial, dropped int) {
	switch {
	case percent > CompletionThreshold:
		return 1, 0, 0
	case percent >= DropOffThreshold:
		return 0, 1, 0
	default:
		return 0, 0, 1
	}
}

func (c *CompletionRow) add(percent float64) {
	done, part, drop := classify(percent)
	c.Total++
	c.Completed += done
	c.Partial += part
	c.DroppedOff += drop
}

func (c *CompletionRow) finish() {
	c.CompletionRate = rate(c.Completed, c.Total)
	c.PartialRate = rate(c.Partial, c.Total)
	c.DropOffRate = rate(c.DroppedOff, c.Total)
}

// WatchCompletionStats classifies watch events as completed (>70%), partial
// (30-70%) or dropped off (<30%) per period. A nil videoID covers every video.
func (s *Service) WatchCompletionStats(ctx context.Context, videoID *uuid.UUID, q Query) (*CompletionReport, error) {
	defer telemetry.TrackReport("watch_completion").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	list, err := s.watchEvents(ctx, videoID, r)
	if err != nil {
		return nil, err
	}
	list = events.CleanWatchEvents(list)

	rows := make(map[string]*CompletionRow, len(keys))
	for _, k := range keys {
		rows[k] = &CompletionRow{Period: k}
	}
	out := &CompletionReport{Window: windowOf(keys, g), VideoID: videoID, Series: make([]CompletionRow, 0, len(keys))}
	for _, e := range list {
		row, ok := rows[s.cal.PeriodKeyOf(e.StartTime, g)]
		if !ok {
			continue
		}
		row.add(e.PercentWatched)
		out.Overall.add(e.PercentWatched)
	}
	for _, k := range keys {
		row := rows[k]
		row.finish()
		out.Series = append(out.Series, *row)
	}
	out.Overall.finish()
	s.logger.Debug("watch completion computed",
		zap.Int("events", out.Overall.Total),
		zap.String("granularity", string(g)),
	)
	return out, nil
}

func (s *Service) watchEvents(ctx context.Context, videoID *uuid.UUID, r period.Range) ([]models.WatchEvent, error) {
	list, err := s.reader.WatchEvents(ctx, events.WatchFilter{VideoID: videoID, From: r.Start, To: r.End})
	if err != nil {
		return nil, fmt.Errorf("load watch events: %w", err)
	}
	return list, nil
}

// VideoViewsTrend counts watch events started per period. Every recorded view
// counts, whatever its progress.
func (s *Service) VideoViewsTrend(ctx context.Context, videoID *uuid.UUID, q Query) (*ViewsReport, error) {
	defer telemetry.TrackReport("video_views").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	list, err := s.watchEvents(ctx, videoID, r)
	if err != nil {
		return nil, err
	}
	points := make([]stats.Point, 0, len(list))
	for _, e := range list {
		points = append(points, stats.Point{At: e.StartTime, Value: 1})
	}
	series := stats.Aggregate(points, keys, s.keyOf(g), stats.Count)

	out := &ViewsReport{Window: windowOf(keys, g), VideoID: videoID, Series: make([]PeriodCount, 0, series.Len())}
	for _, b := range series.Buckets() {
		out.Series = append(out.Series, PeriodCount{Period: b.Key, Count: b.Count})
		out.Total += b.Count
	}
	return out, nil
}

// AveragePercentWatchedTrend averages normalized watch percent per period.
// Events failing the quality rules are left out.
func (s *Service) AveragePercentWatchedTrend(ctx context.Context, videoID *uuid.UUID, q Query) (*AveragePercentReport, error) {
	defer telemetry.TrackReport("average_percent_watched").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	list, err := s.watchEvents(ctx, videoID, r)
	if err != nil {
		return nil, err
	}
	list = events.CleanWatchEvents(list)

	points := make([]stats.Point, 0, len(list))
	for _, e := range list {
		points = append(points, stats.Point{At: e.StartTime, Value: e.PercentWatched})
	}
	series := stats.Aggregate(points, keys, s.keyOf(g), stats.Average)

	out := &AveragePercentReport{Window: windowOf(keys, g), VideoID: videoID, Series: make([]PercentRow, 0, series.Len())}
	var total float64
	for _, b := range series.Buckets() {
		out.Series = append(out.Series, PercentRow{
			Period:         b.Key,
			Views:          b.Count,
			AveragePercent: stats.Round(b.Value(stats.Average), 2),
		})
		out.Views += b.Count
		total += b.Sum
	}
	if out.Views > 0 {
		out.AveragePercent = stats.Round(total/float64(out.Views), 2)
	}
	return out, nil
}

// SessionEngagementTrend counts sessions started per period and how many of
// them engaged with content.
func (s *Service) SessionEngagementTrend(ctx context.Context, q Query) (*EngagementReport, error) {
	defer telemetry.TrackReport("session_engagement").ObserveDuration()
	g := granularity(q)
	r, keys, err := s.window(q, period.Options{})
	if err != nil {
		return nil, err
	}
	spans, err := s.reader.SessionsStarted(ctx, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	points := make([]stats.Point, 0, len(spans))
	for _, sp := range spans {
		p := stats.Point{At: sp.StartTime}
		if sp.ContentEngaged {
			p.Value = 1
		}
		points = append(points, p)
	}
	series := stats.Aggregate(points, keys, s.keyOf(g), stats.Sum)

	out := &EngagementReport{Window: windowOf(keys, g), Series: make([]EngagementRow, 0, len(keys))}
	for _, b := range series.Buckets() {
		engaged := int(b.Sum)
		out.Series = append(out.Series, EngagementRow{
			Period:          b.Key,
			Sessions:        b.Count,
			EngagedSessions: engaged,
			EngagementRate:  rate(engaged, b.Count),
		})
		out.Sessions += b.Count
		out.EngagedSessions += engaged
	}
	out.EngagementRate = rate(out.EngagedSessions, out.Sessions)
	return out, nil
}
