package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/engagement/internal/models"
)

func TestNormalizePercent(t *testing.T) {
	assert.InDelta(t, 87, NormalizePercent(0.87), 1e-9)
	assert.Equal(t, float64(95), NormalizePercent(95))
	assert.Equal(t, float64(100), NormalizePercent(1.0))
	assert.Equal(t, float64(0), NormalizePercent(0))
}

func watch(start time.Time, seconds, percent float64, end *time.Time) models.WatchEvent {
	return models.WatchEvent{
		ID:             uuid.New(),
		VideoID:        uuid.New(),
		StartTime:      start,
		EndTime:        end,
		SecondsWatched: seconds,
		PercentWatched: percent,
	}
}

func TestValidWatchEvent(t *testing.T) {
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	ok := start.Add(10 * time.Minute)
	tooLong := start.Add(25 * time.Hour)
	before := start.Add(-time.Minute)

	tests := []struct {
		name   string
		e      models.WatchEvent
		reason string
	}{
		{"valid open", watch(start, 30, 50, nil), ""},
		{"valid closed", watch(start, 30, 100, &ok), ""},
		{"percent above 100", watch(start, 30, 140, nil), ReasonPercentOutOfRange},
		{"negative percent", watch(start, 30, -5, nil), ReasonPercentOutOfRange},
		{"zero seconds", watch(start, 0, 50, nil), ReasonNoWatchTime},
		{"longer than a day", watch(start, 30, 50, &tooLong), ReasonSpanOutOfBounds},
		{"ends before start", watch(start, 30, 50, &before), ReasonSpanOutOfBounds},
		{"update without start", watch(time.Time{}, 30, 50, &ok), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidWatchEvent(tt.e)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var qe *QualityError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.reason, qe.Reason)
		})
	}
}

func TestCleanWatchEvents(t *testing.T) {
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	in := []models.WatchEvent{
		watch(start, 30, 0.87, nil),
		watch(start, 30, 95, nil),
		watch(start, -1, 50, nil),
		watch(start, 30, 250, nil),
	}
	out := CleanWatchEvents(in)
	require.Len(t, out, 2)
	assert.InDelta(t, 87, out[0].PercentWatched, 1e-9)
	assert.Equal(t, float64(95), out[1].PercentWatched)
	// Input is not mutated.
	assert.Equal(t, 0.87, in[0].PercentWatched)
}

func TestCleanSessionSpans(t *testing.T) {
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	same := start
	long := start.Add(48 * time.Hour)
	out := CleanSessionSpans([]SessionSpan{
		{StartTime: start, EndTime: &end},
		{StartTime: start, EndTime: &same},
		{StartTime: start, EndTime: &long},
		{StartTime: start},
	})
	require.Len(t, out, 1)
	assert.Equal(t, end, *out[0].EndTime)
}

type staticSessions []models.Session

func (s staticSessions) All() []models.Session { return s }

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	u1, u2 := uuid.New(), uuid.New()
	closedEnd := base.Add(2 * time.Hour)

	repo := NewMemoryRepository(staticSessions{
		{ID: uuid.New(), UserID: u1, StartTime: base.Add(time.Hour), EndTime: &closedEnd},
		{ID: uuid.New(), UserID: u2, StartTime: base.Add(time.Hour), IsActive: true},
		{ID: uuid.New(), UserID: u2, StartTime: base.AddDate(0, 1, 0), IsActive: true},
	})

	require.NoError(t, repo.RecordLogin(ctx, models.LoginActivity{UserID: u1, Timestamp: base, Successful: true}))
	require.NoError(t, repo.RecordLogin(ctx, models.LoginActivity{UserID: u2, Timestamp: base.Add(time.Hour), Successful: true}))
	require.NoError(t, repo.RecordLogin(ctx, models.LoginActivity{UserID: u2, Timestamp: base, Successful: false}))
	require.NoError(t, repo.RecordLogin(ctx, models.LoginActivity{UserID: u1, Timestamp: base.AddDate(0, 0, 5), Successful: true}))

	day := base.Add(24*time.Hour - time.Nanosecond)
	logins, err := repo.SuccessfulLogins(ctx, base, day)
	require.NoError(t, err)
	assert.Len(t, logins, 2)

	logins, err = repo.SuccessfulLogins(ctx, base, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, logins, 3)

	completed, err := repo.CompletedSessions(ctx, base, day)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
	started, err := repo.SessionsStarted(ctx, base, day)
	require.NoError(t, err)
	assert.Len(t, started, 2)
}

func TestMemoryRepository_UpsertKeepsProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e := watch(start, 120, 60, nil)
	require.NoError(t, repo.UpsertWatchEvent(ctx, e))

	late := e
	late.SecondsWatched, late.PercentWatched = 30, 20
	end := start.Add(5 * time.Minute)
	late.EndTime = &end
	require.NoError(t, repo.UpsertWatchEvent(ctx, late))

	list, err := repo.WatchEvents(ctx, WatchFilter{VideoID: &e.VideoID, From: start, To: end})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, float64(120), list[0].SecondsWatched)
	assert.Equal(t, float64(60), list[0].PercentWatched)
	require.NotNil(t, list[0].EndTime)

	other := uuid.New()
	list, err = repo.WatchEvents(ctx, WatchFilter{VideoID: &other, From: start, To: end})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryRepository_UpsertComparesNormalizedPercent(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		first, second float64
		want          float64
	}{
		{"full fraction outranks 99", 1.0, 99, 1.0},
		{"half fraction outranks 40", 0.5, 40, 0.5},
		{"higher percentage replaces fraction", 0.5, 60, 60},
		{"higher fraction replaces percentage", 30, 0.45, 0.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository(nil)
			e := watch(start, 60, tt.first, nil)
			require.NoError(t, repo.UpsertWatchEvent(ctx, e))
			e.PercentWatched = tt.second
			require.NoError(t, repo.UpsertWatchEvent(ctx, e))

			list, err := repo.WatchEvents(ctx, WatchFilter{From: start, To: start})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, tt.want, list[0].PercentWatched)
		})
	}
}

func TestMemoryRepository_UpdateWithoutStartKeepsStoredStart(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e := watch(start, 30, 0.05, nil)
	require.NoError(t, repo.UpsertWatchEvent(ctx, e))

	end := start.Add(10 * time.Minute)
	update := e
	update.StartTime = time.Time{}
	update.EndTime = &end
	update.SecondsWatched, update.PercentWatched = 600, 95
	require.NoError(t, repo.UpsertWatchEvent(ctx, update))

	list, err := repo.WatchEvents(ctx, WatchFilter{From: start, To: end})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, start, list[0].StartTime)
	assert.Equal(t, float64(95), list[0].PercentWatched)
	require.NotNil(t, list[0].EndTime)
	assert.Equal(t, end, *list[0].EndTime)

	// The span is judged against the stored start.
	tooLate := start.Add(25 * time.Hour)
	update.EndTime = &tooLate
	var qe *QualityError
	require.ErrorAs(t, repo.UpsertWatchEvent(ctx, update), &qe)
	assert.Equal(t, ReasonSpanOutOfBounds, qe.Reason)
}

func TestMemoryRepository_NewWatchWithoutStart(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	end := time.Date(2025, 4, 1, 10, 10, 0, 0, time.UTC)
	e := watch(time.Time{}, 120, 50, &end)
	require.NoError(t, repo.UpsertWatchEvent(ctx, e))

	list, err := repo.WatchEvents(ctx, WatchFilter{From: end.Add(-time.Hour), To: end})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, end.Add(-2*time.Minute), list[0].StartTime)
}

func TestMemoryRepository_CompletedSessionsSpanningRangeEnd(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	day := base.Add(24*time.Hour - time.Nanosecond)
	lateStart := base.Add(23*time.Hour + 30*time.Minute)
	nextDay := base.Add(25 * time.Hour)
	early := base.Add(-time.Hour)
	earlyEnd := base.Add(time.Hour)

	repo := NewMemoryRepository(staticSessions{
		{ID: uuid.New(), StartTime: lateStart, EndTime: &nextDay},
		{ID: uuid.New(), StartTime: early, EndTime: &earlyEnd},
	})
	completed, err := repo.CompletedSessions(ctx, base, day)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, lateStart, completed[0].StartTime)
}
