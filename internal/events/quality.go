package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/aura-webinar/engagement/internal/models"
	"github.com/aura-webinar/engagement/internal/telemetry"
)

// MaxSpan is the longest plausible watch or session; anything longer is treated as corrupt.
const MaxSpan = 24 * time.Hour

// Rejection reasons, also used as metric labels.
const (
	ReasonPercentOutOfRange = "percent_out_of_range"
	ReasonNoWatchTime       = "non_positive_seconds"
	ReasonSpanOutOfBounds   = "span_out_of_bounds"
	ReasonOpenSession       = "open_session"
)

// QualityError describes why a row was excluded from aggregation.
type QualityError struct {
	Reason string
	Detail string
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// NormalizePercent maps a raw percent onto 0-100. Producers send either a
// fraction (0.87) or a percentage (87); values above 1.0 are taken as percentages.
func NormalizePercent(raw float64) float64 {
	if raw > 1.0 {
		return raw
	}
	return raw * 100
}

// ValidSessionSpan reports whether end-start lies in (0, MaxSpan].
func ValidSessionSpan(start, end time.Time) error {
	d := end.Sub(start)
	if d <= 0 || d > MaxSpan {
		return &QualityError{Reason: ReasonSpanOutOfBounds, Detail: d.String()}
	}
	return nil
}

// ValidWatchEvent checks an event whose PercentWatched is already normalized.
func ValidWatchEvent(e models.WatchEvent) error {
	if e.PercentWatched < 0 || e.PercentWatched > 100 {
		return &QualityError{Reason: ReasonPercentOutOfRange, Detail: fmt.Sprintf("%.2f", e.PercentWatched)}
	}
	if e.SecondsWatched <= 0 {
		return &QualityError{Reason: ReasonNoWatchTime, Detail: fmt.Sprintf("%.2f", e.SecondsWatched)}
	}
	// A zero start is an update; its span is checked by the writer against the stored start.
	if e.EndTime != nil && !e.StartTime.IsZero() {
		if err := ValidSessionSpan(e.StartTime, *e.EndTime); err != nil {
			return err
		}
	}
	return nil
}

// settleStart fixes the start time an upsert will be judged by. A stored row
// always keeps its own start. A new row without one starts SecondsWatched
// before its end, or now when still open. The span is then checked.
func settleStart(e *models.WatchEvent, stored time.Time, found bool, now time.Time) error {
	switch {
	case found:
		e.StartTime = stored
	case e.StartTime.IsZero() && e.EndTime != nil:
		e.StartTime = e.EndTime.Add(-time.Duration(e.SecondsWatched * float64(time.Second)))
	case e.StartTime.IsZero():
		e.StartTime = now
	}
	if e.EndTime != nil {
		return ValidSessionSpan(e.StartTime, *e.EndTime)
	}
	return nil
}

// CleanWatchEvents normalizes percentages and drops invalid events, counting each drop.
func CleanWatchEvents(list []models.WatchEvent) []models.WatchEvent {
	out := make([]models.WatchEvent, 0, len(list))
	for _, e := range list {
		e.PercentWatched = NormalizePercent(e.PercentWatched)
		if err := ValidWatchEvent(e); err != nil {
			reason := "invalid"
			var qe *QualityError
			if errors.As(err, &qe) {
				reason = qe.Reason
			}
			telemetry.TrackSkipped("watch_events", reason)
			continue
		}
		out = append(out, e)
	}
	return out
}

// CleanSessionSpans keeps closed sessions whose duration is plausible.
func CleanSessionSpans(list []SessionSpan) []SessionSpan {
	out := make([]SessionSpan, 0, len(list))
	for _, s := range list {
		if s.EndTime == nil {
			telemetry.TrackSkipped("user_sessions", ReasonOpenSession)
			continue
		}
		if err := ValidSessionSpan(s.StartTime, *s.EndTime); err != nil {
			telemetry.TrackSkipped("user_sessions", ReasonSpanOutOfBounds)
			continue
		}
		out = append(out, s)
	}
	return out
}
