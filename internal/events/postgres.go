package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/models"
)

const (
	loginColumns = `id, user_id, "timestamp", successful, method, ip_address, user_agent`
	watchColumns = `id, video_id, session_id, start_time, end_time, seconds_watched, percent_watched, interactions`
)

// PostgresRepository reads and writes login_activities, watch_events and user_sessions.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates an event repository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanLogins(rows pgx.Rows) ([]models.LoginActivity, error) {
	defer rows.Close()
	var list []models.LoginActivity
	for rows.Next() {
		var a models.LoginActivity
		if err := rows.Scan(&a.ID, &a.UserID, &a.Timestamp, &a.Successful, &a.Method, &a.IPAddress, &a.UserAgent); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func scanSpans(rows pgx.Rows) ([]SessionSpan, error) {
	defer rows.Close()
	var list []SessionSpan
	for rows.Next() {
		var s SessionSpan
		if err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.ContentEngaged); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) SuccessfulLogins(ctx context.Context, from, to time.Time) ([]models.LoginActivity, error) {
	const q = `SELECT ` + loginColumns + ` FROM login_activities
		WHERE successful AND "timestamp" BETWEEN $1 AND $2 ORDER BY "timestamp"`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, apperr.Store("query logins", err)
	}
	list, err := scanLogins(rows)
	if err != nil {
		return nil, apperr.Store("scan logins", err)
	}
	return list, nil
}

func (r *PostgresRepository) WatchEvents(ctx context.Context, f WatchFilter) ([]models.WatchEvent, error) {
	const q = `SELECT ` + watchColumns + ` FROM watch_events
		WHERE start_time BETWEEN $1 AND $2 AND ($3::uuid IS NULL OR video_id = $3)
		ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q, f.From, f.To, f.VideoID)
	if err != nil {
		return nil, apperr.Store("query watch events", err)
	}
	defer rows.Close()
	var list []models.WatchEvent
	for rows.Next() {
		var e models.WatchEvent
		if err := rows.Scan(&e.ID, &e.VideoID, &e.SessionID, &e.StartTime, &e.EndTime,
			&e.SecondsWatched, &e.PercentWatched, &e.Interactions); err != nil {
			return nil, apperr.Store("scan watch event", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("query watch events", err)
	}
	return list, nil
}

func (r *PostgresRepository) CompletedSessions(ctx context.Context, from, to time.Time) ([]SessionSpan, error) {
	const q = `SELECT id, start_time, end_time, content_engaged FROM user_sessions
		WHERE NOT is_active AND end_time IS NOT NULL AND start_time BETWEEN $1 AND $2
		ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, apperr.Store("query completed sessions", err)
	}
	list, err := scanSpans(rows)
	if err != nil {
		return nil, apperr.Store("scan completed sessions", err)
	}
	return list, nil
}

func (r *PostgresRepository) SessionsStarted(ctx context.Context, from, to time.Time) ([]SessionSpan, error) {
	const q = `SELECT id, start_time, end_time, content_engaged FROM user_sessions
		WHERE start_time BETWEEN $1 AND $2 ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, apperr.Store("query sessions", err)
	}
	list, err := scanSpans(rows)
	if err != nil {
		return nil, apperr.Store("scan sessions", err)
	}
	return list, nil
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, a models.LoginActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	const q = `INSERT INTO login_activities (` + loginColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, a.ID, a.UserID, a.Timestamp, a.Successful, a.Method, a.IPAddress, a.UserAgent)
	return apperr.Store("insert login activity", err)
}

// UpsertWatchEvent keeps progress monotonic: a late, smaller update never
// lowers seconds or percent already recorded. Percents are compared after
// normalization, so a stored fraction of 1.0 outranks a later 99. The stored
// start time is locked and reused; updates never move it.
func (r *PostgresRepository) UpsertWatchEvent(ctx context.Context, e models.WatchEvent) error {
	if e.Interactions == nil {
		e.Interactions = []models.Interaction{}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Store("begin watch event upsert", err)
	}
	defer tx.Rollback(ctx)

	const lookup = `SELECT start_time FROM watch_events WHERE id = $1 FOR UPDATE`
	var stored time.Time
	found := true
	if err := tx.QueryRow(ctx, lookup, e.ID).Scan(&stored); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return apperr.Store("lock watch event", err)
		}
		found = false
	}
	if err := settleStart(&e, stored, found, time.Now().UTC()); err != nil {
		return err
	}

	const q = `INSERT INTO watch_events (` + watchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			end_time        = COALESCE(EXCLUDED.end_time, watch_events.end_time),
			seconds_watched = GREATEST(watch_events.seconds_watched, EXCLUDED.seconds_watched),
			percent_watched = CASE
				WHEN (CASE WHEN EXCLUDED.percent_watched > 1 THEN EXCLUDED.percent_watched ELSE EXCLUDED.percent_watched * 100 END)
				  >= (CASE WHEN watch_events.percent_watched > 1 THEN watch_events.percent_watched ELSE watch_events.percent_watched * 100 END)
				THEN EXCLUDED.percent_watched ELSE watch_events.percent_watched END,
			interactions    = CASE WHEN jsonb_array_length(EXCLUDED.interactions) >= jsonb_array_length(watch_events.interactions)
			                       THEN EXCLUDED.interactions ELSE watch_events.interactions END,
			updated_at      = NOW()`
	if _, err := tx.Exec(ctx, q, e.ID, e.VideoID, e.SessionID, e.StartTime, e.EndTime,
		e.SecondsWatched, e.PercentWatched, e.Interactions); err != nil {
		return apperr.Store("upsert watch event", err)
	}
	return apperr.Store("commit watch event", tx.Commit(ctx))
}
