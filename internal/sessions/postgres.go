package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/engagement/internal/apperr"
	"github.com/aura-webinar/engagement/internal/models"
)

const sessionColumns = `id, user_id, start_time, last_active_time, end_time, is_active, content_engaged, ip_address, user_agent, device_info`

// PostgresStore handles user_sessions persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a session store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.StartTime, &s.LastActiveTime, &s.EndTime, &s.IsActive,
		&s.ContentEngaged, &s.Client.IPAddress, &s.Client.UserAgent, &s.Client.Device)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	return apperr.Store(op, err)
}

func collectClosed(rows pgx.Rows) ([]Closed, error) {
	defer rows.Close()
	var closed []Closed
	for rows.Next() {
		var c Closed
		if err := rows.Scan(&c.ID, &c.UserID, &c.EndTime); err != nil {
			return nil, err
		}
		closed = append(closed, c)
	}
	return closed, rows.Err()
}

// ReplaceActive serializes concurrent starts for one user on a transaction-scoped
// advisory lock, closes the user's active sessions and inserts s. The partial
// unique index on (user_id) WHERE is_active rejects anything that slips past.
func (r *PostgresStore) ReplaceActive(ctx context.Context, s *models.Session) ([]Closed, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Store("begin start session", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.UserID.String()); err != nil {
		return nil, apperr.Store("lock user sessions", err)
	}

	const closeQ = `UPDATE user_sessions SET is_active = FALSE, end_time = GREATEST($2, start_time)
		WHERE user_id = $1 AND is_active
		RETURNING id, user_id, end_time`
	rows, err := tx.Query(ctx, closeQ, s.UserID, s.StartTime)
	if err != nil {
		return nil, apperr.Store("close previous sessions", err)
	}
	closed, err := collectClosed(rows)
	if err != nil {
		return nil, apperr.Store("close previous sessions", err)
	}

	const insertQ = `INSERT INTO user_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, NULL, TRUE, $5, $6, $7, $8)`
	_, err = tx.Exec(ctx, insertQ, s.ID, s.UserID, s.StartTime, s.LastActiveTime, s.ContentEngaged,
		s.Client.IPAddress, s.Client.UserAgent, s.Client.Device)
	if err != nil {
		return nil, apperr.Store("insert session", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Store("commit start session", err)
	}
	s.IsActive = true
	s.EndTime = nil
	return closed, nil
}

func (r *PostgresStore) GetActive(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM user_sessions WHERE id = $1 AND is_active`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr("get active session", err)
	}
	return s, nil
}

func (r *PostgresStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	const q = `UPDATE user_sessions SET last_active_time = GREATEST(last_active_time, $2)
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, at))
	if err != nil {
		return nil, notFoundOr("touch session", err)
	}
	return s, nil
}

func (r *PostgresStore) CloseIfActive(ctx context.Context, id uuid.UUID, end time.Time) (*Closed, error) {
	const q = `UPDATE user_sessions SET is_active = FALSE, end_time = GREATEST($2, start_time)
		WHERE id = $1 AND is_active
		RETURNING id, user_id, end_time`
	var c Closed
	if err := r.pool.QueryRow(ctx, q, id, end).Scan(&c.ID, &c.UserID, &c.EndTime); err != nil {
		return nil, notFoundOr("close session", err)
	}
	return &c, nil
}

func (r *PostgresStore) SetContentEngaged(ctx context.Context, id uuid.UUID, engaged bool) (*models.Session, error) {
	const q = `UPDATE user_sessions SET content_engaged = $2
		WHERE id = $1 AND is_active
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, engaged))
	if err != nil {
		return nil, notFoundOr("set content engaged", err)
	}
	return s, nil
}

func (r *PostgresStore) CloseAllForUser(ctx context.Context, userID uuid.UUID, end time.Time) ([]Closed, error) {
	const q = `UPDATE user_sessions SET is_active = FALSE, end_time = GREATEST($2, start_time)
		WHERE user_id = $1 AND is_active
		RETURNING id, user_id, end_time`
	rows, err := r.pool.Query(ctx, q, userID, end)
	if err != nil {
		return nil, apperr.Store("close user sessions", err)
	}
	closed, err := collectClosed(rows)
	if err != nil {
		return nil, apperr.Store("close user sessions", err)
	}
	return closed, nil
}

func (r *PostgresStore) CloseIdle(ctx context.Context, cutoff time.Time, grace time.Duration) ([]Closed, error) {
	const q = `UPDATE user_sessions SET is_active = FALSE, end_time = last_active_time + make_interval(secs => $2)
		WHERE is_active AND last_active_time <= $1
		RETURNING id, user_id, end_time`
	rows, err := r.pool.Query(ctx, q, cutoff, grace.Seconds())
	if err != nil {
		return nil, apperr.Store("close idle sessions", err)
	}
	closed, err := collectClosed(rows)
	if err != nil {
		return nil, apperr.Store("close idle sessions", err)
	}
	return closed, nil
}

func (r *PostgresStore) ListActive(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM user_sessions
		WHERE user_id = $1 AND is_active ORDER BY last_active_time DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, apperr.Store("list active sessions", err)
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Store("scan session", err)
		}
		list = append(list, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list active sessions", err)
	}
	return list, nil
}
