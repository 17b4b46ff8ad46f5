// internal/storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WayShare/wayshare-go/internal/model"
)

// postgres provides persistent storage for reports, accounts and the idempotency cache.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Registered reporters
		CREATE TABLE IF NOT EXISTS accounts (
		    id TEXT PRIMARY KEY,
		    email TEXT NOT NULL UNIQUE,              -- Stored lower-cased
		    password_hash TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Anonymized reports: plate_hash is a salted hash, lat/lng are grid-rounded
		CREATE TABLE IF NOT EXISTS reports (
		    id TEXT PRIMARY KEY,                     -- ULID
		    session_id TEXT NOT NULL,
		    account_id TEXT REFERENCES accounts(id),
		    incident_type TEXT NOT NULL,
		    subcategory TEXT NOT NULL DEFAULT '',
		    plate_hash TEXT NOT NULL DEFAULT '',
		    lat DOUBLE PRECISION NOT NULL,
		    lng DOUBLE PRECISION NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    media_key TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_reports_session_created_at ON reports(session_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_grid ON reports(lat, lng);

		-- Cached responses for resubmitted reports
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,
		    response_body BYTEA NOT NULL,
		    response_status INTEGER NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

const reportColumns = `id, session_id, COALESCE(account_id, ''), incident_type, subcategory, plate_hash, lat, lng, description, media_key, created_at`

func scanReport(row pgx.Row, r *model.Report) error {
	return row.Scan(
		&r.ID,
		&r.SessionID,
		&r.AccountID,
		&r.IncidentType,
		&r.Subcategory,
		&r.PlateHash,
		&r.Lat,
		&r.Lng,
		&r.Description,
		&r.MediaKey,
		&r.CreatedAt,
	)
}

// CreateReport inserts an anonymized report
func (p *postgres) CreateReport(ctx context.Context, r model.Report) error {
	query := `INSERT INTO reports (id, session_id, account_id, incident_type, subcategory, plate_hash, lat, lng, description, media_key, created_at)
	          VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := p.db.Exec(ctx, query,
		r.ID,
		r.SessionID,
		r.AccountID,
		string(r.IncidentType),
		r.Subcategory,
		r.PlateHash,
		r.Lat,
		r.Lng,
		r.Description,
		r.MediaKey,
		r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// GetReport retrieves a report by its ID
func (p *postgres) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var r model.Report
	err := scanReport(p.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id), &r)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &r, nil
}

// ListReports lists a session's reports with cursor-based pagination, newest first
func (p *postgres) ListReports(ctx context.Context, query model.ListReportsQuery) (*model.ListReportsResult, error) {
	sql := `SELECT ` + reportColumns + ` FROM reports WHERE session_id = $1`
	args := []interface{}{query.SessionID}
	argIndex := 2

	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		sql += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id < $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, c.CreatedAt, c.ID)
		argIndex += 2
	}

	limit := pageSize(query.Limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1) // One extra row tells whether another page exists

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]model.Report, 0, limit)
	more := false
	for rows.Next() {
		if len(reports) == limit {
			more = true
			break
		}
		var r model.Report
		if err := scanReport(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	result := &model.ListReportsResult{Reports: reports}
	if more && len(reports) > 0 {
		last := reports[len(reports)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

// Heatmap counts reports per grid cell. Coordinates are stored rounded, so
// grouping on them is grouping on the anonymization grid.
func (p *postgres) Heatmap(ctx context.Context, query model.HeatmapQuery) ([]model.HeatPoint, error) {
	var where []string
	var args []interface{}
	if !query.Since.IsZero() {
		args = append(args, query.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if query.IncidentType != "" {
		args = append(args, string(query.IncidentType))
		where = append(where, fmt.Sprintf("incident_type = $%d", len(args)))
	}

	sql := `SELECT lat, lng, COUNT(*) FROM reports`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " GROUP BY lat, lng ORDER BY COUNT(*) DESC, lat, lng"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate heatmap: %w", err)
	}
	defer rows.Close()

	points := []model.HeatPoint{}
	for rows.Next() {
		var pt model.HeatPoint
		if err := rows.Scan(&pt.Lat, &pt.Lng, &pt.Count); err != nil {
			return nil, fmt.Errorf("failed to scan heat point: %w", err)
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating heat points: %w", err)
	}
	return points, nil
}

// CreateAccount creates a new account in the database
func (p *postgres) CreateAccount(ctx context.Context, account model.Account) error {
	query := `INSERT INTO accounts (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, account.ID, strings.ToLower(account.Email), account.PasswordHash, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (p *postgres) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return p.getAccount(ctx, `SELECT id, email, password_hash, created_at FROM accounts WHERE id = $1`, id)
}

// GetAccountByEmail retrieves an account by email, ignoring case
func (p *postgres) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return p.getAccount(ctx, `SELECT id, email, password_hash, created_at FROM accounts WHERE email = $1`, strings.ToLower(email))
}

func (p *postgres) getAccount(ctx context.Context, query, arg string) (*model.Account, error) {
	var a model.Account
	err := p.db.QueryRow(ctx, query, arg).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	query := `INSERT INTO idempotency (key_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (key_hash) DO UPDATE
	          SET response_body = $2, response_status = $3, created_at = $4, expires_at = $5`

	_, err := p.db.Exec(ctx, query, keyHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// ReserveIdempotencyKey inserts a pending row (status 0) for keyHash, taking
// over an expired row. No affected row means a live entry holds the key.
func (p *postgres) ReserveIdempotencyKey(ctx context.Context, keyHash string, expiresAt time.Time) error {
	query := `INSERT INTO idempotency (key_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, ''::bytea, 0, $2, $3)
	          ON CONFLICT (key_hash) DO UPDATE
	          SET response_body = ''::bytea, response_status = 0, created_at = $2, expires_at = $3
	          WHERE idempotency.expires_at <= $2`

	tag, err := p.db.Exec(ctx, query, keyHash, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseIdempotencyKey deletes a pending reservation
func (p *postgres) ReleaseIdempotencyKey(ctx context.Context, keyHash string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM idempotency WHERE key_hash = $1 AND response_status = 0`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	query := `SELECT response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2`

	var responseBody []byte
	var statusCode int
	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	if statusCode == 0 {
		return nil, 0, ErrInProgress
	}
	return responseBody, statusCode, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
