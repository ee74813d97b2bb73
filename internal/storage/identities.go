package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/topics"
)

const identityColumns = `id, username, password_hash, allowed_client_id, is_admin, is_active,
	publish_patterns, subscribe_patterns, max_connections,
	login_count, last_login_at, last_login_ip, created_at, updated_at`

// scanIdentity reads one identity row. Pattern lists are stored as
// comma-separated text in their canonical form.
func scanIdentity(row pgx.Row) (model.Identity, error) {
	var id model.Identity
	var pub, sub string
	err := row.Scan(
		&id.ID, &id.Username, &id.PasswordHash, &id.AllowedClientID, &id.IsAdmin, &id.IsActive,
		&pub, &sub, &id.MaxConnections,
		&id.LoginCount, &id.LastLoginAt, &id.LastLoginIP, &id.CreatedAt, &id.UpdatedAt,
	)
	if err != nil {
		return model.Identity{}, err
	}
	id.PublishPatterns = topics.ParseList(pub)
	id.SubscribePatterns = topics.ParseList(sub)
	return id, nil
}

// GetIdentity retrieves an identity by username.
func (db *DB) GetIdentity(ctx context.Context, username string) (model.Identity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM mqtt_identities WHERE username = $1`, username,
	)
	id, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Identity{}, fmt.Errorf("storage: identity %s: %w", username, ErrNotFound)
		}
		return model.Identity{}, fmt.Errorf("storage: get identity: %w", err)
	}
	return id, nil
}

// CreateIdentity inserts a new identity.
func (db *DB) CreateIdentity(ctx context.Context, id model.Identity) (model.Identity, error) {
	if id.ID == uuid.Nil {
		id.ID = uuid.New()
	}
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	id.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO mqtt_identities (id, username, password_hash, allowed_client_id, is_admin, is_active,
		    publish_patterns, subscribe_patterns, max_connections, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id.ID, id.Username, id.PasswordHash, id.AllowedClientID, id.IsAdmin, id.IsActive,
		topics.FormatList(id.PublishPatterns), topics.FormatList(id.SubscribePatterns),
		id.MaxConnections, id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		return model.Identity{}, fmt.Errorf("storage: create identity: %w", err)
	}
	return id, nil
}

// UpdateIdentity replaces the mutable fields of an identity and returns the
// stored row. Login counters are owned by RecordLogin and left untouched.
func (db *DB) UpdateIdentity(ctx context.Context, id model.Identity) (model.Identity, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE mqtt_identities
		 SET password_hash = $1, allowed_client_id = $2, is_admin = $3, is_active = $4,
		     publish_patterns = $5, subscribe_patterns = $6, max_connections = $7, updated_at = now()
		 WHERE username = $8
		 RETURNING `+identityColumns,
		id.PasswordHash, id.AllowedClientID, id.IsAdmin, id.IsActive,
		topics.FormatList(id.PublishPatterns), topics.FormatList(id.SubscribePatterns),
		id.MaxConnections, id.Username,
	)
	updated, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Identity{}, fmt.Errorf("storage: identity %s: %w", id.Username, ErrNotFound)
		}
		return model.Identity{}, fmt.Errorf("storage: update identity: %w", err)
	}
	return updated, nil
}

// DeleteIdentity removes an identity by username.
func (db *DB) DeleteIdentity(ctx context.Context, username string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM mqtt_identities WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("storage: delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: identity %s: %w", username, ErrNotFound)
	}
	return nil
}

// ListIdentities returns identities ordered by username with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListIdentities(ctx context.Context, limit, offset int) ([]model.Identity, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM mqtt_identities ORDER BY username ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list identities: %w", err)
	}
	defer rows.Close()

	var ids []model.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountIdentities returns the number of stored identities.
func (db *DB) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mqtt_identities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count identities: %w", err)
	}
	return count, nil
}

// RecordLogin increments the login counter and stamps the last successful
// CONNECT. Called fire-and-forget off the decision hot path.
func (db *DB) RecordLogin(ctx context.Context, username, peerAddr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE mqtt_identities
		 SET login_count = login_count + 1, last_login_at = now(), last_login_ip = $2
		 WHERE username = $1`,
		username, peerAddr,
	)
	if err != nil {
		return fmt.Errorf("storage: record login: %w", err)
	}
	return nil
}

// IsDuplicateKeyError reports whether err is a Postgres unique violation.
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
