package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/torii/internal/model"
)

// InsertActivity bulk-inserts a batch of activity records using COPY.
// Returns the number of rows written.
func (db *DB) InsertActivity(ctx context.Context, records []model.ActivityRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			r.OccurredAt, string(r.EventType), string(r.Result),
			r.ClientID, r.Username, r.PeerAddr,
			nullable(r.Topic), nullable(r.Detail), nullable(r.ErrorMessage),
			r.CacheHit,
		}
	}

	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"mqtt_activity"},
		[]string{"occurred_at", "event_type", "result", "client_id", "username", "peer_addr",
			"topic", "detail", "error_message", "cache_hit"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: insert activity: %w", err)
	}
	return int(n), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ActivityFilter narrows ListActivity results. Zero values mean "any".
type ActivityFilter struct {
	Username  string
	EventType string
	Result    string
	Limit     int
	Offset    int
}

// ActivityRow is a persisted activity record with its assigned id.
type ActivityRow struct {
	ID int64 `json:"id"`
	model.ActivityRecord
}

// ListActivity returns activity records newest-first, filtered and paginated.
// limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityRow, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var conds []string
	var args []any
	if f.Username != "" {
		args = append(args, f.Username)
		conds = append(conds, fmt.Sprintf("username = $%d", len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.Result != "" {
		args = append(args, f.Result)
		conds = append(conds, fmt.Sprintf("result = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(
		`SELECT id, occurred_at, event_type, result, client_id, username, peer_addr,
		        COALESCE(topic, ''), COALESCE(detail, ''), COALESCE(error_message, ''), cache_hit
		 FROM mqtt_activity %s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args),
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityRow
	for rows.Next() {
		var r ActivityRow
		if err := rows.Scan(
			&r.ID, &r.OccurredAt, &r.EventType, &r.Result, &r.ClientID, &r.Username, &r.PeerAddr,
			&r.Topic, &r.Detail, &r.ErrorMessage, &r.CacheHit,
		); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
