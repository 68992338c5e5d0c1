package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/infn-epics/pshal/internal/powersupply"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout sorts lexically in time order.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// Query selects transitions for one supply, newest first.
type Query struct {
	Supply string
	Kind   string    // empty for all kinds
	Since  time.Time // zero for no lower bound
	Limit  int       // default 50, max 500
}

// Store keeps supply transitions in the supply_transitions table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database that has the pshal migrations applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts t and returns its row id. A zero At is stamped with the
// current time.
func (s *Store) Record(ctx context.Context, t powersupply.Transition) (int64, error) {
	if t.Supply == "" {
		return 0, fmt.Errorf("supply name is required")
	}
	if t.Kind == "" {
		return 0, fmt.Errorf("transition kind is required")
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO supply_transitions
		 (supply, kind, from_state, to_state, current, requested_current, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Supply, t.Kind, t.From, t.To, t.Current, t.RequestedCurrent, t.Reason,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting transition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading transition id: %w", err)
	}
	return id, nil
}

// GetHistory returns the most recent transitions of a supply.
func (s *Store) GetHistory(ctx context.Context, supply string, limit int) ([]powersupply.Transition, error) {
	return s.Find(ctx, Query{Supply: supply, Limit: limit})
}

// Find runs q.
func (s *Store) Find(ctx context.Context, q Query) ([]powersupply.Transition, error) {
	if q.Supply == "" {
		return nil, fmt.Errorf("supply name is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, supply, kind, from_state, to_state, current, requested_current, reason, created_at
		FROM supply_transitions WHERE supply = ?`)
	args := []any{q.Supply}
	if q.Kind != "" {
		sb.WriteString(" AND kind = ?")
		args = append(args, q.Kind)
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	out := make([]powersupply.Transition, 0, limit)
	for rows.Next() {
		var t powersupply.Transition
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Supply, &t.Kind, &t.From, &t.To,
			&t.Current, &t.RequestedCurrent, &t.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		if t.At, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// PruneHistory deletes transitions older than olderThan and returns how
// many rows went.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM supply_transitions WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	t, err := time.Parse(timeLayout, v)
	if err == nil {
		return t, nil
	}
	if t, rfcErr := time.Parse(time.RFC3339Nano, v); rfcErr == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
