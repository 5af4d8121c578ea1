package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbTimeout = 30 * time.Second
	// maxParams is the PostgreSQL bind parameter limit for one statement.
	maxParams = 65535
)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store on top of an open pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureTopic inserts the topic or returns the existing row's id. The no-op
// update makes RETURNING yield the id in both cases within one statement.
func (s *PostgresStore) EnsureTopic(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO topics (topic_name)
		 VALUES ($1)
		 ON CONFLICT (topic_name) DO UPDATE SET topic_name = EXCLUDED.topic_name
		 RETURNING topic_id`,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure topic %q: %w", name, err)
	}
	return id, nil
}

func (s *PostgresStore) EnsureSubtopic(ctx context.Context, topicID int64, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subtopics (topic_id, subtopic_name)
		 VALUES ($1, $2)
		 ON CONFLICT (topic_id, subtopic_name) DO UPDATE SET subtopic_name = EXCLUDED.subtopic_name
		 RETURNING subtopic_id`,
		topicID,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure subtopic %q: %w", name, err)
	}
	return id, nil
}

// Upsert writes all rows with a single multi-row INSERT ... ON CONFLICT DO
// UPDATE. Rows must have distinct conflict keys.
func (s *PostgresStore) Upsert(ctx context.Context, table Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	query, args, err := UpsertSQL(table, rows)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table.Name, err)
	}
	return nil
}

// UpsertSQL renders the upsert statement for rows and its flattened arguments.
func UpsertSQL(table Table, rows []Row) (string, []any, error) {
	ncols := len(table.Columns)
	if ncols == 0 || len(table.ConflictKey) == 0 {
		return "", nil, fmt.Errorf("%s: table needs columns and a conflict key", table.Name)
	}
	if len(rows)*ncols > maxParams {
		return "", nil, fmt.Errorf("%s: %d rows exceed the parameter limit", table.Name, len(rows))
	}

	cols := quoteAll(table.Columns)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", pgx.Identifier{table.Name}.Sanitize(), strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*ncols)
	for i, r := range rows {
		if len(r) != ncols {
			return "", nil, fmt.Errorf("%s: row %d has %d values, want %d", table.Name, i, len(r), ncols)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range r {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteByte(')')
		args = append(args, r...)
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", strings.Join(quoteAll(table.ConflictKey), ", "))

	key := make(map[string]bool, len(table.ConflictKey))
	for _, c := range table.ConflictKey {
		key[c] = true
	}
	var sets []string
	for i, c := range table.Columns {
		if !key[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", cols[i], cols[i]))
		}
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String(), args, nil
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}
