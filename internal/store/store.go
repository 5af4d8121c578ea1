// Package store persists the normalized catalog: topics, subtopics, content
// blocks and quiz questions.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Store is the persistence surface used by the ingestion pipeline.
type Store interface {
	// EnsureTopic returns the id of the topic with the given name, creating
	// it if needed. Safe under concurrent callers.
	EnsureTopic(ctx context.Context, name string) (int64, error)
	// EnsureSubtopic returns the id of the (topicID, name) subtopic, creating
	// it if needed. Safe under concurrent callers.
	EnsureSubtopic(ctx context.Context, topicID int64, name string) (int64, error)
	// Upsert writes rows in one request. Rows whose conflict key already
	// exists replace the stored row; the others are inserted.
	Upsert(ctx context.Context, table Table, rows []Row) error
}

// Table describes an upsert target and its natural key.
type Table struct {
	Name        string
	Columns     []string
	ConflictKey []string
}

// Row holds column values in Table.Columns order.
type Row []any

// Target tables.
var (
	ContentTable = Table{
		Name:        "content",
		Columns:     []string{"subtopic_id", "difficulty", "title", "summary", "content_json", "content_hash", "is_published"},
		ConflictKey: []string{"subtopic_id", "difficulty"},
	}
	QuestionTable = Table{
		Name:        "questions",
		Columns:     []string{"subtopic_id", "difficulty", "question_type", "content_json", "question_hash", "is_published"},
		ConflictKey: []string{"question_hash"},
	}
)

// ColumnIndex returns the position of col in t.Columns, or -1.
func (t Table) ColumnIndex(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// KeyOf renders the conflict key of r as a comparable string.
func (t Table) KeyOf(r Row) (string, error) {
	if len(r) != len(t.Columns) {
		return "", fmt.Errorf("%s: row has %d values, want %d", t.Name, len(r), len(t.Columns))
	}
	parts := make([]string, 0, len(t.ConflictKey))
	for _, col := range t.ConflictKey {
		i := t.ColumnIndex(col)
		if i < 0 {
			return "", fmt.Errorf("%s: conflict column %q not in columns", t.Name, col)
		}
		parts = append(parts, fmt.Sprint(r[i]))
	}
	return strings.Join(parts, "\x1f"), nil
}

// ContentRecord is one difficulty level of a subtopic's content.
type ContentRecord struct {
	SubtopicID  int64
	Difficulty  string
	Title       string
	Summary     string
	ContentJSON []byte
	ContentHash string
	IsPublished bool
}

// Row returns the record in ContentTable column order.
func (r ContentRecord) Row() Row {
	return Row{r.SubtopicID, r.Difficulty, nullIfEmpty(r.Title), nullIfEmpty(r.Summary), r.ContentJSON, r.ContentHash, r.IsPublished}
}

// QuestionRecord is one quiz question, identified by the hash of its payload.
type QuestionRecord struct {
	SubtopicID   int64
	Difficulty   string
	QuestionType string
	ContentJSON  []byte
	QuestionHash string
	IsPublished  bool
}

// Row returns the record in QuestionTable column order.
func (r QuestionRecord) Row() Row {
	return Row{r.SubtopicID, r.Difficulty, r.QuestionType, r.ContentJSON, r.QuestionHash, r.IsPublished}
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
