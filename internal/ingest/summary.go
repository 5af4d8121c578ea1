package ingest

import (
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Status is the result of processing one subtopic in one flow.
type Status string

const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome records how one subtopic fared in one flow.
type Outcome struct {
	Flow     string
	Topic    string
	Subtopic string
	Status   Status
	// Rows is the number of rows written, including batches flushed before a
	// later batch failed.
	Rows         int
	LevelErrors  int
	SkippedItems int
	Reason       string
	Err          error
	Duration     time.Duration
}

// Summary aggregates a run.
type Summary struct {
	Topics    int
	Subtopics int
	Processed int
	Skipped   int
	Failed    int
	// Rows counts written rows per table.
	Rows     map[string]int
	Outcomes []Outcome
	Duration time.Duration
}

func newSummary(outcomes []Outcome, flows []Flow) *Summary {
	s := &Summary{Rows: make(map[string]int)}
	tables := make(map[string]string, len(flows))
	for _, f := range flows {
		tables[f.Name()] = f.Table().Name
		s.Rows[f.Table().Name] = 0
	}
	for _, o := range outcomes {
		switch o.Status {
		case StatusIngested:
			s.Processed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		s.Rows[tables[o.Flow]] += o.Rows
	}
	s.Outcomes = outcomes
	return s
}

// Log writes the summary as a single record.
func (s *Summary) Log(logger *slog.Logger) {
	attrs := []any{
		"topics", s.Topics,
		"subtopics", s.Subtopics,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"duration", s.Duration,
	}
	for _, table := range slices.Sorted(maps.Keys(s.Rows)) {
		attrs = append(attrs, "rows_"+table, s.Rows[table])
	}
	logger.Info("ingestion completed", attrs...)
}
