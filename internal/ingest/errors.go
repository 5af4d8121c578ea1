package ingest

import "fmt"

// WriteError reports a batch that could not be written after the retry
// policy gave up. The rows of that batch are dropped for this run.
type WriteError struct {
	Table    string
	Rows     int
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %d rows to %s failed after %d attempts: %v", e.Rows, e.Table, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// HierarchyError reports a topic or subtopic whose identity could not be
// resolved.
type HierarchyError struct {
	Kind string // "topic" or "subtopic"
	Name string
	Err  error
}

func (e *HierarchyError) Error() string {
	return fmt.Sprintf("resolving %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *HierarchyError) Unwrap() error {
	return e.Err
}
