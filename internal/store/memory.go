package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It enforces the
// same natural keys and subtopic references as the PostgreSQL schema.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	topics    map[string]int64
	subtopics map[subtopicKey]int64
	tables    map[string]*memTable
	upserts   map[string]int

	// FailUpsert, when set, is consulted before each Upsert; a non-nil
	// result is returned and nothing is written.
	FailUpsert func(table Table, rows []Row) error
	// FailEnsure, when set, is consulted before each EnsureTopic and
	// EnsureSubtopic with the name being resolved.
	FailEnsure func(name string) error
}

type subtopicKey struct {
	topicID int64
	name    string
}

type memTable struct {
	rows  map[string]Row
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:    make(map[string]int64),
		subtopics: make(map[subtopicKey]int64),
		tables:    make(map[string]*memTable),
		upserts:   make(map[string]int),
	}
}

func (s *MemoryStore) EnsureTopic(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailEnsure != nil {
		if err := s.FailEnsure(name); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.topics[name]; ok {
		return id, nil
	}
	s.nextID++
	s.topics[name] = s.nextID
	return s.nextID, nil
}

func (s *MemoryStore) EnsureSubtopic(ctx context.Context, topicID int64, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailEnsure != nil {
		if err := s.FailEnsure(name); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTopicLocked(topicID) {
		return 0, fmt.Errorf("topic not found: %d", topicID)
	}
	key := subtopicKey{topicID: topicID, name: name}
	if id, ok := s.subtopics[key]; ok {
		return id, nil
	}
	s.nextID++
	s.subtopics[key] = s.nextID
	return s.nextID, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, table Table, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailUpsert != nil {
		if err := s.FailUpsert(table, rows); err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch first so a bad row leaves the table untouched.
	keys := make([]string, len(rows))
	for i, r := range rows {
		k, err := table.KeyOf(r)
		if err != nil {
			return err
		}
		if err := s.checkSubtopicLocked(table, r); err != nil {
			return err
		}
		keys[i] = k
	}

	t, ok := s.tables[table.Name]
	if !ok {
		t = &memTable{rows: make(map[string]Row)}
		s.tables[table.Name] = t
	}
	for i, r := range rows {
		if _, exists := t.rows[keys[i]]; !exists {
			t.order = append(t.order, keys[i])
		}
		t.rows[keys[i]] = append(Row(nil), r...)
	}
	s.upserts[table.Name]++
	return nil
}

// Rows returns the stored rows of a table in first-insert order.
func (s *MemoryStore) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	out := make([]Row, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, append(Row(nil), t.rows[k]...))
	}
	return out
}

// UpsertCalls returns how many successful Upsert calls targeted table.
func (s *MemoryStore) UpsertCalls(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[table]
}

// TopicID returns the id assigned to a topic name.
func (s *MemoryStore) TopicID(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.topics[name]
	return id, ok
}

// SubtopicID returns the id assigned to a (topic, subtopic) name pair.
func (s *MemoryStore) SubtopicID(topic, name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.topics[topic]
	if !ok {
		return 0, false
	}
	id, ok := s.subtopics[subtopicKey{topicID: tid, name: name}]
	return id, ok
}

// Counts returns the number of topics and subtopics.
func (s *MemoryStore) Counts() (topics, subtopics int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics), len(s.subtopics)
}

func (s *MemoryStore) hasTopicLocked(id int64) bool {
	for _, tid := range s.topics {
		if tid == id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) checkSubtopicLocked(table Table, r Row) error {
	i := table.ColumnIndex("subtopic_id")
	if i < 0 {
		return nil
	}
	id, ok := r[i].(int64)
	if !ok {
		return fmt.Errorf("%s: subtopic_id is %T, want int64", table.Name, r[i])
	}
	for _, sid := range s.subtopics {
		if sid == id {
			return nil
		}
	}
	return fmt.Errorf("%s: subtopic not found: %d", table.Name, id)
}
