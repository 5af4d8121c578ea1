package ingest_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p-n-ai/pai-ingest/internal/curriculum"
	"github.com/p-n-ai/pai-ingest/internal/fingerprint"
	"github.com/p-n-ai/pai-ingest/internal/ingest"
	"github.com/p-n-ai/pai-ingest/internal/platform/retry"
	"github.com/p-n-ai/pai-ingest/internal/store"
)

const sharedQuestion = `
by_level:
  beginner:
    questions:
      - type: mcq
        question: What is a stock?
        options: [share, bond]
        answer: share
`

func newPipeline(root string, s store.Store, opts ...ingest.Option) *ingest.Pipeline {
	base := []ingest.Option{
		ingest.WithLogger(quiet),
		ingest.WithWritePolicy(fastPolicy()),
		ingest.WithHierarchyPolicy(fastPolicy()),
	}
	return ingest.New(curriculum.NewCorpus(root, quiet), s, append(base, opts...)...)
}

func outcomeFor(t *testing.T, sum *ingest.Summary, flow, subtopic string) ingest.Outcome {
	t.Helper()
	for _, o := range sum.Outcomes {
		if o.Flow == flow && o.Subtopic == subtopic {
			return o
		}
	}
	t.Fatalf("no %s outcome for %s in %+v", flow, subtopic, sum.Outcomes)
	return ingest.Outcome{}
}

func TestPipeline_ContentScenario(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile: "beginner:\n  title: T1\nintermediate:\n  title: T1\nadvanced:\n  title: T1\n",
	})
	s := store.NewMemoryStore()

	sum, err := newPipeline(root, s, ingest.WithFlows(ingest.ContentFlow)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if topics, subtopics := s.Counts(); topics != 1 || subtopics != 1 {
		t.Errorf("Counts() = %d, %d; want 1, 1", topics, subtopics)
	}
	if _, ok := s.TopicID("TopicA"); !ok {
		t.Error("topic TopicA not stored")
	}

	rows := s.Rows(store.ContentTable.Name)
	if len(rows) != 3 {
		t.Fatalf("content rows = %d, want 3", len(rows))
	}
	want, _ := fingerprint.Of(map[string]any{"title": "T1"})
	for i, d := range []string{"basic", "core", "advanced"} {
		if rows[i][1] != d {
			t.Errorf("rows[%d] difficulty = %v, want %s", i, rows[i][1], d)
		}
		if rows[i][5] != want {
			t.Errorf("rows[%d] content_hash = %v, want %s", i, rows[i][5], want)
		}
	}

	if sum.Processed != 1 || sum.Rows["content"] != 3 || sum.Topics != 1 || sum.Subtopics != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestPipeline_IdempotentRerun(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile:   "beginner:\n  title: T1\nadvanced:\n  title: T3\n",
		"TopicA/Sub1/" + curriculum.QuestionsFile: sharedQuestion,
		"TopicB/Sub2/" + curriculum.ContentFile:   "intermediate:\n  title: T2\n",
	})
	s := store.NewMemoryStore()
	p := newPipeline(root, s)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	content := s.Rows(store.ContentTable.Name)
	questions := s.Rows(store.QuestionTable.Name)
	topics, subtopics := s.Counts()

	sum, err := newPipeline(root, s).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if !reflect.DeepEqual(s.Rows(store.ContentTable.Name), content) {
		t.Error("content rows changed on re-run")
	}
	if !reflect.DeepEqual(s.Rows(store.QuestionTable.Name), questions) {
		t.Error("question rows changed on re-run")
	}
	if gotT, gotS := s.Counts(); gotT != topics || gotS != subtopics {
		t.Errorf("Counts() = %d, %d after re-run; want %d, %d", gotT, gotS, topics, subtopics)
	}
	if sum.Rows["content"] != 3 || sum.Rows["questions"] != 1 {
		t.Errorf("second run rows = %v, want the same rows rewritten", sum.Rows)
	}
}

func TestPipeline_DifficultyRemapPerFlow(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile:   "advanced:\n  title: Deep\n",
		"TopicA/Sub1/" + curriculum.QuestionsFile: "by_level:\n  advanced:\n    questions:\n      - type: essay\n        prompt: Explain.\n",
	})
	s := store.NewMemoryStore()

	if _, err := newPipeline(root, s).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	content := s.Rows(store.ContentTable.Name)
	questions := s.Rows(store.QuestionTable.Name)
	if len(content) != 1 || content[0][1] != "advanced" {
		t.Errorf("content = %v, want one advanced row", content)
	}
	if len(questions) != 1 || questions[0][1] != "mastery" {
		t.Errorf("questions = %v, want one mastery row", questions)
	}
}

func TestPipeline_QuestionDedupAcrossSubtopics(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.QuestionsFile: sharedQuestion,
		"TopicA/Sub2/" + curriculum.QuestionsFile: sharedQuestion,
	})
	s := store.NewMemoryStore()

	sum, err := newPipeline(root, s, ingest.WithFlows(ingest.QuestionFlow), ingest.WithWorkers(2)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rows := s.Rows(store.QuestionTable.Name); len(rows) != 1 {
		t.Errorf("question rows = %d, want 1 shared row", len(rows))
	}
	if sum.Processed != 2 {
		t.Errorf("Processed = %d, want 2", sum.Processed)
	}
}

func TestPipeline_MissingWrapperSkipsSubtopic(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.QuestionsFile: "beginner:\n  questions:\n    - type: mcq\n      question: Orphan?\n",
		"TopicA/Sub2/" + curriculum.QuestionsFile: sharedQuestion,
	})
	s := store.NewMemoryStore()
	events := ingest.NewMemoryEventLogger()

	sum, err := newPipeline(root, s, ingest.WithFlows(ingest.QuestionFlow), ingest.WithEvents(events)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	bad := outcomeFor(t, sum, "questions", "Sub1")
	var fe *curriculum.FormatError
	if bad.Status != ingest.StatusSkipped || !errors.As(bad.Err, &fe) {
		t.Errorf("Sub1 outcome = %+v, want skipped with FormatError", bad)
	}
	if good := outcomeFor(t, sum, "questions", "Sub2"); good.Status != ingest.StatusIngested || good.Rows != 1 {
		t.Errorf("Sub2 outcome = %+v, want ingested", good)
	}

	sub1, _ := s.SubtopicID("TopicA", "Sub1")
	for _, r := range s.Rows(store.QuestionTable.Name) {
		if r[0] == sub1 {
			t.Errorf("question row written for skipped subtopic: %v", r)
		}
	}

	types := map[string]string{}
	for _, e := range events.Events() {
		types[e.Subtopic] = e.EventType
	}
	if types["Sub1"] != ingest.EventSubtopicSkipped || types["Sub2"] != ingest.EventSubtopicIngested {
		t.Errorf("event types = %v", types)
	}
}

func TestPipeline_MissingFile(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Empty/": "",
	})
	s := store.NewMemoryStore()

	sum, err := newPipeline(root, s).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Skipped != 2 || sum.Processed != 0 || sum.Failed != 0 {
		t.Errorf("summary = %+v, want both flows skipped", sum)
	}
	if o := outcomeFor(t, sum, "content", "Empty"); o.Reason != "missing file" {
		t.Errorf("Reason = %q, want missing file", o.Reason)
	}
}

func TestPipeline_WriteFailureIsolated(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/B/" + curriculum.ContentFile: "beginner:\n  title: B\n",
		"TopicA/C/" + curriculum.ContentFile: "beginner:\n  title: C\nadvanced:\n  title: C2\n",
	})
	s := store.NewMemoryStore()
	s.FailUpsert = func(_ store.Table, rows []store.Row) error {
		b, _ := s.SubtopicID("TopicA", "B")
		for _, r := range rows {
			if r[0] == b {
				return retry.Transient(errors.New("connection reset by peer"))
			}
		}
		return nil
	}

	sum, err := newPipeline(root, s, ingest.WithFlows(ingest.ContentFlow), ingest.WithWorkers(2)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	failed := outcomeFor(t, sum, "content", "B")
	var we *ingest.WriteError
	if failed.Status != ingest.StatusFailed || !errors.As(failed.Err, &we) || we.Attempts != 3 {
		t.Errorf("B outcome = %+v, want failed after 3 attempts", failed)
	}
	if ok := outcomeFor(t, sum, "content", "C"); ok.Status != ingest.StatusIngested || ok.Rows != 2 {
		t.Errorf("C outcome = %+v, want 2 rows ingested", ok)
	}
	if rows := s.Rows(store.ContentTable.Name); len(rows) != 2 {
		t.Errorf("content rows = %d, want only C's 2 rows", len(rows))
	}
	if sum.Failed != 1 || sum.Processed != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestPipeline_TopicFailureIsolated(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"Broken/Sub1/" + curriculum.ContentFile: "beginner:\n  title: X\n",
		"Broken/Sub2/" + curriculum.ContentFile: "beginner:\n  title: Y\n",
		"Fine/Sub3/" + curriculum.ContentFile:   "beginner:\n  title: Z\n",
	})
	s := store.NewMemoryStore()
	s.FailEnsure = func(name string) error {
		if name == "Broken" {
			return errors.New("value too long")
		}
		return nil
	}
	events := ingest.NewMemoryEventLogger()

	sum, err := newPipeline(root, s, ingest.WithFlows(ingest.ContentFlow), ingest.WithEvents(events)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, sub := range []string{"Sub1", "Sub2"} {
		o := outcomeFor(t, sum, "content", sub)
		var he *ingest.HierarchyError
		if o.Status != ingest.StatusFailed || !errors.As(o.Err, &he) || he.Kind != "topic" {
			t.Errorf("%s outcome = %+v, want failed on topic", sub, o)
		}
	}
	if o := outcomeFor(t, sum, "content", "Sub3"); o.Status != ingest.StatusIngested {
		t.Errorf("Sub3 outcome = %+v, want ingested", o)
	}

	failed := map[string]bool{}
	for _, e := range events.Events() {
		if e.EventType == ingest.EventSubtopicFailed {
			failed[e.Topic+"/"+e.Subtopic] = true
		}
	}
	if !failed["Broken/Sub1"] || !failed["Broken/Sub2"] || len(failed) != 2 {
		t.Errorf("failed events = %v, want one per subtopic of the broken topic", failed)
	}
}

type flakyCheck struct {
	mu     sync.Mutex
	calls  int
	failAt int
}

func (c *flakyCheck) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls >= c.failAt {
		return errors.New("database unreachable")
	}
	return nil
}

func TestPipeline_PreflightBeforeEachFlow(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile:   "beginner:\n  title: A\n",
		"TopicA/Sub1/" + curriculum.QuestionsFile: sharedQuestion,
	})
	s := store.NewMemoryStore()
	// One attempt per check so the first flow's check passes and the
	// second flow's fails.
	check := &flakyCheck{failAt: 2}

	sum, err := newPipeline(root, s,
		ingest.WithHierarchyPolicy(retry.Fixed(1, time.Millisecond)),
		ingest.WithPreflight(check),
	).Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when a preflight check fails")
	}
	if check.calls != 2 {
		t.Errorf("checks = %d, want one per flow", check.calls)
	}
	if sum == nil || len(sum.Outcomes) != 1 || sum.Outcomes[0].Flow != "content" {
		t.Fatalf("summary = %+v, want only the content outcome", sum)
	}
	if rows := s.Rows(store.QuestionTable.Name); len(rows) != 0 {
		t.Errorf("question rows = %d, want none after failed preflight", len(rows))
	}
}

func TestPipeline_PreflightRetries(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile: "beginner:\n  title: A\n",
	})
	var calls atomic.Int32
	check := healthFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return retry.Transient(errors.New("connection refused"))
		}
		return nil
	})

	sum, err := newPipeline(root, store.NewMemoryStore(),
		ingest.WithFlows(ingest.ContentFlow),
		ingest.WithPreflight(check),
	).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want success after a retried check", err)
	}
	if sum.Processed != 1 || calls.Load() != 2 {
		t.Errorf("processed = %d, checks = %d; want 1, 2", sum.Processed, calls.Load())
	}
}

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fakeClaimer struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
}

func (c *fakeClaimer) Claim(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.held[key]; ok && cur != owner {
		return false, nil
	}
	c.held[key] = owner
	return true, nil
}

func (c *fakeClaimer) Release(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[key] == owner {
		delete(c.held, key)
		c.released = append(c.released, key)
	}
	return nil
}

func TestPipeline_SkipsClaimedSubtopics(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile: "beginner:\n  title: A\n",
		"TopicA/Sub2/" + curriculum.ContentFile: "beginner:\n  title: B\n",
	})
	s := store.NewMemoryStore()
	claims := &fakeClaimer{held: map[string]string{"content:TopicA/Sub2": "other-host:1"}}

	sum, err := newPipeline(root, s,
		ingest.WithFlows(ingest.ContentFlow),
		ingest.WithClaimer(claims, time.Minute),
		ingest.WithOwner("me:1"),
	).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if o := outcomeFor(t, sum, "content", "Sub2"); o.Status != ingest.StatusSkipped {
		t.Errorf("Sub2 outcome = %+v, want skipped", o)
	}
	if o := outcomeFor(t, sum, "content", "Sub1"); o.Status != ingest.StatusIngested {
		t.Errorf("Sub1 outcome = %+v, want ingested", o)
	}
	if !reflect.DeepEqual(claims.released, []string{"content:TopicA/Sub1"}) {
		t.Errorf("released = %v, want only our claim", claims.released)
	}
	if _, ok := s.SubtopicID("TopicA", "Sub2"); ok {
		t.Error("claimed subtopic should not be resolved")
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"TopicA/Sub1/" + curriculum.ContentFile: "beginner:\n  title: A\n",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := newPipeline(root, store.NewMemoryStore()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if sum == nil || len(sum.Outcomes) != 0 {
		t.Errorf("summary = %+v, want no outcomes", sum)
	}
}

func TestPipeline_MissingRoot(t *testing.T) {
	if _, err := newPipeline(t.TempDir()+"/nope", store.NewMemoryStore()).Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the corpus root is missing")
	}
}
