// Package ingest synchronizes a curriculum corpus into the catalog store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/p-n-ai/pai-ingest/internal/curriculum"
	"github.com/p-n-ai/pai-ingest/internal/platform/retry"
	"github.com/p-n-ai/pai-ingest/internal/store"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultBatchSize = 10
	defaultAttempts  = 3
	defaultDelay     = 2 * time.Second
)

// Claimer grants exclusive, expiring ownership of a unit of work across
// processes. *cache.Cache satisfies it.
type Claimer interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// HealthChecker reports whether a dependency is reachable. *database.DB and
// *cache.Cache satisfy it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pipeline walks the corpus and writes every subtopic's rows for each flow.
type Pipeline struct {
	corpus *curriculum.Corpus
	store  store.Store
	logger *slog.Logger

	flows           []Flow
	workers         int
	batchSize       int
	writePolicy     retry.Policy
	hierarchyPolicy retry.Policy
	idCache         IDCache
	events          EventLogger
	claimer         Claimer
	claimTTL        time.Duration
	owner           string
	preflight       []HealthChecker

	resolver *Resolver
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithFlows selects the flows to run, in order.
func WithFlows(flows ...Flow) Option { return func(p *Pipeline) { p.flows = flows } }

// WithWorkers bounds how many subtopics are processed at once.
func WithWorkers(n int) Option { return func(p *Pipeline) { p.workers = n } }

func WithBatchSize(n int) Option { return func(p *Pipeline) { p.batchSize = n } }

// WithWritePolicy sets the retry policy of batch upserts.
func WithWritePolicy(policy retry.Policy) Option { return func(p *Pipeline) { p.writePolicy = policy } }

// WithHierarchyPolicy sets the retry policy of topic and subtopic resolution.
func WithHierarchyPolicy(policy retry.Policy) Option {
	return func(p *Pipeline) { p.hierarchyPolicy = policy }
}

// WithIDCache replaces the process-local id cache.
func WithIDCache(c IDCache) Option { return func(p *Pipeline) { p.idCache = c } }

func WithEvents(e EventLogger) Option { return func(p *Pipeline) { p.events = e } }

// WithClaimer makes workers claim each subtopic for ttl before processing it.
// Subtopics claimed by another owner are skipped.
func WithClaimer(c Claimer, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.claimer = c
		p.claimTTL = ttl
	}
}

// WithOwner sets the claim owner identity. Defaults to host:pid.
func WithOwner(owner string) Option { return func(p *Pipeline) { p.owner = owner } }

// WithPreflight adds dependencies that must be reachable before each flow
// starts. A failing check ends the run.
func WithPreflight(checks ...HealthChecker) Option {
	return func(p *Pipeline) { p.preflight = append(p.preflight, checks...) }
}

// New creates a Pipeline over corpus writing to s.
func New(corpus *curriculum.Corpus, s store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		corpus:          corpus,
		store:           s,
		logger:          slog.Default(),
		flows:           []Flow{ContentFlow, QuestionFlow},
		workers:         1,
		batchSize:       defaultBatchSize,
		writePolicy:     retry.Fixed(defaultAttempts, defaultDelay),
		hierarchyPolicy: retry.Fixed(defaultAttempts, defaultDelay),
		idCache:         NewMemoryIDCache(),
		events:          NopEventLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.owner == "" {
		host, _ := os.Hostname()
		p.owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if p.writePolicy.Logger == nil {
		p.writePolicy.Logger = p.logger
	}
	if p.hierarchyPolicy.Logger == nil {
		p.hierarchyPolicy.Logger = p.logger
	}
	p.resolver = NewResolver(s, p.hierarchyPolicy, p.idCache, p.logger)
	return p
}

// Run processes every flow over the whole corpus. Failures are isolated per
// subtopic and recorded in the summary; Run itself only fails when the corpus
// cannot be listed, the worker pool cannot start, or ctx ends.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	topics, err := p.corpus.Topics()
	if err != nil {
		return nil, fmt.Errorf("listing corpus: %w", err)
	}

	pool, err := ants.NewPool(p.workers, ants.WithLogger(poolLogger{p.logger}))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	subtopics := 0
	for _, t := range topics {
		subtopics += len(t.Subtopics)
	}

	// Each task writes only its own slot, so no lock is needed.
	outcomes := make([]Outcome, subtopics*len(p.flows))
	next := 0
	var wg sync.WaitGroup

	var runErr error
walk:
	for _, flow := range p.flows {
		if err := p.checkHealth(ctx, flow); err != nil {
			runErr = err
			break walk
		}
		p.logger.Info("starting flow", "flow", flow.Name(), "root", p.corpus.Root())

		for _, topic := range topics {
			if err := ctx.Err(); err != nil {
				runErr = err
				break walk
			}

			topicID, err := p.resolver.Topic(ctx, topic.Name)
			if err != nil {
				for _, sub := range topic.Subtopics {
					outcomes[next] = p.fail(ctx, flow, sub, "topic unresolved", err)
					next++
				}
				continue
			}
			p.logger.Info("processing topic", "flow", flow.Name(), "topic", topic.Name, "topic_id", topicID)

			for _, sub := range topic.Subtopics {
				i := next
				next++
				wg.Add(1)
				err := pool.Submit(func() {
					defer wg.Done()
					outcomes[i] = p.processSubtopic(ctx, flow, topicID, sub)
					p.record(ctx, outcomes[i])
				})
				if err != nil {
					wg.Done()
					outcomes[i] = p.fail(ctx, flow, sub, "not scheduled", err)
				}
			}
		}
	}
	wg.Wait()

	done := make([]Outcome, 0, next)
	for _, o := range outcomes[:next] {
		if o.Flow != "" {
			done = append(done, o)
		}
	}

	summary := newSummary(done, p.flows)
	summary.Topics = len(topics)
	summary.Subtopics = subtopics
	summary.Duration = time.Since(start)
	return summary, runErr
}

// fail records a subtopic that failed before any of its work ran.
func (p *Pipeline) fail(ctx context.Context, flow Flow, sub curriculum.Subtopic, reason string, err error) Outcome {
	o := Outcome{Flow: flow.Name(), Topic: sub.Topic, Subtopic: sub.Name, Status: StatusFailed, Reason: reason, Err: err}
	p.record(ctx, o)
	return o
}

// checkHealth runs the preflight checks under the hierarchy retry policy.
func (p *Pipeline) checkHealth(ctx context.Context, flow Flow) error {
	for _, check := range p.preflight {
		_, err := p.hierarchyPolicy.Do(ctx, "preflight", check.HealthCheck)
		if err != nil {
			p.logger.Error("preflight check failed", "flow", flow.Name(), "error", err)
			return fmt.Errorf("preflight before %s flow: %w", flow.Name(), err)
		}
	}
	return nil
}

func (p *Pipeline) processSubtopic(ctx context.Context, flow Flow, topicID int64, sub curriculum.Subtopic) Outcome {
	start := time.Now()
	o := Outcome{Flow: flow.Name(), Topic: sub.Topic, Subtopic: sub.Name}
	logger := p.logger.With("flow", flow.Name(), "topic", sub.Topic, "subtopic", sub.Name)

	claimed, release := p.claim(ctx, flow, sub, logger)
	if !claimed {
		logger.Info("subtopic claimed elsewhere, skipping")
		return p.finish(&o, start, StatusSkipped, "claimed by another worker", nil)
	}
	defer release()

	subtopicID, err := p.resolver.Subtopic(ctx, topicID, sub.Topic, sub.Name)
	if err != nil {
		return p.finish(&o, start, StatusFailed, "subtopic unresolved", err)
	}
	logger.Info("processing subtopic", "subtopic_id", subtopicID)

	batch, err := flow.Build(sub, subtopicID)
	if err != nil {
		var mfe *curriculum.MissingFileError
		if errors.As(err, &mfe) {
			logger.Warn("payload file not found", "path", mfe.Path)
			return p.finish(&o, start, StatusSkipped, "missing file", err)
		}
		logger.Error("invalid payload file", "error", err)
		return p.finish(&o, start, StatusSkipped, "invalid file", err)
	}

	for _, fe := range batch.LevelErrors {
		logger.Error("invalid level block", "path", batch.Path, "level", fe.Level, "error", fe)
	}
	for _, item := range batch.Skipped {
		logger.Warn("skipping question item", "path", batch.Path, "level", item.Level, "index", item.Index, "reason", item.Reason)
	}
	o.LevelErrors = len(batch.LevelErrors)
	o.SkippedItems = len(batch.Skipped)

	w := NewWriter(p.store, flow.Table(), p.batchSize, p.writePolicy, logger)
	for _, row := range batch.Rows {
		if err := w.Enqueue(ctx, row); err != nil {
			o.Rows = w.Written()
			return p.finish(&o, start, StatusFailed, "write failed", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		o.Rows = w.Written()
		return p.finish(&o, start, StatusFailed, "write failed", err)
	}
	o.Rows = w.Written()

	logger.Info("subtopic ingested", "rows", o.Rows, "level_errors", o.LevelErrors, "skipped_items", o.SkippedItems)
	return p.finish(&o, start, StatusIngested, "", nil)
}

func (p *Pipeline) finish(o *Outcome, start time.Time, status Status, reason string, err error) Outcome {
	o.Status = status
	o.Reason = reason
	o.Err = err
	o.Duration = time.Since(start)
	return *o
}

// claim reports whether this owner may process sub. Claim errors are logged
// and treated as granted.
func (p *Pipeline) claim(ctx context.Context, flow Flow, sub curriculum.Subtopic, logger *slog.Logger) (bool, func()) {
	if p.claimer == nil {
		return true, func() {}
	}
	key := flow.Name() + ":" + sub.Key()
	ok, err := p.claimer.Claim(ctx, key, p.owner, p.claimTTL)
	if err != nil {
		logger.Warn("claiming subtopic failed, processing anyway", "error", err)
		return true, func() {}
	}
	if !ok {
		return false, nil
	}
	return true, func() {
		// Release even when ctx is already cancelled.
		if err := p.claimer.Release(context.WithoutCancel(ctx), key, p.owner); err != nil {
			logger.Warn("releasing subtopic claim failed", "error", err)
		}
	}
}

func (p *Pipeline) record(ctx context.Context, o Outcome) {
	eventType := EventSubtopicIngested
	switch o.Status {
	case StatusSkipped:
		eventType = EventSubtopicSkipped
	case StatusFailed:
		eventType = EventSubtopicFailed
	}
	data := map[string]any{
		"rows":          o.Rows,
		"level_errors":  o.LevelErrors,
		"skipped_items": o.SkippedItems,
		"duration_ms":   o.Duration.Milliseconds(),
	}
	if o.Reason != "" {
		data["reason"] = o.Reason
	}
	if o.Err != nil {
		data["error"] = o.Err.Error()
	}
	err := p.events.LogEvent(context.WithoutCancel(ctx), Event{
		Flow:      o.Flow,
		Topic:     o.Topic,
		Subtopic:  o.Subtopic,
		EventType: eventType,
		Data:      data,
	})
	if err != nil {
		p.logger.Warn("failed to log ingest event", "type", eventType, "topic", o.Topic, "subtopic", o.Subtopic, "error", err)
	}
}

// poolLogger routes worker pool messages into slog.
type poolLogger struct {
	logger *slog.Logger
}

func (l poolLogger) Printf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "worker_pool")
}
