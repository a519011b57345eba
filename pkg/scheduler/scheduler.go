// Package scheduler walks workflow graphs. It owns run state: nodes are
// dispatched when their dependencies complete, results are serialized through
// a per-run loop, and every state transition is published as a lifecycle
// event.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/contextstore"
	"github.com/loomworks/loom/pkg/credentials"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/intrinsic"
	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/protocol"
)

// DefaultNodeTimeout applies to nodes that declare no timeout of their own.
const DefaultNodeTimeout = 60 * time.Second

// ErrRunNotFound signals a run id the scheduler has no record of.
var ErrRunNotFound = errors.New("run not found")

// ErrShuttingDown rejects new trigger deliveries once Close has begun.
var ErrShuttingDown = errors.New("scheduler is shutting down")

type Scheduler struct {
	lookup   lookup.Lookup
	executor protocol.Executor
	logger   *slog.Logger
	tracer   trace.Tracer

	publisher      eventbus.EventPublisher
	deduper        Deduper
	creds          credentials.Resolver
	defaultTimeout time.Duration

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

// WithEventPublisher wires lifecycle event publishing. Without it the
// scheduler runs silently.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

// WithDeduper installs the delivery deduplication hook consulted before every
// run start.
func WithDeduper(deduper Deduper) Option {
	return func(s *Scheduler) {
		s.deduper = deduper
	}
}

// WithCredentials wires the resolver backing secret references in node inputs.
func WithCredentials(creds credentials.Resolver) Option {
	return func(s *Scheduler) {
		s.creds = creds
	}
}

// WithDefaultTimeout overrides DefaultNodeTimeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.defaultTimeout = timeout
		}
	}
}

func New(lk lookup.Lookup, executor protocol.Executor, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		lookup:         lk,
		executor:       executor,
		logger:         logger.With("module", "scheduler"),
		tracer:         otel.Tracer("github.com/loomworks/loom/pkg/scheduler"),
		defaultTimeout: DefaultNodeTimeout,
		runs:           make(map[string]*runState),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Callback adapts the scheduler for trigger wiring.
func (s *Scheduler) Callback() protocol.TriggerCallback {
	return func(ctx context.Context, event models.TriggerEvent) error {
		_, err := s.StartRun(ctx, event)

		return err
	}
}

// StartRun validates the trigger's workflow reference and starts a run for it.
// Validation is synchronous so transports can reject bad deliveries in-band;
// graph execution happens on a dedicated goroutine after StartRun returns.
//
// A delivery whose dedup key was already seen is acknowledged without starting
// a run and returns nil run.
func (s *Scheduler) StartRun(ctx context.Context, event models.TriggerEvent) (*models.Run, error) {
	if event.WorkflowID == "" {
		return nil, &models.InvalidDefinitionError{Element: "trigger", Reason: "missing workflow id"}
	}

	if s.deduper != nil && event.DedupKey != "" {
		seen, err := s.deduper.Seen(ctx, event.DedupKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check dedup key: %w", err)
		}

		if seen {
			s.logger.Info("Ignoring duplicate trigger delivery",
				"workflow_id", event.WorkflowID, "dedup_key", event.DedupKey)

			return nil, nil
		}
	}

	workflow, err := s.lookup.Resolve(ctx, event.WorkflowID)
	if err != nil {
		// The delivery was not accepted. Give the key back so the transport's
		// redelivery is not mistaken for a duplicate.
		s.releaseDedup(ctx, event)

		return nil, fmt.Errorf("failed to resolve workflow %s: %w", event.WorkflowID, err)
	}

	run := &models.Run{
		ID:         uuid.New().String(),
		WorkflowID: workflow.ID,
		Status:     models.RunStatusPending,
		Trigger:    event,
		NodeStates: make(map[string]*models.NodeExecution, len(workflow.Nodes)),
		StartedAt:  time.Now().UTC(),
	}

	for _, node := range workflow.Nodes {
		run.NodeStates[node.ID] = &models.NodeExecution{
			NodeID: node.ID,
			State:  models.NodeStatePending,
		}
	}

	rs := newRunState(run, workflow, s.creds)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseDedup(ctx, event)

		return nil, ErrShuttingDown
	}

	s.runs[run.ID] = rs
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runLoop(rs)
	}()

	// The run loop is already mutating rs.run; snapshot under its lock.
	return rs.snapshot(), nil
}

// releaseDedup returns a claimed delivery key after StartRun fails past the
// claim. Best effort: a Forget failure only costs one spurious duplicate.
func (s *Scheduler) releaseDedup(ctx context.Context, event models.TriggerEvent) {
	if s.deduper == nil || event.DedupKey == "" {
		return
	}

	if err := s.deduper.Forget(ctx, event.DedupKey); err != nil {
		s.logger.Error("Failed to release dedup key",
			"workflow_id", event.WorkflowID, "dedup_key", event.DedupKey, "error", err)
	}
}

// Run returns a snapshot of the run's current state.
func (s *Scheduler) Run(runID string) (*models.Run, error) {
	s.mu.Lock()
	rs, ok := s.runs[runID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return rs.snapshot(), nil
}

// Store exposes a run's context store for inspection. Outputs accumulated
// before cancellation stay readable.
func (s *Scheduler) Store(runID string) (*contextstore.Store, error) {
	s.mu.Lock()
	rs, ok := s.runs[runID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return rs.store, nil
}

// Cancel stops dispatching for the run and terminates in-flight nodes
// best-effort. Already-written context store entries are kept.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	rs, ok := s.runs[runID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rs.cancel()

	return nil
}

// Wait blocks until every active run reaches a terminal status.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels all active runs, waits for their loops to finish, and rejects
// further deliveries.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	for _, rs := range s.runs {
		rs.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runState is the scheduler-private view of one run. The run loop goroutine
// owns all graph bookkeeping; the mutex only guards the run struct for
// external snapshots.
type runState struct {
	mu  sync.Mutex
	run *models.Run

	workflow *models.Workflow
	store    *contextstore.Store
	eval     *intrinsic.Evaluator

	ctx    context.Context
	cancel context.CancelFunc

	indegree  map[string]int // total in-edges per node
	pending   map[string]int // in-edges not yet resolved
	satisfied map[string]int // in-edges resolved as satisfied
	ready     []*models.Node
	results   chan nodeResult
	inflight  int
}

type nodeResult struct {
	node     *models.Node
	output   map[string]any
	attempts int
	err      error
	started  time.Time
}

func newRunState(run *models.Run, workflow *models.Workflow, creds credentials.Resolver) *runState {
	ctx, cancel := context.WithCancel(context.Background())

	store := contextstore.NewStore()

	nodeIDs := make(map[string]struct{}, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		nodeIDs[node.ID] = struct{}{}
	}

	indegree := workflow.InDegree()

	pending := make(map[string]int, len(indegree))
	for id, n := range indegree {
		pending[id] = n
	}

	return &runState{
		run:       run,
		workflow:  workflow,
		store:     store,
		eval:      intrinsic.NewEvaluator(store, runContext(run), creds, nodeIDs),
		ctx:       ctx,
		cancel:    cancel,
		indegree:  indegree,
		pending:   pending,
		satisfied: make(map[string]int, len(workflow.Nodes)),
		results:   make(chan nodeResult),
	}
}

func (rs *runState) snapshot() *models.Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.run.Snapshot()
}

// runContext builds the read-only metadata namespace input templates address
// as "run.<path>".
func runContext(run *models.Run) map[string]any {
	return map[string]any{
		"id":          run.ID,
		"workflow_id": run.WorkflowID,
		"started_at":  run.StartedAt.Format(time.RFC3339),
		"trigger": map[string]any{
			"id":          run.Trigger.ID,
			"source":      run.Trigger.Source,
			"workflow_id": run.Trigger.WorkflowID,
			"payload":     run.Trigger.Payload,
			"received_at": run.Trigger.ReceivedAt.Format(time.RFC3339),
		},
	}
}
