package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomworks/loom/pkg/contextstore"
	"github.com/loomworks/loom/pkg/eventbus"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/intrinsic"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/otelhelper"
	"github.com/loomworks/loom/pkg/protocol"
)

// runLoop walks the graph for one run. It is the only goroutine that mutates
// graph bookkeeping and writes the context store, so node completion order is
// the only source of ordering.
func (s *Scheduler) runLoop(rs *runState) {
	logger := s.logger.With("run_id", rs.run.ID, "workflow_id", rs.run.WorkflowID)

	rs.setStatus(models.RunStatusRunning)

	s.publish(rs.ctx, rs.run.WorkflowID, events.RunStarted{
		BaseEvent:     events.NewBaseEvent(events.RunStartedEvent, rs.run.WorkflowID, rs.run.ID),
		TriggerSource: rs.run.Trigger.Source,
		TriggerData:   rs.run.Trigger.Payload,
	})

	logger.Info("Run started", "trigger_source", rs.run.Trigger.Source, "nodes", len(rs.workflow.Nodes))

	rs.ready = append(rs.ready, rs.workflow.EntryNode())
	s.drainReady(rs, logger)

	for rs.inflight > 0 {
		result := <-rs.results
		rs.inflight--

		s.handleResult(rs, logger, result)
		s.drainReady(rs, logger)
	}

	s.finish(rs, logger)
}

// drainReady dispatches every ready node. After cancellation nothing new is
// dispatched; ready nodes resolve as skipped instead.
func (s *Scheduler) drainReady(rs *runState, logger *slog.Logger) {
	for len(rs.ready) > 0 {
		node := rs.ready[0]
		rs.ready = rs.ready[1:]

		if rs.ctx.Err() != nil {
			s.skipNode(rs, logger, node, "run cancelled")

			continue
		}

		rs.setNodeRunning(node.ID)
		rs.inflight++

		logger.Info("Dispatching node", "node_id", node.ID, "kind", node.Kind)

		go s.executeNode(rs, node)
	}
}

// handleResult applies one node's terminal outcome and resolves its outgoing
// edges.
func (s *Scheduler) handleResult(rs *runState, logger *slog.Logger, result nodeResult) {
	node := result.node
	duration := time.Since(result.started)

	if result.err != nil {
		rs.setNodeFailed(node.ID, result.attempts, result.err)

		s.publish(rs.ctx, rs.run.WorkflowID, events.NodeFailed{
			BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, rs.run.WorkflowID, rs.run.ID),
			NodeID:    node.ID,
			Kind:      node.Kind,
			Attempt:   result.attempts,
			Error:     result.err.Error(),
			Final:     true,
			Duration:  duration,
		})

		logger.Error("Node failed",
			"node_id", node.ID, "kind", node.Kind, "attempts", result.attempts, "error", result.err)

		s.resolveOutgoing(rs, logger, node, false)

		return
	}

	if err := rs.store.Write(node.ID, result.output); err != nil {
		// Write-once violation. Treat the duplicate as the node's failure so
		// the run fails loudly instead of silently keeping the first output.
		rs.setNodeFailed(node.ID, result.attempts, err)
		logger.Error("Failed to record node output", "node_id", node.ID, "error", err)

		s.resolveOutgoing(rs, logger, node, false)

		return
	}

	rs.setNodeSucceeded(node.ID, result.attempts)

	s.publish(rs.ctx, rs.run.WorkflowID, events.NodeSucceeded{
		BaseEvent: events.NewBaseEvent(events.NodeSucceededEvent, rs.run.WorkflowID, rs.run.ID),
		NodeID:    node.ID,
		Kind:      node.Kind,
		Attempt:   result.attempts,
		Duration:  duration,
	})

	logger.Info("Node succeeded", "node_id", node.ID, "attempts", result.attempts)

	s.resolveOutgoing(rs, logger, node, true)
}

// resolveOutgoing settles every edge leaving a finished node. A downstream
// node becomes ready only when all of its in-edges resolved satisfied; any
// unsatisfied in-edge skips it, and the skip cascades through its own edges.
func (s *Scheduler) resolveOutgoing(rs *runState, logger *slog.Logger, node *models.Node, success bool) {
	for _, edge := range rs.workflow.Outgoing(node.ID) {
		satisfied := success && edgeSatisfied(rs, edge)

		rs.pending[edge.To]--
		if satisfied {
			rs.satisfied[edge.To]++
		}

		if rs.pending[edge.To] > 0 {
			continue
		}

		target := rs.workflow.Node(edge.To)

		if rs.satisfied[edge.To] == rs.indegree[edge.To] {
			rs.ready = append(rs.ready, target)

			continue
		}

		reason := "upstream node failed or was skipped"
		if success {
			reason = "edge condition not satisfied"
		}

		s.skipNode(rs, logger, target, reason)
	}
}

// skipNode marks a node skipped and cascades through its outgoing edges.
func (s *Scheduler) skipNode(rs *runState, logger *slog.Logger, node *models.Node, reason string) {
	rs.setNodeSkipped(node.ID)

	s.publish(rs.ctx, rs.run.WorkflowID, events.NodeSkipped{
		BaseEvent: events.NewBaseEvent(events.NodeSkippedEvent, rs.run.WorkflowID, rs.run.ID),
		NodeID:    node.ID,
		Reason:    reason,
	})

	logger.Info("Node skipped", "node_id", node.ID, "reason", reason)

	s.resolveOutgoing(rs, logger, node, false)
}

// edgeSatisfied evaluates an edge's condition against the source node's
// output. An empty condition is always satisfied; a missing path or a
// non-truthy value is not.
func edgeSatisfied(rs *runState, edge *models.Edge) bool {
	if edge.Condition == "" {
		return true
	}

	output, ok := rs.store.Output(edge.From)
	if !ok {
		return false
	}

	head, segments, err := contextstore.ParsePath(edge.Condition)
	if err != nil {
		return false
	}

	all := append([]contextstore.PathSegment{{Field: head}}, segments...)

	value, err := contextstore.WalkPath(edge.Condition, any(output), all)
	if err != nil {
		return false
	}

	return intrinsic.Truthy(value)
}

// finish computes the run's terminal status and publishes it. Cancellation
// wins over node outcomes; otherwise any failed node fails the run.
func (s *Scheduler) finish(rs *runState, logger *slog.Logger) {
	cancelled := rs.ctx.Err() != nil

	rs.mu.Lock()

	for _, ne := range rs.run.NodeStates {
		if !ne.State.Terminal() {
			ne.State = models.NodeStateSkipped
		}
	}

	status := models.RunStatusSucceeded

	for _, ne := range rs.run.NodeStates {
		if ne.State == models.NodeStateFailed {
			status = models.RunStatusFailed

			break
		}
	}

	if cancelled {
		status = models.RunStatusCancelled
	}

	now := time.Now().UTC()
	rs.run.Status = status
	rs.run.FinishedAt = &now

	snapshot := rs.run.Snapshot()
	rs.mu.Unlock()

	rs.cancel()

	s.publish(context.Background(), rs.run.WorkflowID, events.RunFinished{
		BaseEvent:  events.NewBaseEvent(events.RunFinishedEvent, snapshot.WorkflowID, snapshot.ID),
		Status:     snapshot.Status,
		NodeStates: snapshot.NodeStates,
		Duration:   now.Sub(snapshot.StartedAt),
	})

	logger.Info("Run finished", "status", status, "duration", now.Sub(snapshot.StartedAt))
}

// executeNode runs one node to its terminal outcome, retrying per the node's
// policy, and reports through the results channel. Input templates are
// re-resolved on every attempt; an unresolved reference consumes a retry like
// any other failure.
func (s *Scheduler) executeNode(rs *runState, node *models.Node) {
	ctx, span := otelhelper.StartSpan(rs.ctx, s.tracer, "scheduler.execute_node",
		attribute.String(otelhelper.RunIDKey, rs.run.ID),
		attribute.String(otelhelper.WorkflowIDKey, rs.run.WorkflowID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeKindKey, node.Kind),
	)
	defer span.End()

	started := time.Now()

	timeout := s.defaultTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}

	maxAttempts := node.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = 0

	if node.Retry.InitialSeconds > 0 {
		policy.InitialInterval = time.Duration(node.Retry.InitialSeconds * float64(time.Second))
	}

	if node.Retry.Multiplier >= 1 {
		policy.Multiplier = node.Retry.Multiplier
	}

	var (
		output   map[string]any
		attempts int
	)

	operation := func() error {
		attempts++
		attemptStart := time.Now()

		s.publish(ctx, rs.run.WorkflowID, events.NodeStarted{
			BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, rs.run.WorkflowID, rs.run.ID),
			NodeID:    node.ID,
			Kind:      node.Kind,
			Attempt:   attempts,
		})

		input, err := rs.eval.ResolveInputs(ctx, node.Input)
		if err != nil {
			// Unresolved references may be transient mis-wirings the operator
			// can observe through retries; malformed templates never heal.
			if !errors.Is(err, contextstore.ErrUnresolvedReference) {
				return backoff.Permanent(err)
			}

			s.publishAttemptFailure(ctx, rs, node, attempts, maxAttempts, err, attemptStart)

			return err
		}

		out, err := s.executor.Execute(ctx, node.Kind, input, timeout)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			s.publishAttemptFailure(ctx, rs, node, attempts, maxAttempts, err, attemptStart)

			return err
		}

		output = out

		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx))
	if err != nil {
		otelhelper.SetError(span, err, attribute.Int("loom.node.attempts", attempts))
	}

	rs.results <- nodeResult{
		node:     node,
		output:   output,
		attempts: attempts,
		err:      err,
		started:  started,
	}
}

// publishAttemptFailure emits a non-final failure event for an attempt that
// will be retried. The final attempt's failure is published by handleResult.
func (s *Scheduler) publishAttemptFailure(
	ctx context.Context,
	rs *runState,
	node *models.Node,
	attempt, maxAttempts int,
	err error,
	started time.Time,
) {
	if attempt >= maxAttempts {
		return
	}

	s.publish(ctx, rs.run.WorkflowID, events.NodeFailed{
		BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, rs.run.WorkflowID, rs.run.ID),
		NodeID:    node.ID,
		Kind:      node.Kind,
		Attempt:   attempt,
		Error:     err.Error(),
		Duration:  time.Since(started),
	})
}

func (s *Scheduler) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, workflowID, event); err != nil {
		s.logger.Warn("Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}

func (rs *runState) setStatus(status models.RunStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.run.Status = status
}

func (rs *runState) setNodeRunning(nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now().UTC()
	ne := rs.run.NodeStates[nodeID]
	ne.State = models.NodeStateRunning
	ne.StartedAt = &now
}

func (rs *runState) setNodeSucceeded(nodeID string, attempts int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now().UTC()
	ne := rs.run.NodeStates[nodeID]
	ne.State = models.NodeStateSucceeded
	ne.Attempts = attempts
	ne.FinishedAt = &now
}

func (rs *runState) setNodeFailed(nodeID string, attempts int, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now().UTC()
	ne := rs.run.NodeStates[nodeID]
	ne.State = models.NodeStateFailed
	ne.Attempts = attempts
	ne.Error = err.Error()
	ne.FinishedAt = &now
}

func (rs *runState) setNodeSkipped(nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now().UTC()
	ne := rs.run.NodeStates[nodeID]
	ne.State = models.NodeStateSkipped
	ne.FinishedAt = &now
}
