package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"opsflow/internal/engine"
	"opsflow/internal/logging"
	"opsflow/internal/models"
)

// WorkflowRunner is the slice of the engine the worker needs: resuming a
// workflow graph below its SCHEDULE node.
type WorkflowRunner interface {
	ExecuteFromNode(ctx context.Context, workflowID uuid.UUID, nodeID string, ev engine.Event) *engine.ExecutionResult
}

// WorkflowLookup resolves workflow rows so the worker can skip paused and
// deleted workflows.
type WorkflowLookup interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	PollInterval  time.Duration // default 60s
	BatchSize     int           // default 25
	MaxConcurrent int           // default 5
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
}

// Worker polls for due schedules and replays their workflows. Ticks are
// serialized: a poll that overruns the interval delays the next one instead
// of stacking.
type Worker struct {
	scheduler *Service
	runner    WorkflowRunner
	workflows WorkflowLookup
	logger    logging.Logger
	clock     Clock
	metrics   *Metrics
	cfg       WorkerConfig

	done chan struct{}
}

// NewWorker wires a polling worker.
func NewWorker(scheduler *Service, runner WorkflowRunner, workflows WorkflowLookup, logger logging.Logger, clock Clock, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	if clock == nil {
		clock = systemClock{}
	}
	return &Worker{
		scheduler: scheduler,
		runner:    runner,
		workflows: workflows,
		logger:    logging.OrNop(logger),
		clock:     clock,
		metrics:   defaultMetrics(),
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// Run polls until the context is cancelled. The first poll fires
// immediately so freshly due schedules do not wait a full interval.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.logger.Info("scheduler worker: polling every %s (batch %d)", w.cfg.PollInterval, w.cfg.BatchSize)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scheduler worker: stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// Done is closed once Run has returned, for graceful shutdown ordering.
func (w *Worker) Done() <-chan struct{} { return w.done }

// pollOnce processes one batch of due schedules.
func (w *Worker) pollOnce(ctx context.Context) {
	due, err := w.scheduler.FetchDueSchedules(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("scheduler worker: fetch due schedules: %v", err)
		w.metrics.IncTick("error")
		return
	}
	if len(due) == 0 {
		w.metrics.IncTick("empty")
		return
	}
	w.metrics.IncTick("due")
	w.logger.Info("scheduler worker: %d schedule(s) due", len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrent)
	for _, sched := range due {
		sched := sched
		g.Go(func() error {
			w.runSchedule(gctx, sched)
			return nil
		})
	}
	_ = g.Wait()
}

// runSchedule replays one schedule's workflow and applies the run outcome.
// A schedule whose workflow is gone deactivates; a paused workflow counts as
// a failure so the backoff keeps the schedule from hot-looping.
func (w *Worker) runSchedule(ctx context.Context, sched *models.WorkflowSchedule) {
	now := w.clock.Now().UTC()

	wf, err := w.workflows.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		w.markFailure(ctx, sched, now, fmt.Errorf("load workflow %s: %w", sched.WorkflowID, err))
		return
	}
	if wf == nil {
		w.logger.Warn("scheduler worker: workflow %s gone, deactivating schedule %s", sched.WorkflowID, sched.ID)
		if err := w.scheduler.Deactivate(ctx, sched.ID); err != nil {
			w.logger.Error("scheduler worker: deactivate schedule %s: %v", sched.ID, err)
		}
		w.metrics.IncRun("orphaned")
		return
	}
	if wf.Status != models.WorkflowStatusActive {
		w.metrics.IncRun("inactive")
		w.markFailure(ctx, sched, now, fmt.Errorf("workflow %s is %s", wf.ID, wf.Status))
		return
	}

	res := w.runner.ExecuteFromNode(ctx, sched.WorkflowID, sched.NodeID, w.scheduleEvent(sched))
	if res.Success {
		w.metrics.IncRun("executed")
		if err := w.scheduler.MarkRunSuccess(ctx, sched, now, nil); err != nil {
			w.logger.Error("scheduler worker: mark schedule %s success: %v", sched.ID, err)
		}
		return
	}
	w.metrics.IncRun("failed")
	w.markFailure(ctx, sched, now, fmt.Errorf("execution %s: %s", res.ExecutionID, res.Error))
}

func (w *Worker) markFailure(ctx context.Context, sched *models.WorkflowSchedule, at time.Time, cause error) {
	if err := w.scheduler.MarkRunFailure(ctx, sched, at, cause); err != nil {
		w.logger.Error("scheduler worker: mark schedule %s failure: %v", sched.ID, err)
	}
}

// scheduleEvent builds the synthetic system/schedule/run event a due
// schedule replays its workflow with.
func (w *Worker) scheduleEvent(sched *models.WorkflowSchedule) engine.Event {
	payload := models.JSONB{
		"scheduleId": sched.ID.String(),
		"workflowId": sched.WorkflowID.String(),
		"nodeId":     sched.NodeID,
	}
	orgID := ""
	if sched.Metadata != nil {
		payload["scheduleMetadata"] = map[string]any(sched.Metadata)
		orgID = sched.Metadata.String("organizationId")
		// Restore the captured trigger payload so variable resolution sees
		// the original context.
		if trig, ok := sched.Metadata["trigger"].(map[string]any); ok {
			snapshot := engine.EventFromMap(models.JSONB(trig))
			for k, v := range snapshot.Payload {
				if _, exists := payload[k]; !exists {
					payload[k] = v
				}
			}
			if orgID == "" {
				orgID = snapshot.OrganizationID
			}
		}
	}
	return engine.Event{
		OrganizationID: orgID,
		Module:         "system",
		EntityType:     "schedule",
		EventType:      "run",
		Payload:        payload,
		TriggeredAt:    w.clock.Now().UTC(),
	}
}
