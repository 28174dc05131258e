package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"opsflow/internal/errors"
	"opsflow/internal/logging"
	"opsflow/internal/models"
)

const (
	// Failure backoff bounds, in seconds: 60 * 2^(retries-1) clamped to
	// [60, 86400].
	backoffBaseSeconds = 60
	backoffMaxSeconds  = 86400

	defaultNextRunOffset = 5 * time.Minute
)

// Store is the persistence port for schedule rows.
type Store interface {
	// UpsertByNodeID inserts the schedule or, when a row for the node id
	// already exists, replaces its cadence fields and metadata.
	UpsertByNodeID(ctx context.Context, sched *models.WorkflowSchedule) (*models.WorkflowSchedule, error)
	UpdateSchedule(ctx context.Context, sched *models.WorkflowSchedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.WorkflowSchedule, error)
	// FetchDue returns active schedules whose next_run_at is at or before
	// now, oldest first, capped at limit.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowSchedule, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Clock is injected for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service owns schedule cadence: computing next runs, registering schedule
// rows and applying the success/failure bookkeeping after each run.
type Service struct {
	store  Store
	logger logging.Logger
	clock  Clock
	parser cron.Parser
}

// New builds a scheduler service. Logger and clock may be nil.
func New(store Store, logger logging.Logger, clock Clock) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{
		store:  store,
		logger: logging.OrNop(logger),
		clock:  clock,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// UpsertSchedule registers or refreshes the schedule row for one node. The
// retry counter resets so a reconfigured schedule starts clean.
func (s *Service) UpsertSchedule(ctx context.Context, workflowID uuid.UUID, nodeID string, cfg models.ScheduleConfig, metadata models.JSONB) (*models.WorkflowSchedule, error) {
	if cfg.Cron != "" {
		if _, err := s.parser.Parse(cfg.Cron); err != nil {
			return nil, errors.NewDefinitionError(nodeID, "invalid cron expression %q: %v", cfg.Cron, err)
		}
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, errors.NewDefinitionError(nodeID, "invalid timezone %q: %v", cfg.Timezone, err)
		}
	}

	now := s.clock.Now().UTC()
	next, err := s.NextRunAt(cfg, now)
	if err != nil {
		return nil, err
	}

	meta := metadata.Clone()
	if meta == nil {
		meta = models.JSONB{}
	}
	meta["retryCount"] = 0

	sched := &models.WorkflowSchedule{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Cron:       cfg.Cron,
		Frequency:  cfg.Frequency,
		Timezone:   cfg.Timezone,
		StartAt:    cfg.StartAt,
		EndAt:      cfg.EndAt,
		IsActive:   next != nil,
		NextRunAt:  next,
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stored, err := s.store.UpsertByNodeID(ctx, sched)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule for node %s: %w", nodeID, err)
	}
	if next != nil {
		s.logger.Info("scheduler: schedule %s (node %s) next run %s", stored.ID, nodeID, next.Format(time.RFC3339))
	} else {
		s.logger.Warn("scheduler: schedule %s (node %s) has no future run, created inactive", stored.ID, nodeID)
	}
	return stored, nil
}

// FetchDueSchedules returns the active schedules due at or before now.
func (s *Service) FetchDueSchedules(ctx context.Context, limit int) ([]*models.WorkflowSchedule, error) {
	return s.store.FetchDue(ctx, s.clock.Now().UTC(), limit)
}

// MarkRunSuccess stamps the run, resets the retry counter and advances
// next_run_at. A non-nil overrides replaces the stored cadence before the
// next run is computed. A schedule with no future run deactivates.
func (s *Service) MarkRunSuccess(ctx context.Context, sched *models.WorkflowSchedule, at time.Time, overrides *models.ScheduleConfig) error {
	at = at.UTC()
	cfg := s.configOf(sched)
	if overrides != nil {
		cfg = *overrides
		if cfg.Cron != "" {
			if _, err := s.parser.Parse(cfg.Cron); err != nil {
				return errors.NewDefinitionError(sched.NodeID, "invalid cron expression %q: %v", cfg.Cron, err)
			}
		}
		sched.Cron = cfg.Cron
		sched.Frequency = cfg.Frequency
		sched.Timezone = cfg.Timezone
		sched.StartAt = cfg.StartAt
		sched.EndAt = cfg.EndAt
	}
	next, err := s.NextRunAt(cfg, at)
	if err != nil {
		return err
	}

	if sched.Metadata == nil {
		sched.Metadata = models.JSONB{}
	}
	sched.Metadata["retryCount"] = 0
	sched.LastRunAt = &at
	sched.NextRunAt = next
	sched.UpdatedAt = s.clock.Now().UTC()
	if next == nil {
		sched.IsActive = false
		s.logger.Info("scheduler: schedule %s has no further runs, deactivating", sched.ID)
	}
	return s.store.UpdateSchedule(ctx, sched)
}

// MarkRunFailure bumps the retry counter and pushes next_run_at out by the
// clamped exponential backoff.
func (s *Service) MarkRunFailure(ctx context.Context, sched *models.WorkflowSchedule, at time.Time, runErr error) error {
	at = at.UTC()
	retries := sched.RetryCount() + 1
	if sched.Metadata == nil {
		sched.Metadata = models.JSONB{}
	}
	sched.Metadata["retryCount"] = retries
	if runErr != nil {
		sched.Metadata["lastError"] = runErr.Error()
		sched.Metadata["lastErrorAt"] = at.Format(time.RFC3339)
	}

	delay := FailureBackoff(retries)
	next := at.Add(delay)
	sched.LastRunAt = &at
	sched.NextRunAt = &next
	sched.UpdatedAt = s.clock.Now().UTC()

	s.logger.Warn("scheduler: schedule %s failed (retry %d), next attempt %s: %v", sched.ID, retries, next.Format(time.RFC3339), runErr)
	return s.store.UpdateSchedule(ctx, sched)
}

// SetActiveState toggles a schedule without touching its cadence.
func (s *Service) SetActiveState(ctx context.Context, scheduleID uuid.UUID, active bool) error {
	return s.store.SetActive(ctx, scheduleID, active)
}

// Deactivate is SetActiveState(false), named for the worker's orphan cleanup.
func (s *Service) Deactivate(ctx context.Context, scheduleID uuid.UUID) error {
	return s.store.SetActive(ctx, scheduleID, false)
}

func (s *Service) configOf(sched *models.WorkflowSchedule) models.ScheduleConfig {
	return models.ScheduleConfig{
		Cron:      sched.Cron,
		Frequency: sched.Frequency,
		Timezone:  sched.Timezone,
		StartAt:   sched.StartAt,
		EndAt:     sched.EndAt,
	}
}

// FailureBackoff returns 60 * 2^(retries-1) seconds clamped to
// [60s, 24h].
func FailureBackoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	secs := float64(backoffBaseSeconds) * math.Pow(2, float64(retries-1))
	if secs > backoffMaxSeconds {
		secs = backoffMaxSeconds
	}
	if secs < backoffBaseSeconds {
		secs = backoffBaseSeconds
	}
	return time.Duration(secs) * time.Second
}

// NextRunAt computes the next execution time after the given instant. The
// reference floors to the minute and never precedes StartAt; a cron
// expression wins over the coarse frequency; a computed time past EndAt
// yields nil.
func (s *Service) NextRunAt(cfg models.ScheduleConfig, after time.Time) (*time.Time, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errors.NewDefinitionError("schedule", "invalid timezone %q: %v", cfg.Timezone, err)
		}
		loc = l
	}

	ref := after.In(loc).Truncate(time.Minute)
	if cfg.StartAt != nil && cfg.StartAt.After(ref) {
		ref = cfg.StartAt.In(loc).Truncate(time.Minute)
	}

	var next time.Time
	switch {
	case cfg.Cron != "":
		schedule, err := s.parser.Parse(cfg.Cron)
		if err != nil {
			return nil, errors.NewDefinitionError("schedule", "invalid cron expression %q: %v", cfg.Cron, err)
		}
		next = schedule.Next(ref)
		if next.IsZero() {
			return nil, nil
		}
	case cfg.Frequency == models.FrequencyHourly:
		next = ref.Add(time.Hour)
	case cfg.Frequency == models.FrequencyDaily:
		next = ref.AddDate(0, 0, 1)
	case cfg.Frequency == models.FrequencyWeekly:
		next = ref.AddDate(0, 0, 7)
	case cfg.Frequency == models.FrequencyMonthly:
		next = ref.AddDate(0, 1, 0)
	case cfg.Frequency == models.FrequencyYearly:
		next = ref.AddDate(1, 0, 0)
	default:
		next = ref.Add(defaultNextRunOffset)
	}

	if cfg.EndAt != nil && next.After(*cfg.EndAt) {
		return nil, nil
	}
	utc := next.UTC()
	return &utc, nil
}
