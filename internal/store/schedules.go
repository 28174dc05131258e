package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"opsflow/internal/models"
)

// ScheduleStore is the bun-backed schedule store behind the scheduler
// service.
type ScheduleStore struct {
	db *bun.DB
}

// NewScheduleStore wraps the shared DB handle.
func NewScheduleStore(db *bun.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// UpsertByNodeID inserts the schedule or replaces the cadence of the row
// already registered for the node id.
func (s *ScheduleStore) UpsertByNodeID(ctx context.Context, sched *models.WorkflowSchedule) (*models.WorkflowSchedule, error) {
	_, err := s.db.NewInsert().
		Model(sched).
		On("CONFLICT (node_id) DO UPDATE").
		Set("cron = EXCLUDED.cron").
		Set("frequency = EXCLUDED.frequency").
		Set("timezone = EXCLUDED.timezone").
		Set("start_at = EXCLUDED.start_at").
		Set("end_at = EXCLUDED.end_at").
		Set("is_active = EXCLUDED.is_active").
		Set("next_run_at = EXCLUDED.next_run_at").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sched *models.WorkflowSchedule) error {
	_, err := s.db.NewUpdate().
		Model(sched).
		Column("is_active", "last_run_at", "next_run_at", "metadata", "updated_at").
		Where("id = ?", sched.ID).
		Exec(ctx)
	return err
}

func (s *ScheduleStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.WorkflowSchedule, error) {
	sched := new(models.WorkflowSchedule)
	err := s.db.NewSelect().Model(sched).Where("ws.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// FetchDue returns active schedules due at or before now, oldest first.
func (s *ScheduleStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowSchedule, error) {
	if limit <= 0 {
		limit = 25
	}
	var rows []*models.WorkflowSchedule
	err := s.db.NewSelect().
		Model(&rows).
		Where("ws.is_active = TRUE").
		Where("ws.next_run_at IS NOT NULL").
		Where("ws.next_run_at <= ?", now).
		Where("(ws.end_at IS NULL OR ws.end_at >= ?)", now).
		Order("ws.next_run_at ASC").
		Limit(limit).
		Scan(ctx)
	return rows, err
}

func (s *ScheduleStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := s.db.NewUpdate().
		Model((*models.WorkflowSchedule)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}
