package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fieldop-service/internal/domain/fieldop"
)

type PipelineRepository struct {
	db *gorm.DB
}

func NewPipelineRepository(db *gorm.DB) *PipelineRepository {
	return &PipelineRepository{db: db}
}

type TriggerPattern struct {
	ID        int64  `gorm:"primaryKey"`
	Operation string `gorm:"not null"`
	Pattern   string `gorm:"not null"`
	Position  int    `gorm:"not null"`
	CreatedAt time.Time
}

type PipelineRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DeviceID    string         `gorm:"not null"`
	State       string         `gorm:"not null"`
	Events      int            `gorm:"not null"`
	EventCounts datatypes.JSON `gorm:"type:jsonb"`
	Error       *string
	StartedAt   time.Time `gorm:"not null"`
	FinishedAt  *time.Time
}

// LoadPatterns returns trigger patterns grouped by operation, in position order.
// Rows naming an unknown operation are returned under Unknown so the detector
// rejects them.
func (r *PipelineRepository) LoadPatterns(ctx context.Context) (map[fieldop.OperationType][]string, error) {
	var rows []TriggerPattern
	err := r.db.WithContext(ctx).
		Order("operation, position, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return groupPatterns(rows), nil
}

func groupPatterns(rows []TriggerPattern) map[fieldop.OperationType][]string {
	out := make(map[fieldop.OperationType][]string)
	for _, row := range rows {
		op, err := fieldop.ParseOperationType(row.Operation)
		if err != nil {
			op = fieldop.Unknown
		}
		out[op] = append(out[op], row.Pattern)
	}
	return out
}

func (r *PipelineRepository) CreateRun(ctx context.Context, run *fieldop.Run) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return err
	}
	row := PipelineRun{
		ID:        id,
		DeviceID:  run.DeviceID,
		State:     string(run.State),
		StartedAt: run.StartedAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *PipelineRepository) UpdateRunState(ctx context.Context, runID string, state fieldop.State) error {
	return r.db.WithContext(ctx).
		Model(&PipelineRun{}).
		Where("id = ?", runID).
		Update("state", string(state)).Error
}

// FinishRun records the terminal state, event tally and failure reason.
func (r *PipelineRepository) FinishRun(ctx context.Context, run *fieldop.Run) error {
	counts, err := encodeCounts(run.EventCounts)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"state":        string(run.State),
		"events":       run.Events,
		"event_counts": counts,
		"finished_at":  run.FinishedAt,
	}
	if run.Error != "" {
		updates["error"] = run.Error
	}
	return r.db.WithContext(ctx).
		Model(&PipelineRun{}).
		Where("id = ?", run.ID).
		Updates(updates).Error
}

func (r *PipelineRepository) FindRuns(ctx context.Context, deviceID *string, limit int) ([]fieldop.Run, error) {
	query := r.db.WithContext(ctx).Model(&PipelineRun{})
	if deviceID != nil {
		query = query.Where("device_id = ?", *deviceID)
	}
	query = query.Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []PipelineRun
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	runs := make([]fieldop.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, toRun(row))
	}
	return runs, nil
}

func (r *PipelineRepository) GetRun(ctx context.Context, runID string) (*fieldop.Run, error) {
	var row PipelineRun
	err := r.db.WithContext(ctx).Where("id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run := toRun(row)
	return &run, nil
}

// DeleteOldRuns removes finished runs started more than maxAge ago.
func (r *PipelineRepository) DeleteOldRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	result := r.db.WithContext(ctx).
		Where("started_at < ? AND finished_at IS NOT NULL", cutoff).
		Delete(&PipelineRun{})
	return result.RowsAffected, result.Error
}

func encodeCounts(counts map[string]int) (datatypes.JSON, error) {
	if counts == nil {
		counts = map[string]int{}
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func toRun(row PipelineRun) fieldop.Run {
	run := fieldop.Run{
		ID:         row.ID.String(),
		DeviceID:   row.DeviceID,
		State:      fieldop.State(row.State),
		Events:     row.Events,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if row.Error != nil {
		run.Error = *row.Error
	}
	if len(row.EventCounts) > 0 {
		_ = json.Unmarshal(row.EventCounts, &run.EventCounts)
	}
	return run
}
