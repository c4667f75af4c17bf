package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"fieldop-service/internal/domain/fieldop"
)

func TestGroupPatterns(t *testing.T) {
	rows := []TriggerPattern{
		{Operation: "anti_rolling", Pattern: "铁鞋设置", Position: 0},
		{Operation: "anti_rolling", Pattern: "手闸拧紧", Position: 1},
		{Operation: "vehicle_number", Pattern: "车号确认", Position: 0},
		{Operation: "parking", Pattern: "停车", Position: 0},
	}

	got := groupPatterns(rows)
	assert.Equal(t, []string{"铁鞋设置", "手闸拧紧"}, got[fieldop.AntiRolling])
	assert.Equal(t, []string{"车号确认"}, got[fieldop.VehicleNumber])
	assert.Equal(t, []string{"停车"}, got[fieldop.Unknown])
}

func TestEncodeCounts(t *testing.T) {
	raw, err := encodeCounts(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = encodeCounts(map[string]int{"anti_rolling": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"anti_rolling":2}`, string(raw))
}

func TestToRun(t *testing.T) {
	id := uuid.New()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	reason := "transcription failed"

	run := toRun(PipelineRun{
		ID:          id,
		DeviceID:    "cam-1",
		State:       "done",
		Events:      3,
		EventCounts: datatypes.JSON(`{"vehicle_number":1,"anti_rolling":2}`),
		Error:       &reason,
		StartedAt:   started,
		FinishedAt:  &finished,
	})

	assert.Equal(t, id.String(), run.ID)
	assert.Equal(t, fieldop.StateDone, run.State)
	assert.Equal(t, map[string]int{"vehicle_number": 1, "anti_rolling": 2}, run.EventCounts)
	assert.Equal(t, reason, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, *run.FinishedAt)
}
