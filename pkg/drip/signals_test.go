package drip_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkReply_StopOnReply(t *testing.T) {
	env := newEnv(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	stopping := env.active(t, &models.DripCampaign{
		Name:     "stopping",
		Steps:    []models.DripStep{step(0, 0, "09:00", "hi"), step(1, 1, "09:00", "again")},
		Settings: models.CampaignSettings{StopOnReply: true},
	})
	continuing := env.active(t, &models.DripCampaign{
		Name:  "continuing",
		Steps: []models.DripStep{step(0, 0, "09:00", "hi"), step(1, 1, "09:00", "again")},
	})

	stopRun, err := env.engine.Enroll(ctx, stopping.ID, "c1")
	require.NoError(t, err)

	keepRun, err := env.engine.Enroll(ctx, continuing.ID, "c1")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	require.NoError(t, env.engine.ProcessRun(ctx, stopRun.ID))
	require.NoError(t, env.engine.ProcessRun(ctx, keepRun.ID))

	updated, err := env.engine.MarkReply(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, updated, 2)

	stopped := env.run(t, stopRun.ID)
	assert.Equal(t, models.RunExited, stopped.Status)
	assert.Equal(t, models.ExitReplied, stopped.ExitReason)
	assert.True(t, stopped.Replied)
	assert.Equal(t, models.StepReplied, stopped.StepHistory[0].Status)

	kept := env.run(t, keepRun.ID)
	assert.Equal(t, models.RunActive, kept.Status)
	assert.True(t, kept.Replied)

	assert.EqualValues(t, 1, env.metrics(t, stopping.ID).TotalReplied)
	assert.EqualValues(t, 1, env.metrics(t, stopping.ID).ExitedContacts)
	assert.EqualValues(t, 1, env.metrics(t, continuing.ID).TotalReplied)

	// a second reply is not counted again
	updated, err = env.engine.MarkReply(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.EqualValues(t, 1, env.metrics(t, continuing.ID).TotalReplied)

	_, err = env.engine.MarkReply(ctx, "")
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestMarkConversion(t *testing.T) {
	env := newEnv(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	campaign := env.active(t, &models.DripCampaign{
		Steps:    []models.DripStep{step(0, 0, "09:00", "hi")},
		Settings: models.CampaignSettings{StopOnConversion: true},
	})

	run, err := env.engine.Enroll(ctx, campaign.ID, "c1")
	require.NoError(t, err)

	updated, err := env.engine.MarkConversion(ctx, "c2", campaign.ID)
	require.NoError(t, err)
	assert.Empty(t, updated)

	updated, err = env.engine.MarkConversion(ctx, "c1", campaign.ID)
	require.NoError(t, err)
	require.Len(t, updated, 1)

	got := env.run(t, run.ID)
	assert.Equal(t, models.RunExited, got.Status)
	assert.Equal(t, models.ExitConverted, got.ExitReason)
	assert.True(t, got.Converted)

	metrics := env.metrics(t, campaign.ID)
	assert.EqualValues(t, 1, metrics.TotalConverted)
	assert.Zero(t, metrics.ActiveContacts)
}

func TestRecordDelivery(t *testing.T) {
	env := newEnv(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	campaign := env.active(t, &models.DripCampaign{
		Steps: []models.DripStep{step(0, 0, "09:00", "hi"), step(1, 1, "09:00", "again")},
	})

	run, err := env.engine.Enroll(ctx, campaign.ID, "c1")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	require.NoError(t, env.engine.ProcessRun(ctx, run.ID))

	got, err := env.engine.RecordDelivery(ctx, run.ID, "msg-1", models.StepDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.StepDelivered, got.StepHistory[0].Status)

	_, err = env.engine.RecordDelivery(ctx, run.ID, "msg-1", models.StepRead)
	require.NoError(t, err)

	// stale receipt
	got, err = env.engine.RecordDelivery(ctx, run.ID, "msg-1", models.StepDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.StepRead, got.StepHistory[0].Status)

	metrics := env.metrics(t, campaign.ID)
	assert.EqualValues(t, 1, metrics.TotalDelivered)
	assert.EqualValues(t, 1, metrics.TotalRead)

	_, err = env.engine.RecordDelivery(ctx, run.ID, "msg-9", models.StepDelivered)
	require.True(t, services.IsNotFound(err))

	_, err = env.engine.RecordDelivery(ctx, run.ID, "msg-1", models.StepSent)
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestRecordDelivery_ReadImpliesDelivered(t *testing.T) {
	env := newEnv(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	campaign := env.active(t, &models.DripCampaign{
		Steps: []models.DripStep{step(0, 0, "09:00", "hi")},
	})

	run, err := env.engine.Enroll(ctx, campaign.ID, "c1")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	require.NoError(t, env.engine.ProcessRun(ctx, run.ID))

	// receipts still apply to completed runs
	_, err = env.engine.RecordDelivery(ctx, run.ID, "msg-1", models.StepRead)
	require.NoError(t, err)

	metrics := env.metrics(t, campaign.ID)
	assert.EqualValues(t, 1, metrics.TotalDelivered)
	assert.EqualValues(t, 1, metrics.TotalRead)
}
