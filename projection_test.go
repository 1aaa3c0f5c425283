package eventflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlyhub/eventflow/storage"
	"github.com/fundlyhub/eventflow/storage/memstore"
)

func campaignEventHistory(t *testing.T) []Event {
	t.Helper()

	created, err := NewEvent(CampaignCreated, "camp-1", CampaignCreatedPayload{
		CampaignID: "camp-1",
		OwnerID:    "user-1",
		Title:      "Save the bees",
		Slug:       "save-the-bees",
		GoalAmount: 100000,
		Currency:   "EUR",
	})
	require.NoError(t, err)

	refund, err := NewEvent(DonationRefunded, "camp-1", DonationRefundedPayload{
		DonationID: "user-2-donation",
		CampaignID: "camp-1",
		Amount:     300,
	})
	require.NoError(t, err)

	return []Event{
		created,
		donationEvent(t, "camp-1", "user-2", 500),
		donationEvent(t, "camp-1", "user-3", 1200),
		donationEvent(t, "camp-2", "user-2", 900), // different campaign
		refund,
	}
}

func TestCampaignStatsProjection_Attach(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	bus := NewBus(store)
	defer bus.Close()

	projection := NewCampaignStatsProjection(store)
	builder := NewProjectionBuilder(store, bus, nil)
	detach, err := builder.Attach(projection)
	require.NoError(t, err)
	defer detach()

	// PublishBatch waits for delivery, so the projection is up to date after.
	require.NoError(t, bus.PublishBatch(ctx, campaignEventHistory(t)))

	stats, err := projection.Stats(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "camp-1", stats.CampaignID)
	assert.Equal(t, int64(1400), stats.TotalRaised)
	assert.Equal(t, int64(2), stats.DonationCount)
	assert.Equal(t, 2, stats.UniqueDonors())
	assert.False(t, stats.Deleted)

	other, err := projection.Stats(ctx, "camp-2")
	require.NoError(t, err)
	assert.Equal(t, int64(900), other.TotalRaised)
	assert.Equal(t, int64(1), other.DonationCount)
}

func TestCampaignStatsProjection_RepeatedDonorCountedOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	projection := NewCampaignStatsProjection(store)

	require.NoError(t, projection.Project(ctx, donationEvent(t, "camp-1", "user-2", 100)))
	second := donationEvent(t, "camp-1", "user-2", 200)
	require.NoError(t, projection.Project(ctx, second))

	stats, err := projection.Stats(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), stats.TotalRaised)
	assert.Equal(t, int64(2), stats.DonationCount)
	assert.Equal(t, 1, stats.UniqueDonors())
}

func TestCampaignStatsProjection_CampaignDeleted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	projection := NewCampaignStatsProjection(store)

	deleted, err := NewEvent(CampaignDeleted, "camp-1", CampaignDeletedPayload{
		CampaignID: "camp-1",
		Reason:     "owner request",
	})
	require.NoError(t, err)

	require.NoError(t, projection.Project(ctx, donationEvent(t, "camp-1", "user-2", 100)))
	require.NoError(t, projection.Project(ctx, deleted))

	stats, err := projection.Stats(ctx, "camp-1")
	require.NoError(t, err)
	assert.True(t, stats.Deleted)
	assert.Equal(t, int64(100), stats.TotalRaised)
}

func TestProjectionBuilder_Rebuild(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	bus := NewBus(store)
	defer bus.Close()

	require.NoError(t, bus.PublishBatch(ctx, campaignEventHistory(t)))

	projection := NewCampaignStatsProjection(store)
	builder := NewProjectionBuilder(store, bus, nil)

	require.NoError(t, builder.Rebuild(ctx, projection, "camp-1"))
	first, err := projection.Stats(ctx, "camp-1")
	require.NoError(t, err)

	// Rebuilding is a pure function of the event log: running it again
	// yields the same state, even over a corrupted row.
	require.NoError(t, store.UpsertProjection(ctx, &storage.ProjectionRecord{
		Projection:  ProjectionCampaignStats,
		AggregateID: "camp-1",
		Data:        []byte(`{"campaign_id":"camp-1","total_raised":999999}`),
		UpdatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, builder.Rebuild(ctx, projection, "camp-1"))
	second, err := projection.Stats(ctx, "camp-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1400), second.TotalRaised)
	assert.Equal(t, int64(2), second.DonationCount)
}
