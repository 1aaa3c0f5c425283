package eventflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fundlyhub/eventflow/storage"
)

// SagaTypeCampaignCreation is the saga type for creating a campaign.
const SagaTypeCampaignCreation = "campaign_creation"

// Keys used in the campaign creation saga's accumulated data.
const (
	dataKeySlug       = "slug"
	dataKeyOwnerID    = "owner_id"
	dataKeyTitle      = "title"
	dataKeyGoalAmount = "goal_amount"
	dataKeyCurrency   = "currency"
	dataKeyCampaignID = "campaign_id"
	dataKeyPrevRole   = "previous_role"
)

// SlugIndex answers whether a campaign slug is already taken.
type SlugIndex interface {
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// CampaignService creates and soft-deletes campaign records.
type CampaignService interface {
	CreateCampaign(ctx context.Context, ownerID, title, slug string, goalAmount int64, currency string) (campaignID string, err error)
	SoftDeleteCampaign(ctx context.Context, campaignID, reason string) error
}

// MembershipService adjusts a user's role.
type MembershipService interface {
	PromoteToOwner(ctx context.Context, userID string) (previousRole string, err error)
	SetRole(ctx context.Context, userID, role string) error
}

// ProfileCounters maintains per-user campaign counters.
type ProfileCounters interface {
	IncrementCampaignCount(ctx context.Context, userID string) error
	DecrementCampaignCount(ctx context.Context, userID string) error
}

// CampaignSagaDeps bundles the collaborators of the campaign creation saga.
type CampaignSagaDeps struct {
	Slugs     SlugIndex
	Campaigns CampaignService
	Members   MembershipService
	Profiles  ProfileCounters
	Store     storage.Store
}

// NewCampaignCreationSaga builds the campaign creation workflow. Initial data
// must carry slug, owner_id, title, goal_amount and currency. On failure
// every completed step is reversed, so no half-created campaign stays
// visible: the record is soft-deleted, the owner role reverted, projections
// dropped and counters decremented.
func NewCampaignCreationSaga(deps CampaignSagaDeps) SagaDefinition {
	return SagaDefinition{
		Type: SagaTypeCampaignCreation,
		Steps: []SagaStep{
			{
				Name: "validate_slug",
				Execute: func(ctx context.Context, data SagaData) (SagaData, error) {
					slug := data.String(dataKeySlug)
					if slug == "" {
						return nil, fmt.Errorf("slug is required")
					}
					taken, err := deps.Slugs.SlugExists(ctx, slug)
					if err != nil {
						return nil, fmt.Errorf("failed to check slug: %w", err)
					}
					if taken {
						return nil, fmt.Errorf("slug %q is already taken", slug)
					}
					return nil, nil
				},
				// Validation leaves nothing behind, no compensation.
			},
			{
				Name: "create_campaign",
				Execute: func(ctx context.Context, data SagaData) (SagaData, error) {
					goalAmount, err := goalAmountFrom(data)
					if err != nil {
						return nil, err
					}
					campaignID, err := deps.Campaigns.CreateCampaign(ctx,
						data.String(dataKeyOwnerID),
						data.String(dataKeyTitle),
						data.String(dataKeySlug),
						goalAmount,
						data.String(dataKeyCurrency),
					)
					if err != nil {
						return nil, fmt.Errorf("failed to create campaign: %w", err)
					}
					return SagaData{dataKeyCampaignID: campaignID}, nil
				},
				Compensate: func(ctx context.Context, data SagaData) error {
					return deps.Campaigns.SoftDeleteCampaign(ctx, data.String(dataKeyCampaignID), "campaign creation rolled back")
				},
				Event: func(data SagaData) (Event, error) {
					goalAmount, err := goalAmountFrom(data)
					if err != nil {
						return Event{}, err
					}
					return NewEvent(CampaignCreated, data.String(dataKeyCampaignID), CampaignCreatedPayload{
						CampaignID: data.String(dataKeyCampaignID),
						OwnerID:    data.String(dataKeyOwnerID),
						Title:      data.String(dataKeyTitle),
						Slug:       data.String(dataKeySlug),
						GoalAmount: goalAmount,
						Currency:   data.String(dataKeyCurrency),
					})
				},
			},
			{
				Name: "promote_owner_role",
				Execute: func(ctx context.Context, data SagaData) (SagaData, error) {
					previousRole, err := deps.Members.PromoteToOwner(ctx, data.String(dataKeyOwnerID))
					if err != nil {
						return nil, fmt.Errorf("failed to promote owner: %w", err)
					}
					return SagaData{dataKeyPrevRole: previousRole}, nil
				},
				Compensate: func(ctx context.Context, data SagaData) error {
					return deps.Members.SetRole(ctx, data.String(dataKeyOwnerID), data.String(dataKeyPrevRole))
				},
				Event: func(data SagaData) (Event, error) {
					return NewEvent(UserRoleChanged, data.String(dataKeyOwnerID), UserRoleChangedPayload{
						UserID:       data.String(dataKeyOwnerID),
						Role:         "campaign_owner",
						PreviousRole: data.String(dataKeyPrevRole),
					})
				},
			},
			{
				Name: "init_projections",
				Execute: func(ctx context.Context, data SagaData) (SagaData, error) {
					record, err := emptyCampaignStatsRecord(data.String(dataKeyCampaignID))
					if err != nil {
						return nil, err
					}
					if err := deps.Store.UpsertProjection(ctx, record); err != nil {
						return nil, fmt.Errorf("failed to init projections: %w", err)
					}
					return nil, nil
				},
				Compensate: func(ctx context.Context, data SagaData) error {
					return deps.Store.DeleteProjection(ctx, ProjectionCampaignStats, data.String(dataKeyCampaignID))
				},
			},
			{
				Name: "update_profile_counters",
				Execute: func(ctx context.Context, data SagaData) (SagaData, error) {
					if err := deps.Profiles.IncrementCampaignCount(ctx, data.String(dataKeyOwnerID)); err != nil {
						return nil, fmt.Errorf("failed to update profile counters: %w", err)
					}
					return nil, nil
				},
				Compensate: func(ctx context.Context, data SagaData) error {
					return deps.Profiles.DecrementCampaignCount(ctx, data.String(dataKeyOwnerID))
				},
				Event: func(data SagaData) (Event, error) {
					return NewEvent(CampaignPublished, data.String(dataKeyCampaignID), CampaignPublishedPayload{
						CampaignID: data.String(dataKeyCampaignID),
						OwnerID:    data.String(dataKeyOwnerID),
					})
				},
			},
		},
	}
}

// goalAmountFrom reads the goal amount from saga data, tolerating the
// float64 that JSON round-trips produce.
func goalAmountFrom(data SagaData) (int64, error) {
	switch v := data[dataKeyGoalAmount].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("goal_amount is required")
	default:
		return 0, fmt.Errorf("goal_amount has unexpected type %T", v)
	}
}

func emptyCampaignStatsRecord(campaignID string) (*storage.ProjectionRecord, error) {
	stats := CampaignStats{CampaignID: campaignID}
	data, err := stats.marshal()
	if err != nil {
		return nil, err
	}
	return &storage.ProjectionRecord{
		Projection:  ProjectionCampaignStats,
		AggregateID: campaignID,
		Data:        data,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}
