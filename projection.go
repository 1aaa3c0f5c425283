package eventflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundlyhub/eventflow/storage"
)

// Projector maintains one read model from the event stream. Project must be
// idempotent per event or the projection must be attached behind idempotency
// middleware, since delivery is at-least-once.
type Projector interface {
	// Name keys the projection's rows and its bus subscriptions.
	Name() string
	// EventTypes lists the event types the projection consumes.
	EventTypes() []string
	// Project applies one event to the read model.
	Project(ctx context.Context, event Event) error
}

// ProjectionBuilder connects projectors to the bus and replays history from
// the store. Read models are disposable: Rebuild reproduces them from the
// event log alone.
type ProjectionBuilder struct {
	store  storage.Store
	bus    *Bus
	logger *zap.Logger
}

// NewProjectionBuilder creates a builder over the given store and bus.
func NewProjectionBuilder(store storage.Store, bus *Bus, logger *zap.Logger) *ProjectionBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectionBuilder{
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

// Attach subscribes the projector to every event type it consumes. The
// returned function removes all of its subscriptions.
func (b *ProjectionBuilder) Attach(p Projector) (func(), error) {
	var unsubs []func()
	for _, eventType := range p.EventTypes() {
		unsub, err := b.bus.Subscribe(eventType, "projection:"+p.Name(), p.Project)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// Rebuild drops the projector's row for one aggregate and replays that
// aggregate's events from the store in timestamp order. The result is a pure
// function of the event history, so rebuilding twice yields identical state.
func (b *ProjectionBuilder) Rebuild(ctx context.Context, p Projector, aggregateID string) error {
	if err := b.store.DeleteProjection(ctx, p.Name(), aggregateID); err != nil {
		return fmt.Errorf("failed to reset projection %s: %w", p.Name(), err)
	}

	relevant := make(map[string]struct{}, len(p.EventTypes()))
	for _, t := range p.EventTypes() {
		relevant[t] = struct{}{}
	}

	records, err := b.store.QueryEvents(ctx, storage.EventFilter{AggregateID: aggregateID})
	if err != nil {
		return fmt.Errorf("failed to replay events for %s: %w", aggregateID, err)
	}

	applied := 0
	for _, record := range records {
		if _, ok := relevant[record.EventType]; !ok {
			continue
		}
		if err := p.Project(ctx, recordToEvent(record)); err != nil {
			return fmt.Errorf("failed to apply event %s during rebuild: %w", record.EventID, err)
		}
		applied++
	}

	b.logger.Info("Projection rebuilt",
		zap.String("projection", p.Name()),
		zap.String("aggregate_id", aggregateID),
		zap.Int("events_applied", applied),
	)
	return nil
}

// ProjectionCampaignStats is the name of the campaign statistics read model.
const ProjectionCampaignStats = "campaign_stats"

// CampaignStats is the read-optimized view of a campaign's donation totals.
type CampaignStats struct {
	CampaignID    string   `json:"campaign_id"`
	TotalRaised   int64    `json:"total_raised"`
	DonationCount int64    `json:"donation_count"`
	DonorIDs      []string `json:"donor_ids,omitempty"`
	Deleted       bool     `json:"deleted"`
}

func (s CampaignStats) marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal campaign stats: %w", err)
	}
	return data, nil
}

// UniqueDonors returns the number of distinct donors seen so far.
func (s CampaignStats) UniqueDonors() int {
	return len(s.DonorIDs)
}

func (s *CampaignStats) addDonor(donorID string) {
	for _, id := range s.DonorIDs {
		if id == donorID {
			return
		}
	}
	s.DonorIDs = append(s.DonorIDs, donorID)
}

// CampaignStatsProjection derives CampaignStats rows from campaign and
// donation events.
type CampaignStatsProjection struct {
	store storage.Store
}

// NewCampaignStatsProjection creates the campaign statistics projector.
func NewCampaignStatsProjection(store storage.Store) *CampaignStatsProjection {
	return &CampaignStatsProjection{store: store}
}

func (p *CampaignStatsProjection) Name() string {
	return ProjectionCampaignStats
}

func (p *CampaignStatsProjection) EventTypes() []string {
	return []string{CampaignCreated, CampaignDeleted, DonationCompleted, DonationRefunded}
}

func (p *CampaignStatsProjection) Project(ctx context.Context, event Event) error {
	stats, err := p.load(ctx, event.AggregateID)
	if err != nil {
		return err
	}

	switch event.Type {
	case CampaignCreated:
		var payload CampaignCreatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		stats.CampaignID = payload.CampaignID

	case CampaignDeleted:
		stats.Deleted = true

	case DonationCompleted:
		var payload DonationCompletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		stats.TotalRaised += payload.Amount
		stats.DonationCount++
		stats.addDonor(payload.DonorID)

	case DonationRefunded:
		var payload DonationRefundedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		stats.TotalRaised -= payload.Amount

	default:
		return nil
	}

	data, err := stats.marshal()
	if err != nil {
		return err
	}
	return p.store.UpsertProjection(ctx, &storage.ProjectionRecord{
		Projection:  ProjectionCampaignStats,
		AggregateID: event.AggregateID,
		Data:        data,
		UpdatedAt:   time.Now().UTC(),
	})
}

// Stats loads the current statistics row for a campaign, or a zero value if
// none exists yet.
func (p *CampaignStatsProjection) Stats(ctx context.Context, campaignID string) (CampaignStats, error) {
	return p.load(ctx, campaignID)
}

func (p *CampaignStatsProjection) load(ctx context.Context, campaignID string) (CampaignStats, error) {
	record, err := p.store.GetProjection(ctx, ProjectionCampaignStats, campaignID)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("failed to load campaign stats: %w", err)
	}
	if record == nil {
		return CampaignStats{CampaignID: campaignID}, nil
	}

	var stats CampaignStats
	if err := json.Unmarshal(record.Data, &stats); err != nil {
		return CampaignStats{}, fmt.Errorf("failed to decode campaign stats: %w", err)
	}
	return stats, nil
}
