// Package eventflow is the domain-event engine behind the FundlyHub
// crowdfunding platform.
//
// It provides immutable, schema-validated domain events, an append-only
// event store contract, an in-process event bus with middleware (logging,
// validation, idempotency, circuit breaking), a saga orchestrator with
// compensating rollback, and CQRS projections rebuilt from the event log.
//
// # Typical wiring
//
//	store := pgstore.New(db, logger)
//	bus := eventflow.NewBus(store,
//	    eventflow.WithLogger(logger),
//	    eventflow.WithIdempotency(eventflow.NewMemoryIdempotencyStore(), time.Hour),
//	    eventflow.WithCircuitBreaker(eventflow.DefaultBreakerConfig()),
//	)
//	defer bus.Close()
//
//	orchestrator := eventflow.NewOrchestrator(store, bus, logger, nil)
//	orchestrator.Register(eventflow.NewCampaignCreationSaga(deps))
//
//	id, err := orchestrator.Start(ctx, eventflow.SagaTypeCampaignCreation, campaignID, data)
//
// Saga outcomes are observed by reading persisted instance state, not by
// catching errors from asynchronous delivery. The bus is constructed once at
// startup and shared by reference; there is no package-level singleton.
package eventflow
