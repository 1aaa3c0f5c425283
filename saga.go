package eventflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fundlyhub/eventflow/storage"
)

// Saga lifecycle states, re-exported from storage for callers that poll
// instance state.
const (
	SagaStatusPending      = storage.SagaStatusPending
	SagaStatusCompleted    = storage.SagaStatusCompleted
	SagaStatusFailed       = storage.SagaStatusFailed
	SagaStatusCompensating = storage.SagaStatusCompensating
)

var (
	// ErrUnknownSagaType is returned by Start for an unregistered saga type.
	ErrUnknownSagaType = errors.New("unknown saga type")
	// ErrSagaStopped is recorded when a caller requested no further steps.
	ErrSagaStopped = errors.New("saga stopped by request")
)

// SagaData is the accumulated context flowing through a saga's steps. Values
// must be JSON-serializable so the context survives in the instance row.
type SagaData map[string]interface{}

func (d SagaData) merge(other SagaData) {
	for k, v := range other {
		d[k] = v
	}
}

// String returns the string value under key, or "".
func (d SagaData) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// SagaStep is one step of a saga: a forward action, an optional compensating
// action that semantically reverses it, and an optional domain event that is
// published when the step completes.
type SagaStep struct {
	Name string
	// Execute runs the forward action. The returned map is merged into the
	// saga's accumulated data.
	Execute func(ctx context.Context, data SagaData) (SagaData, error)
	// Compensate reverses a completed step during rollback. Nil means the
	// step needs no compensation.
	Compensate func(ctx context.Context, data SagaData) error
	// Event builds the domain event describing the step's effect. Nil means
	// the step publishes nothing.
	Event func(data SagaData) (Event, error)
}

// SagaDefinition names a workflow and its ordered steps.
type SagaDefinition struct {
	Type  string
	Steps []SagaStep
}

// Orchestrator coordinates registered saga definitions: it executes steps
// strictly sequentially per instance, persists instance and step state after
// every transition, and compensates completed steps in reverse order when a
// step fails. Instances of different aggregates run independently.
type Orchestrator struct {
	store   storage.Store
	bus     *Bus
	logger  *zap.Logger
	metrics MetricsCollector

	maxAttempts          int
	compensationAttempts int
	backoff              BackoffStrategy

	mu    sync.RWMutex
	defs  map[string]SagaDefinition
	stops map[string]struct{}
}

// NewOrchestrator creates an orchestrator publishing step events on the given
// bus.
func NewOrchestrator(store storage.Store, bus *Bus, logger *zap.Logger, metrics MetricsCollector, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	options := &orchestratorOptions{
		maxAttempts:          defaultMaxAttempts,
		compensationAttempts: defaultCompensationTry,
		backoff:              DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Orchestrator{
		store:                store,
		bus:                  bus,
		logger:               logger,
		metrics:              metrics,
		maxAttempts:          options.maxAttempts,
		compensationAttempts: options.compensationAttempts,
		backoff:              options.backoff,
		defs:                 make(map[string]SagaDefinition),
		stops:                make(map[string]struct{}),
	}
}

// Register adds a saga definition. Registering the same type twice is an
// error.
func (o *Orchestrator) Register(def SagaDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("saga type is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", def.Type)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.defs[def.Type]; ok {
		return fmt.Errorf("saga %s already registered", def.Type)
	}
	o.defs[def.Type] = def
	return nil
}

// RequestStop marks an instance so that no further steps run. The request is
// honored at the next step boundary: completed steps are compensated and the
// saga ends failed. A step already executing is never interrupted.
func (o *Orchestrator) RequestStop(instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops[instanceID] = struct{}{}
}

func (o *Orchestrator) stopRequested(instanceID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.stops[instanceID]
	return ok
}

func (o *Orchestrator) clearStop(instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stops, instanceID)
}

// Instance returns the persisted state of a saga instance. Outcomes are read
// from here rather than raised as errors from Start.
func (o *Orchestrator) Instance(ctx context.Context, id string) (*storage.SagaInstanceRecord, error) {
	return o.store.GetSagaInstance(ctx, id)
}

// Steps returns the persisted step records of a saga instance.
func (o *Orchestrator) Steps(ctx context.Context, id string) ([]storage.SagaStepRecord, error) {
	return o.store.ListSagaSteps(ctx, id)
}

// Start creates a saga instance for the given aggregate and executes its
// steps sequentially. It returns the instance id once the saga has reached a
// terminal state; step and compensation failures are absorbed into persisted
// state, not returned. The error return covers only setup problems.
func (o *Orchestrator) Start(ctx context.Context, sagaType, aggregateID string, initial SagaData) (string, error) {
	o.mu.RLock()
	def, ok := o.defs[sagaType]
	o.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}

	data := SagaData{}
	data.merge(initial)
	rawData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal saga data: %w", err)
	}

	now := time.Now().UTC()
	instance := &storage.SagaInstanceRecord{
		ID:          uuid.NewString(),
		SagaType:    sagaType,
		AggregateID: aggregateID,
		Status:      SagaStatusPending,
		Data:        rawData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateSagaInstance(ctx, instance); err != nil {
		return "", fmt.Errorf("failed to create saga instance: %w", err)
	}

	o.logger.Info("Saga started",
		zap.String("saga_id", instance.ID),
		zap.String("saga_type", sagaType),
		zap.String("aggregate_id", aggregateID),
	)
	o.metrics.IncrementCounter("saga.started", map[string]string{"saga_type": sagaType})

	o.run(ctx, def, instance, data)
	o.clearStop(instance.ID)
	return instance.ID, nil
}

// Abort compensates the completed steps of a non-terminal saga instance and
// marks it failed with the given reason. It is used by the recovery sweep for
// stalled instances and by callers that must roll back a pending workflow.
func (o *Orchestrator) Abort(ctx context.Context, instanceID, reason string) error {
	instance, err := o.store.GetSagaInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status == SagaStatusCompleted || instance.Status == SagaStatusFailed {
		return fmt.Errorf("saga %s is already %s", instanceID, instance.Status)
	}

	o.mu.RLock()
	def, ok := o.defs[instance.SagaType]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSagaType, instance.SagaType)
	}

	steps, err := o.store.ListSagaSteps(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to list saga steps: %w", err)
	}

	data := SagaData{}
	if len(instance.Data) > 0 {
		if err := json.Unmarshal(instance.Data, &data); err != nil {
			return fmt.Errorf("failed to unmarshal saga data: %w", err)
		}
	}

	var completed []completedStep
	for i := range steps {
		if steps[i].Status != storage.StepStatusCompleted {
			continue
		}
		if steps[i].StepNumber < 1 || steps[i].StepNumber > len(def.Steps) {
			continue
		}
		completed = append(completed, completedStep{index: steps[i].StepNumber - 1, record: &steps[i]})
	}

	o.failAndCompensate(ctx, def, instance, completed, data, reason)
	return nil
}

type completedStep struct {
	index  int
	record *storage.SagaStepRecord
}

func (o *Orchestrator) run(ctx context.Context, def SagaDefinition, instance *storage.SagaInstanceRecord, data SagaData) {
	start := time.Now()
	defer func() {
		o.metrics.RecordDuration("saga.duration", time.Since(start), map[string]string{"saga_type": def.Type})
	}()

	var completed []completedStep

	for i, step := range def.Steps {
		if o.stopRequested(instance.ID) {
			o.logger.Info("Stop requested, compensating saga",
				zap.String("saga_id", instance.ID),
				zap.Int("completed_steps", len(completed)),
			)
			o.failAndCompensate(ctx, def, instance, completed, data, ErrSagaStopped.Error())
			return
		}

		stepRecord := &storage.SagaStepRecord{
			ID:         uuid.NewString(),
			SagaID:     instance.ID,
			StepNumber: i + 1,
			StepName:   step.Name,
			Status:     storage.StepStatusPending,
		}
		if err := o.store.CreateSagaStep(ctx, stepRecord); err != nil {
			o.logger.Error("Failed to persist saga step",
				zap.String("saga_id", instance.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			o.failAndCompensate(ctx, def, instance, completed, data, err.Error())
			return
		}

		merged, err := o.executeStep(ctx, instance.ID, step, stepRecord, data)
		if err != nil {
			stepRecord.Status = storage.StepStatusFailed
			stepRecord.ErrorMessage = err.Error()
			if uerr := o.store.UpdateSagaStep(ctx, stepRecord); uerr != nil {
				o.logger.Error("Failed to record step failure", zap.String("saga_id", instance.ID), zap.Error(uerr))
			}
			o.metrics.IncrementCounter("saga.step_failed", map[string]string{
				"saga_type": def.Type,
				"step":      step.Name,
			})
			o.failAndCompensate(ctx, def, instance, completed, data, err.Error())
			return
		}

		executedAt := time.Now().UTC()
		stepRecord.Status = storage.StepStatusCompleted
		stepRecord.ExecutedAt = &executedAt
		if err := o.store.UpdateSagaStep(ctx, stepRecord); err != nil {
			o.logger.Error("Failed to record step completion", zap.String("saga_id", instance.ID), zap.Error(err))
		}
		completed = append(completed, completedStep{index: i, record: stepRecord})

		data.merge(merged)
		instance.CurrentStep = i + 1
		instance.Data, _ = json.Marshal(data)
		instance.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateSagaInstance(ctx, instance); err != nil {
			o.logger.Error("Failed to persist saga progress", zap.String("saga_id", instance.ID), zap.Error(err))
		}

		o.publishStepEvent(ctx, instance, step, data)
	}

	completedAt := time.Now().UTC()
	instance.Status = SagaStatusCompleted
	instance.UpdatedAt = completedAt
	instance.CompletedAt = &completedAt
	if err := o.store.UpdateSagaInstance(ctx, instance); err != nil {
		o.logger.Error("Failed to mark saga completed", zap.String("saga_id", instance.ID), zap.Error(err))
	}

	o.logger.Info("Saga completed",
		zap.String("saga_id", instance.ID),
		zap.String("saga_type", def.Type),
	)
	o.metrics.IncrementCounter("saga.completed", map[string]string{"saga_type": def.Type})
}

// executeStep retries the forward action with backoff until it succeeds or
// the attempt budget is spent.
func (o *Orchestrator) executeStep(ctx context.Context, sagaID string, step SagaStep, record *storage.SagaStepRecord, data SagaData) (SagaData, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		record.AttemptCount = attempt
		merged, err := step.Execute(ctx, data)
		if err == nil {
			return merged, nil
		}
		lastErr = err

		o.logger.Warn("Saga step attempt failed",
			zap.String("saga_id", sagaID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < o.maxAttempts {
			if err := sleepBackoff(ctx, o.backoff.Delay(attempt)); err != nil {
				return nil, fmt.Errorf("step %s: %w", step.Name, err)
			}
		}
	}
	return nil, fmt.Errorf("step %s failed after %d attempts: %w", step.Name, o.maxAttempts, lastErr)
}

func (o *Orchestrator) publishStepEvent(ctx context.Context, instance *storage.SagaInstanceRecord, step SagaStep, data SagaData) {
	if step.Event == nil {
		return
	}

	event, err := step.Event(data)
	if err != nil {
		o.logger.Error("Failed to build step event",
			zap.String("saga_id", instance.ID),
			zap.String("step", step.Name),
			zap.Error(err),
		)
		return
	}
	if event.CorrelationID == "" {
		event.CorrelationID = instance.ID
	}

	// The step's effect is already applied and persisted. Losing the event
	// is logged rather than treated as a step failure, so the saga does not
	// undo real work over a notification problem.
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Error("Failed to publish step event",
			zap.String("saga_id", instance.ID),
			zap.String("step", step.Name),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}

// failAndCompensate transitions the saga to compensating, reverses completed
// steps in strictly reverse order and marks the saga failed with the original
// error. Compensation failures are logged as unresolved and do not block the
// remaining compensations.
func (o *Orchestrator) failAndCompensate(ctx context.Context, def SagaDefinition, instance *storage.SagaInstanceRecord, completed []completedStep, data SagaData, errorMessage string) {
	instance.Status = SagaStatusCompensating
	instance.ErrorMessage = errorMessage
	instance.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSagaInstance(ctx, instance); err != nil {
		o.logger.Error("Failed to mark saga compensating", zap.String("saga_id", instance.ID), zap.Error(err))
	}

	for i := len(completed) - 1; i >= 0; i-- {
		o.compensateStep(ctx, def, instance.ID, completed[i], data)
	}

	completedAt := time.Now().UTC()
	instance.Status = SagaStatusFailed
	instance.UpdatedAt = completedAt
	instance.CompletedAt = &completedAt
	if err := o.store.UpdateSagaInstance(ctx, instance); err != nil {
		o.logger.Error("Failed to mark saga failed", zap.String("saga_id", instance.ID), zap.Error(err))
	}

	o.logger.Info("Saga failed",
		zap.String("saga_id", instance.ID),
		zap.String("saga_type", def.Type),
		zap.String("error", errorMessage),
	)
	o.metrics.IncrementCounter("saga.failed", map[string]string{"saga_type": def.Type})
}

func (o *Orchestrator) compensateStep(ctx context.Context, def SagaDefinition, sagaID string, cs completedStep, data SagaData) {
	step := def.Steps[cs.index]
	record := cs.record

	if step.Compensate != nil {
		var lastErr error
		for attempt := 1; attempt <= o.compensationAttempts; attempt++ {
			if lastErr = step.Compensate(ctx, data); lastErr == nil {
				break
			}
			o.logger.Warn("Compensation attempt failed",
				zap.String("saga_id", sagaID),
				zap.String("step", step.Name),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if attempt < o.compensationAttempts {
				if err := sleepBackoff(ctx, o.backoff.Delay(attempt)); err != nil {
					lastErr = err
					break
				}
			}
		}
		if lastErr != nil {
			// Best effort: the saga still ends failed, but this step's
			// rollback did not apply and needs operator attention.
			record.ErrorMessage = fmt.Sprintf("compensation unresolved: %s", lastErr)
			if err := o.store.UpdateSagaStep(ctx, record); err != nil {
				o.logger.Error("Failed to record unresolved compensation", zap.String("saga_id", sagaID), zap.Error(err))
			}
			o.metrics.IncrementCounter("saga.compensation_unresolved", map[string]string{
				"saga_type": def.Type,
				"step":      step.Name,
			})
			o.logger.Error("Compensation unresolved",
				zap.String("saga_id", sagaID),
				zap.String("step", step.Name),
				zap.Error(lastErr),
			)
			return
		}
	}

	compensatedAt := time.Now().UTC()
	record.Status = storage.StepStatusCompensated
	record.CompensatedAt = &compensatedAt
	if err := o.store.UpdateSagaStep(ctx, record); err != nil {
		o.logger.Error("Failed to record compensation", zap.String("saga_id", sagaID), zap.Error(err))
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
