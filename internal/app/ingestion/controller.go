// Package ingestion provides the application services that drive provider
// ingestion cycles: the state machine controller, the health monitor, and
// the cleanup service. The package holds no state of its own; every
// operation is a short, atomic read-modify-write against durable storage so
// that concurrent triggers and process restarts cannot corrupt the
// one-active-record-per-provider invariant.
package ingestion

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
	"github.com/ahrav/catalog-ingest/pkg/common/timeutil"
)

// Default scheduling parameters. Manual cancellation and purge use a fixed
// 24 hour cooldown as a circuit breaker: an operator-initiated stop must not
// immediately retrigger an ingestion storm.
const (
	DefaultRestPeriod     = 24 * time.Hour
	DefaultCancelCooldown = 24 * time.Hour
	DefaultStepInterval   = time.Minute
)

// ControllerConfig holds the scheduling knobs for the state machine.
// Zero values fall back to the defaults above.
type ControllerConfig struct {
	// RestPeriod is the cooldown scheduled after a cycle completes or errors
	// before the next cycle may start.
	RestPeriod time.Duration
	// CancelCooldown is the cooldown scheduled by manual cancel and purge.
	CancelCooldown time.Duration
	// StepInterval spaces consecutive fetch steps within a cycle.
	StepInterval time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.RestPeriod == 0 {
		c.RestPeriod = DefaultRestPeriod
	}
	if c.CancelCooldown == 0 {
		c.CancelCooldown = DefaultCancelCooldown
	}
	if c.StepInterval == 0 {
		c.StepInterval = DefaultStepInterval
	}
	return c
}

// Controller implements the ingestion state machine. Given a provider and a
// requested action it decides the next status and timestamps, writing
// through the record store with status-conditioned updates. A failed
// conditional update is retried once after re-reading current state; the
// loser of a trigger race observes the post-transition state and becomes a
// no-op.
type Controller struct {
	records ingestion.RecordRepository
	marks   ingestion.MarkRepository
	stepper ingestion.Stepper

	cfg ControllerConfig

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// ControllerOption configures optional Controller behavior.
type ControllerOption func(*Controller)

// WithControllerTimeProvider substitutes the clock used for cooldown checks.
func WithControllerTimeProvider(tp timeutil.Provider) ControllerOption {
	return func(c *Controller) { c.timeProvider = tp }
}

// NewController creates the state machine controller with its storage ports
// and the external fetch collaborator.
func NewController(
	records ingestion.RecordRepository,
	marks ingestion.MarkRepository,
	stepper ingestion.Stepper,
	cfg ControllerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		records:      records,
		marks:        marks,
		stepper:      stepper,
		cfg:          cfg.withDefaults(),
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "ingestion_controller"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerResult describes the outcome of one trigger invocation.
type TriggerResult struct {
	// Provider is the provider the trigger applied to.
	Provider string
	// Status is the record status after the trigger resolved.
	Status ingestion.Status
	// Action is a human-readable description of what happened.
	Action string
	// Deferred is true when the trigger arrived before next_action_at and
	// nothing changed.
	Deferred bool
}

// Trigger advances the provider's state machine by one action. It is invoked
// by the external scheduler when a provider's next action time has elapsed,
// and is safe to call concurrently: every write is conditioned on the prior
// status, so exactly one of two racing triggers transitions the record.
func (c *Controller) Trigger(ctx context.Context, provider string) (TriggerResult, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.controller.trigger",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	res, err := c.trigger(ctx, provider, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Bool("deferred", res.Deferred),
	)
	return res, nil
}

// trigger holds the transition logic. retry permits one re-read after a
// lost conditional update.
func (c *Controller) trigger(ctx context.Context, provider string, retry bool) (TriggerResult, error) {
	current, err := c.loadCurrent(ctx, provider)
	if err != nil {
		return TriggerResult{}, err
	}

	if current == nil {
		return c.triggerResting(ctx, provider, retry)
	}

	if !current.Due() {
		return TriggerResult{
			Provider: provider,
			Status:   current.Status(),
			Action:   "next action not due yet",
			Deferred: true,
		}, nil
	}

	var res TriggerResult
	switch current.Status() {
	case ingestion.StatusIngesting:
		res, err = c.advanceStep(ctx, current)
	case ingestion.StatusCanceling:
		res, err = c.resolveCancel(ctx, current)
	case ingestion.StatusComplete, ingestion.StatusError:
		res, err = c.rotateAndStart(ctx, current)
	default:
		// Resting records never come back from GetCurrent; nothing to do.
		res = TriggerResult{Provider: provider, Status: current.Status(), Action: "ignored"}
	}

	if err != nil && errors.Is(err, ingestion.ErrUpdateConflict) && retry {
		c.logger.Info(ctx, "trigger lost update race, re-reading state", "provider_name", provider)
		return c.trigger(ctx, provider, false)
	}
	return res, err
}

// triggerResting handles a provider with no active record: start a new cycle
// once the latest record's cooldown has elapsed.
func (c *Controller) triggerResting(ctx context.Context, provider string, retry bool) (TriggerResult, error) {
	latest, err := c.loadLatest(ctx, provider)
	if err != nil {
		return TriggerResult{}, err
	}
	if latest == nil {
		return TriggerResult{}, ingestion.NewProviderNotFoundError(provider)
	}

	if !latest.Due() {
		return TriggerResult{
			Provider: provider,
			Status:   ingestion.StatusResting,
			Action:   "resting until cooldown elapses",
			Deferred: true,
		}, nil
	}

	record := ingestion.NewRecord(provider, ingestion.WithTimeProvider(c.timeProvider))
	if err := c.records.Create(ctx, record); err != nil {
		if errors.Is(err, ingestion.ErrUpdateConflict) && retry {
			// A concurrent trigger created the cycle first.
			return c.trigger(ctx, provider, false)
		}
		return TriggerResult{}, err
	}

	c.logger.Info(ctx, "started new ingestion cycle",
		"provider_name", provider, "record_id", record.ID().String())

	return TriggerResult{
		Provider: provider,
		Status:   ingestion.StatusIngesting,
		Action:   "new ingestion cycle started",
	}, nil
}

// advanceStep runs one bounded fetch step through the external collaborator
// and records its resumption mark, completing the cycle on exhaustion.
func (c *Controller) advanceStep(ctx context.Context, record *ingestion.Record) (TriggerResult, error) {
	lastCursor, err := c.lastCursor(ctx, record)
	if err != nil {
		return TriggerResult{}, err
	}

	priorStatus := record.Status()
	stepRes, stepErr := c.stepper.Step(ctx, record, lastCursor)
	if stepErr != nil {
		c.logger.Error(ctx, "ingestion step failed",
			"provider_name", record.ProviderName(), "err", stepErr)

		if err := record.MarkError(stepErr.Error(), c.cfg.RestPeriod); err != nil {
			return TriggerResult{}, err
		}
		if err := c.records.Update(ctx, record, priorStatus); err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{
			Provider: record.ProviderName(),
			Status:   ingestion.StatusError,
			Action:   "cycle stopped on error",
		}, nil
	}

	if stepRes.Done {
		if err := record.MarkComplete(c.cfg.RestPeriod); err != nil {
			return TriggerResult{}, err
		}
		if err := c.records.Update(ctx, record, priorStatus); err != nil {
			return TriggerResult{}, err
		}

		c.logger.Info(ctx, "ingestion cycle complete",
			"provider_name", record.ProviderName(), "record_id", record.ID().String())

		return TriggerResult{
			Provider: record.ProviderName(),
			Status:   ingestion.StatusComplete,
			Action:   "cycle complete, resting scheduled",
		}, nil
	}

	if err := record.ScheduleNextStep(c.cfg.StepInterval); err != nil {
		return TriggerResult{}, err
	}
	if err := c.records.Update(ctx, record, priorStatus); err != nil {
		return TriggerResult{}, err
	}

	// The mark lands only after the status-conditioned update: losing the
	// update race to a concurrent cancel must not persist a resumption point
	// for a step that never took effect. If the append itself fails the
	// cursor is dropped and the next trigger refetches the same page.
	if _, err := c.marks.Append(ctx, record, stepRes.Cursor); err != nil {
		return TriggerResult{}, err
	}

	return TriggerResult{
		Provider: record.ProviderName(),
		Status:   ingestion.StatusIngesting,
		Action:   "ingested next page",
	}, nil
}

// resolveCancel completes a cooperative cancellation: the in-flight step has
// reached its checkpoint and the record settles into resting.
func (c *Controller) resolveCancel(ctx context.Context, record *ingestion.Record) (TriggerResult, error) {
	if err := record.MarkResting(c.cfg.CancelCooldown); err != nil {
		return TriggerResult{}, err
	}
	if err := c.records.Update(ctx, record, ingestion.StatusCanceling); err != nil {
		return TriggerResult{}, err
	}

	c.logger.Info(ctx, "cancellation resolved",
		"provider_name", record.ProviderName(), "record_id", record.ID().String())

	return TriggerResult{
		Provider: record.ProviderName(),
		Status:   ingestion.StatusResting,
		Action:   "cancellation resolved, resting",
	}, nil
}

// rotateAndStart archives a terminal record to resting and begins the next
// cycle. Two atomic writes: the archive is status-conditioned, so a
// concurrent trigger rotating the same record loses and re-reads.
func (c *Controller) rotateAndStart(ctx context.Context, record *ingestion.Record) (TriggerResult, error) {
	priorStatus := record.Status()
	if err := record.MarkResting(0); err != nil {
		return TriggerResult{}, err
	}
	if err := c.records.Update(ctx, record, priorStatus); err != nil {
		return TriggerResult{}, err
	}

	next := ingestion.NewRecord(record.ProviderName(), ingestion.WithTimeProvider(c.timeProvider))
	if err := c.records.Create(ctx, next); err != nil {
		return TriggerResult{}, err
	}

	c.logger.Info(ctx, "rotated finished cycle and started next",
		"provider_name", record.ProviderName(), "record_id", next.ID().String())

	return TriggerResult{
		Provider: record.ProviderName(),
		Status:   ingestion.StatusIngesting,
		Action:   "new ingestion cycle started",
	}, nil
}

// StartResult describes the outcome of a start request.
type StartResult struct {
	Provider string
	Status   ingestion.Status
	Action   string
}

// Start forces a new cycle. A resting provider is marked complete
// immediately so the next scheduled trigger begins a fresh cycle without
// waiting out the cooldown; an active provider receives a cooperative
// cancel request instead.
func (c *Controller) Start(ctx context.Context, provider string) (StartResult, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.controller.start",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	res, err := c.start(ctx, provider, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Controller) start(ctx context.Context, provider string, retry bool) (StartResult, error) {
	current, err := c.loadCurrent(ctx, provider)
	if err != nil {
		return StartResult{}, err
	}

	if current == nil {
		return c.startResting(ctx, provider)
	}

	if current.Status() == ingestion.StatusCanceling {
		// Cancel already requested; starting again changes nothing.
		return StartResult{
			Provider: provider,
			Status:   ingestion.StatusCanceling,
			Action:   "cancellation already in progress",
		}, nil
	}

	priorStatus := current.Status()
	if err := cancelableRequest(current); err != nil {
		return StartResult{}, err
	}
	if err := c.records.Update(ctx, current, priorStatus); err != nil {
		if errors.Is(err, ingestion.ErrUpdateConflict) && retry {
			return c.start(ctx, provider, false)
		}
		return StartResult{}, err
	}

	return StartResult{
		Provider: provider,
		Status:   ingestion.StatusCanceling,
		Action:   "active cycle asked to stop, new cycle follows",
	}, nil
}

// cancelableRequest requests a cooperative cancel on active records and
// forces terminal ones straight to resting with no cooldown so the next
// trigger restarts immediately.
func cancelableRequest(record *ingestion.Record) error {
	if record.Status().IsTerminal() {
		return record.MarkResting(0)
	}
	return record.RequestCancel()
}

// startResting handles the complete-if-resting branch: the provider has no
// active cycle, so mark it complete now and let the next scheduled trigger
// create the new record.
func (c *Controller) startResting(ctx context.Context, provider string) (StartResult, error) {
	latest, err := c.loadLatest(ctx, provider)
	if err != nil {
		return StartResult{}, err
	}

	if latest == nil {
		// First sighting of this provider: seed a resting record that is
		// immediately due.
		record := ingestion.NewRestingRecord(provider, 0, ingestion.WithTimeProvider(c.timeProvider))
		if err := c.records.Create(ctx, record); err != nil {
			return StartResult{}, err
		}
		c.logger.Info(ctx, "registered new provider", "provider_name", provider)
	} else {
		if err := latest.Reopen(); err != nil {
			return StartResult{}, err
		}
		if err := c.records.Update(ctx, latest, ingestion.StatusResting); err != nil {
			return StartResult{}, err
		}
	}

	return StartResult{
		Provider: provider,
		Status:   ingestion.StatusResting,
		Action:   "marked complete, next trigger starts a new cycle",
	}, nil
}

// CancelResult describes the outcome of a manual cancel.
type CancelResult struct {
	Provider     string
	Status       ingestion.Status
	NextActionAt time.Time
}

// Cancel applies the manual-cancel transition: any active record is forced
// to resting with the cancel cooldown. Canceling an already-resting
// provider is a no-op and does not extend the cooldown, so repeated cancels
// do not compound.
func (c *Controller) Cancel(ctx context.Context, provider string) (CancelResult, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.controller.cancel",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	res, err := c.cancel(ctx, provider, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Controller) cancel(ctx context.Context, provider string, retry bool) (CancelResult, error) {
	current, err := c.loadCurrent(ctx, provider)
	if err != nil {
		return CancelResult{}, err
	}

	if current == nil {
		latest, err := c.loadLatest(ctx, provider)
		if err != nil {
			return CancelResult{}, err
		}
		if latest == nil {
			return CancelResult{}, ingestion.NewProviderNotFoundError(provider)
		}
		return CancelResult{
			Provider:     provider,
			Status:       ingestion.StatusResting,
			NextActionAt: latest.NextActionAt(),
		}, nil
	}

	priorStatus := current.Status()
	if err := current.MarkResting(c.cfg.CancelCooldown); err != nil {
		return CancelResult{}, err
	}
	if err := c.records.Update(ctx, current, priorStatus); err != nil {
		if errors.Is(err, ingestion.ErrUpdateConflict) && retry {
			return c.cancel(ctx, provider, false)
		}
		return CancelResult{}, err
	}

	c.logger.Info(ctx, "ingestion canceled",
		"provider_name", provider, "record_id", current.ID().String(),
		"next_action_at", current.NextActionAt())

	return CancelResult{
		Provider:     provider,
		Status:       ingestion.StatusResting,
		NextActionAt: current.NextActionAt(),
	}, nil
}

// ProviderStatus is the read model for the status endpoint.
type ProviderStatus struct {
	// Record is the provider's current (non-resting) record, nil when the
	// provider is resting.
	Record *ingestion.Record
	// Known is true when the provider has any historical record.
	Known bool
}

// Status returns the provider's current record, discriminating an unknown
// provider from one that is resting with no active cycle.
func (c *Controller) Status(ctx context.Context, provider string) (ProviderStatus, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.controller.status",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	current, err := c.records.GetCurrent(ctx, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	if current != nil {
		return ProviderStatus{Record: current, Known: true}, nil
	}

	providers, err := c.records.ListProviders(ctx)
	if err != nil {
		return ProviderStatus{}, err
	}
	for _, p := range providers {
		if p == provider {
			return ProviderStatus{Known: true}, nil
		}
	}
	return ProviderStatus{}, ingestion.NewProviderNotFoundError(provider)
}

// Marks returns the ordered marks for the provider's current record. The
// second return is false when the provider has no current record.
func (c *Controller) Marks(ctx context.Context, provider string) ([]*ingestion.Mark, bool, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.controller.marks",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	current, err := c.records.GetCurrent(ctx, provider)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, nil
	}

	marks, err := c.marks.GetAll(ctx, current)
	if err != nil {
		return nil, true, err
	}
	return marks, true, nil
}

// loadCurrent fetches the provider's current record and rebinds it to the
// controller's clock, so due checks and transition timestamps stay
// deterministic when the clock is injected.
func (c *Controller) loadCurrent(ctx context.Context, provider string) (*ingestion.Record, error) {
	record, err := c.records.GetCurrent(ctx, provider)
	if err != nil || record == nil {
		return nil, err
	}
	record.SetTimeProvider(c.timeProvider)
	return record, nil
}

// loadLatest fetches the provider's most recent record bound to the
// controller's clock.
func (c *Controller) loadLatest(ctx context.Context, provider string) (*ingestion.Record, error) {
	record, err := c.records.GetLatest(ctx, provider)
	if err != nil || record == nil {
		return nil, err
	}
	record.SetTimeProvider(c.timeProvider)
	return record, nil
}

// lastCursor returns the highest-sequence cursor for a record, or empty when
// the cycle has no marks yet.
func (c *Controller) lastCursor(ctx context.Context, record *ingestion.Record) (string, error) {
	marks, err := c.marks.GetAll(ctx, record)
	if err != nil {
		return "", err
	}
	if len(marks) == 0 {
		return "", nil
	}
	return marks[len(marks)-1].Cursor(), nil
}
