package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/metrics"
	"github.com/google/uuid"
)

// DefaultOperationTimeout bounds a gated operation once it is detached from
// the caller. It must stay below the sweeper's stale threshold.
const DefaultOperationTimeout = 90 * time.Second

// =============================================================================
// Errors
// =============================================================================

// DeniedError is returned when admission is refused before the operation ran.
type DeniedError struct {
	Reason domain.Reason
	Metric domain.Metric
	Err    error // Underlying store error, if any
}

func (e *DeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quota denied: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("quota denied: %s", e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return e.Err
}

// FailureClass groups operation failures for transport mapping.
type FailureClass string

const (
	// FailureValidation: the request itself is invalid for the provider.
	FailureValidation FailureClass = "validation"
	// FailurePolicy: the provider refused the content.
	FailurePolicy FailureClass = "policy"
	// FailureRateLimit: the provider throttled us.
	FailureRateLimit FailureClass = "rate_limit"
	// FailureTransient: timeouts, 5xx and anything unclassified.
	FailureTransient FailureClass = "transient"
)

// Classifier maps an operation error to a failure class.
type Classifier func(error) FailureClass

// ClassifyTransient treats every failure as transient.
func ClassifyTransient(error) FailureClass {
	return FailureTransient
}

// WithClassifier sets how the gate classifies operation failures.
func WithClassifier(c Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classify = c
		}
	}
}

// WithOperationTimeout bounds each gated operation.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.operationTimeout = d
		}
	}
}

// OperationError is returned when admission succeeded but the operation
// failed. The reserved unit has been refunded.
type OperationError struct {
	Reason domain.Reason // operation_error or operation_rejected
	Class  FailureClass
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Reason, e.Class, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Gate
// =============================================================================

// Operation is the metered work admitted by the gate.
type Operation func(ctx context.Context) error

// Gate wraps metered operations with reserve, commit and release.
//
// Lifecycle per call:
//  1. Resolve the entitlement. Deny early on missing org or expired trial.
//  2. Reserve one unit. Rejection and store errors deny; nothing runs.
//  3. Run the operation, detached from caller cancellation.
//  4. Commit on success, release on failure or panic.
type Gate struct {
	evaluator *Evaluator
	counter   UsageCounter
	logger    *slog.Logger
	opts      options
}

// NewGate creates an admission gate. The evaluator and gate may share options.
func NewGate(evaluator *Evaluator, counter UsageCounter, logger *slog.Logger, opts ...Option) *Gate {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Gate{
		evaluator: evaluator,
		counter:   counter,
		logger:    logger,
		opts:      o,
	}
}

type actorKey struct{}

// WithActor attaches the acting user to ctx. The gate stores it with the
// reservation for auditing.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func actorFrom(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

type entitlementKey struct{}

func withEntitlement(ctx context.Context, ent *Entitlement) context.Context {
	return context.WithValue(ctx, entitlementKey{}, ent)
}

// EntitlementFrom returns the entitlement the gate admitted an operation
// under. It is only set inside an Operation.
func EntitlementFrom(ctx context.Context) (*Entitlement, bool) {
	ent, ok := ctx.Value(entitlementKey{}).(*Entitlement)
	return ent, ok && ent != nil
}

// Run admits and executes op for one unit of metric.
//
// Returns *DeniedError when admission was refused (op never ran),
// *OperationError when op failed (the unit was refunded), or nil.
// If the caller's ctx is canceled while op runs, op keeps running and the
// reservation is settled from its outcome. Once the operation timeout passes
// the unit is refunded and Run returns, whether or not op has stopped.
func (g *Gate) Run(ctx context.Context, orgID uuid.UUID, metric domain.Metric, op Operation) error {
	if !metric.Valid() {
		return domain.Invalid("quota.admit", fmt.Sprintf("unknown metric %q", metric))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ent, err := g.evaluator.Resolve(ctx, orgID)
	if err != nil {
		return g.deny(metric, reasonOf(err), err)
	}
	if ent.Denial != "" {
		return g.deny(metric, ent.Denial, nil)
	}

	limit := ent.Limit(metric)
	if limit <= 0 {
		return g.deny(metric, domain.ReasonLimitReached, nil)
	}

	res, err := g.reserve(ctx, ReserveParams{
		OrganizationID: orgID,
		Metric:         metric,
		PeriodKey:      ent.PeriodKey,
		Limit:          limit,
		Metadata:       reservationMetadata(ctx, ent.Plan),
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return g.deny(metric, domain.ReasonLimitReached, nil)
		}
		g.logger.Error("usage store unavailable, denying admission",
			"organization_id", orgID,
			"metric", metric,
			"period_key", ent.PeriodKey,
			"error", err,
		)
		return g.deny(metric, domain.ReasonProviderUnavailable, err)
	}

	metrics.QuotaDecision(string(metric), string(domain.ReasonOK))
	metrics.ReservationEvent(string(metric), string(domain.ReservationStatusReserved))

	return g.execute(withEntitlement(ctx, ent), res, op)
}

func (g *Gate) reserve(ctx context.Context, params ReserveParams) (domain.Reservation, error) {
	reserveCtx, cancel := context.WithTimeout(ctx, g.opts.storeTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.counter.Reserve(reserveCtx, params)
	storeErr := err
	if errors.Is(err, ErrRejected) {
		storeErr = nil
	}
	metrics.QuotaStoreCall("reserve", start, storeErr)
	return res, err
}

// outcome is what a gated operation returned, or the value it panicked with.
type outcome struct {
	err      error
	panicked bool
	panicVal any
}

// execute runs op and settles res. The reservation is settled at the
// operation deadline even when op ignores its context; a result arriving
// after that is discarded.
func (g *Gate) execute(ctx context.Context, res domain.Reservation, op Operation) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.operationTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicked: true, panicVal: r}
			}
		}()
		done <- outcome{err: op(opCtx)}
	}()

	var opErr error
	select {
	case out := <-done:
		if out.panicked {
			g.release(ctx, res)
			panic(out.panicVal)
		}
		opErr = out.err
	case <-opCtx.Done():
		opErr = opCtx.Err()
		g.logger.Warn("metered operation ignored its deadline, abandoning result",
			"organization_id", res.OrganizationID,
			"reservation_id", res.ID,
			"metric", res.Metric,
			"timeout", g.opts.operationTimeout,
		)
	}
	elapsed := time.Since(start)

	if opErr != nil {
		g.release(ctx, res)

		class := g.opts.classify(opErr)
		reason := domain.ReasonOperationError
		if class == FailureValidation || class == FailurePolicy {
			reason = domain.ReasonOperationRejected
		}
		metrics.GenerationFinished(string(res.Metric), "failed", elapsed)
		g.logger.Warn("metered operation failed, unit refunded",
			"organization_id", res.OrganizationID,
			"reservation_id", res.ID,
			"metric", res.Metric,
			"class", class,
			"duration_ms", elapsed.Milliseconds(),
			"error", opErr,
		)
		return &OperationError{Reason: reason, Class: class, Err: opErr}
	}

	g.commit(ctx, res)
	metrics.GenerationFinished(string(res.Metric), "succeeded", elapsed)
	return nil
}

// release refunds a reservation on a context that outlives the caller's.
func (g *Gate) release(ctx context.Context, res domain.Reservation) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.storeTimeout)
	defer cancel()

	start := time.Now()
	err := g.counter.Release(releaseCtx, res.ID)
	metrics.QuotaStoreCall("release", start, err)
	if err != nil {
		// The reservation stays reserved and is expired by the sweeper.
		g.logger.Error("failed to release reservation",
			"organization_id", res.OrganizationID,
			"reservation_id", res.ID,
			"metric", res.Metric,
			"error", err,
		)
		return
	}
	metrics.ReservationEvent(string(res.Metric), string(domain.ReservationStatusReleased))
}

func (g *Gate) commit(ctx context.Context, res domain.Reservation) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.storeTimeout)
	defer cancel()

	start := time.Now()
	err := g.counter.Commit(commitCtx, res.ID)
	metrics.QuotaStoreCall("commit", start, err)
	if err != nil {
		// The unit is already counted; only the reservation row lags.
		g.logger.Error("failed to commit reservation",
			"organization_id", res.OrganizationID,
			"reservation_id", res.ID,
			"metric", res.Metric,
			"error", err,
		)
		return
	}
	metrics.ReservationEvent(string(res.Metric), string(domain.ReservationStatusCommitted))
}

func (g *Gate) deny(metric domain.Metric, reason domain.Reason, err error) error {
	metrics.QuotaDecision(string(metric), string(reason))
	return &DeniedError{Reason: reason, Metric: metric, Err: err}
}

func reservationMetadata(ctx context.Context, plan domain.Plan) json.RawMessage {
	meta := map[string]string{"plan": string(plan)}
	if actor := actorFrom(ctx); actor != "" {
		meta["actor"] = actor
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return b
}

// Admit runs fn through the gate and returns its result.
func Admit[T any](ctx context.Context, g *Gate, orgID uuid.UUID, metric domain.Metric, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Run(ctx, orgID, metric, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		// fn may still be running past its deadline; result is not safe to read.
		var zero T
		return zero, err
	}
	return result, nil
}
