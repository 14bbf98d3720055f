// Package workflow orchestrates the visit state machine, card verification and
// gating for department modules.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/authority"
	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/domain/visit"
	"github.com/clinicops/visitauth/internal/gating"
	"github.com/clinicops/visitauth/internal/observability/metrics"
	"github.com/clinicops/visitauth/internal/observability/tracing"
)

// Authorizer performs one verification against the insurance authority
type Authorizer interface {
	Verify(ctx context.Context, req authority.Request) (*authority.Result, error)
}

// Engine is the entry point department modules use
type Engine struct {
	visits        visit.Store
	verifications verification.Store
	authorizer    Authorizer
	sink          audit.Sink
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewEngine wires an engine. sink receives the audit events that are not tied to
// a stored change; m may be nil.
func NewEngine(visits visit.Store, verifications verification.Store, authorizer Authorizer, sink audit.Sink, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	return &Engine{
		visits:        visits,
		verifications: verifications,
		authorizer:    authorizer,
		sink:          sink,
		metrics:       m,
		logger:        logger,
		tracer:        tracing.Tracer("workflow"),
	}
}

// CreateVisitInput holds the registration fields
type CreateVisitInput struct {
	PatientID   string
	FundingType visit.FundingType
	Insurer     string
}

// CreateVisit registers a new visit in REGISTERED
func (e *Engine) CreateVisit(ctx context.Context, in CreateVisitInput, actorID string) (*visit.Visit, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.create_visit")
	defer span.End()

	v, err := visit.New(in.PatientID, in.FundingType, in.Insurer, actorID)
	if err != nil {
		return nil, err
	}
	if err := e.visits.Create(ctx, v); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create visit: %w", err)
	}

	e.metrics.VisitCreated()
	e.logger.Info("visit registered",
		zap.String("visit_id", v.ID),
		zap.String("funding_type", string(v.FundingType)),
		zap.String("actor_id", actorID))
	return v, nil
}

// Get loads a visit
func (e *Engine) Get(ctx context.Context, visitID string) (*visit.Visit, error) {
	return e.visits.Get(ctx, visitID)
}

// Advance moves a registered visit into its first department
func (e *Engine) Advance(ctx context.Context, visitID string, dept visit.Department, actorID string) (*visit.Visit, error) {
	return e.mutate(ctx, visitID, "advance", actorID, func(v *visit.Visit) error {
		return v.Advance(dept, actorID)
	})
}

// Transfer hands an in-progress visit to another department
func (e *Engine) Transfer(ctx context.Context, visitID string, dept visit.Department, actorID string) (*visit.Visit, error) {
	return e.mutate(ctx, visitID, "transfer", actorID, func(v *visit.Visit) error {
		return v.Transfer(dept, actorID)
	})
}

// Complete closes a visit
func (e *Engine) Complete(ctx context.Context, visitID, actorID string) (*visit.Visit, error) {
	return e.mutate(ctx, visitID, "complete", actorID, func(v *visit.Visit) error {
		return v.Complete(actorID)
	})
}

// Cancel terminates a visit; reason may be empty
func (e *Engine) Cancel(ctx context.Context, visitID, reason, actorID string) (*visit.Visit, error) {
	return e.mutate(ctx, visitID, "cancel", actorID, func(v *visit.Visit) error {
		return v.Cancel(reason, actorID)
	})
}

// ConvertToCash reclassifies an insurance visit as self-pay. The change and its
// audit record are stored together; when the audit write fails nothing changes.
func (e *Engine) ConvertToCash(ctx context.Context, visitID, reason, actorID string) (*visit.Visit, error) {
	v, err := e.mutate(ctx, visitID, "convert_to_cash", actorID, func(v *visit.Visit) error {
		return v.ConvertToCash(reason, actorID)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.CashConversion()
	return v, nil
}

func (e *Engine) mutate(ctx context.Context, visitID, action, actorID string, fn func(*visit.Visit) error) (*visit.Visit, error) {
	ctx, span := e.tracer.Start(ctx, "workflow."+action,
		trace.WithAttributes(attribute.String("visit_id", visitID)))
	defer span.End()

	if actorID == "" {
		return nil, errs.NewValidation("actorId", "is required")
	}

	v, err := e.visits.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := e.visits.Save(ctx, v); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s visit: %w", action, err)
	}

	e.metrics.Transition(string(v.Status))
	e.logger.Info("visit updated",
		zap.String("visit_id", v.ID),
		zap.String("action", action),
		zap.String("status", string(v.Status)),
		zap.String("department", string(v.Department)),
		zap.String("actor_id", actorID))
	return v, nil
}

// Verify checks the card against the authority and records the attempt.
//
// Local validation failures return *errs.ValidationError and record nothing. When
// the authority cannot be reached, or refuses the facility credentials, the
// attempt is recorded inactive with OutcomeServiceUnavailable and returned with a
// nil error; the previous active verification stays in force. Failure tells the
// two causes apart.
func (e *Engine) Verify(ctx context.Context, visitID string, req authority.Request, actorID string) (*verification.Verification, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.verify",
		trace.WithAttributes(attribute.String("visit_id", visitID)))
	defer span.End()

	if actorID == "" {
		return nil, errs.NewValidation("actorId", "is required")
	}
	v, err := e.visits.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return nil, &errs.TransitionError{VisitID: v.ID, From: string(v.Status), Action: "verify"}
	}
	if v.FundingType != visit.FundingInsurance {
		return nil, errs.NewValidation("fundingType", "self-pay visits are not verified")
	}
	if err := req.Validate(); err != nil {
		e.metrics.Verification(string(verification.OutcomeInvalid), 0)
		return nil, err
	}

	requested := audit.NewEvent(audit.ActionVerifyRequested, v.ID, actorID, map[string]string{
		"card_no":    verification.MaskedCard(req.CardNo),
		"visit_type": string(req.VisitType),
	})
	if err := e.sink.Emit(ctx, requested); err != nil {
		e.logger.Warn("audit sink rejected event", zap.String("action", string(requested.Action)), zap.Error(err))
	}

	record := &verification.Verification{
		VisitID:    v.ID,
		CardNo:     req.CardNo,
		VisitType:  req.VisitType,
		ReferralNo: req.ReferralNo,
		Remarks:    req.Remarks,
		ActorID:    actorID,
	}

	start := time.Now()
	res, err := e.authorizer.Verify(ctx, req)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		record.Outcome = res.Outcome
		record.CardStatus = res.CardStatus
		record.AuthorizationNo = res.AuthorizationNo
		record.MemberName = res.MemberName
		record.AuthorityRemarks = res.Remarks
		record.RawResponse = res.Raw
		record.Active = true
	case errors.Is(err, authority.ErrAuthFailure):
		span.RecordError(err)
		record.Outcome = verification.OutcomeServiceUnavailable
		record.Failure = verification.FailureAuth
		record.AuthorityRemarks = err.Error()
		e.logger.Error("insurance authority refused facility credentials",
			zap.String("visit_id", v.ID), zap.Error(err))
	case errors.Is(err, authority.ErrServiceUnavailable):
		span.RecordError(err)
		record.Outcome = verification.OutcomeServiceUnavailable
		record.Failure = verification.FailureUnavailable
		record.AuthorityRemarks = err.Error()
	default:
		span.RecordError(err)
		return nil, err
	}

	if err := e.verifications.Record(ctx, record); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record verification: %w", err)
	}

	label := string(record.Outcome)
	if record.Failure == verification.FailureAuth {
		label = string(record.Failure)
	}
	e.metrics.Verification(label, elapsed)
	span.SetAttributes(attribute.String("outcome", string(record.Outcome)))
	e.logger.Info("verification recorded",
		zap.String("visit_id", v.ID),
		zap.String("verification_id", record.ID),
		zap.String("card_no", verification.MaskedCard(record.CardNo)),
		zap.String("outcome", string(record.Outcome)),
		zap.String("failure", string(record.Failure)),
		zap.Bool("active", record.Active),
		zap.String("actor_id", actorID))
	return record, nil
}

// CurrentAuthorization returns the active verification, or nil if there is none
func (e *Engine) CurrentAuthorization(ctx context.Context, visitID string) (*verification.Verification, error) {
	if _, err := e.visits.Get(ctx, visitID); err != nil {
		return nil, err
	}
	return e.verifications.Active(ctx, visitID)
}

// History returns every verification attempt for the visit, newest first
func (e *Engine) History(ctx context.Context, visitID string) ([]*verification.Verification, error) {
	if _, err := e.visits.Get(ctx, visitID); err != nil {
		return nil, err
	}
	return e.verifications.History(ctx, visitID)
}

// CanProceed evaluates the gate for a visit
func (e *Engine) CanProceed(ctx context.Context, visitID string) (gating.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.can_proceed",
		trace.WithAttributes(attribute.String("visit_id", visitID)))
	defer span.End()

	v, err := e.visits.Get(ctx, visitID)
	if err != nil {
		return gating.Decision{}, err
	}
	var active, latest *verification.Verification
	if v.FundingType == visit.FundingInsurance {
		if active, err = e.verifications.Active(ctx, visitID); err != nil {
			return gating.Decision{}, err
		}
		if latest, err = e.verifications.Latest(ctx, visitID); err != nil {
			return gating.Decision{}, err
		}
	}

	d := gating.CanProceed(v, active, latest)
	e.metrics.Gate(d.Allowed, string(d.Code))
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("code", string(d.Code)))
	return d, nil
}
