// Package gating decides whether a department may perform a billable or clinical
// action on a visit. Department modules call CanProceed and nothing else.
package gating

import (
	"strings"

	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/domain/visit"
)

// Code classifies a decision for rendering and metrics
type Code string

const (
	CodeSelfPay            Code = "SELF_PAY"
	CodeNotVerified        Code = "NOT_VERIFIED"
	CodeAccepted           Code = "ACCEPTED"
	CodeUnknown            Code = "UNKNOWN"
	CodeRejected           Code = "REJECTED"
	CodeInvalid            Code = "INVALID"
	CodePending            Code = "PENDING"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	// CodeAuthFailure renders like CodeServiceUnavailable; the authority refused
	// the facility credentials.
	CodeAuthFailure Code = "AUTH_FAILURE"
)

const (
	ReasonNotVerified        = "not verified"
	ReasonRejected           = "insurance card rejected"
	ReasonInvalid            = "insurance card invalid"
	ReasonPending            = "insurance authorization pending"
	ReasonServiceUnavailable = "insurance service unavailable"
	WarningUnknown           = "card not found by insurance authority, proceed with caution"
)

// Decision is the gate result. Warning is set only when Allowed is true and staff
// must still be shown a message.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
	Code    Code   `json:"code"`
}

// CanProceed evaluates the gate for v. active is the active verification (nil
// when the visit has never been answered) and latest the most recent attempt.
//
// An unanswered latest attempt that is newer than active blocks with the
// service-unavailable reason, unless active on its own already allows the visit:
// an outage while re-checking does not revoke a standing authorization.
func CanProceed(v *visit.Visit, active, latest *verification.Verification) Decision {
	if v.FundingType == visit.FundingSelfPay {
		return Decision{Allowed: true, Code: CodeSelfPay}
	}

	d := decide(active)
	if d.Allowed || !unansweredSince(latest, active) {
		return d
	}
	code := CodeServiceUnavailable
	if latest.Failure == verification.FailureAuth {
		code = CodeAuthFailure
	}
	return Decision{Reason: ReasonServiceUnavailable, Code: code}
}

func decide(active *verification.Verification) Decision {
	if active == nil {
		return Decision{Reason: ReasonNotVerified, Code: CodeNotVerified}
	}

	switch active.Outcome {
	case verification.OutcomeAccepted:
		return Decision{Allowed: true, Code: CodeAccepted}
	case verification.OutcomeUnknown:
		return Decision{Allowed: true, Warning: WarningUnknown, Code: CodeUnknown}
	case verification.OutcomeRejected:
		return Decision{Reason: remarksOr(active, ReasonRejected), Code: CodeRejected}
	case verification.OutcomeInvalid:
		return Decision{Reason: remarksOr(active, ReasonInvalid), Code: CodeInvalid}
	case verification.OutcomePending:
		return Decision{Reason: remarksOr(active, ReasonPending), Code: CodePending}
	default:
		return Decision{Reason: ReasonServiceUnavailable, Code: CodeServiceUnavailable}
	}
}

// unansweredSince reports whether latest got no answer and came after active
func unansweredSince(latest, active *verification.Verification) bool {
	if latest == nil || latest.Outcome.Answered() {
		return false
	}
	if active == nil {
		return true
	}
	return latest.ID != active.ID && !latest.CreatedAt.Before(active.CreatedAt)
}

func remarksOr(v *verification.Verification, fallback string) string {
	if r := strings.TrimSpace(v.AuthorityRemarks); r != "" {
		return r
	}
	return fallback
}
