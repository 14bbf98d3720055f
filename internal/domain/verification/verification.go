// Package verification holds insurance authorization attempts and the
// one-active-per-visit invariant.
package verification

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the closed set of authorization results. Gating logic only ever
// branches on this type, never on raw authority payloads.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomePending  Outcome = "PENDING"
	OutcomeUnknown  Outcome = "UNKNOWN"
	OutcomeInvalid  Outcome = "INVALID"
	// OutcomeServiceUnavailable marks an attempt that never got an answer from the
	// authority. It is kept for audit but never becomes the active verification.
	OutcomeServiceUnavailable Outcome = "SERVICE_UNAVAILABLE"
)

// Answered reports whether the authority produced a decision for this attempt
func (o Outcome) Answered() bool {
	switch o {
	case OutcomeAccepted, OutcomeRejected, OutcomePending, OutcomeUnknown, OutcomeInvalid:
		return true
	}
	return false
}

// Failure says why an attempt got no answer from the authority
type Failure string

const (
	FailureNone Failure = ""
	// FailureUnavailable is a timeout, network error, 5xx or open breaker
	FailureUnavailable Failure = "SERVICE_UNAVAILABLE"
	// FailureAuth means the authority refused the facility credentials. Staff see
	// the same message as an outage; operators need to fix configuration.
	FailureAuth Failure = "AUTH_FAILURE"
)

// VisitType is the authority's visit classification
type VisitType string

const (
	VisitTypeNormal    VisitType = "NORMAL"
	VisitTypeEmergency VisitType = "EMERGENCY"
	VisitTypeReferral  VisitType = "REFERRAL"
	VisitTypeFollowUp  VisitType = "FOLLOW_UP"
)

// ParseVisitType normalizes s; ok is false for unknown codes
func ParseVisitType(s string) (VisitType, bool) {
	t := VisitType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case VisitTypeNormal, VisitTypeEmergency, VisitTypeReferral, VisitTypeFollowUp:
		return t, true
	}
	return t, false
}

// RequiresReferral reports whether a referral number is mandatory
func (t VisitType) RequiresReferral() bool {
	return t == VisitTypeReferral || t == VisitTypeFollowUp
}

// Verification is one authorization attempt. Only Active changes after creation.
type Verification struct {
	ID               string          `json:"id"`
	VisitID          string          `json:"visit_id"`
	CardNo           string          `json:"card_no"`
	VisitType        VisitType       `json:"visit_type"`
	ReferralNo       string          `json:"referral_no,omitempty"`
	Remarks          string          `json:"remarks,omitempty"`
	CardStatus       string          `json:"card_status,omitempty"`
	Outcome          Outcome         `json:"outcome"`
	AuthorizationNo  string          `json:"authorization_no,omitempty"`
	MemberName       string          `json:"member_name,omitempty"`
	AuthorityRemarks string          `json:"authority_remarks,omitempty"`
	Failure          Failure         `json:"failure,omitempty"`
	RawResponse      json.RawMessage `json:"-"`
	ActorID          string          `json:"actor_id"`
	CreatedAt        time.Time       `json:"created_at"`
	Active           bool            `json:"active"`
}

func (v *Verification) ensureIdentity() {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
}

// MaskedCard returns the card number with all but the last four characters hidden
func MaskedCard(cardNo string) string {
	if len(cardNo) <= 4 {
		return strings.Repeat("*", len(cardNo))
	}
	return strings.Repeat("*", len(cardNo)-4) + cardNo[len(cardNo)-4:]
}
