// Package visit implements the visit aggregate and its lifecycle state machine.
package visit

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/domain/errs"
)

// Status represents the visit lifecycle status
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// FundingType says who pays for the visit
type FundingType string

const (
	FundingSelfPay   FundingType = "SELF_PAY"
	FundingInsurance FundingType = "INSURANCE"
)

// Valid reports whether f is a known funding type
func (f FundingType) Valid() bool {
	return f == FundingSelfPay || f == FundingInsurance
}

// Department is a clinical or administrative desk a patient passes through
type Department string

const (
	DepartmentReception    Department = "RECEPTION"
	DepartmentConsultation Department = "CONSULTATION"
	DepartmentLaboratory   Department = "LABORATORY"
	DepartmentPharmacy     Department = "PHARMACY"
	DepartmentOptical      Department = "OPTICAL"
	DepartmentBilling      Department = "BILLING"
)

var clinicalDepartments = map[Department]bool{
	DepartmentConsultation: true,
	DepartmentLaboratory:   true,
	DepartmentPharmacy:     true,
	DepartmentOptical:      true,
	DepartmentBilling:      true,
}

// ParseDepartment normalizes and validates a department name
func ParseDepartment(s string) (Department, error) {
	d := Department(strings.ToUpper(strings.TrimSpace(s)))
	if !clinicalDepartments[d] {
		return "", errs.NewValidation("department", "unknown department "+s)
	}
	return d, nil
}

// Visit is one clinical encounter. Mutate it only through its transition methods.
type Visit struct {
	ID           string      `json:"id"`
	PatientID    string      `json:"patient_id"`
	VisitAt      time.Time   `json:"visit_at"`
	Department   Department  `json:"department"`
	FundingType  FundingType `json:"funding_type"`
	Insurer      string      `json:"insurer,omitempty"`
	Status       Status      `json:"status"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	CashReason   string      `json:"cash_reason,omitempty"`
	Version      int         `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CreatedBy    string      `json:"created_by"`
	UpdatedBy    string      `json:"updated_by"`

	changes []audit.Event
}

// New registers a visit. Insurer is ignored for self-pay visits.
func New(patientID string, funding FundingType, insurer, actorID string) (*Visit, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, errs.NewValidation("patientId", "is required")
	}
	if !funding.Valid() {
		return nil, errs.NewValidation("fundingType", "must be SELF_PAY or INSURANCE")
	}
	if actorID == "" {
		return nil, errs.NewValidation("actorId", "is required")
	}
	if funding == FundingSelfPay {
		insurer = ""
	}

	now := time.Now().UTC()
	v := &Visit{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		VisitAt:     now,
		Department:  DepartmentReception,
		FundingType: funding,
		Insurer:     strings.TrimSpace(insurer),
		Status:      StatusRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actorID,
		UpdatedBy:   actorID,
	}
	v.record(audit.ActionVisitCreated, actorID, map[string]string{
		"patient_id":   patientID,
		"funding_type": string(funding),
		"insurer":      v.Insurer,
	})
	return v, nil
}

// Advance moves a registered visit into the first department that accepts the patient.
func (v *Visit) Advance(dept Department, actorID string) error {
	if v.Status != StatusRegistered {
		return v.invalid("advance")
	}
	if !clinicalDepartments[dept] {
		return errs.NewValidation("department", "unknown department "+string(dept))
	}
	from := v.Department
	v.Status = StatusInProgress
	v.Department = dept
	v.touch(actorID)
	v.record(audit.ActionVisitAdvanced, actorID, map[string]string{
		"from_department": string(from),
		"department":      string(dept),
	})
	return nil
}

// Transfer hands an in-progress visit to another department.
func (v *Visit) Transfer(dept Department, actorID string) error {
	if v.Status != StatusInProgress {
		return v.invalid("transfer")
	}
	if !clinicalDepartments[dept] {
		return errs.NewValidation("department", "unknown department "+string(dept))
	}
	from := v.Department
	v.Department = dept
	v.touch(actorID)
	v.record(audit.ActionVisitTransferred, actorID, map[string]string{
		"from_department": string(from),
		"department":      string(dept),
	})
	return nil
}

// Complete closes an in-progress visit.
func (v *Visit) Complete(actorID string) error {
	if v.Status != StatusInProgress {
		return v.invalid("complete")
	}
	v.Status = StatusCompleted
	v.touch(actorID)
	v.record(audit.ActionVisitCompleted, actorID, nil)
	return nil
}

// Cancel terminates the visit from REGISTERED or IN_PROGRESS.
func (v *Visit) Cancel(reason, actorID string) error {
	if v.Status.IsTerminal() {
		return v.invalid("cancel")
	}
	v.Status = StatusCancelled
	v.CancelReason = strings.TrimSpace(reason)
	v.touch(actorID)
	v.record(audit.ActionVisitCancelled, actorID, map[string]string{"reason": v.CancelReason})
	return nil
}

// ConvertToCash reclassifies an insurance visit as self-pay.
func (v *Visit) ConvertToCash(reason, actorID string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errs.NewValidation("reason", "is required for cash conversion")
	}
	if v.Status.IsTerminal() {
		return v.invalid("convert to cash")
	}
	if v.FundingType != FundingInsurance {
		return errs.NewValidation("fundingType", "visit is already self-pay")
	}
	insurer := v.Insurer
	v.FundingType = FundingSelfPay
	v.CashReason = reason
	v.touch(actorID)
	v.record(audit.ActionCashConversion, actorID, map[string]string{
		"reason":           reason,
		"previous_funding": string(FundingInsurance),
		"previous_insurer": insurer,
	})
	return nil
}

// Changes returns audit events not yet persisted
func (v *Visit) Changes() []audit.Event { return v.changes }

// ClearChanges drops pending audit events after a successful save
func (v *Visit) ClearChanges() { v.changes = nil }

// Clone returns a deep copy without pending changes.
func (v *Visit) Clone() *Visit {
	c := *v
	c.changes = nil
	return &c
}

func (v *Visit) touch(actorID string) {
	v.UpdatedAt = time.Now().UTC()
	v.UpdatedBy = actorID
}

func (v *Visit) record(action audit.Action, actorID string, meta map[string]string) {
	v.changes = append(v.changes, audit.NewEvent(action, v.ID, actorID, meta))
}

func (v *Visit) invalid(action string) error {
	return &errs.TransitionError{VisitID: v.ID, From: string(v.Status), Action: action}
}
