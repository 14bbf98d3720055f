// Package handlers provides HTTP handlers for the visit API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clinicops/visitauth/internal/api/middleware"
	"github.com/clinicops/visitauth/internal/authority"
	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/domain/visit"
	"github.com/clinicops/visitauth/internal/workflow"
	"github.com/clinicops/visitauth/pkg/idempotency"
)

// IdempotencyHeader deduplicates repeated verification submissions
const IdempotencyHeader = "Idempotency-Key"

// VisitHandler exposes the workflow engine over HTTP
type VisitHandler struct {
	engine   *workflow.Engine
	inbox    idempotency.Processor
	validate *validator.Validate
	logger   *zap.Logger
}

// NewVisitHandler creates a handler. inbox may be nil, which disables Idempotency-Key support.
func NewVisitHandler(engine *workflow.Engine, inbox idempotency.Processor, logger *zap.Logger) *VisitHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisitHandler{
		engine:   engine,
		inbox:    inbox,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *VisitHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireActor)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/advance", h.Advance)
		r.Post("/transfer", h.Transfer)
		r.Post("/complete", h.Complete)
		r.Post("/cancel", h.Cancel)
		r.Post("/convert-to-cash", h.ConvertToCash)
		r.Post("/verifications", h.Verify)
		r.Get("/verifications", h.History)
		r.Get("/authorization", h.Authorization)
		r.Get("/gate", h.Gate)
	})
	return r
}

// CreateVisitRequest is the body of POST /visits
type CreateVisitRequest struct {
	PatientID   string `json:"patientId" validate:"required,max=64"`
	FundingType string `json:"fundingType" validate:"required,oneof=SELF_PAY INSURANCE"`
	Insurer     string `json:"insurer" validate:"required_if=FundingType INSURANCE,max=120"`
}

// DepartmentRequest is the body of advance and transfer
type DepartmentRequest struct {
	Department string `json:"department" validate:"required"`
}

// ReasonRequest is the body of cancel and convert-to-cash
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// VerifyRequest is the body of POST /visits/{id}/verifications
type VerifyRequest struct {
	CardNo      string `json:"cardNo" validate:"required"`
	VisitTypeID string `json:"visitTypeId" validate:"required"`
	ReferralNo  string `json:"referralNo,omitempty" validate:"max=64"`
	Remarks     string `json:"remarks,omitempty" validate:"max=500"`
}

// Create handles POST /visits
func (h *VisitHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateVisitRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.engine.CreateVisit(r.Context(), workflow.CreateVisitInput{
		PatientID:   req.PatientID,
		FundingType: visit.FundingType(req.FundingType),
		Insurer:     req.Insurer,
	}, middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusCreated)
}

// Get handles GET /visits/{id}
func (h *VisitHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusOK)
}

// Advance handles POST /visits/{id}/advance
func (h *VisitHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.moveDepartment(w, r, h.engine.Advance)
}

// Transfer handles POST /visits/{id}/transfer
func (h *VisitHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	h.moveDepartment(w, r, h.engine.Transfer)
}

type departmentMove func(ctx context.Context, visitID string, dept visit.Department, actorID string) (*visit.Visit, error)

func (h *VisitHandler) moveDepartment(w http.ResponseWriter, r *http.Request, move departmentMove) {
	var req DepartmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	dept, err := visit.ParseDepartment(req.Department)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := move(r.Context(), chi.URLParam(r, "id"), dept, middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusOK)
}

// Complete handles POST /visits/{id}/complete
func (h *VisitHandler) Complete(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Complete(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusOK)
}

// Cancel handles POST /visits/{id}/cancel
func (h *VisitHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	v, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusOK)
}

// ConvertToCash handles POST /visits/{id}/convert-to-cash
func (h *VisitHandler) ConvertToCash(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.engine.ConvertToCash(r.Context(), chi.URLParam(r, "id"), req.Reason, middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, v, http.StatusOK)
}

// Verify handles POST /visits/{id}/verifications
func (h *VisitHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	visitID := chi.URLParam(r, "id")
	actorID := middleware.GetActorID(r.Context())

	run := func(ctx context.Context) (*verification.Verification, error) {
		return h.engine.Verify(ctx, visitID, authority.Request{
			CardNo:     req.CardNo,
			VisitType:  verification.VisitType(req.VisitTypeID),
			ReferralNo: req.ReferralNo,
			Remarks:    req.Remarks,
		}, actorID)
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" || h.inbox == nil {
		rec, err := run(r.Context())
		if err != nil {
			h.writeVerifyError(w, r, err)
			return
		}
		h.writeJSON(w, rec, http.StatusCreated)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.inbox.Process(r.Context(), idempotency.GenerateKey(visitID, key), "verify", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			rec, err := run(ctx)
			if err != nil {
				return nil, err
			}
			if !rec.Outcome.Answered() {
				// leave the key retryable so the same submission reaches the authority again
				return nil, &unansweredError{rec: rec}
			}
			return json.Marshal(rec)
		})
	var unanswered *unansweredError
	if errors.As(err, &unanswered) {
		h.writeJSON(w, unanswered.rec, http.StatusCreated)
		return
	}
	if err != nil {
		h.writeVerifyError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !res.IsNew && !res.WasRecovered {
		w.Header().Set("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(res.Result)
}

// unansweredError carries an attempt the authority never answered through the
// inbox, which stores it as retryable instead of as the key's result.
type unansweredError struct {
	rec *verification.Verification
}

func (e *unansweredError) Error() string {
	return "verification unanswered: " + string(e.rec.Failure)
}

// History handles GET /visits/{id}/verifications
func (h *VisitHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*verification.Verification{}
	}
	h.writeJSON(w, map[string]any{"verifications": history}, http.StatusOK)
}

// Authorization handles GET /visits/{id}/authorization
func (h *VisitHandler) Authorization(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "id")
	active, err := h.engine.CurrentAuthorization(r.Context(), visitID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"visit_id": visitID, "verification": active}, http.StatusOK)
}

// Gate handles GET /visits/{id}/gate
func (h *VisitHandler) Gate(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.CanProceed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, d, http.StatusOK)
}

// decode reads and validates the JSON body; it writes the error response itself
func (h *VisitHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.writeJSON(w, map[string]string{
				"error": fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()),
				"field": fe.Field(),
			}, http.StatusUnprocessableEntity)
			return false
		}
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *VisitHandler) writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		h.writeJSON(w, map[string]string{
			"error":   ve.Error(),
			"field":   ve.Field,
			"outcome": string(verification.OutcomeInvalid),
		}, http.StatusUnprocessableEntity)
		return
	}
	h.writeError(w, r, err)
}

// writeError maps the error taxonomy onto HTTP status codes
func (h *VisitHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *errs.ValidationError
	switch {
	case errors.As(err, &ve):
		h.writeJSON(w, map[string]string{"error": ve.Error(), "field": ve.Field}, http.StatusUnprocessableEntity)
	case errors.Is(err, errs.ErrNotFound):
		h.jsonError(w, "visit not found", http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalidTransition):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrConflict):
		h.jsonError(w, "visit was modified concurrently, reload and retry", http.StatusConflict)
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		h.jsonError(w, "request with this "+IdempotencyHeader+" is already being processed", http.StatusConflict)
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.jsonError(w, "request with this "+IdempotencyHeader+" was already rejected", http.StatusUnprocessableEntity)
	case errors.Is(err, authority.ErrServiceUnavailable):
		h.jsonError(w, "insurance service unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *VisitHandler) writeJSON(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *VisitHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, map[string]string{"error": message}, code)
}
