package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/visitauth/internal/api/middleware"
	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/authority"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/domain/visit"
	"github.com/clinicops/visitauth/internal/workflow"
	"github.com/clinicops/visitauth/pkg/idempotency"
)

type fixedAuthorizer struct {
	result *authority.Result
	err    error
	calls  int
}

func (f *fixedAuthorizer) Verify(context.Context, authority.Request) (*authority.Result, error) {
	f.calls++
	return f.result, f.err
}

func newServer(t *testing.T, authz workflow.Authorizer) *httptest.Server {
	t.Helper()
	sink := audit.NewMemorySink()
	visits := visit.NewMemoryStore(sink)
	verifications := verification.NewMemoryStore(sink, nil)
	engine := workflow.NewEngine(visits, verifications, authz, sink, nil, nil)
	h := NewVisitHandler(engine, idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig()), nil)

	r := chi.NewRouter()
	r.Mount("/api/v1/visits", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+"/api/v1/visits"+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.ActorHeader, "clerk-1")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createInsuranceVisit(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := call(t, srv, http.MethodPost, "/", map[string]string{
		"patientId": "patient-1", "fundingType": "INSURANCE", "insurer": "National Health Fund",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func TestCreateVisit(t *testing.T) {
	srv := newServer(t, &fixedAuthorizer{})

	id := createInsuranceVisit(t, srv)
	resp, body := call(t, srv, http.MethodGet, "/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REGISTERED", body["status"])
	assert.Equal(t, "clerk-1", body["created_by"])

	resp, body = call(t, srv, http.MethodPost, "/", map[string]string{
		"patientId": "p", "fundingType": "INSURANCE",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Insurer", body["field"])

	resp, _ = call(t, srv, http.MethodPost, "/", map[string]string{
		"patientId": "p", "fundingType": "SELF_PAY",
	}, map[string]string{middleware.ActorHeader: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodGet, "/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransitionsOverHTTP(t *testing.T) {
	srv := newServer(t, &fixedAuthorizer{})
	id := createInsuranceVisit(t, srv)

	resp, _ := call(t, srv, http.MethodPost, "/"+id+"/complete", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := call(t, srv, http.MethodPost, "/"+id+"/advance", map[string]string{"department": "consultation"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IN_PROGRESS", body["status"])

	resp, _ = call(t, srv, http.MethodPost, "/"+id+"/advance", map[string]string{"department": "pharmacy"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodPost, "/"+id+"/transfer", map[string]string{"department": "kitchen"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = call(t, srv, http.MethodPost, "/"+id+"/transfer", map[string]string{"department": "pharmacy"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PHARMACY", body["department"])

	resp, body = call(t, srv, http.MethodPost, "/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])

	resp, _ = call(t, srv, http.MethodPost, "/"+id+"/complete", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectedCardThenCashConversion(t *testing.T) {
	authz := &fixedAuthorizer{result: &authority.Result{Outcome: verification.OutcomeRejected, Remarks: "card inactive"}}
	srv := newServer(t, authz)
	id := createInsuranceVisit(t, srv)

	resp, body := call(t, srv, http.MethodPost, "/"+id+"/verifications",
		map[string]string{"cardNo": "CARD-123456", "visitTypeId": "NORMAL"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "REJECTED", body["outcome"])

	resp, body = call(t, srv, http.MethodGet, "/"+id+"/gate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "card inactive", body["reason"])

	resp, _ = call(t, srv, http.MethodPost, "/"+id+"/convert-to-cash", map[string]string{"reason": " "}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = call(t, srv, http.MethodPost, "/"+id+"/convert-to-cash", map[string]string{"reason": "patient paying cash"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SELF_PAY", body["funding_type"])

	_, body = call(t, srv, http.MethodGet, "/"+id+"/gate", nil, nil)
	assert.Equal(t, true, body["allowed"])

	_, body = call(t, srv, http.MethodGet, "/"+id+"/verifications", nil, nil)
	assert.Len(t, body["verifications"], 1)
}

func TestVerifyValidationReportsInvalid(t *testing.T) {
	authz := &fixedAuthorizer{}
	srv := newServer(t, authz)
	id := createInsuranceVisit(t, srv)

	resp, body := call(t, srv, http.MethodPost, "/"+id+"/verifications",
		map[string]string{"cardNo": "CARD-123456", "visitTypeId": "REFERRAL"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INVALID", body["outcome"])
	assert.Equal(t, "referralNo", body["field"])
	assert.Equal(t, 0, authz.calls)

	_, body = call(t, srv, http.MethodGet, "/"+id+"/authorization", nil, nil)
	assert.Nil(t, body["verification"])
}

func TestVerifyServiceUnavailable(t *testing.T) {
	authz := &fixedAuthorizer{err: authority.ErrServiceUnavailable}
	srv := newServer(t, authz)
	id := createInsuranceVisit(t, srv)

	resp, body := call(t, srv, http.MethodPost, "/"+id+"/verifications",
		map[string]string{"cardNo": "CARD-123456", "visitTypeId": "NORMAL"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["outcome"])
	assert.Equal(t, false, body["active"])

	_, body = call(t, srv, http.MethodGet, "/"+id+"/gate", nil, nil)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "insurance service unavailable", body["reason"])
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["code"])
}

func TestVerifyIdempotencyKey(t *testing.T) {
	authz := &fixedAuthorizer{result: &authority.Result{Outcome: verification.OutcomeAccepted, AuthorizationNo: "AUTH-100200"}}
	srv := newServer(t, authz)
	id := createInsuranceVisit(t, srv)
	body := map[string]string{"cardNo": "CARD-123456", "visitTypeId": "NORMAL"}
	headers := map[string]string{IdempotencyHeader: "double-click-1"}

	resp, first := call(t, srv, http.MethodPost, "/"+id+"/verifications", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, second := call(t, srv, http.MethodPost, "/"+id+"/verifications", body, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, 1, authz.calls)
}

func TestVerifyIdempotencyKeyRetriesAfterOutage(t *testing.T) {
	authz := &fixedAuthorizer{err: authority.ErrServiceUnavailable}
	srv := newServer(t, authz)
	id := createInsuranceVisit(t, srv)
	body := map[string]string{"cardNo": "CARD-123456", "visitTypeId": "NORMAL"}
	headers := map[string]string{IdempotencyHeader: "retry-after-outage"}

	resp, first := call(t, srv, http.MethodPost, "/"+id+"/verifications", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", first["outcome"])

	authz.err = nil
	authz.result = &authority.Result{Outcome: verification.OutcomeAccepted, AuthorizationNo: "AUTH-100300"}

	resp, second := call(t, srv, http.MethodPost, "/"+id+"/verifications", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, "ACCEPTED", second["outcome"])
	assert.NotEqual(t, first["id"], second["id"])
	assert.Equal(t, 2, authz.calls)

	resp, gate := call(t, srv, http.MethodGet, "/"+id+"/authorization", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, gate["allowed"])
}
