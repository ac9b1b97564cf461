package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "user-1")
	return req.WithContext(ctx)
}

func expectHTTPError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != status {
		t.Errorf("expected %d, got %d", status, he.Code)
	}
	if code == "" {
		return
	}
	msg, ok := he.Message.(echo.Map)
	if !ok {
		t.Fatalf("expected error body map, got %T", he.Message)
	}
	if msg["code"] != code {
		t.Errorf("expected code %s, got %v", code, msg["code"])
	}
}

const createClaimBody = `{"patient_id":"pat-1","payer_id":"payer-1","policy_id":"pol-1","service_date":"2024-02-01",
"diagnoses":["E11.9"],"line_items":[{"procedure_code":"99213","diagnosis_pointers":[1],"units":1,"unit_charge":"220.00"}]}`

func createClaimViaHandler(t *testing.T, h *Handler, e *echo.Echo) Claim {
	t.Helper()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, createClaimBody), rec)
	if err := h.CreateClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var claim Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	return claim
}

func claimAction(t *testing.T, e *echo.Echo, handler echo.HandlerFunc, id uuid.UUID, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return rec, handler(c)
}

// -- Claim Handler Tests --

func TestHandler_CreateClaim(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if claim.Status != ClaimDraft {
		t.Errorf("expected draft, got %s", claim.Status)
	}
	if claim.TotalCharges.String() != "220.00" {
		t.Errorf("expected 220.00, got %s", claim.TotalCharges)
	}
	if len(claim.Notes) == 0 || claim.Notes[0].Author != "user-1" {
		t.Errorf("expected actor from auth context, got %+v", claim.Notes)
	}
}

func TestHandler_CreateClaim_BadJSON(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"patient_id":`), rec)
	expectHTTPError(t, h.CreateClaim(c), http.StatusBadRequest, "")
}

func TestHandler_CreateClaim_Validation(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"service_date":"2024-02-01"}`), rec)
	expectHTTPError(t, h.CreateClaim(c), http.StatusUnprocessableEntity, string(KindValidation))
}

func TestHandler_GetClaim(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(claim.ID.String())
	if err := h.GetClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetClaim_NotFound(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.GetClaim(c), http.StatusNotFound, string(KindNotFound))
}

func TestHandler_GetClaim_InvalidID(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetClaim(c), http.StatusBadRequest, "")
}

func TestHandler_ListClaims(t *testing.T) {
	h, e := newTestHandler()
	createClaimViaHandler(t, h, e)
	createClaimViaHandler(t, h, e)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=pat-1&limit=10", nil), rec)
	if err := h.ListClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Limit != 10 {
		t.Errorf("expected total 2 limit 10, got %+v", body)
	}
}

func TestHandler_ListClaims_BadDate(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?service_from=02/01/2024", nil), rec)
	expectHTTPError(t, h.ListClaims(c), http.StatusBadRequest, "")
}

func TestHandler_SubmitAndInvalidTransition(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)

	rec, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	_, err = claimAction(t, e, h.SubmitClaim, claim.ID, `{}`)
	expectHTTPError(t, err, http.StatusConflict, string(KindInvalidState))
}

func TestHandler_RemoveLineItem(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodDelete, ""), rec)
	c.SetParamNames("id", "line")
	c.SetParamValues(claim.ID.String(), "1")
	if err := h.RemoveLineItem(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodDelete, ""), rec)
	c.SetParamNames("id", "line")
	c.SetParamValues(claim.ID.String(), "x")
	expectHTTPError(t, h.RemoveLineItem(c), http.StatusBadRequest, "")
}

func TestHandler_DenyRequiresReason(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if _, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := claimAction(t, e, h.DenyClaim, claim.ID, `{}`)
	expectHTTPError(t, err, http.StatusUnprocessableEntity, string(KindValidation))

	rec, err := claimAction(t, e, h.DenyClaim, claim.ID, `{"code":"CO-50"}`)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"denied"`) {
		t.Errorf("expected denied claim, got %s", rec.Body.String())
	}

	rec, err = claimAction(t, e, h.RebillClaim, claim.ID, `{}`)
	if err != nil {
		t.Fatalf("rebill: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

// -- Payment Handler Tests --

func postPaymentViaHandler(t *testing.T, h *Handler, e *echo.Echo, amount string) Payment {
	t.Helper()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"source":"patient","method":"cash","amount":"`+amount+`","patient_id":"pat-1"}`), rec)
	if err := h.PostPayment(c); err != nil {
		t.Fatalf("post payment: %v", err)
	}
	var p Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	return p
}

func TestHandler_PostPayment_Validation(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"source":"insurance","method":"check","amount":"10.00"}`), rec)
	expectHTTPError(t, h.PostPayment(c), http.StatusUnprocessableEntity, string(KindValidation))
}

func TestHandler_ApplyPayment_Overallocation(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if _, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := postPaymentViaHandler(t, h, e, "50.00")

	body := `{"allocations":[{"claim_id":"` + claim.ID.String() + `","amount":"60.00"}]}`
	_, err := claimAction(t, e, h.ApplyPayment, p.ID, body)
	expectHTTPError(t, err, http.StatusUnprocessableEntity, string(KindOverallocation))

	body = `{"allocations":[{"claim_id":"` + claim.ID.String() + `","amount":"50.00"}]}`
	rec, err := claimAction(t, e, h.ApplyPayment, p.ID, body)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var res AllocationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Claims[0].Balance.String() != "170.00" {
		t.Errorf("expected 170.00 left, got %s", res.Claims[0].Balance)
	}

	_, err = claimAction(t, e, h.VoidPayment, p.ID, `{"reason":"typo"}`)
	expectHTTPError(t, err, http.StatusConflict, string(KindInvalidState))
}

func TestHandler_ApplyFullBalance_ExceedsBalanceCode(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if _, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := postPaymentViaHandler(t, h, e, "500.00")

	body := `{"allocations":[{"claim_id":"` + claim.ID.String() + `","amount":"300.00"}]}`
	_, err := claimAction(t, e, h.ApplyPayment, p.ID, body)
	expectHTTPError(t, err, http.StatusUnprocessableEntity, string(KindExceedsBalance))

	rec, err := claimAction(t, e, h.ApplyFullBalance, p.ID, `{"claim_ids":["`+claim.ID.String()+`"]}`)
	if err != nil {
		t.Fatalf("apply-full: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"unapplied_amount":"280.00"`) {
		t.Errorf("expected 280.00 unapplied, got %s", rec.Body.String())
	}
}

func TestHandler_ListUnappliedPayments(t *testing.T) {
	h, e := newTestHandler()
	postPaymentViaHandler(t, h, e, "25.00")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?patient_id=pat-1", nil), rec)
	if err := h.ListUnappliedPayments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 payment, got %d", len(items))
	}
}

// -- Adjustment Handler Tests --

func TestHandler_AdjustClaim_PendingApproval(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if _, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec, err := claimAction(t, e, h.AdjustClaim, claim.ID, `{"reason":"write_off","amount":"20.00","note":"hardship"}`)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 for pending approval, got %d", rec.Code)
	}
	var resp adjustmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec, err = claimAction(t, e, h.ApproveAdjustment, resp.Adjustment.ID, `{}`)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"balance":"200.00"`) {
		t.Errorf("expected balance 200.00 after approval, got %s", rec.Body.String())
	}
}

// -- Remittance Handler Tests --

func TestHandler_ImportRemittance_UnmatchedIs200(t *testing.T) {
	h, e := newTestHandler()
	body := `{"payer_name":"Acme","reference":"EFT-9","method":"eft","lines":[
{"claim_number":"CLM-999","billed":"10.00","allowed":"10.00","paid":"10.00"}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	if err := h.ImportRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var res RemittanceResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.UnmatchedCount != 1 || len(res.PostedPayments) != 0 {
		t.Errorf("expected one unmatched line and no payments, got %+v", res)
	}
}

func TestHandler_ImportRemittance_MissingReference(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"lines":[{"claim_number":"CLM-1","paid":"1.00"}]}`), rec)
	expectHTTPError(t, h.ImportRemittance(c), http.StatusUnprocessableEntity, string(KindValidation))
}

// -- Report Handler Tests --

func TestHandler_Reports(t *testing.T) {
	h, e := newTestHandler()
	claim := createClaimViaHandler(t, h, e)
	if _, err := claimAction(t, e, h.SubmitClaim, claim.ID, `{}`); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?as_of=2024-06-30", nil), rec)
	if err := h.GetAging(c); err != nil {
		t.Fatalf("aging: %v", err)
	}
	var r AgingReport
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Over120.Count != 1 {
		t.Errorf("expected claim over 120 days, got %+v", r.AgingBuckets)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?as_of=June", nil), rec)
	expectHTTPError(t, h.GetAgingByPayer(c), http.StatusBadRequest, "")

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.GetStatistics(c); err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"claim_count":1`) {
		t.Errorf("unexpected statistics %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?as_of=2024-06-30", nil), rec)
	c.SetParamNames("patient_id")
	c.SetParamValues("pat-1")
	if err := h.GetPatientStatement(c); err != nil {
		t.Fatalf("statement: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"balance":"220.00"`) {
		t.Errorf("unexpected statement %s", rec.Body.String())
	}
}

func TestHTTPError_VersionConflict(t *testing.T) {
	expectHTTPError(t, httpError(ErrVersionConflict), http.StatusConflict, "version_conflict")
	expectHTTPError(t, httpError(errors.New("boom")), http.StatusInternalServerError, "")
}

func TestHandler_ListClaims_BadLimit(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=-1", nil), rec)
	expectHTTPError(t, h.ListClaims(c), http.StatusBadRequest, "invalid_pagination")
}
