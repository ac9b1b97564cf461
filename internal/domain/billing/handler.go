package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/revcycle/internal/platform/auth"
	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, auditor
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleAuditor))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/adjustments", h.ListAdjustments)
	readGroup.GET("/payments/unapplied", h.ListUnappliedPayments)
	readGroup.GET("/payments/:id", h.GetPayment)
	readGroup.GET("/reports/aging", h.GetAging)
	readGroup.GET("/reports/aging/payers", h.GetAgingByPayer)
	readGroup.GET("/reports/statistics", h.GetStatistics)
	readGroup.GET("/patients/:patient_id/statement", h.GetPatientStatement)

	// Write endpoints – admin, billing
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.POST("/claims/:id/line-items", h.AddLineItem)
	writeGroup.DELETE("/claims/:id/line-items/:line", h.RemoveLineItem)
	writeGroup.PUT("/claims/:id/diagnoses", h.SetDiagnoses)
	writeGroup.POST("/claims/:id/submit", h.SubmitClaim)
	writeGroup.POST("/claims/:id/accept", h.AcceptClaim)
	writeGroup.POST("/claims/:id/reject", h.RejectClaim)
	writeGroup.POST("/claims/:id/deny", h.DenyClaim)
	writeGroup.POST("/claims/:id/void", h.VoidClaim)
	writeGroup.POST("/claims/:id/rebill", h.RebillClaim)
	writeGroup.POST("/claims/:id/appeal", h.AppealClaim)
	writeGroup.POST("/claims/:id/notes", h.AddClaimNote)
	writeGroup.POST("/claims/:id/adjustments", h.AdjustClaim)
	writeGroup.POST("/adjustments/:id/approve", h.ApproveAdjustment)
	writeGroup.POST("/payments", h.PostPayment)
	writeGroup.POST("/payments/:id/apply", h.ApplyPayment)
	writeGroup.POST("/payments/:id/apply-full", h.ApplyFullBalance)
	writeGroup.POST("/payments/:id/void", h.VoidPayment)
	writeGroup.POST("/payments/:id/refund", h.RefundPayment)
	writeGroup.POST("/remittances", h.ImportRemittance)
}

// errorStatus maps each failure kind to its HTTP status; the kind itself is
// sent as the error code.
var errorStatus = map[Kind]int{
	KindValidation:     http.StatusUnprocessableEntity,
	KindInvalidState:   http.StatusConflict,
	KindOverallocation: http.StatusUnprocessableEntity,
	KindExceedsBalance: http.StatusUnprocessableEntity,
	KindNotFound:       http.StatusNotFound,
}

// httpError translates a service error into an echo error carrying a code.
func httpError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		status, ok := errorStatus[e.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return echo.NewHTTPError(status, echo.Map{"code": string(e.Kind), "message": e.Error()})
	}
	if errors.Is(err, ErrVersionConflict) {
		return echo.NewHTTPError(http.StatusConflict, echo.Map{"code": "version_conflict", "message": err.Error()})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseDateParam(c echo.Context, name string) (caldate.Date, error) {
	d, err := caldate.Parse(c.QueryParam(name))
	if err != nil {
		return caldate.Date{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected YYYY-MM-DD")
	}
	return d, nil
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// -- Claim Handlers --

func (h *Handler) CreateClaim(c echo.Context) error {
	var in ClaimInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.CreateClaim(c.Request().Context(), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	from, err := parseDateParam(c, "service_from")
	if err != nil {
		return err
	}
	to, err := parseDateParam(c, "service_to")
	if err != nil {
		return err
	}
	f := ClaimFilter{
		PatientID:   c.QueryParam("patient_id"),
		PayerID:     c.QueryParam("payer_id"),
		Status:      ClaimStatus(c.QueryParam("status")),
		ServiceFrom: from,
		ServiceTo:   to,
		OpenOnly:    c.QueryParam("open") == "true",
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	items, total, err := h.svc.ListClaims(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) AddLineItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in LineItemInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.AddLineItem(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) RemoveLineItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	line, err := strconv.Atoi(c.Param("line"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid line number")
	}
	claim, err := h.svc.RemoveLineItem(c.Request().Context(), id, line)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type diagnosesRequest struct {
	Diagnoses []string `json:"diagnoses"`
}

func (h *Handler) SetDiagnoses(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req diagnosesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.SetClaimDiagnoses(c.Request().Context(), id, req.Diagnoses)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.SubmitClaim(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) AcceptClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.AcceptClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type denialRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) RejectClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req denialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.RejectClaim(c.Request().Context(), id, req.Code, req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) DenyClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req denialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.DenyClaim(c.Request().Context(), id, req.Code, req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) VoidClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.VoidClaim(c.Request().Context(), id, req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) RebillClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.RebillClaim(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

type appealRequest struct {
	Reason    string   `json:"reason"`
	Documents []string `json:"documents"`
}

func (h *Handler) AppealClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req appealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.AppealClaim(c.Request().Context(), id, req.Reason, req.Documents)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

type noteRequest struct {
	Text string `json:"text"`
}

func (h *Handler) AddClaimNote(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.AddClaimNote(c.Request().Context(), id, actor(c), req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

// -- Adjustment Handlers --

type adjustmentResponse struct {
	Adjustment Adjustment `json:"adjustment"`
	Claim      Claim      `json:"claim"`
}

func (h *Handler) AdjustClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in AdjustmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ClaimID = id
	adj, claim, err := h.svc.AdjustClaim(c.Request().Context(), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if !adj.Posted {
		status = http.StatusAccepted
	}
	return c.JSON(status, adjustmentResponse{Adjustment: adj, Claim: claim})
}

func (h *Handler) ApproveAdjustment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	adj, claim, err := h.svc.ApproveAdjustment(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, adjustmentResponse{Adjustment: adj, Claim: claim})
}

func (h *Handler) ListAdjustments(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListAdjustments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Payment Handlers --

func (h *Handler) PostPayment(c echo.Context) error {
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.PostPayment(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListUnappliedPayments(c echo.Context) error {
	items, err := h.svc.ListUnappliedPayments(c.Request().Context(), c.QueryParam("patient_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type applyRequest struct {
	Allocations []Allocation `json:"allocations"`
}

func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req applyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ApplyPayment(c.Request().Context(), id, req.Allocations, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type applyFullRequest struct {
	ClaimIDs []uuid.UUID `json:"claim_ids"`
}

func (h *Handler) ApplyFullBalance(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req applyFullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ApplyFullBalance(c.Request().Context(), id, req.ClaimIDs, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) VoidPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.VoidPayment(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.RefundPayment(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Remittance Handlers --

// ImportRemittance answers 200 even when lines went unmatched; callers read
// unmatched_lines and the per-line outcomes. ?dry_run=true only previews.
func (h *Handler) ImportRemittance(c echo.Context) error {
	var batch RemittanceBatch
	if err := c.Bind(&batch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	var (
		res RemittanceResult
		err error
	)
	if c.QueryParam("dry_run") == "true" {
		res, err = h.svc.PreviewRemittance(ctx, batch, actor(c))
	} else {
		res, err = h.svc.ImportRemittance(ctx, batch, actor(c))
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Report Handlers --

func (h *Handler) GetAging(c echo.Context) error {
	asOf, err := parseDateParam(c, "as_of")
	if err != nil {
		return err
	}
	r, err := h.svc.ComputeAging(c.Request().Context(), asOf, c.QueryParam("payer_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetAgingByPayer(c echo.Context) error {
	asOf, err := parseDateParam(c, "as_of")
	if err != nil {
		return err
	}
	reports, err := h.svc.ComputeAgingByPayer(c.Request().Context(), asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reports)
}

func (h *Handler) GetStatistics(c echo.Context) error {
	st, err := h.svc.ComputeStatistics(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetPatientStatement(c echo.Context) error {
	asOf, err := parseDateParam(c, "as_of")
	if err != nil {
		return err
	}
	st, err := h.svc.BuildPatientStatement(c.Request().Context(), c.Param("patient_id"), asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}
