package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// claimTransitions is the single source of truth for legal status changes.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimDraft:       {ClaimSubmitted, ClaimVoided},
	ClaimSubmitted:   {ClaimAccepted, ClaimRejected, ClaimDenied, ClaimVoided},
	ClaimAccepted:    {ClaimPartialPaid, ClaimPaid, ClaimRejected, ClaimDenied, ClaimVoided},
	ClaimPartialPaid: {ClaimPartialPaid, ClaimPaid, ClaimVoided},
	ClaimRejected:    {ClaimDraft, ClaimAppealed, ClaimVoided},
	ClaimDenied:      {ClaimDraft, ClaimAppealed, ClaimVoided},
	ClaimAppealed:    {ClaimAccepted, ClaimDenied, ClaimVoided},
	ClaimPaid:        nil,
	ClaimVoided:      nil,
}

// CanTransition reports whether a claim may move from one status to another.
func CanTransition(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func requireTransition(c Claim, to ClaimStatus, op string) error {
	if !CanTransition(c.Status, to) {
		return invalidState("claim", c.ID.String(), "cannot %s a claim in status %s", op, c.Status)
	}
	return nil
}

// ClaimInput carries what a caller supplies to open a new claim.
type ClaimInput struct {
	Type        ClaimType       `json:"type"`
	PatientID   string          `json:"patient_id"`
	PayerID     string          `json:"payer_id"`
	ProviderID  string          `json:"provider_id"`
	PolicyID    string          `json:"policy_id"`
	ServiceDate caldate.Date    `json:"service_date"`
	Diagnoses   []string        `json:"diagnoses"`
	LineItems   []LineItemInput `json:"line_items"`
}

// LineItemInput describes one service line to add.
type LineItemInput struct {
	ProcedureCode     string      `json:"procedure_code"`
	Modifiers         []string    `json:"modifiers"`
	DiagnosisPointers []int       `json:"diagnosis_pointers"`
	Units             int64       `json:"units"`
	UnitCharge        money.Money `json:"unit_charge"`
}

// NewClaim opens a Draft claim.
func NewClaim(id uuid.UUID, number string, in ClaimInput, now time.Time) (Claim, error) {
	if in.PatientID == "" {
		return Claim{}, validation("claim", "", "patient_id is required")
	}
	if in.ServiceDate.IsZero() {
		return Claim{}, validation("claim", "", "service_date is required")
	}
	if number == "" {
		return Claim{}, validation("claim", "", "claim number is required")
	}
	if in.Type == "" {
		in.Type = ClaimProfessional
	}
	if !validClaimTypes[in.Type] {
		return Claim{}, validation("claim", "", "invalid claim type %q", in.Type)
	}

	c := Claim{
		ID:          id,
		Number:      number,
		Type:        in.Type,
		Status:      ClaimDraft,
		PatientID:   in.PatientID,
		PayerID:     in.PayerID,
		ProviderID:  in.ProviderID,
		PolicyID:    in.PolicyID,
		ServiceDate: in.ServiceDate,
		Diagnoses:   normalizeCodes(in.Diagnoses),
		LineItems:   []ClaimLineItem{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, li := range in.LineItems {
		var err error
		if c, err = appendLine(c, li); err != nil {
			return Claim{}, err
		}
	}
	c.recalculate()
	return c, nil
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			out = append(out, code)
		}
	}
	return out
}

func appendLine(c Claim, in LineItemInput) (Claim, error) {
	lineNo := len(c.LineItems) + 1
	if strings.TrimSpace(in.ProcedureCode) == "" {
		return c, validation("claim", c.ID.String(), "line %d: procedure_code is required", lineNo)
	}
	if in.Units <= 0 {
		return c, validation("claim", c.ID.String(), "line %d: units must be positive", lineNo)
	}
	if in.UnitCharge.IsNegative() {
		return c, validation("claim", c.ID.String(), "line %d: unit charge cannot be negative", lineNo)
	}
	for _, p := range in.DiagnosisPointers {
		if p < 1 || p > len(c.Diagnoses) {
			return c, validation("claim", c.ID.String(), "line %d: diagnosis pointer %d out of range", lineNo, p)
		}
	}
	c.LineItems = append(c.LineItems, ClaimLineItem{
		ID:                uuid.New(),
		LineNumber:        lineNo,
		ProcedureCode:     strings.ToUpper(strings.TrimSpace(in.ProcedureCode)),
		Modifiers:         append([]string(nil), in.Modifiers...),
		DiagnosisPointers: append([]int(nil), in.DiagnosisPointers...),
		Units:             in.Units,
		UnitCharge:        in.UnitCharge,
		Status:            LinePending,
	})
	return c, nil
}

// AddLineItem appends a service line to a Draft claim.
func AddLineItem(c Claim, in LineItemInput, now time.Time) (Claim, error) {
	if c.Status != ClaimDraft {
		return c, invalidState("claim", c.ID.String(), "line items can only change while draft (status %s)", c.Status)
	}
	out, err := appendLine(c.Clone(), in)
	if err != nil {
		return c, err
	}
	out.recalculate()
	out.UpdatedAt = now
	return out, nil
}

// RemoveLineItem deletes a line from a Draft claim and renumbers the rest densely.
func RemoveLineItem(c Claim, lineNumber int, now time.Time) (Claim, error) {
	if c.Status != ClaimDraft {
		return c, invalidState("claim", c.ID.String(), "line items can only change while draft (status %s)", c.Status)
	}
	if lineNumber < 1 || lineNumber > len(c.LineItems) {
		return c, validation("claim", c.ID.String(), "line %d does not exist", lineNumber)
	}
	out := c.Clone()
	out.LineItems = append(out.LineItems[:lineNumber-1], out.LineItems[lineNumber:]...)
	for i := range out.LineItems {
		out.LineItems[i].LineNumber = i + 1
	}
	out.recalculate()
	out.UpdatedAt = now
	return out, nil
}

// SetDiagnoses replaces the diagnosis list of a Draft claim. Existing line
// pointers must stay in range.
func SetDiagnoses(c Claim, codes []string, now time.Time) (Claim, error) {
	if c.Status != ClaimDraft {
		return c, invalidState("claim", c.ID.String(), "diagnoses can only change while draft (status %s)", c.Status)
	}
	norm := normalizeCodes(codes)
	for _, li := range c.LineItems {
		for _, p := range li.DiagnosisPointers {
			if p > len(norm) {
				return c, validation("claim", c.ID.String(), "line %d: diagnosis pointer %d out of range", li.LineNumber, p)
			}
		}
	}
	out := c.Clone()
	out.Diagnoses = norm
	out.UpdatedAt = now
	return out, nil
}

// Submit sends a Draft claim to the payer. policy is the coverage named by
// c.PolicyID, or nil when the caller could not resolve one.
func Submit(c Claim, policy *InsurancePolicy, now time.Time) (Claim, error) {
	if err := requireTransition(c, ClaimSubmitted, "submit"); err != nil {
		return c, err
	}
	id := c.ID.String()
	if len(c.LineItems) == 0 {
		return c, validation("claim", id, "claim has no line items")
	}
	if len(c.Diagnoses) == 0 {
		return c, validation("claim", id, "claim has no diagnoses")
	}
	for _, li := range c.LineItems {
		if len(li.DiagnosisPointers) == 0 {
			return c, validation("claim", id, "no diagnosis linked to line %d", li.LineNumber)
		}
		for _, p := range li.DiagnosisPointers {
			if p < 1 || p > len(c.Diagnoses) {
				return c, validation("claim", id, "line %d: diagnosis pointer %d out of range", li.LineNumber, p)
			}
		}
	}
	if c.PayerID == "" {
		return c, validation("claim", id, "payer is required")
	}
	if c.PolicyID == "" || policy == nil {
		return c, validation("claim", id, "an insurance policy is required")
	}
	if policy.PatientID != "" && policy.PatientID != c.PatientID {
		return c, validation("claim", id, "policy %s does not belong to patient %s", policy.ID, c.PatientID)
	}
	if !policy.ActiveOn(c.ServiceDate) {
		return c, validation("claim", id, "policy %s is not active on %s", policy.ID, c.ServiceDate)
	}

	out := c.Clone()
	out.Status = ClaimSubmitted
	out.SubmittedAt = &now
	out.UpdatedAt = now
	return out, nil
}

// Accept records that the payer acknowledged the claim.
func Accept(c Claim, now time.Time) (Claim, error) {
	if err := requireTransition(c, ClaimAccepted, "accept"); err != nil {
		return c, err
	}
	out := c.Clone()
	out.Status = ClaimAccepted
	out.ReceivedAt = &now
	out.UpdatedAt = now
	return out, nil
}

// MarkRejected records a front-end payer rejection.
func MarkRejected(c Claim, code, message string, now time.Time) (Claim, error) {
	return markAdverse(c, ClaimRejected, "reject", code, message, now)
}

// MarkDenied records an adjudicated denial.
func MarkDenied(c Claim, code, message string, now time.Time) (Claim, error) {
	return markAdverse(c, ClaimDenied, "deny", code, message, now)
}

func markAdverse(c Claim, to ClaimStatus, op, code, message string, now time.Time) (Claim, error) {
	if err := requireTransition(c, to, op); err != nil {
		return c, err
	}
	if strings.TrimSpace(code) == "" && strings.TrimSpace(message) == "" {
		return c, validation("claim", c.ID.String(), "a reason code or message is required to %s", op)
	}
	out := c.Clone()
	out.Status = to
	out.DenialCode = strings.TrimSpace(code)
	out.DenialReason = strings.TrimSpace(message)
	out.ProcessedAt = &now
	out.UpdatedAt = now
	return out, nil
}

// Rebill produces a new Draft claim copied from a rejected or denied one.
// The source claim is not modified; the two are linked by OriginalClaimID.
func Rebill(c Claim, newID uuid.UUID, newNumber string, now time.Time) (Claim, error) {
	if c.Status != ClaimRejected && c.Status != ClaimDenied {
		return Claim{}, invalidState("claim", c.ID.String(), "cannot rebill a claim in status %s", c.Status)
	}
	if newNumber == "" {
		return Claim{}, validation("claim", c.ID.String(), "rebill needs a claim number")
	}
	src := c.ID
	out := c.Clone()
	out.ID = newID
	out.Number = newNumber
	out.Status = ClaimDraft
	out.OriginalClaimID = &src
	out.TotalAllowed = money.Zero
	out.TotalPaid = money.Zero
	out.TotalAdjustments = money.Zero
	out.PatientResponsibility = money.Zero
	out.DenialCode = ""
	out.DenialReason = ""
	out.AppealReason = ""
	out.AppealDocs = nil
	out.VoidReason = ""
	out.Remittances = nil
	out.SubmittedAt = nil
	out.ReceivedAt = nil
	out.ProcessedAt = nil
	out.PaidAt = nil
	out.AppealDate = nil
	out.CreatedAt = now
	out.UpdatedAt = now
	out.VersionID = 0
	out.Notes = []Note{{Author: "system", Text: "rebilled from " + c.Number, CreatedAt: now}}
	for i := range out.LineItems {
		li := &out.LineItems[i]
		li.ID = uuid.New()
		li.Allowed = money.Zero
		li.Paid = money.Zero
		li.Adjusted = money.Zero
		li.PatientAmount = money.Zero
		li.Status = LinePending
		li.DenialReason = ""
		li.Adjustments = nil
	}
	out.recalculate()
	return out, nil
}

// Appeal contests a rejection or denial.
func Appeal(c Claim, reason string, docs []string, now time.Time) (Claim, error) {
	if err := requireTransition(c, ClaimAppealed, "appeal"); err != nil {
		return c, err
	}
	if strings.TrimSpace(reason) == "" {
		return c, validation("claim", c.ID.String(), "appeal reason is required")
	}
	out := c.Clone()
	out.Status = ClaimAppealed
	out.AppealReason = strings.TrimSpace(reason)
	out.AppealDocs = append([]string(nil), docs...)
	out.AppealDate = &now
	out.UpdatedAt = now
	return out, nil
}

// Void cancels a claim permanently.
func Void(c Claim, reason, actor string, now time.Time) (Claim, error) {
	if c.Status.Terminal() {
		return c, invalidState("claim", c.ID.String(), "cannot void a claim in status %s", c.Status)
	}
	if strings.TrimSpace(reason) == "" {
		return c, validation("claim", c.ID.String(), "void reason is required")
	}
	out := c.Clone()
	out.Status = ClaimVoided
	out.VoidReason = strings.TrimSpace(reason)
	out.Notes = append(out.Notes, Note{Author: actor, Text: "voided: " + out.VoidReason, CreatedAt: now})
	out.UpdatedAt = now
	return out, nil
}

// AddNote is the only change allowed on a terminal claim.
func AddNote(c Claim, author, text string, now time.Time) (Claim, error) {
	if strings.TrimSpace(text) == "" {
		return c, validation("claim", c.ID.String(), "note text is required")
	}
	out := c.Clone()
	out.Notes = append(out.Notes, Note{Author: author, Text: strings.TrimSpace(text), CreatedAt: now})
	out.UpdatedAt = now
	return out, nil
}

// payable lists statuses in which money may be recorded against a claim.
var payable = map[ClaimStatus]bool{
	ClaimSubmitted: true, ClaimAccepted: true, ClaimPartialPaid: true, ClaimAppealed: true,
}

// RecordPayment folds paid and adjustment amounts into the claim totals and
// moves it to Paid or PartialPaid. Only the allocation engine calls this.
func RecordPayment(c Claim, paid, adjustment money.Money, now time.Time) (Claim, error) {
	if !payable[c.Status] {
		return c, invalidState("claim", c.ID.String(), "cannot record payment on a claim in status %s", c.Status)
	}
	out := c.Clone()
	if paid.IsPositive() && (out.Status == ClaimSubmitted || out.Status == ClaimAppealed) {
		// A payment implies the payer accepted the claim.
		out.Status = ClaimAccepted
		if out.ReceivedAt == nil {
			out.ReceivedAt = &now
		}
	}
	out.TotalPaid = out.TotalPaid.Add(paid)
	out.TotalAdjustments = out.TotalAdjustments.Add(adjustment)
	out.recalculate()
	if out.Balance.IsNegative() {
		return c, exceedsBalance("claim", c.ID.String(), "recording %s paid and %s adjusted would leave balance %s",
			paid, adjustment, out.Balance)
	}
	if out.TotalAdjustments.IsNegative() || out.TotalPaid.GreaterThan(out.TotalCharges) {
		return c, exceedsBalance("claim", c.ID.String(), "recording %s paid and %s adjusted would leave paid %s and adjustments %s against charges %s",
			paid, adjustment, out.TotalPaid, out.TotalAdjustments, out.TotalCharges)
	}

	switch {
	case out.Balance.IsZero():
		out.Status = ClaimPaid
		out.PaidAt = &now
	case out.HasPayment() && out.Balance.LessThan(out.TotalCharges):
		out.Status = ClaimPartialPaid
	}
	out.UpdatedAt = now
	return out, nil
}
