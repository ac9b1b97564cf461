package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// Claim is a bill for services rendered, submitted to a payer.
//
// Claims are values: every transition in this package takes a Claim and
// returns a new one, leaving the input untouched.
type Claim struct {
	ID          uuid.UUID    `json:"id"`
	Number      string       `json:"claim_number"`
	Type        ClaimType    `json:"type"`
	Status      ClaimStatus  `json:"status"`
	PatientID   string       `json:"patient_id"`
	PayerID     string       `json:"payer_id,omitempty"`
	ProviderID  string       `json:"provider_id,omitempty"`
	PolicyID    string       `json:"policy_id,omitempty"`
	ServiceDate caldate.Date `json:"service_date"`

	// Diagnoses are ordered; the first is the principal diagnosis.
	Diagnoses []string        `json:"diagnoses"`
	LineItems []ClaimLineItem `json:"line_items"`

	TotalCharges          money.Money `json:"total_charges"`
	TotalAllowed          money.Money `json:"total_allowed"`
	TotalPaid             money.Money `json:"total_paid"`
	TotalAdjustments      money.Money `json:"total_adjustments"`
	PatientResponsibility money.Money `json:"patient_responsibility"`
	Balance               money.Money `json:"balance"`

	OriginalClaimID *uuid.UUID `json:"original_claim_id,omitempty"`
	DenialCode      string     `json:"denial_code,omitempty"`
	DenialReason    string     `json:"denial_reason,omitempty"`
	AppealReason    string     `json:"appeal_reason,omitempty"`
	AppealDocs      []string   `json:"appeal_docs,omitempty"`
	VoidReason      string     `json:"void_reason,omitempty"`

	Notes       []Note              `json:"notes,omitempty"`
	Remittances []RemittancePosting `json:"remittances,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	AppealDate  *time.Time `json:"appeal_date,omitempty"`

	VersionID int `json:"version_id"`
}

// ClaimLineItem is one billed service line within a claim.
type ClaimLineItem struct {
	ID                uuid.UUID        `json:"id"`
	LineNumber        int              `json:"line_number"`
	ProcedureCode     string           `json:"procedure_code"`
	Modifiers         []string         `json:"modifiers,omitempty"`
	DiagnosisPointers []int            `json:"diagnosis_pointers"`
	Units             int64            `json:"units"`
	UnitCharge        money.Money      `json:"unit_charge"`
	TotalCharge       money.Money      `json:"total_charge"`
	Allowed           money.Money      `json:"allowed"`
	Paid              money.Money      `json:"paid"`
	Adjusted          money.Money      `json:"adjusted"`
	PatientAmount     money.Money      `json:"patient_amount"`
	Status            LineStatus       `json:"status"`
	DenialReason      string           `json:"denial_reason,omitempty"`
	Adjustments       []LineAdjustment `json:"adjustments,omitempty"`
}

// Balance is what remains unpaid on the line.
func (li ClaimLineItem) Balance() money.Money {
	return li.TotalCharge.Sub(li.Paid).Sub(li.Adjusted)
}

// LineAdjustment is a CAS-style group/reason/amount triple on a line.
type LineAdjustment struct {
	GroupCode  string      `json:"group_code"`
	ReasonCode string      `json:"reason_code"`
	Amount     money.Money `json:"amount"`
}

type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RemittancePosting records that a remittance line was posted to the claim,
// so a resumed import can recognize it. Line is the 1-based position in the
// batch; two lines with equal amounts for one claim are separate postings.
type RemittancePosting struct {
	Reference string      `json:"reference"`
	Line      int         `json:"line"`
	Paid      money.Money `json:"paid"`
	PaymentID uuid.UUID   `json:"payment_id"`
	PostedAt  time.Time   `json:"posted_at"`
}

// Payment is a single receipt of money from a patient or a payer.
type Payment struct {
	ID              uuid.UUID            `json:"id"`
	Number          string               `json:"payment_number"`
	Source          PaymentSource        `json:"source"`
	Method          PaymentMethod        `json:"method"`
	Amount          money.Money          `json:"amount"`
	UnappliedAmount money.Money          `json:"unapplied_amount"`
	Status          PaymentStatus        `json:"status"`
	Applications    []PaymentApplication `json:"applications"`
	Reference       string               `json:"reference,omitempty"`
	PatientID       string               `json:"patient_id,omitempty"`
	PayerID         string               `json:"payer_id,omitempty"`
	ReceivedDate    caldate.Date         `json:"received_date"`
	Memo            string               `json:"memo,omitempty"`
	VoidReason      string               `json:"void_reason,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	PostedAt        *time.Time           `json:"posted_at,omitempty"`
	VoidedAt        *time.Time           `json:"voided_at,omitempty"`
	VersionID       int                  `json:"version_id"`
}

// AppliedTotal sums all applications.
func (p Payment) AppliedTotal() money.Money {
	total := money.Zero
	for _, a := range p.Applications {
		total = total.Add(a.Amount)
	}
	return total
}

// PaymentApplication allocates part of a payment to one claim (optionally one line).
type PaymentApplication struct {
	ID         uuid.UUID   `json:"id"`
	PaymentID  uuid.UUID   `json:"payment_id"`
	ClaimID    uuid.UUID   `json:"claim_id"`
	LineItemID *uuid.UUID  `json:"line_item_id,omitempty"`
	Amount     money.Money `json:"amount"`
	AppliedAt  time.Time   `json:"applied_at"`
	AppliedBy  string      `json:"applied_by"`
}

// Adjustment is a write-off, contractual discount or correction on a claim.
// Adjustments are append-only; a reversal is a new adjustment with a negative amount.
type Adjustment struct {
	ID         uuid.UUID        `json:"id"`
	ClaimID    uuid.UUID        `json:"claim_id"`
	LineItemID *uuid.UUID       `json:"line_item_id,omitempty"`
	Reason     AdjustmentReason `json:"reason"`
	GroupCode  string           `json:"group_code,omitempty"`
	ReasonCode string           `json:"reason_code,omitempty"`
	Amount     money.Money      `json:"amount"`
	Note       string           `json:"note,omitempty"`
	CreatedBy  string           `json:"created_by"`
	ApprovedBy *string          `json:"approved_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ApprovedAt *time.Time       `json:"approved_at,omitempty"`
	// Posted is set once the amount has been counted in the claim's totals.
	Posted bool `json:"posted"`
}

// InsurancePolicy is a patient's coverage record. The core only reads it.
type InsurancePolicy struct {
	ID                 string       `json:"id"`
	PatientID          string       `json:"patient_id"`
	PayerID            string       `json:"payer_id"`
	PolicyNumber       string       `json:"policy_number"`
	GroupNumber        string       `json:"group_number,omitempty"`
	Status             string       `json:"status"`
	EffectiveFrom      caldate.Date `json:"effective_from"`
	EffectiveTo        caldate.Date `json:"effective_to"`
	VerificationStatus string       `json:"verification_status,omitempty"`
}

// ActiveOn reports whether the policy covers the given date.
// An unset EffectiveTo means open-ended coverage.
func (p InsurancePolicy) ActiveOn(d caldate.Date) bool {
	if p.Status != "active" {
		return false
	}
	if !p.EffectiveFrom.IsZero() && d.Before(p.EffectiveFrom) {
		return false
	}
	if !p.EffectiveTo.IsZero() && d.After(p.EffectiveTo) {
		return false
	}
	return true
}

// PatientStatement is an aggregated bill sent to a patient.
type PatientStatement struct {
	ID            uuid.UUID    `json:"id"`
	PatientID     string       `json:"patient_id"`
	StatementDate caldate.Date `json:"statement_date"`
	ClaimIDs      []uuid.UUID  `json:"claim_ids"`
	Buckets       AgingBuckets `json:"buckets"`
	Balance       money.Money  `json:"balance"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Clone returns a deep copy whose slices can be mutated independently.
func (c Claim) Clone() Claim {
	out := c
	out.Diagnoses = append([]string(nil), c.Diagnoses...)
	out.AppealDocs = append([]string(nil), c.AppealDocs...)
	out.Notes = append([]Note(nil), c.Notes...)
	out.Remittances = append([]RemittancePosting(nil), c.Remittances...)
	out.LineItems = make([]ClaimLineItem, len(c.LineItems))
	for i, li := range c.LineItems {
		out.LineItems[i] = li.clone()
	}
	out.OriginalClaimID = cloneUUID(c.OriginalClaimID)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.ReceivedAt = cloneTime(c.ReceivedAt)
	out.ProcessedAt = cloneTime(c.ProcessedAt)
	out.PaidAt = cloneTime(c.PaidAt)
	out.AppealDate = cloneTime(c.AppealDate)
	return out
}

func (li ClaimLineItem) clone() ClaimLineItem {
	out := li
	out.Modifiers = append([]string(nil), li.Modifiers...)
	out.DiagnosisPointers = append([]int(nil), li.DiagnosisPointers...)
	out.Adjustments = append([]LineAdjustment(nil), li.Adjustments...)
	return out
}

// Clone returns a deep copy of the payment.
func (p Payment) Clone() Payment {
	out := p
	out.Applications = make([]PaymentApplication, len(p.Applications))
	for i, a := range p.Applications {
		a.LineItemID = cloneUUID(a.LineItemID)
		out.Applications[i] = a
	}
	out.PostedAt = cloneTime(p.PostedAt)
	out.VoidedAt = cloneTime(p.VoidedAt)
	return out
}

// LineByID returns the index of the line item, or -1.
func (c Claim) LineByID(id uuid.UUID) int {
	for i, li := range c.LineItems {
		if li.ID == id {
			return i
		}
	}
	return -1
}

// HasPayment reports whether any money has been recorded against the claim.
func (c Claim) HasPayment() bool {
	return c.TotalPaid.IsPositive()
}

// recalculate derives charges and balance from line items and running totals.
func (c *Claim) recalculate() {
	charges := money.Zero
	for i := range c.LineItems {
		li := &c.LineItems[i]
		li.TotalCharge = li.UnitCharge.Mul(li.Units)
		charges = charges.Add(li.TotalCharge)
	}
	c.TotalCharges = charges
	c.Balance = c.TotalCharges.Sub(c.TotalPaid).Sub(c.TotalAdjustments)
}

// CheckInvariants verifies the claim's numeric identities.
func (c Claim) CheckInvariants() error {
	charges := money.Zero
	for _, li := range c.LineItems {
		if !li.TotalCharge.Equal(li.UnitCharge.Mul(li.Units)) {
			return validation("claim", c.ID.String(), "line %d: total charge %s != %d x %s",
				li.LineNumber, li.TotalCharge, li.Units, li.UnitCharge)
		}
		charges = charges.Add(li.TotalCharge)
	}
	if !charges.Equal(c.TotalCharges) {
		return validation("claim", c.ID.String(), "total charges %s != sum of lines %s", c.TotalCharges, charges)
	}
	want := c.TotalCharges.Sub(c.TotalPaid).Sub(c.TotalAdjustments)
	if !want.Equal(c.Balance) {
		return validation("claim", c.ID.String(), "balance %s != charges - paid - adjustments (%s)", c.Balance, want)
	}
	return nil
}

// CheckInvariants verifies amount = unapplied + applied.
func (p Payment) CheckInvariants() error {
	want := p.UnappliedAmount.Add(p.AppliedTotal())
	if !want.Equal(p.Amount) {
		return validation("payment", p.ID.String(), "amount %s != unapplied %s + applied %s",
			p.Amount, p.UnappliedAmount, p.AppliedTotal())
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
