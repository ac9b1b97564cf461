package billing

import "fmt"

// ClaimStatus is the closed set of claim lifecycle states.
type ClaimStatus string

const (
	ClaimDraft       ClaimStatus = "draft"
	ClaimSubmitted   ClaimStatus = "submitted"
	ClaimAccepted    ClaimStatus = "accepted"
	ClaimRejected    ClaimStatus = "rejected"
	ClaimPartialPaid ClaimStatus = "partial_paid"
	ClaimPaid        ClaimStatus = "paid"
	ClaimDenied      ClaimStatus = "denied"
	ClaimAppealed    ClaimStatus = "appealed"
	ClaimVoided      ClaimStatus = "voided"
)

var claimStatusLabels = map[ClaimStatus]string{
	ClaimDraft:       "Draft",
	ClaimSubmitted:   "Submitted",
	ClaimAccepted:    "Accepted",
	ClaimRejected:    "Rejected",
	ClaimPartialPaid: "Partially Paid",
	ClaimPaid:        "Paid",
	ClaimDenied:      "Denied",
	ClaimAppealed:    "Under Appeal",
	ClaimVoided:      "Voided",
}

// AllClaimStatuses lists every state in lifecycle order.
var AllClaimStatuses = []ClaimStatus{
	ClaimDraft, ClaimSubmitted, ClaimAccepted, ClaimRejected, ClaimPartialPaid,
	ClaimPaid, ClaimDenied, ClaimAppealed, ClaimVoided,
}

// Label is the human-readable name. Never compare labels in business logic.
func (s ClaimStatus) Label() string {
	if l, ok := claimStatusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Terminal reports whether the claim can no longer change (notes aside).
func (s ClaimStatus) Terminal() bool {
	return s == ClaimPaid || s == ClaimVoided
}

// ParseClaimStatus validates a wire value.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	st := ClaimStatus(s)
	if _, ok := claimStatusLabels[st]; !ok {
		return "", fmt.Errorf("unknown claim status %q", s)
	}
	return st, nil
}

type ClaimType string

const (
	ClaimProfessional  ClaimType = "professional"
	ClaimInstitutional ClaimType = "institutional"
	ClaimDental        ClaimType = "dental"
)

var validClaimTypes = map[ClaimType]bool{
	ClaimProfessional: true, ClaimInstitutional: true, ClaimDental: true,
}

// LineStatus is the adjudication state of a single service line.
type LineStatus string

const (
	LinePending  LineStatus = "pending"
	LinePaid     LineStatus = "paid"
	LineDenied   LineStatus = "denied"
	LineAdjusted LineStatus = "adjusted"
)

type PaymentSource string

const (
	SourcePatient   PaymentSource = "patient"
	SourceInsurance PaymentSource = "insurance"
	SourceOther     PaymentSource = "other"
)

var validPaymentSources = map[PaymentSource]bool{
	SourcePatient: true, SourceInsurance: true, SourceOther: true,
}

type PaymentMethod string

const (
	MethodCash  PaymentMethod = "cash"
	MethodCheck PaymentMethod = "check"
	MethodCard  PaymentMethod = "card"
	MethodEFT   PaymentMethod = "eft"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCheck: true, MethodCard: true, MethodEFT: true,
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPosted   PaymentStatus = "posted"
	PaymentApplied  PaymentStatus = "applied"
	PaymentVoided   PaymentStatus = "voided"
	PaymentRefunded PaymentStatus = "refunded"
)

var paymentStatusLabels = map[PaymentStatus]string{
	PaymentPending:  "Pending",
	PaymentPosted:   "Posted",
	PaymentApplied:  "Applied",
	PaymentVoided:   "Voided",
	PaymentRefunded: "Refunded",
}

func (s PaymentStatus) Label() string {
	if l, ok := paymentStatusLabels[s]; ok {
		return l
	}
	return string(s)
}

func (s PaymentStatus) Terminal() bool {
	return s == PaymentVoided || s == PaymentRefunded
}

// AdjustmentReason classifies why a balance was reduced (or restored).
type AdjustmentReason string

const (
	ReasonContractual AdjustmentReason = "contractual"
	ReasonWriteOff    AdjustmentReason = "write_off"
	ReasonCorrection  AdjustmentReason = "correction"
	ReasonSmallBal    AdjustmentReason = "small_balance"
	ReasonReversal    AdjustmentReason = "reversal"
)

var adjustmentReasonLabels = map[AdjustmentReason]string{
	ReasonContractual: "Contractual Adjustment",
	ReasonWriteOff:    "Write-off",
	ReasonCorrection:  "Correction",
	ReasonSmallBal:    "Small Balance Write-off",
	ReasonReversal:    "Reversal",
}

func (r AdjustmentReason) Label() string {
	if l, ok := adjustmentReasonLabels[r]; ok {
		return l
	}
	return string(r)
}

// NeedsApproval reports whether the adjustment only counts once approved.
func (r AdjustmentReason) NeedsApproval() bool {
	return r == ReasonWriteOff || r == ReasonSmallBal
}

// AllowsNegative reports whether the reason may carry a negative amount
// (a counter-adjustment that restores balance).
func (r AdjustmentReason) AllowsNegative() bool {
	return r == ReasonCorrection || r == ReasonReversal
}

func ParseAdjustmentReason(s string) (AdjustmentReason, error) {
	r := AdjustmentReason(s)
	if _, ok := adjustmentReasonLabels[r]; !ok {
		return "", fmt.Errorf("unknown adjustment reason %q", s)
	}
	return r, nil
}

// Standard CAS group codes used on line-level adjustments.
const (
	GroupContractual  = "CO"
	GroupPatientResp  = "PR"
	GroupOtherAdj     = "OA"
	GroupPayerInitRed = "PI"
)
