package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// PaymentInput carries what a caller supplies to record a receipt.
type PaymentInput struct {
	Source       PaymentSource `json:"source"`
	Method       PaymentMethod `json:"method"`
	Amount       money.Money   `json:"amount"`
	Reference    string        `json:"reference"`
	PatientID    string        `json:"patient_id"`
	PayerID      string        `json:"payer_id"`
	ReceivedDate caldate.Date  `json:"received_date"`
	Memo         string        `json:"memo"`
}

// NewPayment creates a Pending payment with the whole amount unapplied.
func NewPayment(id uuid.UUID, number string, in PaymentInput, now time.Time) (Payment, error) {
	if !in.Amount.IsPositive() {
		return Payment{}, validation("payment", "", "amount must be positive")
	}
	if !validPaymentSources[in.Source] {
		return Payment{}, validation("payment", "", "invalid payment source %q", in.Source)
	}
	if !validPaymentMethods[in.Method] {
		return Payment{}, validation("payment", "", "invalid payment method %q", in.Method)
	}
	if (in.Method == MethodCheck || in.Method == MethodEFT) && strings.TrimSpace(in.Reference) == "" {
		return Payment{}, validation("payment", "", "%s payments need a reference number", in.Method)
	}
	if in.ReceivedDate.IsZero() {
		in.ReceivedDate = caldate.Of(now)
	}
	return Payment{
		ID:              id,
		Number:          number,
		Source:          in.Source,
		Method:          in.Method,
		Amount:          in.Amount,
		UnappliedAmount: in.Amount,
		Status:          PaymentPending,
		Applications:    []PaymentApplication{},
		Reference:       strings.TrimSpace(in.Reference),
		PatientID:       in.PatientID,
		PayerID:         in.PayerID,
		ReceivedDate:    in.ReceivedDate,
		Memo:            in.Memo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Post moves a Pending payment to Posted so it can be applied.
func Post(p Payment, now time.Time) (Payment, error) {
	if p.Status != PaymentPending {
		return p, invalidState("payment", p.ID.String(), "cannot post a payment in status %s", p.Status)
	}
	out := p.Clone()
	out.Status = PaymentPosted
	out.PostedAt = &now
	out.UpdatedAt = now
	return out, nil
}

func (p *Payment) recomputeStatus() {
	if p.Status.Terminal() || p.Status == PaymentPending {
		return
	}
	if p.UnappliedAmount.IsZero() {
		p.Status = PaymentApplied
	} else {
		p.Status = PaymentPosted
	}
}

// Allocation asks for amount of a payment to go to a claim, optionally to one line.
type Allocation struct {
	ClaimID    uuid.UUID   `json:"claim_id"`
	LineItemID *uuid.UUID  `json:"line_item_id,omitempty"`
	Amount     money.Money `json:"amount"`
}

// AllocationResult holds the updated payment and every claim passed to Apply,
// in the order given.
type AllocationResult struct {
	Payment Payment `json:"payment"`
	Claims  []Claim `json:"claims"`
}

// Apply distributes part of a payment across claims. Allocations are applied
// in caller order and each one sees the balances left by the previous ones.
// On error neither the payment nor any claim is changed.
func Apply(p Payment, claims []Claim, allocs []Allocation, actor string, now time.Time) (AllocationResult, error) {
	pid := p.ID.String()
	if p.Status != PaymentPosted && p.Status != PaymentApplied {
		return AllocationResult{}, invalidState("payment", pid, "cannot apply a payment in status %s", p.Status)
	}
	if len(allocs) == 0 {
		return AllocationResult{}, validation("payment", pid, "no allocations given")
	}
	total := money.Zero
	for i, a := range allocs {
		if !a.Amount.IsPositive() {
			return AllocationResult{}, validation("payment", pid, "allocation %d: amount must be positive", i+1)
		}
		total = total.Add(a.Amount)
	}
	if total.GreaterThan(p.UnappliedAmount) {
		return AllocationResult{}, overallocation(pid, "allocations total %s but only %s is unapplied", total, p.UnappliedAmount)
	}

	work := make([]Claim, len(claims))
	index := make(map[uuid.UUID]int, len(claims))
	for i, c := range claims {
		work[i] = c.Clone()
		index[c.ID] = i
	}
	out := p.Clone()

	for _, a := range allocs {
		ci, ok := index[a.ClaimID]
		if !ok {
			return AllocationResult{}, NotFound("claim", a.ClaimID.String())
		}
		c := work[ci]
		line := -1
		if a.LineItemID != nil {
			if line = c.LineByID(*a.LineItemID); line < 0 {
				return AllocationResult{}, NotFound("line item", a.LineItemID.String())
			}
			if lb := c.LineItems[line].Balance(); a.Amount.GreaterThan(lb) {
				return AllocationResult{}, exceedsBalance("claim", c.ID.String(), "%s exceeds line %d balance %s",
					a.Amount, c.LineItems[line].LineNumber, lb)
			}
		}
		if a.Amount.GreaterThan(c.Balance) {
			return AllocationResult{}, exceedsBalance("claim", c.ID.String(), "%s exceeds claim balance %s", a.Amount, c.Balance)
		}
		if paid := c.TotalPaid.Add(a.Amount); paid.GreaterThan(c.TotalCharges) {
			return AllocationResult{}, exceedsBalance("claim", c.ID.String(), "%s would bring paid to %s over charges %s",
				a.Amount, paid, c.TotalCharges)
		}

		updated, err := RecordPayment(c, a.Amount, money.Zero, now)
		if err != nil {
			return AllocationResult{}, err
		}
		if line >= 0 {
			li := &updated.LineItems[line]
			li.Paid = li.Paid.Add(a.Amount)
			settleLine(li)
		}
		work[ci] = updated

		out.Applications = append(out.Applications, PaymentApplication{
			ID:         uuid.New(),
			PaymentID:  out.ID,
			ClaimID:    c.ID,
			LineItemID: cloneUUID(a.LineItemID),
			Amount:     a.Amount,
			AppliedAt:  now,
			AppliedBy:  actor,
		})
		out.UnappliedAmount = out.UnappliedAmount.Sub(a.Amount)
	}

	out.recomputeStatus()
	out.UpdatedAt = now
	return AllocationResult{Payment: out, Claims: work}, nil
}

func settleLine(li *ClaimLineItem) {
	if li.Balance().IsPositive() {
		return
	}
	if li.Paid.IsPositive() {
		li.Status = LinePaid
	} else {
		li.Status = LineAdjusted
	}
}

// AutoAllocate fills claim balances greedily in the order given until the
// amount runs out. The order is never changed; any remainder is left for the
// caller to keep unapplied.
func AutoAllocate(amount money.Money, claims []Claim) []Allocation {
	var allocs []Allocation
	remaining := amount
	for _, c := range claims {
		if !remaining.IsPositive() {
			break
		}
		if !c.Balance.IsPositive() {
			continue
		}
		take := money.Min(remaining, c.Balance)
		allocs = append(allocs, Allocation{ClaimID: c.ID, Amount: take})
		remaining = remaining.Sub(take)
	}
	return allocs
}

// VoidPayment cancels a payment that was recorded in error. A payment that
// has been applied to claims cannot be voided, since the claims would keep
// reflecting money that no longer exists.
func VoidPayment(p Payment, reason string, now time.Time) (Payment, error) {
	return closePayment(p, PaymentVoided, "void", reason, now)
}

// RefundPayment returns an unapplied payment to its payer.
func RefundPayment(p Payment, reason string, now time.Time) (Payment, error) {
	return closePayment(p, PaymentRefunded, "refund", reason, now)
}

func closePayment(p Payment, to PaymentStatus, op, reason string, now time.Time) (Payment, error) {
	pid := p.ID.String()
	if p.Status.Terminal() {
		return p, invalidState("payment", pid, "cannot %s a payment in status %s", op, p.Status)
	}
	if applied := p.AppliedTotal(); !applied.IsZero() {
		return p, invalidState("payment", pid, "cannot %s: %s already applied to %d claim(s)", op, applied, len(p.Applications))
	}
	if strings.TrimSpace(reason) == "" {
		return p, validation("payment", pid, "%s reason is required", op)
	}
	out := p.Clone()
	out.Status = to
	out.VoidReason = strings.TrimSpace(reason)
	out.VoidedAt = &now
	out.UpdatedAt = now
	return out, nil
}

// AdjustmentInput describes a requested balance adjustment.
type AdjustmentInput struct {
	ClaimID    uuid.UUID        `json:"claim_id"`
	LineItemID *uuid.UUID       `json:"line_item_id,omitempty"`
	Reason     AdjustmentReason `json:"reason"`
	GroupCode  string           `json:"group_code"`
	ReasonCode string           `json:"reason_code"`
	Amount     money.Money      `json:"amount"`
	Note       string           `json:"note"`
}

// NewAdjustment builds an unposted adjustment.
func NewAdjustment(id uuid.UUID, in AdjustmentInput, actor string, now time.Time) (Adjustment, error) {
	if _, err := ParseAdjustmentReason(string(in.Reason)); err != nil {
		return Adjustment{}, validation("adjustment", "", "%v", err)
	}
	if in.Amount.IsZero() {
		return Adjustment{}, validation("adjustment", "", "amount must not be zero")
	}
	if in.Amount.IsNegative() && !in.Reason.AllowsNegative() {
		return Adjustment{}, validation("adjustment", "", "%s adjustments cannot be negative", in.Reason)
	}
	group := in.GroupCode
	if group == "" {
		switch in.Reason {
		case ReasonContractual:
			group = GroupContractual
		default:
			group = GroupOtherAdj
		}
	}
	return Adjustment{
		ID:         id,
		ClaimID:    in.ClaimID,
		LineItemID: cloneUUID(in.LineItemID),
		Reason:     in.Reason,
		GroupCode:  group,
		ReasonCode: in.ReasonCode,
		Amount:     in.Amount,
		Note:       in.Note,
		CreatedBy:  actor,
		CreatedAt:  now,
	}, nil
}

// Approve signs off an adjustment that needs approval.
func Approve(adj Adjustment, approver string, now time.Time) (Adjustment, error) {
	aid := adj.ID.String()
	if !adj.Reason.NeedsApproval() {
		return adj, validation("adjustment", aid, "%s adjustments do not need approval", adj.Reason)
	}
	if adj.ApprovedBy != nil {
		return adj, invalidState("adjustment", aid, "already approved by %s", *adj.ApprovedBy)
	}
	if strings.TrimSpace(approver) == "" {
		return adj, validation("adjustment", aid, "approver is required")
	}
	out := adj
	out.LineItemID = cloneUUID(adj.LineItemID)
	out.ApprovedBy = &approver
	out.ApprovedAt = &now
	return out, nil
}

// ApplyAdjustment counts an adjustment against the claim's balance and marks
// it posted. A positive amount may not exceed the remaining balance.
func ApplyAdjustment(c Claim, adj Adjustment, now time.Time) (Claim, Adjustment, error) {
	aid := adj.ID.String()
	if adj.Posted {
		return c, adj, invalidState("adjustment", aid, "already posted")
	}
	if adj.ClaimID != c.ID {
		return c, adj, validation("adjustment", aid, "belongs to claim %s, not %s", adj.ClaimID, c.ID)
	}
	if adj.Reason.NeedsApproval() && adj.ApprovedBy == nil {
		return c, adj, invalidState("adjustment", aid, "%s adjustments must be approved before posting", adj.Reason)
	}

	line := -1
	if adj.LineItemID != nil {
		if line = c.LineByID(*adj.LineItemID); line < 0 {
			return c, adj, NotFound("line item", adj.LineItemID.String())
		}
		if back := adj.Amount.Neg(); back.GreaterThan(c.LineItems[line].Adjusted) {
			return c, adj, exceedsBalance("claim", c.ID.String(), "reversal %s exceeds line %d adjustments %s",
				back, c.LineItems[line].LineNumber, c.LineItems[line].Adjusted)
		}
		if lb := c.LineItems[line].Balance(); adj.Amount.GreaterThan(lb) {
			return c, adj, exceedsBalance("claim", c.ID.String(), "adjustment %s exceeds line %d balance %s",
				adj.Amount, c.LineItems[line].LineNumber, lb)
		}
	}
	if adj.Amount.GreaterThan(c.Balance) {
		return c, adj, exceedsBalance("claim", c.ID.String(), "adjustment %s exceeds claim balance %s", adj.Amount, c.Balance)
	}
	// A counter-adjustment can only undo adjustments already posted.
	if back := adj.Amount.Neg(); back.GreaterThan(c.TotalAdjustments) {
		return c, adj, exceedsBalance("claim", c.ID.String(), "reversal %s exceeds posted adjustments %s", back, c.TotalAdjustments)
	}

	updated, err := RecordPayment(c, money.Zero, adj.Amount, now)
	if err != nil {
		return c, adj, err
	}
	if line >= 0 {
		li := &updated.LineItems[line]
		li.Adjusted = li.Adjusted.Add(adj.Amount)
		li.Adjustments = append(li.Adjustments, LineAdjustment{
			GroupCode:  adj.GroupCode,
			ReasonCode: adj.ReasonCode,
			Amount:     adj.Amount,
		})
		settleLine(li)
	}

	posted := adj
	posted.LineItemID = cloneUUID(adj.LineItemID)
	posted.Posted = true
	return updated, posted, nil
}
