package billing

import (
	"github.com/ehr/revcycle/pkg/money"
)

// Statistics summarizes claims and payments for the dashboard.
type Statistics struct {
	ClaimCount       int                 `json:"claim_count"`
	ByStatus         map[ClaimStatus]int `json:"by_status"`
	TotalCharges     money.Money         `json:"total_charges"`
	TotalPaid        money.Money         `json:"total_paid"`
	TotalAdjustments money.Money         `json:"total_adjustments"`
	Outstanding      money.Money         `json:"outstanding"`
	UnappliedCash    money.Money         `json:"unapplied_cash"`
	OpenPayments     int                 `json:"open_payments"`
	CollectionRate   float64             `json:"collection_rate"`
	DenialRate       float64             `json:"denial_rate"`
	AvgDaysToPay     float64             `json:"avg_days_to_pay"`
}

// ComputeStatistics aggregates the given claims and payments. Draft and voided
// claims are counted by status but excluded from the money totals, and voided
// or refunded payments contribute no unapplied cash.
func ComputeStatistics(claims []Claim, payments []Payment) Statistics {
	s := Statistics{ByStatus: make(map[ClaimStatus]int, len(AllClaimStatuses))}
	for _, st := range AllClaimStatuses {
		s.ByStatus[st] = 0
	}

	var submitted, denied, paidCount int
	var paidDays float64
	for _, c := range claims {
		s.ClaimCount++
		s.ByStatus[c.Status]++
		if c.SubmittedAt != nil {
			submitted++
			if c.Status == ClaimDenied || c.Status == ClaimRejected {
				denied++
			}
		}
		if c.Status == ClaimDraft || c.Status == ClaimVoided {
			continue
		}
		s.TotalCharges = s.TotalCharges.Add(c.TotalCharges)
		s.TotalPaid = s.TotalPaid.Add(c.TotalPaid)
		s.TotalAdjustments = s.TotalAdjustments.Add(c.TotalAdjustments)
		s.Outstanding = s.Outstanding.Add(c.Balance)
		if c.Status == ClaimPaid && c.SubmittedAt != nil && c.PaidAt != nil {
			paidCount++
			paidDays += c.PaidAt.Sub(*c.SubmittedAt).Hours() / 24
		}
	}

	for _, p := range payments {
		if p.Status.Terminal() {
			continue
		}
		s.OpenPayments++
		s.UnappliedCash = s.UnappliedCash.Add(p.UnappliedAmount)
	}

	s.CollectionRate = s.TotalPaid.Ratio(s.TotalCharges.Sub(s.TotalAdjustments))
	if submitted > 0 {
		s.DenialRate = float64(denied) / float64(submitted)
	}
	if paidCount > 0 {
		s.AvgDaysToPay = paidDays / float64(paidCount)
	}
	return s
}
