package billing

import (
	"sort"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// Bucket accumulates the claims that fall into one age range.
type Bucket struct {
	Count  int         `json:"count"`
	Amount money.Money `json:"amount"`
}

func (b *Bucket) add(amount money.Money) {
	b.Count++
	b.Amount = b.Amount.Add(amount)
}

// AgingBuckets is the standard receivables split by days outstanding.
type AgingBuckets struct {
	Current     Bucket `json:"current"`
	Days31to60  Bucket `json:"days_31_60"`
	Days61to90  Bucket `json:"days_61_90"`
	Days91to120 Bucket `json:"days_91_120"`
	Over120     Bucket `json:"over_120"`
	Total       Bucket `json:"total"`
}

// bucketFor picks the bucket for a day count. Each upper bound is inclusive,
// so day 30 is current and day 31 starts the next bucket.
func (a *AgingBuckets) bucketFor(days int) *Bucket {
	switch {
	case days <= 30:
		return &a.Current
	case days <= 60:
		return &a.Days31to60
	case days <= 90:
		return &a.Days61to90
	case days <= 120:
		return &a.Days91to120
	default:
		return &a.Over120
	}
}

// Add places one outstanding balance into its bucket and the total.
func (a *AgingBuckets) Add(days int, amount money.Money) {
	a.bucketFor(days).add(amount)
	a.Total.add(amount)
}

// AgingReport is the result of aging a set of claims on a given date.
type AgingReport struct {
	AsOf    caldate.Date `json:"as_of"`
	PayerID string       `json:"payer_id,omitempty"`
	AgingBuckets
}

// DaysOutstanding is the whole days from service date to asOf, never negative.
func DaysOutstanding(serviceDate, asOf caldate.Date) int {
	days := asOf.DaysSince(serviceDate)
	if days < 0 {
		return 0
	}
	return days
}

// AgeClaims buckets every claim with a positive balance by days since service.
func AgeClaims(claims []Claim, asOf caldate.Date) AgingReport {
	r := AgingReport{AsOf: asOf}
	for _, c := range claims {
		if !c.Balance.IsPositive() {
			continue
		}
		r.Add(DaysOutstanding(c.ServiceDate, asOf), c.Balance)
	}
	return r
}

// AgeClaimsByPayer returns one report per payer, sorted by payer ID.
// Claims without a payer are grouped under the empty ID.
func AgeClaimsByPayer(claims []Claim, asOf caldate.Date) []AgingReport {
	byPayer := make(map[string][]Claim)
	for _, c := range claims {
		byPayer[c.PayerID] = append(byPayer[c.PayerID], c)
	}
	payers := make([]string, 0, len(byPayer))
	for p := range byPayer {
		payers = append(payers, p)
	}
	sort.Strings(payers)

	reports := make([]AgingReport, 0, len(payers))
	for _, p := range payers {
		r := AgeClaims(byPayer[p], asOf)
		r.PayerID = p
		reports = append(reports, r)
	}
	return reports
}
