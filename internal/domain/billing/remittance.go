package billing

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// RemittanceBatch is a parsed payer remittance (ERA/835) for one check or EFT.
type RemittanceBatch struct {
	PayerName   string           `json:"payer_name" yaml:"payer_name"`
	PayerID     string           `json:"payer_id" yaml:"payer_id"`
	Reference   string           `json:"reference" yaml:"reference"`
	Method      PaymentMethod    `json:"method" yaml:"method"`
	PaymentDate caldate.Date     `json:"payment_date" yaml:"payment_date"`
	TotalAmount money.Money      `json:"total_amount" yaml:"total_amount"`
	Lines       []RemittanceLine `json:"lines" yaml:"lines"`
}

// RemittanceLine is the payer's adjudication of one claim.
type RemittanceLine struct {
	ClaimNumber string       `json:"claim_number" yaml:"claim_number"`
	PatientName string       `json:"patient_name" yaml:"patient_name"`
	ServiceDate caldate.Date `json:"service_date" yaml:"service_date"`
	Billed      money.Money  `json:"billed" yaml:"billed"`
	Allowed     money.Money  `json:"allowed" yaml:"allowed"`
	Paid        money.Money  `json:"paid" yaml:"paid"`
	ReasonCode  string       `json:"reason_code,omitempty" yaml:"reason_code"`
}

// Validate checks the batch header. Line problems are reported per line.
func (b RemittanceBatch) Validate() error {
	if strings.TrimSpace(b.Reference) == "" {
		return validation("remittance", "", "check/EFT reference is required")
	}
	if b.Method != "" && b.Method != MethodEFT && b.Method != MethodCheck {
		return validation("remittance", b.Reference, "method must be eft or check, got %q", b.Method)
	}
	if len(b.Lines) == 0 {
		return validation("remittance", b.Reference, "batch has no lines")
	}
	return nil
}

// PaidTotal sums the paid amounts on every line.
func (b RemittanceBatch) PaidTotal() money.Money {
	total := money.Zero
	for _, l := range b.Lines {
		total = total.Add(l.Paid)
	}
	return total
}

type OutcomeStatus string

const (
	OutcomePosted        OutcomeStatus = "posted"
	OutcomeAlreadyPosted OutcomeStatus = "already_posted"
	OutcomeNeedsReview   OutcomeStatus = "needs_review"
	OutcomeUnmatched     OutcomeStatus = "unmatched"
	OutcomeFailed        OutcomeStatus = "failed"
)

// MatchKey records which key located the claim.
type MatchKey string

const (
	MatchByClaimNumber MatchKey = "claim_number"
	MatchByPatientDate MatchKey = "patient_service_date"
)

// LineOutcome is what happened to one remittance line.
type LineOutcome struct {
	Index        int            `json:"index"`
	Line         RemittanceLine `json:"line"`
	Status       OutcomeStatus  `json:"status"`
	MatchedBy    MatchKey       `json:"matched_by,omitempty"`
	ClaimID      *uuid.UUID     `json:"claim_id,omitempty"`
	ClaimNumber  string         `json:"matched_claim_number,omitempty"`
	PaymentID    *uuid.UUID     `json:"payment_id,omitempty"`
	AdjustmentID *uuid.UUID     `json:"adjustment_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// RemittanceResult reports a whole batch. Unmatched lines are data for manual
// follow-up, kept apart from lines that failed while posting.
type RemittanceResult struct {
	Reference      string           `json:"reference"`
	MatchedCount   int              `json:"matched_count"`
	UnmatchedCount int              `json:"unmatched_count"`
	PostedPayments []Payment        `json:"posted_payments"`
	Adjustments    []Adjustment     `json:"adjustments"`
	UnmatchedLines []RemittanceLine `json:"unmatched_lines"`
	Outcomes       []LineOutcome    `json:"outcomes"`
	TotalPosted    money.Money      `json:"total_posted"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// Count returns the number of outcomes with the given status.
func (r RemittanceResult) Count(s OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// ClaimLookup is the read side the matcher needs. ClaimRepository satisfies it.
type ClaimLookup interface {
	FindByNumber(ctx context.Context, number string) (*Claim, error)
	FindByPatientAndServiceDate(ctx context.Context, patientID string, date caldate.Date) ([]Claim, error)
}

// LinePosting is what a PostFunc did for one line.
type LinePosting struct {
	Payment       *Payment
	Adjustment    *Adjustment
	AlreadyPosted bool
}

// PostFunc posts batch.Lines[index] against a claim. The caller is expected
// to lock, reload and persist the claim; the matcher only schedules.
type PostFunc func(ctx context.Context, claimID uuid.UUID, batch RemittanceBatch, index int) (LinePosting, error)

// Matcher matches remittance lines to claims and drives posting.
type Matcher struct {
	Patients PatientLookup
	Post     PostFunc
	// Workers bounds how many claims are posted concurrently.
	Workers int
	// ConfirmFallback holds patient/date matches for review instead of posting.
	ConfirmFallback bool
	Log             zerolog.Logger
}

type matched struct {
	idx   int
	claim Claim
	by    MatchKey
}

// MatchAndPost matches every line, then posts matched lines. Matching runs in
// batch order; posting runs in parallel across claims while lines for the same
// claim keep batch order. A line's failure never stops the others.
func (m *Matcher) MatchAndPost(ctx context.Context, batch RemittanceBatch, lookup ClaimLookup) (RemittanceResult, error) {
	if err := batch.Validate(); err != nil {
		return RemittanceResult{}, err
	}
	if m.Post == nil {
		return RemittanceResult{}, fmt.Errorf("remittance matcher: no poster configured")
	}

	outcomes := make([]LineOutcome, len(batch.Lines))
	var toPost []matched
	for i, line := range batch.Lines {
		o := LineOutcome{Index: i, Line: line}
		if err := ctx.Err(); err != nil {
			o.Status, o.Reason = OutcomeFailed, err.Error()
			outcomes[i] = o
			continue
		}
		c, by, reason, err := m.match(ctx, line, lookup)
		switch {
		case err != nil:
			o.Status, o.Reason = OutcomeFailed, err.Error()
		case c == nil:
			o.Status, o.Reason = OutcomeUnmatched, reason
		default:
			id := c.ID
			o.ClaimID, o.ClaimNumber, o.MatchedBy = &id, c.Number, by
			switch {
			case !line.Paid.IsPositive():
				o.Status, o.Reason = OutcomeNeedsReview, "no payment on line"
			case by == MatchByPatientDate && m.ConfirmFallback:
				o.Status, o.Reason = OutcomeNeedsReview, "matched by patient name and service date; confirm before posting"
			default:
				toPost = append(toPost, matched{idx: i, claim: *c, by: by})
			}
		}
		outcomes[i] = o
	}

	postings := make([]*LinePosting, len(batch.Lines))
	m.postAll(ctx, batch, toPost, outcomes, postings)
	return m.collect(batch, outcomes, postings), nil
}

func (m *Matcher) match(ctx context.Context, line RemittanceLine, lookup ClaimLookup) (*Claim, MatchKey, string, error) {
	if num := strings.TrimSpace(line.ClaimNumber); num != "" {
		c, err := lookup.FindByNumber(ctx, num)
		if err != nil {
			return nil, "", "", fmt.Errorf("find claim %s: %w", num, err)
		}
		if c != nil {
			return c, MatchByClaimNumber, "", nil
		}
	}

	name := NormalizeName(line.PatientName)
	if name == "" || line.ServiceDate.IsZero() || m.Patients == nil {
		return nil, "", fmt.Sprintf("no claim numbered %q", line.ClaimNumber), nil
	}
	patients, err := m.Patients.FindPatientsByName(ctx, name)
	if err != nil {
		return nil, "", "", fmt.Errorf("find patients named %q: %w", name, err)
	}
	var candidates []Claim
	for _, pid := range patients {
		claims, err := lookup.FindByPatientAndServiceDate(ctx, pid, line.ServiceDate)
		if err != nil {
			return nil, "", "", fmt.Errorf("find claims for patient %s: %w", pid, err)
		}
		for _, c := range claims {
			if c.Status != ClaimDraft && c.Status != ClaimVoided {
				candidates = append(candidates, c)
			}
		}
	}
	switch len(candidates) {
	case 0:
		return nil, "", fmt.Sprintf("no claim numbered %q and none for %s on %s", line.ClaimNumber, name, line.ServiceDate), nil
	case 1:
		return &candidates[0], MatchByPatientDate, "", nil
	default:
		return nil, "", fmt.Sprintf("ambiguous: %d claims for %s on %s", len(candidates), name, line.ServiceDate), nil
	}
}

func (m *Matcher) postAll(ctx context.Context, batch RemittanceBatch, toPost []matched, outcomes []LineOutcome, postings []*LinePosting) {
	var order []uuid.UUID
	groups := make(map[uuid.UUID][]matched)
	for _, mt := range toPost {
		if _, ok := groups[mt.claim.ID]; !ok {
			order = append(order, mt.claim.ID)
		}
		groups[mt.claim.ID] = append(groups[mt.claim.ID], mt)
	}

	workers := m.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, claimID := range order {
		lines := groups[claimID]
		if err := ctx.Err(); err != nil {
			for _, mt := range lines {
				outcomes[mt.idx].Status, outcomes[mt.idx].Reason = OutcomeFailed, err.Error()
			}
			continue
		}
		g.Go(func() error {
			for _, mt := range lines {
				postings[mt.idx] = m.postOne(ctx, batch, mt, &outcomes[mt.idx])
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Matcher) postOne(ctx context.Context, batch RemittanceBatch, mt matched, o *LineOutcome) *LinePosting {
	if err := ctx.Err(); err != nil {
		o.Status, o.Reason = OutcomeFailed, err.Error()
		return nil
	}
	res, err := m.Post(ctx, mt.claim.ID, batch, mt.idx)
	if err != nil {
		m.Log.Warn().Err(err).Str("reference", batch.Reference).Int("line", mt.idx+1).
			Str("claim_number", mt.claim.Number).Msg("remittance line failed")
		o.Status, o.Reason = OutcomeFailed, err.Error()
		return nil
	}
	if res.AlreadyPosted {
		o.Status, o.Reason = OutcomeAlreadyPosted, "claim already reflects this remittance"
		return nil
	}
	o.Status = OutcomePosted
	if res.Payment != nil {
		id := res.Payment.ID
		o.PaymentID = &id
	}
	if res.Adjustment != nil {
		id := res.Adjustment.ID
		o.AdjustmentID = &id
	}
	return &res
}

func (m *Matcher) collect(batch RemittanceBatch, outcomes []LineOutcome, postings []*LinePosting) RemittanceResult {
	r := RemittanceResult{
		Reference:      batch.Reference,
		PostedPayments: []Payment{},
		Adjustments:    []Adjustment{},
		UnmatchedLines: []RemittanceLine{},
		Outcomes:       outcomes,
		TotalPosted:    money.Zero,
	}
	for i := range outcomes {
		o := &outcomes[i]
		if o.Status == OutcomeUnmatched {
			r.UnmatchedCount++
			r.UnmatchedLines = append(r.UnmatchedLines, o.Line)
			continue
		}
		if o.ClaimID != nil {
			r.MatchedCount++
		}
		if res := postings[i]; res != nil {
			if res.Payment != nil {
				r.PostedPayments = append(r.PostedPayments, *res.Payment)
				r.TotalPosted = r.TotalPosted.Add(res.Payment.Amount)
			}
			if res.Adjustment != nil {
				r.Adjustments = append(r.Adjustments, *res.Adjustment)
			}
		}
	}
	if !batch.TotalAmount.IsZero() && !batch.TotalAmount.Equal(batch.PaidTotal()) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("batch total %s does not equal sum of line payments %s",
			batch.TotalAmount, batch.PaidTotal()))
	}
	m.Log.Info().Str("reference", batch.Reference).Int("lines", len(outcomes)).
		Int("matched", r.MatchedCount).Int("unmatched", r.UnmatchedCount).
		Int("posted", r.Count(OutcomePosted)).Int("failed", r.Count(OutcomeFailed)).
		Str("total_posted", r.TotalPosted.String()).Msg("remittance batch processed")
	return r
}

// NormalizeName folds a patient name for fallback matching: lower case,
// punctuation dropped, whitespace collapsed and "Last, First" reordered.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if last, first, ok := strings.Cut(name, ","); ok {
		name = strings.TrimSpace(first) + " " + strings.TrimSpace(last)
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// RemittanceIDs are the identities a posting needs, allocated by the caller.
type RemittanceIDs struct {
	PaymentID     uuid.UUID
	PaymentNumber string
	AdjustmentID  uuid.UUID
}

// RemittanceApplied is the outcome of PostRemittanceLine.
type RemittanceApplied struct {
	Claim         Claim
	Payment       Payment
	Adjustment    *Adjustment
	AlreadyPosted bool
}

// PostRemittanceLine posts batch.Lines[index] to c: it creates an insurance
// payment for the line's paid amount, applies it in full and, when allowed
// differs from billed, records a contractual adjustment of billed - paid -
// existing adjustments clamped to the balance left after the payment.
func PostRemittanceLine(c Claim, batch RemittanceBatch, index int, ids RemittanceIDs, actor string, now time.Time) (RemittanceApplied, error) {
	if index < 0 || index >= len(batch.Lines) {
		return RemittanceApplied{}, validation("remittance", batch.Reference, "line %d out of range", index+1)
	}
	line := batch.Lines[index]
	if c.HasRemittance(batch.Reference, index) {
		return RemittanceApplied{Claim: c, AlreadyPosted: true}, nil
	}
	if !line.Paid.IsPositive() {
		return RemittanceApplied{}, validation("remittance", batch.Reference, "line for %s has no payment", c.Number)
	}

	method := batch.Method
	if method == "" {
		method = MethodEFT
	}
	p, err := NewPayment(ids.PaymentID, ids.PaymentNumber, PaymentInput{
		Source:       SourceInsurance,
		Method:       method,
		Amount:       line.Paid,
		Reference:    batch.Reference,
		PatientID:    c.PatientID,
		PayerID:      firstNonEmpty(batch.PayerID, c.PayerID),
		ReceivedDate: batch.PaymentDate,
		Memo:         fmt.Sprintf("%s remittance for %s", batch.PayerName, c.Number),
	}, now)
	if err != nil {
		return RemittanceApplied{}, err
	}
	if p, err = Post(p, now); err != nil {
		return RemittanceApplied{}, err
	}
	res, err := Apply(p, []Claim{c}, []Allocation{{ClaimID: c.ID, Amount: line.Paid}}, actor, now)
	if err != nil {
		return RemittanceApplied{}, err
	}
	updated := res.Claims[0]
	updated.TotalAllowed = updated.TotalAllowed.Add(line.Allowed)
	if line.Allowed.GreaterThan(line.Paid) {
		updated.PatientResponsibility = updated.PatientResponsibility.Add(line.Allowed.Sub(line.Paid))
	}

	out := RemittanceApplied{Payment: res.Payment}
	if !line.Allowed.Equal(line.Billed) {
		amount := line.Billed.Sub(line.Paid).Sub(c.TotalAdjustments)
		amount = money.Min(money.Max(amount, money.Zero), updated.Balance)
		if amount.IsPositive() {
			reason := line.ReasonCode
			if reason == "" {
				reason = "45"
			}
			adj, err := NewAdjustment(ids.AdjustmentID, AdjustmentInput{
				ClaimID:    c.ID,
				Reason:     ReasonContractual,
				GroupCode:  GroupContractual,
				ReasonCode: reason,
				Amount:     amount,
				Note:       "remittance " + batch.Reference,
			}, actor, now)
			if err != nil {
				return RemittanceApplied{}, err
			}
			if updated, adj, err = ApplyAdjustment(updated, adj, now); err != nil {
				return RemittanceApplied{}, err
			}
			out.Adjustment = &adj
		}
	}

	updated.Remittances = append(updated.Remittances, RemittancePosting{
		Reference: batch.Reference,
		Line:      index + 1,
		Paid:      line.Paid,
		PaymentID: p.ID,
		PostedAt:  now,
	})
	out.Claim = updated
	return out, nil
}

// HasRemittance reports whether line index of the remittance with this
// reference was already posted to the claim.
func (c Claim) HasRemittance(reference string, index int) bool {
	for _, rp := range c.Remittances {
		if rp.Reference == reference && rp.Line == index+1 {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
