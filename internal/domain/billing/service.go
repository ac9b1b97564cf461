package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/platform/lock"
	"github.com/ehr/revcycle/pkg/caldate"
)

// Service is the entry point for every billing operation. It loads entities,
// serializes access per claim and payment, runs the pure transitions in this
// package and saves the results in one transaction.
type Service struct {
	claims      ClaimRepository
	payments    PaymentRepository
	adjustments AdjustmentRepository
	policies    PolicyLookup
	patients    PatientLookup

	tx    Transactor
	locks lock.Locker
	now   func() time.Time
	newID func() uuid.UUID
	log   zerolog.Logger

	remittanceWorkers int
	confirmFallback   bool
}

type Option func(*Service)

func WithTransactor(tx Transactor) Option { return func(s *Service) { s.tx = tx } }

func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locks = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() uuid.UUID) Option { return func(s *Service) { s.newID = fn } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithPatientLookup(p PatientLookup) Option { return func(s *Service) { s.patients = p } }

// WithRemittanceWorkers bounds how many claims a remittance import posts at once.
func WithRemittanceWorkers(n int) Option { return func(s *Service) { s.remittanceWorkers = n } }

// WithFallbackConfirmation holds remittance lines matched by patient name and
// service date for review instead of posting them.
func WithFallbackConfirmation(on bool) Option { return func(s *Service) { s.confirmFallback = on } }

func NewService(claims ClaimRepository, payments PaymentRepository, adjustments AdjustmentRepository, policies PolicyLookup, opts ...Option) *Service {
	s := &Service{
		claims:            claims,
		payments:          payments,
		adjustments:       adjustments,
		policies:          policies,
		tx:                noTx{},
		locks:             lock.NewKeyedMutex(),
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.New,
		log:               zerolog.Nop(),
		remittanceWorkers: 4,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// noTx runs fn directly, for repositories without transactions.
type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func (s *Service) locked(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()
	return s.tx.InTx(ctx, fn)
}

// mutateClaim loads a claim under its lock, applies fn and saves the result.
func (s *Service) mutateClaim(ctx context.Context, id uuid.UUID, fn func(c Claim, now time.Time) (Claim, error)) (Claim, error) {
	var out Claim
	err := s.locked(ctx, []string{lock.ClaimKey(id)}, func(ctx context.Context) error {
		c, err := s.claims.Get(ctx, id)
		if err != nil {
			return err
		}
		updated, err := fn(c, s.now())
		if err != nil {
			return err
		}
		if err := updated.CheckInvariants(); err != nil {
			return err
		}
		if err := s.claims.Save(ctx, &updated); err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// -- Claims --

func (s *Service) CreateClaim(ctx context.Context, in ClaimInput, actor string) (Claim, error) {
	var out Claim
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		number, err := s.claims.NextClaimNumber(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		c, err := NewClaim(s.newID(), number, in, now)
		if err != nil {
			return err
		}
		c.Notes = append(c.Notes, Note{Author: actor, Text: "claim created", CreatedAt: now})
		if err := s.claims.Save(ctx, &c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err == nil {
		s.log.Info().Str("claim_number", out.Number).Str("patient_id", out.PatientID).
			Str("actor", actor).Msg("claim created")
	}
	return out, err
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (Claim, error) {
	return s.claims.Get(ctx, id)
}

func (s *Service) ListClaims(ctx context.Context, f ClaimFilter) ([]Claim, int, error) {
	if f.Status != "" {
		if _, err := ParseClaimStatus(string(f.Status)); err != nil {
			return nil, 0, validation("claim", "", "%v", err)
		}
	}
	return s.claims.List(ctx, f)
}

func (s *Service) AddLineItem(ctx context.Context, claimID uuid.UUID, in LineItemInput) (Claim, error) {
	return s.mutateClaim(ctx, claimID, func(c Claim, now time.Time) (Claim, error) {
		return AddLineItem(c, in, now)
	})
}

func (s *Service) RemoveLineItem(ctx context.Context, claimID uuid.UUID, lineNumber int) (Claim, error) {
	return s.mutateClaim(ctx, claimID, func(c Claim, now time.Time) (Claim, error) {
		return RemoveLineItem(c, lineNumber, now)
	})
}

func (s *Service) SetClaimDiagnoses(ctx context.Context, claimID uuid.UUID, codes []string) (Claim, error) {
	return s.mutateClaim(ctx, claimID, func(c Claim, now time.Time) (Claim, error) {
		return SetDiagnoses(c, codes, now)
	})
}

// SubmitClaim resolves the claim's policy and submits it.
func (s *Service) SubmitClaim(ctx context.Context, id uuid.UUID, actor string) (Claim, error) {
	c, err := s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		var policy *InsurancePolicy
		if c.PolicyID != "" && s.policies != nil {
			p, err := s.policies.GetPolicy(ctx, c.PolicyID)
			if err != nil {
				return c, err
			}
			policy = &p
		}
		return Submit(c, policy, now)
	})
	if err == nil {
		s.log.Info().Str("claim_number", c.Number).Str("payer_id", c.PayerID).
			Str("total_charges", c.TotalCharges.String()).Str("actor", actor).Msg("claim submitted")
	}
	return c, err
}

func (s *Service) AcceptClaim(ctx context.Context, id uuid.UUID) (Claim, error) {
	return s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return Accept(c, now)
	})
}

func (s *Service) RejectClaim(ctx context.Context, id uuid.UUID, code, message string) (Claim, error) {
	return s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return MarkRejected(c, code, message, now)
	})
}

func (s *Service) DenyClaim(ctx context.Context, id uuid.UUID, code, message string) (Claim, error) {
	return s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return MarkDenied(c, code, message, now)
	})
}

func (s *Service) VoidClaim(ctx context.Context, id uuid.UUID, reason, actor string) (Claim, error) {
	c, err := s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return Void(c, reason, actor, now)
	})
	if err == nil {
		s.log.Info().Str("claim_number", c.Number).Str("actor", actor).Msg("claim voided")
	}
	return c, err
}

func (s *Service) AppealClaim(ctx context.Context, id uuid.UUID, reason string, docs []string) (Claim, error) {
	return s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return Appeal(c, reason, docs, now)
	})
}

func (s *Service) AddClaimNote(ctx context.Context, id uuid.UUID, author, text string) (Claim, error) {
	return s.mutateClaim(ctx, id, func(c Claim, now time.Time) (Claim, error) {
		return AddNote(c, author, text, now)
	})
}

// RebillClaim creates a corrected Draft copy of a rejected or denied claim.
// The source claim is left as it was.
func (s *Service) RebillClaim(ctx context.Context, id uuid.UUID, actor string) (Claim, error) {
	var out Claim
	err := s.locked(ctx, []string{lock.ClaimKey(id)}, func(ctx context.Context) error {
		src, err := s.claims.Get(ctx, id)
		if err != nil {
			return err
		}
		number, err := s.claims.NextClaimNumber(ctx)
		if err != nil {
			return err
		}
		c, err := Rebill(src, s.newID(), number, s.now())
		if err != nil {
			return err
		}
		if err := s.claims.Save(ctx, &c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err == nil {
		s.log.Info().Str("claim_number", out.Number).Str("original_claim_id", id.String()).
			Str("actor", actor).Msg("claim rebilled")
	}
	return out, err
}

// -- Adjustments --

// AdjustClaim records an adjustment. Reasons that need approval are stored
// unposted and leave the claim unchanged until ApproveAdjustment.
func (s *Service) AdjustClaim(ctx context.Context, in AdjustmentInput, actor string) (Adjustment, Claim, error) {
	var adj Adjustment
	var claim Claim
	err := s.locked(ctx, []string{lock.ClaimKey(in.ClaimID)}, func(ctx context.Context) error {
		c, err := s.claims.Get(ctx, in.ClaimID)
		if err != nil {
			return err
		}
		now := s.now()
		a, err := NewAdjustment(s.newID(), in, actor, now)
		if err != nil {
			return err
		}
		if !a.Reason.NeedsApproval() {
			if c, a, err = ApplyAdjustment(c, a, now); err != nil {
				return err
			}
			if err := s.claims.Save(ctx, &c); err != nil {
				return err
			}
		}
		if err := s.adjustments.Save(ctx, &a); err != nil {
			return err
		}
		adj, claim = a, c
		return nil
	})
	return adj, claim, err
}

// ApproveAdjustment signs off a pending adjustment and posts it to the claim.
func (s *Service) ApproveAdjustment(ctx context.Context, id uuid.UUID, approver string) (Adjustment, Claim, error) {
	pending, err := s.adjustments.Get(ctx, id)
	if err != nil {
		return Adjustment{}, Claim{}, err
	}
	var adj Adjustment
	var claim Claim
	err = s.locked(ctx, []string{lock.ClaimKey(pending.ClaimID)}, func(ctx context.Context) error {
		a, err := s.adjustments.Get(ctx, id)
		if err != nil {
			return err
		}
		c, err := s.claims.Get(ctx, a.ClaimID)
		if err != nil {
			return err
		}
		now := s.now()
		if a, err = Approve(a, approver, now); err != nil {
			return err
		}
		if c, a, err = ApplyAdjustment(c, a, now); err != nil {
			return err
		}
		if err := s.claims.Save(ctx, &c); err != nil {
			return err
		}
		if err := s.adjustments.Save(ctx, &a); err != nil {
			return err
		}
		adj, claim = a, c
		return nil
	})
	if err == nil {
		s.log.Info().Str("claim_number", claim.Number).Str("reason", string(adj.Reason)).
			Str("amount", adj.Amount.String()).Str("approver", approver).Msg("adjustment approved")
	}
	return adj, claim, err
}

func (s *Service) ListAdjustments(ctx context.Context, claimID uuid.UUID) ([]Adjustment, error) {
	return s.adjustments.ListByClaim(ctx, claimID)
}

// -- Payments --

// PostPayment records a receipt and makes it available for application.
func (s *Service) PostPayment(ctx context.Context, in PaymentInput) (Payment, error) {
	var out Payment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		number, err := s.payments.NextPaymentNumber(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		p, err := NewPayment(s.newID(), number, in, now)
		if err != nil {
			return err
		}
		if p, err = Post(p, now); err != nil {
			return err
		}
		if err := s.payments.Save(ctx, &p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err == nil {
		s.log.Info().Str("payment_number", out.Number).Str("amount", out.Amount.String()).
			Str("source", string(out.Source)).Msg("payment posted")
	}
	return out, err
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.payments.Get(ctx, id)
}

func (s *Service) ListUnappliedPayments(ctx context.Context, patientID string) ([]Payment, error) {
	return s.payments.FindUnapplied(ctx, patientID)
}

// ApplyPayment distributes a payment across claims in the order given.
func (s *Service) ApplyPayment(ctx context.Context, paymentID uuid.UUID, allocs []Allocation, actor string) (AllocationResult, error) {
	ids := make([]uuid.UUID, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.ClaimID)
	}
	return s.applyPayment(ctx, paymentID, ids, actor, func(Payment, []Claim) []Allocation { return allocs })
}

// ApplyFullBalance pays the given claims greedily in the order given until the
// payment runs out; whatever is left stays unapplied.
func (s *Service) ApplyFullBalance(ctx context.Context, paymentID uuid.UUID, claimIDs []uuid.UUID, actor string) (AllocationResult, error) {
	return s.applyPayment(ctx, paymentID, claimIDs, actor, func(p Payment, claims []Claim) []Allocation {
		return AutoAllocate(p.UnappliedAmount, claims)
	})
}

func (s *Service) applyPayment(ctx context.Context, paymentID uuid.UUID, claimIDs []uuid.UUID, actor string,
	plan func(Payment, []Claim) []Allocation) (AllocationResult, error) {
	if len(claimIDs) == 0 {
		return AllocationResult{}, validation("payment", paymentID.String(), "no claims given")
	}
	var order []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	claimKeys := make([]string, 0, len(claimIDs))
	for _, id := range claimIDs {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
			claimKeys = append(claimKeys, lock.ClaimKey(id))
		}
	}

	var out AllocationResult
	err := s.locked(ctx, lock.Keys(lock.PaymentKey(paymentID), claimKeys...), func(ctx context.Context) error {
		p, err := s.payments.Get(ctx, paymentID)
		if err != nil {
			return err
		}
		claims := make([]Claim, 0, len(order))
		for _, id := range order {
			c, err := s.claims.Get(ctx, id)
			if err != nil {
				return err
			}
			claims = append(claims, c)
		}
		allocs := plan(p, claims)
		if len(allocs) == 0 {
			return validation("payment", paymentID.String(), "nothing to allocate: no open balance on the given claims")
		}
		res, err := Apply(p, claims, allocs, actor, s.now())
		if err != nil {
			return err
		}
		if err := res.Payment.CheckInvariants(); err != nil {
			return err
		}
		for i := range res.Claims {
			if err := s.claims.Save(ctx, &res.Claims[i]); err != nil {
				return err
			}
		}
		if err := s.payments.Save(ctx, &res.Payment); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err == nil {
		s.log.Info().Str("payment_number", out.Payment.Number).Int("claims", len(out.Claims)).
			Str("unapplied", out.Payment.UnappliedAmount.String()).Str("actor", actor).Msg("payment applied")
	}
	return out, err
}

func (s *Service) VoidPayment(ctx context.Context, id uuid.UUID, reason string) (Payment, error) {
	return s.closePayment(ctx, id, func(p Payment, now time.Time) (Payment, error) {
		return VoidPayment(p, reason, now)
	})
}

func (s *Service) RefundPayment(ctx context.Context, id uuid.UUID, reason string) (Payment, error) {
	return s.closePayment(ctx, id, func(p Payment, now time.Time) (Payment, error) {
		return RefundPayment(p, reason, now)
	})
}

func (s *Service) closePayment(ctx context.Context, id uuid.UUID, fn func(Payment, time.Time) (Payment, error)) (Payment, error) {
	var out Payment
	err := s.locked(ctx, []string{lock.PaymentKey(id)}, func(ctx context.Context) error {
		p, err := s.payments.Get(ctx, id)
		if err != nil {
			return err
		}
		if p, err = fn(p, s.now()); err != nil {
			return err
		}
		if err := s.payments.Save(ctx, &p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err == nil {
		s.log.Info().Str("payment_number", out.Number).Str("status", string(out.Status)).Msg("payment closed")
	}
	return out, err
}

// -- Remittance --

func (s *Service) matcher(post PostFunc) *Matcher {
	return &Matcher{
		Patients:        s.patients,
		Post:            post,
		Workers:         s.remittanceWorkers,
		ConfirmFallback: s.confirmFallback,
		Log:             s.log,
	}
}

// ImportRemittance matches a payer remittance and posts every matched line.
// Each line commits on its own, so a cancelled import keeps what it posted.
func (s *Service) ImportRemittance(ctx context.Context, batch RemittanceBatch, actor string) (RemittanceResult, error) {
	return s.matcher(s.remittancePoster(actor)).MatchAndPost(ctx, batch, s.claims)
}

// PreviewRemittance runs matching and computes what would be posted without
// saving anything. Lines for the same claim see the claim as the earlier
// lines left it, as they would during an import.
func (s *Service) PreviewRemittance(ctx context.Context, batch RemittanceBatch, actor string) (RemittanceResult, error) {
	var mu sync.Mutex
	staged := make(map[uuid.UUID]Claim)
	post := func(ctx context.Context, claimID uuid.UUID, batch RemittanceBatch, index int) (LinePosting, error) {
		mu.Lock()
		c, ok := staged[claimID]
		mu.Unlock()
		if !ok {
			var err error
			if c, err = s.claims.Get(ctx, claimID); err != nil {
				return LinePosting{}, err
			}
		}
		res, err := PostRemittanceLine(c, batch, index, RemittanceIDs{
			PaymentID: s.newID(), PaymentNumber: "PREVIEW", AdjustmentID: s.newID(),
		}, actor, s.now())
		if err != nil {
			return LinePosting{}, err
		}
		mu.Lock()
		staged[claimID] = res.Claim
		mu.Unlock()
		if res.AlreadyPosted {
			return LinePosting{AlreadyPosted: true}, nil
		}
		return LinePosting{Payment: &res.Payment, Adjustment: res.Adjustment}, nil
	}
	return s.matcher(post).MatchAndPost(ctx, batch, s.claims)
}

func (s *Service) remittancePoster(actor string) PostFunc {
	return func(ctx context.Context, claimID uuid.UUID, batch RemittanceBatch, index int) (LinePosting, error) {
		var out LinePosting
		err := s.locked(ctx, []string{lock.ClaimKey(claimID)}, func(ctx context.Context) error {
			c, err := s.claims.Get(ctx, claimID)
			if err != nil {
				return err
			}
			if c.HasRemittance(batch.Reference, index) {
				out.AlreadyPosted = true
				return nil
			}
			number, err := s.payments.NextPaymentNumber(ctx)
			if err != nil {
				return err
			}
			res, err := PostRemittanceLine(c, batch, index, RemittanceIDs{
				PaymentID: s.newID(), PaymentNumber: number, AdjustmentID: s.newID(),
			}, actor, s.now())
			if err != nil {
				return err
			}
			if err := s.payments.Save(ctx, &res.Payment); err != nil {
				return err
			}
			if err := s.claims.Save(ctx, &res.Claim); err != nil {
				return err
			}
			if res.Adjustment != nil {
				if err := s.adjustments.Save(ctx, res.Adjustment); err != nil {
					return err
				}
			}
			out = LinePosting{Payment: &res.Payment, Adjustment: res.Adjustment}
			return nil
		})
		return out, err
	}
}

// -- Reports --

// receivable drops drafts and voided claims, which are not owed by anyone.
func receivable(claims []Claim) []Claim {
	out := claims[:0:0]
	for _, c := range claims {
		if c.Status != ClaimDraft && c.Status != ClaimVoided {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) ComputeStatistics(ctx context.Context) (Statistics, error) {
	claims, _, err := s.claims.List(ctx, ClaimFilter{})
	if err != nil {
		return Statistics{}, err
	}
	payments, err := s.payments.FindUnapplied(ctx, "")
	if err != nil {
		return Statistics{}, err
	}
	return ComputeStatistics(claims, payments), nil
}

// ComputeAging ages open receivables, optionally for one payer.
func (s *Service) ComputeAging(ctx context.Context, asOf caldate.Date, payerID string) (AgingReport, error) {
	if asOf.IsZero() {
		asOf = caldate.Of(s.now())
	}
	claims, _, err := s.claims.List(ctx, ClaimFilter{PayerID: payerID, OpenOnly: true})
	if err != nil {
		return AgingReport{}, err
	}
	r := AgeClaims(receivable(claims), asOf)
	r.PayerID = payerID
	return r, nil
}

func (s *Service) ComputeAgingByPayer(ctx context.Context, asOf caldate.Date) ([]AgingReport, error) {
	if asOf.IsZero() {
		asOf = caldate.Of(s.now())
	}
	claims, _, err := s.claims.List(ctx, ClaimFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	return AgeClaimsByPayer(receivable(claims), asOf), nil
}

func (s *Service) BuildPatientStatement(ctx context.Context, patientID string, asOf caldate.Date) (PatientStatement, error) {
	if patientID == "" {
		return PatientStatement{}, validation("statement", "", "patient_id is required")
	}
	if asOf.IsZero() {
		asOf = caldate.Of(s.now())
	}
	claims, _, err := s.claims.List(ctx, ClaimFilter{PatientID: patientID, OpenOnly: true})
	if err != nil {
		return PatientStatement{}, err
	}
	return BuildStatement(s.newID(), patientID, claims, asOf, s.now())
}
