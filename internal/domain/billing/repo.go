package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/revcycle/pkg/caldate"
)

// ClaimFilter narrows ListClaims. Zero fields do not filter.
type ClaimFilter struct {
	PatientID   string
	PayerID     string
	Status      ClaimStatus
	ServiceFrom caldate.Date
	ServiceTo   caldate.Date
	// OpenOnly keeps claims with a positive balance.
	OpenOnly bool
	Limit    int
	Offset   int
}

type ClaimRepository interface {
	Get(ctx context.Context, id uuid.UUID) (Claim, error)
	// Save inserts or replaces the claim with its line items. It fails when
	// the stored version differs from c.VersionID and bumps the version on success.
	Save(ctx context.Context, c *Claim) error
	// FindByNumber returns nil, nil when no claim has the number.
	FindByNumber(ctx context.Context, number string) (*Claim, error)
	FindByPatientAndServiceDate(ctx context.Context, patientID string, date caldate.Date) ([]Claim, error)
	List(ctx context.Context, f ClaimFilter) ([]Claim, int, error)
	NextClaimNumber(ctx context.Context) (string, error)
}

type PaymentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (Payment, error)
	Save(ctx context.Context, p *Payment) error
	// FindUnapplied lists payments with money left to apply; "" means every patient.
	FindUnapplied(ctx context.Context, patientID string) ([]Payment, error)
	NextPaymentNumber(ctx context.Context) (string, error)
}

type AdjustmentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (Adjustment, error)
	Save(ctx context.Context, a *Adjustment) error
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]Adjustment, error)
}

// PolicyLookup reads coverage owned by the insurance module.
type PolicyLookup interface {
	GetPolicy(ctx context.Context, id string) (InsurancePolicy, error)
}

// PatientLookup resolves a normalized patient name to patient IDs.
type PatientLookup interface {
	FindPatientsByName(ctx context.Context, normalizedName string) ([]string, error)
}

// Transactor runs fn so that every repository call made with the context it
// receives commits or rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
