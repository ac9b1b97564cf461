package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

// BuildStatement gathers a patient's open balances into a statement with its
// own aging buckets. Claims belonging to other patients, drafts and voided
// claims are ignored.
func BuildStatement(id uuid.UUID, patientID string, claims []Claim, asOf caldate.Date, now time.Time) (PatientStatement, error) {
	if patientID == "" {
		return PatientStatement{}, validation("statement", "", "patient_id is required")
	}
	st := PatientStatement{
		ID:            id,
		PatientID:     patientID,
		StatementDate: asOf,
		ClaimIDs:      []uuid.UUID{},
		Balance:       money.Zero,
		CreatedAt:     now,
	}
	for _, c := range claims {
		if c.PatientID != patientID || c.Status == ClaimDraft || c.Status == ClaimVoided {
			continue
		}
		if !c.Balance.IsPositive() {
			continue
		}
		st.ClaimIDs = append(st.ClaimIDs, c.ID)
		st.Buckets.Add(DaysOutstanding(c.ServiceDate, asOf), c.Balance)
		st.Balance = st.Balance.Add(c.Balance)
	}
	return st, nil
}
