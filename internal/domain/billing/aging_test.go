package billing

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

func agedClaim(payer string, serviceDate string, balance string) Claim {
	return Claim{
		ID:          uuid.New(),
		PayerID:     payer,
		PatientID:   "pat-1",
		Status:      ClaimAccepted,
		ServiceDate: caldate.MustParse(serviceDate),
		Balance:     money.MustParse(balance),
	}
}

func TestDaysOutstanding(t *testing.T) {
	asOf := caldate.MustParse("2024-03-31")
	assert.Equal(t, 0, DaysOutstanding(caldate.MustParse("2024-03-31"), asOf))
	assert.Equal(t, 30, DaysOutstanding(caldate.MustParse("2024-03-01"), asOf))
	assert.Equal(t, 0, DaysOutstanding(caldate.MustParse("2024-04-15"), asOf), "future service dates count as current")
	// leap day
	assert.Equal(t, 2, DaysOutstanding(caldate.MustParse("2024-02-28"), caldate.MustParse("2024-03-01")))
}

func TestAgeClaims_BucketBoundaries(t *testing.T) {
	asOf := caldate.MustParse("2024-06-30")
	days := func(n int) string { return asOf.AddDays(-n).String() }

	r := AgeClaims([]Claim{
		agedClaim("p", days(0), "1.00"),
		agedClaim("p", days(30), "2.00"),
		agedClaim("p", days(31), "4.00"),
		agedClaim("p", days(60), "8.00"),
		agedClaim("p", days(61), "16.00"),
		agedClaim("p", days(90), "32.00"),
		agedClaim("p", days(91), "64.00"),
		agedClaim("p", days(120), "128.00"),
		agedClaim("p", days(121), "256.00"),
		agedClaim("p", days(400), "512.00"),
		agedClaim("p", days(10), "0.00"),
	}, asOf)

	assert.Equal(t, 2, r.Current.Count)
	assert.True(t, r.Current.Amount.Equal(m("3.00")))
	assert.Equal(t, 2, r.Days31to60.Count)
	assert.True(t, r.Days31to60.Amount.Equal(m("12.00")))
	assert.Equal(t, 2, r.Days61to90.Count)
	assert.True(t, r.Days61to90.Amount.Equal(m("48.00")))
	assert.Equal(t, 2, r.Days91to120.Count)
	assert.True(t, r.Days91to120.Amount.Equal(m("192.00")))
	assert.Equal(t, 2, r.Over120.Count)
	assert.True(t, r.Over120.Amount.Equal(m("768.00")))
	assert.Equal(t, 10, r.Total.Count, "zero balances are not aged")
	assert.True(t, r.Total.Amount.Equal(m("1023.00")))
}

func TestAgeClaims_IsPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	asOf := caldate.MustParse("2024-12-31")

	for round := 0; round < 20; round++ {
		var claims []Claim
		wantCount, wantAmount := 0, money.Zero
		for i := 0; i < 50; i++ {
			bal := money.FromCents(rng.Int63n(50000) - 5000)
			c := agedClaim("p", asOf.AddDays(-rng.Intn(300)+10).String(), bal.String())
			claims = append(claims, c)
			if bal.IsPositive() {
				wantCount++
				wantAmount = wantAmount.Add(bal)
			}
		}
		r := AgeClaims(claims, asOf)

		buckets := []Bucket{r.Current, r.Days31to60, r.Days61to90, r.Days91to120, r.Over120}
		gotCount, gotAmount := 0, money.Zero
		for _, b := range buckets {
			gotCount += b.Count
			gotAmount = gotAmount.Add(b.Amount)
		}
		require.Equal(t, wantCount, gotCount)
		require.True(t, wantAmount.Equal(gotAmount), "round %d: %s != %s", round, wantAmount, gotAmount)
		require.Equal(t, wantCount, r.Total.Count)
		require.True(t, wantAmount.Equal(r.Total.Amount))
	}
}

func TestAgeClaimsByPayer(t *testing.T) {
	asOf := caldate.MustParse("2024-06-30")
	reports := AgeClaimsByPayer([]Claim{
		agedClaim("payer-b", "2024-06-01", "10.00"),
		agedClaim("payer-a", "2024-01-01", "20.00"),
		agedClaim("payer-b", "2024-03-01", "5.00"),
	}, asOf)

	require.Len(t, reports, 2)
	assert.Equal(t, "payer-a", reports[0].PayerID)
	assert.Equal(t, 1, reports[0].Over120.Count)
	assert.Equal(t, "payer-b", reports[1].PayerID)
	assert.Equal(t, 2, reports[1].Total.Count)
	assert.True(t, reports[1].Total.Amount.Equal(m("15.00")))
}

func TestBuildStatement(t *testing.T) {
	asOf := caldate.MustParse("2024-06-30")
	mine := agedClaim("payer-a", "2024-06-01", "40.00")
	old := agedClaim("payer-a", "2024-01-02", "60.00")
	draft := agedClaim("payer-a", "2024-06-01", "99.00")
	draft.Status = ClaimDraft
	other := agedClaim("payer-a", "2024-06-01", "5.00")
	other.PatientID = "pat-2"
	settled := agedClaim("payer-a", "2024-06-01", "0.00")

	st, err := BuildStatement(uuid.New(), "pat-1", []Claim{mine, old, draft, other, settled}, asOf, testNow)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{mine.ID, old.ID}, st.ClaimIDs)
	assert.True(t, st.Balance.Equal(m("100.00")))
	assert.Equal(t, 1, st.Buckets.Current.Count)
	assert.Equal(t, 1, st.Buckets.Over120.Count)
	assert.Equal(t, asOf, st.StatementDate)

	_, err = BuildStatement(uuid.New(), "", nil, asOf, testNow)
	assert.Error(t, err)
}

func TestComputeStatistics(t *testing.T) {
	paid := acceptedClaim(t, "100.00")
	paid, err := RecordPayment(paid, m("80.00"), m("20.00"), testNow.AddDate(0, 0, 10))
	require.NoError(t, err)
	denied, err := MarkDenied(acceptedClaim(t, "50.00"), "CO-50", "", testNow)
	require.NoError(t, err)
	draft := draftClaim(t, "500.00")

	open := postedPayment(t, "25.00")
	voided, err := VoidPayment(postedPayment(t, "70.00"), "dup", testNow)
	require.NoError(t, err)

	s := ComputeStatistics([]Claim{paid, denied, draft}, []Payment{open, voided})

	assert.Equal(t, 3, s.ClaimCount)
	assert.Equal(t, 1, s.ByStatus[ClaimPaid])
	assert.Equal(t, 0, s.ByStatus[ClaimAppealed])
	assert.True(t, s.TotalCharges.Equal(m("150.00")), "drafts are not billed: %s", s.TotalCharges)
	assert.True(t, s.TotalPaid.Equal(m("80.00")))
	assert.True(t, s.Outstanding.Equal(m("50.00")))
	assert.True(t, s.UnappliedCash.Equal(m("25.00")))
	assert.Equal(t, 1, s.OpenPayments)
	assert.InDelta(t, 80.0/130.0, s.CollectionRate, 1e-4)
	assert.InDelta(t, 0.5, s.DenialRate, 1e-9)
	assert.InDelta(t, 10.0, s.AvgDaysToPay, 1e-9)
}
