package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/pkg/caldate"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func setList(cols []string, from int) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, from+i)
	}
	return strings.Join(sets, ", ")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

// claimDataCols are every column except id and version_id, in claimArgs order.
var claimDataCols = []string{
	"claim_number", "type", "status", "patient_id", "payer_id", "provider_id", "policy_id",
	"service_date", "diagnoses",
	"total_charges", "total_allowed", "total_paid", "total_adjustments", "patient_responsibility", "balance",
	"original_claim_id", "denial_code", "denial_reason", "appeal_reason", "appeal_docs", "void_reason",
	"notes", "remittances",
	"created_at", "updated_at", "submitted_at", "received_at", "processed_at", "paid_at", "appeal_date",
}

var (
	claimCols     = "id, " + strings.Join(claimDataCols, ", ") + ", version_id"
	claimInsertQL = `INSERT INTO claim (` + claimCols + `) VALUES ($1, ` +
		placeholders(2, len(claimDataCols)) + fmt.Sprintf(`, $%d)`, len(claimDataCols)+2)
	claimUpdateQL = `UPDATE claim SET ` + setList(claimDataCols, 2) +
		`, version_id = version_id + 1 WHERE id = $1 AND version_id = ` + fmt.Sprintf("$%d", len(claimDataCols)+2)
)

func claimArgs(c *Claim) []interface{} {
	return []interface{}{
		c.ID,
		c.Number, c.Type, c.Status, c.PatientID, c.PayerID, c.ProviderID, c.PolicyID,
		c.ServiceDate, nonNil(c.Diagnoses),
		c.TotalCharges, c.TotalAllowed, c.TotalPaid, c.TotalAdjustments, c.PatientResponsibility, c.Balance,
		c.OriginalClaimID, c.DenialCode, c.DenialReason, c.AppealReason, nonNil(c.AppealDocs), c.VoidReason,
		nonNil(c.Notes), nonNil(c.Remittances),
		c.CreatedAt, c.UpdatedAt, c.SubmittedAt, c.ReceivedAt, c.ProcessedAt, c.PaidAt, c.AppealDate,
	}
}

func scanClaim(row pgx.Row) (Claim, error) {
	var c Claim
	err := row.Scan(&c.ID,
		&c.Number, &c.Type, &c.Status, &c.PatientID, &c.PayerID, &c.ProviderID, &c.PolicyID,
		&c.ServiceDate, &c.Diagnoses,
		&c.TotalCharges, &c.TotalAllowed, &c.TotalPaid, &c.TotalAdjustments, &c.PatientResponsibility, &c.Balance,
		&c.OriginalClaimID, &c.DenialCode, &c.DenialReason, &c.AppealReason, &c.AppealDocs, &c.VoidReason,
		&c.Notes, &c.Remittances,
		&c.CreatedAt, &c.UpdatedAt, &c.SubmittedAt, &c.ReceivedAt, &c.ProcessedAt, &c.PaidAt, &c.AppealDate,
		&c.VersionID)
	return c, err
}

const lineCols = `id, claim_id, line_number, procedure_code, modifiers, diagnosis_pointers, units,
	unit_charge, total_charge, allowed, paid, adjusted, patient_amount, status, denial_reason, adjustments`

func (r *claimRepoPG) Get(ctx context.Context, id uuid.UUID) (Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, NotFound("claim", id.String())
	}
	if err != nil {
		return Claim{}, fmt.Errorf("get claim %s: %w", id, err)
	}
	claims := []Claim{c}
	if err := r.loadLines(ctx, claims); err != nil {
		return Claim{}, err
	}
	return claims[0], nil
}

func (r *claimRepoPG) FindByNumber(ctx context.Context, number string) (*Claim, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM claim WHERE claim_number = $1`, number).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find claim %s: %w", number, err)
	}
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *claimRepoPG) FindByPatientAndServiceDate(ctx context.Context, patientID string, date caldate.Date) ([]Claim, error) {
	return r.query(ctx, `SELECT `+claimCols+` FROM claim WHERE patient_id = $1 AND service_date = $2 ORDER BY claim_number`,
		patientID, date)
}

func (r *claimRepoPG) List(ctx context.Context, f ClaimFilter) ([]Claim, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.PayerID != "" {
		add("payer_id = $%d", f.PayerID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.ServiceFrom.IsZero() {
		add("service_date >= $%d", f.ServiceFrom)
	}
	if !f.ServiceTo.IsZero() {
		add("service_date <= $%d", f.ServiceTo)
	}
	if f.OpenOnly {
		where = append(where, "balance > 0")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	sql := `SELECT ` + claimCols + ` FROM claim` + clause + ` ORDER BY service_date, claim_number`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	claims, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return claims, total, nil
}

func (r *claimRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()
	var claims []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (r *claimRepoPG) loadLines(ctx context.Context, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(claims))
	index := make(map[uuid.UUID]int, len(claims))
	for i := range claims {
		ids[i] = claims[i].ID
		index[claims[i].ID] = i
		claims[i].LineItems = []ClaimLineItem{}
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+lineCols+` FROM claim_line_item
		WHERE claim_id = ANY($1::uuid[]) ORDER BY claim_id, line_number`, uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li ClaimLineItem
		var claimID uuid.UUID
		if err := rows.Scan(&li.ID, &claimID, &li.LineNumber, &li.ProcedureCode, &li.Modifiers, &li.DiagnosisPointers,
			&li.Units, &li.UnitCharge, &li.TotalCharge, &li.Allowed, &li.Paid, &li.Adjusted, &li.PatientAmount,
			&li.Status, &li.DenialReason, &li.Adjustments); err != nil {
			return fmt.Errorf("scan line item: %w", err)
		}
		i := index[claimID]
		claims[i].LineItems = append(claims[i].LineItems, li)
	}
	return rows.Err()
}

func (r *claimRepoPG) Save(ctx context.Context, c *Claim) error {
	q := r.conn(ctx)
	args := claimArgs(c)
	if c.VersionID == 0 {
		if _, err := q.Exec(ctx, claimInsertQL, append(args, 1)...); err != nil {
			return fmt.Errorf("insert claim %s: %w", c.Number, err)
		}
		c.VersionID = 1
	} else {
		tag, err := q.Exec(ctx, claimUpdateQL, append(args, c.VersionID)...)
		if err != nil {
			return fmt.Errorf("update claim %s: %w", c.Number, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("claim %s: %w", c.Number, ErrVersionConflict)
		}
		c.VersionID++
	}

	b := &pgx.Batch{}
	b.Queue(`DELETE FROM claim_line_item WHERE claim_id = $1`, c.ID)
	for _, li := range c.LineItems {
		b.Queue(`INSERT INTO claim_line_item (`+lineCols+`) VALUES (`+placeholders(1, 16)+`)`,
			li.ID, c.ID, li.LineNumber, li.ProcedureCode, nonNil(li.Modifiers), nonNil(li.DiagnosisPointers), li.Units,
			li.UnitCharge, li.TotalCharge, li.Allowed, li.Paid, li.Adjusted, li.PatientAmount,
			li.Status, li.DenialReason, nonNil(li.Adjustments))
	}
	if err := q.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save line items for %s: %w", c.Number, err)
	}
	return nil
}

func (r *claimRepoPG) NextClaimNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('claim_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next claim number: %w", err)
	}
	return fmt.Sprintf("CLM-%06d", n), nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

var paymentDataCols = []string{
	"payment_number", "source", "method", "amount", "unapplied_amount", "status",
	"reference", "patient_id", "payer_id", "received_date", "memo", "void_reason",
	"created_at", "updated_at", "posted_at", "voided_at",
}

var (
	paymentCols     = "id, " + strings.Join(paymentDataCols, ", ") + ", version_id"
	paymentInsertQL = `INSERT INTO payment (` + paymentCols + `) VALUES ($1, ` +
		placeholders(2, len(paymentDataCols)) + fmt.Sprintf(`, $%d)`, len(paymentDataCols)+2)
	paymentUpdateQL = `UPDATE payment SET ` + setList(paymentDataCols, 2) +
		`, version_id = version_id + 1 WHERE id = $1 AND version_id = ` + fmt.Sprintf("$%d", len(paymentDataCols)+2)
)

const applicationCols = `id, payment_id, claim_id, line_item_id, amount, applied_at, applied_by`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID,
		&p.Number, &p.Source, &p.Method, &p.Amount, &p.UnappliedAmount, &p.Status,
		&p.Reference, &p.PatientID, &p.PayerID, &p.ReceivedDate, &p.Memo, &p.VoidReason,
		&p.CreatedAt, &p.UpdatedAt, &p.PostedAt, &p.VoidedAt,
		&p.VersionID)
	return p, err
}

func (r *paymentRepoPG) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, NotFound("payment", id.String())
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	payments := []Payment{p}
	if err := r.loadApplications(ctx, payments); err != nil {
		return Payment{}, err
	}
	return payments[0], nil
}

func (r *paymentRepoPG) FindUnapplied(ctx context.Context, patientID string) ([]Payment, error) {
	sql := `SELECT ` + paymentCols + ` FROM payment WHERE unapplied_amount > 0 AND status IN ('pending', 'posted')`
	var args []interface{}
	if patientID != "" {
		sql += ` AND patient_id = $1`
		args = append(args, patientID)
	}
	sql += ` ORDER BY received_date, payment_number`

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query unapplied payments: %w", err)
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadApplications(ctx, payments); err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *paymentRepoPG) loadApplications(ctx context.Context, payments []Payment) error {
	if len(payments) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(payments))
	index := make(map[uuid.UUID]int, len(payments))
	for i := range payments {
		ids[i] = payments[i].ID
		index[payments[i].ID] = i
		payments[i].Applications = []PaymentApplication{}
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+applicationCols+` FROM payment_application
		WHERE payment_id = ANY($1::uuid[]) ORDER BY applied_at, id`, uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a PaymentApplication
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.ClaimID, &a.LineItemID, &a.Amount, &a.AppliedAt, &a.AppliedBy); err != nil {
			return fmt.Errorf("scan application: %w", err)
		}
		i := index[a.PaymentID]
		payments[i].Applications = append(payments[i].Applications, a)
	}
	return rows.Err()
}

// Save writes the payment row and appends any applications not yet stored.
// Applications are never updated or deleted.
func (r *paymentRepoPG) Save(ctx context.Context, p *Payment) error {
	q := r.conn(ctx)
	args := []interface{}{
		p.ID,
		p.Number, p.Source, p.Method, p.Amount, p.UnappliedAmount, p.Status,
		p.Reference, p.PatientID, p.PayerID, p.ReceivedDate, p.Memo, p.VoidReason,
		p.CreatedAt, p.UpdatedAt, p.PostedAt, p.VoidedAt,
	}
	if p.VersionID == 0 {
		if _, err := q.Exec(ctx, paymentInsertQL, append(args, 1)...); err != nil {
			return fmt.Errorf("insert payment %s: %w", p.Number, err)
		}
		p.VersionID = 1
	} else {
		tag, err := q.Exec(ctx, paymentUpdateQL, append(args, p.VersionID)...)
		if err != nil {
			return fmt.Errorf("update payment %s: %w", p.Number, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("payment %s: %w", p.Number, ErrVersionConflict)
		}
		p.VersionID++
	}

	if len(p.Applications) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, a := range p.Applications {
		b.Queue(`INSERT INTO payment_application (`+applicationCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			a.ID, p.ID, a.ClaimID, a.LineItemID, a.Amount, a.AppliedAt, a.AppliedBy)
	}
	if err := q.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save applications for %s: %w", p.Number, err)
	}
	return nil
}

func (r *paymentRepoPG) NextPaymentNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('payment_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next payment number: %w", err)
	}
	return fmt.Sprintf("PMT-%06d", n), nil
}

// =========== Adjustment Repository ===========

type adjustmentRepoPG struct{ pool *pgxpool.Pool }

func NewAdjustmentRepoPG(pool *pgxpool.Pool) AdjustmentRepository { return &adjustmentRepoPG{pool: pool} }

func (r *adjustmentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const adjCols = `id, claim_id, line_item_id, reason, group_code, reason_code, amount, note,
	created_by, approved_by, created_at, approved_at, posted`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var a Adjustment
	err := row.Scan(&a.ID, &a.ClaimID, &a.LineItemID, &a.Reason, &a.GroupCode, &a.ReasonCode, &a.Amount, &a.Note,
		&a.CreatedBy, &a.ApprovedBy, &a.CreatedAt, &a.ApprovedAt, &a.Posted)
	return a, err
}

func (r *adjustmentRepoPG) Get(ctx context.Context, id uuid.UUID) (Adjustment, error) {
	a, err := scanAdjustment(r.conn(ctx).QueryRow(ctx, `SELECT `+adjCols+` FROM adjustment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Adjustment{}, NotFound("adjustment", id.String())
	}
	if err != nil {
		return Adjustment{}, fmt.Errorf("get adjustment %s: %w", id, err)
	}
	return a, nil
}

// Save inserts the adjustment or records its approval and posting. Amount and
// reason never change after insert.
func (r *adjustmentRepoPG) Save(ctx context.Context, a *Adjustment) error {
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO adjustment (`+adjCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET approved_by = EXCLUDED.approved_by,
			approved_at = EXCLUDED.approved_at, posted = EXCLUDED.posted`,
		a.ID, a.ClaimID, a.LineItemID, a.Reason, a.GroupCode, a.ReasonCode, a.Amount, a.Note,
		a.CreatedBy, a.ApprovedBy, a.CreatedAt, a.ApprovedAt, a.Posted)
	if err != nil {
		return fmt.Errorf("save adjustment %s: %w", a.ID, err)
	}
	return nil
}

func (r *adjustmentRepoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]Adjustment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+adjCols+` FROM adjustment WHERE claim_id = $1 ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =========== Lookups ===========

type policyLookupPG struct{ pool *pgxpool.Pool }

func NewPolicyLookupPG(pool *pgxpool.Pool) PolicyLookup { return &policyLookupPG{pool: pool} }

func (r *policyLookupPG) GetPolicy(ctx context.Context, id string) (InsurancePolicy, error) {
	var p InsurancePolicy
	err := connFor(ctx, r.pool).QueryRow(ctx, `SELECT id, patient_id, payer_id, policy_number, group_number,
			status, effective_from, effective_to, verification_status
		FROM insurance_policy WHERE id = $1`, id).
		Scan(&p.ID, &p.PatientID, &p.PayerID, &p.PolicyNumber, &p.GroupNumber,
			&p.Status, &p.EffectiveFrom, &p.EffectiveTo, &p.VerificationStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return InsurancePolicy{}, NotFound("policy", id)
	}
	if err != nil {
		return InsurancePolicy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

// PatientIndexPG answers fallback name lookups from the patient_index table.
type PatientIndexPG struct{ pool *pgxpool.Pool }

func NewPatientIndexPG(pool *pgxpool.Pool) *PatientIndexPG { return &PatientIndexPG{pool: pool} }

func (r *PatientIndexPG) FindPatientsByName(ctx context.Context, normalizedName string) ([]string, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT patient_id FROM patient_index WHERE normalized_name = $1 ORDER BY patient_id`, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("find patients by name: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Index records or renames a patient for fallback matching.
func (r *PatientIndexPG) Index(ctx context.Context, patientID, displayName string) error {
	_, err := connFor(ctx, r.pool).Exec(ctx, `INSERT INTO patient_index (patient_id, display_name, normalized_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO UPDATE SET display_name = EXCLUDED.display_name,
			normalized_name = EXCLUDED.normalized_name`,
		patientID, displayName, NormalizeName(displayName))
	if err != nil {
		return fmt.Errorf("index patient %s: %w", patientID, err)
	}
	return nil
}
