package repo

import (
	"context"
	"database/sql"

	"readyline/internal/db"
	"readyline/internal/domain"
)

const proofColumns = `id,org_id,unit_id,type,COALESCE(url,''),COALESCE(file_hash,''),COALESCE(reference_number,''),
COALESCE(expiry_date,''),uploaded_by,uploaded_at,valid,COALESCE(invalidated_by,''),invalidated_at,
COALESCE(invalidation_reason,''),approval_state,COALESCE(decided_by,''),decided_at,COALESCE(decision_reason,''),
COALESCE(replaces_proof_id,''),COALESCE(superseded_by,''),superseded_at`

func scanProof(s interface{ Scan(...any) error }) (domain.Proof, error) {
	var (
		p                                      domain.Proof
		typ, state                             string
		valid                                  int
		invalidatedAt, decidedAt, supersededAt sql.NullString
	)
	if err := s.Scan(&p.ID, &p.OrgID, &p.UnitID, &typ, &p.URL, &p.FileHash, &p.ReferenceNumber,
		&p.ExpiryDate, &p.UploadedBy, &p.UploadedAt, &valid, &p.InvalidatedBy, &invalidatedAt,
		&p.InvalidationReason, &state, &p.DecidedBy, &decidedAt, &p.DecisionReason,
		&p.ReplacesProofID, &p.SupersededBy, &supersededAt); err != nil {
		return p, err
	}
	p.Type = domain.ProofType(typ)
	p.ApprovalState = domain.ApprovalState(state)
	p.Valid = valid == 1
	p.InvalidatedAt = stringPtr(invalidatedAt)
	p.DecidedAt = stringPtr(decidedAt)
	p.SupersededAt = stringPtr(supersededAt)
	return p, nil
}

func (r Repo) InsertProof(ctx context.Context, q db.DBTX, p domain.Proof) error {
	_, err := q.ExecContext(ctx, `INSERT INTO proofs(id,org_id,unit_id,type,url,file_hash,reference_number,expiry_date,
uploaded_by,uploaded_at,valid,approval_state,replaces_proof_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.UnitID, string(p.Type), nullable(p.URL), nullable(p.FileHash), nullable(p.ReferenceNumber),
		nullable(p.ExpiryDate), p.UploadedBy, p.UploadedAt, boolInt(p.Valid), string(p.ApprovalState), nullable(p.ReplacesProofID))
	return err
}

func (r Repo) GetProof(ctx context.Context, id string) (domain.Proof, error) {
	return r.GetProofTx(ctx, r.DB, id)
}

func (r Repo) GetProofTx(ctx context.Context, q db.DBTX, id string) (domain.Proof, error) {
	p, err := scanProof(q.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProofs(ctx context.Context, unitID string) ([]domain.Proof, error) {
	return r.ListProofsTx(ctx, r.DB, unitID)
}

// ListProofsTx returns every proof for a unit in upload order, superseded and
// invalid ones included.
func (r Repo) ListProofsTx(ctx context.Context, q db.DBTX, unitID string) ([]domain.Proof, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE unit_id=? ORDER BY uploaded_at, id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DecideProof moves a pending proof to approved or rejected. The state guard
// in the WHERE clause makes a lost race surface as ErrNotFound.
func (r Repo) DecideProof(ctx context.Context, q db.DBTX, id string, state domain.ApprovalState, approverID, reason, now string) error {
	return exec1(ctx, q, `UPDATE proofs SET approval_state=?, decided_by=?, decided_at=?, decision_reason=?
WHERE id=? AND approval_state='pending'`, string(state), approverID, now, nullable(reason), id)
}

// AmendProofFields fills structured fields on a pending proof.
func (r Repo) AmendProofFields(ctx context.Context, q db.DBTX, id, url, fileHash, referenceNumber, expiryDate string) error {
	return exec1(ctx, q, `UPDATE proofs SET url=COALESCE(?,url), file_hash=COALESCE(?,file_hash),
reference_number=COALESCE(?,reference_number), expiry_date=COALESCE(?,expiry_date)
WHERE id=? AND approval_state='pending'`, nullable(url), nullable(fileHash), nullable(referenceNumber), nullable(expiryDate), id)
}

func (r Repo) InvalidateProof(ctx context.Context, q db.DBTX, id, actorID, reason, now string) error {
	return exec1(ctx, q, `UPDATE proofs SET valid=0, invalidated_by=?, invalidated_at=?, invalidation_reason=? WHERE id=? AND valid=1`,
		actorID, now, reason, id)
}

// SupersedeProof marks an approved, live proof as replaced. Returns
// ErrNotFound when the target is not approved or is already superseded.
func (r Repo) SupersedeProof(ctx context.Context, q db.DBTX, id, supersededBy, now string) error {
	return exec1(ctx, q, `UPDATE proofs SET superseded_by=?, superseded_at=?
WHERE id=? AND approval_state='approved' AND superseded_by IS NULL`, supersededBy, now, id)
}
