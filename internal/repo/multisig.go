package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"milestonepay/internal/domain"
	"milestonepay/internal/money"
)

const multisigColumns = `id,call_hash,call_data,currency,transfers_json,multisig_account,threshold,signatories_json,initiator,approvals,timepoint_height,timepoint_index,status,COALESCE(extrinsic_hash,''),COALESCE(transaction_proof,''),created_at,updated_at`

func scanMultisig(row rowScanner) (domain.MultisigTransaction, error) {
	var (
		m                  domain.MultisigTransaction
		currency, status   string
		transfers, signers string
		height, index      sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.CallHash, &m.CallData, &currency, &transfers, &m.MultisigAccount, &m.Threshold, &signers, &m.Initiator, &m.Approvals, &height, &index, &status, &m.ExtrinsicHash, &m.TransactionProof, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Currency = money.Currency(currency)
	m.Status = domain.MultisigStatus(status)
	if err := json.Unmarshal([]byte(transfers), &m.Transfers); err != nil {
		return m, fmt.Errorf("decode transfers: %w", err)
	}
	if err := json.Unmarshal([]byte(signers), &m.Signatories); err != nil {
		return m, fmt.Errorf("decode signatories: %w", err)
	}
	if height.Valid && index.Valid {
		m.Timepoint = &domain.Timepoint{Height: uint32(height.Int64), Index: uint32(index.Int64)}
	}
	return m, nil
}

func timepointArgs(tp *domain.Timepoint) (any, any) {
	if tp == nil {
		return nil, nil
	}
	return int64(tp.Height), int64(tp.Index)
}

func (r Repo) InsertMultisigTx(ctx context.Context, tx *sql.Tx, m domain.MultisigTransaction) error {
	transfers, err := json.Marshal(m.Transfers)
	if err != nil {
		return err
	}
	signers, err := json.Marshal(m.Signatories)
	if err != nil {
		return err
	}
	height, index := timepointArgs(m.Timepoint)
	_, err = tx.ExecContext(ctx, `INSERT INTO multisig_transactions(id,call_hash,call_data,currency,transfers_json,multisig_account,threshold,signatories_json,initiator,approvals,timepoint_height,timepoint_index,status,extrinsic_hash,transaction_proof,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.CallHash, m.CallData, string(m.Currency), string(transfers), m.MultisigAccount, m.Threshold, string(signers), m.Initiator, m.Approvals, height, index, string(m.Status), nullable(m.ExtrinsicHash), nullable(m.TransactionProof), m.CreatedAt, m.UpdatedAt)
	return err
}

// UpdateMultisigTx persists the mutable progress fields of a record.
func (r Repo) UpdateMultisigTx(ctx context.Context, tx *sql.Tx, m domain.MultisigTransaction) error {
	height, index := timepointArgs(m.Timepoint)
	res, err := tx.ExecContext(ctx, `UPDATE multisig_transactions SET approvals=?,timepoint_height=?,timepoint_index=?,status=?,extrinsic_hash=?,transaction_proof=?,updated_at=? WHERE id=?`,
		m.Approvals, height, index, string(m.Status), nullable(m.ExtrinsicHash), nullable(m.TransactionProof), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMultisig(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM multisig_transactions WHERE id=?`, id)
	return err
}

// GetMultisig returns the most recent record for a call hash, preferring a
// live one over terminal history.
func (r Repo) GetMultisig(ctx context.Context, callHash string) (domain.MultisigTransaction, error) {
	m, err := scanMultisig(r.DB.QueryRowContext(ctx, `SELECT `+multisigColumns+` FROM multisig_transactions WHERE call_hash=?
ORDER BY CASE WHEN status IN ('uninitiated','initiated','partially_approved') THEN 0 ELSE 1 END, created_at DESC, rowid DESC LIMIT 1`, callHash))
	if err != nil {
		return m, err
	}
	approvers, err := r.ListApprovers(ctx, m.ID)
	if err != nil {
		return m, err
	}
	m.Approvers = approvers
	return m, nil
}

// ListMultisig returns records newest first, optionally filtered by status.
func (r Repo) ListMultisig(ctx context.Context, status string, limit int) ([]domain.MultisigTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + multisigColumns + ` FROM multisig_transactions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.MultisigTransaction{}
	for rows.Next() {
		m, err := scanMultisig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) AddApprovalTx(ctx context.Context, tx *sql.Tx, transactionID, signer, extrinsicHash, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO multisig_approvals(transaction_id,signer,extrinsic_hash,created_at) VALUES (?,?,?,?)`,
		transactionID, signer, nullable(extrinsicHash), createdAt)
	return err
}

// ListApprovers returns signers in approval order, initiator first.
func (r Repo) ListApprovers(ctx context.Context, transactionID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT signer FROM multisig_approvals WHERE transaction_id=? ORDER BY created_at, rowid`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
