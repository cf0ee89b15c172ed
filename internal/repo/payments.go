package repo

import (
	"context"
	"database/sql"
	"fmt"

	"milestonepay/internal/domain"
	"milestonepay/internal/money"
)

// InsertPaymentTx appends a record and its recipients to the project ledger.
func (r Repo) InsertPaymentTx(ctx context.Context, tx *sql.Tx, p domain.PaymentRecord) error {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM payments WHERE project_id=?`, p.ProjectID).Scan(&seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO payments(id,project_id,milestone,amount,currency,transaction_proof,paid_date,confirmed_by,seq) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, string(p.Milestone), formatAmount(p.Amount), string(p.Currency), p.TransactionProof, p.PaidDate, p.ConfirmedBy, seq); err != nil {
		return err
	}
	for i, rcpt := range p.Recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO payment_recipients(payment_id,position,name,address,amount) VALUES (?,?,?,?,?)`,
			p.ID, i, nullable(rcpt.Name), rcpt.Address, formatAmount(rcpt.Amount)); err != nil {
			return fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}
	return nil
}

// HasMilestoneTx reports whether the project ledger already holds milestone.
func (r Repo) HasMilestoneTx(ctx context.Context, tx *sql.Tx, projectID string, milestone domain.Milestone) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM payments WHERE project_id=? AND milestone=? LIMIT 1`, projectID, string(milestone)).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasBountyProofTx reports whether a bounty with the same proof was recorded.
func (r Repo) HasBountyProofTx(ctx context.Context, tx *sql.Tx, projectID, proof string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM payments WHERE project_id=? AND milestone='BOUNTY' AND transaction_proof=? LIMIT 1`, projectID, proof).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListPayments returns the project ledger in append order.
func (r Repo) ListPayments(ctx context.Context, projectID string) ([]domain.PaymentRecord, error) {
	return listPayments(ctx, r.DB, projectID)
}

func (r Repo) ListPaymentsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.PaymentRecord, error) {
	return listPayments(ctx, tx, projectID)
}

func listPayments(ctx context.Context, q querier, projectID string) ([]domain.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,project_id,milestone,amount,currency,transaction_proof,paid_date,confirmed_by FROM payments WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	res := []domain.PaymentRecord{}
	for rows.Next() {
		var (
			p              domain.PaymentRecord
			milestone, cur string
			amount         string
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &milestone, &amount, &cur, &p.TransactionProof, &p.PaidDate, &p.ConfirmedBy); err != nil {
			rows.Close()
			return nil, err
		}
		p.Milestone = domain.Milestone(milestone)
		p.Currency = money.Currency(cur)
		if p.Amount, err = parseAmount(amount); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		recipients, err := listRecipients(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Recipients = recipients
	}
	return res, nil
}

func listRecipients(ctx context.Context, q querier, paymentID string) ([]domain.Recipient, error) {
	rows, err := q.QueryContext(ctx, `SELECT COALESCE(name,''),address,amount FROM payment_recipients WHERE payment_id=? ORDER BY position`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Recipient{}
	for rows.Next() {
		var (
			rc     domain.Recipient
			amount string
		)
		if err := rows.Scan(&rc.Name, &rc.Address, &amount); err != nil {
			return nil, err
		}
		if rc.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}
