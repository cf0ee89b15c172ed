package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/events"
	"milestonepay/internal/money"
	"milestonepay/internal/repo"
	"milestonepay/internal/ss58"
)

// ConfirmPaymentOptions are the inputs of a payment confirmation.
type ConfirmPaymentOptions struct {
	ProjectID        string
	Milestone        domain.Milestone
	Recipients       []domain.Recipient
	TotalAmount      money.Amount
	Currency         money.Currency
	TransactionProof string
}

// ConfirmPayment validates and appends a payment to a project ledger. Only
// global admins may confirm. The existence checks and the append run under a
// per-project lock inside one transaction, and the milestone unique index
// backs them up across processes.
func (e Engine) ConfirmPayment(ctx context.Context, actor domain.AuthorizedActor, opts ConfirmPaymentOptions) (domain.PaymentRecord, error) {
	rec, err := e.confirmPayment(ctx, actor, opts)
	if err != nil {
		e.Metrics.rejected(err)
		return domain.PaymentRecord{}, err
	}
	e.Metrics.confirmed(string(rec.Milestone), string(rec.Currency))
	e.logger().InfoContext(ctx, "payment confirmed",
		"project", rec.ProjectID, "milestone", rec.Milestone, "amount", money.Format(rec.Amount, rec.Currency), "currency", rec.Currency)
	return rec, nil
}

func (e Engine) confirmPayment(ctx context.Context, actor domain.AuthorizedActor, opts ConfirmPaymentOptions) (domain.PaymentRecord, error) {
	if !actor.IsGlobalAdmin() {
		return domain.PaymentRecord{}, auth.ForbiddenError{Address: actor.Address, Scope: "payment confirmation"}
	}
	if err := validatePaymentShape(opts); err != nil {
		return domain.PaymentRecord{}, err
	}

	unlock := e.lockProject(opts.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PaymentRecord{}, ledgerErr(KindNotFound, "project %s not found", opts.ProjectID)
		}
		return domain.PaymentRecord{}, err
	}
	if opts.Milestone == domain.MilestoneM2 {
		hasM1, err := e.Repo.HasMilestoneTx(ctx, tx, opts.ProjectID, domain.MilestoneM1)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		if !hasM1 {
			return domain.PaymentRecord{}, ledgerErr(KindOrderingViolation, "M1 must be paid before M2")
		}
	}
	switch opts.Milestone {
	case domain.MilestoneM1, domain.MilestoneM2:
		exists, err := e.Repo.HasMilestoneTx(ctx, tx, opts.ProjectID, opts.Milestone)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		if exists {
			return domain.PaymentRecord{}, ledgerErr(KindDuplicateMilestone, "%s has already been paid for project %s", opts.Milestone, opts.ProjectID)
		}
	case domain.MilestoneBounty:
		exists, err := e.Repo.HasBountyProofTx(ctx, tx, opts.ProjectID, opts.TransactionProof)
		if err != nil {
			return domain.PaymentRecord{}, err
		}
		if exists {
			return domain.PaymentRecord{}, ledgerErr(KindDuplicateMilestone, "a bounty with this transaction proof is already recorded")
		}
	}
	if err := validateProofURL(opts.TransactionProof); err != nil {
		return domain.PaymentRecord{}, err
	}
	if err := validateDistribution(opts); err != nil {
		return domain.PaymentRecord{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.PaymentRecord{
		ID:               uuid.NewString(),
		ProjectID:        opts.ProjectID,
		Milestone:        opts.Milestone,
		Amount:           opts.TotalAmount,
		Currency:         opts.Currency,
		TransactionProof: opts.TransactionProof,
		PaidDate:         now,
		ConfirmedBy:      actor.Address,
		Recipients:       opts.Recipients,
	}
	if err := e.Repo.InsertPaymentTx(ctx, tx, rec); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.PaymentRecord{}, ledgerErr(KindDuplicateMilestone, "%s has already been paid for project %s", opts.Milestone, opts.ProjectID)
		}
		return domain.PaymentRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PaymentConfirmed, rec.ProjectID, events.KindPayment, rec.ID, actor.Address, events.EventPayload{
		"milestone":         rec.Milestone,
		"amount":            money.Format(rec.Amount, rec.Currency),
		"currency":          rec.Currency,
		"transaction_proof": rec.TransactionProof,
		"recipients":        len(rec.Recipients),
	}); err != nil {
		return domain.PaymentRecord{}, err
	}
	if rec.Milestone == domain.MilestoneM2 {
		if err := e.Repo.SetM2StatusTx(ctx, tx, rec.ProjectID, domain.M2StatusCompleted, &now, now); err != nil {
			return domain.PaymentRecord{}, err
		}
		if err := e.Events.Append(ctx, tx, events.ProjectCompleted, rec.ProjectID, events.KindProject, rec.ProjectID, actor.Address, events.EventPayload{
			"completion_date": now,
		}); err != nil {
			return domain.PaymentRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentRecord{}, err
	}
	return rec, nil
}

func validatePaymentShape(opts ConfirmPaymentOptions) error {
	if strings.TrimSpace(opts.ProjectID) == "" {
		return ledgerErr(KindInvalidInput, "project is required")
	}
	if !opts.Milestone.Valid() {
		return ledgerErr(KindInvalidInput, "milestone must be M1, M2 or BOUNTY")
	}
	if !opts.Currency.Valid() {
		return ledgerErr(KindInvalidInput, "currency must be USDC or DOT")
	}
	if opts.TotalAmount == 0 {
		return ledgerErr(KindInvalidInput, "total amount must be positive")
	}
	if len(opts.Recipients) == 0 {
		return ledgerErr(KindInvalidInput, "at least one recipient is required")
	}
	for i, r := range opts.Recipients {
		if !ss58.Valid(r.Address) {
			return &LedgerError{Kind: KindInvalidInput, Reason: "recipient address is not a valid SS58 address", Details: map[string]any{"index": i, "address": r.Address}}
		}
		if r.Amount == 0 {
			return &LedgerError{Kind: KindInvalidInput, Reason: "recipient amount must be positive", Details: map[string]any{"index": i}}
		}
	}
	return nil
}

func validateProofURL(proof string) error {
	u, err := url.Parse(strings.TrimSpace(proof))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ledgerErr(KindInvalidProofURL, "transaction proof must be an http(s) URL")
	}
	return nil
}

// validateDistribution requires the recipients to add up to the total
// exactly; amounts are integer minor units so no tolerance applies.
func validateDistribution(opts ConfirmPaymentOptions) error {
	amounts := make([]money.Amount, len(opts.Recipients))
	for i, r := range opts.Recipients {
		amounts[i] = r.Amount
	}
	sum, err := money.Sum(amounts...)
	if err != nil || sum != opts.TotalAmount {
		return &LedgerError{
			Kind:   KindDistributionMismatch,
			Reason: "recipient amounts must add up to the total amount",
			Details: map[string]any{
				"total": money.Format(opts.TotalAmount, opts.Currency),
				"sum":   money.Format(sum, opts.Currency),
			},
		}
	}
	return nil
}

// PayoutSplit proposes an equal split of total across the project roster.
func (e Engine) PayoutSplit(ctx context.Context, projectID string, total money.Amount, currency money.Currency) ([]domain.Recipient, error) {
	if !currency.Valid() {
		return nil, ledgerErr(KindInvalidInput, "currency must be USDC or DOT")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ledgerErr(KindNotFound, "project %s not found", projectID)
		}
		return nil, err
	}
	members := p.Team
	if len(members) == 0 {
		return nil, ledgerErr(KindInvalidInput, "project %s has no team members", projectID)
	}
	shares := money.EqualSplit(total, len(members))
	out := make([]domain.Recipient, len(members))
	for i, m := range members {
		out[i] = domain.Recipient{Name: m.Name, Address: m.Address, Amount: shares[i]}
	}
	return out, nil
}
