// Package multisig coordinates threshold-approved batch payouts. The chain
// is the authority for every staged call; local records mirror it.
package multisig

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"milestonepay/internal/chain"
	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/events"
	"milestonepay/internal/lockset"
	"milestonepay/internal/money"
	"milestonepay/internal/repo"
	"milestonepay/internal/ss58"
	"milestonepay/internal/wallet"
)

const tracerName = "milestonepay/multisig"

// Chain reads the authoritative multisig state.
type Chain interface {
	PendingMultisig(ctx context.Context, account ss58.AccountID, callHash [32]byte) (*chain.PendingMultisig, error)
	FindExtrinsic(ctx context.Context, blockHash, extrinsicHash string) (domain.Timepoint, error)
}

// Wallet signs and submits calls on behalf of a signatory.
type Wallet interface {
	SignAndSubmit(ctx context.Context, sub wallet.Submission) (wallet.Receipt, error)
}

type Coordinator struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Chain   Chain
	Wallet  Wallet
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics

	locks       *lockset.Set
	signatories []ss58.AccountID
	account     ss58.AccountID
}

func New(db *sql.DB, cfg *config.Config, ch Chain, w Wallet) (*Coordinator, error) {
	sigs, err := Signatories(cfg.Multisig.Signers)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Chain:       ch,
		Wallet:      w,
		Config:      cfg,
		Now:         time.Now,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:       lockset.New(),
		signatories: sigs,
		account:     Account(sigs, cfg.Multisig.Threshold),
	}, nil
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) address(id ss58.AccountID) string {
	return ss58.Encode(id, c.Config.SS58Prefix())
}

// Account returns the multisig account address.
func (c *Coordinator) Account() string {
	return c.address(c.account)
}

func (c *Coordinator) threshold() uint16 {
	return c.Config.Multisig.Threshold
}

func (c *Coordinator) weight() Weight {
	return Weight{RefTime: c.Config.Multisig.MaxWeightRefTime, ProofSize: c.Config.Multisig.MaxWeightProofSize}
}

func (c *Coordinator) signatoryAddresses() []string {
	out := make([]string, len(c.signatories))
	for i, id := range c.signatories {
		out[i] = c.address(id)
	}
	return out
}

// signer resolves address to a configured signatory.
func (c *Coordinator) signer(address string) (ss58.AccountID, error) {
	id, _, err := ss58.Decode(address)
	if err != nil {
		return id, errorf(KindNotSignatory, "%q is not a valid SS58 address", address)
	}
	for _, s := range c.signatories {
		if s == id {
			return id, nil
		}
	}
	return id, errorf(KindNotSignatory, "%s is not a signatory of the multisig account", address)
}

func (c *Coordinator) pending(ctx context.Context, hash [32]byte) (*chain.PendingMultisig, error) {
	p, err := c.Chain.PendingMultisig(ctx, c.account, hash)
	if err != nil {
		return nil, chainErr(err)
	}
	return p, nil
}

func chainErr(err error) error {
	return &Error{
		Kind:      KindChainUnavailable,
		Reason:    fmt.Sprintf("querying chain state failed: %v", err),
		Retriable: errors.Is(err, chain.ErrUnavailable),
		Err:       err,
	}
}

func walletErr(err error) error {
	kind := KindWalletUnavailable
	switch {
	case errors.Is(err, wallet.ErrNoSigner):
		kind = KindNoSignerAccount
	case errors.Is(err, wallet.ErrRejected):
		kind = KindSubmissionRejected
	}
	return &Error{Kind: kind, Reason: err.Error(), Err: err}
}

func startSpan(ctx context.Context, op, callHash string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "multisig."+op, trace.WithAttributes(attribute.String("multisig.call_hash", callHash)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func sameAccount(address string, id ss58.AccountID) bool {
	other, _, err := ss58.Decode(address)
	return err == nil && other == id
}

// Initiate stages a batch of transfers as a new multisig call signed by
// initiator.
func (c *Coordinator) Initiate(ctx context.Context, set domain.CallSet, initiator string) (rec domain.MultisigTransaction, err error) {
	call, err := BuildBatch(set)
	if err != nil {
		c.Metrics.observe("initiate", err)
		return rec, err
	}
	hash := CallHash(call)
	hashHex := FormatHash(hash)
	ctx, span := startSpan(ctx, "initiate", hashHex)
	defer func() {
		endSpan(span, err)
		c.Metrics.observe("initiate", err)
	}()

	who, err := c.signer(initiator)
	if err != nil {
		return rec, err
	}
	unlock := c.locks.Lock(hashHex)
	defer unlock()

	existing, err := c.Repo.GetMultisig(ctx, hashHex)
	switch {
	case err == nil && existing.Status == domain.StatusUninitiated:
		adopted, staged, err := c.adopt(ctx, hash, existing)
		if err != nil {
			return rec, err
		}
		if staged != nil {
			return adopted, errorf(KindAlreadyPending, "call %s is already staged on chain at %d-%d", hashHex, staged.When.Height, staged.When.Index)
		}
		// the earlier submission never reached the chain
		if err := c.Repo.DeleteMultisig(ctx, existing.ID); err != nil {
			return rec, err
		}
	case err == nil && !existing.Status.Terminal():
		return rec, errorf(KindAlreadyPending, "call %s is already pending", hashHex)
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return rec, err
	}
	p, err := c.pending(ctx, hash)
	if err != nil {
		return rec, err
	}
	if p != nil {
		return rec, errorf(KindAlreadyPending, "call %s is already staged on chain at %d-%d", hashHex, p.When.Height, p.When.Index)
	}

	now := c.now().UTC().Format(time.RFC3339)
	rec = domain.MultisigTransaction{
		ID:              uuid.NewString(),
		CallHash:        hashHex,
		CallData:        "0x" + hex.EncodeToString(call),
		Currency:        set.Currency,
		Transfers:       set.Transfers,
		MultisigAccount: c.Account(),
		Threshold:       c.threshold(),
		Signatories:     c.signatoryAddresses(),
		Initiator:       c.address(who),
		Approvers:       []string{},
		Status:          domain.StatusUninitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.insert(ctx, rec); err != nil {
		return domain.MultisigTransaction{}, err
	}

	start := time.Now()
	receipt, err := c.Wallet.SignAndSubmit(ctx, wallet.Submission{
		Signer: rec.Initiator,
		Call:   AsMulti(c.threshold(), Others(c.signatories, who), nil, call, c.weight()),
	})
	c.Metrics.submitted("initiate", time.Since(start))
	if err != nil {
		if !definitive(err) {
			// the call may still land; approve, cancel or a retried
			// initiate adopts it from chain storage
			c.Logger.Warn("initiation outcome unknown", "call_hash", hashHex, "initiator", rec.Initiator, "error", err)
			return rec, walletErr(err)
		}
		if derr := c.Repo.DeleteMultisig(context.WithoutCancel(ctx), rec.ID); derr != nil {
			c.Logger.Error("drop rejected multisig record", "id", rec.ID, "error", derr)
		}
		return domain.MultisigTransaction{}, walletErr(err)
	}
	rec.ExtrinsicHash = receipt.ExtrinsicHash
	if err := c.save(ctx, rec); err != nil {
		return rec, err
	}

	tp, err := c.timepoint(ctx, receipt)
	if err != nil {
		// the call is staged; approve, cancel or a retried initiate adopts
		// the timepoint from chain storage
		c.Logger.Warn("timepoint unavailable after initiation", "call_hash", hashHex, "extrinsic", receipt.ExtrinsicHash, "error", err)
		return rec, err
	}
	rec.Timepoint = &tp
	rec.Status = domain.StatusInitiated
	rec.Approvals = 1
	rec.Approvers = []string{rec.Initiator}
	rec.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	if err := c.record(ctx, rec, rec.Initiator, receipt.ExtrinsicHash, events.MultisigInitiated); err != nil {
		return rec, err
	}
	c.Logger.InfoContext(ctx, "multisig initiated", "call_hash", hashHex, "initiator", rec.Initiator, "height", tp.Height, "index", tp.Index)
	return rec, nil
}

// timepoint prefers the NewMultisig event and falls back to locating the
// extrinsic in its block.
func (c *Coordinator) timepoint(ctx context.Context, receipt wallet.Receipt) (domain.Timepoint, error) {
	if tp := receipt.Timepoint(); tp != nil {
		return *tp, nil
	}
	tp, err := c.Chain.FindExtrinsic(ctx, receipt.BlockHash, receipt.ExtrinsicHash)
	if err != nil {
		return tp, chainErr(err)
	}
	return tp, nil
}

// definitive reports whether a wallet failure proves nothing was staged.
func definitive(err error) bool {
	return errors.Is(err, wallet.ErrNoSigner) || errors.Is(err, wallet.ErrRejected)
}

// adopt promotes an uninitiated record to the state chain storage holds
// for its call. A nil pending entry means the call is not staged and rec is
// returned unchanged.
func (c *Coordinator) adopt(ctx context.Context, hash [32]byte, rec domain.MultisigTransaction) (domain.MultisigTransaction, *chain.PendingMultisig, error) {
	p, err := c.pending(ctx, hash)
	if err != nil || p == nil {
		return rec, p, err
	}
	if !sameAccount(rec.Initiator, p.Depositor) {
		return rec, p, errorf(KindNotInitiator, "call %s was staged on chain by %s, not by %s", rec.CallHash, c.address(p.Depositor), rec.Initiator)
	}
	tp := p.When
	rec.Timepoint = &tp
	rec.Status = stagedStatus(len(p.Approvals))
	rec.Approvals = len(p.Approvals)
	rec.Approvers = make([]string, len(p.Approvals))
	for i, id := range p.Approvals {
		rec.Approvers[i] = c.address(id)
	}
	rec.UpdatedAt = c.now().UTC().Format(time.RFC3339)

	wctx := context.WithoutCancel(ctx)
	tx, err := c.DB.BeginTx(wctx, nil)
	if err != nil {
		return rec, p, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMultisigTx(wctx, tx, rec); err != nil {
		return rec, p, err
	}
	for _, a := range rec.Approvers {
		if err := c.Repo.AddApprovalTx(wctx, tx, rec.ID, a, "", rec.UpdatedAt); err != nil {
			return rec, p, err
		}
	}
	payload := eventPayload(rec, rec.ExtrinsicHash)
	payload["adopted"] = true
	if err := c.Events.Append(wctx, tx, events.MultisigInitiated, "", events.KindMultisig, rec.ID, rec.Initiator, payload); err != nil {
		return rec, p, err
	}
	if err := tx.Commit(); err != nil {
		return rec, p, err
	}
	c.Logger.InfoContext(ctx, "multisig adopted from chain", "call_hash", rec.CallHash, "height", tp.Height, "index", tp.Index, "approvals", rec.Approvals)
	return rec, p, nil
}

// resume adopts an uninitiated record before approve or cancel act on it.
func (c *Coordinator) resume(ctx context.Context, hash [32]byte, rec domain.MultisigTransaction) (domain.MultisigTransaction, error) {
	if rec.Status != domain.StatusUninitiated {
		return rec, nil
	}
	rec, p, err := c.adopt(ctx, hash, rec)
	if err != nil {
		return rec, err
	}
	if p == nil {
		return rec, errorf(KindNoPendingTransaction, "initiation of call %s never reached the chain; initiate it again", rec.CallHash)
	}
	return rec, nil
}

func (c *Coordinator) save(ctx context.Context, rec domain.MultisigTransaction) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMultisigTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) insert(ctx context.Context, rec domain.MultisigTransaction) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertMultisigTx(ctx, tx, rec); err != nil {
		if repo.IsUniqueViolation(err) {
			return errorf(KindAlreadyPending, "call %s is already pending", rec.CallHash)
		}
		return err
	}
	return tx.Commit()
}

// record persists progress after a submission succeeded on chain.
func (c *Coordinator) record(ctx context.Context, rec domain.MultisigTransaction, signer, extrinsicHash, evtType string) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMultisigTx(ctx, tx, rec); err != nil {
		return err
	}
	if evtType != events.MultisigCancelled {
		if err := c.Repo.AddApprovalTx(ctx, tx, rec.ID, signer, extrinsicHash, rec.UpdatedAt); err != nil {
			return err
		}
	}
	if err := c.Events.Append(ctx, tx, evtType, "", events.KindMultisig, rec.ID, signer, eventPayload(rec, extrinsicHash)); err != nil {
		return err
	}
	return tx.Commit()
}

func eventPayload(rec domain.MultisigTransaction, extrinsicHash string) events.EventPayload {
	payload := events.EventPayload{
		"call_hash":      rec.CallHash,
		"status":         rec.Status,
		"approvals":      rec.Approvals,
		"threshold":      rec.Threshold,
		"currency":       rec.Currency,
		"total":          money.Format(total(rec.Transfers), rec.Currency),
		"extrinsic_hash": extrinsicHash,
	}
	if rec.Timepoint != nil {
		payload["timepoint"] = rec.Timepoint
	}
	if rec.TransactionProof != "" {
		payload["transaction_proof"] = rec.TransactionProof
	}
	return payload
}

func total(transfers []domain.Transfer) money.Amount {
	amounts := make([]money.Amount, len(transfers))
	for i, t := range transfers {
		amounts[i] = t.Amount
	}
	sum, _ := money.Sum(amounts...)
	return sum
}

// load resolves a call hash to its live record.
func (c *Coordinator) load(ctx context.Context, callHash string) ([32]byte, domain.MultisigTransaction, error) {
	hash, err := ParseHash(callHash)
	if err != nil {
		return hash, domain.MultisigTransaction{}, err
	}
	rec, err := c.Repo.GetMultisig(ctx, FormatHash(hash))
	if errors.Is(err, repo.ErrNotFound) {
		return hash, rec, errorf(KindNotFound, "no multisig transaction for call %s", FormatHash(hash))
	}
	return hash, rec, err
}

// Approve adds approver's approval. The approval that reaches the threshold
// carries the full call and executes the batch.
func (c *Coordinator) Approve(ctx context.Context, callHash, approver string) (rec domain.MultisigTransaction, err error) {
	ctx, span := startSpan(ctx, "approve", callHash)
	defer func() {
		endSpan(span, err)
		c.Metrics.observe("approve", err)
	}()

	who, err := c.signer(approver)
	if err != nil {
		return rec, err
	}
	hash, err := ParseHash(callHash)
	if err != nil {
		return rec, err
	}
	unlock := c.locks.Lock(FormatHash(hash))
	defer unlock()

	hash, rec, err = c.load(ctx, callHash)
	if err != nil {
		return rec, err
	}
	if rec, err = c.resume(ctx, hash, rec); err != nil {
		return rec, err
	}
	switch rec.Status {
	case domain.StatusExecuted:
		return rec, errorf(KindThresholdAlreadyReached, "call %s has already been executed", rec.CallHash)
	case domain.StatusCancelled:
		return rec, errorf(KindNoPendingTransaction, "call %s is not pending approval", rec.CallHash)
	}
	if sameAccount(rec.Initiator, who) {
		return rec, errorf(KindSameSigner, "the initiator cannot also approve call %s", rec.CallHash)
	}
	for _, a := range rec.Approvers {
		if sameAccount(a, who) {
			return rec, errorf(KindSameSigner, "%s has already approved call %s", approver, rec.CallHash)
		}
	}

	// re-read the authoritative state right before submitting
	p, err := c.pending(ctx, hash)
	if err != nil {
		return rec, err
	}
	if p == nil {
		return rec, errorf(KindNoPendingTransaction, "call %s is no longer staged on chain", rec.CallHash)
	}
	if rec.Timepoint == nil || *rec.Timepoint != p.When {
		return rec, errorf(KindTimepointMismatch, "chain reports timepoint %d-%d for call %s, local record disagrees", p.When.Height, p.When.Index, rec.CallHash)
	}
	if p.Approved(who) {
		return rec, errorf(KindSameSigner, "%s has already approved call %s", approver, rec.CallHash)
	}
	threshold := c.threshold()
	count := len(p.Approvals)
	if count >= int(threshold) {
		return rec, errorf(KindThresholdAlreadyReached, "call %s already has %d of %d approvals", rec.CallHash, count, threshold)
	}

	final := count+1 == int(threshold)
	others := Others(c.signatories, who)
	var submission []byte
	if final {
		call, err := hex.DecodeString(strings.TrimPrefix(rec.CallData, "0x"))
		if err != nil {
			return rec, fmt.Errorf("stored call data: %w", err)
		}
		if CallHash(call) != hash {
			return rec, fmt.Errorf("stored call data does not hash to %s", rec.CallHash)
		}
		submission = AsMulti(threshold, others, &p.When, call, c.weight())
	} else {
		submission = ApproveAsMulti(threshold, others, &p.When, hash, c.weight())
	}

	op := "approve"
	if final {
		op = "execute"
	}
	start := time.Now()
	receipt, err := c.Wallet.SignAndSubmit(ctx, wallet.Submission{Signer: c.address(who), Call: submission})
	c.Metrics.submitted(op, time.Since(start))
	if err != nil {
		return rec, walletErr(err)
	}

	rec.Approvals = count + 1
	rec.Approvers = append(rec.Approvers, c.address(who))
	rec.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	evtType := events.MultisigApproved
	if final {
		rec.Status = domain.StatusExecuted
		rec.ExtrinsicHash = receipt.ExtrinsicHash
		rec.TransactionProof = c.proofURL(receipt.ExtrinsicHash)
		evtType = events.MultisigExecuted
	} else {
		rec.Status = domain.StatusPartiallyApproved
	}
	if err := c.record(ctx, rec, c.address(who), receipt.ExtrinsicHash, evtType); err != nil {
		return rec, err
	}
	c.Logger.InfoContext(ctx, "multisig approved", "call_hash", rec.CallHash, "approver", c.address(who), "approvals", rec.Approvals, "status", rec.Status)
	return rec, nil
}

func (c *Coordinator) proofURL(extrinsicHash string) string {
	if c.Config.Multisig.ExplorerURL == "" || extrinsicHash == "" {
		return ""
	}
	return fmt.Sprintf(c.Config.Multisig.ExplorerURL, extrinsicHash)
}

// Cancel removes a staged call. Only its initiator may cancel.
func (c *Coordinator) Cancel(ctx context.Context, callHash, initiator string) (rec domain.MultisigTransaction, err error) {
	ctx, span := startSpan(ctx, "cancel", callHash)
	defer func() {
		endSpan(span, err)
		c.Metrics.observe("cancel", err)
	}()

	who, err := c.signer(initiator)
	if err != nil {
		return rec, err
	}
	hash, err := ParseHash(callHash)
	if err != nil {
		return rec, err
	}
	unlock := c.locks.Lock(FormatHash(hash))
	defer unlock()

	hash, rec, err = c.load(ctx, callHash)
	if err != nil {
		return rec, err
	}
	if !sameAccount(rec.Initiator, who) {
		return rec, errorf(KindNotInitiator, "only the initiator %s may cancel call %s", rec.Initiator, rec.CallHash)
	}
	if rec, err = c.resume(ctx, hash, rec); err != nil {
		return rec, err
	}
	if !rec.Status.Pending() {
		return rec, errorf(KindNoPendingTransaction, "call %s is %s", rec.CallHash, rec.Status)
	}
	p, err := c.pending(ctx, hash)
	if err != nil {
		return rec, err
	}
	if p == nil {
		return rec, errorf(KindNoPendingTransaction, "call %s is no longer staged on chain", rec.CallHash)
	}
	if rec.Timepoint == nil || *rec.Timepoint != p.When {
		return rec, errorf(KindTimepointMismatch, "chain reports timepoint %d-%d for call %s, local record disagrees", p.When.Height, p.When.Index, rec.CallHash)
	}
	if p.Depositor != who {
		return rec, errorf(KindNotInitiator, "call %s was staged by another signatory", rec.CallHash)
	}

	start := time.Now()
	receipt, err := c.Wallet.SignAndSubmit(ctx, wallet.Submission{
		Signer: c.address(who),
		Call:   CancelAsMulti(c.threshold(), Others(c.signatories, who), p.When, hash),
	})
	c.Metrics.submitted("cancel", time.Since(start))
	if err != nil {
		return rec, walletErr(err)
	}
	rec.Status = domain.StatusCancelled
	rec.ExtrinsicHash = receipt.ExtrinsicHash
	rec.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	if err := c.record(ctx, rec, c.address(who), receipt.ExtrinsicHash, events.MultisigCancelled); err != nil {
		return rec, err
	}
	c.Logger.InfoContext(ctx, "multisig cancelled", "call_hash", rec.CallHash, "initiator", rec.Initiator)
	return rec, nil
}

// OnChain is the staged state of a call as the chain reports it.
type OnChain struct {
	Timepoint domain.Timepoint `json:"timepoint"`
	Depositor string           `json:"depositor"`
	Deposit   string           `json:"deposit"`
	Approvers []string         `json:"approvers"`
}

// StatusView is the reconciled state of one call hash.
type StatusView struct {
	Transaction domain.MultisigTransaction `json:"transaction"`
	OnChain     *OnChain                   `json:"on_chain,omitempty"`
	Recorded    bool                       `json:"recorded"`
	InSync      bool                       `json:"in_sync"`
	Note        string                     `json:"note,omitempty"`
}

// Status reconciles the local record with chain storage without writing
// anything.
func (c *Coordinator) Status(ctx context.Context, callHash string) (view StatusView, err error) {
	ctx, span := startSpan(ctx, "status", callHash)
	defer func() {
		endSpan(span, err)
		c.Metrics.observe("status", err)
	}()
	hash, err := ParseHash(callHash)
	if err != nil {
		return view, err
	}

	var (
		rec      domain.MultisigTransaction
		recorded bool
		p        *chain.PendingMultisig
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.Repo.GetMultisig(gctx, FormatHash(hash))
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, recorded = r, true
		return nil
	})
	g.Go(func() error {
		var err error
		p, err = c.pending(gctx, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return view, err
	}
	return c.reconcile(FormatHash(hash), rec, recorded, p)
}

func (c *Coordinator) reconcile(hashHex string, rec domain.MultisigTransaction, recorded bool, p *chain.PendingMultisig) (StatusView, error) {
	view := StatusView{Transaction: rec, Recorded: recorded}
	if p != nil {
		approvers := make([]string, len(p.Approvals))
		for i, id := range p.Approvals {
			approvers[i] = c.address(id)
		}
		deposit := "0"
		if p.Deposit != nil {
			deposit = p.Deposit.String()
		}
		view.OnChain = &OnChain{Timepoint: p.When, Depositor: c.address(p.Depositor), Deposit: deposit, Approvers: approvers}
	}

	switch {
	case !recorded && p == nil:
		return view, errorf(KindNotFound, "no multisig transaction for call %s", hashHex)
	case !recorded:
		tp := p.When
		view.Transaction = domain.MultisigTransaction{
			CallHash:        hashHex,
			MultisigAccount: c.Account(),
			Threshold:       c.threshold(),
			Signatories:     c.signatoryAddresses(),
			Initiator:       view.OnChain.Depositor,
			Approvals:       len(p.Approvals),
			Approvers:       view.OnChain.Approvers,
			Timepoint:       &tp,
			Status:          stagedStatus(len(p.Approvals)),
		}
		view.Note = "call is staged on chain but was not initiated through this service"
	case p == nil:
		view.InSync = rec.Status.Terminal()
		if !view.InSync {
			view.Note = "call is no longer staged on chain; it was executed or cancelled elsewhere"
		}
	default:
		tp := p.When
		view.InSync = rec.Status.Pending() && rec.Timepoint != nil && *rec.Timepoint == tp && rec.Approvals == len(p.Approvals)
		if rec.Status == domain.StatusUninitiated {
			view.Note = "initiation was submitted but not confirmed locally"
		} else if !view.InSync {
			view.Note = "local record differs from chain state"
		}
		view.Transaction.Timepoint = &tp
		view.Transaction.Approvals = len(p.Approvals)
		view.Transaction.Approvers = view.OnChain.Approvers
		view.Transaction.Status = stagedStatus(len(p.Approvals))
	}
	return view, nil
}

func stagedStatus(approvals int) domain.MultisigStatus {
	if approvals <= 1 {
		return domain.StatusInitiated
	}
	return domain.StatusPartiallyApproved
}

// List returns recorded transactions, newest first.
func (c *Coordinator) List(ctx context.Context, status string, limit int) ([]domain.MultisigTransaction, error) {
	return c.Repo.ListMultisig(ctx, status, limit)
}
