package multisig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/chain"
	"milestonepay/internal/config"
	"milestonepay/internal/db"
	"milestonepay/internal/domain"
	"milestonepay/internal/migrate"
	"milestonepay/internal/money"
	"milestonepay/internal/scale"
	"milestonepay/internal/ss58"
	"milestonepay/internal/wallet"
)

// fakeChain is the multisig pallet state the fake wallet mutates.
type fakeChain struct {
	mu      sync.Mutex
	pending map[[32]byte]*chain.PendingMultisig
	blocks  map[string]domain.Timepoint
	err     error
	// findErrs fails that many block lookups before answering
	findErrs int
}

func (f *fakeChain) PendingMultisig(_ context.Context, _ ss58.AccountID, hash [32]byte) (*chain.PendingMultisig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pending[hash]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Approvals = append([]ss58.AccountID(nil), p.Approvals...)
	return &cp, nil
}

func (f *fakeChain) FindExtrinsic(_ context.Context, blockHash, _ string) (domain.Timepoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErrs > 0 {
		f.findErrs--
		return domain.Timepoint{}, fmt.Errorf("%w: connection reset", chain.ErrUnavailable)
	}
	tp, ok := f.blocks[blockHash]
	if !ok {
		return tp, chain.ErrExtrinsicNotFound
	}
	return tp, nil
}

// fakeWallet decodes submitted multisig calls and applies them to the chain.
type fakeWallet struct {
	mu       sync.Mutex
	chain    *fakeChain
	weight   []byte
	block    uint32
	noEvents bool
	fail     error
	subs     []wallet.Submission
}

const extrinsicIndex = 2

func (w *fakeWallet) SignAndSubmit(_ context.Context, sub wallet.Submission) (wallet.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, sub)
	if w.fail != nil {
		return wallet.Receipt{}, w.fail
	}
	signer, _, err := ss58.Decode(sub.Signer)
	if err != nil {
		return wallet.Receipt{}, &wallet.Error{Err: wallet.ErrNoSigner}
	}
	d := scale.NewDecoder(sub.Call)
	pallet, _ := d.U8()
	method, _ := d.U8()
	if pallet != palletMultisig {
		return wallet.Receipt{}, &wallet.Error{Err: wallet.ErrRejected, Reason: "not a multisig call"}
	}
	_, _ = d.U16()
	n, _ := d.Compact()
	_, _ = d.Fixed(int(n) * 32)

	var (
		hash [32]byte
		tp   *domain.Timepoint
	)
	switch method {
	case callAsMulti, callApproveAsMulti:
		if opt, _ := d.U8(); opt == 1 {
			h, _ := d.U32()
			i, _ := d.U32()
			tp = &domain.Timepoint{Height: h, Index: i}
		}
		rest, _ := d.Fixed(d.Remaining() - len(w.weight))
		if method == callAsMulti {
			hash = CallHash(rest)
		} else {
			copy(hash[:], rest)
		}
	case callCancelAsMulti:
		h, _ := d.U32()
		i, _ := d.U32()
		tp = &domain.Timepoint{Height: h, Index: i}
		rest, _ := d.Fixed(32)
		copy(hash[:], rest)
	}

	w.block++
	receipt := wallet.Receipt{
		BlockHash:     fmt.Sprintf("0xb%d", w.block),
		BlockNumber:   w.block,
		ExtrinsicHash: fmt.Sprintf("0x%064x", w.block),
		Success:       true,
	}
	idx := uint32(extrinsicIndex)

	w.chain.mu.Lock()
	defer w.chain.mu.Unlock()
	p := w.chain.pending[hash]
	switch {
	case tp == nil:
		if p != nil {
			return receipt, &wallet.Error{Err: wallet.ErrRejected, Reason: "multisig.MultisigAlreadyExists"}
		}
		w.chain.pending[hash] = &chain.PendingMultisig{
			When:      domain.Timepoint{Height: w.block, Index: extrinsicIndex},
			Depositor: signer,
			Approvals: []ss58.AccountID{signer},
		}
		w.chain.blocks[receipt.BlockHash] = domain.Timepoint{Height: w.block, Index: extrinsicIndex}
		if !w.noEvents {
			receipt.Events = append(receipt.Events, wallet.ReceiptEvent{Section: "multisig", Method: "NewMultisig", ExtrinsicIndex: &idx})
		}
	case p == nil || p.When != *tp:
		return receipt, &wallet.Error{Err: wallet.ErrRejected, Reason: "multisig.UnexpectedTimepoint"}
	case method == callCancelAsMulti:
		delete(w.chain.pending, hash)
	case method == callAsMulti:
		delete(w.chain.pending, hash)
		receipt.Events = append(receipt.Events, wallet.ReceiptEvent{Section: "multisig", Method: "MultisigExecuted", ExtrinsicIndex: &idx})
	default:
		p.Approvals = append(p.Approvals, signer)
	}
	return receipt, nil
}

// lossyWallet submits through next but reports the first receipts as lost.
type lossyWallet struct {
	next *fakeWallet
	lose int
}

func (l *lossyWallet) SignAndSubmit(ctx context.Context, sub wallet.Submission) (wallet.Receipt, error) {
	receipt, err := l.next.SignAndSubmit(ctx, sub)
	if err == nil && l.lose > 0 {
		l.lose--
		return wallet.Receipt{}, &wallet.Error{Err: wallet.ErrUnavailable, Reason: "context deadline exceeded"}
	}
	return receipt, err
}

type harness struct {
	coord  *Coordinator
	chain  *fakeChain
	wallet *fakeWallet
	reg    *prometheus.Registry
	ctx    context.Context
}

func newHarness(t *testing.T, threshold uint16, signers ...byte) harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Multisig.Threshold = threshold
	for _, b := range signers {
		cfg.Multisig.Signers = append(cfg.Multisig.Signers, addressOf(b))
	}
	require.NoError(t, cfg.Validate())

	fc := &fakeChain{pending: map[[32]byte]*chain.PendingMultisig{}, blocks: map[string]domain.Timepoint{}}
	fw := &fakeWallet{
		chain:  fc,
		weight: scale.NewEncoder().Compact(cfg.Multisig.MaxWeightRefTime).Compact(cfg.Multisig.MaxWeightProofSize).Bytes(),
	}
	coord, err := New(conn, cfg, fc, fw)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	coord.Metrics = NewMetrics(reg)
	coord.Now = func() time.Time { return time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC) }
	return harness{coord: coord, chain: fc, wallet: fw, reg: reg, ctx: context.Background()}
}

func payout() domain.CallSet {
	return domain.CallSet{
		Currency: money.USDC,
		Transfers: []domain.Transfer{
			{Recipient: addressOf(21), Amount: 1_500_000_000},
			{Recipient: addressOf(22), Amount: 1_500_000_000},
		},
	}
}

func TestInitiateThenFinalApprovalExecutes(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)

	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
	assert.Equal(t, 1, rec.Approvals)
	require.NotNil(t, rec.Timepoint)
	assert.Equal(t, domain.Timepoint{Height: 1, Index: extrinsicIndex}, *rec.Timepoint)
	assert.Equal(t, h.coord.Account(), rec.MultisigAccount)

	rec, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, rec.Status)
	assert.Equal(t, 2, rec.Approvals)
	assert.Contains(t, rec.TransactionProof, rec.ExtrinsicHash)
	assert.Len(t, rec.Approvers, 2)

	// final approval carries the full call
	last := h.wallet.subs[len(h.wallet.subs)-1]
	assert.Equal(t, byte(callAsMulti), last.Call[1])

	stored, err := h.coord.Repo.GetMultisig(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, stored.Status)
	assert.Equal(t, []string{addressOf(1), addressOf(2)}, stored.Approvers)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.coord.Metrics.Operations().WithLabelValues("approve", "ok")))
}

func TestPartialApprovalUsesHashOnly(t *testing.T) {
	h := newHarness(t, 3, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)

	rec, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(3))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyApproved, rec.Status)
	assert.Equal(t, 2, rec.Approvals)
	assert.Equal(t, byte(callApproveAsMulti), h.wallet.subs[len(h.wallet.subs)-1].Call[1])

	rec, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, rec.Status)
	assert.Equal(t, 3, rec.Approvals)
}

func TestInitiatorCannotApprove(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)

	// same key rendered with another prefix is still the initiator
	_, err = h.coord.Approve(h.ctx, rec.CallHash, ss58.Encode(accountOf(1), ss58.PrefixPolkadot))
	assert.True(t, IsKind(err, KindSameSigner), "got %v", err)
}

func TestApproveRejectsOutsiders(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	_, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(9))
	assert.True(t, IsKind(err, KindNotSignatory))
	_, err = h.coord.Initiate(h.ctx, payout(), addressOf(9))
	assert.True(t, IsKind(err, KindNotSignatory))
}

func TestDuplicateInitiateIsRejected(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	_, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	_, err = h.coord.Initiate(h.ctx, payout(), addressOf(2))
	assert.True(t, IsKind(err, KindAlreadyPending), "got %v", err)
}

func TestTimepointMismatchAborts(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	hash, _ := ParseHash(rec.CallHash)

	h.chain.mu.Lock()
	h.chain.pending[hash].When = domain.Timepoint{Height: 99, Index: 0}
	h.chain.mu.Unlock()

	submitted := len(h.wallet.subs)
	_, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindTimepointMismatch), "got %v", err)
	assert.Len(t, h.wallet.subs, submitted, "nothing submitted")
}

func TestThresholdReachedOnChain(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	hash, _ := ParseHash(rec.CallHash)

	// another client already added the second approval
	h.chain.mu.Lock()
	h.chain.pending[hash].Approvals = append(h.chain.pending[hash].Approvals, accountOf(3))
	h.chain.mu.Unlock()

	_, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindThresholdAlreadyReached), "got %v", err)
}

func TestConcurrentFinalApprovalsExecuteOnce(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, signer := range []byte{2, 3} {
		i, signer := i, signer
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.coord.Approve(h.ctx, rec.CallHash, addressOf(signer))
		}()
	}
	wg.Wait()

	var ok, reached int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsKind(err, KindThresholdAlreadyReached):
			reached++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, reached)

	executes := 0
	for _, s := range h.wallet.subs {
		if s.Call[1] == callAsMulti {
			executes++
		}
	}
	// initiation plus exactly one execution
	assert.Equal(t, 2, executes)
}

func TestCancelByInitiatorOnly(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)

	_, err = h.coord.Cancel(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindNotInitiator), "got %v", err)

	rec, err = h.coord.Cancel(h.ctx, rec.CallHash, addressOf(1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, rec.Status)

	_, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindNoPendingTransaction), "got %v", err)

	// the same payout may be staged again after a cancel
	_, err = h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
}

func TestCancelWhenChainLostTheCall(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	hash, _ := ParseHash(rec.CallHash)
	h.chain.mu.Lock()
	delete(h.chain.pending, hash)
	h.chain.mu.Unlock()

	_, err = h.coord.Cancel(h.ctx, rec.CallHash, addressOf(1))
	assert.True(t, IsKind(err, KindNoPendingTransaction), "got %v", err)
}

func TestRejectedInitiationLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.wallet.fail = &wallet.Error{Err: wallet.ErrNoSigner, Reason: "key not loaded"}
	_, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindNoSignerAccount), "got %v", err)

	list, err := h.coord.List(h.ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUnavailableWalletKeepsRecord(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.wallet.fail = &wallet.Error{Err: wallet.ErrUnavailable}
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindWalletUnavailable), "got %v", err)
	assert.Equal(t, domain.StatusUninitiated, rec.Status)

	list, err := h.coord.List(h.ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusUninitiated, list[0].Status)

	// nothing reached the chain, so there is nothing to approve
	_, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindNoPendingTransaction), "got %v", err)

	// a retry replaces the stale record
	h.wallet.fail = nil
	rec, err = h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
	list, err = h.coord.List(h.ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApproveAdoptsCallStagedWithoutTimepoint(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.wallet.noEvents = true
	h.chain.findErrs = 1

	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindChainUnavailable), "got %v", err)
	assert.Equal(t, domain.StatusUninitiated, rec.Status)
	assert.NotEmpty(t, rec.ExtrinsicHash)

	rec, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, rec.Status)
	require.NotNil(t, rec.Timepoint)
	assert.Equal(t, domain.Timepoint{Height: 1, Index: extrinsicIndex}, *rec.Timepoint)

	stored, err := h.coord.Repo.GetMultisig(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.Equal(t, []string{addressOf(1), addressOf(2)}, stored.Approvers)
}

func TestCancelAdoptsCallAfterLostReceipt(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.coord.Wallet = &lossyWallet{next: h.wallet, lose: 1}

	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindWalletUnavailable), "got %v", err)
	hash, _ := ParseHash(rec.CallHash)
	h.chain.mu.Lock()
	require.NotNil(t, h.chain.pending[hash], "the call landed despite the lost receipt")
	h.chain.mu.Unlock()

	_, err = h.coord.Cancel(h.ctx, rec.CallHash, addressOf(2))
	assert.True(t, IsKind(err, KindNotInitiator), "got %v", err)

	rec, err = h.coord.Cancel(h.ctx, rec.CallHash, addressOf(1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
	h.chain.mu.Lock()
	assert.Nil(t, h.chain.pending[hash])
	h.chain.mu.Unlock()
}

func TestRetriedInitiateAdoptsStagedCall(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.coord.Wallet = &lossyWallet{next: h.wallet, lose: 1}

	_, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindWalletUnavailable), "got %v", err)

	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	assert.True(t, IsKind(err, KindAlreadyPending), "got %v", err)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
	assert.Len(t, h.wallet.subs, 1, "the call is not submitted twice")

	view, err := h.coord.Status(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.True(t, view.InSync)

	rec, err = h.coord.Approve(h.ctx, rec.CallHash, addressOf(3))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, rec.Status)
}

func TestTimepointFallsBackToBlockLookup(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.wallet.noEvents = true
	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	require.NotNil(t, rec.Timepoint)
	assert.Equal(t, domain.Timepoint{Height: 1, Index: extrinsicIndex}, *rec.Timepoint)
}

func TestStatusReconciles(t *testing.T) {
	h := newHarness(t, 3, 1, 2, 3)
	missing := FormatHash(CallHash([]byte("nothing")))
	_, err := h.coord.Status(h.ctx, missing)
	assert.True(t, IsKind(err, KindNotFound))

	rec, err := h.coord.Initiate(h.ctx, payout(), addressOf(1))
	require.NoError(t, err)
	view, err := h.coord.Status(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.True(t, view.Recorded)
	assert.True(t, view.InSync)
	require.NotNil(t, view.OnChain)
	assert.Equal(t, addressOf(1), view.OnChain.Depositor)

	// an approval made outside this service
	hash, _ := ParseHash(rec.CallHash)
	h.chain.mu.Lock()
	h.chain.pending[hash].Approvals = append(h.chain.pending[hash].Approvals, accountOf(3))
	h.chain.mu.Unlock()
	view, err = h.coord.Status(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.False(t, view.InSync)
	assert.Equal(t, domain.StatusPartiallyApproved, view.Transaction.Status)
	assert.Equal(t, 2, view.Transaction.Approvals)

	// status never writes
	stored, err := h.coord.Repo.GetMultisig(h.ctx, rec.CallHash)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Approvals)
}

func TestStatusChainUnavailableIsRetriable(t *testing.T) {
	h := newHarness(t, 2, 1, 2, 3)
	h.chain.err = fmt.Errorf("%w: dial timeout", chain.ErrUnavailable)
	_, err := h.coord.Status(h.ctx, FormatHash(CallHash([]byte("x"))))
	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, KindChainUnavailable, me.Kind)
	assert.True(t, me.Retriable)
}
