package multisig

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/domain"
	"milestonepay/internal/money"
	"milestonepay/internal/ss58"
)

func accountOf(b byte) ss58.AccountID {
	var id ss58.AccountID
	for i := range id {
		id[i] = b
	}
	return id
}

func addressOf(b byte) string {
	return ss58.Encode(accountOf(b), ss58.PrefixGeneric)
}

func TestBuildBatchDOT(t *testing.T) {
	call, err := BuildBatch(domain.CallSet{
		Currency:  money.DOT,
		Transfers: []domain.Transfer{{Recipient: addressOf(1), Amount: 10_000_000_000}},
	})
	require.NoError(t, err)
	// utility.batch_all, one call
	assert.Equal(t, []byte{palletUtility, callBatchAll, 0x04}, call[:3])
	// balances.transfer_keep_alive to MultiAddress::Id
	assert.Equal(t, []byte{palletBalances, callTransferKeepAlive, 0x00}, call[3:6])
	assert.Equal(t, accountOf(1).Bytes(), call[6:38])
	// compact(10^10) uses the big-integer mode
	assert.Equal(t, "0700e40b5402", hex.EncodeToString(call[38:]))
}

func TestBuildBatchUSDC(t *testing.T) {
	call, err := BuildBatch(domain.CallSet{
		Currency: money.USDC,
		Transfers: []domain.Transfer{
			{Recipient: addressOf(1), Amount: 1},
			{Recipient: addressOf(2), Amount: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{palletUtility, callBatchAll, 0x08}, call[:3])
	// assets.transfer_keep_alive(compact(1337), Id(..), compact(1))
	assert.Equal(t, []byte{palletAssets, callAssetTransferKeepAlive, 0xe5, 0x14, 0x00}, call[3:8])
	assert.Equal(t, byte(0x04), call[40])
	assert.Len(t, call, 3+2*(2+2+1+32+1))
}

func TestValidateCallSet(t *testing.T) {
	cases := map[string]domain.CallSet{
		"currency":  {Currency: "EUR", Transfers: []domain.Transfer{{Recipient: addressOf(1), Amount: 1}}},
		"empty":     {Currency: money.DOT},
		"recipient": {Currency: money.DOT, Transfers: []domain.Transfer{{Recipient: "nope", Amount: 1}}},
		"zero":      {Currency: money.DOT, Transfers: []domain.Transfer{{Recipient: addressOf(1), Amount: 0}}},
	}
	for name, set := range cases {
		_, err := BuildBatch(set)
		assert.True(t, IsKind(err, KindInvalidCallSet), name)
	}
}

func TestSignatoriesAreSorted(t *testing.T) {
	sigs, err := Signatories([]string{addressOf(3), ss58.Encode(accountOf(1), ss58.PrefixPolkadot), addressOf(2)})
	require.NoError(t, err)
	assert.Equal(t, []ss58.AccountID{accountOf(1), accountOf(2), accountOf(3)}, sigs)
	assert.Equal(t, []ss58.AccountID{accountOf(1), accountOf(3)}, Others(sigs, accountOf(2)))

	_, err = Signatories([]string{"bad"})
	assert.Error(t, err)
}

func TestAccountDependsOnThresholdAndSet(t *testing.T) {
	sigs, _ := Signatories([]string{addressOf(1), addressOf(2), addressOf(3)})
	shuffled, _ := Signatories([]string{addressOf(3), addressOf(1), addressOf(2)})
	assert.Equal(t, Account(sigs, 2), Account(shuffled, 2))
	assert.NotEqual(t, Account(sigs, 2), Account(sigs, 3))
	assert.NotEqual(t, Account(sigs, 2), Account(sigs[:2], 2))
}

func TestAsMultiEncoding(t *testing.T) {
	others := []ss58.AccountID{accountOf(2)}
	inner := []byte{0xaa, 0xbb}
	w := Weight{RefTime: 1, ProofSize: 2}

	staged := AsMulti(2, others, nil, inner, w)
	assert.Equal(t, []byte{palletMultisig, callAsMulti, 0x02, 0x00, 0x04}, staged[:5])
	assert.Equal(t, byte(0x00), staged[37], "no timepoint")
	assert.Equal(t, []byte{0xaa, 0xbb, 0x04, 0x08}, staged[38:])

	final := AsMulti(2, others, &domain.Timepoint{Height: 5, Index: 1}, inner, w)
	assert.Equal(t, []byte{0x01, 5, 0, 0, 0, 1, 0, 0, 0}, final[37:46])

	hash := CallHash(inner)
	approve := ApproveAsMulti(2, others, &domain.Timepoint{Height: 5, Index: 1}, hash, w)
	assert.Equal(t, byte(callApproveAsMulti), approve[1])
	assert.Equal(t, hash[:], approve[46:78])

	cancel := CancelAsMulti(2, others, domain.Timepoint{Height: 5, Index: 1}, hash)
	assert.Equal(t, byte(callCancelAsMulti), cancel[1])
	assert.Equal(t, []byte{5, 0, 0, 0, 1, 0, 0, 0}, cancel[37:45])
	assert.Equal(t, hash[:], cancel[45:])
}

func TestParseHash(t *testing.T) {
	h := CallHash([]byte("x"))
	got, err := ParseHash(FormatHash(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)

	got, err = ParseHash(hex.EncodeToString(h[:]))
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ParseHash("0x1234")
	assert.True(t, IsKind(err, KindInvalidCallSet))
}
