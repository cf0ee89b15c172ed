package multisig

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"milestonepay/internal/domain"
	"milestonepay/internal/money"
	"milestonepay/internal/scale"
	"milestonepay/internal/ss58"
)

// Runtime call indices of the asset hub runtime.
const (
	palletBalances = 10
	palletUtility  = 40
	palletMultisig = 41
	palletAssets   = 50

	callTransferKeepAlive      = 3
	callBatchAll               = 2
	callAsMulti                = 1
	callApproveAsMulti         = 2
	callCancelAsMulti          = 3
	callAssetTransferKeepAlive = 9

	// USDCAssetID is the asset id of USDC on the asset hub.
	USDCAssetID = 1337

	multiAddressID = 0x00
)

var multisigAccountPrefix = []byte("modlpy/utilisuba")

// Weight bounds the execution cost of the final as_multi.
type Weight struct {
	RefTime   uint64
	ProofSize uint64
}

func (w Weight) encode(e *scale.Encoder) {
	e.Compact(w.RefTime).Compact(w.ProofSize)
}

func encodeOthers(e *scale.Encoder, others []ss58.AccountID) {
	e.Compact(uint64(len(others)))
	for _, id := range others {
		e.Raw(id[:])
	}
}

func encodeTimepoint(e *scale.Encoder, tp *domain.Timepoint) {
	if tp == nil {
		e.U8(0)
		return
	}
	e.U8(1).U32(tp.Height).U32(tp.Index)
}

// BuildBatch encodes the transfers of set as one utility.batch_all call.
func BuildBatch(set domain.CallSet) ([]byte, error) {
	if err := ValidateCallSet(set); err != nil {
		return nil, err
	}
	e := scale.NewEncoder().U8(palletUtility).U8(callBatchAll).Compact(uint64(len(set.Transfers)))
	for _, t := range set.Transfers {
		id, _, err := ss58.Decode(t.Recipient)
		if err != nil {
			return nil, err
		}
		switch set.Currency {
		case money.DOT:
			e.U8(palletBalances).U8(callTransferKeepAlive).U8(multiAddressID).Raw(id[:]).Compact(uint64(t.Amount))
		case money.USDC:
			e.U8(palletAssets).U8(callAssetTransferKeepAlive).Compact(USDCAssetID).U8(multiAddressID).Raw(id[:]).Compact(uint64(t.Amount))
		}
	}
	return e.Bytes(), nil
}

// ValidateCallSet checks a call set before anything is encoded.
func ValidateCallSet(set domain.CallSet) error {
	if !set.Currency.Valid() {
		return errorf(KindInvalidCallSet, "currency must be USDC or DOT")
	}
	if len(set.Transfers) == 0 {
		return errorf(KindInvalidCallSet, "at least one transfer is required")
	}
	for i, t := range set.Transfers {
		if !ss58.Valid(t.Recipient) {
			return errorf(KindInvalidCallSet, "transfer %d: recipient is not a valid SS58 address", i)
		}
		if t.Amount == 0 {
			return errorf(KindInvalidCallSet, "transfer %d: amount must be positive", i)
		}
	}
	return nil
}

// AsMulti encodes multisig.as_multi. A nil timepoint stages a new call.
func AsMulti(threshold uint16, others []ss58.AccountID, tp *domain.Timepoint, call []byte, maxWeight Weight) []byte {
	e := scale.NewEncoder().U8(palletMultisig).U8(callAsMulti).U16(threshold)
	encodeOthers(e, others)
	encodeTimepoint(e, tp)
	e.Raw(call)
	maxWeight.encode(e)
	return e.Bytes()
}

// ApproveAsMulti encodes the hash-only approval.
func ApproveAsMulti(threshold uint16, others []ss58.AccountID, tp *domain.Timepoint, callHash [32]byte, maxWeight Weight) []byte {
	e := scale.NewEncoder().U8(palletMultisig).U8(callApproveAsMulti).U16(threshold)
	encodeOthers(e, others)
	encodeTimepoint(e, tp)
	e.Raw(callHash[:])
	maxWeight.encode(e)
	return e.Bytes()
}

func CancelAsMulti(threshold uint16, others []ss58.AccountID, tp domain.Timepoint, callHash [32]byte) []byte {
	e := scale.NewEncoder().U8(palletMultisig).U8(callCancelAsMulti).U16(threshold)
	encodeOthers(e, others)
	e.U32(tp.Height).U32(tp.Index)
	e.Raw(callHash[:])
	return e.Bytes()
}

// CallHash is the blake2b-256 digest that identifies a staged call.
func CallHash(call []byte) [32]byte {
	return blake2b.Sum256(call)
}

func FormatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

// ParseHash accepts a 0x-prefixed or bare 32-byte hex digest.
func ParseHash(s string) ([32]byte, error) {
	var h [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"))
	if err != nil || len(raw) != len(h) {
		return h, errorf(KindInvalidCallSet, "call hash must be 32 bytes of hex")
	}
	copy(h[:], raw)
	return h, nil
}

// Signatories decodes and sorts signer addresses into the order the pallet
// requires.
func Signatories(addresses []string) ([]ss58.AccountID, error) {
	out := make([]ss58.AccountID, 0, len(addresses))
	for _, a := range addresses {
		id, _, err := ss58.Decode(a)
		if err != nil {
			return nil, fmt.Errorf("signatory %q: %w", a, err)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// Others returns sorted signatories without the submitter.
func Others(sorted []ss58.AccountID, submitter ss58.AccountID) []ss58.AccountID {
	out := make([]ss58.AccountID, 0, len(sorted))
	for _, id := range sorted {
		if id != submitter {
			out = append(out, id)
		}
	}
	return out
}

// Account derives the multisig account id from sorted signatories and the
// threshold.
func Account(sorted []ss58.AccountID, threshold uint16) ss58.AccountID {
	e := scale.NewEncoder().Raw(multisigAccountPrefix).Compact(uint64(len(sorted)))
	for _, id := range sorted {
		e.Raw(id[:])
	}
	e.U16(threshold)
	return ss58.AccountID(blake2b.Sum256(e.Bytes()))
}
