package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"milestonepay/internal/domain"
	"milestonepay/internal/scale"
	"milestonepay/internal/ss58"
)

// Twox128 is the storage prefix hasher: two xxhash64 rounds with seeds 0
// and 1, little endian.
func Twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[:8], xxhash.Sum64(data))
	h := xxhash.NewWithSeed(1)
	_, _ = h.Write(data)
	binary.LittleEndian.PutUint64(out[8:], h.Sum64())
	return out
}

func Twox64Concat(data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(out, xxhash.Sum64(data))
	return append(out, data...)
}

func Blake2_128Concat(data []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	_, _ = h.Write(data)
	return append(h.Sum(nil), data...)
}

// MultisigsKey is the storage key of Multisig.Multisigs(account, callHash).
func MultisigsKey(account ss58.AccountID, callHash [32]byte) []byte {
	key := make([]byte, 0, 32+8+32+16+32)
	key = append(key, Twox128([]byte("Multisig"))...)
	key = append(key, Twox128([]byte("Multisigs"))...)
	key = append(key, Twox64Concat(account[:])...)
	key = append(key, Blake2_128Concat(callHash[:])...)
	return key
}

// PendingMultisig is the on-chain record of a staged multisig call.
type PendingMultisig struct {
	When      domain.Timepoint
	Deposit   *big.Int
	Depositor ss58.AccountID
	Approvals []ss58.AccountID
}

// Approved reports whether id already approved the call.
func (p PendingMultisig) Approved(id ss58.AccountID) bool {
	for _, a := range p.Approvals {
		if a == id {
			return true
		}
	}
	return false
}

// DecodeMultisig parses a SCALE encoded Multisig.Multisigs value.
func DecodeMultisig(data []byte) (PendingMultisig, error) {
	var p PendingMultisig
	d := scale.NewDecoder(data)
	height, err := d.U32()
	if err != nil {
		return p, fmt.Errorf("decode multisig timepoint: %w", err)
	}
	index, err := d.U32()
	if err != nil {
		return p, fmt.Errorf("decode multisig timepoint: %w", err)
	}
	p.When = domain.Timepoint{Height: height, Index: index}
	if p.Deposit, err = d.U128(); err != nil {
		return p, fmt.Errorf("decode multisig deposit: %w", err)
	}
	depositor, err := d.Fixed(32)
	if err != nil {
		return p, fmt.Errorf("decode multisig depositor: %w", err)
	}
	copy(p.Depositor[:], depositor)
	n, err := d.Compact()
	if err != nil {
		return p, fmt.Errorf("decode multisig approvals: %w", err)
	}
	if n*32 > uint64(d.Remaining()) {
		return p, fmt.Errorf("decode multisig approvals: %w", scale.ErrShortBuffer)
	}
	p.Approvals = make([]ss58.AccountID, n)
	for i := range p.Approvals {
		b, err := d.Fixed(32)
		if err != nil {
			return p, err
		}
		copy(p.Approvals[i][:], b)
	}
	return p, nil
}

// EncodeMultisig is the inverse of DecodeMultisig.
func EncodeMultisig(p PendingMultisig) []byte {
	e := scale.NewEncoder().U32(p.When.Height).U32(p.When.Index)
	deposit := make([]byte, 16)
	if p.Deposit != nil {
		be := p.Deposit.Bytes()
		for i := range be {
			if i >= 16 {
				break
			}
			deposit[i] = be[len(be)-1-i]
		}
	}
	e.Raw(deposit).Raw(p.Depositor[:]).Compact(uint64(len(p.Approvals)))
	for _, a := range p.Approvals {
		e.Raw(a[:])
	}
	return e.Bytes()
}

// ExtrinsicHash is the blake2b-256 digest of an encoded extrinsic.
func ExtrinsicHash(ext []byte) [32]byte {
	return blake2b.Sum256(ext)
}
