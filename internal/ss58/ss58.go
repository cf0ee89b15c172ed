// Package ss58 encodes and decodes checksummed Substrate account addresses.
package ss58

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	PrefixPolkadot uint16 = 0
	PrefixKusama   uint16 = 2
	PrefixGeneric  uint16 = 42

	checksumLen = 2
)

var checksumPreimage = []byte("SS58PRE")

var (
	ErrInvalidEncoding = errors.New("ss58: invalid base58 encoding")
	ErrInvalidLength   = errors.New("ss58: unsupported address length")
	ErrBadChecksum     = errors.New("ss58: checksum mismatch")
)

// AccountID is a 32-byte public key as used for chain accounts.
type AccountID [32]byte

func (a AccountID) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a AccountID) Bytes() []byte {
	out := make([]byte, len(a))
	copy(out, a[:])
	return out
}

// Compare orders account ids by raw byte value, the order the multisig pallet
// expects for signatories.
func (a AccountID) Compare(b AccountID) int {
	return bytes.Compare(a[:], b[:])
}

// Decode parses an SS58 address and returns the account id and network prefix.
func Decode(addr string) (AccountID, uint16, error) {
	var id AccountID
	raw := base58.Decode(strings.TrimSpace(addr))
	if len(raw) == 0 {
		return id, 0, ErrInvalidEncoding
	}
	var (
		prefix    uint16
		prefixLen int
	)
	switch {
	case raw[0] < 64:
		prefix = uint16(raw[0])
		prefixLen = 1
	case raw[0] < 128:
		if len(raw) < 2 {
			return id, 0, ErrInvalidLength
		}
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0b0011_1111
		prefix = uint16(lower) | uint16(upper)<<8
		prefixLen = 2
	default:
		return id, 0, fmt.Errorf("ss58: reserved prefix byte %d", raw[0])
	}
	if len(raw) != prefixLen+len(id)+checksumLen {
		return id, 0, ErrInvalidLength
	}
	body := raw[:prefixLen+len(id)]
	sum := checksum(body)
	if !bytes.Equal(sum[:checksumLen], raw[len(body):]) {
		return id, 0, ErrBadChecksum
	}
	copy(id[:], raw[prefixLen:])
	return id, prefix, nil
}

// Encode renders an account id as an SS58 address for the given prefix.
func Encode(id AccountID, prefix uint16) string {
	var body []byte
	if prefix < 64 {
		body = append(body, byte(prefix))
	} else {
		first := byte((prefix&0b1111_1100)>>2) | 0b0100_0000
		second := byte(prefix>>8) | byte((prefix&0b0000_0011)<<6)
		body = append(body, first, second)
	}
	body = append(body, id[:]...)
	sum := checksum(body)
	body = append(body, sum[:checksumLen]...)
	return base58.Encode(body)
}

// Valid reports whether addr decodes as an SS58 account address.
func Valid(addr string) bool {
	_, _, err := Decode(addr)
	return err == nil
}

// SameAccount reports whether two addresses refer to the same public key,
// regardless of the network prefix they were rendered with.
func SameAccount(a, b string) bool {
	idA, _, errA := Decode(a)
	idB, _, errB := Decode(b)
	if errA != nil || errB != nil {
		return false
	}
	return idA == idB
}

func checksum(body []byte) [blake2b.Size]byte {
	buf := make([]byte, 0, len(checksumPreimage)+len(body))
	buf = append(buf, checksumPreimage...)
	buf = append(buf, body...)
	return blake2b.Sum512(buf)
}
