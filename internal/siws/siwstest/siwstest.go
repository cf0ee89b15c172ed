// Package siwstest produces signed statements for tests.
package siwstest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"milestonepay/internal/domain"
	"milestonepay/internal/siws"
	"milestonepay/internal/ss58"
)

// Signer is a deterministic ed25519 key with its SS58 address.
type Signer struct {
	Key     ed25519.PrivateKey
	ID      ss58.AccountID
	Address string
}

// NewSigner derives a key from a one-byte seed so tests get stable addresses.
func NewSigner(seed byte) Signer {
	raw := make([]byte, ed25519.SeedSize)
	for i := range raw {
		raw[i] = seed
	}
	key := ed25519.NewKeyFromSeed(raw)
	var id ss58.AccountID
	copy(id[:], key.Public().(ed25519.PublicKey))
	return Signer{Key: key, ID: id, Address: ss58.Encode(id, ss58.PrefixGeneric)}
}

type Message struct {
	Domain     string
	Statement  string
	Nonce      string
	IssuedAt   time.Time
	Expiration time.Time
	Wrap       bool
}

// Sign builds the signed envelope for m.
func (s Signer) Sign(m Message) domain.SignedStatement {
	msg := domain.StatementMessage{
		Domain:    m.Domain,
		URI:       "https://" + m.Domain,
		Address:   s.Address,
		Nonce:     m.Nonce,
		Statement: m.Statement,
	}
	if !m.IssuedAt.IsZero() {
		msg.IssuedAt = m.IssuedAt.UTC().Format(time.RFC3339)
	}
	if !m.Expiration.IsZero() {
		msg.ExpirationTime = m.Expiration.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	payload := raw
	if m.Wrap {
		payload = []byte("<Bytes>" + string(raw) + "</Bytes>")
	}
	sig := ed25519.Sign(s.Key, payload)
	return domain.SignedStatement{
		Message:   string(raw),
		Signature: "0x" + hex.EncodeToString(sig),
		Address:   s.Address,
	}
}

// Header signs m and encodes the Authorization header value.
func (s Signer) Header(m Message) string {
	h, err := siws.EncodeHeader(s.Sign(m))
	if err != nil {
		panic(fmt.Sprintf("encode header: %v", err))
	}
	return h
}
