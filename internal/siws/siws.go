// Package siws verifies signed authorization statements carried in the
// Authorization header of mutating requests.
//
// A statement is accepted only when its signature matches the claimed
// address, its text matches the intent grammar, its domain matches the
// configured domain, it has not expired and its nonce has not been used
// before inside the replay window.
package siws

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"milestonepay/internal/domain"
	"milestonepay/internal/ss58"
)

type Kind string

const (
	KindMalformedEnvelope Kind = "malformed_envelope"
	KindBadSignature      Kind = "bad_signature"
	KindUnknownStatement  Kind = "unknown_statement"
	KindDomainMismatch    Kind = "domain_mismatch"
	KindExpiredStatement  Kind = "expired_statement"
	KindReplayedNonce     Kind = "replayed_nonce"
)

// Error is returned for every rejected statement. All kinds are terminal.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a statement error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// ErrNonceUsed is returned by a NonceStore when the pair was consumed already.
var ErrNonceUsed = errors.New("nonce already used")

// NonceStore records consumed (address, nonce) pairs for ttl.
type NonceStore interface {
	Consume(ctx context.Context, address, nonce string, ttl time.Duration) error
}

type Options struct {
	ServiceName     string
	ExpectedDomain  string
	SkipDomainCheck bool
	Production      bool
	NonceTTL        time.Duration
	ClockSkew       time.Duration
}

type Verifier struct {
	opts    Options
	grammar *Grammar
	nonces  NonceStore
	logger  *slog.Logger
	Now     func() time.Time
}

// NewVerifier builds a verifier. nonces may be nil, in which case replayed
// nonces are not detected.
func NewVerifier(opts Options, nonces NonceStore, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ClockSkew == 0 {
		opts.ClockSkew = 5 * time.Minute
	}
	return &Verifier{
		opts:    opts,
		grammar: NewGrammar(opts.ServiceName),
		nonces:  nonces,
		logger:  logger,
		Now:     time.Now,
	}
}

func (v *Verifier) Grammar() *Grammar { return v.grammar }

// ParseHeader decodes the base64 JSON envelope of an Authorization header.
func ParseHeader(header string) (domain.SignedStatement, error) {
	var st domain.SignedStatement
	header = strings.TrimSpace(header)
	if header == "" {
		return st, newError(KindMalformedEnvelope, "empty authorization header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(header)
		if err != nil {
			return st, newError(KindMalformedEnvelope, "envelope is not base64")
		}
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, newError(KindMalformedEnvelope, "envelope is not valid JSON")
	}
	if st.Message == "" || st.Signature == "" || st.Address == "" {
		return st, newError(KindMalformedEnvelope, "envelope requires message, signature and address")
	}
	return st, nil
}

// EncodeHeader is the inverse of ParseHeader.
func EncodeHeader(st domain.SignedStatement) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Verify parses and verifies an Authorization header value.
func (v *Verifier) Verify(ctx context.Context, header string) (domain.VerifiedStatement, error) {
	st, err := ParseHeader(header)
	if err != nil {
		return domain.VerifiedStatement{}, err
	}
	return v.VerifyStatement(ctx, st)
}

func (v *Verifier) VerifyStatement(ctx context.Context, st domain.SignedStatement) (domain.VerifiedStatement, error) {
	var msg domain.StatementMessage
	if err := json.Unmarshal([]byte(st.Message), &msg); err != nil {
		return domain.VerifiedStatement{}, newError(KindMalformedEnvelope, "message is not valid JSON")
	}
	if msg.Nonce == "" || msg.Statement == "" || msg.Address == "" {
		return domain.VerifiedStatement{}, newError(KindMalformedEnvelope, "message requires address, nonce and statement")
	}
	pub, _, err := ss58.Decode(st.Address)
	if err != nil {
		return domain.VerifiedStatement{}, newError(KindMalformedEnvelope, "address is not a valid SS58 address")
	}
	if !ss58.SameAccount(st.Address, msg.Address) {
		return domain.VerifiedStatement{}, newError(KindBadSignature, "message address does not match signer address")
	}
	sig, err := decodeSignature(st.Signature)
	if err != nil {
		return domain.VerifiedStatement{}, newError(KindMalformedEnvelope, "%v", err)
	}
	if !verifySignature(pub, st.Message, sig) {
		return domain.VerifiedStatement{}, newError(KindBadSignature, "signature does not match address")
	}
	if err := v.checkDomain(msg.Domain); err != nil {
		return domain.VerifiedStatement{}, err
	}
	if err := v.checkTimes(msg); err != nil {
		return domain.VerifiedStatement{}, err
	}
	intent, params, ok := v.grammar.Match(msg.Statement)
	if !ok {
		return domain.VerifiedStatement{}, newError(KindUnknownStatement, "statement %q is not recognized", msg.Statement)
	}
	if v.nonces != nil {
		if err := v.nonces.Consume(ctx, pub.Hex(), msg.Nonce, v.nonceWindow()); err != nil {
			if errors.Is(err, ErrNonceUsed) {
				return domain.VerifiedStatement{}, newError(KindReplayedNonce, "nonce %q was already used", msg.Nonce)
			}
			return domain.VerifiedStatement{}, fmt.Errorf("record nonce: %w", err)
		}
	}
	v.logger.DebugContext(ctx, "statement verified", "address", st.Address, "intent", intent)
	return domain.VerifiedStatement{
		Address:   st.Address,
		PublicKey: pub,
		Domain:    msg.Domain,
		Nonce:     msg.Nonce,
		Statement: msg.Statement,
		Intent:    intent,
		Params:    params,
	}, nil
}

func (v *Verifier) checkDomain(got string) error {
	if v.opts.SkipDomainCheck && !v.opts.Production {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(v.opts.ExpectedDomain)) {
		return newError(KindDomainMismatch, "statement domain %q does not match %q", got, v.opts.ExpectedDomain)
	}
	return nil
}

// nonceWindow covers every instant at which a statement can still pass
// checkTimes, including an issuedAt up to ClockSkew ahead.
func (v *Verifier) nonceWindow() time.Duration {
	return v.opts.NonceTTL + v.opts.ClockSkew
}

func (v *Verifier) checkTimes(msg domain.StatementMessage) error {
	now := v.Now()
	// issuedAt bounds the replay window; without it a nonce evicted after
	// its TTL would verify again
	if msg.IssuedAt == "" {
		return newError(KindMalformedEnvelope, "message requires issuedAt")
	}
	issued, err := time.Parse(time.RFC3339, msg.IssuedAt)
	if err != nil {
		return newError(KindMalformedEnvelope, "issuedAt is not RFC3339")
	}
	if issued.After(now.Add(v.opts.ClockSkew)) {
		return newError(KindExpiredStatement, "statement issued in the future")
	}
	if v.opts.NonceTTL > 0 && now.Sub(issued) > v.opts.NonceTTL {
		return newError(KindExpiredStatement, "statement issued at %s is older than %s", msg.IssuedAt, v.opts.NonceTTL)
	}
	if msg.ExpirationTime != "" {
		exp, err := time.Parse(time.RFC3339, msg.ExpirationTime)
		if err != nil {
			return newError(KindMalformedEnvelope, "expirationTime is not RFC3339")
		}
		if !now.Before(exp) {
			return newError(KindExpiredStatement, "statement expired at %s", msg.ExpirationTime)
		}
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("signature is not hex")
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	return sig, nil
}

// verifySignature accepts a signature over the raw message or over the
// <Bytes>-wrapped form produced by browser wallet extensions.
func verifySignature(pub ss58.AccountID, message string, sig []byte) bool {
	key := ed25519.PublicKey(pub[:])
	if ed25519.Verify(key, []byte(message), sig) {
		return true
	}
	return ed25519.Verify(key, []byte("<Bytes>"+message+"</Bytes>"), sig)
}
