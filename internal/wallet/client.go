// Package wallet talks to the signer bridge that holds the signatories'
// keys, signs runtime calls and submits them to the node.
package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"milestonepay/internal/domain"
)

const tracerName = "milestonepay/wallet"

var (
	ErrUnavailable = errors.New("wallet unavailable")
	ErrNoSigner    = errors.New("no signer account")
	ErrRejected    = errors.New("submission rejected")
	errBadReceipt  = errors.New("malformed receipt")
)

const (
	defaultTimeout   = 2 * time.Minute
	maxResponseBytes = 1 << 20
)

// Error carries the bridge's explanation next to one of the sentinel errors.
type Error struct {
	Err        error
	StatusCode int
	Reason     string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		Timeout: timeout,
	}
}

// Submission is a call to be signed by Signer and submitted.
type Submission struct {
	Signer string
	Call   []byte
}

type submitRequest struct {
	Signer string `json:"signer"`
	Call   string `json:"call"`
}

// ReceiptEvent is a runtime event emitted by the submitted extrinsic.
type ReceiptEvent struct {
	Section        string         `json:"section"`
	Method         string         `json:"method"`
	ExtrinsicIndex *uint32        `json:"extrinsic_index,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Receipt describes an extrinsic included in a block.
type Receipt struct {
	BlockHash     string         `json:"block_hash"`
	BlockNumber   uint32         `json:"block_number"`
	ExtrinsicHash string         `json:"extrinsic_hash"`
	Success       bool           `json:"success"`
	DispatchError string         `json:"dispatch_error,omitempty"`
	Events        []ReceiptEvent `json:"events"`
}

// Timepoint returns the timepoint carried by a NewMultisig event, or nil
// when the bridge did not report one.
func (r Receipt) Timepoint() *domain.Timepoint {
	for _, ev := range r.Events {
		if strings.EqualFold(ev.Section, "multisig") && ev.Method == "NewMultisig" && ev.ExtrinsicIndex != nil {
			return &domain.Timepoint{Height: r.BlockNumber, Index: *ev.ExtrinsicIndex}
		}
	}
	return nil
}

// HasEvent reports whether the receipt contains section.method.
func (r Receipt) HasEvent(section, method string) bool {
	for _, ev := range r.Events {
		if strings.EqualFold(ev.Section, section) && ev.Method == method {
			return true
		}
	}
	return false
}

type bridgeError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignAndSubmit asks the bridge to sign the call with the signer's key and
// waits for inclusion. It is never retried.
func (c *Client) SignAndSubmit(ctx context.Context, sub Submission) (receipt Receipt, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wallet.sign_and_submit", trace.WithAttributes(
		attribute.String("wallet.signer", sub.Signer),
		attribute.Int("wallet.call_bytes", len(sub.Call)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload, err := json.Marshal(submitRequest{Signer: sub.Signer, Call: "0x" + hex.EncodeToString(sub.Call)})
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/sign-and-submit", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Receipt{}, &Error{Err: ErrUnavailable, Reason: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Receipt{}, &Error{Err: ErrUnavailable, Reason: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, statusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &receipt); err != nil {
		return Receipt{}, &Error{Err: ErrUnavailable, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("%v: %v", errBadReceipt, err)}
	}
	if !receipt.Success {
		reason := receipt.DispatchError
		if reason == "" {
			reason = "extrinsic failed"
		}
		return receipt, &Error{Err: ErrRejected, StatusCode: resp.StatusCode, Reason: reason}
	}
	span.SetAttributes(attribute.String("wallet.extrinsic_hash", receipt.ExtrinsicHash), attribute.Int64("wallet.block", int64(receipt.BlockNumber)))
	return receipt, nil
}

func statusError(status int, body []byte) error {
	var be bridgeError
	_ = json.Unmarshal(body, &be)
	reason := be.Error.Message
	if reason == "" {
		reason = strings.TrimSpace(string(body))
	}
	switch be.Error.Code {
	case "no_signer_account":
		return &Error{Err: ErrNoSigner, StatusCode: status, Reason: reason}
	case "submission_rejected":
		return &Error{Err: ErrRejected, StatusCode: status, Reason: reason}
	}
	switch {
	case status == http.StatusNotFound:
		return &Error{Err: ErrNoSigner, StatusCode: status, Reason: reason}
	case status >= 500:
		return &Error{Err: ErrUnavailable, StatusCode: status, Reason: reason}
	default:
		return &Error{Err: ErrRejected, StatusCode: status, Reason: reason}
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}
