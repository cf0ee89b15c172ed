// Package chain is a minimal JSON-RPC client for a Substrate node. Every
// call dials its own websocket and closes it before returning.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"milestonepay/internal/domain"
	"milestonepay/internal/ss58"
)

const (
	defaultTimeout = 30 * time.Second
	readLimit      = 16 << 20
	tracerName     = "milestonepay/chain"
)

var (
	// ErrUnavailable marks transport failures and timeouts. Callers may retry
	// reads that fail with it.
	ErrUnavailable        = errors.New("chain unavailable")
	ErrExtrinsicNotFound  = errors.New("extrinsic not found in block")
	errUnexpectedResponse = errors.New("unexpected rpc response")
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Client struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *slog.Logger

	nextID atomic.Uint64
}

func New(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Endpoint: endpoint,
		Timeout:  timeout,
		Logger:   logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call performs one request/response exchange on a fresh connection.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "chain."+method, trace.WithAttributes(attribute.String("rpc.method", method)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, c.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.Endpoint, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return c.transportErr(ctx, method, err)
	}
	var resp rpcResponse
	for {
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return c.transportErr(ctx, method, err)
		}
		// nodes may interleave notifications on the socket
		if resp.ID == req.ID {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.Logger.Debug("chain rpc", "method", method, "duration", time.Since(start))

	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: %s: %v", errUnexpectedResponse, method, err)
	}
	return nil
}

func (c *Client) transportErr(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", ErrUnavailable, method, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
}

// Storage returns the raw value at key, or ok=false when the key is empty.
func (c *Client) Storage(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	var result *string
	if err := c.Call(ctx, "state_getStorage", []any{encodeHex(key)}, &result); err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	value, err = decodeHex(*result)
	if err != nil {
		return nil, false, fmt.Errorf("%w: storage value: %v", errUnexpectedResponse, err)
	}
	return value, true, nil
}

// PendingMultisig reads Multisig.Multisigs for account and callHash. It
// returns nil when nothing is staged.
func (c *Client) PendingMultisig(ctx context.Context, account ss58.AccountID, callHash [32]byte) (*PendingMultisig, error) {
	raw, ok, err := c.Storage(ctx, MultisigsKey(account, callHash))
	if err != nil || !ok {
		return nil, err
	}
	p, err := DecodeMultisig(raw)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Block is the subset of chain_getBlock the coordinator needs.
type Block struct {
	Number     uint32
	Extrinsics [][]byte
}

func (c *Client) Block(ctx context.Context, blockHash string) (Block, error) {
	var result struct {
		Block struct {
			Header struct {
				Number string `json:"number"`
			} `json:"header"`
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := c.Call(ctx, "chain_getBlock", []any{blockHash}, &result); err != nil {
		return Block{}, err
	}
	number, err := strconv.ParseUint(strings.TrimPrefix(result.Block.Header.Number, "0x"), 16, 32)
	if err != nil {
		return Block{}, fmt.Errorf("%w: block number %q", errUnexpectedResponse, result.Block.Header.Number)
	}
	b := Block{Number: uint32(number), Extrinsics: make([][]byte, 0, len(result.Block.Extrinsics))}
	for _, x := range result.Block.Extrinsics {
		raw, err := decodeHex(x)
		if err != nil {
			return Block{}, fmt.Errorf("%w: extrinsic: %v", errUnexpectedResponse, err)
		}
		b.Extrinsics = append(b.Extrinsics, raw)
	}
	return b, nil
}

// FindExtrinsic locates an extrinsic by hash inside a block and returns its
// timepoint.
func (c *Client) FindExtrinsic(ctx context.Context, blockHash, extrinsicHash string) (domain.Timepoint, error) {
	want, err := decodeHex(extrinsicHash)
	if err != nil || len(want) != 32 {
		return domain.Timepoint{}, fmt.Errorf("invalid extrinsic hash %q", extrinsicHash)
	}
	b, err := c.Block(ctx, blockHash)
	if err != nil {
		return domain.Timepoint{}, err
	}
	for i, ext := range b.Extrinsics {
		h := ExtrinsicHash(ext)
		if string(h[:]) == string(want) {
			return domain.Timepoint{Height: b.Number, Index: uint32(i)}, nil
		}
	}
	return domain.Timepoint{}, ErrExtrinsicNotFound
}

func encodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
