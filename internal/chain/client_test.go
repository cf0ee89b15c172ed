package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"milestonepay/internal/domain"
	"milestonepay/internal/ss58"
)

type fakeNode struct {
	storage map[string]string
	blocks  map[string]any
	delay   time.Duration
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	var req rpcRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		return
	}
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return
		}
	}
	// an unrelated notification first
	_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "method": "chain_newHead", "params": map[string]any{}})

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "state_getStorage":
		key, _ := req.Params[0].(string)
		if v, ok := n.storage[key]; ok {
			resp["result"] = v
		} else {
			resp["result"] = nil
		}
	case "chain_getBlock":
		hash, _ := req.Params[0].(string)
		b, ok := n.blocks[hash]
		if !ok {
			resp["result"] = nil
		} else {
			resp["result"] = b
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	}
	_ = wsjson.Write(ctx, conn, resp)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func startNode(t *testing.T, n *fakeNode) *Client {
	t.Helper()
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return New("ws"+strings.TrimPrefix(srv.URL, "http"), 2*time.Second, nil)
}

// verifyNoLeaks must be called before startNode so the check runs after
// the server is closed.
func verifyNoLeaks(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

func accountOf(b byte) ss58.AccountID {
	var id ss58.AccountID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestPendingMultisig(t *testing.T) {
	verifyNoLeaks(t)

	account := accountOf(7)
	var callHash [32]byte
	callHash[0] = 0xaa
	stored := PendingMultisig{
		When:      domain.Timepoint{Height: 1200, Index: 3},
		Deposit:   big.NewInt(20_000_000_000),
		Depositor: accountOf(1),
		Approvals: []ss58.AccountID{accountOf(1)},
	}
	node := &fakeNode{storage: map[string]string{
		encodeHex(MultisigsKey(account, callHash)): encodeHex(EncodeMultisig(stored)),
	}}
	c := startNode(t, node)

	got, err := c.PendingMultisig(context.Background(), account, callHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored.When, got.When)
	assert.Equal(t, 0, stored.Deposit.Cmp(got.Deposit))
	assert.True(t, got.Approved(accountOf(1)))
	assert.False(t, got.Approved(accountOf(2)))

	callHash[0] = 0xbb
	got, err = c.PendingMultisig(context.Background(), account, callHash)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindExtrinsic(t *testing.T) {
	verifyNoLeaks(t)

	exts := [][]byte{{0x10, 0x01}, {0x14, 0x02, 0x03}, {0x18, 0x04}}
	hexExts := make([]string, len(exts))
	for i, e := range exts {
		hexExts[i] = encodeHex(e)
	}
	node := &fakeNode{blocks: map[string]any{
		"0xblock": map[string]any{"block": map[string]any{
			"header":     map[string]any{"number": "0x4b0"},
			"extrinsics": hexExts,
		}},
	}}
	c := startNode(t, node)

	h := ExtrinsicHash(exts[1])
	tp, err := c.FindExtrinsic(context.Background(), "0xblock", "0x"+hex.EncodeToString(h[:]))
	require.NoError(t, err)
	assert.Equal(t, domain.Timepoint{Height: 1200, Index: 1}, tp)

	missing := ExtrinsicHash([]byte{0xff})
	_, err = c.FindExtrinsic(context.Background(), "0xblock", "0x"+hex.EncodeToString(missing[:]))
	assert.ErrorIs(t, err, ErrExtrinsicNotFound)
}

func TestRPCErrorIsNotUnavailable(t *testing.T) {
	verifyNoLeaks(t)

	c := startNode(t, &fakeNode{})
	err := c.Call(context.Background(), "author_unknown", nil, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestTimeoutIsUnavailable(t *testing.T) {
	c := startNode(t, &fakeNode{delay: time.Second})
	c.Timeout = 50 * time.Millisecond
	var out json.RawMessage
	err := c.Call(context.Background(), "state_getStorage", []any{"0x00"}, &out)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDialFailureIsUnavailable(t *testing.T) {
	c := New("ws://127.0.0.1:1", 200*time.Millisecond, nil)
	_, _, err := c.Storage(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, ErrUnavailable)
}
