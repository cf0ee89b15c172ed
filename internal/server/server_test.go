package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/db"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/migrate"
	"milestonepay/internal/multisig"
	"milestonepay/internal/siws"
	"milestonepay/internal/siws/siwstest"
)

const (
	testDomain = "localhost:8080"
	testSecret = "0123456789abcdef0123456789abcdef"
)

var testNow = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) Consume(_ context.Context, address, nonce string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := address + "|" + nonce
	if m.seen[k] {
		return siws.ErrNonceUsed
	}
	m.seen[k] = true
	return nil
}

// stubMultisig records calls and returns canned results.
type stubMultisig struct {
	mu        sync.Mutex
	initiated []domain.CallSet
	initiator string
	approveFn func(callHash, approver string) (domain.MultisigTransaction, error)
	statusErr error
}

func (s *stubMultisig) Initiate(_ context.Context, set domain.CallSet, initiator string) (domain.MultisigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiated = append(s.initiated, set)
	s.initiator = initiator
	return domain.MultisigTransaction{CallHash: "0x" + strings.Repeat("ab", 32), Status: domain.StatusInitiated, Initiator: initiator, Approvals: 1}, nil
}

func (s *stubMultisig) Approve(_ context.Context, callHash, approver string) (domain.MultisigTransaction, error) {
	s.mu.Lock()
	fn := s.approveFn
	s.mu.Unlock()
	if fn != nil {
		return fn(callHash, approver)
	}
	return domain.MultisigTransaction{CallHash: callHash, Status: domain.StatusExecuted}, nil
}

func (s *stubMultisig) Cancel(_ context.Context, callHash, initiator string) (domain.MultisigTransaction, error) {
	return domain.MultisigTransaction{CallHash: callHash, Status: domain.StatusCancelled, Initiator: initiator}, nil
}

func (s *stubMultisig) Status(_ context.Context, callHash string) (multisig.StatusView, error) {
	s.mu.Lock()
	err := s.statusErr
	s.mu.Unlock()
	if err != nil {
		return multisig.StatusView{}, err
	}
	return multisig.StatusView{Transaction: domain.MultisigTransaction{CallHash: callHash}}, nil
}

func (s *stubMultisig) List(context.Context, string, int) ([]domain.MultisigTransaction, error) {
	return []domain.MultisigTransaction{}, nil
}

type testServer struct {
	URL      string
	Engine   engine.Engine
	Verifier *siws.Verifier
	Multisig *stubMultisig
	Admin    siwstest.Signer
	Member   siwstest.Signer
	Outsider siwstest.Signer
	nonce    int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ts := &testServer{
		Admin:    siwstest.NewSigner(9),
		Member:   siwstest.NewSigner(1),
		Outsider: siwstest.NewSigner(5),
		Multisig: &stubMultisig{},
	}
	cfg := config.Default()
	cfg.Auth.GlobalSigners = []string{ts.Admin.Address}
	cfg.Auth.JWTSecret = testSecret

	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	_, err = eng.ImportProjects(context.Background(), []engine.ProjectImport{{
		ID:               "proj-1",
		Name:             "Project One",
		HackathonEndDate: "2025-03-01",
		Team: []domain.TeamMember{
			{Name: "member", Address: ts.Member.Address},
			{Name: "second", Address: siwstest.NewSigner(2).Address},
		},
	}}, "tester")
	require.NoError(t, err)
	ts.Engine = eng

	ts.Verifier = siws.NewVerifier(siws.Options{
		ServiceName:    cfg.ServiceName,
		ExpectedDomain: cfg.Auth.ExpectedDomain,
		NonceTTL:       cfg.Auth.NonceTTL,
	}, &memNonces{seen: map[string]bool{}}, nil)
	ts.Verifier.Now = func() time.Time { return testNow }

	handler, err := New(Config{
		Engine:     eng,
		Multisig:   ts.Multisig,
		Verifier:   ts.Verifier,
		Authorizer: auth.NewAuthorizer(cfg.Auth.GlobalSigners, eng.Repo, false, nil),
		BasePath:   cfg.Server.BasePath,
		JWTSecret:  cfg.Auth.JWTSecret,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ts.URL = srv.URL + "/v1"
	return ts
}

// sign returns an Authorization header for intent with a fresh nonce.
func (ts *testServer) sign(t *testing.T, signer siwstest.Signer, intent domain.Intent, params map[string]string) string {
	t.Helper()
	statement, err := ts.Verifier.Grammar().Statement(intent, params)
	require.NoError(t, err)
	ts.nonce++
	return signer.Header(siwstest.Message{Domain: testDomain, Statement: statement, Nonce: fmt.Sprintf("n-%d", ts.nonce), IssuedAt: testNow})
}

func doJSON(t *testing.T, method, url string, body any, authz string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func confirmBody(ts *testServer, milestone string) map[string]any {
	return map[string]any{
		"milestone": milestone,
		"recipients": []map[string]any{
			{"name": "member", "address": ts.Member.Address, "amount": "600"},
			{"name": "second", "address": siwstest.NewSigner(2).Address, "amount": "400.5"},
		},
		"totalAmount":      "1000.5",
		"currency":         "usdc",
		"transactionProof": "https://assethub-westend.subscan.io/extrinsic/0xabc",
	}
}

func confirmParams(milestone string) map[string]string {
	return map[string]string{domain.ParamProject: "proj-1", domain.ParamMilestone: milestone}
}

func TestMutationsNeedAuthorization(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/projects/proj-1/confirm-payment"

	res, data := doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), "%%not base64%%")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "malformed_envelope", decodeError(t, data).Error.Code)

	other := siwstest.NewSigner(9).Header(siwstest.Message{Domain: "evil.example", Statement: "Confirm M1 payment for proj-1 on Milestone Pay", Nonce: "x"})
	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), other)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "domain_mismatch", decodeError(t, data).Error.Code)
}

func TestConfirmPaymentOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/projects/proj-1/confirm-payment"

	res, data := doJSON(t, http.MethodPost, url, confirmBody(ts, "M2"), ts.sign(t, ts.Admin, domain.IntentConfirmPayment, confirmParams("M2")))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, string(engine.KindOrderingViolation), env.Error.Code)
	assert.Equal(t, "M1 must be paid before M2", env.Error.Message)

	header := ts.sign(t, ts.Admin, domain.IntentConfirmPayment, confirmParams("M1"))
	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), header)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out ConfirmPaymentResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "1000.500000", out.Payment.Amount)
	assert.Equal(t, uint64(1_000_500_000), out.Payment.AmountMinor)
	assert.Equal(t, ts.Admin.Address, out.Payment.ConfirmedBy)
	assert.Len(t, out.Project.Payments, 1)

	// the same envelope cannot be used twice
	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), header)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "replayed_nonce", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), ts.sign(t, ts.Admin, domain.IntentConfirmPayment, confirmParams("M1")))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, string(engine.KindDuplicateMilestone), decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, ts.URL+"/projects/proj-1/payments", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var payments PaymentsResponse
	require.NoError(t, json.Unmarshal(data, &payments))
	require.Len(t, payments.Items, 1)
	assert.Equal(t, "400.500000", payments.Items[0].Recipients[1].Amount)
}

func TestDistributionMismatchOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	body := confirmBody(ts, "M1")
	body["totalAmount"] = "1000.4"
	res, data := doJSON(t, http.MethodPost, ts.URL+"/projects/proj-1/confirm-payment", body, ts.sign(t, ts.Admin, domain.IntentConfirmPayment, confirmParams("M1")))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, string(engine.KindDistributionMismatch), decodeError(t, data).Error.Code)
}

func TestStatementMustNameTheOperation(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/projects/proj-1/confirm-payment"

	// signed for M1, body asks for M2
	res, data := doJSON(t, http.MethodPost, url, confirmBody(ts, "M2"), ts.sign(t, ts.Admin, domain.IntentConfirmPayment, confirmParams("M1")))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "statement_mismatch", decodeError(t, data).Error.Code)

	other := map[string]string{domain.ParamProject: "proj-2", domain.ParamMilestone: "M1"}
	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), ts.sign(t, ts.Admin, domain.IntentConfirmPayment, other))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "statement_mismatch", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, url, confirmBody(ts, "M1"), ts.sign(t, ts.Admin, domain.IntentUpdateRoadmap, map[string]string{domain.ParamProject: "proj-1"}))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "statement_mismatch", decodeError(t, data).Error.Code)
}

func TestTeamMembersCannotConfirm(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, ts.URL+"/projects/proj-1/confirm-payment", confirmBody(ts, "M1"), ts.sign(t, ts.Member, domain.IntentConfirmPayment, confirmParams("M1")))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, ts.Member.Address, env.Error.Details["address"])
}

func TestTeamAndRoadmapUpdates(t *testing.T) {
	ts := newTestServer(t)
	params := map[string]string{domain.ParamProject: "proj-1"}
	team := map[string]any{"team": []map[string]any{
		{"name": "member", "address": ts.Member.Address},
		{"name": "newcomer", "address": siwstest.NewSigner(3).Address},
	}}

	res, data := doJSON(t, http.MethodPut, ts.URL+"/projects/proj-1/team", team, ts.sign(t, ts.Outsider, domain.IntentUpdateTeam, params))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPut, ts.URL+"/projects/proj-1/team", team, ts.sign(t, ts.Member, domain.IntentUpdateTeam, params))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var view ProjectResponse
	require.NoError(t, json.Unmarshal(data, &view))
	require.Len(t, view.Project.Team, 2)
	assert.Equal(t, "newcomer", view.Project.Team[1].Name)
	assert.True(t, view.RoadmapOpen)

	res, data = doJSON(t, http.MethodPut, ts.URL+"/projects/proj-1/roadmap", map[string]any{"roadmap": "week 1: ship"}, ts.sign(t, ts.Member, domain.IntentUpdateRoadmap, params))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, "week 1: ship", view.Project.Roadmap)

	res, data = doJSON(t, http.MethodPost, ts.URL+"/projects/proj-1/submission", map[string]any{"submission_url": "https://github.com/org/repo"}, ts.sign(t, ts.Member, domain.IntentSubmitMilestone2, params))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, string(engine.KindWindowClosed), env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["week"])
}

func TestReadTokens(t *testing.T) {
	ts := newTestServer(t)
	token, err := IssueReadToken(testSecret, "dashboard", time.Hour, time.Now())
	require.NoError(t, err)

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/events", nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, ts.URL+"/events?project_id=proj-1", nil, "Bearer "+token)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "project.imported", page.Items[0].Type)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/events", nil, "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	wrong, err := IssueReadToken(strings.Repeat("x", 32), "dashboard", time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, ts.URL+"/events", nil, "Bearer "+wrong)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, ts.URL+"/projects/proj-1/confirm-payment", confirmBody(ts, "M1"), "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, ts.URL+"/events", nil, ts.sign(t, ts.Outsider, domain.IntentSignIn, nil))
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestPayoutSplit(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, ts.URL+"/projects/proj-1/payout-split?total=0.000003&currency=USDC", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var split PayoutSplitResponse
	require.NoError(t, json.Unmarshal(data, &split))
	require.Len(t, split.Recipients, 2)
	assert.Equal(t, uint64(2), split.Recipients[0].AmountMinor)
	assert.Equal(t, uint64(1), split.Recipients[1].AmountMinor)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/projects/nope/payout-split?total=1", nil, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, ts.URL+"/projects/proj-1/payout-split?total=1.0000001", nil, "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMultisigRoutes(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"currency": "DOT",
		"transfers": []map[string]any{
			{"recipient": ts.Member.Address, "amount": "1.5"},
		},
	}
	res, data := doJSON(t, http.MethodPost, ts.URL+"/multisig", body, ts.sign(t, ts.Member, domain.IntentInitiateMultisig, nil))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, ts.URL+"/multisig", body, ts.sign(t, ts.Admin, domain.IntentInitiateMultisig, nil))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	ts.Multisig.mu.Lock()
	require.Len(t, ts.Multisig.initiated, 1)
	assert.Equal(t, ts.Admin.Address, ts.Multisig.initiator)
	assert.EqualValues(t, 15_000_000_000, ts.Multisig.initiated[0].Transfers[0].Amount)
	ts.Multisig.approveFn = func(callHash, approver string) (domain.MultisigTransaction, error) {
		return domain.MultisigTransaction{}, &multisig.Error{Kind: multisig.KindThresholdAlreadyReached, Reason: "call already has 2 of 2 approvals"}
	}
	ts.Multisig.mu.Unlock()

	hash := "0x" + strings.Repeat("ab", 32)
	res, data = doJSON(t, http.MethodPost, ts.URL+"/multisig/"+hash+"/approve", nil, ts.sign(t, ts.Admin, domain.IntentApproveMultisig, map[string]string{domain.ParamCallHash: hash}))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "threshold_already_reached", decodeError(t, data).Error.Code)

	other := "0x" + strings.Repeat("cd", 32)
	res, data = doJSON(t, http.MethodPost, ts.URL+"/multisig/"+hash+"/cancel", nil, ts.sign(t, ts.Admin, domain.IntentCancelMultisig, map[string]string{domain.ParamCallHash: other}))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "statement_mismatch", decodeError(t, data).Error.Code)

	ts.Multisig.mu.Lock()
	ts.Multisig.statusErr = &multisig.Error{Kind: multisig.KindChainUnavailable, Reason: "node timeout", Retriable: true}
	ts.Multisig.mu.Unlock()
	res, data = doJSON(t, http.MethodGet, ts.URL+"/multisig/"+hash, nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "chain_unavailable", env.Error.Code)
	assert.Equal(t, true, env.Error.Details["retriable"])
}

func TestHealthDocsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, ts.URL+"/openapi.json", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "confirm-payment")
	assert.Contains(t, string(data), "signedStatement")

	doJSON(t, http.MethodPost, ts.URL+"/projects/proj-1/confirm-payment", confirmBody(ts, "M1"), "")
	root := strings.TrimSuffix(ts.URL, "/v1")
	res, data = doJSON(t, http.MethodGet, root+"/metrics", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `milestonepay_auth_decisions_total{outcome="missing"} 1`)
}

func TestWebhookDelivery(t *testing.T) {
	ts := newTestServer(t)
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(ts.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"payment.*"}}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)
	assert.Empty(t, received, "history is not replayed")

	admin := domain.AuthorizedActor{Address: ts.Admin.Address, Scope: domain.Scope{Kind: domain.ScopeGlobalAdmin}}
	opts, err := ConfirmPaymentRequest{
		Milestone:        "M1",
		Recipients:       []RecipientRequest{{Address: ts.Member.Address, Amount: "10"}},
		TotalAmount:      "10",
		Currency:         "USDC",
		TransactionProof: "https://explorer.example/tx/1",
	}.confirmOptions("proj-1")
	require.NoError(t, err)
	_, err = ts.Engine.ConfirmPayment(ctx, admin, opts)
	require.NoError(t, err)

	d.DispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "payment.confirmed", received[0].Type)
	assert.Equal(t, "proj-1", received[0].ProjectID)
	assert.Equal(t, "payment.confirmed", headers[0].Get("X-Milestonepay-Event"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Milestonepay-Secret"))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"multisig.*", "payment.confirmed"})
	assert.True(t, f.match("multisig.executed"))
	assert.True(t, f.match("payment.confirmed"))
	assert.False(t, f.match("project.completed"))
	assert.True(t, newEventFilter(nil).match("anything"))
}
