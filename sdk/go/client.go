package mpaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Milestone Pay HTTP API client. Mutations carry a
// signed statement header supplied per call; reads use BearerToken when set.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type TeamMember struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Project struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	HackathonEndDate string       `json:"hackathon_end_date"`
	M2Status         string       `json:"m2_status"`
	CompletionDate   *string      `json:"completion_date,omitempty"`
	Roadmap          string       `json:"roadmap,omitempty"`
	SubmissionURL    string       `json:"submission_url,omitempty"`
	Team             []TeamMember `json:"team"`
}

// ProjectView is a project with its program week and open windows.
type ProjectView struct {
	Project        Project `json:"project"`
	Week           uint32  `json:"week"`
	RoadmapOpen    bool    `json:"roadmap_open"`
	SubmissionOpen bool    `json:"submission_open"`
}

type Recipient struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	// Amount is a decimal string in display units, e.g. "1500.00".
	Amount      string `json:"amount"`
	AmountMinor uint64 `json:"amount_minor,omitempty"`
}

type Payment struct {
	ID               string      `json:"id"`
	ProjectID        string      `json:"project_id"`
	Milestone        string      `json:"milestone"`
	Amount           string      `json:"amount"`
	AmountMinor      uint64      `json:"amount_minor"`
	Currency         string      `json:"currency"`
	TransactionProof string      `json:"transaction_proof"`
	PaidDate         string      `json:"paid_date"`
	ConfirmedBy      string      `json:"confirmed_by"`
	Recipients       []Recipient `json:"recipients"`
}

type ConfirmPaymentRequest struct {
	Milestone        string      `json:"milestone"`
	Recipients       []Recipient `json:"recipients"`
	TotalAmount      string      `json:"totalAmount"`
	Currency         string      `json:"currency"`
	TransactionProof string      `json:"transactionProof"`
}

type ConfirmPaymentResponse struct {
	Payment Payment     `json:"payment"`
	Project ProjectView `json:"project"`
}

type Transfer struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type Timepoint struct {
	Height uint32 `json:"height"`
	Index  uint32 `json:"index"`
}

type MultisigTransaction struct {
	CallHash         string     `json:"call_hash"`
	Currency         string     `json:"currency"`
	MultisigAccount  string     `json:"multisig_account"`
	Threshold        uint16     `json:"threshold"`
	Initiator        string     `json:"initiator"`
	Approvals        int        `json:"approvals"`
	Approvers        []string   `json:"approvers"`
	Timepoint        *Timepoint `json:"timepoint,omitempty"`
	Status           string     `json:"status"`
	TransactionProof string     `json:"transaction_proof,omitempty"`
}

type MultisigStatus struct {
	Transaction MultisigTransaction `json:"transaction"`
	Recorded    bool                `json:"recorded"`
	InSync      bool                `json:"in_sync"`
	Note        string              `json:"note,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retriable reports whether the server marked the failure as safe to retry.
func (e *APIError) Retriable() bool {
	v, _ := e.Details["retriable"].(bool)
	return v
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func (c *Client) Project(ctx context.Context, projectID string) (ProjectView, error) {
	var resp ProjectView
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID), "", nil, &resp)
	return resp, err
}

func (c *Client) Payments(ctx context.Context, projectID string) ([]Payment, error) {
	var resp struct {
		Items []Payment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/payments", "", nil, &resp)
	return resp.Items, err
}

// ConfirmPayment appends a payment; statement must be signed for
// "Confirm <milestone> payment for <project> on <service>".
func (c *Client) ConfirmPayment(ctx context.Context, statement, projectID string, req ConfirmPaymentRequest) (ConfirmPaymentResponse, error) {
	var resp ConfirmPaymentResponse
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/confirm-payment", statement, req, &resp)
	return resp, err
}

func (c *Client) MultisigStatus(ctx context.Context, callHash string) (MultisigStatus, error) {
	var resp MultisigStatus
	err := c.do(ctx, http.MethodGet, "multisig/"+url.PathEscape(callHash), "", nil, &resp)
	return resp, err
}

func (c *Client) InitiateMultisig(ctx context.Context, statement, currency string, transfers []Transfer) (MultisigTransaction, error) {
	var resp MultisigTransaction
	body := map[string]any{"currency": currency, "transfers": transfers}
	err := c.do(ctx, http.MethodPost, "multisig", statement, body, &resp)
	return resp, err
}

func (c *Client) ApproveMultisig(ctx context.Context, statement, callHash string) (MultisigTransaction, error) {
	var resp MultisigTransaction
	err := c.do(ctx, http.MethodPost, "multisig/"+url.PathEscape(callHash)+"/approve", statement, nil, &resp)
	return resp, err
}

func (c *Client) CancelMultisig(ctx context.Context, statement, callHash string) (MultisigTransaction, error) {
	var resp MultisigTransaction
	err := c.do(ctx, http.MethodPost, "multisig/"+url.PathEscape(callHash)+"/cancel", statement, nil, &resp)
	return resp, err
}

// do sends one request. A non-empty statement is sent as the Authorization
// header as is; otherwise the bearer token is used.
func (c *Client) do(ctx context.Context, method, endpoint, statement string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case statement != "":
		req.Header.Set("Authorization", statement)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
