package server

import (
	"encoding/json"
	"fmt"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/money"
)

// Request payloads. Amounts are decimal strings in display units.

type RecipientRequest struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Amount  string `json:"amount" example:"1500.00"`
}

type ConfirmPaymentRequest struct {
	Milestone        string             `json:"milestone" enum:"M1,M2,BOUNTY"`
	Recipients       []RecipientRequest `json:"recipients"`
	TotalAmount      string             `json:"totalAmount" example:"3000.00"`
	Currency         string             `json:"currency" example:"USDC"`
	TransactionProof string             `json:"transactionProof"`
}

type UpdateTeamRequest struct {
	Team []domain.TeamMember `json:"team"`
}

type UpdateRoadmapRequest struct {
	Roadmap string `json:"roadmap"`
}

type SubmissionRequest struct {
	SubmissionURL string `json:"submission_url"`
}

type TransferRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount" example:"1500.00"`
}

type InitiateMultisigRequest struct {
	Currency  string            `json:"currency" example:"USDC"`
	Transfers []TransferRequest `json:"transfers"`
}

// Response payloads

type ProjectResponse = engine.ProjectView

type ConfirmPaymentResponse struct {
	Payment PaymentResponse `json:"payment"`
	Project ProjectResponse `json:"project"`
}

type RecipientResponse struct {
	Name        string `json:"name,omitempty"`
	Address     string `json:"address"`
	Amount      string `json:"amount"`
	AmountMinor uint64 `json:"amount_minor"`
}

type PaymentResponse struct {
	ID               string              `json:"id"`
	ProjectID        string              `json:"project_id"`
	Milestone        domain.Milestone    `json:"milestone" enum:"M1,M2,BOUNTY"`
	Amount           string              `json:"amount"`
	AmountMinor      uint64              `json:"amount_minor"`
	Currency         money.Currency      `json:"currency" enum:"USDC,DOT"`
	TransactionProof string              `json:"transaction_proof"`
	PaidDate         string              `json:"paid_date" format:"date-time"`
	ConfirmedBy      string              `json:"confirmed_by"`
	Recipients       []RecipientResponse `json:"recipients"`
}

type PaymentsResponse struct {
	Items []PaymentResponse `json:"items"`
}

type PayoutSplitResponse struct {
	Currency   money.Currency      `json:"currency"`
	Total      string              `json:"total"`
	Recipients []RecipientResponse `json:"recipients"`
}

type MultisigListResponse struct {
	Items []domain.MultisigTransaction `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func recipientResponse(r domain.Recipient, c money.Currency) RecipientResponse {
	return RecipientResponse{Name: r.Name, Address: r.Address, Amount: money.Format(r.Amount, c), AmountMinor: uint64(r.Amount)}
}

func paymentResponse(p domain.PaymentRecord) PaymentResponse {
	out := PaymentResponse{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		Milestone:        p.Milestone,
		Amount:           money.Format(p.Amount, p.Currency),
		AmountMinor:      uint64(p.Amount),
		Currency:         p.Currency,
		TransactionProof: p.TransactionProof,
		PaidDate:         p.PaidDate,
		ConfirmedBy:      p.ConfirmedBy,
		Recipients:       make([]RecipientResponse, 0, len(p.Recipients)),
	}
	for _, r := range p.Recipients {
		out.Recipients = append(out.Recipients, recipientResponse(r, p.Currency))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

// confirmOptions converts display amounts into minor units.
func (r ConfirmPaymentRequest) confirmOptions(projectID string) (engine.ConfirmPaymentOptions, error) {
	currency, err := money.ParseCurrency(r.Currency)
	if err != nil {
		return engine.ConfirmPaymentOptions{}, err
	}
	total, err := money.Parse(r.TotalAmount, currency)
	if err != nil {
		return engine.ConfirmPaymentOptions{}, fmt.Errorf("totalAmount: %w", err)
	}
	opts := engine.ConfirmPaymentOptions{
		ProjectID:        projectID,
		Milestone:        domain.Milestone(r.Milestone),
		TotalAmount:      total,
		Currency:         currency,
		TransactionProof: r.TransactionProof,
		Recipients:       make([]domain.Recipient, 0, len(r.Recipients)),
	}
	for i, rr := range r.Recipients {
		amount, err := money.Parse(rr.Amount, currency)
		if err != nil {
			return engine.ConfirmPaymentOptions{}, fmt.Errorf("recipients[%d].amount: %w", i, err)
		}
		opts.Recipients = append(opts.Recipients, domain.Recipient{Name: rr.Name, Address: rr.Address, Amount: amount})
	}
	return opts, nil
}

func (r InitiateMultisigRequest) callSet() (domain.CallSet, error) {
	currency, err := money.ParseCurrency(r.Currency)
	if err != nil {
		return domain.CallSet{}, err
	}
	set := domain.CallSet{Currency: currency, Transfers: make([]domain.Transfer, 0, len(r.Transfers))}
	for i, t := range r.Transfers {
		amount, err := money.Parse(t.Amount, currency)
		if err != nil {
			return domain.CallSet{}, fmt.Errorf("transfers[%d].amount: %w", i, err)
		}
		set.Transfers = append(set.Transfers, domain.Transfer{Recipient: t.Recipient, Amount: amount})
	}
	return set, nil
}
