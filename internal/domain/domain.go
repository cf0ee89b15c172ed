package domain

import (
	"milestonepay/internal/money"
	"milestonepay/internal/ss58"
)

const (
	M2StatusBuilding    = "building"
	M2StatusUnderReview = "under_review"
	M2StatusCompleted   = "completed"
)

type Project struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	DonationAddress  string       `json:"donation_address,omitempty"`
	HackathonEndDate string       `json:"hackathon_end_date" format:"date"`
	M2Status         string       `json:"m2_status" enum:"building,under_review,completed"`
	CompletionDate   *string      `json:"completion_date,omitempty" format:"date-time"`
	Roadmap          string       `json:"roadmap,omitempty"`
	SubmissionURL    string       `json:"submission_url,omitempty"`
	Team             []TeamMember `json:"team"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
}

type TeamMember struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Milestone string

const (
	MilestoneM1     Milestone = "M1"
	MilestoneM2     Milestone = "M2"
	MilestoneBounty Milestone = "BOUNTY"
)

func (m Milestone) Valid() bool {
	switch m {
	case MilestoneM1, MilestoneM2, MilestoneBounty:
		return true
	}
	return false
}

type Recipient struct {
	Name    string       `json:"name,omitempty"`
	Address string       `json:"address"`
	Amount  money.Amount `json:"amount"`
}

// PaymentRecord is immutable once appended to a project's ledger.
type PaymentRecord struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	Milestone        Milestone      `json:"milestone" enum:"M1,M2,BOUNTY"`
	Amount           money.Amount   `json:"amount"`
	Currency         money.Currency `json:"currency" enum:"USDC,DOT"`
	TransactionProof string         `json:"transaction_proof"`
	PaidDate         string         `json:"paid_date" format:"date-time"`
	ConfirmedBy      string         `json:"confirmed_by"`
	Recipients       []Recipient    `json:"recipients"`
}

type Transfer struct {
	Recipient string       `json:"recipient"`
	Amount    money.Amount `json:"amount"`
}

// CallSet is one atomic batch of transfers in a single currency.
type CallSet struct {
	Currency  money.Currency `json:"currency"`
	Transfers []Transfer     `json:"transfers"`
}

type MultisigStatus string

const (
	StatusUninitiated       MultisigStatus = "uninitiated"
	StatusInitiated         MultisigStatus = "initiated"
	StatusPartiallyApproved MultisigStatus = "partially_approved"
	StatusExecuted          MultisigStatus = "executed"
	StatusCancelled         MultisigStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s MultisigStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Pending reports whether the call is staged on chain awaiting approvals.
func (s MultisigStatus) Pending() bool {
	return s == StatusInitiated || s == StatusPartiallyApproved
}

// Timepoint locates the extrinsic that first staged a multisig call.
type Timepoint struct {
	Height uint32 `json:"height"`
	Index  uint32 `json:"index"`
}

type MultisigTransaction struct {
	ID               string         `json:"id"`
	CallHash         string         `json:"call_hash"`
	CallData         string         `json:"call_data"`
	Currency         money.Currency `json:"currency"`
	Transfers        []Transfer     `json:"transfers"`
	MultisigAccount  string         `json:"multisig_account"`
	Threshold        uint16         `json:"threshold"`
	Signatories      []string       `json:"signatories"`
	Initiator        string         `json:"initiator"`
	Approvals        int            `json:"approvals"`
	Approvers        []string       `json:"approvers"`
	Timepoint        *Timepoint     `json:"timepoint,omitempty"`
	Status           MultisigStatus `json:"status" enum:"uninitiated,initiated,partially_approved,executed,cancelled"`
	ExtrinsicHash    string         `json:"extrinsic_hash,omitempty"`
	TransactionProof string         `json:"transaction_proof,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// SignedStatement is the envelope carried in the Authorization header.
type SignedStatement struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// StatementMessage is the JSON document inside SignedStatement.Message.
type StatementMessage struct {
	Domain         string `json:"domain"`
	URI            string `json:"uri"`
	Address        string `json:"address"`
	Nonce          string `json:"nonce"`
	Statement      string `json:"statement"`
	IssuedAt       string `json:"issuedAt,omitempty"`
	ExpirationTime string `json:"expirationTime,omitempty"`
}

type Intent string

const (
	IntentSignIn           Intent = "sign_in"
	IntentUpdateTeam       Intent = "update_team"
	IntentUpdateRoadmap    Intent = "update_roadmap"
	IntentSubmitMilestone2 Intent = "submit_milestone2"
	IntentConfirmPayment   Intent = "confirm_payment"
	IntentInitiateMultisig Intent = "initiate_multisig"
	IntentApproveMultisig  Intent = "approve_multisig"
	IntentCancelMultisig   Intent = "cancel_multisig"
)

// Statement parameter names.
const (
	ParamProject   = "project"
	ParamMilestone = "milestone"
	ParamCallHash  = "callHash"
	ParamService   = "service"
)

type VerifiedStatement struct {
	Address   string            `json:"address"`
	PublicKey ss58.AccountID    `json:"-"`
	Domain    string            `json:"domain"`
	Nonce     string            `json:"nonce"`
	Statement string            `json:"statement"`
	Intent    Intent            `json:"intent"`
	Params    map[string]string `json:"params,omitempty"`
}

type ScopeKind string

const (
	ScopeGlobalAdmin   ScopeKind = "global_admin"
	ScopeProjectMember ScopeKind = "project_member"
)

type Scope struct {
	Kind      ScopeKind `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
}

// AuthorizedActor lives for a single request and is never persisted.
type AuthorizedActor struct {
	Address string `json:"address"`
	Scope   Scope  `json:"scope"`
}

func (a AuthorizedActor) IsGlobalAdmin() bool {
	return a.Scope.Kind == ScopeGlobalAdmin
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
