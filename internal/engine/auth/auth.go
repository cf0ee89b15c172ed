package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"milestonepay/internal/domain"
	"milestonepay/internal/repo"
	"milestonepay/internal/ss58"
)

// ForbiddenError indicates the verified signer lacks the required scope.
type ForbiddenError struct {
	Address string
	Scope   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("address %s is not authorized for %s", e.Address, e.Scope)
}

// Requirement is the scope an operation demands.
type Requirement struct {
	projectID string
	global    bool
}

// GlobalOnly is satisfied only by configured global signers.
func GlobalOnly() Requirement {
	return Requirement{global: true}
}

// ProjectScoped is satisfied by global signers and by the project's team.
func ProjectScoped(projectID string) Requirement {
	return Requirement{projectID: projectID}
}

func (r Requirement) String() string {
	if r.global {
		return "global scope"
	}
	return "project " + r.projectID
}

// RosterLookup returns the roster addresses of a project.
type RosterLookup interface {
	TeamAddresses(ctx context.Context, projectID string) ([]string, error)
}

type Authorizer struct {
	globals   map[ss58.AccountID]struct{}
	rawGlobal map[string]struct{}
	roster    RosterLookup
	devBypass bool
	logger    *slog.Logger
}

// NewAuthorizer builds an authorizer over the global signer set. devBypass
// must come from process configuration only; callers pass
// config.DevBypassActive(), which is false in production.
func NewAuthorizer(globalSigners []string, roster RosterLookup, devBypass bool, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Authorizer{
		globals:   make(map[ss58.AccountID]struct{}, len(globalSigners)),
		rawGlobal: make(map[string]struct{}, len(globalSigners)),
		roster:    roster,
		devBypass: devBypass,
		logger:    logger,
	}
	for _, addr := range globalSigners {
		a.rawGlobal[strings.ToLower(strings.TrimSpace(addr))] = struct{}{}
		if id, _, err := ss58.Decode(addr); err == nil {
			a.globals[id] = struct{}{}
		}
	}
	if devBypass {
		logger.Warn("authorization dev bypass is enabled; every verified signer is treated as a global admin")
	}
	return a
}

// IsGlobal reports whether address belongs to the global signer set.
func (a *Authorizer) IsGlobal(address string) bool {
	if _, ok := a.rawGlobal[strings.ToLower(strings.TrimSpace(address))]; ok {
		return true
	}
	id, _, err := ss58.Decode(address)
	if err != nil {
		return false
	}
	_, ok := a.globals[id]
	return ok
}

// Authorize turns a verified statement into an actor or a ForbiddenError.
// It reads the roster but never writes.
func (a *Authorizer) Authorize(ctx context.Context, st domain.VerifiedStatement, req Requirement) (domain.AuthorizedActor, error) {
	if a.IsGlobal(st.Address) || a.devBypass {
		return domain.AuthorizedActor{Address: st.Address, Scope: domain.Scope{Kind: domain.ScopeGlobalAdmin}}, nil
	}
	if req.global {
		return domain.AuthorizedActor{}, ForbiddenError{Address: st.Address, Scope: req.String()}
	}
	members, err := a.roster.TeamAddresses(ctx, req.projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AuthorizedActor{}, ForbiddenError{Address: st.Address, Scope: req.String()}
		}
		return domain.AuthorizedActor{}, fmt.Errorf("load roster: %w", err)
	}
	for _, m := range members {
		if SameAddress(m, st.Address) {
			return domain.AuthorizedActor{
				Address: st.Address,
				Scope:   domain.Scope{Kind: domain.ScopeProjectMember, ProjectID: req.projectID},
			}, nil
		}
	}
	a.logger.InfoContext(ctx, "authorization denied", "address", st.Address, "scope", req.String())
	return domain.AuthorizedActor{}, ForbiddenError{Address: st.Address, Scope: req.String()}
}

// SameAddress compares case-insensitively, and by public key when both sides
// decode as SS58 so the same account under another network prefix matches.
func SameAddress(a, b string) bool {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return true
	}
	return ss58.SameAccount(a, b)
}
