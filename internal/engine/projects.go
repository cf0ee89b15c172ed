package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/events"
	"milestonepay/internal/repo"
	"milestonepay/internal/ss58"
	"milestonepay/internal/timeline"
)

// ProjectImport is one entry of a projects import file.
type ProjectImport struct {
	ID               string              `yaml:"id"`
	Name             string              `yaml:"name"`
	DonationAddress  string              `yaml:"donation_address"`
	HackathonEndDate string              `yaml:"hackathon_end_date"`
	Team             []domain.TeamMember `yaml:"team"`
}

type importFile struct {
	Projects []ProjectImport `yaml:"projects"`
}

// ParseProjectImport decodes a YAML projects file.
func ParseProjectImport(data []byte) ([]ProjectImport, error) {
	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid projects yaml: %w", err)
	}
	if len(f.Projects) == 0 {
		return nil, errors.New("projects file contains no projects")
	}
	return f.Projects, nil
}

// ImportProjects creates or refreshes projects from the external project
// store. Payment state is never touched by an import.
func (e Engine) ImportProjects(ctx context.Context, items []ProjectImport, actorID string) ([]domain.Project, error) {
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" || strings.TrimSpace(it.Name) == "" {
			return nil, ledgerErr(KindInvalidInput, "project id and name are required")
		}
		if _, err := timeline.ParseDate(it.HackathonEndDate); err != nil {
			return nil, ledgerErr(KindInvalidInput, "project %s: %v", it.ID, err)
		}
		if it.DonationAddress != "" && !ss58.Valid(it.DonationAddress) {
			return nil, ledgerErr(KindInvalidInput, "project %s: donation address is not a valid SS58 address", it.ID)
		}
		if err := validateTeam(it.Team); err != nil {
			return nil, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	for _, it := range items {
		p := domain.Project{
			ID:               it.ID,
			Name:             it.Name,
			DonationAddress:  it.DonationAddress,
			HackathonEndDate: it.HackathonEndDate,
			M2Status:         domain.M2StatusBuilding,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		err := e.Repo.UpdateProjectMetaTx(ctx, tx, p)
		if errors.Is(err, repo.ErrNotFound) {
			err = e.Repo.InsertProjectTx(ctx, tx, p)
		}
		if err != nil {
			return nil, fmt.Errorf("import project %s: %w", it.ID, err)
		}
		if err := e.Repo.ReplaceTeamTx(ctx, tx, it.ID, it.Team); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ProjectImported, it.ID, events.KindProject, it.ID, actorID, events.EventPayload{
			"name": it.Name,
			"team": len(it.Team),
		}); err != nil {
			return nil, err
		}
	}
	out := make([]domain.Project, 0, len(items))
	for _, it := range items {
		p, err := e.Repo.GetProjectTx(ctx, tx, it.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func validateTeam(members []domain.TeamMember) error {
	seen := map[ss58.AccountID]bool{}
	for i, m := range members {
		id, _, err := ss58.Decode(m.Address)
		if err != nil {
			return &LedgerError{Kind: KindInvalidInput, Reason: "team member address is not a valid SS58 address", Details: map[string]any{"index": i, "address": m.Address}}
		}
		if seen[id] {
			return &LedgerError{Kind: KindInvalidInput, Reason: "team member listed twice", Details: map[string]any{"index": i, "address": m.Address}}
		}
		seen[id] = true
		if strings.TrimSpace(m.Name) == "" {
			return &LedgerError{Kind: KindInvalidInput, Reason: "team member name is required", Details: map[string]any{"index": i}}
		}
	}
	return nil
}

func requireProjectActor(actor domain.AuthorizedActor, projectID string) error {
	if actor.IsGlobalAdmin() {
		return nil
	}
	if actor.Scope.Kind == domain.ScopeProjectMember && actor.Scope.ProjectID == projectID {
		return nil
	}
	return auth.ForbiddenError{Address: actor.Address, Scope: "project " + projectID}
}

func (e Engine) loadProjectTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, ledgerErr(KindNotFound, "project %s not found", projectID)
	}
	return p, err
}

// UpdateTeam replaces a project's roster.
func (e Engine) UpdateTeam(ctx context.Context, actor domain.AuthorizedActor, projectID string, members []domain.TeamMember) (domain.Project, error) {
	if err := requireProjectActor(actor, projectID); err != nil {
		return domain.Project{}, err
	}
	if len(members) == 0 {
		return domain.Project{}, ledgerErr(KindInvalidInput, "team must have at least one member")
	}
	if err := validateTeam(members); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := e.loadProjectTx(ctx, tx, projectID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.ReplaceTeamTx(ctx, tx, projectID, members); err != nil {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=? WHERE id=?`, now, projectID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TeamUpdated, projectID, events.KindProject, projectID, actor.Address, events.EventPayload{
		"members": len(members),
	}); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateRoadmap is allowed in program weeks 1-4 only, for admins as well.
func (e Engine) UpdateRoadmap(ctx context.Context, actor domain.AuthorizedActor, projectID, roadmap string) (domain.Project, error) {
	if err := requireProjectActor(actor, projectID); err != nil {
		return domain.Project{}, err
	}
	if strings.TrimSpace(roadmap) == "" {
		return domain.Project{}, ledgerErr(KindInvalidInput, "roadmap is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.loadProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	week, err := e.ProgramWeek(p.HackathonEndDate)
	if err != nil {
		return domain.Project{}, err
	}
	if err := timeline.CheckRoadmap(week); err != nil {
		return domain.Project{}, windowErr(err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRoadmapTx(ctx, tx, projectID, roadmap, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoadmapUpdated, projectID, events.KindProject, projectID, actor.Address, events.EventPayload{
		"week": week,
	}); err != nil {
		return domain.Project{}, err
	}
	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SubmitMilestone2 records the deliverables link in weeks 5-6 and moves the
// project under review.
func (e Engine) SubmitMilestone2(ctx context.Context, actor domain.AuthorizedActor, projectID, submissionURL string) (domain.Project, error) {
	if err := requireProjectActor(actor, projectID); err != nil {
		return domain.Project{}, err
	}
	if err := validateProofURL(submissionURL); err != nil {
		return domain.Project{}, ledgerErr(KindInvalidInput, "submission must be an http(s) URL")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.loadProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.M2Status == domain.M2StatusCompleted {
		return domain.Project{}, ledgerErr(KindAlreadyCompleted, "project %s has already completed milestone 2", projectID)
	}
	week, err := e.ProgramWeek(p.HackathonEndDate)
	if err != nil {
		return domain.Project{}, err
	}
	if err := timeline.CheckSubmission(week); err != nil {
		return domain.Project{}, windowErr(err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetSubmissionTx(ctx, tx, projectID, submissionURL, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.SetM2StatusTx(ctx, tx, projectID, domain.M2StatusUnderReview, nil, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SubmissionCreated, projectID, events.KindProject, projectID, actor.Address, events.EventPayload{
		"week":           week,
		"submission_url": submissionURL,
	}); err != nil {
		return domain.Project{}, err
	}
	p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func windowErr(err error) error {
	var closed timeline.ClosedError
	if errors.As(err, &closed) {
		return &LedgerError{
			Kind:    KindWindowClosed,
			Reason:  closed.Error(),
			Details: map[string]any{"week": closed.Week, "first": closed.First, "last": closed.Last},
		}
	}
	return err
}

// ProjectView is a project with its ledger and timeline state.
type ProjectView struct {
	Project        domain.Project         `json:"project"`
	Payments       []domain.PaymentRecord `json:"payments"`
	Week           uint32                 `json:"week"`
	RoadmapOpen    bool                   `json:"roadmap_open"`
	SubmissionOpen bool                   `json:"submission_open"`
}

func (e Engine) ProjectView(ctx context.Context, projectID string) (ProjectView, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ProjectView{}, ledgerErr(KindNotFound, "project %s not found", projectID)
		}
		return ProjectView{}, err
	}
	payments, err := e.Repo.ListPayments(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	view := ProjectView{Project: p, Payments: payments}
	if week, err := e.ProgramWeek(p.HackathonEndDate); err == nil {
		view.Week = week
		view.RoadmapOpen = timeline.RoadmapOpen(week)
		view.SubmissionOpen = timeline.SubmissionOpen(week)
	}
	return view, nil
}
