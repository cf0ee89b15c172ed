package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"milestonepay/internal/domain"
	"milestonepay/internal/money"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `id,name,COALESCE(donation_address,''),hackathon_end_date,m2_status,completion_date,COALESCE(roadmap,''),COALESCE(submission_url,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var completion sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.DonationAddress, &p.HackathonEndDate, &p.M2Status, &completion, &p.Roadmap, &p.SubmissionURL, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if completion.Valid {
		p.CompletionDate = &completion.String
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,donation_address,hackathon_end_date,m2_status,completion_date,roadmap,submission_url,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.DonationAddress), p.HackathonEndDate, p.M2Status, nullableStringPtr(p.CompletionDate), nullable(p.Roadmap), nullable(p.SubmissionURL), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProjectMetaTx rewrites the imported metadata of a project. Ledger
// owned fields (m2_status, completion_date) are left alone.
func (r Repo) UpdateProjectMetaTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?,donation_address=?,hackathon_end_date=?,updated_at=? WHERE id=?`,
		p.Name, nullable(p.DonationAddress), p.HackathonEndDate, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q querier, id string) (domain.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	team, err := listTeam(ctx, q, id)
	if err != nil {
		return p, err
	}
	p.Team = team
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetM2StatusTx moves the project's milestone 2 status. completionDate is
// only written when non-nil.
func (r Repo) SetM2StatusTx(ctx context.Context, tx *sql.Tx, id, status string, completionDate *string, updatedAt string) error {
	fields := []string{"m2_status=?", "updated_at=?"}
	args := []any{status, updatedAt}
	if completionDate != nil {
		fields = append(fields, "completion_date=?")
		args = append(args, *completionDate)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRoadmapTx(ctx context.Context, tx *sql.Tx, id, roadmap, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET roadmap=?,updated_at=? WHERE id=?`, nullable(roadmap), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSubmissionTx(ctx context.Context, tx *sql.Tx, id, submissionURL, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET submission_url=?,updated_at=? WHERE id=?`, submissionURL, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceTeamTx swaps the whole roster of a project.
func (r Repo) ReplaceTeamTx(ctx context.Context, tx *sql.Tx, projectID string, members []domain.TeamMember) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO team_members(project_id,position,name,address) VALUES (?,?,?,?)`,
			projectID, i, m.Name, m.Address); err != nil {
			return fmt.Errorf("insert team member %s: %w", m.Address, err)
		}
	}
	return nil
}

func (r Repo) ListTeam(ctx context.Context, projectID string) ([]domain.TeamMember, error) {
	return listTeam(ctx, r.DB, projectID)
}

func listTeam(ctx context.Context, q querier, projectID string) ([]domain.TeamMember, error) {
	rows, err := q.QueryContext(ctx, `SELECT name,address FROM team_members WHERE project_id=? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TeamMember{}
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.Name, &m.Address); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// TeamAddresses returns the roster addresses of a project, or ErrNotFound
// when the project does not exist.
func (r Repo) TeamAddresses(ctx context.Context, projectID string) ([]string, error) {
	var exists int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, projectID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	team, err := r.ListTeam(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(team))
	for _, m := range team {
		out = append(out, m.Address)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func formatAmount(a money.Amount) string {
	return strconv.FormatUint(uint64(a), 10)
}

func parseAmount(s string) (money.Amount, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored amount %q: %w", s, err)
	}
	return money.Amount(v), nil
}
