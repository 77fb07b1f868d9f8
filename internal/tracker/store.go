// Package tracker is the per-project issue tracker: a SQLite database shared between the
// orchestrator, which writes reports, milestones and the agent roster, and the worker
// agents, which manage issues and comments in it directly.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// FileName is the database file inside a project directory
const FileName = "tracker.db"

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// IssueStatus is open or closed
type IssueStatus string

const (
	IssueOpen   IssueStatus = "open"
	IssueClosed IssueStatus = "closed"
)

// MilestoneStatus is the outcome recorded for a declared milestone
type MilestoneStatus string

const (
	MilestoneActive   MilestoneStatus = "active"
	MilestoneFixRound MilestoneStatus = "fix_round"
	MilestonePassed   MilestoneStatus = "passed"
	MilestoneMissed   MilestoneStatus = "missed"
)

// Closed reports whether the status ends the milestone
func (s MilestoneStatus) Closed() bool {
	return s == MilestonePassed || s == MilestoneMissed
}

// Issue is a tracker issue
type Issue struct {
	ID        int64       `json:"id"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	Status    IssueStatus `json:"status"`
	Assignee  string      `json:"assignee,omitempty"`
	CreatedBy string      `json:"createdBy,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Comment is a comment on an issue
type Comment struct {
	ID        int64     `json:"id"`
	IssueID   int64     `json:"issueId"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// MilestoneRecord is the history row of a declared milestone
type MilestoneRecord struct {
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	CyclesBudget int             `json:"cyclesBudget"`
	CyclesUsed   int             `json:"cyclesUsed"`
	Status       MilestoneStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty"`
}

// Store provides SQLite-backed tracker persistence
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the tracker database at dbPath (":memory:" for tests)
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		// agents write to the same file from their own processes
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location handed to agents
func (s *Store) Path() string {
	return s.path
}

// SyncAgents makes the agents table mirror the given roster
func (s *Store) SyncAgents(ctx context.Context, defs []domain.AgentDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	names := make([]interface{}, 0, len(defs))
	for _, d := range defs {
		kind := d.Kind
		if kind == "" {
			kind = domain.KindWorker
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (name, role, kind, model, reports_to, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				role = excluded.role,
				kind = excluded.kind,
				model = excluded.model,
				reports_to = excluded.reports_to,
				updated_at = excluded.updated_at
		`, d.Name, d.Role, string(kind), d.Model, d.ReportsTo)
		if err != nil {
			return fmt.Errorf("upsert agent %s: %w", d.Name, err)
		}
		names = append(names, d.Name)
	}

	del := `DELETE FROM agents`
	if len(names) > 0 {
		del += ` WHERE name NOT IN (` + placeholders(len(names)) + `)`
	}
	if _, err := tx.ExecContext(ctx, del, names...); err != nil {
		return fmt.Errorf("prune agents: %w", err)
	}

	return tx.Commit()
}

// ListAgents returns the roster as last synced
func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, role, kind, model, reports_to FROM agents ORDER BY kind, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.AgentDefinition
	for rows.Next() {
		var d domain.AgentDefinition
		var kind string
		if err := rows.Scan(&d.Name, &d.Role, &kind, &d.Model, &d.ReportsTo); err != nil {
			return nil, err
		}
		d.Kind = domain.AgentKind(kind)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// CreateIssue inserts an open issue and returns its number
func (s *Store) CreateIssue(ctx context.Context, title, body, createdBy string) (int64, error) {
	if strings.TrimSpace(title) == "" {
		return 0, fmt.Errorf("issue title is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (title, body, created_by) VALUES (?, ?, ?)`, title, body, createdBy)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetIssue retrieves an issue by number
func (s *Store) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, status, assignee, created_by, created_at, updated_at
		FROM issues WHERE id = ?
	`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue #%d: %w", id, ErrNotFound)
	}
	return issue, err
}

// IssueFilter narrows ListIssues
type IssueFilter struct {
	Status IssueStatus
	IDs    []int64 // restrict to these issues, as for a focused worker
	Limit  int
}

// ListIssues returns issues matching the filter, newest first
func (s *Store) ListIssues(ctx context.Context, f IssueFilter) ([]*Issue, error) {
	query := `SELECT id, title, body, status, assignee, created_by, created_at, updated_at FROM issues WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return nil, nil
		}
		query += " AND id IN (" + placeholders(len(f.IDs)) + ")"
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// SetIssueStatus opens or closes an issue
func (s *Store) SetIssueStatus(ctx context.Context, id int64, status IssueStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("issue #%d", id))
}

// IssueCounts returns the number of open and closed issues
func (s *Store) IssueCounts(ctx context.Context) (open, closed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END), 0)
		FROM issues
	`).Scan(&open, &closed)
	return open, closed, err
}

// AddComment adds a comment to an existing issue
func (s *Store) AddComment(ctx context.Context, issueID int64, author, body string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (issue_id, author, body) VALUES (?, ?, ?)`, issueID, author, body)
	if err != nil {
		return 0, fmt.Errorf("comment on issue #%d: %w", issueID, err)
	}
	return res.LastInsertId()
}

// ListComments returns the comments of an issue, oldest first
func (s *Store) ListComments(ctx context.Context, issueID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, author, body, created_at FROM comments WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		var created sql.NullTime
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Body, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = created.Time
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// StartMilestone records a newly declared milestone and returns its row id
func (s *Store) StartMilestone(ctx context.Context, m domain.Milestone) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (title, description, cycles_budget) VALUES (?, ?, ?)`,
		m.Title, m.Description, m.CyclesBudget)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateMilestone records progress or the outcome of a milestone
func (s *Store) UpdateMilestone(ctx context.Context, id int64, m domain.Milestone, status MilestoneStatus) error {
	query := `UPDATE milestones SET cycles_used = ?, cycles_budget = ?, status = ?`
	if status.Closed() {
		query += `, closed_at = CURRENT_TIMESTAMP`
	}
	query += ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, m.CyclesUsed, m.CyclesBudget, string(status), id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("milestone %d", id))
}

// ListMilestones returns the milestone history, newest first
func (s *Store) ListMilestones(ctx context.Context, limit int) ([]*MilestoneRecord, error) {
	query := `SELECT id, title, description, cycles_budget, cycles_used, status, created_at, closed_at FROM milestones ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MilestoneRecord
	for rows.Next() {
		var m MilestoneRecord
		var status string
		var created, closed sql.NullTime
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.CyclesBudget, &m.CyclesUsed, &status, &created, &closed); err != nil {
			return nil, err
		}
		m.Status = MilestoneStatus(status)
		m.CreatedAt = created.Time
		if closed.Valid {
			t := closed.Time
			m.ClosedAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AddReport appends an invocation report and sets its ID
func (s *Store) AddReport(ctx context.Context, r *domain.Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (cycle, agent, invocation_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.Cycle, r.Agent, r.InvocationID, r.Body, r.CreatedAt.UTC())
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ReportFilter narrows ListReports
type ReportFilter struct {
	Agent string
	Cycle int // 0 = any
	Limit int
}

// ListReports returns reports matching the filter, newest first
func (s *Store) ListReports(ctx context.Context, f ReportFilter) ([]*domain.Report, error) {
	query := `SELECT id, cycle, agent, invocation_id, body, created_at FROM reports WHERE 1=1`
	var args []interface{}
	if f.Agent != "" {
		query += " AND agent = ?"
		args = append(args, f.Agent)
	}
	if f.Cycle > 0 {
		query += " AND cycle = ?"
		args = append(args, f.Cycle)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.Report
	for rows.Next() {
		var r domain.Report
		var created sql.NullTime
		if err := rows.Scan(&r.ID, &r.Cycle, &r.Agent, &r.InvocationID, &r.Body, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = created.Time
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row scanner) (*Issue, error) {
	var issue Issue
	var status string
	var created, updated sql.NullTime
	err := row.Scan(&issue.ID, &issue.Title, &issue.Body, &status, &issue.Assignee, &issue.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	issue.Status = IssueStatus(status)
	issue.CreatedAt = created.Time
	issue.UpdatedAt = updated.Time
	return &issue, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
