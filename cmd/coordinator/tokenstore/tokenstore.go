// Package tokenstore owns the per-run `tokens` table and the
// `fan_in_activations` race-resolution table. All status transitions are
// conditional (from-set → to) so a stale in-memory read can never silently
// clobber a terminal token, and fan-in activation is resolved by a single
// atomic INSERT against a primary key.
package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
)

// Status is one of the token lifecycle states from spec.md's Data Model.
type Status string

const (
	StatusPending               Status = "pending"
	StatusDispatched            Status = "dispatched"
	StatusExecuting             Status = "executing"
	StatusWaitingForSiblings    Status = "waiting_for_siblings"
	StatusWaitingForSubworkflow Status = "waiting_for_subworkflow"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusTimedOut              Status = "timed_out"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

const ddl = `
CREATE TABLE IF NOT EXISTS tokens (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	path_id TEXT NOT NULL,
	parent_token_id TEXT,
	sibling_group TEXT,
	branch_index INTEGER NOT NULL DEFAULT 0,
	branch_total INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	arrived_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	iteration_counts TEXT NOT NULL DEFAULT '{}',
	UNIQUE (run_id, path_id)
);

CREATE TABLE IF NOT EXISTS fan_in_activations (
	sibling_group TEXT PRIMARY KEY,
	winner_token_id TEXT NOT NULL,
	activated_at DATETIME NOT NULL
);
`

// Token is one row of the tokens table.
type Token struct {
	ID              string
	RunID           string
	NodeID          string
	PathID          string
	ParentTokenID   string // "" for the root token
	SiblingGroup    string // "" when the token has no sibling group
	BranchIndex     int
	BranchTotal     int
	Status          Status
	ArrivedAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IterationCounts map[string]int
}

// CreateParams are the inputs to Create; ID is generated if empty.
type CreateParams struct {
	ID              string
	RunID           string
	NodeID          string
	PathID          string
	ParentTokenID   string
	SiblingGroup    string
	BranchIndex     int
	BranchTotal     int
	IterationCounts map[string]int
}

// SiblingCounts classifies a sibling group's tokens by status for the
// synchronization planner.
type SiblingCounts struct {
	Total     int
	Completed int
	Failed    int
	Terminal  int
	Waiting   int
	InFlight  int
}

// Store is the token CRUD and status-transition surface for one run.
type Store struct {
	rs *runstore.Store
}

// New wraps a per-run runstore.Store.
func New(rs *runstore.Store) *Store {
	return &Store{rs: rs}
}

// Migrate creates the tokens and fan_in_activations tables if absent.
func (s *Store) Migrate(ctx context.Context) error {
	return s.rs.ApplyDDL(ctx, []string{ddl})
}

// Create inserts a new token with status pending.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Token, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.BranchTotal == 0 {
		p.BranchTotal = 1
	}
	now := time.Now().UTC()
	iterJSON, err := json.Marshal(p.IterationCounts)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: marshal iteration counts: %w", err)
	}
	_, err = s.rs.Exec(ctx, `
		INSERT INTO tokens (id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, arrived_at, created_at, updated_at, iteration_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunID, p.NodeID, p.PathID, nullable(p.ParentTokenID), nullable(p.SiblingGroup),
		p.BranchIndex, p.BranchTotal, string(StatusPending), now, now, now, string(iterJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: create token %s: %w", p.PathID, err)
	}
	return s.Get(ctx, p.ID)
}

// Get loads a token by id.
func (s *Store) Get(ctx context.Context, tokenID string) (*Token, error) {
	row := s.rs.QueryRow(ctx, `
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, arrived_at, created_at, updated_at, iteration_counts
		FROM tokens WHERE id = ?`, tokenID)
	return scanToken(row)
}

func scanToken(row *sql.Row) (*Token, error) {
	var t Token
	var parent, group sql.NullString
	var statusStr, iterJSON string
	if err := row.Scan(&t.ID, &t.RunID, &t.NodeID, &t.PathID, &parent, &group,
		&t.BranchIndex, &t.BranchTotal, &statusStr, &t.ArrivedAt, &t.CreatedAt, &t.UpdatedAt, &iterJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tokenstore: %w", err)
		}
		return nil, fmt.Errorf("tokenstore: scan token: %w", err)
	}
	t.ParentTokenID = parent.String
	t.SiblingGroup = group.String
	t.Status = Status(statusStr)
	t.IterationCounts = map[string]int{}
	_ = json.Unmarshal([]byte(iterJSON), &t.IterationCounts)
	return &t, nil
}

// UpdateStatus performs a conditional transition: it only applies when the
// token's current status is one of fromSet, returning whether it applied.
// This is the guard spec.md's status-transition table requires for
// cancellation and activation races.
func (s *Store) UpdateStatus(ctx context.Context, tokenID string, fromSet []Status, to Status) (bool, error) {
	placeholders := make([]string, len(fromSet))
	args := make([]any, 0, len(fromSet)+2)
	args = append(args, string(to), time.Now().UTC())
	for i, st := range fromSet {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, tokenID)
	query := fmt.Sprintf(`UPDATE tokens SET status = ?, updated_at = ? WHERE status IN (%s) AND id = ?`,
		strings.Join(placeholders, ", "))
	res, err := s.rs.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("tokenstore: update status of %s: %w", tokenID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tokenstore: rows affected for %s: %w", tokenID, err)
	}
	return n == 1, nil
}

var nonTerminal = []Status{
	StatusPending, StatusDispatched, StatusExecuting,
	StatusWaitingForSiblings, StatusWaitingForSubworkflow,
}

// MarkDispatched transitions pending → dispatched.
func (s *Store) MarkDispatched(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusPending}, StatusDispatched)
}

// MarkExecuting transitions dispatched → executing.
func (s *Store) MarkExecuting(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusDispatched}, StatusExecuting)
}

// MarkWaiting transitions pending/dispatched/executing → waiting_for_siblings.
func (s *Store) MarkWaiting(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusPending, StatusDispatched, StatusExecuting}, StatusWaitingForSiblings)
}

// MarkWaitingForSubworkflow transitions pending → waiting_for_subworkflow: a
// human-gate node's token suspends here instead of dispatching, until an
// external resume signal arrives.
func (s *Store) MarkWaitingForSubworkflow(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusPending}, StatusWaitingForSubworkflow)
}

// Complete transitions executing, waiting_for_siblings, or
// waiting_for_subworkflow → completed.
func (s *Store) Complete(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusExecuting, StatusWaitingForSiblings, StatusWaitingForSubworkflow}, StatusCompleted)
}

// Fail transitions executing, dispatched, or pending → failed.
func (s *Store) Fail(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, []Status{StatusExecuting, StatusDispatched, StatusPending}, StatusFailed)
}

// TimeOut transitions any non-terminal status → timed_out.
func (s *Store) TimeOut(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, nonTerminal, StatusTimedOut)
}

// Cancel transitions any non-terminal status → cancelled.
func (s *Store) Cancel(ctx context.Context, tokenID string) (bool, error) {
	return s.UpdateStatus(ctx, tokenID, nonTerminal, StatusCancelled)
}

// SiblingCounts classifies a sibling group's tokens by status class, used by
// the synchronization planner to evaluate `any`/`all`/`m_of_n` conditions.
func (s *Store) SiblingCounts(ctx context.Context, runID, siblingGroup string) (*SiblingCounts, error) {
	rows, err := s.rs.Query(ctx, `SELECT status FROM tokens WHERE run_id = ? AND sibling_group = ?`, runID, siblingGroup)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: sibling counts for %s: %w", siblingGroup, err)
	}
	defer rows.Close()

	counts := &SiblingCounts{}
	for rows.Next() {
		var statusStr string
		if err := rows.Scan(&statusStr); err != nil {
			return nil, fmt.Errorf("tokenstore: scan sibling status: %w", err)
		}
		status := Status(statusStr)
		counts.Total++
		switch status {
		case StatusCompleted:
			counts.Completed++
			counts.Terminal++
		case StatusFailed, StatusTimedOut, StatusCancelled:
			counts.Terminal++
		case StatusWaitingForSiblings:
			counts.Waiting++
		default:
			counts.InFlight++
		}
	}
	return counts, rows.Err()
}

// ListByStatus returns every token in runID whose status is one of statuses,
// ordered by creation so callers process fan-out siblings in spawn order.
func (s *Store) ListByStatus(ctx context.Context, runID string, statuses []Status) ([]*Token, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, runID)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	rows, err := s.rs.Query(ctx, fmt.Sprintf(`
		SELECT id, run_id, node_id, path_id, parent_token_id, sibling_group,
			branch_index, branch_total, status, arrived_at, created_at, updated_at, iteration_counts
		FROM tokens WHERE run_id = ? AND status IN (%s) ORDER BY created_at ASC`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: list by status for run %s: %w", runID, err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		var t Token
		var parent, group sql.NullString
		var statusStr, iterJSON string
		if err := rows.Scan(&t.ID, &t.RunID, &t.NodeID, &t.PathID, &parent, &group,
			&t.BranchIndex, &t.BranchTotal, &statusStr, &t.ArrivedAt, &t.CreatedAt, &t.UpdatedAt, &iterJSON); err != nil {
			return nil, fmt.Errorf("tokenstore: scan token list: %w", err)
		}
		t.ParentTokenID = parent.String
		t.SiblingGroup = group.String
		t.Status = Status(statusStr)
		t.IterationCounts = map[string]int{}
		_ = json.Unmarshal([]byte(iterJSON), &t.IterationCounts)
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// ListNonTerminal returns every token in runID that has not yet reached a
// terminal status; an empty result means the run is ready for completion
// planning.
func (s *Store) ListNonTerminal(ctx context.Context, runID string) ([]*Token, error) {
	return s.ListByStatus(ctx, runID, nonTerminal)
}

// ListAll returns every token belonging to runID, terminal or not, for
// lifecycle planning that needs to see the whole population.
func (s *Store) ListAll(ctx context.Context, runID string) ([]*Token, error) {
	return s.ListByStatus(ctx, runID, append(append([]Status{}, nonTerminal...), StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled))
}

// TryActivateFanIn attempts to win the single-activator race for a sibling
// group: the first INSERT succeeds, every subsequent attempt hits the
// primary-key constraint and loses. At most one activation per sibling
// group per run is guaranteed by the table's PRIMARY KEY.
func (s *Store) TryActivateFanIn(ctx context.Context, siblingGroup, activatorTokenID string) (bool, error) {
	_, err := s.rs.Exec(ctx, `
		INSERT INTO fan_in_activations (sibling_group, winner_token_id, activated_at)
		VALUES (?, ?, ?)`, siblingGroup, activatorTokenID, time.Now().UTC())
	if err == nil {
		return true, nil
	}
	if isUniqueConstraintViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("tokenstore: try activate fan-in for %s: %w", siblingGroup, err)
}

// isUniqueConstraintViolation reports whether err is a SQLite UNIQUE/PRIMARY
// KEY constraint failure. modernc.org/sqlite surfaces these as plain errors
// whose message contains the SQLite client library's own wording; checking
// the message is the portable way to distinguish "lost the race" from a
// genuine I/O failure across database/sql driver boundaries.
func isUniqueConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
