package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schemaflow/internal/domain"
)

// SQLite is the durable Store. It survives process restarts, so the
// approval gate can stay open across real-world human response times and
// multiple serving replicas sharing the database.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLite) Create(ctx context.Context, state domain.PendingApproval) (string, error) {
	token := uuid.New().String()
	state.Token = token
	if state.CreatedAt == "" {
		state.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO approvals(token,prompt,language,requirements_json,design_json,review_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		state.Token, state.Prompt, nullable(state.Language), state.RequirementsJSON, state.DesignJSON, state.ReviewJSON, state.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	return token, nil
}

func (s *SQLite) Get(ctx context.Context, token string) (domain.PendingApproval, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT token,prompt,COALESCE(language,''),requirements_json,design_json,review_json,created_at FROM approvals WHERE token=?`, token)
	return scanApproval(row)
}

func (s *SQLite) RecordDecision(ctx context.Context, token string, d domain.ApprovalDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE approvals SET decision_json=? WHERE token=?`, string(data), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetDecision(ctx context.Context, token string) (domain.ApprovalDecision, error) {
	var raw sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT decision_json FROM approvals WHERE token=?`, token).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.ApprovalDecision{}, ErrNotFound
	}
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	if !raw.Valid || raw.String == "" {
		return domain.ApprovalDecision{}, ErrNotFound
	}
	var d domain.ApprovalDecision
	if err := json.Unmarshal([]byte(raw.String), &d); err != nil {
		return domain.ApprovalDecision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}

// Consume deletes the row and returns it in one statement. The row comes
// back to exactly one of two racing callers; the loser sees ErrNotFound.
// A single write statement also queues on the connection's busy timeout
// instead of hitting a read-then-upgrade lock conflict.
func (s *SQLite) Consume(ctx context.Context, token string) (domain.PendingApproval, error) {
	row := s.DB.QueryRowContext(ctx,
		`DELETE FROM approvals WHERE token=? RETURNING token,prompt,COALESCE(language,''),requirements_json,design_json,review_json,created_at`, token)
	return scanApproval(row)
}

// List returns all open pending approvals, newest first.
func (s *SQLite) List(ctx context.Context) ([]domain.PendingApproval, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT token,prompt,COALESCE(language,''),requirements_json,design_json,review_json,created_at FROM approvals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingApproval
	for rows.Next() {
		var p domain.PendingApproval
		if err := rows.Scan(&p.Token, &p.Prompt, &p.Language, &p.RequirementsJSON, &p.DesignJSON, &p.ReviewJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanApproval(row *sql.Row) (domain.PendingApproval, error) {
	var p domain.PendingApproval
	err := row.Scan(&p.Token, &p.Prompt, &p.Language, &p.RequirementsJSON, &p.DesignJSON, &p.ReviewJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
