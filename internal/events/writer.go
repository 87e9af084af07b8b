package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends pipeline events to the event log. A zero Writer (nil DB)
// discards events, which keeps the orchestrator usable without a database.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, token, stage string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,token,stage,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(token), nullable(stage), string(data))
	return err
}

// Latest returns the most recent events, newest first, optionally filtered
// by type and token.
func (w Writer) Latest(ctx context.Context, limit int, evtType, token string) ([]Event, error) {
	if w.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(token,''),COALESCE(stage,''),payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if token != "" {
		conds = append(conds, "token=?")
		args = append(args, token)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Token, &e.Stage, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Event mirrors one row of the event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Payload string `json:"payload_json"`
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
