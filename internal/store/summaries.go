package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/callrelay/internal/domain"
)

const timeLayout = time.RFC3339Nano

// SummaryStore archives terminal call summaries.
type SummaryStore struct {
	db *DB
}

// NewSummaryStore creates a summary store using the given database.
func NewSummaryStore(db *DB) *SummaryStore {
	return &SummaryStore{db: db}
}

// SaveSummary writes s, replacing any earlier summary for the same call id.
func (st *SummaryStore) SaveSummary(ctx context.Context, s domain.Summary) error {
	var fallback sql.NullString
	if s.Fallback != nil {
		data, err := json.Marshal(s.Fallback)
		if err != nil {
			return fmt.Errorf("encoding fallback: %w", err)
		}
		fallback = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := st.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary %s: %w", s.CallID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO calls (call_id, session_id, tenant_id, store_id, did, caller_number, agent_ref,
		                    transport, status, reason, created_at, ended_at, duration_ms,
		                    inbound_bytes, outbound_bytes, fallback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   tenant_id = excluded.tenant_id,
		   store_id = excluded.store_id,
		   did = excluded.did,
		   caller_number = excluded.caller_number,
		   agent_ref = excluded.agent_ref,
		   transport = excluded.transport,
		   status = excluded.status,
		   reason = excluded.reason,
		   created_at = excluded.created_at,
		   ended_at = excluded.ended_at,
		   duration_ms = excluded.duration_ms,
		   inbound_bytes = excluded.inbound_bytes,
		   outbound_bytes = excluded.outbound_bytes,
		   fallback = excluded.fallback`,
		s.CallID, s.SessionID, s.Context.TenantID, s.Context.StoreID, s.Context.DID,
		s.Context.CallerNumber, s.Context.AgentRef, s.Transport, string(s.Status), s.Reason,
		s.CreatedAt.UTC().Format(timeLayout), s.EndedAt.UTC().Format(timeLayout), s.DurationMs,
		s.InboundBytes, s.OutboundBytes, fallback,
	)
	if err != nil {
		return fmt.Errorf("saving call %s: %w", s.CallID, err)
	}

	for _, q := range []string{
		`DELETE FROM call_transcript WHERE call_id = ?`,
		`DELETE FROM call_actions WHERE call_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, s.CallID); err != nil {
			return fmt.Errorf("clearing call %s: %w", s.CallID, err)
		}
	}

	for i, e := range s.Transcript {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_transcript (call_id, seq, role, text, timestamp) VALUES (?, ?, ?, ?, ?)`,
			s.CallID, i, e.Role, e.Text, e.Timestamp.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("saving transcript for %s: %w", s.CallID, err)
		}
	}

	for i, a := range s.Actions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_actions (call_id, seq, function, args, result, failed, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.CallID, i, a.Function, string(orEmpty(a.Args)), string(orEmpty(a.Result)), a.Failed,
			a.Timestamp.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("saving actions for %s: %w", s.CallID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary %s: %w", s.CallID, err)
	}
	st.db.log.Debug().Str("callId", s.CallID).Str("status", string(s.Status)).Msg("summary archived")
	return nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

const callColumns = `call_id, session_id, tenant_id, store_id, did, caller_number, agent_ref,
	transport, status, reason, created_at, ended_at, duration_ms, inbound_bytes, outbound_bytes, fallback`

// Get returns the full summary for callID, or domain.ErrNotFound.
func (st *SummaryStore) Get(ctx context.Context, callID string) (domain.Summary, error) {
	row := st.db.sql.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID)
	s, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Summary{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Summary{}, err
	}

	if s.Transcript, err = st.loadTranscript(ctx, callID); err != nil {
		return domain.Summary{}, err
	}
	if s.Actions, err = st.loadActions(ctx, callID); err != nil {
		return domain.Summary{}, err
	}
	return s, nil
}

// ListRecent returns call headers, most recently ended first, optionally
// restricted to one tenant. Transcript and actions are not loaded. A limit
// of 0 defaults to 50.
func (st *SummaryStore) ListRecent(ctx context.Context, tenantID string, limit int) ([]domain.Summary, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if tenantID != "" {
		rows, err = st.db.sql.QueryContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE tenant_id = ? ORDER BY ended_at DESC LIMIT ?`,
			tenantID, limit,
		)
	} else {
		rows, err = st.db.sql.QueryContext(ctx,
			`SELECT `+callColumns+` FROM calls ORDER BY ended_at DESC LIMIT ?`, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Summary
	for rows.Next() {
		s, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes an archived call and its transcript and actions.
func (st *SummaryStore) Delete(ctx context.Context, callID string) error {
	tx, err := st.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM call_transcript WHERE call_id = ?`,
		`DELETE FROM call_actions WHERE call_id = ?`,
		`DELETE FROM calls WHERE call_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, callID); err != nil {
			return fmt.Errorf("deleting call %s: %w", callID, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(r scanner) (domain.Summary, error) {
	var s domain.Summary
	var status, createdAt, endedAt string
	var fallback sql.NullString
	if err := r.Scan(
		&s.CallID, &s.SessionID, &s.Context.TenantID, &s.Context.StoreID, &s.Context.DID,
		&s.Context.CallerNumber, &s.Context.AgentRef, &s.Transport, &status, &s.Reason,
		&createdAt, &endedAt, &s.DurationMs, &s.InboundBytes, &s.OutboundBytes, &fallback,
	); err != nil {
		return domain.Summary{}, err
	}
	s.Context.CallID = s.CallID
	s.Status = domain.Status(status)
	s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	s.EndedAt, _ = time.Parse(timeLayout, endedAt)
	if fallback.Valid && fallback.String != "" {
		var d domain.FallbackDecision
		if err := json.Unmarshal([]byte(fallback.String), &d); err == nil {
			s.Fallback = &d
		}
	}
	return s, nil
}

func (st *SummaryStore) loadTranscript(ctx context.Context, callID string) ([]domain.TranscriptEntry, error) {
	rows, err := st.db.sql.QueryContext(ctx,
		`SELECT role, text, timestamp FROM call_transcript WHERE call_id = ? ORDER BY seq`, callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TranscriptEntry
	for rows.Next() {
		var e domain.TranscriptEntry
		var ts string
		if err := rows.Scan(&e.Role, &e.Text, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (st *SummaryStore) loadActions(ctx context.Context, callID string) ([]domain.ToolCall, error) {
	rows, err := st.db.sql.QueryContext(ctx,
		`SELECT function, args, result, failed, timestamp FROM call_actions WHERE call_id = ? ORDER BY seq`, callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.ToolCall
	for rows.Next() {
		var a domain.ToolCall
		var args, result, ts string
		if err := rows.Scan(&a.Function, &args, &result, &a.Failed, &ts); err != nil {
			return nil, err
		}
		a.Args = json.RawMessage(args)
		a.Result = json.RawMessage(result)
		a.Timestamp, _ = time.Parse(timeLayout, ts)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// TranscriptMatch is one transcript line found by Search.
type TranscriptMatch struct {
	CallID    string    `json:"callId"`
	TenantID  string    `json:"tenantId"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Rank      float64   `json:"rank"`
}

// Search finds transcript lines matching an FTS5 query, best first. Limit of
// 0 defaults to 20.
func (st *SummaryStore) Search(ctx context.Context, query string, limit int) ([]TranscriptMatch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := st.db.sql.QueryContext(ctx,
		`SELECT ct.call_id, c.tenant_id, ct.role, ct.text, ct.timestamp, rank
		 FROM transcript_fts
		 JOIN call_transcript ct ON ct.id = transcript_fts.rowid
		 JOIN calls c ON c.call_id = ct.call_id
		 WHERE transcript_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []TranscriptMatch
	for rows.Next() {
		var m TranscriptMatch
		var ts string
		if err := rows.Scan(&m.CallID, &m.TenantID, &m.Role, &m.Text, &ts, &m.Rank); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(timeLayout, ts)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
