package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/agentcore/internal/task"
)

// Log kinds for the per-task message logs.
const (
	LogTranscript = "transcript"
	LogRequest    = "request"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveHistoryItem upserts the durable projection of a task.
func (s *Store) SaveHistoryItem(ctx context.Context, item task.HistoryItem) error {
	if item.ID == "" {
		return fmt.Errorf("history item id is required")
	}
	childIDs, err := encodeJSON(item.ChildIDs)
	if err != nil {
		return fmt.Errorf("encode child ids: %w", err)
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_items (id, root_id, parent_id, mode, status, child_ids, awaiting_child_id, delegated_to_id, completed_by_child_id, completion_result, completion_result_summary, tokens_in, tokens_out, cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_id = excluded.root_id,
			parent_id = excluded.parent_id,
			mode = excluded.mode,
			status = excluded.status,
			child_ids = excluded.child_ids,
			awaiting_child_id = excluded.awaiting_child_id,
			delegated_to_id = excluded.delegated_to_id,
			completed_by_child_id = excluded.completed_by_child_id,
			completion_result = excluded.completion_result,
			completion_result_summary = excluded.completion_result_summary,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cost = excluded.cost,
			updated_at = excluded.updated_at
	`, item.ID, nullString(item.RootID), nullString(item.ParentID), nullString(item.Mode), string(item.Status),
		childIDs, nullString(item.AwaitingChildID), nullString(item.DelegatedToID), nullString(item.CompletedByChildID),
		nullString(item.CompletionResult), nullString(item.CompletionResultSummary), item.TokensIn, item.TokensOut, item.Cost,
		item.CreatedAt.Format(time.RFC3339Nano), item.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert history item: %w", err)
	}
	return nil
}

func (s *Store) GetHistoryItem(ctx context.Context, id string) (task.HistoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_id, parent_id, mode, status, child_ids, awaiting_child_id, delegated_to_id, completed_by_child_id, completion_result, completion_result_summary, tokens_in, tokens_out, cost, created_at, updated_at
		FROM history_items WHERE id = ?
	`, id)
	item, err := scanHistoryItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.HistoryItem{}, fmt.Errorf("history item %s: %w", id, ErrNotFound)
		}
		return task.HistoryItem{}, fmt.Errorf("load history item: %w", err)
	}
	return item, nil
}

func (s *Store) ListHistoryItems(ctx context.Context, limit int) ([]task.HistoryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_id, parent_id, mode, status, child_ids, awaiting_child_id, delegated_to_id, completed_by_child_id, completion_result, completion_result_summary, tokens_in, tokens_out, cost, created_at, updated_at
		FROM history_items ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history items: %w", err)
	}
	defer rows.Close()

	var out []task.HistoryItem
	for rows.Next() {
		item, err := scanHistoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history items: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryItem(row rowScanner) (task.HistoryItem, error) {
	var item task.HistoryItem
	var rootID, parentID, mode, childIDs, awaiting, delegatedTo, completedBy, result, resultSummary sql.NullString
	var status, createdAtStr, updatedAtStr string
	if err := row.Scan(&item.ID, &rootID, &parentID, &mode, &status, &childIDs, &awaiting, &delegatedTo, &completedBy, &result,
		&resultSummary, &item.TokensIn, &item.TokensOut, &item.Cost, &createdAtStr, &updatedAtStr); err != nil {
		return task.HistoryItem{}, err
	}
	item.RootID = rootID.String
	item.ParentID = parentID.String
	item.Mode = mode.String
	item.Status = task.Status(status)
	item.AwaitingChildID = awaiting.String
	item.DelegatedToID = delegatedTo.String
	item.CompletedByChildID = completedBy.String
	item.CompletionResult = result.String
	item.CompletionResultSummary = resultSummary.String
	if childIDs.Valid && childIDs.String != "" {
		_ = json.Unmarshal([]byte(childIDs.String), &item.ChildIDs)
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return item, nil
}

// SaveLog stores the full ordered message array for one log of a task. Logs
// are written whole so a rewind can never leave partial rows behind.
func (s *Store) SaveLog(ctx context.Context, taskID, kind string, payload []byte) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if kind != LogTranscript && kind != LogRequest {
		return fmt.Errorf("unknown log kind %q", kind)
	}
	if payload == nil {
		payload = []byte("[]")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (task_id, kind, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, kind) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, taskID, kind, string(payload), now)
	if err != nil {
		return fmt.Errorf("save %s log: %w", kind, err)
	}
	return nil
}

// LoadLog returns the stored array for one log of a task, or nil when the
// task has no stored log yet.
func (s *Store) LoadLog(ctx context.Context, taskID, kind string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM message_logs WHERE task_id = ? AND kind = ?`, taskID, kind).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s log: %w", kind, err)
	}
	return []byte(payload), nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
