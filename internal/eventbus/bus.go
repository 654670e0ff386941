// Package eventbus publishes engine events: task state changes, delegation
// handoffs, ask status, and retry banners. Events are persisted to SQLite for
// inspection and fanned out to in-process subscribers for live observation.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Streams carried by the bus.
const (
	StreamTaskState  = "task_state"
	StreamDelegation = "delegation"
	StreamAsk        = "ask"
	StreamRetry      = "retry"
	StreamErrors     = "errors"
)

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	TaskID    string         `json:"task_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream   string
	TaskID   string
	Subject  string
	Body     string
	Metadata map[string]any
}

type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Push(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Event{}, fmt.Errorf("stream is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Event{}, fmt.Errorf("body is required")
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	metadataJSON, err := encodeJSON(input.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (id, stream, task_id, subject, body, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, input.Stream, nullString(input.TaskID), nullString(input.Subject), input.Body, metadataJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:        id,
		Stream:    input.Stream,
		TaskID:    input.TaskID,
		Subject:   input.Subject,
		Body:      input.Body,
		Metadata:  input.Metadata,
		CreatedAt: createdAt,
	}

	b.broadcast(event)
	return event, nil
}

// List returns persisted events for a stream in insertion order, optionally
// filtered by task.
func (b *Bus) List(ctx context.Context, stream, taskID string, limit int) ([]Event, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, stream, task_id, subject, body, metadata, created_at FROM events WHERE stream = ?`
	args := []any{stream}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var taskIDStr, subject, metadataStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Stream, &taskIDStr, &subject, &e.Body, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = taskIDStr.String
		e.Subject = subject.String
		e.Metadata = decodeJSONMap(metadataStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel of live events for the given streams (all
// streams when empty). The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[event.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
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

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
