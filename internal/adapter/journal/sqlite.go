// Package journal keeps an append-only SQLite log of stream lifecycle
// events for diagnostics.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"chatstream/internal/domain"
)

// Store implements domain.JournalReader over SQLite and records stream
// events published on a bus.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	unsubs []func()
}

var _ domain.JournalReader = (*Store)(nil)

// Open opens (or creates) the journal at dbPath and runs the schema
// migration.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_journal (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			session_id      TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT '',
			code            TEXT NOT NULL DEFAULT '',
			detail          TEXT NOT NULL DEFAULT '',
			at              TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stream_journal_conv ON stream_journal (conversation_id, id);
	`)
	return err
}

// Attach records status, finish, error and abort events from bus. A single
// subscription keeps entries in publish order.
func (s *Store) Attach(bus domain.EventBus) {
	s.unsubs = append(s.unsubs, bus.SubscribeAll(s.record))
}

func (s *Store) record(ctx context.Context, event domain.Event) {
	entry, ok := entryFor(event)
	if !ok {
		return
	}
	if err := s.Append(ctx, entry); err != nil {
		s.logger.Warn("journal append failed",
			"conversation_id", entry.ConversationID,
			"event", string(entry.Type),
			"error", err,
		)
	}
}

// entryFor extracts the journaled fields of event.
func entryFor(event domain.Event) (domain.JournalEntry, bool) {
	entry := domain.JournalEntry{
		ConversationID: event.ConversationID,
		SessionID:      event.SessionID,
		Type:           event.Type,
		At:             event.Timestamp,
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	switch event.Type {
	case domain.EventStreamStatus:
		var p domain.StreamStatusPayload
		if json.Unmarshal(event.Payload, &p) != nil {
			return entry, false
		}
		entry.Status = p.Status
	case domain.EventStreamFinish:
		var p domain.StreamFinishPayload
		if json.Unmarshal(event.Payload, &p) != nil {
			return entry, false
		}
		entry.Detail = p.FinishReason
	case domain.EventStreamError:
		var p domain.StreamErrorPayload
		if json.Unmarshal(event.Payload, &p) != nil {
			return entry, false
		}
		entry.Code = p.Code
		entry.Detail = p.Message
	case domain.EventChatAborted:
	default:
		return entry, false
	}
	return entry, entry.ConversationID != ""
}

// Append writes one entry.
func (s *Store) Append(ctx context.Context, e domain.JournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO stream_journal (conversation_id, session_id, type, status, code, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ConversationID, e.SessionID, string(e.Type), string(e.Status), string(e.Code), e.Detail,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("Journal.Append", domain.ErrJournalWrite, err.Error())
	}
	return nil
}

// Entries lists a conversation's entries, oldest first. limit <= 0 returns
// all of them; otherwise the most recent limit entries are returned.
func (s *Store) Entries(ctx context.Context, conversationID string, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id, conversation_id, session_id, type, status, code, detail, at
		FROM stream_journal WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e                     domain.JournalEntry
			typ, status, code, at string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SessionID, &typ, &status, &code, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Type = domain.EventType(typ)
		e.Status = domain.StreamStatus(status)
		e.Code = domain.ErrorCode(code)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(entries)
	return entries, nil
}

// Close detaches from the bus and closes the database.
func (s *Store) Close() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return s.db.Close()
}
