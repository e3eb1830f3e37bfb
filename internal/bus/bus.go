package bus

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// visibilityLag is how long a message stays invisible to polls after it was
// enqueued. It guarantees a message is never deleted before a poll that
// started after the write had a chance to observe it, at the cost of up to
// ~1s extra delivery latency.
const visibilityLag = time.Second

// Message is one queued, session-addressed message.
type Message struct {
	ID         int64
	Sender     string
	Recipient  string
	EnqueuedAt time.Time
	Payload    []byte
}

// SessionLister resolves the currently joined sessions of a room for
// broadcast fan-out.
type SessionLister interface {
	RoomSessionIDs(ctx context.Context, roomToken string) ([]string, error)
}

// Bus is the database-backed message queue used when no external signaling
// backend is configured. Delivery is at-least-once: rows are read and
// deleted together, never read without an eventual delete.
type Bus struct {
	db       *sql.DB
	sessions SessionLister

	// now is swappable for tests.
	now func() time.Time
}

// Open opens or creates the bus database.
func Open(path string, sessions SessionLister) (*Bus, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open bus database: %w", err)
	}

	// Single writer keeps transactions serialized; SQLite does the rest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure bus database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender      TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL, -- unix millis
			payload     BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_recipient
			ON messages (recipient, enqueued_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &Bus{db: db, sessions: sessions, now: time.Now}, nil
}

// Close closes the database.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Enqueue durably inserts one message for a session.
func (b *Bus) Enqueue(ctx context.Context, sender, recipient string, payload []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (sender, recipient, enqueued_at, payload) VALUES (?, ?, ?, ?)`,
		sender, recipient, b.now().UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("enqueue for %s: %w", recipient, err)
	}
	return nil
}

// EnqueueForRoom enqueues one self-addressed copy of payload per session
// currently joined to the room, in a single transaction so a concurrent
// poll never observes a partial fan-out.
func (b *Bus) EnqueueForRoom(ctx context.Context, roomToken string, payload []byte) error {
	sessionIDs, err := b.sessions.RoomSessionIDs(ctx, roomToken)
	if err != nil {
		return fmt.Errorf("list sessions of %s: %w", roomToken, err)
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fan-out: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (sender, recipient, enqueued_at, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fan-out: %w", err)
	}
	defer stmt.Close()

	enqueuedAt := b.now().UnixMilli()
	for _, sessionID := range sessionIDs {
		if _, err := stmt.ExecContext(ctx, sessionID, sessionID, enqueuedAt, payload); err != nil {
			return fmt.Errorf("fan-out to %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fan-out: %w", err)
	}
	return nil
}

// PollAndConsume returns all messages for a session that are past the
// visibility lag and deletes exactly that set in the same transaction.
func (b *Bus) PollAndConsume(ctx context.Context, sessionID string) ([]Message, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin poll: %w", err)
	}
	defer tx.Rollback()

	visibleBefore := b.now().Add(-visibilityLag).UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, sender, recipient, enqueued_at, payload
		 FROM messages
		 WHERE recipient = ? AND enqueued_at <= ?
		 ORDER BY id`,
		sessionID, visibleBefore)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", sessionID, err)
	}

	var messages []Message
	for rows.Next() {
		var msg Message
		var enqueuedAt int64
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &enqueuedAt, &msg.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.EnqueuedAt = time.UnixMilli(enqueuedAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("poll %s: %w", sessionID, err)
	}
	rows.Close()

	if len(messages) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(messages))
	args := make([]any, len(messages))
	for i, msg := range messages {
		placeholders[i] = "?"
		args[i] = msg.ID
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...); err != nil {
		return nil, fmt.Errorf("consume %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit poll: %w", err)
	}
	return messages, nil
}

// Expire deletes all messages older than the given bound regardless of
// delivery status and returns the number of rows removed.
func (b *Bus) Expire(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := b.now().Add(-olderThan).UnixMilli()
	result, err := b.db.ExecContext(ctx, `DELETE FROM messages WHERE enqueued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RunExpiry sweeps expired messages at the given interval until the context
// is cancelled. Safety net against sessions that never poll again.
func (b *Bus) RunExpiry(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Expire(ctx, ttl)
			if err != nil {
				log.Printf("Bus expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("Bus expiry removed %d stale messages", n)
			}
		}
	}
}
