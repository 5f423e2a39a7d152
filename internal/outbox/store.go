// Package outbox persists committed events in postgres and relays them to the
// transport, so a broker outage delays delivery instead of losing events.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"idgraph/internal/events"
	"idgraph/pkg/platform/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_outbox (
	seq          BIGSERIAL PRIMARY KEY,
	event_id     UUID NOT NULL UNIQUE,
	aggregate_id UUID NOT NULL,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS event_outbox_pending ON event_outbox (seq) WHERE published_at IS NULL;
`

// Entry is one stored event awaiting or past delivery.
type Entry struct {
	Seq        int64
	EventID    string
	Aggregate  string
	Type       events.Type
	Payload    []byte
	OccurredAt time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore is the outbox table.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

type Option func(*PostgresStore)

func WithClock(clock func() time.Time) Option {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Migrate creates the outbox table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// Publish appends the event. It joins the caller's transaction when ctx
// carries one. Appending the same event twice is a no-op.
func (s *PostgresStore) Publish(ctx context.Context, evt events.Event) error {
	body, err := events.Marshal(evt)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO event_outbox (event_id, aggregate_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		evt.ID.String(), evt.Aggregate.String(), string(evt.Type), body, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// Claim locks up to limit pending entries in sequence order, hands each to
// send and marks the sent ones published. Sending stops at the first
// failure so later events of the same aggregate never overtake it.
func (s *PostgresStore) Claim(ctx context.Context, limit int, send func(context.Context, Entry) error) (int, error) {
	var (
		sent    int
		sendErr error
	)
	err := tx.Run(ctx, s.db, func(ctx context.Context) error {
		sqlTx, _ := tx.From(ctx)
		entries, err := s.lockPending(ctx, sqlTx, limit)
		if err != nil {
			return err
		}
		published := make([]int64, 0, len(entries))
		for _, entry := range entries {
			if sendErr = send(ctx, entry); sendErr != nil {
				break
			}
			published = append(published, entry.Seq)
		}
		if len(published) == 0 {
			return nil
		}
		if err := s.markPublished(ctx, sqlTx, published); err != nil {
			return err
		}
		sent = len(published)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, sendErr
}

// CountPending reports entries not yet published.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) lockPending(ctx context.Context, sqlTx *sql.Tx, limit int) ([]Entry, error) {
	rows, err := sqlTx.QueryContext(ctx, `
		SELECT seq, event_id, aggregate_id, event_type, payload, occurred_at
		FROM event_outbox
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending outbox events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var eventType string
		if err := rows.Scan(&e.Seq, &e.EventID, &e.Aggregate, &eventType, &e.Payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Type = events.Type(eventType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) markPublished(ctx context.Context, sqlTx *sql.Tx, seqs []int64) error {
	_, err := sqlTx.ExecContext(ctx,
		`UPDATE event_outbox SET published_at = $2 WHERE seq = ANY($1)`,
		pq.Array(seqs), s.clock())
	if err != nil {
		return fmt.Errorf("mark outbox events published: %w", err)
	}
	return nil
}

func (s *PostgresStore) execer(ctx context.Context) execer {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}
