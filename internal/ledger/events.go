package ledger

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome records what happened when a status report was applied.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"  // status changed
	OutcomeNoop     Outcome = "noop"     // status already current
	OutcomeRejected Outcome = "rejected" // transition not allowed
	OutcomeExtended Outcome = "extended" // status unchanged, pending subscription extension completed
)

// Event is an immutable record of one status report for a charge, from a
// webhook delivery, a poll or an admin action.
type Event struct {
	ID         int64     `json:"id"`
	ChargeID   string    `json:"chargeId"`
	TenantID   string    `json:"tenantId"`
	Source     string    `json:"source"`
	EventType  string    `json:"eventType,omitempty"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Outcome    Outcome   `json:"outcome"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EventStore persists and queries charge events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, chargeID string) ([]*Event, error)
}

// MemoryEventStore implements EventStore with in-memory storage.
type MemoryEventStore struct {
	events []*Event
	nextID atomic.Int64
	mu     sync.RWMutex
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	cp.ID = s.nextID.Add(1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryEventStore) ListEvents(_ context.Context, chargeID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*Event{}
	for _, e := range s.events {
		if e.ChargeID == chargeID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charge_events (charge_id, tenant_id, source, event_type, from_status, to_status, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		e.ChargeID, e.TenantID, e.Source, e.EventType, string(e.FromStatus), string(e.ToStatus), string(e.Outcome),
	)
	return err
}

func (s *PostgresEventStore) ListEvents(ctx context.Context, chargeID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, charge_id, tenant_id, source, event_type, from_status, to_status, outcome, created_at
		FROM charge_events
		WHERE charge_id = $1
		ORDER BY id ASC`, chargeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []*Event{}
	for rows.Next() {
		var (
			e                 Event
			from, to, outcome string
		)
		if err := rows.Scan(&e.ID, &e.ChargeID, &e.TenantID, &e.Source, &e.EventType, &from, &to, &outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus, e.Outcome = Status(from), Status(to), Outcome(outcome)
		events = append(events, &e)
	}
	return events, rows.Err()
}
