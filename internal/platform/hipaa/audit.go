package hipaa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit actions recorded by the service.
const (
	ActionLogin                   = "login"
	ActionNoteGenerated           = "note_generated"
	ActionNoteStreamed            = "note_streamed"
	ActionNoteSaved               = "note_saved"
	ActionNoteAccessed            = "note_accessed"
	ActionPatientSummaryGenerated = "patient_summary_generated"
	ActionTranscribe              = "transcribe"
	ActionEncounterStatusChanged  = "encounter_status_changed"
	ActionUserUpdated             = "user_updated"
)

// DefaultRecentLimit is used by Recent when no positive limit is given.
const DefaultRecentLimit = 100

// AuditLogEntry is one immutable audit record.
type AuditLogEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Details      string    `json:"details,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditStore is the durable side of the ledger.
type AuditStore interface {
	Append(ctx context.Context, entry AuditLogEntry) error
	Recent(ctx context.Context, limit int) ([]AuditLogEntry, error)
}

// Counter is incremented for every entry that missed the durable store.
// prometheus.Counter satisfies it.
type Counter interface {
	Inc()
}

// Ledger is the append-only audit log. Append never fails: when the durable
// store rejects a write the entry is kept in the in-memory ring instead.
// With no durable store (fallback mode) the ring is the only backend.
type Ledger struct {
	store   AuditStore
	ring    *RingBuffer
	spilled Counter
	logger  zerolog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithSpillCounter counts entries that fell back to the ring.
func WithSpillCounter(c Counter) LedgerOption {
	return func(l *Ledger) { l.spilled = c }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger. store may be nil.
func NewLedger(store AuditStore, ring *RingBuffer, logger zerolog.Logger, opts ...LedgerOption) *Ledger {
	if ring == nil {
		ring = NewRingBuffer(0)
	}
	l := &Ledger{
		store:  store,
		ring:   ring,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// stamp returns a timestamp strictly after the previous one so that
// ordering by timestamp reproduces submission order. Microsecond
// resolution matches PostgreSQL timestamptz.
func (l *Ledger) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC().Truncate(time.Microsecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	l.last = ts
	return ts
}

// Append records entry, assigning its ID and timestamp, and returns the
// stored entry.
func (l *Ledger) Append(ctx context.Context, entry AuditLogEntry) AuditLogEntry {
	entry.ID = uuid.NewString()
	entry.Timestamp = l.stamp()

	l.logger.Info().
		Str("action", entry.Action).
		Str("user_id", entry.UserID).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Msg("AUDIT")

	if l.store == nil {
		l.ring.Enqueue(entry)
		return entry
	}

	// a cancelled request must not lose its audit record
	if err := l.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		l.ring.Enqueue(entry)
		if l.spilled != nil {
			l.spilled.Inc()
		}
		l.logger.Error().Err(err).
			Str("audit_id", entry.ID).
			Str("action", entry.Action).
			Msg("durable audit write failed, entry kept in memory")
	}
	return entry
}

// Recent returns up to limit entries, newest first. Durable rows are merged
// with entries held in the ring. If the durable read fails the ring alone
// is served.
func (l *Ledger) Recent(ctx context.Context, limit int) []AuditLogEntry {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	held := l.ring.Snapshot()
	if l.store == nil {
		return newestFirst(held, limit)
	}

	rows, err := l.store.Recent(ctx, limit)
	if err != nil {
		l.logger.Error().Err(err).Msg("durable audit read failed, serving in-memory entries")
		return newestFirst(held, limit)
	}

	seen := make(map[string]struct{}, len(rows))
	merged := make([]AuditLogEntry, 0, len(rows)+len(held))
	for _, e := range rows {
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, e := range held {
		if _, dup := seen[e.ID]; !dup {
			merged = append(merged, e)
		}
	}
	return newestFirst(merged, limit)
}

// Evicted returns how many entries the ring has dropped to make room.
func (l *Ledger) Evicted() int64 {
	return l.ring.Dropped()
}

func newestFirst(entries []AuditLogEntry, limit int) []AuditLogEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
