package fabric

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-pb/inventory/internal/database"
)

// EventLog is the append-only persistent log behind the fabric. Rows are
// never modified; replay reads by (stream, partition, sequence).
type EventLog struct {
	db *database.DB

	mu   sync.Mutex
	next map[string]uint64 // (stream|partition) -> next sequence
}

// NewEventLog opens the event log over the given database.
func NewEventLog(db *database.DB) (*EventLog, error) {
	l := &EventLog{
		db:   db,
		next: make(map[string]uint64),
	}
	if err := l.loadSequences(); err != nil {
		return nil, err
	}
	return l, nil
}

func seqKey(stream Stream, partition int) string {
	return fmt.Sprintf("%s|%d", stream, partition)
}

// loadSequences recovers the per-partition sequence counters from the log tail.
func (l *EventLog) loadSequences() error {
	rows, err := l.db.Query(`SELECT stream, partition, MAX(sequence) FROM events GROUP BY stream, partition`)
	if err != nil {
		return fmt.Errorf("failed to load log sequences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stream string
		var partition int
		var max uint64
		if err := rows.Scan(&stream, &partition, &max); err != nil {
			return fmt.Errorf("failed to scan log sequence: %w", err)
		}
		l.next[seqKey(Stream(stream), partition)] = max + 1
	}
	return rows.Err()
}

// Append assigns the next sequence on (stream, partition) and persists the
// event. The assigned sequence is written back into e.
func (l *EventLog) Append(e *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := seqKey(e.Stream, e.Partition)
	seq := l.next[key]
	if seq == 0 {
		seq = 1
	}

	_, err := l.db.Exec(`INSERT INTO events
		(stream, partition, sequence, event_id, source, event_type, partition_key,
		 correlation_id, schema_version, wall_time, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Stream), e.Partition, seq, e.ID, e.Source, e.Type, e.PartitionKey,
		e.CorrelationID, e.SchemaVersion, e.WallTime.UnixNano(), e.Payload)
	if err != nil {
		return fmt.Errorf("failed to append event %s to %s: %w", e.ID, e.Stream, err)
	}

	e.Sequence = seq
	l.next[key] = seq + 1
	return nil
}

// ReadFrom returns up to limit events on (stream, partition) with sequence >=
// from, in sequence order.
func (l *EventLog) ReadFrom(stream Stream, partition int, from uint64, limit int) ([]*Event, error) {
	rows, err := l.db.Query(`SELECT sequence, event_id, source, event_type, partition_key,
		correlation_id, schema_version, wall_time, payload
		FROM events WHERE stream = ? AND partition = ? AND sequence >= ?
		ORDER BY sequence LIMIT ?`,
		string(stream), partition, from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events from %s/%d: %w", stream, partition, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{Stream: stream, Partition: partition}
		var wallNanos int64
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Source, &e.Type, &e.PartitionKey,
			&e.CorrelationID, &e.SchemaVersion, &wallNanos, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.WallTime = time.Unix(0, wallNanos)
		events = append(events, e)
	}
	return events, rows.Err()
}

// TailSequence returns the highest assigned sequence on (stream, partition),
// zero when the partition is empty.
func (l *EventLog) TailSequence(stream Stream, partition int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.next[seqKey(stream, partition)]
	if next == 0 {
		return 0
	}
	return next - 1
}

// SaveCursor persists a consumer's replay cursor.
func (l *EventLog) SaveCursor(consumer string, stream Stream, partition int, sequence uint64) error {
	_, err := l.db.Exec(`INSERT INTO consumer_cursors (consumer, stream, partition, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (consumer, stream, partition) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at`,
		consumer, string(stream), partition, sequence, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s on %s/%d: %w", consumer, stream, partition, err)
	}
	return nil
}

// LoadCursor returns a consumer's saved cursor, zero when none exists.
func (l *EventLog) LoadCursor(consumer string, stream Stream, partition int) (uint64, error) {
	var seq uint64
	err := l.db.QueryRow(`SELECT sequence FROM consumer_cursors WHERE consumer = ? AND stream = ? AND partition = ?`,
		consumer, string(stream), partition).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor for %s on %s/%d: %w", consumer, stream, partition, err)
	}
	return seq, nil
}

// DeadLetter quarantines a poison event, preserving its partition key.
func (l *EventLog) DeadLetter(e *Event, failures int, lastErr string) error {
	_, err := l.db.Exec(`INSERT INTO dead_letters
		(stream, partition_key, event_id, source, failures, last_error, payload, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Stream), e.PartitionKey, e.ID, e.Source, failures, lastErr, e.Payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", e.ID, err)
	}
	return nil
}

// DeadLetterCount returns the number of quarantined events.
func (l *EventLog) DeadLetterCount() (int, error) {
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
