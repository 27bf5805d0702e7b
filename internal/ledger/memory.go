package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-process append-only ledger. Use it for
// single-instance deployments and tests; production clusters should use
// ClickHouseLedger so spend survives restarts and aggregates across replicas.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Record appends rec, assigning an ID and timestamp when absent.
func (l *MemoryLedger) Record(_ context.Context, rec UsageRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// SumCost totals the caller's spend over [from, to).
func (l *MemoryLedger) SumCost(_ context.Context, callerID string, from, to time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, r := range l.records {
		if r.CallerID != callerID {
			continue
		}
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		total += r.Cost
	}
	return total, nil
}

// Records returns a copy of all stored records, oldest first.
func (l *MemoryLedger) Records() []UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Close is a no-op for the in-process backend.
func (l *MemoryLedger) Close() error { return nil }
