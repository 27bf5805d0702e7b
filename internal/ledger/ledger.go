// Package ledger records per-call cost and usage for budget governance.
//
// Every billed or cached call produces exactly one UsageRecord. Records are
// append-only: the gateway never mutates or deletes them; retention is the
// analytics pipeline's concern.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Outcome labels how a call terminated for billing purposes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeCached  Outcome = "cached"
)

// UsageRecord is one append-only ledger entry. Cached hits carry zero cost
// but are still recorded so hit rates show up in spend reports.
type UsageRecord struct {
	ID          uuid.UUID
	CallerID    string
	ProviderID  string
	TaskType    providers.TaskType
	InputUnits  int64
	OutputUnits int64
	Cost        float64
	LatencyMs   int64
	Outcome     Outcome
	Timestamp   time.Time
}

// Ledger is the cost accounting interface.
//
// Record must not block the request hot path; implementations buffer and
// flush asynchronously where the backing store is remote. SumCost aggregates
// spend for one caller over [from, to) and is read by the external
// budget-alerting collaborator; the gateway itself never blocks a request on
// cumulative spend.
type Ledger interface {
	Record(ctx context.Context, rec UsageRecord)
	SumCost(ctx context.Context, callerID string, from, to time.Time) (float64, error)
	Close() error
}
