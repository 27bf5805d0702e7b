package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	insertStmt = `INSERT INTO usage_records
		(id, caller_id, provider_id, task_type, input_units, output_units,
		 cost, latency_ms, outcome, ts)`

	sumCostStmt = `SELECT sum(cost) FROM usage_records
		WHERE caller_id = ? AND ts >= ? AND ts < ?`
)

var _ Ledger = (*ClickHouseLedger)(nil)

// ClickHouseLedger writes usage records to ClickHouse in batches.
//
// Record never blocks the request hot path: entries go into a buffered
// channel and a background goroutine flushes them every second or every 100
// records, whichever comes first. If the channel fills up (> 10 000 pending
// entries), new records are dropped and counted in Dropped.
type ClickHouseLedger struct {
	conn      driver.Conn
	ch        chan UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// ClickHouseConfig holds connection settings for the analytics store.
type ClickHouseConfig struct {
	Addrs    []string
	Database string
	Username string
	Password string
}

// NewClickHouseLedger opens a connection, verifies it with a ping, and starts
// the background flush loop. ctx is the application base context; when it is
// cancelled the flush loop drains and stops.
func NewClickHouseLedger(ctx context.Context, cfg ClickHouseConfig, log *slog.Logger) (*ClickHouseLedger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ledger: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ledger: ping clickhouse: %w", err)
	}

	l := &ClickHouseLedger{
		conn:    conn,
		ch:      make(chan UsageRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues rec for the next batch flush. Never blocks; drops when the
// buffer is full.
func (l *ClickHouseLedger) Record(_ context.Context, rec UsageRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// SumCost totals the caller's spend over [from, to) via an aggregation query.
func (l *ClickHouseLedger) SumCost(ctx context.Context, callerID string, from, to time.Time) (float64, error) {
	var total float64
	row := l.conn.QueryRow(ctx, sumCostStmt, callerID, from.UTC(), to.UTC())
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("ledger: sum cost: %w", err)
	}
	return total, nil
}

// Ready reports whether the ClickHouse connection answers a ping. Suitable
// as a readiness probe.
func (l *ClickHouseLedger) Ready() bool {
	pingCtx, cancel := context.WithTimeout(l.baseCtx, time.Second)
	defer cancel()
	return l.conn.Ping(pingCtx) == nil
}

// Dropped returns the number of records discarded because the buffer was full.
func (l *ClickHouseLedger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains pending records, flushes them, and closes the connection.
func (l *ClickHouseLedger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.conn.Close()
}

func (l *ClickHouseLedger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageRecord, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(batch); err != nil {
			l.log.Error("ledger_flush_error",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *ClickHouseLedger) insert(records []UsageRecord) error {
	ctx, cancel := context.WithTimeout(l.baseCtx, 10*time.Second)
	defer cancel()

	batch, err := l.conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.ID,
			r.CallerID,
			r.ProviderID,
			string(r.TaskType),
			r.InputUnits,
			r.OutputUnits,
			r.Cost,
			r.LatencyMs,
			string(r.Outcome),
			r.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}

	return batch.Send()
}
