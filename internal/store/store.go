package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
)

var payloadEncoder *zstd.Encoder

func init() {
	var err error
	payloadEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder init: %v", err))
	}
}

// Writer batches policy decisions and discovery audit events into Postgres.
type Writer struct {
	pool            *pgxpool.Pool
	logger          *zap.Logger
	storeSnapshot   bool
	compressPayload bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeSnapshot, compressPayload bool) *Writer {
	return &Writer{
		pool:            pool,
		logger:          logger,
		storeSnapshot:   storeSnapshot,
		compressPayload: compressPayload,
	}
}

// DecisionRow is one policy.Engine.Evaluate outcome queued for persistence.
type DecisionRow struct {
	PolicyName string
	AgentID    model.AgentID
	Outcome    string
	At         time.Time
	Duration   time.Duration
	Snapshot   []byte // optional JSON-encoded route snapshot
}

// decisionID content-addresses a row so repeated flushes of the same
// decision (e.g. after a retry) dedup via ON CONFLICT rather than
// double-counting.
func decisionID(r *DecisionRow) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", r.PolicyName, r.AgentID, r.Outcome, r.At.UnixNano())
	return h.Sum(nil)
}

// FlushDecisions inserts a batch of policy decisions into decision_history,
// returning the number of rows actually written after dedup.
func (w *Writer) FlushDecisions(ctx context.Context, rows []*DecisionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO decision_history (decision_id, decided_at, policy_name, agent_id, outcome, duration_ms, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (decision_id, decided_at) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		var snapshot []byte
		if w.storeSnapshot && row.Snapshot != nil {
			if w.compressPayload {
				snapshot = payloadEncoder.EncodeAll(row.Snapshot, nil)
			} else {
				snapshot = row.Snapshot
			}
		}
		batch.Queue(insertSQL,
			decisionID(row), row.At, row.PolicyName, string(row.AgentID), row.Outcome,
			row.Duration.Milliseconds(), snapshot,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var total int64
	for i := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert decision_history[%d]: %w", i, err)
		}
		affected := tag.RowsAffected()
		total += affected
		if affected == 0 {
			metrics.StoreDedupConflictsTotal.WithLabelValues("decision_history").Inc()
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("decision_history", "insert").Observe(time.Since(start).Seconds())
	metrics.StoreRowsAffectedTotal.WithLabelValues("decision_history", "insert").Add(float64(total))
	metrics.StoreBatchSize.WithLabelValues("decision_history").Observe(float64(len(rows)))
	return total, nil
}

// AuditRow is a discovery.Manager lifecycle event (agentDiscovered,
// agentLost, capabilityChanged) queued for the audit trail.
type AuditRow struct {
	Kind      string
	AgentID   model.AgentID
	OriginASN model.ASN
	At        time.Time
	Detail    string
}

func auditID(r *AuditRow) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d", r.Kind, r.AgentID, r.OriginASN, r.At.UnixNano())
	return h.Sum(nil)
}

// FlushAudit inserts a batch of discovery audit events into
// discovery_audit, returning the number of rows actually written.
func (w *Writer) FlushAudit(ctx context.Context, rows []*AuditRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO discovery_audit (event_id, occurred_at, kind, agent_id, origin_asn, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, occurred_at) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertSQL, auditID(row), row.At, row.Kind, string(row.AgentID), uint32(row.OriginASN), row.Detail)
	}

	results := tx.SendBatch(ctx, batch)
	var total int64
	for i := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert discovery_audit[%d]: %w", i, err)
		}
		affected := tag.RowsAffected()
		total += affected
		if affected == 0 {
			metrics.StoreDedupConflictsTotal.WithLabelValues("discovery_audit").Inc()
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("discovery_audit", "insert").Observe(time.Since(start).Seconds())
	metrics.StoreRowsAffectedTotal.WithLabelValues("discovery_audit", "insert").Add(float64(total))
	metrics.StoreBatchSize.WithLabelValues("discovery_audit").Observe(float64(len(rows)))
	return total, nil
}
