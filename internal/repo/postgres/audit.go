package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/auditlog"
)

// auditChainLock serializes appends so each event links to the latest head.
const auditChainLock int64 = 0x61756469

// AuditDB is satisfied by *sql.DB.
type AuditDB interface {
	DB
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// AuditStore appends sealed audit events. The unique index on prev_sha256
// rejects a fork even if the advisory lock is bypassed.
type AuditStore struct {
	db  AuditDB
	now func() time.Time
}

func NewAuditStore(db AuditDB) *AuditStore {
	if db == nil {
		return nil
	}
	return &AuditStore{db: db, now: time.Now}
}

func (s *AuditStore) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized("audit")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return 0, fmt.Errorf("lock audit chain: %w", err)
	}
	head := auditlog.Genesis
	err = tx.QueryRowContext(ctx,
		`SELECT digest_sha256 FROM audit_events ORDER BY event_id DESC LIMIT 1`,
	).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read audit head: %w", err)
	}

	sealed, err := auditlog.Seal(head, event, s.now())
	if err != nil {
		return 0, err
	}
	payload, err := encodeMetadata(sealed.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode audit payload: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO audit_events (
			occurred_at, actor, action, resource_type, resource_id,
			request_id, payload, prev_sha256, digest_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING event_id`,
		sealed.OccurredAt,
		sealed.Actor,
		sealed.Action,
		sealed.ResourceType,
		sealed.ResourceID,
		nullIfEmpty(sealed.RequestID),
		payload,
		sealed.PrevDigest,
		sealed.Digest,
	).Scan(&id)
	if err != nil {
		return 0, insertError("audit event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit append: %w", err)
	}
	return id, nil
}

// Events pages through the chain in append order, starting after afterID.
func (s *AuditStore) Events(ctx context.Context, afterID int64, limit int) ([]domain.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized("audit")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, occurred_at, actor, action, resource_type, resource_id,
			request_id, payload, prev_sha256, digest_sha256
		FROM audit_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return collect(rows, "audit events", scanAuditEvent)
}

// Verify walks the whole stored chain.
func (s *AuditStore) Verify(ctx context.Context) error {
	head, after := auditlog.Genesis, int64(0)
	for {
		page, err := s.Events(ctx, after, 500)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if head, err = auditlog.Verify(head, page); err != nil {
			return err
		}
		after = page[len(page)-1].EventID
	}
}

func scanAuditEvent(row rowScanner) (domain.AuditEvent, error) {
	var (
		event     domain.AuditEvent
		requestID sql.NullString
		payload   []byte
	)
	err := row.Scan(
		&event.EventID,
		&event.OccurredAt,
		&event.Actor,
		&event.Action,
		&event.ResourceType,
		&event.ResourceID,
		&requestID,
		&payload,
		&event.PrevDigest,
		&event.Digest,
	)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.RequestID = requestID.String
	if event.Payload, err = decodeMetadata(payload); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("decode audit payload: %w", err)
	}
	return event, nil
}
