package memory

import (
	"context"
	"sync"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/auditlog"
)

// AuditLog keeps a sealed audit chain in memory.
type AuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	head   string
	now    func() time.Time
}

func NewAuditLog() *AuditLog {
	return &AuditLog{head: auditlog.Genesis, now: time.Now}
}

func (l *AuditLog) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sealed, err := auditlog.Seal(l.head, event, l.now())
	if err != nil {
		return 0, err
	}
	sealed.Payload = sealed.Payload.Clone()
	sealed.EventID = int64(len(l.events) + 1)
	l.events = append(l.events, sealed)
	l.head = sealed.Digest
	return sealed.EventID, nil
}

// Events returns a snapshot of appended events in append order.
func (l *AuditLog) Events() []domain.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *AuditLog) Verify(context.Context) error {
	_, err := auditlog.Verify(auditlog.Genesis, l.Events())
	return err
}
