package domain

import (
	"fmt"
	"strings"
	"time"
)

// AuditEvent is an append-only record of a lifecycle action.
//
// Stores seal events into a single chain: Digest covers the event fields and
// PrevDigest, the digest of the event appended just before. Editing or
// removing a stored event breaks every later link.
type AuditEvent struct {
	EventID      int64
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      Metadata
	PrevDigest   string
	Digest       string
}

// Normalize trims the identifying fields and stamps OccurredAt with now when
// it is unset.
func (e AuditEvent) Normalize(now time.Time) AuditEvent {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	// Stored timestamps keep microseconds; digests must survive a round trip.
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
	e.Actor = strings.TrimSpace(e.Actor)
	e.Action = strings.TrimSpace(e.Action)
	e.ResourceType = strings.TrimSpace(e.ResourceType)
	e.ResourceID = strings.TrimSpace(e.ResourceID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	if e.Payload == nil {
		e.Payload = Metadata{}
	}
	return e
}

func (e AuditEvent) Validate() error {
	var missing []string
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	for _, f := range []struct{ name, value string }{
		{"actor", e.Actor},
		{"action", e.Action},
		{"resource_type", e.ResourceType},
		{"resource_id", e.ResourceID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("audit event missing %s", strings.Join(missing, ", "))
	}
	return nil
}
